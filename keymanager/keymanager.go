// Package keymanager manages API key lifecycle: registration, state
// transitions, eligibility filtering, rotation, and on-demand decryption
// of key material (spec section 4.1).
package keymanager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/llm-router/keyrouter/core"
	"github.com/llm-router/keyrouter/crypto"
	"github.com/llm-router/keyrouter/domain"
	"github.com/llm-router/keyrouter/store"
)

// Policy filters an already state-eligible key list further (e.g. by
// reliability, region, cost). A nil policy leaves the state-eligible list
// untouched.
type Policy func(keys []*domain.Key) []*domain.Key

// Manager is the Key Manager component.
type Manager struct {
	store             store.Store
	envelope          *crypto.EnvelopeService
	events            core.EventSink
	logger            core.Logger
	defaultCooldown   time.Duration
}

// Option configures a Manager at construction time.
type Option func(*Manager)

func WithLogger(logger core.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithEventSink(sink core.EventSink) Option {
	return func(m *Manager) { m.events = sink }
}

func WithDefaultCooldown(d time.Duration) Option {
	return func(m *Manager) { m.defaultCooldown = d }
}

// New builds a Manager. envelope encrypts/decrypts key material at rest;
// st persists keys and transitions.
func New(st store.Store, envelope *crypto.EnvelopeService, opts ...Option) *Manager {
	m := &Manager{
		store:           st,
		envelope:        envelope,
		events:          core.NoOpEventSink{},
		logger:          &core.NoOpLogger{},
		defaultCooldown: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterKey validates, encrypts, and persists a new key in the Available
// state, returning its assigned identity.
func (m *Manager) RegisterKey(ctx context.Context, keyMaterial, providerID string, metadata map[string]interface{}) (*domain.Key, error) {
	if err := domain.ValidateMaterial(keyMaterial); err != nil {
		return nil, core.NewRouterError("KeyManager.RegisterKey", core.KindKeyRegistration, "", "key material validation failed", err)
	}
	if err := domain.ValidateProviderID(providerID); err != nil {
		return nil, core.NewRouterError("KeyManager.RegisterKey", core.KindKeyRegistration, "", "provider id validation failed", err)
	}
	if metadata != nil {
		if err := domain.ValidateMetadata(metadata); err != nil {
			return nil, core.NewRouterError("KeyManager.RegisterKey", core.KindKeyRegistration, "", "metadata validation failed", err)
		}
	}

	id := uuid.New().String()

	encrypted, err := m.envelope.Encrypt([]byte(id), []byte(keyMaterial))
	if err != nil {
		return nil, core.NewRouterError("KeyManager.RegisterKey", core.KindKeyRegistration, id, "failed to encrypt key material", err)
	}

	now := time.Now().UTC()
	key := &domain.Key{
		ID:                id,
		EncryptedMaterial: encrypted,
		ProviderID:        normalizeProviderID(providerID),
		State:             domain.KeyAvailable,
		StateUpdatedAt:    now,
		CreatedAt:         now,
		Metadata:          metadata,
	}

	if err := m.store.SaveKey(ctx, key); err != nil {
		return nil, core.NewRouterError("KeyManager.RegisterKey", core.KindKeyRegistration, id, "failed to save key", err)
	}

	m.emit(ctx, "key_registered", map[string]interface{}{
		"key_id":      id,
		"provider_id": key.ProviderID,
		"state":       string(key.State),
	}, map[string]interface{}{"created_at": now})

	return key, nil
}

// GetKey retrieves a key by id.
func (m *Manager) GetKey(ctx context.Context, keyID string) (*domain.Key, error) {
	return m.store.GetKey(ctx, keyID)
}

// TouchUsage persists a key's usage_count/last_used_at fields after a
// successful adapter call, emitting key_access.
func (m *Manager) TouchUsage(ctx context.Context, key *domain.Key) error {
	if err := m.store.SaveKey(ctx, key); err != nil {
		return err
	}
	m.emit(ctx, "key_access", map[string]interface{}{
		"key_id":      key.ID,
		"usage_count": key.UsageCount,
	}, nil)
	return nil
}

// RecordFailure increments a key's failure count after a failed adapter
// call. The key is reloaded under no lock since failure_count is only
// ever read for scoring, never used to gate concurrent writers.
func (m *Manager) RecordFailure(ctx context.Context, keyID string) error {
	key, err := m.store.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	if key == nil {
		return core.NewRouterError("KeyManager.RecordFailure", core.KindKeyNotFound, keyID, "key not found", core.ErrKeyNotFound)
	}
	key.FailureCount++
	return m.store.SaveKey(ctx, key)
}

// GetKeyMaterial decrypts and returns a key's plaintext material. It should
// never be held in memory longer than needed by the caller.
func (m *Manager) GetKeyMaterial(ctx context.Context, keyID string) (string, error) {
	key, err := m.store.GetKey(ctx, keyID)
	if err != nil {
		return "", err
	}

	plaintext, err := m.envelope.Decrypt([]byte(keyID), key.EncryptedMaterial)
	if err != nil {
		m.emit(ctx, "key_access", map[string]interface{}{
			"key_id": keyID, "provider_id": key.ProviderID, "operation": "decrypt", "result": "failure", "error": err.Error(),
		}, map[string]interface{}{"access_type": "key_material_decryption"})
		return "", core.NewRouterError("KeyManager.GetKeyMaterial", core.KindKeyRegistration, keyID, "failed to decrypt key material", err)
	}

	m.emit(ctx, "key_access", map[string]interface{}{
		"key_id": keyID, "provider_id": key.ProviderID, "operation": "decrypt", "result": "success",
	}, map[string]interface{}{"access_type": "key_material_decryption"})

	return string(plaintext), nil
}

// UpdateKeyState validates and applies a state transition, persisting both
// the updated key and an audit StateTransition.
func (m *Manager) UpdateKeyState(ctx context.Context, keyID string, newState domain.KeyState, reason string, cooldown time.Duration, transitionCtx map[string]interface{}) (*domain.StateTransition, error) {
	key, err := m.store.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	fromState := key.State
	if !domain.IsValidTransition(fromState, newState) {
		return nil, core.NewRouterError("KeyManager.UpdateKeyState", core.KindInvalidStateTransition, keyID,
			fmt.Sprintf("invalid state transition from %s to %s", fromState, newState), core.ErrInvalidTransition)
	}

	if fromState == newState {
		return &domain.StateTransition{
			EntityType: "APIKey",
			EntityID:   keyID,
			FromState:  string(fromState),
			ToState:    string(newState),
			At:         time.Now().UTC(),
			Trigger:    reason,
			Context:    transitionCtx,
		}, nil
	}

	now := time.Now().UTC()
	key.State = newState
	key.StateUpdatedAt = now

	if newState == domain.KeyThrottled {
		d := cooldown
		if d == 0 {
			d = m.defaultCooldown
		}
		until := now.Add(d)
		key.CooldownUntil = &until
	} else {
		key.CooldownUntil = nil
	}

	mergedCtx := map[string]interface{}{}
	for k, v := range transitionCtx {
		mergedCtx[k] = v
	}
	if key.CooldownUntil != nil {
		mergedCtx["cooldown_until"] = key.CooldownUntil.Format(time.RFC3339)
	} else {
		mergedCtx["cooldown_until"] = nil
	}

	transition := &domain.StateTransition{
		EntityType: "APIKey",
		EntityID:   keyID,
		FromState:  string(fromState),
		ToState:    string(newState),
		At:         now,
		Trigger:    reason,
		Context:    mergedCtx,
	}

	if err := m.store.SaveKey(ctx, key); err != nil {
		return nil, core.NewRouterError("KeyManager.UpdateKeyState", core.KindStateStoreError, keyID, "failed to save key", err)
	}
	if err := m.store.SaveStateTransition(ctx, transition); err != nil {
		return nil, core.NewRouterError("KeyManager.UpdateKeyState", core.KindStateStoreError, keyID, "failed to save state transition", err)
	}

	m.emit(ctx, "state_transition", map[string]interface{}{
		"key_id": keyID, "from_state": string(fromState), "to_state": string(newState), "reason": reason,
		"cooldown_until": mergedCtx["cooldown_until"],
	}, map[string]interface{}{"transition_timestamp": now})

	return transition, nil
}

// CheckAndRecoverStates promotes Throttled keys whose cooldown has elapsed
// back to Available. Intended to be driven by a periodic background task.
func (m *Manager) CheckAndRecoverStates(ctx context.Context) ([]*domain.StateTransition, error) {
	keys, err := m.store.ListKeys(ctx, "")
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var recovered []*domain.StateTransition

	for _, key := range keys {
		if key.State != domain.KeyThrottled || key.CooldownUntil == nil || now.Before(*key.CooldownUntil) {
			continue
		}

		transition, err := m.UpdateKeyState(ctx, key.ID, domain.KeyAvailable, "cooldown_expired", 0, map[string]interface{}{
			"recovered_at": now.Format(time.RFC3339),
		})
		if err != nil {
			m.logger.Error("failed to recover key from throttled state", map[string]interface{}{"key_id": key.ID, "error": err.Error()})
			continue
		}
		recovered = append(recovered, transition)
	}

	return recovered, nil
}

// GetEligibleKeys returns keys for a provider that are eligible by state,
// then narrowed by an optional policy.
func (m *Manager) GetEligibleKeys(ctx context.Context, providerID string, policy Policy) ([]*domain.Key, error) {
	keys, err := m.store.ListKeys(ctx, providerID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var eligible []*domain.Key
	for _, k := range keys {
		if k.IsEligibleByState(now) {
			eligible = append(eligible, k)
		}
	}

	if policy != nil {
		eligible = policy(eligible)
	}

	return eligible, nil
}

// RevokeKey transitions a key to Disabled, removing it from routing
// eligibility immediately.
func (m *Manager) RevokeKey(ctx context.Context, keyID string) error {
	key, err := m.store.GetKey(ctx, keyID)
	if err != nil {
		return err
	}

	previousState := key.State
	if _, err := m.UpdateKeyState(ctx, keyID, domain.KeyDisabled, "manual_revocation", 0, map[string]interface{}{
		"revoked_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}

	m.emit(ctx, "key_revoked", map[string]interface{}{
		"key_id": keyID, "provider_id": key.ProviderID, "previous_state": string(previousState),
	}, map[string]interface{}{"revoked_at": time.Now().UTC()})

	return nil
}

// RotateKey replaces a key's encrypted material while preserving its id
// and every other attribute (state, usage counters, metadata).
func (m *Manager) RotateKey(ctx context.Context, keyID, newMaterial string) (*domain.Key, error) {
	if err := domain.ValidateMaterial(newMaterial); err != nil {
		return nil, core.NewRouterError("KeyManager.RotateKey", core.KindKeyRegistration, keyID, "new key material validation failed", err)
	}

	oldKey, err := m.store.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	encrypted, err := m.envelope.Encrypt([]byte(keyID), []byte(newMaterial))
	if err != nil {
		return nil, core.NewRouterError("KeyManager.RotateKey", core.KindKeyRegistration, keyID, "failed to encrypt new key material", err)
	}

	rotated := oldKey.Clone()
	rotated.EncryptedMaterial = encrypted

	if err := m.store.SaveKey(ctx, rotated); err != nil {
		return nil, core.NewRouterError("KeyManager.RotateKey", core.KindStateStoreError, keyID, "failed to save rotated key", err)
	}

	now := time.Now().UTC()
	transition := &domain.StateTransition{
		EntityType: "APIKey",
		EntityID:   keyID,
		FromState:  string(oldKey.State),
		ToState:    string(rotated.State),
		At:         now,
		Trigger:    "key_rotation",
		Context:    map[string]interface{}{"rotation_timestamp": now.Format(time.RFC3339), "material_updated": true},
	}
	if err := m.store.SaveStateTransition(ctx, transition); err != nil {
		m.logger.Warn("failed to save rotation transition", map[string]interface{}{"key_id": keyID, "error": err.Error()})
	}

	m.emit(ctx, "key_rotated", map[string]interface{}{
		"key_id": keyID, "provider_id": rotated.ProviderID, "state": string(rotated.State),
	}, map[string]interface{}{"rotated_at": now, "preserved_key_id": true})

	return rotated, nil
}

func (m *Manager) emit(ctx context.Context, eventType string, payload, metadata map[string]interface{}) {
	m.events.Emit(ctx, core.AuditEvent{
		Type:      eventType,
		Payload:   payload,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	})
}

func normalizeProviderID(providerID string) string {
	out := make([]byte, 0, len(providerID))
	for i := 0; i < len(providerID); i++ {
		c := providerID[i]
		if c == ' ' || c == '\t' || c == '\n' {
			continue
		}
		if c >= 'A' && c <= 'Z' {
			c = c - 'A' + 'a'
		}
		out = append(out, c)
	}
	return string(out)
}
