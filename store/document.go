package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/llm-router/keyrouter/core"
	"github.com/llm-router/keyrouter/domain"
)

// Collection names and indexes (spec section 6): collections api_keys,
// quota_states, routing_decisions, state_transitions, indexes
// (provider_id,state), (state,last_used_at desc), (key_id,timestamp desc),
// unique index on quota_states.key_id.
const (
	collAPIKeys          = "api_keys"
	collQuotaStates      = "quota_states"
	collRoutingDecisions = "routing_decisions"
	collStateTransitions = "state_transitions"
)

// DocumentStore is the MongoDB-backed State Store, grounded on the
// original Python implementation's Beanie-based MongoStateStore.
type DocumentStore struct {
	db     *mongo.Database
	logger core.Logger
}

// NewDocumentStore wraps an already-connected *mongo.Database.
func NewDocumentStore(db *mongo.Database, logger core.Logger) *DocumentStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &DocumentStore{db: db, logger: logger}
}

// EnsureIndexes creates the indexes the normative layout requires. Call
// once at startup; CreateMany is idempotent for already-present indexes.
func (s *DocumentStore) EnsureIndexes(ctx context.Context) error {
	keysIdx := s.db.Collection(collAPIKeys).Indexes()
	if _, err := keysIdx.CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "provider_id", Value: 1}, {Key: "state", Value: 1}}},
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "last_used_at", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("ensure api_keys indexes: %w", err)
	}

	quotaIdx := s.db.Collection(collQuotaStates).Indexes()
	if _, err := quotaIdx.CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("ensure quota_states index: %w", err)
	}

	transitionsIdx := s.db.Collection(collStateTransitions).Indexes()
	if _, err := transitionsIdx.CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "entity_id", Value: 1}, {Key: "at", Value: -1}},
	}); err != nil {
		return fmt.Errorf("ensure state_transitions index: %w", err)
	}

	return nil
}

func (s *DocumentStore) SaveKey(ctx context.Context, key *domain.Key) error {
	coll := s.db.Collection(collAPIKeys)
	_, err := coll.ReplaceOne(ctx, bson.M{"_id": key.ID}, bsonKey(key), options.Replace().SetUpsert(true))
	if err != nil {
		return wrapStoreErr("DocumentStore.SaveKey", err)
	}
	return nil
}

func (s *DocumentStore) GetKey(ctx context.Context, id string) (*domain.Key, error) {
	var doc bsonKeyDoc
	err := s.db.Collection(collAPIKeys).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, core.NewRouterError("DocumentStore.GetKey", core.KindKeyNotFound, id, "key not found", core.ErrKeyNotFound)
	}
	if err != nil {
		return nil, wrapStoreErr("DocumentStore.GetKey", err)
	}
	return doc.toDomain(), nil
}

func (s *DocumentStore) ListKeys(ctx context.Context, providerID string) ([]*domain.Key, error) {
	filter := bson.M{}
	if providerID != "" {
		filter["provider_id"] = providerID
	}
	cur, err := s.db.Collection(collAPIKeys).Find(ctx, filter)
	if err != nil {
		return nil, wrapStoreErr("DocumentStore.ListKeys", err)
	}
	defer cur.Close(ctx)

	var out []*domain.Key
	for cur.Next(ctx) {
		var doc bsonKeyDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, wrapStoreErr("DocumentStore.ListKeys", err)
		}
		out = append(out, doc.toDomain())
	}
	return out, wrapStoreErr("DocumentStore.ListKeys", cur.Err())
}

func (s *DocumentStore) SaveQuotaState(ctx context.Context, state *domain.QuotaState) error {
	coll := s.db.Collection(collQuotaStates)
	_, err := coll.ReplaceOne(ctx, bson.M{"key_id": state.KeyID}, state, options.Replace().SetUpsert(true))
	if err != nil {
		return wrapStoreErr("DocumentStore.SaveQuotaState", err)
	}
	return nil
}

func (s *DocumentStore) GetQuotaState(ctx context.Context, keyID string) (*domain.QuotaState, error) {
	var state domain.QuotaState
	err := s.db.Collection(collQuotaStates).FindOne(ctx, bson.M{"key_id": keyID}).Decode(&state)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr("DocumentStore.GetQuotaState", err)
	}
	return &state, nil
}

func (s *DocumentStore) SaveRoutingDecision(ctx context.Context, decision *domain.RoutingDecision) error {
	_, err := s.db.Collection(collRoutingDecisions).InsertOne(ctx, decision)
	return wrapStoreErr("DocumentStore.SaveRoutingDecision", err)
}

func (s *DocumentStore) SaveStateTransition(ctx context.Context, transition *domain.StateTransition) error {
	_, err := s.db.Collection(collStateTransitions).InsertOne(ctx, transition)
	return wrapStoreErr("DocumentStore.SaveStateTransition", err)
}

func (s *DocumentStore) QueryState(ctx context.Context, q Query) ([]interface{}, error) {
	filter := bson.M{}
	if q.ProviderID != "" {
		filter["provider_id"] = q.ProviderID
	}
	if q.State != "" {
		filter["state"] = q.State
	}

	var collName, timeField string
	switch q.EntityType {
	case EntityKey, "":
		collName, timeField = collAPIKeys, "created_at"
	case EntityQuotaState:
		collName, timeField = collQuotaStates, "last_updated_at"
		if q.KeyID != "" {
			filter["key_id"] = q.KeyID
		}
	case EntityRoutingDecision:
		collName, timeField = collRoutingDecisions, "decision_at"
		if q.KeyID != "" {
			filter["selected_key_id"] = q.KeyID
		}
	case EntityStateTransition:
		collName, timeField = collStateTransitions, "at"
		if q.KeyID != "" {
			filter["entity_id"] = q.KeyID
		}
	default:
		return nil, fmt.Errorf("unknown entity type %q", q.EntityType)
	}

	if !q.From.IsZero() || !q.To.IsZero() {
		rng := bson.M{}
		if !q.From.IsZero() {
			rng["$gte"] = q.From
		}
		if !q.To.IsZero() {
			rng["$lte"] = q.To
		}
		filter[timeField] = rng
	}

	opts := options.Find()
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	if q.Offset > 0 {
		opts.SetSkip(int64(q.Offset))
	}

	cur, err := s.db.Collection(collName).Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapStoreErr("DocumentStore.QueryState", err)
	}
	defer cur.Close(ctx)

	var results []interface{}
	for cur.Next(ctx) {
		item, err := decodeByEntity(q.EntityType, cur)
		if err != nil {
			return nil, wrapStoreErr("DocumentStore.QueryState", err)
		}
		results = append(results, item)
	}
	return results, wrapStoreErr("DocumentStore.QueryState", cur.Err())
}

func decodeByEntity(entityType EntityType, cur *mongo.Cursor) (interface{}, error) {
	switch entityType {
	case EntityKey, "":
		var doc bsonKeyDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		return doc.toDomain(), nil
	case EntityQuotaState:
		var v domain.QuotaState
		return &v, cur.Decode(&v)
	case EntityRoutingDecision:
		var v domain.RoutingDecision
		return &v, cur.Decode(&v)
	case EntityStateTransition:
		var v domain.StateTransition
		return &v, cur.Decode(&v)
	default:
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
}

func (s *DocumentStore) SaveBudget(ctx context.Context, budget *domain.Budget) error {
	_, err := s.db.Collection("budgets").ReplaceOne(ctx, bson.M{"_id": budget.ID}, budget, options.Replace().SetUpsert(true))
	return wrapStoreErr("DocumentStore.SaveBudget", err)
}

func (s *DocumentStore) GetBudget(ctx context.Context, id string) (*domain.Budget, error) {
	var b domain.Budget
	err := s.db.Collection("budgets").FindOne(ctx, bson.M{"_id": id}).Decode(&b)
	if err == mongo.ErrNoDocuments {
		return nil, core.NewRouterError("DocumentStore.GetBudget", core.KindKeyNotFound, id, "budget not found", core.ErrKeyNotFound)
	}
	return &b, wrapStoreErr("DocumentStore.GetBudget", err)
}

func (s *DocumentStore) ListBudgets(ctx context.Context) ([]*domain.Budget, error) {
	cur, err := s.db.Collection("budgets").Find(ctx, bson.M{})
	if err != nil {
		return nil, wrapStoreErr("DocumentStore.ListBudgets", err)
	}
	defer cur.Close(ctx)
	var out []*domain.Budget
	for cur.Next(ctx) {
		var b domain.Budget
		if err := cur.Decode(&b); err != nil {
			return nil, wrapStoreErr("DocumentStore.ListBudgets", err)
		}
		out = append(out, &b)
	}
	return out, wrapStoreErr("DocumentStore.ListBudgets", cur.Err())
}

func (s *DocumentStore) DeleteBudget(ctx context.Context, id string) error {
	_, err := s.db.Collection("budgets").DeleteOne(ctx, bson.M{"_id": id})
	return wrapStoreErr("DocumentStore.DeleteBudget", err)
}

func (s *DocumentStore) SavePolicy(ctx context.Context, policy *domain.Policy) error {
	_, err := s.db.Collection("policies").ReplaceOne(ctx, bson.M{"_id": policy.ID}, policy, options.Replace().SetUpsert(true))
	return wrapStoreErr("DocumentStore.SavePolicy", err)
}

func (s *DocumentStore) GetPolicy(ctx context.Context, id string) (*domain.Policy, error) {
	var p domain.Policy
	err := s.db.Collection("policies").FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if err == mongo.ErrNoDocuments {
		return nil, core.NewRouterError("DocumentStore.GetPolicy", core.KindKeyNotFound, id, "policy not found", core.ErrKeyNotFound)
	}
	return &p, wrapStoreErr("DocumentStore.GetPolicy", err)
}

func (s *DocumentStore) ListPolicies(ctx context.Context) ([]*domain.Policy, error) {
	cur, err := s.db.Collection("policies").Find(ctx, bson.M{})
	if err != nil {
		return nil, wrapStoreErr("DocumentStore.ListPolicies", err)
	}
	defer cur.Close(ctx)
	var out []*domain.Policy
	for cur.Next(ctx) {
		var p domain.Policy
		if err := cur.Decode(&p); err != nil {
			return nil, wrapStoreErr("DocumentStore.ListPolicies", err)
		}
		out = append(out, &p)
	}
	return out, wrapStoreErr("DocumentStore.ListPolicies", cur.Err())
}

func (s *DocumentStore) DeletePolicy(ctx context.Context, id string) error {
	_, err := s.db.Collection("policies").DeleteOne(ctx, bson.M{"_id": id})
	return wrapStoreErr("DocumentStore.DeletePolicy", err)
}

func (s *DocumentStore) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

// bsonKeyDoc mirrors domain.Key with an explicit _id field, since Mongo
// reserves that name for the primary key and domain.Key's field is ID.
type bsonKeyDoc struct {
	ID                string                 `bson:"_id"`
	EncryptedMaterial []byte                 `bson:"encrypted_material"`
	ProviderID        string                 `bson:"provider_id"`
	State             string                 `bson:"state"`
	StateUpdatedAt    time.Time              `bson:"state_updated_at"`
	CreatedAt         time.Time              `bson:"created_at"`
	LastUsedAt        *time.Time             `bson:"last_used_at,omitempty"`
	UsageCount        int64                  `bson:"usage_count"`
	FailureCount      int64                  `bson:"failure_count"`
	CooldownUntil     *time.Time             `bson:"cooldown_until,omitempty"`
	Metadata          map[string]interface{} `bson:"metadata,omitempty"`
}

func bsonKey(k *domain.Key) bsonKeyDoc {
	return bsonKeyDoc{
		ID:                k.ID,
		EncryptedMaterial: k.EncryptedMaterial,
		ProviderID:        k.ProviderID,
		State:             string(k.State),
		StateUpdatedAt:    k.StateUpdatedAt,
		CreatedAt:         k.CreatedAt,
		LastUsedAt:        k.LastUsedAt,
		UsageCount:        k.UsageCount,
		FailureCount:      k.FailureCount,
		CooldownUntil:     k.CooldownUntil,
		Metadata:          k.Metadata,
	}
}

func (d bsonKeyDoc) toDomain() *domain.Key {
	return &domain.Key{
		ID:                d.ID,
		EncryptedMaterial: d.EncryptedMaterial,
		ProviderID:        d.ProviderID,
		State:             domain.KeyState(d.State),
		StateUpdatedAt:    d.StateUpdatedAt,
		CreatedAt:         d.CreatedAt,
		LastUsedAt:        d.LastUsedAt,
		UsageCount:        d.UsageCount,
		FailureCount:      d.FailureCount,
		CooldownUntil:     d.CooldownUntil,
		Metadata:          d.Metadata,
	}
}
