// Package config implements the router's file-backed configuration
// loader: strict top-level key validation, atomic hot reload via
// fsnotify, checksum-based change detection, and bounded version
// history for rollback (spec section 6's "Configuration (consumed from
// file loader)").
package config

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/llm-router/keyrouter/core"
)

// KeyConfig is one entry under the file's top-level "keys" section: the
// bootstrap material for a key the Key Manager should register on load.
type KeyConfig struct {
	Material   string                 `yaml:"material"`
	ProviderID string                 `yaml:"provider_id"`
	Metadata   map[string]interface{} `yaml:"metadata,omitempty"`
}

// PolicyConfig is one entry under "policies".
type PolicyConfig struct {
	Name     string                 `yaml:"name"`
	Type     string                 `yaml:"type"`
	Scope    string                 `yaml:"scope"`
	ScopeID  string                 `yaml:"scope_id,omitempty"`
	Priority int                    `yaml:"priority"`
	Enabled  bool                   `yaml:"enabled"`
	Rules    map[string]interface{} `yaml:"rules,omitempty"`
}

// ProviderConfig is one entry under "providers": which adapter to
// construct and its non-secret settings (credentials are resolved from
// the environment by each adapter's factory, never stored here).
type ProviderConfig struct {
	Type    string                 `yaml:"type"`
	Enabled bool                   `yaml:"enabled"`
	Options map[string]interface{} `yaml:"options,omitempty"`
}

// RouterConfig is the file's full top-level shape. Only "keys",
// "policies", and "providers" are recognized; any other top-level key is
// a fatal load error (spec section 6).
type RouterConfig struct {
	Keys      []KeyConfig               `yaml:"keys,omitempty"`
	Policies  []PolicyConfig            `yaml:"policies,omitempty"`
	Providers map[string]ProviderConfig `yaml:"providers,omitempty"`

	Version   string    `yaml:"-"`
	LoadedAt  time.Time `yaml:"-"`
	Checksum  string    `yaml:"-"`
}

var recognizedTopLevelKeys = map[string]bool{
	"keys": true, "policies": true, "providers": true,
}

// Validator checks a loaded RouterConfig before it replaces the active
// snapshot.
type Validator interface {
	Validate(cfg *RouterConfig) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(cfg *RouterConfig) error

func (f ValidatorFunc) Validate(cfg *RouterConfig) error { return f(cfg) }

// Change describes one hot-reload event delivered on Manager's Watch
// channel.
type Change struct {
	Config           *RouterConfig
	PreviousChecksum string
	ChangedAt        time.Time
}

// Manager owns the active configuration snapshot, validates and applies
// updates atomically, watches the backing file for changes, and keeps a
// bounded version history for rollback.
type Manager struct {
	path       string
	historyDir string
	maxHistory int

	mu      sync.RWMutex
	current *RouterConfig

	validators []Validator
	logger     core.Logger
	events     core.EventSink

	watcher *fsnotify.Watcher
}

// Option configures a Manager at construction time.
type Option func(*Manager)

func WithValidator(v Validator) Option {
	return func(m *Manager) { m.validators = append(m.validators, v) }
}

func WithMaxHistory(n int) Option {
	return func(m *Manager) { m.maxHistory = n }
}

func WithLogger(logger core.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithEventSink(sink core.EventSink) Option {
	return func(m *Manager) { m.events = sink }
}

// New builds a Manager backed by the file at path, storing rollback
// snapshots under historyDir.
func New(path, historyDir string, opts ...Option) *Manager {
	m := &Manager{
		path:       path,
		historyDir: historyDir,
		maxHistory: 10,
		logger:     &core.NoOpLogger{},
		events:     core.NoOpEventSink{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load reads and validates the configuration file, replacing the active
// snapshot only on success; a failed validation leaves the previous
// snapshot (if any) untouched.
func (m *Manager) Load(ctx context.Context) (*RouterConfig, error) {
	cfg, err := m.readAndParse()
	if err != nil {
		return nil, err
	}
	if err := m.validate(cfg); err != nil {
		return nil, core.NewRouterError("Config.Load", core.KindConfigurationError, "", "configuration rejected", err)
	}

	cfg.LoadedAt = time.Now().UTC()
	cfg.Checksum = checksum(cfg)
	cfg.Version = cfg.LoadedAt.Format("20060102T150405.000000000")

	m.mu.Lock()
	m.current = cfg
	m.mu.Unlock()

	if err := m.saveVersion(cfg); err != nil {
		m.logger.WarnWithContext(ctx, "failed to persist config version history", map[string]interface{}{"error": err.Error()})
	}

	m.events.Emit(ctx, core.AuditEvent{
		Type:      "configuration_loaded",
		Payload:   map[string]interface{}{"version": cfg.Version, "checksum": cfg.Checksum},
		Timestamp: cfg.LoadedAt,
	})

	return cfg, nil
}

// Current returns the active snapshot, or nil if Load has not succeeded
// yet.
func (m *Manager) Current() *RouterConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) readAndParse() (*RouterConfig, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, core.NewRouterError("Config.readAndParse", core.KindConfigurationError, "", "failed to read configuration file", err)
	}

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, core.NewRouterError("Config.readAndParse", core.KindConfigurationError, "", "failed to parse configuration file", err)
	}
	for key := range raw {
		if !recognizedTopLevelKeys[key] {
			return nil, core.NewRouterError("Config.readAndParse", core.KindConfigurationError, "", fmt.Sprintf("unknown top-level configuration key %q", key), core.ErrConfiguration)
		}
	}

	var cfg RouterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, core.NewRouterError("Config.readAndParse", core.KindConfigurationError, "", "failed to parse configuration file", err)
	}
	return &cfg, nil
}

func (m *Manager) validate(cfg *RouterConfig) error {
	for _, name := range cfg.Keys {
		if name.ProviderID == "" {
			return fmt.Errorf("key entry missing provider_id")
		}
	}
	for _, v := range m.validators {
		if err := v.Validate(cfg); err != nil {
			return err
		}
	}
	return nil
}

func checksum(cfg *RouterConfig) string {
	forHash := *cfg
	forHash.Checksum = ""
	forHash.LoadedAt = time.Time{}
	forHash.Version = ""
	data, _ := json.Marshal(forHash)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

func (m *Manager) saveVersion(cfg *RouterConfig) error {
	if m.historyDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.historyDir, 0o755); err != nil {
		return err
	}

	versionFile := filepath.Join(m.historyDir, cfg.Version+".json")
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(versionFile, data, 0o644); err != nil {
		return err
	}

	return m.pruneHistory()
}

func (m *Manager) pruneHistory() error {
	entries, err := os.ReadDir(m.historyDir)
	if err != nil {
		return err
	}
	if len(entries) <= m.maxHistory {
		return nil
	}
	sortedNames := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			sortedNames = append(sortedNames, e.Name())
		}
	}
	sort.Strings(sortedNames)
	toRemove := len(sortedNames) - m.maxHistory
	for i := 0; i < toRemove; i++ {
		_ = os.Remove(filepath.Join(m.historyDir, sortedNames[i]))
	}
	return nil
}

// Rollback restores the configuration snapshot saved under version,
// applying it as the active snapshot without re-validating against the
// original file (the saved snapshot was valid when written).
func (m *Manager) Rollback(ctx context.Context, version string) (*RouterConfig, error) {
	versionFile := filepath.Join(m.historyDir, version+".json")
	data, err := os.ReadFile(versionFile)
	if err != nil {
		return nil, core.NewRouterError("Config.Rollback", core.KindConfigurationError, version, "version not found", err)
	}

	var cfg RouterConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, core.NewRouterError("Config.Rollback", core.KindConfigurationError, version, "failed to parse stored version", err)
	}

	m.mu.Lock()
	m.current = &cfg
	m.mu.Unlock()

	m.events.Emit(ctx, core.AuditEvent{
		Type:      "configuration_rollback",
		Payload:   map[string]interface{}{"version": version},
		Timestamp: time.Now().UTC(),
	})

	return &cfg, nil
}

// Watch starts watching the configuration file for changes, emitting a
// Change on the returned channel whenever a write produces a config
// whose checksum differs from the currently active one. A failed
// validation on reload is reported on the error channel and the active
// snapshot is left untouched.
func (m *Manager) Watch(ctx context.Context) (<-chan Change, <-chan error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, core.NewRouterError("Config.Watch", core.KindConfigurationError, "", "failed to create file watcher", err)
	}

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, nil, core.NewRouterError("Config.Watch", core.KindConfigurationError, "", "failed to watch configuration directory", err)
	}
	m.watcher = watcher

	changes := make(chan Change, 8)
	errs := make(chan error, 8)

	go func() {
		defer close(changes)
		defer close(errs)
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(m.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				previous := m.Current()
				previousChecksum := ""
				if previous != nil {
					previousChecksum = previous.Checksum
				}

				cfg, err := m.Load(ctx)
				if err != nil {
					errs <- err
					continue
				}
				if cfg.Checksum == previousChecksum {
					continue
				}
				changes <- Change{Config: cfg, PreviousChecksum: previousChecksum, ChangedAt: cfg.LoadedAt}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				errs <- err

			case <-ctx.Done():
				return
			}
		}
	}()

	return changes, errs, nil
}

// StopWatching closes the file watcher started by Watch, if any.
func (m *Manager) StopWatching() error {
	if m.watcher == nil {
		return nil
	}
	return m.watcher.Close()
}
