package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesRecognizedTopLevelKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "router.yaml", `
keys:
  - material: sk-test-1234
    provider_id: openai
policies:
  - name: default
    type: routing
    scope: global
    priority: 10
    enabled: true
providers:
  openai:
    type: openai
    enabled: true
`)

	mgr := New(path, filepath.Join(dir, "history"))
	cfg, err := mgr.Load(context.Background())
	require.NoError(t, err)

	assert.Len(t, cfg.Keys, 1)
	assert.Equal(t, "openai", cfg.Keys[0].ProviderID)
	assert.Len(t, cfg.Policies, 1)
	assert.Contains(t, cfg.Providers, "openai")
	assert.NotEmpty(t, cfg.Checksum)
	assert.NotEmpty(t, cfg.Version)
}

func TestLoadRejectsUnknownTopLevelKey(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "router.yaml", `
keys: []
unexpected_section:
  foo: bar
`)

	mgr := New(path, filepath.Join(dir, "history"))
	_, err := mgr.Load(context.Background())
	assert.Error(t, err)
}

func TestLoadFailureLeavesPreviousSnapshotInPlace(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "router.yaml", `
keys:
  - material: sk-test-1234
    provider_id: openai
`)

	mgr := New(path, filepath.Join(dir, "history"))
	first, err := mgr.Load(context.Background())
	require.NoError(t, err)

	writeFile(t, dir, "router.yaml", `
keys:
  - material: sk-test-5678
`)
	_, err = mgr.Load(context.Background())
	require.Error(t, err)

	assert.Equal(t, first.Checksum, mgr.Current().Checksum)
}

func TestValidatorCanRejectConfiguration(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "router.yaml", `
providers:
  openai:
    type: openai
    enabled: true
`)

	rejecting := ValidatorFunc(func(cfg *RouterConfig) error {
		return assert.AnError
	})
	mgr := New(path, filepath.Join(dir, "history"), WithValidator(rejecting))
	_, err := mgr.Load(context.Background())
	assert.Error(t, err)
}

func TestHistoryIsPrunedToMaxVersions(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "router.yaml", `keys: []`)
	historyDir := filepath.Join(dir, "history")

	mgr := New(path, historyDir, WithMaxHistory(2))
	for i := 0; i < 4; i++ {
		_, err := mgr.Load(context.Background())
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	entries, err := os.ReadDir(historyDir)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 2)
}

func TestRollbackRestoresPreviousVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "router.yaml", `
keys:
  - material: sk-test-1234
    provider_id: openai
`)

	mgr := New(path, filepath.Join(dir, "history"))
	first, err := mgr.Load(context.Background())
	require.NoError(t, err)
	firstVersion := first.Version

	writeFile(t, dir, "router.yaml", `
keys:
  - material: sk-test-5678
    provider_id: anthropic
`)
	_, err = mgr.Load(context.Background())
	require.NoError(t, err)

	restored, err := mgr.Rollback(context.Background(), firstVersion)
	require.NoError(t, err)
	assert.Equal(t, "openai", restored.Keys[0].ProviderID)
	assert.Equal(t, "openai", mgr.Current().Keys[0].ProviderID)
}
