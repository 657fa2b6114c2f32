package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "rolling", cfg.Migration.Strategy)
	assert.Equal(t, "latest_wins", cfg.Migration.ConflictPolicy)
	assert.True(t, cfg.Migration.EnableRealTimeSync)
	assert.Equal(t, 5*time.Second, cfg.Migration.SyncInterval)
	assert.Equal(t, 500, cfg.Migration.MaxSyncBatchSize)
	assert.Equal(t, 7*24*time.Hour, cfg.Migration.ChangeLogRetention)
	assert.Equal(t, 2*time.Second, cfg.Migration.MaxDowntime)
	assert.Equal(t, 512, cfg.Migration.MemoryLimitMB)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Encoding)
	assert.False(t, cfg.OpenSearch.Enabled)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":8090", cfg.Health.Port)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	raw := []byte(`
migration:
  strategy: snapshot
  conflict_policy: manual_review
  max_downtime: 500ms
  batch_size: 50
source:
  data_file: /var/lib/trading/seed.json
`)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "snapshot", cfg.Migration.Strategy)
	assert.Equal(t, "manual_review", cfg.Migration.ConflictPolicy)
	assert.Equal(t, 500*time.Millisecond, cfg.Migration.MaxDowntime)
	assert.Equal(t, 50, cfg.Migration.BatchSize)
	assert.Equal(t, "/var/lib/trading/seed.json", cfg.Source.DataFile)

	// Незатронутые ключи сохраняют дефолты
	assert.Equal(t, 4, cfg.Migration.Concurrency)
}

func TestLoad_RejectsUnknownPolicy(t *testing.T) {
	raw := []byte(`
migration:
  conflict_policy: coin_flip
`)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownStrategy(t *testing.T) {
	raw := []byte(`
migration:
  strategy: teleport
`)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_ChecksRanges(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Migration.ValidationSampleRate = 1.5
	assert.Error(t, Validate(cfg))

	cfg.Migration.ValidationSampleRate = 0.1
	cfg.Migration.MemoryLimitMB = 4
	assert.Error(t, Validate(cfg))
}
