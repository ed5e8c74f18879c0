package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
log_level: debug
storage:
  driver: postgres
  dsn: postgres://localhost/amews
risk:
  medium_threshold: 55
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.InDelta(t, 55, cfg.Risk.MediumThreshold, 0.001)
	// Untouched sections keep their defaults.
	assert.InDelta(t, 80, cfg.Risk.HighThreshold, 0.001)
	assert.Equal(t, 100, cfg.ML.Trees)
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"log_level":"warn","api":{"enabled":true,"addr":":9090"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.API.Addr)
}

func TestLoadRejectsBadThresholds(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
risk:
  low_threshold: 70
  medium_threshold: 60
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thresholds")
}

func TestLoadRejectsKafkaWithoutBrokers(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
ingest:
  kafka:
    enabled: true
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeConfig(t, "config.yaml", "   \n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestStaticManager(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	m := NewStaticManager(cfg)
	assert.Equal(t, "debug", m.Get().LogLevel)
	reloaded, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, "debug", reloaded.LogLevel)
}
