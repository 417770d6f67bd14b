package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "https://api.github.com", cfg.APIBaseURL)
	assert.Equal(t, "ws://127.0.0.1:8936/control", cfg.LocalControlURL)
	assert.Equal(t, 8937, cfg.StatusPort)
	assert.Equal(t, "info", cfg.LogLevel)

	assert.Equal(t, 30*time.Second, cfg.MinDwellTime())
	assert.Equal(t, time.Minute, cfg.PersistentRetryInterval())
	assert.Equal(t, 35*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 90*time.Second, cfg.IdleKeepaliveThreshold())
	assert.Equal(t, 30*time.Second, cfg.StreamHeartbeatInterval())
	assert.Equal(t, time.Second, cfg.BackoffBase())
	assert.Equal(t, 30*time.Second, cfg.BackoffCap())
	assert.Equal(t, 10, cfg.StreamMaxReconnects)
}

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().APIBaseURL, cfg.APIBaseURL)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	cfg.APIBaseURL = "https://hosting.example.com"
	cfg.MinDwellSeconds = 45
	cfg.StatusPort = 9000
	require.NoError(t, cfg.Save())

	loaded, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "https://hosting.example.com", loaded.APIBaseURL)
	assert.Equal(t, 45*time.Second, loaded.MinDwellTime())
	assert.Equal(t, 9000, loaded.StatusPort)

	// Fields absent from the file keep their defaults.
	assert.Equal(t, 35, loaded.HeartbeatSeconds)
}

func TestLoadFromPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"log_level":"debug"}`), 0600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, DefaultConfig().APIBaseURL, cfg.APIBaseURL)
}

func TestLoadFromMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0600))

	_, err := LoadFrom(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAYDECK_API_BASE_URL", "https://ghe.internal.example.com")
	t.Setenv("RELAYDECK_LOG_LEVEL", "debug")
	t.Setenv("RELAYDECK_STATUS_PORT", "9100")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, "https://ghe.internal.example.com", cfg.APIBaseURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9100, cfg.StatusPort)
}

func TestEnvOverrideInvalidPortIgnored(t *testing.T) {
	t.Setenv("RELAYDECK_STATUS_PORT", "not-a-port")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, 8937, cfg.StatusPort)
}
