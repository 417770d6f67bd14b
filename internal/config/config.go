package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration for the connectivity core.
//
// The timing values are empirically tuned; their relative ratios matter more
// than the absolute numbers (the client heartbeat must stay above the server's
// implied heartbeat, the dwell time must exceed a typical event burst).
type Config struct {
	// APIBaseURL is the base URL of the repository-hosting API used for
	// workspace discovery.
	APIBaseURL string `json:"api_base_url"`
	// StreamURL is the push-notification stream endpoint.
	StreamURL string `json:"stream_url"`
	// LocalControlURL is the fixed address used by connect-to-local.
	LocalControlURL string `json:"local_control_url"`
	// TokenPath is the file maintained by the auth layer that holds the
	// current bearer token. Watched for changes at runtime.
	TokenPath string `json:"token_path"`

	// StatusPort is the localhost port for the status endpoint. 0 disables it.
	StatusPort int `json:"status_port"`

	MinDwellSeconds        int `json:"min_dwell_seconds"`
	PersistentRetrySeconds int `json:"persistent_retry_seconds"`
	HeartbeatSeconds       int `json:"heartbeat_seconds"`
	IdleKeepaliveSeconds   int `json:"idle_keepalive_seconds"`
	StreamHeartbeatSeconds int `json:"stream_heartbeat_seconds"`
	BackoffBaseMillis      int `json:"backoff_base_millis"`
	BackoffCapSeconds      int `json:"backoff_cap_seconds"`
	StreamMaxReconnects    int `json:"stream_max_reconnects"`

	LogLevel string `json:"log_level"` // debug, info, warn, error, none
	LogPath  string `json:"-"`

	path string
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "relaydeck")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "relaydeck")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "relaydeck")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "relaydeck")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "relaydeck")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "relaydeck")
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "relaydeck")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "relaydeck")
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	configDir := defaultConfigDir()
	stateDir := defaultStateDir()

	return &Config{
		APIBaseURL:             "https://api.github.com",
		StreamURL:              "https://notifications.relaydeck.dev/stream",
		LocalControlURL:        "ws://127.0.0.1:8936/control",
		TokenPath:              filepath.Join(configDir, "token"),
		StatusPort:             8937,
		MinDwellSeconds:        30,
		PersistentRetrySeconds: 60,
		HeartbeatSeconds:       35,
		IdleKeepaliveSeconds:   90,
		StreamHeartbeatSeconds: 30,
		BackoffBaseMillis:      1000,
		BackoffCapSeconds:      30,
		StreamMaxReconnects:    10,
		LogLevel:               "info",
		LogPath:                filepath.Join(stateDir, "relaydeck.log"),
		path:                   filepath.Join(configDir, "config.json"),
	}
}

// Load reads configuration from the default path, applying defaults for any
// missing fields and environment overrides on top. A missing file is not an
// error; defaults are returned.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(defaultConfigDir(), "config.json"))
}

// LoadFrom reads configuration from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration back to its file
func (c *Config) Save() error {
	if c.path == "" {
		c.path = filepath.Join(defaultConfigDir(), "config.json")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("RELAYDECK_API_BASE_URL")); v != "" {
		c.APIBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAYDECK_STREAM_URL")); v != "" {
		c.StreamURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAYDECK_TOKEN_PATH")); v != "" {
		c.TokenPath = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAYDECK_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAYDECK_STATUS_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.StatusPort = port
		}
	}
}

// MinDwellTime returns the minimum time a target must be held before an
// event-driven switch may replace it.
func (c *Config) MinDwellTime() time.Duration {
	return time.Duration(c.MinDwellSeconds) * time.Second
}

// PersistentRetryInterval returns the fixed interval of the recovery loop.
func (c *Config) PersistentRetryInterval() time.Duration {
	return time.Duration(c.PersistentRetrySeconds) * time.Second
}

// HeartbeatInterval returns the keepalive probe interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// IdleKeepaliveThreshold returns how long the socket may sit without inbound
// traffic before an explicit keepalive payload is sent.
func (c *Config) IdleKeepaliveThreshold() time.Duration {
	return time.Duration(c.IdleKeepaliveSeconds) * time.Second
}

// StreamHeartbeatInterval returns the stream liveness check interval.
func (c *Config) StreamHeartbeatInterval() time.Duration {
	return time.Duration(c.StreamHeartbeatSeconds) * time.Second
}

// BackoffBase returns the initial reconnect delay.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMillis) * time.Millisecond
}

// BackoffCap returns the reconnect delay ceiling.
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSeconds) * time.Second
}
