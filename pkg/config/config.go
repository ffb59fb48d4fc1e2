package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

// Env overrides applied after loading the file. The realtime URL override in
// particular lets deployments point the client at a different push endpoint
// without touching the config file.
const (
	EnvServerURL   = "TASKHIVE_SERVER_URL"
	EnvRealtimeURL = "TASKHIVE_REALTIME_URL"
)

type Config struct {
	// ServerURL is the Taskhive API base; the token refresh endpoint lives
	// under <server_url>/auth/refresh.
	ServerURL string `toml:"server_url"`
	// RealtimeURL is the push endpoint. Empty means derive from ServerURL
	// (scheme rewritten to ws/wss, path /realtime).
	RealtimeURL string         `toml:"realtime_url,omitempty"`
	StorageDir  string         `toml:"storage_dir"`
	Auth        AuthConfig     `toml:"auth"`
	Realtime    RealtimeConfig `toml:"realtime"`
}

type AuthConfig struct {
	// RefreshTimeout bounds the refresh HTTP round-trip.
	RefreshTimeout Duration `toml:"refresh_timeout"`
}

type RealtimeConfig struct {
	// MaxReconnectAttempts caps the manual reconnect loop after a full
	// transport closure. 0 means use the default.
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `toml:"reconnect_max_delay"`
	RotationInterval     Duration `toml:"rotation_interval"`
	DialTimeout          Duration `toml:"dial_timeout"`
}

type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

const (
	DefaultServerURL            = "https://app.taskhive.dev"
	DefaultRefreshTimeout       = 10 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultRotationInterval     = 5 * time.Second
	DefaultDialTimeout          = 15 * time.Second
)

func GetDefaultConfig() (*Config, error) {
	storageDir, err := GetDefaultStorageDir()
	if err != nil {
		return nil, fmt.Errorf("getting default storage directory: %w", err)
	}
	cfg := &Config{
		ServerURL:  DefaultServerURL,
		StorageDir: storageDir,
	}
	cfg.applyDefaults()
	return cfg, nil
}

func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg, err := GetDefaultConfig()
		if err != nil {
			return nil, err
		}
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if config.StorageDir == "" {
		storageDir, err := GetDefaultStorageDir()
		if err != nil {
			return nil, fmt.Errorf("getting default storage directory: %w", err)
		}
		config.StorageDir = storageDir
	}

	config.applyDefaults()
	config.applyEnvOverrides()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.Auth.RefreshTimeout.Duration == 0 {
		c.Auth.RefreshTimeout = Duration{DefaultRefreshTimeout}
	}
	if c.Realtime.MaxReconnectAttempts == 0 {
		c.Realtime.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Realtime.ReconnectBaseDelay.Duration == 0 {
		c.Realtime.ReconnectBaseDelay = Duration{DefaultReconnectBaseDelay}
	}
	if c.Realtime.ReconnectMaxDelay.Duration == 0 {
		c.Realtime.ReconnectMaxDelay = Duration{DefaultReconnectMaxDelay}
	}
	if c.Realtime.RotationInterval.Duration == 0 {
		c.Realtime.RotationInterval = Duration{DefaultRotationInterval}
	}
	if c.Realtime.DialTimeout.Duration == 0 {
		c.Realtime.DialTimeout = Duration{DefaultDialTimeout}
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvServerURL); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv(EnvRealtimeURL); v != "" {
		c.RealtimeURL = v
	}
}

// RefreshURL returns the token refresh endpoint derived from the server base.
func (c *Config) RefreshURL() string {
	return strings.TrimRight(c.ServerURL, "/") + "/auth/refresh"
}

// ResolveRealtimeURL returns the configured push endpoint, deriving one from
// the server base when not set explicitly.
func (c *Config) ResolveRealtimeURL() string {
	if c.RealtimeURL != "" {
		return c.RealtimeURL
	}
	base := strings.TrimRight(c.ServerURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/realtime"
}

// DBPath returns the credential database path inside the storage directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.StorageDir, "taskhive.db")
}

func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

func (c *Config) SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	template, err := c.generateConfigTemplate()
	if err != nil {
		return fmt.Errorf("generating config template: %w", err)
	}
	return os.WriteFile(configPath, []byte(template), 0644)
}

func (c *Config) generateConfigTemplate() (string, error) {
	storageDir := c.StorageDir
	if storageDir == "" {
		var err error
		storageDir, err = GetDefaultStorageDir()
		if err != nil {
			return "", fmt.Errorf("getting default storage directory: %w", err)
		}
	}

	// Replace the placeholder storage_dir with the actual path
	template := strings.Replace(configTemplate, "/home/user/.local/share/taskhive", storageDir, 1)
	return template, nil
}

// GetDefaultStorageDir returns the default directory for the credential store
func GetDefaultStorageDir() (string, error) {
	// Use XDG_DATA_HOME if set, otherwise use ~/.local/share
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	hiveDir := filepath.Join(dataDir, "taskhive")

	// Create the directory if it doesn't exist
	if err := os.MkdirAll(hiveDir, 0755); err != nil {
		return "", fmt.Errorf("creating storage directory %s: %w", hiveDir, err)
	}

	return hiveDir, nil
}

// GetConfigDir returns the configuration directory for taskhive
func GetConfigDir() (string, error) {
	// Use XDG_CONFIG_HOME if set, otherwise use ~/.config
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	hiveConfigDir := filepath.Join(configDir, "taskhive")

	// Create the directory if it doesn't exist
	if err := os.MkdirAll(hiveConfigDir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory %s: %w", hiveConfigDir, err)
	}

	return hiveConfigDir, nil
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.toml"), nil
}
