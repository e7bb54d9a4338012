package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	User        UserConfig        `yaml:"user"`
	Local       LocalConfig       `yaml:"local"`
	Remote      RemoteConfig      `yaml:"remote"`
	Sync        SyncConfig        `yaml:"sync"`
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Log         LogConfig         `yaml:"log"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// UserConfig identifies the signed-in learner.
type UserConfig struct {
	ID string `yaml:"id"`
}

// LocalConfig contains on-device storage settings.
type LocalConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig points at the row-level data API. An empty URL runs the
// client fully offline.
type RemoteConfig struct {
	URL     string   `yaml:"url"`
	APIKey  string   `yaml:"-"` // env-only, never in YAML
	Timeout Duration `yaml:"timeout"`
}

// SyncConfig contains background sync settings.
type SyncConfig struct {
	Interval    Duration `yaml:"interval"`
	MaxRetries  int      `yaml:"max_retries"`
	BackoffBase Duration `yaml:"backoff_base"`
}

// ServerConfig contains settings of the reference backend.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	DatabasePath    string   `yaml:"database_path"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	WriteRateLimit  float64  `yaml:"write_rate_limit"`
	WriteBurst      int      `yaml:"write_burst"`
}

// AuthConfig contains reference backend authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DiagnosticsConfig contains error reporting settings.
type DiagnosticsConfig struct {
	SentryDSN   string `yaml:"-"` // env-only, never in YAML
	Environment string `yaml:"environment"`
}

// Offline reports whether no remote is configured.
func (c *Config) Offline() bool {
	return c.Remote.URL == ""
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// DefaultConfigPath is the YAML file read when LUGHAH_CONFIG_PATH is unset.
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, "lughah", "config.yaml")
}

// Load loads configuration with precedence:
// defaults → YAML file → .env file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("LUGHAH_CONFIG_PATH", DefaultConfigPath())
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	if err := loadDotEnv(getEnv("LUGHAH_ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit config paths.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Local: LocalConfig{
			Path: filepath.Join(xdg.DataHome, "lughah", "local.db"),
		},
		Remote: RemoteConfig{
			Timeout: Duration(15 * time.Second),
		},
		Sync: SyncConfig{
			Interval:    Duration(5 * time.Minute),
			MaxRetries:  3,
			BackoffBase: Duration(2 * time.Second),
		},
		Server: ServerConfig{
			Port:            8080,
			DatabasePath:    filepath.Join(xdg.DataHome, "lughah", "backend.db"),
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			WriteRateLimit:  20,
			WriteBurst:      40,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Diagnostics: DiagnosticsConfig{
			Environment: "development",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// loadDotEnv exports the variables of a .env file. Variables already set in
// the environment win. A missing file is not an error.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("parsing env file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values; malformed numbers and
// durations are errors.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	duration := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// User and local storage
	str("LUGHAH_USER_ID", &cfg.User.ID)
	str("LUGHAH_LOCAL_PATH", &cfg.Local.Path)

	// Remote
	str("LUGHAH_REMOTE_URL", &cfg.Remote.URL)
	str("LUGHAH_REMOTE_API_KEY", &cfg.Remote.APIKey)
	duration("LUGHAH_REMOTE_TIMEOUT", &cfg.Remote.Timeout)

	// Sync
	duration("LUGHAH_SYNC_INTERVAL", &cfg.Sync.Interval)
	integer("LUGHAH_SYNC_MAX_RETRIES", &cfg.Sync.MaxRetries)
	duration("LUGHAH_SYNC_BACKOFF_BASE", &cfg.Sync.BackoffBase)

	// Server
	integer("LUGHAH_PORT", &cfg.Server.Port)
	str("LUGHAH_DB_PATH", &cfg.Server.DatabasePath)
	duration("LUGHAH_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	duration("LUGHAH_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	duration("LUGHAH_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	integer("LUGHAH_WRITE_BURST", &cfg.Server.WriteBurst)
	if v := os.Getenv("LUGHAH_WRITE_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("LUGHAH_WRITE_RATE_LIMIT: %w", err))
		} else {
			cfg.Server.WriteRateLimit = f
		}
	}

	// Auth
	str("LUGHAH_API_KEY", &cfg.Auth.APIKey)

	// Log
	str("LUGHAH_LOG_LEVEL", &cfg.Log.Level)
	str("LUGHAH_LOG_FORMAT", &cfg.Log.Format)

	// Diagnostics
	str("LUGHAH_SENTRY_DSN", &cfg.Diagnostics.SentryDSN)
	str("LUGHAH_ENVIRONMENT", &cfg.Diagnostics.Environment)

	return errors.Join(errs...)
}

// validate checks the values every command depends on.
func (c *Config) validate() error {
	var errs []error

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}

	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("remote.url %q must be an http(s) URL", c.Remote.URL))
		}
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, errors.New("remote.timeout must be positive"))
	}

	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.MaxRetries < 1 {
		errs = append(errs, errors.New("sync.max_retries must be at least 1"))
	}
	if c.Sync.BackoffBase <= 0 {
		errs = append(errs, errors.New("sync.backoff_base must be positive"))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	return errors.Join(errs...)
}

// ValidateServer checks settings only the reference backend needs.
// In dev mode (LUGHAH_DEV_MODE=true), API key validation is skipped.
func (c *Config) ValidateServer() error {
	if os.Getenv("LUGHAH_DEV_MODE") == "true" {
		return nil
	}
	if c.Auth.APIKey == "" {
		return errors.New("LUGHAH_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
