package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// Helper to isolate a test from config-related env vars and files.
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"LUGHAH_USER_ID",
		"LUGHAH_LOCAL_PATH",
		"LUGHAH_REMOTE_URL",
		"LUGHAH_REMOTE_API_KEY",
		"LUGHAH_REMOTE_TIMEOUT",
		"LUGHAH_SYNC_INTERVAL",
		"LUGHAH_SYNC_MAX_RETRIES",
		"LUGHAH_SYNC_BACKOFF_BASE",
		"LUGHAH_PORT",
		"LUGHAH_DB_PATH",
		"LUGHAH_READ_TIMEOUT",
		"LUGHAH_WRITE_TIMEOUT",
		"LUGHAH_SHUTDOWN_TIMEOUT",
		"LUGHAH_WRITE_RATE_LIMIT",
		"LUGHAH_WRITE_BURST",
		"LUGHAH_API_KEY",
		"LUGHAH_LOG_LEVEL",
		"LUGHAH_LOG_FORMAT",
		"LUGHAH_SENTRY_DSN",
		"LUGHAH_ENVIRONMENT",
		"LUGHAH_DEV_MODE",
	}
	for _, v := range envVars {
		t.Setenv(v, "")
	}
	dir := t.TempDir()
	t.Setenv("LUGHAH_CONFIG_PATH", filepath.Join(dir, "missing.yaml"))
	t.Setenv("LUGHAH_ENV_FILE", filepath.Join(dir, "missing.env"))
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Offline() {
		t.Error("default config should be offline")
	}
	if !strings.HasSuffix(cfg.Local.Path, filepath.Join("lughah", "local.db")) {
		t.Errorf("Local.Path = %q", cfg.Local.Path)
	}
	if dur(cfg.Remote.Timeout) != 15*time.Second {
		t.Errorf("Remote.Timeout = %v, want 15s", cfg.Remote.Timeout)
	}
	if dur(cfg.Sync.Interval) != 5*time.Minute {
		t.Errorf("Sync.Interval = %v, want 5m", cfg.Sync.Interval)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("Sync.MaxRetries = %d, want 3", cfg.Sync.MaxRetries)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.WriteRateLimit != 20 || cfg.Server.WriteBurst != 40 {
		t.Errorf("write limit = %v/%d, want 20/40", cfg.Server.WriteRateLimit, cfg.Server.WriteBurst)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Diagnostics.Environment != "development" {
		t.Errorf("Diagnostics.Environment = %q", cfg.Diagnostics.Environment)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LUGHAH_USER_ID", "learner-1")
	t.Setenv("LUGHAH_REMOTE_URL", "https://example.test")
	t.Setenv("LUGHAH_REMOTE_API_KEY", "anon-key")
	t.Setenv("LUGHAH_SYNC_INTERVAL", "30s")
	t.Setenv("LUGHAH_PORT", "9090")
	t.Setenv("LUGHAH_WRITE_RATE_LIMIT", "2.5")
	t.Setenv("LUGHAH_LOG_LEVEL", "debug")
	t.Setenv("LUGHAH_SENTRY_DSN", "https://key@sentry.example/1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.User.ID != "learner-1" {
		t.Errorf("User.ID = %q", cfg.User.ID)
	}
	if cfg.Offline() || cfg.Remote.APIKey != "anon-key" {
		t.Errorf("Remote = %+v", cfg.Remote)
	}
	if dur(cfg.Sync.Interval) != 30*time.Second {
		t.Errorf("Sync.Interval = %v", cfg.Sync.Interval)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Server.WriteRateLimit != 2.5 {
		t.Errorf("WriteRateLimit = %v", cfg.Server.WriteRateLimit)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Diagnostics.SentryDSN == "" {
		t.Error("SentryDSN not loaded")
	}
}

func TestLoad_MalformedEnvValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"LUGHAH_PORT", "eighty"},
		{"LUGHAH_SYNC_INTERVAL", "soon"},
		{"LUGHAH_WRITE_RATE_LIMIT", "fast"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Errorf("Load() error = %v, want mention of %s", err, tt.key)
			}
		})
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
user:
  id: yaml-user
remote:
  url: http://localhost:8080
  timeout: 5s
sync:
  interval: 1m
  max_retries: 5
log:
  format: text
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LUGHAH_CONFIG_PATH", path)
	t.Setenv("LUGHAH_SYNC_MAX_RETRIES", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.User.ID != "yaml-user" || cfg.Remote.URL != "http://localhost:8080" {
		t.Errorf("cfg = %+v", cfg)
	}
	if dur(cfg.Remote.Timeout) != 5*time.Second || dur(cfg.Sync.Interval) != time.Minute {
		t.Errorf("durations = %v, %v", cfg.Remote.Timeout, cfg.Sync.Interval)
	}
	if cfg.Sync.MaxRetries != 7 {
		t.Errorf("env should override YAML: MaxRetries = %d", cfg.Sync.MaxRetries)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q", cfg.Log.Format)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("LUGHAH_USER_ID=from-dotenv\nLUGHAH_LOG_LEVEL=warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LUGHAH_ENV_FILE", path)
	// Unset so the file can provide it; an explicit env value must win.
	os.Unsetenv("LUGHAH_USER_ID")
	t.Setenv("LUGHAH_LOG_LEVEL", "error")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.User.ID != "from-dotenv" {
		t.Errorf("User.ID = %q, want from-dotenv", cfg.User.ID)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q, want error", cfg.Log.Level)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("sync: [unclosed"), 0o644)
	t.Setenv("LUGHAH_CONFIG_PATH", path)

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("Load() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad url scheme", func(c *Config) { c.Remote.URL = "ftp://x" }, "remote.url"},
		{"url without host", func(c *Config) { c.Remote.URL = "http://" }, "remote.url"},
		{"zero interval", func(c *Config) { c.Sync.Interval = 0 }, "sync.interval"},
		{"zero retries", func(c *Config) { c.Sync.MaxRetries = 0 }, "sync.max_retries"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newDefaults()
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateServer(t *testing.T) {
	clearEnv(t)
	cfg := newDefaults()
	if err := cfg.ValidateServer(); err == nil {
		t.Error("expected error without API key")
	}

	t.Setenv("LUGHAH_DEV_MODE", "true")
	if err := cfg.ValidateServer(); err != nil {
		t.Errorf("dev mode should skip key check: %v", err)
	}

	t.Setenv("LUGHAH_DEV_MODE", "")
	cfg.Auth.APIKey = "secret"
	if err := cfg.ValidateServer(); err != nil {
		t.Errorf("ValidateServer() error = %v", err)
	}
}

func TestSecretsNeverMarshalled(t *testing.T) {
	cfg := newDefaults()
	cfg.Remote.APIKey = "remote-secret"
	cfg.Auth.APIKey = "server-secret"
	cfg.Diagnostics.SentryDSN = "dsn-secret"

	out, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"remote-secret", "server-secret", "dsn-secret"} {
		if strings.Contains(string(out), secret) {
			t.Errorf("marshalled config contains %q", secret)
		}
	}
	if !strings.Contains(string(out), "interval: 5m0s") {
		t.Errorf("Duration not marshalled as string:\n%s", out)
	}
}
