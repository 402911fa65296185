// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  app_name: "notes"
  server_url: "https://api.example.com/parse"

database:
  driver: "sqlite"
  path: "./test.db"

writes:
  allow_custom_object_id: true
  revoke_session_on_password_reset: true
  verify_user_emails: true
  prevent_login_with_unverified_email: true
  session_length: "24h"
  email_verify_token_validity: "2h"

password_policy:
  validator_pattern: "[0-9]"
  do_not_allow_username: true
  max_password_history: 3
  max_password_age: "720h"

auth:
  providers:
    acme:
      type: jwt
      secret: "0123456789abcdef0123456789abcdef"
      audience: "notes"
    legacy:
      enabled: false

cache:
  ttl: "10s"
  max_size: 50

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.AppName != "notes" {
		t.Errorf("Server.AppName = %q, want %q", cfg.Server.AppName, "notes")
	}
	if cfg.Server.PublicServerURL != "https://api.example.com/parse" {
		t.Errorf("Server.PublicServerURL = %q, want it to default to server_url", cfg.Server.PublicServerURL)
	}
	if !cfg.Writes.AllowCustomObjectID {
		t.Error("Writes.AllowCustomObjectID = false, want true")
	}
	if cfg.Writes.SessionLength != 24*time.Hour {
		t.Errorf("Writes.SessionLength = %v, want 24h", cfg.Writes.SessionLength)
	}
	if cfg.Writes.EmailVerifyTokenValidity != 2*time.Hour {
		t.Errorf("Writes.EmailVerifyTokenValidity = %v, want 2h", cfg.Writes.EmailVerifyTokenValidity)
	}
	if cfg.PasswordPolicy.MaxPasswordHistory != 3 {
		t.Errorf("PasswordPolicy.MaxPasswordHistory = %d, want 3", cfg.PasswordPolicy.MaxPasswordHistory)
	}
	if cfg.PasswordPolicy.MaxPasswordAge != 720*time.Hour {
		t.Errorf("PasswordPolicy.MaxPasswordAge = %v, want 720h", cfg.PasswordPolicy.MaxPasswordAge)
	}
	if p := cfg.Auth.Providers["acme"]; p.Type != "jwt" || p.Audience != "notes" || !p.IsEnabled() {
		t.Errorf("Auth.Providers[acme] = %+v", p)
	}
	if cfg.Auth.Providers["legacy"].IsEnabled() {
		t.Error("Auth.Providers[legacy] should be disabled")
	}
	if cfg.Cache.TTL != 10*time.Second || cfg.Cache.MaxSize != 50 {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  server_url: "http://localhost:1337"
database:
  path: "./docs.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Server.AppName != "docwrite" {
		t.Errorf("Server.AppName = %q, want docwrite", cfg.Server.AppName)
	}
	if cfg.Writes.SessionLength != DefaultSessionLength {
		t.Errorf("Writes.SessionLength = %v, want %v", cfg.Writes.SessionLength, DefaultSessionLength)
	}
	if cfg.Cache.TTL != DefaultCacheTTL || cfg.Cache.MaxSize != DefaultCacheMaxSize {
		t.Errorf("Cache = %+v, want defaults", cfg.Cache)
	}
	if cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, DefaultMetricsPath)
	}
	if cfg.Metrics.Addr != DefaultMetricsAddr {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, DefaultMetricsAddr)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want info/text", cfg.Logging)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[server]
app_name = "notes"
server_url = "http://localhost:1337"

[database]
driver = "memory"

[writes]
enforce_private_users = true
session_length = "1h"

[password_policy]
max_password_history = 5

[auth.providers.acme]
type = "jwt"
secret = "0123456789abcdef0123456789abcdef"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("Database.Driver = %q, want memory", cfg.Database.Driver)
	}
	if !cfg.Writes.EnforcePrivateUsers {
		t.Error("Writes.EnforcePrivateUsers = false, want true")
	}
	if cfg.Writes.SessionLength != time.Hour {
		t.Errorf("Writes.SessionLength = %v, want 1h", cfg.Writes.SessionLength)
	}
	if cfg.PasswordPolicy.MaxPasswordHistory != 5 {
		t.Errorf("PasswordPolicy.MaxPasswordHistory = %d, want 5", cfg.PasswordPolicy.MaxPasswordHistory)
	}
	if cfg.Auth.Providers["acme"].Type != "jwt" {
		t.Errorf("Auth.Providers[acme].Type = %q, want jwt", cfg.Auth.Providers["acme"].Type)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("DOCWRITE_TEST_SECRET", "abcdefghijklmnopqrstuvwxyz012345")
	t.Setenv("DOCWRITE_TEST_URL", "https://expanded.example.com")

	configPath := writeConfig(t, "config.yaml", `
server:
  server_url: "${DOCWRITE_TEST_URL}"
database:
  driver: memory
auth:
  providers:
    acme:
      type: jwt
      secret: "${DOCWRITE_TEST_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ServerURL != "https://expanded.example.com" {
		t.Errorf("Server.ServerURL = %q", cfg.Server.ServerURL)
	}
	if cfg.Auth.Providers["acme"].Secret != "abcdefghijklmnopqrstuvwxyz012345" {
		t.Errorf("secret was not expanded: %q", cfg.Auth.Providers["acme"].Secret)
	}
}

func TestExpandEnvVars_Unset(t *testing.T) {
	got := expandEnvVars("value: ${DOCWRITE_DEFINITELY_UNSET_VAR}")
	if got != "value: " {
		t.Errorf("expandEnvVars() = %q, want %q", got, "value: ")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  server_url: "http://localhost"
database:
  driver: memory
writes:
  session_length: "forever"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "writes.session_length") {
		t.Errorf("error = %v, want it to name the field", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:   ServerConfig{ServerURL: "http://localhost"},
			Database: DatabaseConfig{Driver: "sqlite", Path: "./x.db"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing server url", func(c *Config) { c.Server.ServerURL = "" }, "server.server_url"},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"memory without path", func(c *Config) { c.Database = DatabaseConfig{Driver: "memory"} }, ""},
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"prevent login without verify", func(c *Config) { c.Writes.PreventLoginWithUnverifiedEmail = true }, "verify_user_emails"},
		{"bad pattern", func(c *Config) { c.PasswordPolicy.ValidatorPattern = "(" }, "validator_pattern"},
		{"history too long", func(c *Config) { c.PasswordPolicy.MaxPasswordHistory = 21 }, "max_password_history"},
		{"short jwt secret", func(c *Config) {
			c.Auth.Providers = map[string]ProviderConfig{"acme": {Type: "jwt", Secret: "short"}}
		}, "auth.providers.acme.secret"},
		{"unknown provider type", func(c *Config) {
			c.Auth.Providers = map[string]ProviderConfig{"acme": {Type: "saml"}}
		}, "auth.providers.acme.type"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}
