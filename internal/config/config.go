// ABOUTME: Configuration loading and parsing for docwrite
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a value is not configured.
const (
	DefaultSessionLength = 365 * 24 * time.Hour
	DefaultCacheTTL      = 5 * time.Second
	DefaultCacheMaxSize  = 10000
	DefaultMetricsPath   = "/metrics"
	DefaultMetricsAddr   = "127.0.0.1:9464"

	// MaxPasswordHistoryLimit bounds password_policy.max_password_history.
	MaxPasswordHistoryLimit = 20
	// MinJWTSecretLength is the minimum HS256 secret size for jwt providers.
	MinJWTSecretLength = 32
)

// Config represents the complete docwrite configuration
type Config struct {
	Server         ServerConfig         `yaml:"server" toml:"server"`
	Database       DatabaseConfig       `yaml:"database" toml:"database"`
	Writes         WritesConfig         `yaml:"writes" toml:"writes"`
	PasswordPolicy PasswordPolicyConfig `yaml:"password_policy" toml:"password_policy"`
	Auth           AuthConfig           `yaml:"auth" toml:"auth"`
	Cache          CacheConfig          `yaml:"cache" toml:"cache"`
	Logging        LoggingConfig        `yaml:"logging" toml:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics" toml:"metrics"`
}

// ServerConfig identifies the application and where it is served from
type ServerConfig struct {
	AppName string `yaml:"app_name" toml:"app_name"`
	// ServerURL prefixes Location headers of created objects
	ServerURL string `yaml:"server_url" toml:"server_url"`
	// PublicServerURL is used in emailed links; defaults to ServerURL
	PublicServerURL string `yaml:"public_server_url" toml:"public_server_url"`
}

// DatabaseConfig holds storage configuration
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "memory"
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// WritesConfig holds the write pipeline switches
type WritesConfig struct {
	AllowClientClassCreation        bool `yaml:"allow_client_class_creation" toml:"allow_client_class_creation"`
	AllowCustomObjectID             bool `yaml:"allow_custom_object_id" toml:"allow_custom_object_id"`
	EnforcePrivateUsers             bool `yaml:"enforce_private_users" toml:"enforce_private_users"`
	RevokeSessionOnPasswordReset    bool `yaml:"revoke_session_on_password_reset" toml:"revoke_session_on_password_reset"`
	VerifyUserEmails                bool `yaml:"verify_user_emails" toml:"verify_user_emails"`
	PreventLoginWithUnverifiedEmail bool `yaml:"prevent_login_with_unverified_email" toml:"prevent_login_with_unverified_email"`

	SessionLength            time.Duration `yaml:"-" toml:"-"`
	EmailVerifyTokenValidity time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	SessionLengthRaw            string `yaml:"session_length" toml:"session_length"`
	EmailVerifyTokenValidityRaw string `yaml:"email_verify_token_validity" toml:"email_verify_token_validity"`
}

// PasswordPolicyConfig holds the password policy. An empty section disables it.
type PasswordPolicyConfig struct {
	ValidatorPattern   string `yaml:"validator_pattern" toml:"validator_pattern"`
	ValidationError    string `yaml:"validation_error" toml:"validation_error"`
	DoNotAllowUsername bool   `yaml:"do_not_allow_username" toml:"do_not_allow_username"`
	MaxPasswordHistory int    `yaml:"max_password_history" toml:"max_password_history"`
	HashCost           int    `yaml:"hash_cost" toml:"hash_cost"`

	MaxPasswordAge     time.Duration `yaml:"-" toml:"-"`
	ResetTokenValidity time.Duration `yaml:"-" toml:"-"`

	MaxPasswordAgeRaw     string `yaml:"max_password_age" toml:"max_password_age"`
	ResetTokenValidityRaw string `yaml:"reset_token_validity" toml:"reset_token_validity"`
}

// AuthConfig holds third-party identity providers keyed by provider name
type AuthConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers" toml:"providers"`
}

// ProviderConfig configures one identity provider
type ProviderConfig struct {
	// Type selects the validator; "jwt" verifies HS256 id tokens
	Type     string `yaml:"type" toml:"type"`
	Secret   string `yaml:"secret" toml:"secret"`
	Audience string `yaml:"audience" toml:"audience"`
	// Enabled defaults to true
	Enabled *bool `yaml:"enabled" toml:"enabled"`
}

// IsEnabled reports whether the provider accepts logins.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// CacheConfig holds the session/role cache settings
type CacheConfig struct {
	TTL     time.Duration `yaml:"-" toml:"-"`
	TTLRaw  string        `yaml:"ttl" toml:"ttl"`
	MaxSize int           `yaml:"max_size" toml:"max_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Server.AppName == "" {
		c.Server.AppName = "docwrite"
	}
	if c.Server.PublicServerURL == "" {
		c.Server.PublicServerURL = c.Server.ServerURL
	}
	if c.Writes.SessionLength == 0 {
		c.Writes.SessionLength = DefaultSessionLength
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.MaxSize == 0 {
		c.Cache.MaxSize = DefaultCacheMaxSize
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.ServerURL == "" {
		return fmt.Errorf("server.server_url is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be sqlite or memory, got %q", c.Database.Driver)
	}

	if c.Writes.PreventLoginWithUnverifiedEmail && !c.Writes.VerifyUserEmails {
		return fmt.Errorf("writes.prevent_login_with_unverified_email requires writes.verify_user_emails")
	}

	pp := c.PasswordPolicy
	if pp.ValidatorPattern != "" {
		if _, err := regexp.Compile(pp.ValidatorPattern); err != nil {
			return fmt.Errorf("password_policy.validator_pattern: %w", err)
		}
	}
	if pp.MaxPasswordHistory < 0 || pp.MaxPasswordHistory > MaxPasswordHistoryLimit {
		return fmt.Errorf("password_policy.max_password_history must be between 0 and %d", MaxPasswordHistoryLimit)
	}

	names := make([]string, 0, len(c.Auth.Providers))
	for name := range c.Auth.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := c.Auth.Providers[name]
		switch p.Type {
		case "", "anonymous":
		case "jwt":
			if len(p.Secret) < MinJWTSecretLength {
				return fmt.Errorf("auth.providers.%s.secret must be at least %d bytes", name, MinJWTSecretLength)
			}
		default:
			return fmt.Errorf("auth.providers.%s.type %q is not supported", name, p.Type)
		}
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"writes.session_length", cfg.Writes.SessionLengthRaw, &cfg.Writes.SessionLength},
		{"writes.email_verify_token_validity", cfg.Writes.EmailVerifyTokenValidityRaw, &cfg.Writes.EmailVerifyTokenValidity},
		{"password_policy.max_password_age", cfg.PasswordPolicy.MaxPasswordAgeRaw, &cfg.PasswordPolicy.MaxPasswordAge},
		{"password_policy.reset_token_validity", cfg.PasswordPolicy.ResetTokenValidityRaw, &cfg.PasswordPolicy.ResetTokenValidity},
		{"cache.ttl", cfg.Cache.TTLRaw, &cfg.Cache.TTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
