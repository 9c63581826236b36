package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Provider kinds accepted in IDENTITY_PROVIDER.
const (
	ProviderMemory = "memory"
	ProviderKratos = "kratos"
	ProviderOIDC   = "oidc"
)

// Config is the process configuration, read from the environment.
type Config struct {
	Env      string `env:"ENV" envDefault:"DEV"`
	LogLevel string `env:"LOG_LEVEL"`
	AppName  string `env:"APP_NAME" envDefault:"Session Core"`
	// ClientID namespaces the persisted session so several clients can share a store.
	ClientID string `env:"CLIENT_ID" envDefault:"sessionctl"`
	// MetricsAddr is where `sessionctl run` serves Prometheus metrics; empty disables it.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	Provider ProviderConfig `envPrefix:"IDENTITY_"`
	Store    StoreConfig    `envPrefix:"SESSION_STORE_"`
	Database DatabaseConfig `envPrefix:"DATABASE_"`
	Session  SessionConfig  `envPrefix:"SESSION_"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("[config.Load] parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements env tags cannot express.
func (c Config) Validate() error {
	switch strings.ToLower(c.Provider.Kind) {
	case ProviderMemory:
	case ProviderKratos:
		if c.Provider.KratosPublicURL == "" {
			return fmt.Errorf("[config.Validate] IDENTITY_KRATOS_PUBLIC_URL is required for the kratos provider")
		}
	case ProviderOIDC:
		if c.Provider.OIDCIssuer == "" || c.Provider.OIDCClientID == "" {
			return fmt.Errorf("[config.Validate] IDENTITY_OIDC_ISSUER and IDENTITY_OIDC_CLIENT_ID are required for the oidc provider")
		}
	default:
		return fmt.Errorf("[config.Validate] unknown identity provider %q", c.Provider.Kind)
	}
	if c.Session.ProfilePollAttempts < 0 {
		return fmt.Errorf("[config.Validate] SESSION_PROFILE_POLL_ATTEMPTS must not be negative")
	}
	return nil
}

// GetAppName returns the banner name.
func (c Config) GetAppName() string {
	if c.AppName == "" {
		return "Session Core"
	}
	return c.AppName
}

// GetEnv returns the environment name, defaulting to DEV.
func (c Config) GetEnv() string {
	if c.Env == "" {
		return "DEV"
	}
	return c.Env
}

// ProviderConfig selects and configures the identity provider client.
type ProviderConfig struct {
	Kind string `env:"PROVIDER" envDefault:"memory"`

	KratosPublicURL string `env:"KRATOS_PUBLIC_URL"`
	KratosAdminURL  string `env:"KRATOS_ADMIN_URL"`

	OIDCIssuer       string   `env:"OIDC_ISSUER"`
	OIDCClientID     string   `env:"OIDC_CLIENT_ID"`
	OIDCClientSecret string   `env:"OIDC_CLIENT_SECRET"`
	OIDCScopes       []string `env:"OIDC_SCOPES" envSeparator:"," envDefault:"openid,email,profile,offline_access"`
}

// StoreConfig selects where the provider session is persisted.
type StoreConfig struct {
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
}

// DatabaseConfig locates the profile database. An empty URL selects the
// in-memory repository.
type DatabaseConfig struct {
	URL          string `env:"URL"`
	EnsureSchema bool   `env:"ENSURE_SCHEMA" envDefault:"false"`
}
