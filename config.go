package ghauth

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/giantswarm/github-auth/notify"
	"github.com/giantswarm/github-auth/providers"
	"github.com/giantswarm/github-auth/security"
)

// DefaultTopic is the stream events are published to
const DefaultTopic = "ghauth:events"

// Config holds the service configuration.
// Tagged fields are read from GHAUTH_* environment variables by LoadConfig.
type Config struct {
	// Issuer is the base URL tokens are issued for, used by the worker
	// commands that need one (e.g. JWKS output and key rotation)
	Issuer string `env:"GHAUTH_ISSUER"`

	// GitHub OAuth settings
	GitHub GitHubConfig

	// Storage backends
	Storage StorageConfig

	// Login flow tuning
	Login LoginConfig

	// Security settings
	Security SecurityConfig

	// Topic receives published events (default: DefaultTopic)
	Topic string `env:"GHAUTH_TOPIC" envDefault:"ghauth:events"`

	// InstrumentationEnabled turns on OpenTelemetry providers
	InstrumentationEnabled bool `env:"GHAUTH_INSTRUMENTATION_ENABLED"`

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger `env:"-"`

	// Provider replaces the GitHub REST client (optional)
	Provider providers.Client `env:"-"`

	// Notifier replaces the Redis stream notifier (optional)
	Notifier notify.Notifier `env:"-"`

	// HTTPClient is a custom HTTP client for GitHub requests (optional)
	HTTPClient *http.Client `env:"-"`
}

// GitHubConfig holds GitHub OAuth settings.
type GitHubConfig struct {
	// ClientID is the OAuth app reported when no GitHub App is named
	ClientID string `env:"GHAUTH_GITHUB_CLIENT_ID"`

	// ClientSecret is seeded into the in-memory secret store for ClientID.
	// Ignored when secrets live in Valkey.
	ClientSecret string `env:"GHAUTH_GITHUB_CLIENT_SECRET"`

	// CallbackURL is the redirect_uri GitHub returns users to (required)
	CallbackURL string `env:"GHAUTH_CALLBACK_URL"`

	// APIBaseURL and WebBaseURL override the GitHub endpoints (GHES)
	APIBaseURL string `env:"GHAUTH_GITHUB_API_URL"`
	WebBaseURL string `env:"GHAUTH_GITHUB_WEB_URL"`
}

// StorageConfig selects the login store and secret store.
// Empty addresses select in-memory stores.
type StorageConfig struct {
	// RedisAddr hosts login records, the change stream and the event topic
	RedisAddr     string `env:"GHAUTH_REDIS_ADDR"`
	RedisPassword string `env:"GHAUTH_REDIS_PASSWORD"`
	RedisDB       int    `env:"GHAUTH_REDIS_DB"`

	// ValkeyAddr hosts secrets
	ValkeyAddr     string `env:"GHAUTH_VALKEY_ADDR"`
	ValkeyPassword string `env:"GHAUTH_VALKEY_PASSWORD"`

	// Secrets seeds the in-memory secret store, as key:value pairs
	Secrets map[string]string `env:"GHAUTH_SECRETS"`

	// SecretTTL is how long secrets are cached (default: 1h)
	SecretTTL time.Duration `env:"GHAUTH_SECRET_TTL" envDefault:"1h"`

	// CleanupInterval is how often the in-memory store expires logins
	CleanupInterval time.Duration `env:"GHAUTH_CLEANUP_INTERVAL" envDefault:"1m"`
}

// LoginConfig tunes the login flow.
type LoginConfig struct {
	TTL            time.Duration `env:"GHAUTH_LOGIN_TTL" envDefault:"10m"`
	LookupAttempts uint          `env:"GHAUTH_LOOKUP_ATTEMPTS" envDefault:"5"`
	LookupInterval time.Duration `env:"GHAUTH_LOOKUP_INTERVAL" envDefault:"200ms"`
}

// SecurityConfig holds security settings.
type SecurityConfig struct {
	// EncryptionKey is the base64 AES-256 key for provider tokens at rest
	EncryptionKey string `env:"GHAUTH_ENCRYPTION_KEY"`

	// EncryptionSecret derives the key with HKDF when EncryptionKey is unset
	EncryptionSecret string `env:"GHAUTH_ENCRYPTION_SECRET"`

	// RateLimit is login creations per second per client id. Zero disables.
	RateLimit float64 `env:"GHAUTH_RATE_LIMIT" envDefault:"1"`

	// RateBurst is the burst size per client id
	RateBurst int `env:"GHAUTH_RATE_BURST" envDefault:"10"`

	// EnableAuditLogging enables security audit logging
	EnableAuditLogging bool `env:"GHAUTH_AUDIT_LOGGING" envDefault:"true"`
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings every deployment needs.
func (c *Config) Validate() error {
	if c.GitHub.CallbackURL == "" {
		return fmt.Errorf("callback URL is required")
	}
	if c.Security.EncryptionKey == "" && c.Security.EncryptionSecret == "" {
		return fmt.Errorf("encryption key or encryption secret is required")
	}
	return nil
}

// encryptionKey returns the configured key, deriving it when only a secret
// is set.
func (c *Config) encryptionKey() ([]byte, error) {
	if c.Security.EncryptionKey != "" {
		return security.KeyFromBase64(c.Security.EncryptionKey)
	}
	return security.DeriveKey([]byte(c.Security.EncryptionSecret), encryptionKeyInfo)
}

const encryptionKeyInfo = "ghauth provider tokens"
