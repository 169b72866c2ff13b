// Package valkey provides a Valkey-backed secrets.Store.
//
// Each secret is stored as a hash under "<prefix><secret id>", one hash field
// per secret key. Whole-blob writes run as Lua scripts so a reader never sees
// a half-written secret, and SetKeyIfAbsent maps onto HSETNX, which gives
// signing-key creation compare-and-swap semantics across processes.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/github-auth/secrets"
)

const (
	// DefaultKeyPrefix is the default prefix for all secret keys
	DefaultKeyPrefix = "ghauth:secret:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Lua scripts return 1 on success and 0 when the existence precondition fails.
const (
	luaPutSecret = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`
	luaCreateSecret = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`
)

// Compile-time interface checks
var (
	_ secrets.Store            = (*Store)(nil)
	_ secrets.ConditionalStore = (*Store)(nil)
)

// Config holds configuration for the Valkey secret store.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "ghauth:secret:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed secret store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// New creates a new Valkey-backed secret store.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey secret store",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
}

func (s *Store) secretKey(id string) string {
	return s.prefix + id
}

// GetSecret returns the blob stored under id
func (s *Store) GetSecret(ctx context.Context, id string) (map[string]string, error) {
	blob, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.secretKey(id)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: %s", secrets.ErrSecretNotFound, id)
	}
	return blob, nil
}

// PutSecret replaces the blob of an existing secret
func (s *Store) PutSecret(ctx context.Context, id string, blob map[string]string) error {
	ok, err := s.evalBlob(ctx, luaPutSecret, id, blob)
	if err != nil {
		return fmt.Errorf("failed to put secret: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", secrets.ErrSecretNotFound, id)
	}

	s.logger.Debug("Updated secret", "secret_id", id, "keys", len(blob))
	return nil
}

// CreateSecret creates a new secret
func (s *Store) CreateSecret(ctx context.Context, id string, blob map[string]string) error {
	ok, err := s.evalBlob(ctx, luaCreateSecret, id, blob)
	if err != nil {
		return fmt.Errorf("failed to create secret: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", secrets.ErrSecretExists, id)
	}

	s.logger.Debug("Created secret", "secret_id", id, "keys", len(blob))
	return nil
}

// SetKeyIfAbsent creates key inside secret id with HSETNX
func (s *Store) SetKeyIfAbsent(ctx context.Context, id, key, value string) (bool, error) {
	created, err := s.client.Do(ctx,
		s.client.B().Hsetnx().Key(s.secretKey(id)).Field(key).Value(value).Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to set secret key: %w", err)
	}
	return created == 1, nil
}

func (s *Store) evalBlob(ctx context.Context, script, id string, blob map[string]string) (bool, error) {
	if len(blob) == 0 {
		return false, fmt.Errorf("secret %s has no keys", id)
	}

	args := make([]string, 0, len(blob)*2)
	for k, v := range blob {
		args = append(args, k, v)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(script).Numkeys(1).Key(s.secretKey(id)).Arg(args...).Build(),
	).AsInt64()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}
