// Package ghauth wires the GitHub login flow, the session token service and
// the installation token lifecycle onto configured backends.
package ghauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/github-auth/changestream"
	"github.com/giantswarm/github-auth/installation"
	"github.com/giantswarm/github-auth/instrumentation"
	"github.com/giantswarm/github-auth/keys"
	"github.com/giantswarm/github-auth/login"
	"github.com/giantswarm/github-auth/notify"
	notifymemory "github.com/giantswarm/github-auth/notify/memory"
	notifyredis "github.com/giantswarm/github-auth/notify/redis"
	"github.com/giantswarm/github-auth/providers"
	"github.com/giantswarm/github-auth/providers/github"
	"github.com/giantswarm/github-auth/secrets"
	secretsmemory "github.com/giantswarm/github-auth/secrets/memory"
	secretsvalkey "github.com/giantswarm/github-auth/secrets/valkey"
	"github.com/giantswarm/github-auth/security"
	"github.com/giantswarm/github-auth/storage"
	"github.com/giantswarm/github-auth/storage/memory"
	redisstore "github.com/giantswarm/github-auth/storage/redis"
	"github.com/giantswarm/github-auth/token"
)

// Server holds the wired components. Transport layers call Login and
// Installations; the worker drives the change stream with Run.
type Server struct {
	Config Config

	Secrets         *secrets.Cache
	Keys            *keys.Manager
	Tokens          *token.Service
	Store           storage.LoginStore
	Login           *login.Controller
	Installations   *installation.Lifecycle
	Publisher       *notify.Publisher
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation

	limiter    *security.RateLimiter
	memStore   *memory.Store
	redis      redis.UniversalClient
	redisStore *redisstore.Store
	consumer   *redisstore.Consumer
	valkey     *secretsvalkey.Store
	logger     *slog.Logger
}

// loginCreatorFunc adapts a function to installation.LoginCreator
type loginCreatorFunc func(ctx context.Context, req login.CreateLoginRequest) (*login.CreateLoginResponse, error)

func (f loginCreatorFunc) CreateLogin(ctx context.Context, req login.CreateLoginRequest) (*login.CreateLoginResponse, error) {
	return f(ctx, req)
}

// New creates a server from cfg. Call Close to release its resources.
func New(cfg Config) (_ *Server, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}

	s := &Server{Config: cfg, logger: cfg.Logger}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()

	s.Instrumentation, err = instrumentation.New(instrumentation.Config{Enabled: cfg.InstrumentationEnabled})
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}

	if err := s.setupSecrets(); err != nil {
		return nil, err
	}

	s.Keys, err = keys.NewManager(s.Secrets, cfg.Logger)
	if err != nil {
		return nil, err
	}
	s.Tokens, err = token.New(token.Config{Keys: s.Keys, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}

	key, err := cfg.encryptionKey()
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	encryptor, err := security.NewEncryptor(key)
	if err != nil {
		return nil, err
	}
	encryptor.SetInstrumentation(s.Instrumentation)

	provider, err := s.setupProvider()
	if err != nil {
		return nil, err
	}

	notifier, err := s.setupStore()
	if err != nil {
		return nil, err
	}

	s.Publisher, err = notify.NewPublisher(notifier, cfg.Topic, cfg.Logger)
	if err != nil {
		return nil, err
	}
	s.Publisher.SetInstrumentation(s.Instrumentation)

	s.Auditor = security.NewAuditor(cfg.Logger, cfg.Security.EnableAuditLogging)
	if cfg.Security.RateLimit > 0 {
		s.limiter = security.NewRateLimiter(security.RateLimiterConfig{
			Rate:   cfg.Security.RateLimit,
			Burst:  cfg.Security.RateBurst,
			Logger: cfg.Logger,
		})
	}

	var guard installation.Guard
	if s.redis != nil {
		if guard, err = redisstore.NewPublishGuard(s.redis, "", 0); err != nil {
			return nil, err
		}
	}

	s.Installations, err = installation.New(installation.Config{
		Store:     s.Store,
		Provider:  provider,
		Secrets:   s.Secrets,
		Encryptor: encryptor,
		Publisher: s.Publisher,
		Logins: loginCreatorFunc(func(ctx context.Context, req login.CreateLoginRequest) (*login.CreateLoginResponse, error) {
			return s.Login.CreateLogin(ctx, req)
		}),
		Guard:   guard,
		Auditor: s.Auditor,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.Installations.SetInstrumentation(s.Instrumentation)

	s.Login, err = login.New(login.Config{
		Store:          s.Store,
		Provider:       provider,
		Secrets:        s.Secrets,
		Tokens:         s.Tokens,
		Encryptor:      encryptor,
		CallbackURL:    cfg.GitHub.CallbackURL,
		ClientID:       cfg.GitHub.ClientID,
		Apps:           s.Installations,
		RateLimiter:    s.limiter,
		Auditor:        s.Auditor,
		LoginTTL:       cfg.Login.TTL,
		LookupAttempts: cfg.Login.LookupAttempts,
		LookupInterval: cfg.Login.LookupInterval,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.Login.SetInstrumentation(s.Instrumentation)

	dispatcher := changestream.NewDispatcher(s.Installations, cfg.Logger)
	if s.memStore != nil {
		s.memStore.SetChangeSink(dispatcher)
	} else {
		s.consumer, err = redisstore.NewConsumer(s.redis, dispatcher, redisstore.ConsumerConfig{
			Stream: s.redisStore.Stream(),
			Logger: cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info("GitHub auth server configured",
		"redis", cfg.Storage.RedisAddr != "",
		"valkey", cfg.Storage.ValkeyAddr != "",
		"topic", cfg.Topic)
	return s, nil
}

func (s *Server) setupSecrets() error {
	cfg := s.Config

	var store secrets.Store
	if cfg.Storage.ValkeyAddr != "" {
		v, err := secretsvalkey.New(secretsvalkey.Config{
			Address:  cfg.Storage.ValkeyAddr,
			Password: cfg.Storage.ValkeyPassword,
			Logger:   cfg.Logger,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to valkey: %w", err)
		}
		s.valkey = v
		store = v
	} else {
		seed := make(map[string]string, len(cfg.Storage.Secrets)+1)
		for k, v := range cfg.Storage.Secrets {
			seed[k] = v
		}
		if cfg.GitHub.ClientID != "" && cfg.GitHub.ClientSecret != "" {
			seed[providers.ClientSecretKey(cfg.GitHub.ClientID)] = cfg.GitHub.ClientSecret
		}
		m := secretsmemory.New()
		m.Seed(providers.SecretStoreID, seed)
		store = m
	}

	cache, err := secrets.NewCache(store, secrets.CacheConfig{TTL: cfg.Storage.SecretTTL, Logger: cfg.Logger})
	if err != nil {
		return err
	}
	s.Secrets = cache
	return nil
}

func (s *Server) setupProvider() (providers.Client, error) {
	if s.Config.Provider != nil {
		return s.Config.Provider, nil
	}
	client, err := github.NewClient(&github.Config{
		APIBaseURL: s.Config.GitHub.APIBaseURL,
		WebBaseURL: s.Config.GitHub.WebBaseURL,
		HTTPClient: s.Config.HTTPClient,
		Logger:     s.Config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}
	client.SetInstrumentation(s.Instrumentation)
	return client, nil
}

// setupStore creates the login store and returns the notifier that goes
// with it.
func (s *Server) setupStore() (notify.Notifier, error) {
	cfg := s.Config

	if cfg.Storage.RedisAddr == "" {
		s.memStore = memory.NewWithInterval(cfg.Storage.CleanupInterval)
		s.memStore.SetLogger(cfg.Logger)
		s.memStore.SetInstrumentation(s.Instrumentation)
		s.Store = s.memStore

		if cfg.Notifier != nil {
			return cfg.Notifier, nil
		}
		s.logger.Warn("No Redis configured, events are kept in memory only")
		return notifymemory.New(), nil
	}

	s.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.RedisAddr,
		Password: cfg.Storage.RedisPassword,
		DB:       cfg.Storage.RedisDB,
	})
	store, err := redisstore.New(s.redis, redisstore.Config{Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}
	store.SetInstrumentation(s.Instrumentation)
	s.redisStore = store
	s.Store = store

	if cfg.Notifier != nil {
		return cfg.Notifier, nil
	}
	return notifyredis.New(s.redis, notifyredis.Config{Logger: cfg.Logger})
}

// Run processes login changes until ctx is cancelled. With the in-memory
// store changes are handled inline, so Run only waits. With Redis, Run also
// expires records every CleanupInterval.
func (s *Server) Run(ctx context.Context) error {
	if s.consumer == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	go s.expireLoop(ctx)
	return s.consumer.Run(ctx)
}

func (s *Server) expireLoop(ctx context.Context) {
	interval := s.Config.Storage.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.redisStore.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("Failed to expire logins", "error", err)
			}
		}
	}
}

// JWKS returns the public keys of the configured issuer.
func (s *Server) JWKS(ctx context.Context) (*keys.JWKS, error) {
	if s.Config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	return s.Keys.JWKS(ctx, s.Config.Issuer)
}

// RotateKeys promotes the next signing key of the configured issuer.
func (s *Server) RotateKeys(ctx context.Context) ([2]keys.KeyPair, error) {
	if s.Config.Issuer == "" {
		return [2]keys.KeyPair{}, fmt.Errorf("issuer is required")
	}
	pairs, err := s.Keys.Rotate(ctx, s.Config.Issuer)
	if err != nil {
		return pairs, err
	}
	s.Auditor.LogKeysRotated(s.Config.Issuer, pairs[0].KeyID())
	return pairs, nil
}

// Close stops background work and releases connections.
func (s *Server) Close(ctx context.Context) error {
	var errs []error

	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.memStore != nil {
		s.memStore.Stop()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if s.valkey != nil {
		s.valkey.Close()
	}
	if s.Instrumentation != nil {
		if err := s.Instrumentation.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
