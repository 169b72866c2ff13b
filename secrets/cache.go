package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultTTL is how long a fetched secret blob is served from memory
	DefaultTTL = time.Hour

	// DefaultMaxAttempts bounds upstream fetch attempts per cache miss
	DefaultMaxAttempts = 3

	// DefaultRetryInterval is the initial backoff between upstream fetch attempts
	DefaultRetryInterval = 100 * time.Millisecond

	// maxCreateRaces bounds how often Set retries after losing a creation race
	maxCreateRaces = 2
)

// CacheConfig configures a Cache. Zero values select the defaults.
type CacheConfig struct {
	// TTL is the maximum age of a cached blob (default: 1h)
	TTL time.Duration

	// MaxAttempts bounds upstream fetch attempts (default: 3)
	MaxAttempts uint

	// RetryInterval is the initial backoff between attempts (default: 100ms)
	RetryInterval time.Duration

	// Clock returns the current time (default: time.Now)
	Clock func() time.Time

	// Logger is the structured logger (default: slog.Default())
	Logger *slog.Logger
}

type cacheEntry struct {
	values    map[string]string
	fetchedAt time.Time
}

// Cache is a best-effort, non-linearizable cache in front of a Store.
// Construct one per process; independent instances do not coordinate, so
// secret changes propagate to other processes within TTL.
type Cache struct {
	store         Store
	ttl           time.Duration
	maxAttempts   uint
	retryInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache creates a cache in front of store.
func NewCache(store Store, cfg CacheConfig) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("secret store is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Cache{
		store:         store,
		ttl:           cfg.TTL,
		maxAttempts:   cfg.MaxAttempts,
		retryInterval: cfg.RetryInterval,
		now:           cfg.Clock,
		logger:        cfg.Logger,
		entries:       make(map[string]cacheEntry),
	}, nil
}

// Get returns the value of key inside the secret storeID.
// Returns ErrSecretNotFound when the secret or the key is absent.
func (c *Cache) Get(ctx context.Context, storeID, key string) (string, error) {
	blob, err := c.blob(ctx, storeID)
	if err != nil {
		return "", err
	}

	value, ok := blob[key]
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s/%s", ErrSecretNotFound, storeID, key)
	}
	return value, nil
}

// Set merges key=value into the secret storeID (creating the secret when it
// does not exist yet), invalidates the local entry and returns the value
// re-read from the store.
func (c *Cache) Set(ctx context.Context, storeID, key, value string) (string, error) {
	for attempt := 0; ; attempt++ {
		err := c.merge(ctx, storeID, key, value)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrSecretExists) || attempt >= maxCreateRaces {
			return "", err
		}
		c.logger.Debug("Lost secret creation race, merging into existing secret",
			"store", storeID,
			"key", key)
	}

	c.Invalidate(storeID)
	return c.Get(ctx, storeID, key)
}

// SetIfAbsent stores key=value only when key does not exist yet and returns
// the authoritative stored value. A key that already exists is not an
// error: the existing value wins and is returned.
func (c *Cache) SetIfAbsent(ctx context.Context, storeID, key, value string) (string, error) {
	cs, ok := c.store.(ConditionalStore)
	if !ok {
		c.Invalidate(storeID)
		existing, err := c.Get(ctx, storeID, key)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
		return c.Set(ctx, storeID, key, value)
	}

	created, err := cs.SetKeyIfAbsent(ctx, storeID, key, value)
	if err != nil {
		return "", fmt.Errorf("failed to create secret key %s/%s: %w", storeID, key, err)
	}
	if !created {
		c.logger.Info("Secret key already exists, using stored value",
			"store", storeID,
			"key", key)
	}

	c.Invalidate(storeID)
	return c.Get(ctx, storeID, key)
}

// Invalidate drops the cached entry for storeID.
func (c *Cache) Invalidate(storeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, storeID)
}

func (c *Cache) merge(ctx context.Context, storeID, key, value string) error {
	current, err := c.store.GetSecret(ctx, storeID)
	if errors.Is(err, ErrSecretNotFound) {
		if err := c.store.CreateSecret(ctx, storeID, map[string]string{key: value}); err != nil {
			return fmt.Errorf("failed to create secret %s: %w", storeID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read secret %s: %w", storeID, err)
	}

	merged := maps.Clone(current)
	if merged == nil {
		merged = make(map[string]string, 1)
	}
	merged[key] = value

	if err := c.store.PutSecret(ctx, storeID, merged); err != nil {
		return fmt.Errorf("failed to write secret %s: %w", storeID, err)
	}
	return nil
}

func (c *Cache) blob(ctx context.Context, storeID string) (map[string]string, error) {
	c.mu.Lock()
	entry, ok := c.entries[storeID]
	c.mu.Unlock()

	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.values, nil
	}

	values, err := c.fetch(ctx, storeID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[storeID] = cacheEntry{values: values, fetchedAt: c.now()}
	c.mu.Unlock()

	return values, nil
}

// fetch reads a blob from the store, retrying transient failures.
func (c *Cache) fetch(ctx context.Context, storeID string) (map[string]string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.Reset()

	values, err := backoff.Retry(ctx, func() (map[string]string, error) {
		blob, err := c.store.GetSecret(ctx, storeID)
		if errors.Is(err, ErrSecretNotFound) {
			return nil, backoff.Permanent(err)
		}
		return blob, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("Secret fetch failed, retrying",
				"store", storeID,
				"retry_in", next,
				"error", err)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, storeID)
		}
		return nil, fmt.Errorf("failed to fetch secret %s: %w", storeID, err)
	}

	return maps.Clone(values), nil
}
