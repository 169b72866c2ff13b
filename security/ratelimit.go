package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate limiter defaults
const (
	DefaultRateLimitMaxEntries      = 10000
	DefaultRateLimitCleanupInterval = 5 * time.Minute
	DefaultRateLimitIdleTimeout     = 30 * time.Minute
)

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	// Rate is the sustained number of events per second per key
	Rate float64

	// Burst is the bucket size per key
	Burst int

	// MaxEntries caps tracked keys; least recently used keys are evicted
	// first (default: 10,000)
	MaxEntries int

	// CleanupInterval is how often idle keys are swept (default: 5m)
	CleanupInterval time.Duration

	// IdleTimeout is how long a key may stay unused before it is swept
	// (default: 30m)
	IdleTimeout time.Duration

	// Logger (default: slog.Default())
	Logger *slog.Logger
}

// limiterEntry tracks a bucket and its last access time
type limiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a per-key token bucket limiter with LRU eviction.
// Login creation is limited per client id.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List

	limit      rate.Limit
	burst      int
	maxEntries int
	idle       time.Duration
	logger     *slog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once

	evictions int64
}

// NewRateLimiter creates a limiter and starts its background sweep.
// Callers must Stop it.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultRateLimitMaxEntries
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultRateLimitCleanupInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultRateLimitIdleTimeout
	}

	rl := &RateLimiter{
		entries:     make(map[string]*list.Element),
		lru:         list.New(),
		limit:       rate.Limit(cfg.Rate),
		burst:       cfg.Burst,
		maxEntries:  cfg.MaxEntries,
		idle:        cfg.IdleTimeout,
		logger:      cfg.Logger,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop(cfg.CleanupInterval)

	return rl
}

// Allow reports whether an event for key may happen now
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[key]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if len(rl.entries) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		key:        key,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.entries[key] = rl.lru.PushFront(entry)

	return entry.limiter.AllowN(now, 1)
}

// evictOldest drops the least recently used key. Caller holds mu.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(rl.entries, entry.key)
	rl.lru.Remove(elem)
	rl.evictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"key", entry.key,
		"total_evictions", rl.evictions,
		"current_entries", len(rl.entries))
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(time.Now())
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes keys idle for longer than the idle timeout as of now and
// returns how many were removed.
func (rl *RateLimiter) Cleanup(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	// The back of the list holds the least recently used keys
	for elem := rl.lru.Back(); elem != nil; {
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastAccess) <= rl.idle {
			break
		}
		prev := elem.Prev()
		delete(rl.entries, entry.key)
		rl.lru.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed", "removed", removed, "remaining", len(rl.entries))
	}
	return removed
}

// Len returns the number of tracked keys
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop stops the background sweep. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}
