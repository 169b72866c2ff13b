package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/github-auth/storage"
)

// DefaultGuardTTL is how long a publish claim is remembered
const DefaultGuardTTL = 7 * 24 * time.Hour

// claimScript records ARGV[1] under KEYS[1] unless it is already there.
var claimScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// PublishGuard remembers, per login record, the encrypted token value whose
// events were last published. It lets several workers share one guard.
type PublishGuard struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewPublishGuard creates a guard. Zero values select DefaultKeyPrefix and
// DefaultGuardTTL.
func NewPublishGuard(client redis.UniversalClient, keyPrefix string, ttl time.Duration) (*PublishGuard, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultGuardTTL
	}
	return &PublishGuard{client: client, keyPrefix: keyPrefix, ttl: ttl}, nil
}

func (g *PublishGuard) key(key storage.Key) string {
	return g.keyPrefix + "published:" + key.HashKey() + ":" + key.RangeKey()
}

// digest keeps ciphertexts out of Redis keys and values
func digest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Claim records value for key. It returns false when value was already
// claimed for key.
func (g *PublishGuard) Claim(ctx context.Context, key storage.Key, value string) (bool, error) {
	n, err := claimScript.Run(ctx, g.client, []string{g.key(key)}, digest(value), g.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to claim publish for %s: %w", key, err)
	}
	return n == 1, nil
}

// Release forgets a claim, so a later event may publish value again.
func (g *PublishGuard) Release(ctx context.Context, key storage.Key, value string) error {
	if err := releaseScript.Run(ctx, g.client, []string{g.key(key)}, digest(value)).Err(); err != nil {
		return fmt.Errorf("failed to release publish claim for %s: %w", key, err)
	}
	return nil
}
