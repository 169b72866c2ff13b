// Package redis provides a Redis-backed storage.LoginStore.
//
// Each record is a JSON string under its own key. Two sets index records by
// state and by client id, and a sorted set tracks expiry times. Every write
// appends a changestream.Record to a Redis stream in the same transaction;
// Consumer reads that stream and feeds a changestream.Sink.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/github-auth/changestream"
	"github.com/giantswarm/github-auth/instrumentation"
	"github.com/giantswarm/github-auth/storage"
)

// Compile-time interface check
var _ storage.LoginStore = (*Store)(nil)

const (
	// DefaultKeyPrefix namespaces every key the store writes
	DefaultKeyPrefix = "ghauth:"

	// DefaultStream is the stream change records are appended to
	DefaultStream = "ghauth:changes"

	// DefaultStreamMaxLen caps the change stream (approximate trimming)
	DefaultStreamMaxLen = 10000

	// recordField is the stream entry field holding the JSON change record
	recordField = "record"

	// maxTxRetries bounds optimistic transaction retries on contention
	maxTxRetries = 5
)

// Config configures the Redis store.
type Config struct {
	// KeyPrefix namespaces all keys (default: DefaultKeyPrefix)
	KeyPrefix string

	// Stream receives change records (default: DefaultStream)
	Stream string

	// StreamMaxLen caps the stream length (default: DefaultStreamMaxLen)
	StreamMaxLen int64

	// Logger for store operations (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Redis implementation of storage.LoginStore.
type Store struct {
	client       redis.UniversalClient
	keyPrefix    string
	stream       string
	streamMaxLen int64
	now          func() time.Time
	logger       *slog.Logger

	mu              sync.RWMutex
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// New creates a store on top of an existing client. The caller owns the client.
func New(client redis.UniversalClient, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = DefaultStreamMaxLen
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Store{
		client:       client,
		keyPrefix:    cfg.KeyPrefix,
		stream:       cfg.Stream,
		streamMaxLen: cfg.StreamMaxLen,
		now:          time.Now,
		logger:       cfg.Logger,
	}, nil
}

// SetClock overrides the clock used for expiry bookkeeping
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// Stream returns the name of the change stream
func (s *Store) Stream() string {
	return s.stream
}

// ============================================================
// Key layout
// ============================================================

func (s *Store) loginKey(key storage.Key) string {
	return s.keyPrefix + "login:" + key.HashKey() + ":" + key.RangeKey()
}

func (s *Store) stateIndexKey(state string) string {
	return s.keyPrefix + "idx:state:" + state
}

func (s *Store) clientIndexKey(clientID string) string {
	return s.keyPrefix + "idx:client:" + clientID
}

func (s *Store) expiryIndexKey() string {
	return s.keyPrefix + "idx:expiry"
}

// expiryMember encodes a key as a member of the expiry sorted set
func expiryMember(key storage.Key) string {
	return strconv.Quote(key.State) + " " + strconv.Quote(key.ClientID)
}

func parseExpiryMember(member string) (storage.Key, error) {
	state, rest, err := unquotePrefix(member)
	if err != nil {
		return storage.Key{}, err
	}
	clientID, err := strconv.Unquote(rest)
	if err != nil {
		return storage.Key{}, fmt.Errorf("invalid expiry member %q: %w", member, err)
	}
	return storage.Key{State: state, ClientID: clientID}, nil
}

func unquotePrefix(member string) (string, string, error) {
	prefix, err := strconv.QuotedPrefix(member)
	if err != nil {
		return "", "", fmt.Errorf("invalid expiry member %q: %w", member, err)
	}
	value, _ := strconv.Unquote(prefix)
	rest := member[len(prefix):]
	if len(rest) < 2 || rest[0] != ' ' {
		return "", "", fmt.Errorf("invalid expiry member %q", member)
	}
	return value, rest[1:], nil
}

// ============================================================
// LoginStore
// ============================================================

// CreateLogin stores a new record. The existence check and the write are one
// optimistic transaction, so concurrent creators see ErrLoginExists.
func (s *Store) CreateLogin(ctx context.Context, login *storage.Login) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_login")
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "create_login", err, start) }()

	if login == nil {
		return fmt.Errorf("login cannot be nil")
	}
	if err := login.Validate(); err != nil {
		return err
	}

	key := login.Key()
	value, err := json.Marshal(login)
	if err != nil {
		return fmt.Errorf("failed to encode login: %w", err)
	}
	rec, err := changestream.NewRecord(changestream.EventInsert, key, nil, login)
	if err != nil {
		return err
	}

	redisKey := s.loginKey(key)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, redisKey).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", storage.ErrLoginExists, key)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, value, 0)
			s.index(ctx, pipe, login)
			return s.appendRecord(ctx, pipe, rec)
		})
		return err
	}, redisKey)

	if errors.Is(err, redis.TxFailedErr) {
		// Someone else wrote the key between our check and our write
		return fmt.Errorf("%w: %s", storage.ErrLoginExists, key)
	}
	if errors.Is(err, storage.ErrLoginExists) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to create login: %w", err)
	}

	s.logger.Debug("Created login", "key", key.RangeKey(), "completed", login.Completed())
	return nil
}

// GetLogin returns the record for key
func (s *Store) GetLogin(ctx context.Context, key storage.Key) (_ *storage.Login, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_login")
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_login", err, start) }()

	return s.get(ctx, s.client, key)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) get(ctx context.Context, c getter, key storage.Key) (*storage.Login, error) {
	raw, err := c.Get(ctx, s.loginKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", storage.ErrLoginNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get login: %w", err)
	}

	var login storage.Login
	if err := json.Unmarshal(raw, &login); err != nil {
		return nil, fmt.Errorf("failed to decode login %s: %w", key, err)
	}
	return &login, nil
}

// FindLoginsByState returns every record with state, ordered by client id.
// Index entries whose record is gone are skipped.
func (s *Store) FindLoginsByState(ctx context.Context, state string) (_ []*storage.Login, err error) {
	ctx, span := s.startStorageSpan(ctx, "find_logins_by_state")
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "find_logins_by_state", err, start) }()

	clientIDs, err := s.client.SMembers(ctx, s.stateIndexKey(state)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read state index: %w", err)
	}
	keys := make([]storage.Key, 0, len(clientIDs))
	for _, clientID := range clientIDs {
		keys = append(keys, storage.Key{State: state, ClientID: clientID})
	}
	return s.load(ctx, keys)
}

// ListLoginsByClient returns every record of clientID, ordered by state
func (s *Store) ListLoginsByClient(ctx context.Context, clientID string) (_ []*storage.Login, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_logins_by_client")
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_logins_by_client", err, start) }()

	states, err := s.client.SMembers(ctx, s.clientIndexKey(clientID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read client index: %w", err)
	}
	keys := make([]storage.Key, 0, len(states))
	for _, state := range states {
		keys = append(keys, storage.Key{State: state, ClientID: clientID})
	}
	return s.load(ctx, keys)
}

func (s *Store) load(ctx context.Context, keys []storage.Key) ([]*storage.Login, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	redisKeys := make([]string, len(keys))
	for i, key := range keys {
		redisKeys[i] = s.loginKey(key)
	}
	values, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load logins: %w", err)
	}

	out := make([]*storage.Login, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Stale index entry
			continue
		}
		var login storage.Login
		if err := json.Unmarshal([]byte(raw), &login); err != nil {
			s.logger.Warn("Skipping undecodable login", "key", keys[i].String(), "error", err)
			continue
		}
		out = append(out, &login)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].State != out[j].State {
			return out[i].State < out[j].State
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out, nil
}

// UpdateLogin merges patch into the existing record
func (s *Store) UpdateLogin(ctx context.Context, patch storage.LoginPatch) (_ *storage.Login, err error) {
	ctx, span := s.startStorageSpan(ctx, "update_login")
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "update_login", err, start) }()

	redisKey := s.loginKey(patch.Key)
	var merged *storage.Login

	for range maxTxRetries {
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := s.get(ctx, tx, patch.Key)
			if err != nil {
				return err
			}
			merged = current.Clone()
			patch.Apply(merged)

			value, err := json.Marshal(merged)
			if err != nil {
				return fmt.Errorf("failed to encode login: %w", err)
			}
			rec, err := changestream.NewRecord(changestream.EventModify, patch.Key, current, merged)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, redisKey, value, 0)
				s.index(ctx, pipe, merged)
				return s.appendRecord(ctx, pipe, rec)
			})
			return err
		}, redisKey)

		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}

	if err != nil {
		if errors.Is(err, storage.ErrLoginNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update login: %w", err)
	}
	return merged, nil
}

// DestroyLogin removes the record for key. A REMOVE record is appended only
// when a record existed.
func (s *Store) DestroyLogin(ctx context.Context, key storage.Key) (err error) {
	ctx, span := s.startStorageSpan(ctx, "destroy_login")
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "destroy_login", err, start) }()

	for range maxTxRetries {
		err = s.destroy(ctx, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("failed to destroy login: %w", err)
	}
	return nil
}

func (s *Store) destroy(ctx context.Context, key storage.Key) error {
	redisKey := s.loginKey(key)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		old, err := s.get(ctx, tx, key)
		if errors.Is(err, storage.ErrLoginNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, err := changestream.NewRecord(changestream.EventRemove, key, old, nil)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, redisKey)
			pipe.SRem(ctx, s.stateIndexKey(key.State), key.ClientID)
			pipe.SRem(ctx, s.clientIndexKey(key.ClientID), key.State)
			pipe.ZRem(ctx, s.expiryIndexKey(), expiryMember(key))
			return s.appendRecord(ctx, pipe, rec)
		})
		if err == nil {
			s.logger.Debug("Destroyed login", "key", key.RangeKey())
		}
		return err
	}, redisKey)
}

// Cleanup destroys records whose expiry has passed, like a table TTL would,
// and returns how many were removed. Each removal appends a REMOVE record.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	now := s.now()
	members, err := s.client.ZRangeByScore(ctx, s.expiryIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read expiry index: %w", err)
	}

	removed := 0
	for _, member := range members {
		key, err := parseExpiryMember(member)
		if err != nil {
			s.logger.Warn("Dropping malformed expiry entry", "error", err)
			s.client.ZRem(ctx, s.expiryIndexKey(), member)
			continue
		}
		// Re-check: the record may have been extended since the range read
		login, err := s.GetLogin(ctx, key)
		if errors.Is(err, storage.ErrLoginNotFound) {
			s.client.ZRem(ctx, s.expiryIndexKey(), member)
			continue
		}
		if err != nil {
			return removed, err
		}
		if !login.Expired(now) {
			continue
		}
		if err := s.DestroyLogin(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired logins", "count", removed)
	}
	return removed, nil
}

// index queues the secondary index writes for login
func (s *Store) index(ctx context.Context, pipe redis.Pipeliner, login *storage.Login) {
	key := login.Key()
	pipe.SAdd(ctx, s.stateIndexKey(key.State), key.ClientID)
	pipe.SAdd(ctx, s.clientIndexKey(key.ClientID), key.State)
	if login.ExpiresAt.IsZero() {
		pipe.ZRem(ctx, s.expiryIndexKey(), expiryMember(key))
		return
	}
	pipe.ZAdd(ctx, s.expiryIndexKey(), redis.Z{
		Score:  float64(login.ExpiresAt.UnixMilli()),
		Member: expiryMember(key),
	})
}

// appendRecord queues a change record on the stream
func (s *Store) appendRecord(ctx context.Context, pipe redis.Pipeliner, rec changestream.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode change record: %w", err)
	}
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.streamMaxLen,
		Approx: true,
		Values: map[string]any{recordField: string(raw)},
	})
	return nil
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()

	if tracer == nil {
		return ctx, nil
	}

	return tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "redis"),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	// Not found is not counted as a failed operation
	if errors.Is(err, storage.ErrLoginNotFound) {
		err = nil
	}
	instrumentation.EndSpan(span, err)

	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()

	if inst == nil {
		return
	}

	result := instrumentation.ResultSuccess
	if err != nil {
		result = instrumentation.ResultError
	}
	inst.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(startTime).Milliseconds()))
}
