// Package memory provides an in-memory storage.LoginStore.
// It is suitable for development, testing, and single-instance deployments.
//
// Every write is reported to an optional change sink after the store lock is
// released, so a sink may call back into the store.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/github-auth/changestream"
	"github.com/giantswarm/github-auth/instrumentation"
	"github.com/giantswarm/github-auth/storage"
)

// Compile-time interface check
var _ storage.LoginStore = (*Store)(nil)

// Store is an in-memory implementation of storage.LoginStore.
type Store struct {
	mu     sync.RWMutex
	logins map[storage.Key]*storage.Login

	sink changestream.Sink
	now  func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	loginsCount     atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// The cleanup removes expired records, like a TTL on a persistent table would.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		logins:          make(map[storage.Key]*storage.Login),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetChangeSink sets the sink that receives a record for every write
func (s *Store) SetChangeSink(sink changestream.Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// SetClock overrides the clock used by the expiry cleanup
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.loginsCount.Store(int64(len(s.logins)))
	s.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterLoginCountCallback(s.loginsCount.Load); err != nil {
			s.logger.Warn("Failed to register storage size callback", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// CreateLogin stores a new record
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
	stored := login.Clone()

	s.mu.Lock()
	if _, exists := s.logins[key]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", storage.ErrLoginExists, key)
	}
	s.logins[key] = stored
	s.loginsCount.Store(int64(len(s.logins)))
	s.mu.Unlock()

	s.logger.Debug("Created login", "key", key.RangeKey(), "completed", stored.Completed())
	s.emit(ctx, changestream.EventInsert, key, nil, stored)
	return nil
}

// GetLogin returns a copy of the record for key
func (s *Store) GetLogin(ctx context.Context, key storage.Key) (_ *storage.Login, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_login")
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_login", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	login, ok := s.logins[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrLoginNotFound, key)
	}
	return login.Clone(), nil
}

// FindLoginsByState returns every record with state, ordered by client id
func (s *Store) FindLoginsByState(ctx context.Context, state string) (_ []*storage.Login, err error) {
	ctx, span := s.startStorageSpan(ctx, "find_logins_by_state")
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "find_logins_by_state", err, start) }()

	return s.collect(func(l *storage.Login) bool { return l.State == state }), nil
}

// ListLoginsByClient returns every record of clientID, ordered by state
func (s *Store) ListLoginsByClient(ctx context.Context, clientID string) (_ []*storage.Login, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_logins_by_client")
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_logins_by_client", err, start) }()

	return s.collect(func(l *storage.Login) bool { return l.ClientID == clientID }), nil
}

func (s *Store) collect(match func(*storage.Login) bool) []*storage.Login {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Login
	for _, l := range s.logins {
		if match(l) {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].State != out[j].State {
			return out[i].State < out[j].State
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

// UpdateLogin merges patch into the existing record
func (s *Store) UpdateLogin(ctx context.Context, patch storage.LoginPatch) (_ *storage.Login, err error) {
	ctx, span := s.startStorageSpan(ctx, "update_login")
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "update_login", err, start) }()

	s.mu.Lock()
	current, ok := s.logins[patch.Key]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", storage.ErrLoginNotFound, patch.Key)
	}
	old := current.Clone()
	merged := current.Clone()
	patch.Apply(merged)
	s.logins[patch.Key] = merged
	s.mu.Unlock()

	s.emit(ctx, changestream.EventModify, patch.Key, old, merged)
	return merged.Clone(), nil
}

// DestroyLogin removes the record for key
func (s *Store) DestroyLogin(ctx context.Context, key storage.Key) (err error) {
	ctx, span := s.startStorageSpan(ctx, "destroy_login")
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "destroy_login", err, start) }()

	s.mu.Lock()
	old, ok := s.logins[key]
	if ok {
		delete(s.logins, key)
		s.loginsCount.Store(int64(len(s.logins)))
	}
	s.mu.Unlock()

	if ok {
		s.logger.Debug("Destroyed login", "key", key.RangeKey())
		s.emit(ctx, changestream.EventRemove, key, old, nil)
	}
	return nil
}

// emit reports a change to the sink. Sink failures are logged, the write
// itself has already happened.
func (s *Store) emit(ctx context.Context, name changestream.EventName, key storage.Key, oldImage, newImage *storage.Login) {
	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()

	if sink == nil {
		return
	}

	rec, err := changestream.NewRecord(name, key, oldImage, newImage)
	if err != nil {
		s.logger.Error("Failed to build change record", "event_name", name, "error", err)
		return
	}
	if err := sink.Emit(ctx, rec); err != nil {
		s.logger.Warn("Change sink failed", "event_name", name, "key", key.RangeKey(), "error", err)
	}
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.Cleanup(context.Background())
		}
	}
}

// Cleanup removes expired records and reports each removal to the sink.
// Returns the number of removed records.
func (s *Store) Cleanup(ctx context.Context) int {
	s.mu.Lock()
	now := s.now()
	var expired []*storage.Login
	for key, login := range s.logins {
		if login.Expired(now) {
			expired = append(expired, login)
			delete(s.logins, key)
		}
	}
	s.loginsCount.Store(int64(len(s.logins)))
	s.mu.Unlock()

	for _, login := range expired {
		s.emit(ctx, changestream.EventRemove, login.Key(), login, nil)
	}

	if len(expired) > 0 {
		s.logger.Debug("Cleaned up expired logins", "count", len(expired))
	}
	return len(expired)
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
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
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and ends the span
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
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
