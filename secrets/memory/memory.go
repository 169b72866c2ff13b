// Package memory provides an in-process secrets.Store.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/giantswarm/github-auth/secrets"
)

// Compile-time interface checks
var (
	_ secrets.Store            = (*Store)(nil)
	_ secrets.ConditionalStore = (*Store)(nil)
)

// Store keeps secrets in a map guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	secrets map[string]map[string]string
}

// New creates an empty store.
func New() *Store {
	return &Store{secrets: make(map[string]map[string]string)}
}

// GetSecret returns a copy of the blob stored under id
func (s *Store) GetSecret(_ context.Context, id string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.secrets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", secrets.ErrSecretNotFound, id)
	}
	return maps.Clone(blob), nil
}

// PutSecret replaces the blob of an existing secret
func (s *Store) PutSecret(_ context.Context, id string, blob map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.secrets[id]; !ok {
		return fmt.Errorf("%w: %s", secrets.ErrSecretNotFound, id)
	}
	s.secrets[id] = maps.Clone(blob)
	return nil
}

// CreateSecret creates a new secret
func (s *Store) CreateSecret(_ context.Context, id string, blob map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.secrets[id]; ok {
		return fmt.Errorf("%w: %s", secrets.ErrSecretExists, id)
	}
	s.secrets[id] = maps.Clone(blob)
	return nil
}

// SetKeyIfAbsent atomically creates key inside secret id
func (s *Store) SetKeyIfAbsent(_ context.Context, id, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, ok := s.secrets[id]
	if !ok {
		blob = make(map[string]string, 1)
		s.secrets[id] = blob
	}
	if _, exists := blob[key]; exists {
		return false, nil
	}
	blob[key] = value
	return true, nil
}

// Seed sets secret values directly, creating the secret when needed.
// Intended for bootstrapping credentials in tests and local setups.
func (s *Store) Seed(id string, values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, ok := s.secrets[id]
	if !ok {
		blob = make(map[string]string, len(values))
		s.secrets[id] = blob
	}
	maps.Copy(blob, values)
}
