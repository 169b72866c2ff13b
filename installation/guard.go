package installation

import (
	"context"
	"sync"

	"github.com/giantswarm/github-auth/storage"
)

// Guard remembers which encrypted token of a record was last published, so
// redelivered change events do not publish it twice.
type Guard interface {
	// Claim records value for key and reports whether it was not claimed yet
	Claim(ctx context.Context, key storage.Key, value string) (bool, error)

	// Release forgets the claim of value for key
	Release(ctx context.Context, key storage.Key, value string) error
}

// MemoryGuard is a per-process Guard.
type MemoryGuard struct {
	mu      sync.Mutex
	claimed map[storage.Key]string
}

// NewMemoryGuard creates an empty in-memory guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{claimed: make(map[storage.Key]string)}
}

// Claim implements Guard.
func (g *MemoryGuard) Claim(_ context.Context, key storage.Key, value string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.claimed[key] == value {
		return false, nil
	}
	g.claimed[key] = value
	return true, nil
}

// Release implements Guard.
func (g *MemoryGuard) Release(_ context.Context, key storage.Key, value string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.claimed[key] == value {
		delete(g.claimed, key)
	}
	return nil
}
