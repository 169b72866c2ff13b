// Package secrets provides a time-bounded, process-local cache in front of a
// secret store. A secret is a JSON-like map of sub-keys to string values
// stored under one secret id, so several keys (for example both signing key
// slots) share one backing secret.
package secrets

import (
	"context"
	"errors"
)

var (
	// ErrSecretNotFound is returned when a secret or a key inside it does not exist
	ErrSecretNotFound = errors.New("secret not found")

	// ErrSecretExists is returned by CreateSecret when the secret id is taken
	ErrSecretExists = errors.New("secret already exists")
)

// Store is the backing secret store.
// All methods accept context.Context for tracing and cancellation.
type Store interface {
	// GetSecret returns the whole blob stored under id, or ErrSecretNotFound.
	GetSecret(ctx context.Context, id string) (map[string]string, error)

	// PutSecret replaces the blob stored under an existing id.
	PutSecret(ctx context.Context, id string, blob map[string]string) error

	// CreateSecret creates a new secret, or fails with ErrSecretExists.
	CreateSecret(ctx context.Context, id string, blob map[string]string) error
}

// ConditionalStore is implemented by stores that can atomically create a
// single key inside a secret when it is absent. The returned bool reports
// whether this call created the key.
type ConditionalStore interface {
	SetKeyIfAbsent(ctx context.Context, id, key, value string) (bool, error)
}
