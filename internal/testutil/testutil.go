// Package testutil provides clocks, key material and login fixtures shared
// by the package tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/github-auth/storage"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateAppKeyPEM creates an RSA private key for a test GitHub App, PEM
// encoded as GitHub hands it out.
func GenerateAppKeyPEM(t testing.TB) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

// GenerateAppKeySecret returns an app key in the base64 form it is stored
// under in the secret store.
func GenerateAppKeySecret(t testing.TB) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString(GenerateAppKeyPEM(t))
}

// PendingLogin returns a pending login expiring at expires.
func PendingLogin(state, clientID string, expires time.Time) *storage.Login {
	return &storage.Login{
		State:            state,
		ClientID:         clientID,
		Scope:            "user:email",
		OAuthRedirectURI: "https://github.com/login/oauth/authorize?state=" + state,
		RedirectURI:      "https://app.example.com/",
		ExpiresAt:        expires,
	}
}

// InstallationLogin returns an installation record without a token, as
// created by the installation webhook.
func InstallationLogin(appID, installationID, clientID string) *storage.Login {
	return &storage.Login{
		State:          installationID,
		ClientID:       clientID,
		Scope:          "user:email",
		RedirectURI:    "https://app.example.com/",
		Login:          "octocat",
		AppID:          appID,
		InstallationID: installationID,
	}
}
