package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Key column prefixes
const (
	HashKeyPrefix  = "github_"
	RangeKeyPrefix = "login_"

	// Names of the key columns in change records
	HashKeyName  = "pk"
	RangeKeyName = "sk"
)

var (
	// ErrLoginNotFound is returned when no record exists for a key
	ErrLoginNotFound = errors.New("login not found")

	// ErrLoginExists is returned when creating a record whose key is taken
	ErrLoginExists = errors.New("login already exists")
)

// Key identifies a login record.
type Key struct {
	State    string
	ClientID string
}

// HashKey returns the partition key column value.
func (k Key) HashKey() string {
	return HashKeyPrefix + k.State
}

// RangeKey returns the sort key column value.
func (k Key) RangeKey() string {
	return RangeKeyPrefix + k.ClientID
}

// Columns returns the key as change-record key columns.
func (k Key) Columns() map[string]string {
	return map[string]string{HashKeyName: k.HashKey(), RangeKeyName: k.RangeKey()}
}

func (k Key) String() string {
	return k.HashKey() + "/" + k.RangeKey()
}

// ParseKey parses prefixed key column values.
func ParseKey(hashKey, rangeKey string) (Key, error) {
	state, ok := strings.CutPrefix(hashKey, HashKeyPrefix)
	if !ok || state == "" {
		return Key{}, fmt.Errorf("invalid login hash key %q", hashKey)
	}
	clientID, ok := strings.CutPrefix(rangeKey, RangeKeyPrefix)
	if !ok || clientID == "" {
		return Key{}, fmt.Errorf("invalid login range key %q", rangeKey)
	}
	return Key{State: state, ClientID: clientID}, nil
}

// Login is a pending or completed GitHub login.
// A record with EncryptedToken set is a completed login.
type Login struct {
	State            string    `json:"state"`
	ClientID         string    `json:"clientId"`
	Scope            string    `json:"scope,omitempty"`
	OAuthRedirectURI string    `json:"oauthRedirectUri,omitempty"`
	RedirectURI      string    `json:"redirectUri,omitempty"`
	Remember         bool      `json:"remember,omitempty"`
	Login            string    `json:"login,omitempty"`
	Email            string    `json:"email,omitempty"`
	EncryptedToken   string    `json:"encryptedToken,omitempty"`
	AppID            string    `json:"appId,omitempty"`
	InstallationID   string    `json:"installationId,omitempty"`
	ExpiresAt        time.Time `json:"expires,omitzero"`

	// Exchanged marks sessions issued for a token the caller already held.
	// Their tokens are not fanned out.
	Exchanged bool `json:"exchanged,omitempty"`
}

// Key returns the record key.
func (l *Login) Key() Key {
	return Key{State: l.State, ClientID: l.ClientID}
}

// Completed reports whether the record carries a provider token.
func (l *Login) Completed() bool {
	return l.EncryptedToken != ""
}

// IsInstallation reports whether the record belongs to a GitHub App installation.
func (l *Login) IsInstallation() bool {
	return l.AppID != "" && l.InstallationID != ""
}

// Expired reports whether the record carries an expiry before now.
func (l *Login) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt)
}

// Validate checks the fields every record needs.
func (l *Login) Validate() error {
	if l.State == "" {
		return fmt.Errorf("login state is required")
	}
	if l.ClientID == "" {
		return fmt.Errorf("login client id is required")
	}
	return nil
}

// Clone returns a copy of the record.
func (l *Login) Clone() *Login {
	c := *l
	return &c
}

// LoginPatch is a merge patch for an existing record. Nil fields are left
// unchanged.
type LoginPatch struct {
	Key Key

	Login          *string
	Email          *string
	EncryptedToken *string
	Remember       *bool
	ExpiresAt      *time.Time
}

// Apply merges the patch into l.
func (p LoginPatch) Apply(l *Login) {
	if p.Login != nil {
		l.Login = *p.Login
	}
	if p.Email != nil {
		l.Email = *p.Email
	}
	if p.EncryptedToken != nil {
		l.EncryptedToken = *p.EncryptedToken
	}
	if p.Remember != nil {
		l.Remember = *p.Remember
	}
	if p.ExpiresAt != nil {
		l.ExpiresAt = *p.ExpiresAt
	}
}

// LoginStore persists login records.
// All methods accept context.Context for tracing and cancellation.
type LoginStore interface {
	// CreateLogin stores a new record. Returns ErrLoginExists when a record
	// with the same key exists; the existing record is left unchanged.
	CreateLogin(ctx context.Context, login *Login) error

	// GetLogin returns the record for key, or ErrLoginNotFound.
	GetLogin(ctx context.Context, key Key) (*Login, error)

	// FindLoginsByState returns every record with the given state, across
	// clients. Backed by an index that may briefly lag writes.
	FindLoginsByState(ctx context.Context, state string) ([]*Login, error)

	// ListLoginsByClient returns every record of a client.
	ListLoginsByClient(ctx context.Context, clientID string) ([]*Login, error)

	// UpdateLogin merges patch into the existing record and returns the
	// merged record, or ErrLoginNotFound.
	UpdateLogin(ctx context.Context, patch LoginPatch) (*Login, error)

	// DestroyLogin removes the record. Removing a missing record is not an error.
	DestroyLogin(ctx context.Context, key Key) error
}
