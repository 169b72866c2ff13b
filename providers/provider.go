// Package providers defines the GitHub API surface the login flow and the
// installation lifecycle depend on.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// ErrNoVerifiedEmail is returned when an account has no primary verified email
var ErrNoVerifiedEmail = errors.New("no primary verified email")

// Client defines the GitHub operations used by this module.
// All methods accept context.Context for tracing and cancellation.
type Client interface {
	// AuthorizationURL builds the URL that sends the user to GitHub to
	// authorize clientID with scope. redirectURI is the callback GitHub
	// returns to with the code and state.
	AuthorizationURL(clientID, scope, state, redirectURI string) string

	// ExchangeCode exchanges an authorization code for a user access token
	ExchangeCode(ctx context.Context, clientID, clientSecret, code string) (*oauth2.Token, error)

	// AuthenticatedIdentity returns the account that owns token
	AuthenticatedIdentity(ctx context.Context, token string) (*Identity, error)

	// ListEmails returns every email address of the account that owns token
	ListEmails(ctx context.Context, token string) ([]Email, error)

	// ListInstallationsForUser returns the app installations visible to token
	ListInstallationsForUser(ctx context.Context, token string) ([]Installation, error)

	// ListInstallationRepositories returns the repositories an installation
	// token can access
	ListInstallationRepositories(ctx context.Context, token string) ([]Repository, error)

	// UserByLogin returns the public profile of login
	UserByLogin(ctx context.Context, token, login string) (*Identity, error)

	// CreateInstallationToken mints an installation access token
	CreateInstallationToken(ctx context.Context, app AppCredentials, installationID string) (*InstallationToken, error)

	// GetApp returns the app authenticated by the app credentials
	GetApp(ctx context.Context, app AppCredentials) (*App, error)
}

// Identity is a GitHub account.
type Identity struct {
	ID              int64
	Login           string
	Name            string
	Email           string
	AvatarURL       string
	TwitterUsername string
}

// DisplayName returns the name, falling back to the login
func (i *Identity) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.Login
}

// Email is one address of an account.
type Email struct {
	Email    string
	Primary  bool
	Verified bool
}

// PrimaryVerifiedEmail returns the address that is both primary and verified
func PrimaryVerifiedEmail(emails []Email) (string, error) {
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	return "", ErrNoVerifiedEmail
}

// Installation is a GitHub App installation visible to a user.
type Installation struct {
	InstallationID string `json:"installationId"`
	AppID          string `json:"appId"`
	Target         string `json:"target"`
	Suspended      bool   `json:"suspended"`
}

// Repository is a repository an installation token can access.
type Repository struct {
	Owner    string
	Name     string
	FullName string
}

// NoReplyEmail returns the synthetic address used for repository identities
func (r Repository) NoReplyEmail() string {
	return fmt.Sprintf("%s+%s@noreply.github.com", r.Owner, r.Name)
}

// InstallationToken is a short-lived installation access token.
// Never log Token; log at most a short prefix.
type InstallationToken struct {
	Token     string
	ExpiresAt time.Time
}

// AppCredentials authenticate as a GitHub App.
type AppCredentials struct {
	AppID string

	// PrivateKeyPEM is the app's RSA private key
	PrivateKeyPEM []byte
}

// App describes a GitHub App.
type App struct {
	ID          int64
	Slug        string
	Name        string
	ExternalURL string
	HTMLURL     string
}

// InstallURL returns the page where users install the app
func (a *App) InstallURL() string {
	return "https://github.com/apps/" + a.Slug + "/installations/new"
}

// AppDetails is what a login page needs to know about a GitHub App.
type AppDetails struct {
	AppID       string `json:"appId"`
	ClientID    string `json:"clientId"`
	Slug        string `json:"slug"`
	HomepageURL string `json:"homepageUrl,omitempty"`
	InstallURL  string `json:"installUrl"`
}

// APIError is returned when GitHub answers with an unexpected status.
type APIError struct {
	Operation  string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github %s failed with status %d", e.Operation, e.StatusCode)
}

// IsUnauthorized reports whether err is a GitHub 401 or 403
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
}
