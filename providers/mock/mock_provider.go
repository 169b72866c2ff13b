// Package mock provides a mock implementation of providers.Client for testing.
package mock

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/github-auth/providers"
)

// Compile-time interface check
var _ providers.Client = (*Client)(nil)

// Client is a mock implementation of providers.Client for testing.
// Each method delegates to its Func field; nil fields return an error.
type Client struct {
	ExchangeCodeFunc                 func(ctx context.Context, clientID, clientSecret, code string) (*oauth2.Token, error)
	AuthenticatedIdentityFunc        func(ctx context.Context, token string) (*providers.Identity, error)
	ListEmailsFunc                   func(ctx context.Context, token string) ([]providers.Email, error)
	ListInstallationsForUserFunc     func(ctx context.Context, token string) ([]providers.Installation, error)
	ListInstallationRepositoriesFunc func(ctx context.Context, token string) ([]providers.Repository, error)
	UserByLoginFunc                  func(ctx context.Context, token, login string) (*providers.Identity, error)
	CreateInstallationTokenFunc      func(ctx context.Context, app providers.AppCredentials, installationID string) (*providers.InstallationToken, error)
	GetAppFunc                       func(ctx context.Context, app providers.AppCredentials) (*providers.App, error)

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

// NewClient creates a mock client for a user "octocat" with a verified
// primary email and no installations.
func NewClient() *Client {
	return &Client{
		CallCounts: make(map[string]int),
		ExchangeCodeFunc: func(ctx context.Context, clientID, clientSecret, code string) (*oauth2.Token, error) {
			return &oauth2.Token{AccessToken: "gho_mock-access-token", TokenType: "bearer"}, nil
		},
		AuthenticatedIdentityFunc: func(ctx context.Context, token string) (*providers.Identity, error) {
			return &providers.Identity{ID: 1, Login: "octocat", Name: "The Octocat", AvatarURL: "https://avatars.example.com/1"}, nil
		},
		ListEmailsFunc: func(ctx context.Context, token string) ([]providers.Email, error) {
			return []providers.Email{{Email: "octocat@example.com", Primary: true, Verified: true}}, nil
		},
		ListInstallationsForUserFunc: func(ctx context.Context, token string) ([]providers.Installation, error) {
			return nil, nil
		},
		UserByLoginFunc: func(ctx context.Context, token, login string) (*providers.Identity, error) {
			return &providers.Identity{ID: 1, Login: login, Name: "The Octocat"}, nil
		},
		CreateInstallationTokenFunc: func(ctx context.Context, app providers.AppCredentials, installationID string) (*providers.InstallationToken, error) {
			return &providers.InstallationToken{Token: "ghs_mock-installation-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
		GetAppFunc: func(ctx context.Context, app providers.AppCredentials) (*providers.App, error) {
			return &providers.App{Slug: "mock-app", ExternalURL: "https://app.example.com"}, nil
		},
	}
}

// count records a call and returns the current value of a func field.
// The lock is released before the caller invokes the function, so a
// mocked function may call other mock methods.
func count[F any](m *Client, method string, fn *F) F {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CallCounts == nil {
		m.CallCounts = make(map[string]int)
	}
	m.CallCounts[method]++
	return *fn
}

// AuthorizationURL builds a GitHub-shaped authorize URL
func (m *Client) AuthorizationURL(clientID, scope, state, redirectURI string) string {
	count(m, "AuthorizationURL", new(struct{}))
	params := url.Values{}
	params.Set("client_id", clientID)
	params.Set("scope", scope)
	params.Set("state", state)
	params.Set("redirect_uri", redirectURI)
	return "https://github.com/login/oauth/authorize?" + params.Encode()
}

// ExchangeCode exchanges an authorization code
func (m *Client) ExchangeCode(ctx context.Context, clientID, clientSecret, code string) (*oauth2.Token, error) {
	fn := count(m, "ExchangeCode", &m.ExchangeCodeFunc)
	if fn == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not configured")
	}
	return fn(ctx, clientID, clientSecret, code)
}

// AuthenticatedIdentity returns the account that owns token
func (m *Client) AuthenticatedIdentity(ctx context.Context, token string) (*providers.Identity, error) {
	fn := count(m, "AuthenticatedIdentity", &m.AuthenticatedIdentityFunc)
	if fn == nil {
		return nil, fmt.Errorf("AuthenticatedIdentityFunc not configured")
	}
	return fn(ctx, token)
}

// ListEmails returns the addresses of the account that owns token
func (m *Client) ListEmails(ctx context.Context, token string) ([]providers.Email, error) {
	fn := count(m, "ListEmails", &m.ListEmailsFunc)
	if fn == nil {
		return nil, fmt.Errorf("ListEmailsFunc not configured")
	}
	return fn(ctx, token)
}

// ListInstallationsForUser returns the installations visible to token
func (m *Client) ListInstallationsForUser(ctx context.Context, token string) ([]providers.Installation, error) {
	fn := count(m, "ListInstallationsForUser", &m.ListInstallationsForUserFunc)
	if fn == nil {
		return nil, fmt.Errorf("ListInstallationsForUserFunc not configured")
	}
	return fn(ctx, token)
}

// ListInstallationRepositories returns the repositories visible to token
func (m *Client) ListInstallationRepositories(ctx context.Context, token string) ([]providers.Repository, error) {
	fn := count(m, "ListInstallationRepositories", &m.ListInstallationRepositoriesFunc)
	if fn == nil {
		return nil, fmt.Errorf("ListInstallationRepositoriesFunc not configured")
	}
	return fn(ctx, token)
}

// UserByLogin returns the profile of login
func (m *Client) UserByLogin(ctx context.Context, token, login string) (*providers.Identity, error) {
	fn := count(m, "UserByLogin", &m.UserByLoginFunc)
	if fn == nil {
		return nil, fmt.Errorf("UserByLoginFunc not configured")
	}
	return fn(ctx, token, login)
}

// CreateInstallationToken mints an installation token
func (m *Client) CreateInstallationToken(ctx context.Context, app providers.AppCredentials, installationID string) (*providers.InstallationToken, error) {
	fn := count(m, "CreateInstallationToken", &m.CreateInstallationTokenFunc)
	if fn == nil {
		return nil, fmt.Errorf("CreateInstallationTokenFunc not configured")
	}
	return fn(ctx, app, installationID)
}

// GetApp returns the app
func (m *Client) GetApp(ctx context.Context, app providers.AppCredentials) (*providers.App, error) {
	fn := count(m, "GetApp", &m.GetAppFunc)
	if fn == nil {
		return nil, fmt.Errorf("GetAppFunc not configured")
	}
	return fn(ctx, app)
}

// ResetCallCounts resets all call counters
func (m *Client) ResetCallCounts() {
	m.mu.Lock()
	m.CallCounts = make(map[string]int)
	m.mu.Unlock()
}

// GetCallCount returns the number of times a method was called
func (m *Client) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}
