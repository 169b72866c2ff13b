package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/giantswarm/github-auth/instrumentation"
	"github.com/giantswarm/github-auth/providers"
)

// Compile-time check that Client implements the providers.Client interface.
var _ providers.Client = (*Client)(nil)

// providerName is the provider attribute recorded on spans and metrics.
const providerName = "github"

// Default endpoints
const (
	DefaultAPIBaseURL = "https://api.github.com"
	DefaultWebBaseURL = "https://github.com"

	// apiVersion pins the REST API version
	apiVersion = "2022-11-28"

	// perPage is the page size used for paginated listings
	perPage = 100

	// maxPages bounds pagination loops
	maxPages = 50
)

// App JWT timing: issued a minute in the past to tolerate clock drift,
// valid for ten minutes (the maximum GitHub accepts).
const (
	AppJWTBackdate = time.Minute
	AppJWTLifetime = 10 * time.Minute
)

// Config holds GitHub client configuration.
type Config struct {
	// APIBaseURL is the REST API root (default: https://api.github.com).
	APIBaseURL string

	// WebBaseURL is the web root hosting the OAuth endpoints
	// (default: https://github.com).
	WebBaseURL string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout is the timeout for GitHub API calls (default: 30s).
	RequestTimeout time.Duration

	// Clock returns the current time (default: time.Now). Used for app JWTs.
	Clock func() time.Time

	// Logger (default: slog.Default()).
	Logger *slog.Logger
}

// Client implements providers.Client against the GitHub REST API.
type Client struct {
	apiBaseURL     string
	webBaseURL     string
	endpoint       oauth2.Endpoint
	httpClient     *http.Client
	requestTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger

	mu              sync.RWMutex
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// NewClient creates a new GitHub client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	apiBaseURL := strings.TrimSuffix(cfg.APIBaseURL, "/")
	if apiBaseURL == "" {
		apiBaseURL = DefaultAPIBaseURL
	}
	webBaseURL := strings.TrimSuffix(cfg.WebBaseURL, "/")
	if webBaseURL == "" {
		webBaseURL = DefaultWebBaseURL
	}
	for _, raw := range []string{apiBaseURL, webBaseURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid base URL %q", raw)
		}
	}

	endpoint := oauthgithub.Endpoint
	if webBaseURL != DefaultWebBaseURL {
		endpoint = oauth2.Endpoint{
			AuthURL:  webBaseURL + "/login/oauth/authorize",
			TokenURL: webBaseURL + "/login/oauth/access_token",
		}
	}

	// Set request timeout (default: 30 seconds)
	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: requestTimeout,
		}
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		apiBaseURL:     apiBaseURL,
		webBaseURL:     webBaseURL,
		endpoint:       endpoint,
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		now:            now,
		logger:         logger,
	}, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for API calls
func (c *Client) SetInstrumentation(inst *instrumentation.Instrumentation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instrumentation = inst
	if inst != nil {
		c.tracer = inst.Tracer("providers/github")
	}
}

// AuthorizationURL builds the GitHub authorize URL.
func (c *Client) AuthorizationURL(clientID, scope, state, redirectURI string) string {
	params := url.Values{}
	params.Set("client_id", clientID)
	params.Set("scope", scope)
	params.Set("state", state)
	params.Set("redirect_uri", redirectURI)
	return c.endpoint.AuthURL + "?" + params.Encode()
}

// ensureContextTimeout ensures the context has a deadline, adding one if needed.
// Returns a new context with timeout and a cancel function that should be deferred.
// If the context already has a deadline, returns the original context with a no-op cancel.
func (c *Client) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

// ExchangeCode exchanges an authorization code for a user access token.
func (c *Client) ExchangeCode(ctx context.Context, clientID, clientSecret, code string) (_ *oauth2.Token, err error) {
	ctx, cancel := c.ensureContextTimeout(ctx)
	defer cancel()

	ctx, finish := c.observe(ctx, "exchange_code")
	defer func() { finish(0, err) }()

	config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     c.endpoint,
	}
	return providers.ExchangeCode(ctx, config, c.httpClient, code)
}

// ghUser is the REST representation of an account
type ghUser struct {
	ID              int64  `json:"id"`
	Login           string `json:"login"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	AvatarURL       string `json:"avatar_url"`
	TwitterUsername string `json:"twitter_username"`
}

func (u ghUser) identity() *providers.Identity {
	return &providers.Identity{
		ID:              u.ID,
		Login:           u.Login,
		Name:            u.Name,
		Email:           u.Email,
		AvatarURL:       u.AvatarURL,
		TwitterUsername: u.TwitterUsername,
	}
}

// AuthenticatedIdentity fetches the account that owns token from /user.
func (c *Client) AuthenticatedIdentity(ctx context.Context, token string) (*providers.Identity, error) {
	var user ghUser
	if err := c.getJSON(ctx, "get_authenticated_user", token, "/user", &user); err != nil {
		return nil, err
	}
	return user.identity(), nil
}

// UserByLogin fetches the public profile of login from /users/{login}.
func (c *Client) UserByLogin(ctx context.Context, token, login string) (*providers.Identity, error) {
	var user ghUser
	if err := c.getJSON(ctx, "get_user", token, "/users/"+url.PathEscape(login), &user); err != nil {
		return nil, err
	}
	return user.identity(), nil
}

// ListEmails fetches every address of the account that owns token.
func (c *Client) ListEmails(ctx context.Context, token string) ([]providers.Email, error) {
	var out []providers.Email
	for page := 1; page <= maxPages; page++ {
		var emails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		if err := c.getJSON(ctx, "list_emails", token, pagePath("/user/emails", page), &emails); err != nil {
			return nil, err
		}
		for _, e := range emails {
			out = append(out, providers.Email{Email: e.Email, Primary: e.Primary, Verified: e.Verified})
		}
		if len(emails) < perPage {
			break
		}
	}
	return out, nil
}

// ListInstallationsForUser fetches the installations visible to a user token.
// Installations without an account login are skipped.
func (c *Client) ListInstallationsForUser(ctx context.Context, token string) ([]providers.Installation, error) {
	var out []providers.Installation
	for page := 1; page <= maxPages; page++ {
		var body struct {
			TotalCount    int `json:"total_count"`
			Installations []struct {
				ID          int64      `json:"id"`
				AppID       int64      `json:"app_id"`
				SuspendedAt *time.Time `json:"suspended_at"`
				Account     *struct {
					Login string `json:"login"`
				} `json:"account"`
			} `json:"installations"`
		}
		if err := c.getJSON(ctx, "list_installations", token, pagePath("/user/installations", page), &body); err != nil {
			return nil, err
		}
		for _, inst := range body.Installations {
			if inst.Account == nil || inst.Account.Login == "" {
				continue
			}
			out = append(out, providers.Installation{
				InstallationID: strconv.FormatInt(inst.ID, 10),
				AppID:          strconv.FormatInt(inst.AppID, 10),
				Target:         inst.Account.Login,
				Suspended:      inst.SuspendedAt != nil,
			})
		}
		if len(body.Installations) < perPage {
			break
		}
	}
	return out, nil
}

// ListInstallationRepositories fetches the repositories an installation token
// can access.
func (c *Client) ListInstallationRepositories(ctx context.Context, token string) ([]providers.Repository, error) {
	var out []providers.Repository
	for page := 1; page <= maxPages; page++ {
		var body struct {
			TotalCount   int `json:"total_count"`
			Repositories []struct {
				Name     string `json:"name"`
				FullName string `json:"full_name"`
				Owner    struct {
					Login string `json:"login"`
				} `json:"owner"`
			} `json:"repositories"`
		}
		if err := c.getJSON(ctx, "list_installation_repositories", token, pagePath("/installation/repositories", page), &body); err != nil {
			return nil, err
		}
		for _, r := range body.Repositories {
			out = append(out, providers.Repository{Owner: r.Owner.Login, Name: r.Name, FullName: r.FullName})
		}
		if len(body.Repositories) < perPage || len(out) >= body.TotalCount {
			break
		}
	}
	return out, nil
}

// CreateInstallationToken mints an installation access token, authenticating
// as the app.
func (c *Client) CreateInstallationToken(ctx context.Context, app providers.AppCredentials, installationID string) (*providers.InstallationToken, error) {
	appJWT, err := SignAppJWT(app, c.now())
	if err != nil {
		return nil, err
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	path := "/app/installations/" + url.PathEscape(installationID) + "/access_tokens"
	if err := c.doJSON(ctx, "create_installation_token", http.MethodPost, appJWT, path, &body); err != nil {
		return nil, err
	}
	if body.Token == "" {
		return nil, fmt.Errorf("github returned an empty installation token")
	}

	return &providers.InstallationToken{Token: body.Token, ExpiresAt: body.ExpiresAt}, nil
}

// GetApp fetches the app authenticated by the app credentials from /app.
func (c *Client) GetApp(ctx context.Context, app providers.AppCredentials) (*providers.App, error) {
	appJWT, err := SignAppJWT(app, c.now())
	if err != nil {
		return nil, err
	}

	var body struct {
		ID          int64  `json:"id"`
		Slug        string `json:"slug"`
		Name        string `json:"name"`
		ExternalURL string `json:"external_url"`
		HTMLURL     string `json:"html_url"`
	}
	if err := c.getJSON(ctx, "get_app", appJWT, "/app", &body); err != nil {
		return nil, err
	}

	return &providers.App{
		ID:          body.ID,
		Slug:        body.Slug,
		Name:        body.Name,
		ExternalURL: body.ExternalURL,
		HTMLURL:     body.HTMLURL,
	}, nil
}

// SignAppJWT signs the RS256 JWT that authenticates as a GitHub App.
func SignAppJWT(app providers.AppCredentials, now time.Time) (string, error) {
	if app.AppID == "" {
		return "", fmt.Errorf("app id is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(app.PrivateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("failed to parse app %s private key: %w", app.AppID, err)
	}

	claims := jwt.RegisteredClaims{
		Issuer:    app.AppID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-AppJWTBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(AppJWTLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign app %s jwt: %w", app.AppID, err)
	}
	return signed, nil
}

func pagePath(path string, page int) string {
	return path + "?per_page=" + strconv.Itoa(perPage) + "&page=" + strconv.Itoa(page)
}

func (c *Client) getJSON(ctx context.Context, operation, token, path string, out any) error {
	return c.doJSON(ctx, operation, http.MethodGet, token, path, out)
}

// doJSON performs an authenticated request and decodes a 2xx JSON answer
func (c *Client) doJSON(ctx context.Context, operation, method, token, path string, out any) (err error) {
	ctx, cancel := c.ensureContextTimeout(ctx)
	defer cancel()

	status := 0
	ctx, finish := c.observe(ctx, operation)
	defer func() { finish(status, err) }()

	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiBaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github %s request failed: %w", operation, err)
	}
	defer func() { _ = resp.Body.Close() }()

	status = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &providers.APIError{Operation: operation, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode github %s response: %w", operation, err)
	}
	return nil
}

// observe starts a span for an API call and returns a func that ends it and
// records the call metrics.
func (c *Client) observe(ctx context.Context, operation string) (context.Context, func(status int, err error)) {
	c.mu.RLock()
	inst := c.instrumentation
	tracer := c.tracer
	c.mu.RUnlock()

	var span trace.Span
	if tracer != nil {
		ctx, span = tracer.Start(ctx, "github."+operation, trace.WithAttributes(
			attribute.String(instrumentation.AttrProviderName, providerName),
			attribute.String(instrumentation.AttrProviderOperation, operation),
		))
	}

	start := time.Now()
	return ctx, func(status int, err error) {
		if status != 0 {
			instrumentation.SetSpanAttributes(span, attribute.Int(instrumentation.AttrProviderStatus, status))
		}
		instrumentation.EndSpan(span, err)
		if err != nil {
			c.logger.Debug("GitHub API call failed", "operation", operation, "status", status, "error", err)
		}
		if inst != nil {
			inst.Metrics().RecordProviderAPICall(ctx, providerName, operation, status, float64(time.Since(start).Milliseconds()), err)
		}
	}
}
