// Package login implements the GitHub OAuth login flow.
//
// A login moves through three states. CreateLogin stores a pending record
// under a fresh state and returns the GitHub authorize URL (Initiated). Login
// trades the code GitHub returns for a user token and checks the identity
// behind it (Exchanged). It then stores a completed record under a new state
// holding the encrypted token, and issues a JWT whose subject is that new
// state (Completed). The pending record is left to expire.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/github-auth/autherr"
	"github.com/giantswarm/github-auth/instrumentation"
	"github.com/giantswarm/github-auth/internal/util"
	"github.com/giantswarm/github-auth/providers"
	"github.com/giantswarm/github-auth/security"
	"github.com/giantswarm/github-auth/storage"
	"github.com/giantswarm/github-auth/token"
)

const (
	// EmailScope is always requested so the verified email can be read
	EmailScope = "user:email"

	// DefaultClientID is the client id of logins created by token exchange
	DefaultClientID = "default"

	// InstallationTokenPrefix marks GitHub App installation tokens
	InstallationTokenPrefix = "ghs_"

	// DefaultLoginTTL is how long a pending login may be completed
	DefaultLoginTTL = 10 * time.Minute

	// DefaultLookupAttempts bounds state lookups during Login
	DefaultLookupAttempts = 5

	// DefaultLookupInterval is the initial backoff between state lookups
	DefaultLookupInterval = 200 * time.Millisecond
)

// Token kinds accepted by ExchangeToken
const (
	TokenKindInstallation = "installation"
	TokenKindPersonal     = "personal"
)

var errStateNotVisible = errors.New("no login found for state")

// SecretSource reads GitHub credentials.
type SecretSource interface {
	Get(ctx context.Context, storeID, key string) (string, error)
}

// TokenIssuer issues and verifies session tokens.
type TokenIssuer interface {
	CreateJWT(ctx context.Context, principal token.Principal, issuer string, remember bool) (*token.JWT, error)
	VerifyJWT(ctx context.Context, raw, issuer string, opts ...token.VerifyOption) (*token.Payload, bool)
	Refresh(ctx context.Context, accessToken, refreshToken, issuer string, remember bool) (*token.JWT, error)
}

// Encryptor protects provider tokens at rest.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// AppResolver looks up GitHub App details.
type AppResolver interface {
	App(ctx context.Context, appID string) (*providers.AppDetails, error)
}

// Config configures a Controller.
type Config struct {
	Store     storage.LoginStore // required
	Provider  providers.Client   // required
	Secrets   SecretSource       // required
	Tokens    TokenIssuer        // required
	Encryptor Encryptor          // required

	// CallbackURL is the redirect_uri GitHub returns the user to (required)
	CallbackURL string

	// ClientID is the OAuth client id reported when no app is named
	ClientID string

	// Apps resolves GitHub Apps for OAuthDetail (optional)
	Apps AppResolver

	// RateLimiter limits login creation per client id (optional)
	RateLimiter *security.RateLimiter

	// Auditor records security events (optional)
	Auditor *security.Auditor

	// LoginTTL is the lifetime of pending logins (default: 10m)
	LoginTTL time.Duration

	// LookupAttempts bounds state lookups (default: 5)
	LookupAttempts uint

	// LookupInterval is the initial lookup backoff (default: 200ms)
	LookupInterval time.Duration

	// Clock returns the current time (default: time.Now)
	Clock func() time.Time

	// Logger (default: slog.Default())
	Logger *slog.Logger
}

// Controller runs the OAuth login flow. It holds no per-login state and is
// safe for concurrent use.
type Controller struct {
	store       storage.LoginStore
	provider    providers.Client
	secrets     SecretSource
	tokens      TokenIssuer
	encryptor   Encryptor
	apps        AppResolver
	limiter     *security.RateLimiter
	auditor     *security.Auditor
	callbackURL string
	clientID    string

	loginTTL       time.Duration
	lookupAttempts uint
	lookupInterval time.Duration
	now            func() time.Time
	logger         *slog.Logger

	mu              sync.RWMutex
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// New creates a login controller.
func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("login store is required")
	case cfg.Provider == nil:
		return nil, fmt.Errorf("provider client is required")
	case cfg.Secrets == nil:
		return nil, fmt.Errorf("secret source is required")
	case cfg.Tokens == nil:
		return nil, fmt.Errorf("token issuer is required")
	case cfg.Encryptor == nil:
		return nil, fmt.Errorf("encryptor is required")
	case cfg.CallbackURL == "":
		return nil, fmt.Errorf("callback URL is required")
	}
	if cfg.LoginTTL <= 0 {
		cfg.LoginTTL = DefaultLoginTTL
	}
	if cfg.LookupAttempts == 0 {
		cfg.LookupAttempts = DefaultLookupAttempts
	}
	if cfg.LookupInterval <= 0 {
		cfg.LookupInterval = DefaultLookupInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Controller{
		store:          cfg.Store,
		provider:       cfg.Provider,
		secrets:        cfg.Secrets,
		tokens:         cfg.Tokens,
		encryptor:      cfg.Encryptor,
		apps:           cfg.Apps,
		limiter:        cfg.RateLimiter,
		auditor:        cfg.Auditor,
		callbackURL:    cfg.CallbackURL,
		clientID:       cfg.ClientID,
		loginTTL:       cfg.LoginTTL,
		lookupAttempts: cfg.LookupAttempts,
		lookupInterval: cfg.LookupInterval,
		now:            cfg.Clock,
		logger:         cfg.Logger,
	}, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for the login flow
func (c *Controller) SetInstrumentation(inst *instrumentation.Instrumentation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instrumentation = inst
	if inst != nil {
		c.tracer = inst.Tracer("login")
	}
}

func (c *Controller) startSpan(ctx context.Context, operation string) (context.Context, trace.Span, *instrumentation.Instrumentation) {
	c.mu.RLock()
	tracer := c.tracer
	inst := c.instrumentation
	c.mu.RUnlock()

	if tracer == nil {
		return ctx, nil, inst
	}
	ctx, span := tracer.Start(ctx, "login."+operation)
	return ctx, span, inst
}

// CreateLoginRequest starts a login.
type CreateLoginRequest struct {
	ClientID    string `json:"clientId"`
	Login       string `json:"login,omitempty"`
	State       string `json:"state,omitempty"`
	Scope       string `json:"scope,omitempty"`
	RedirectURI string `json:"redirectUri"`
	Remember    bool   `json:"remember,omitempty"`

	// Set for logins created on behalf of an app installation
	AppID          string `json:"-"`
	InstallationID string `json:"-"`
}

// CreateLoginResponse tells the caller where to send the user.
type CreateLoginResponse struct {
	ClientID         string    `json:"clientId"`
	State            string    `json:"state"`
	OAuthRedirectURI string    `json:"oauthRedirectUri,omitempty"`
	ExpiresAt        time.Time `json:"expires,omitzero"`
}

// LoginRequest completes a login with the code GitHub returned.
type LoginRequest struct {
	Code     string `json:"code"`
	State    string `json:"state"`
	Remember bool   `json:"remember,omitempty"`
}

// ExchangeRequest trades an existing GitHub token for a session.
type ExchangeRequest struct {
	Token    string `json:"token"`
	Remember bool   `json:"remember,omitempty"`
}

// User is the identity behind a session.
type User struct {
	Login         string                   `json:"login"`
	Name          string                   `json:"name,omitempty"`
	Email         string                   `json:"email"`
	AvatarURL     string                   `json:"avatarUrl,omitempty"`
	Token         string                   `json:"token"`
	Remember      bool                     `json:"remember,omitempty"`
	RedirectURI   string                   `json:"redirectUri,omitempty"`
	Installations []providers.Installation `json:"installations,omitempty"`
}

// JWTResponse is an issued session and the user it belongs to.
type JWTResponse struct {
	JWT  *token.JWT
	User *User
}

// OAuthDetail is what a login page needs to start a login.
type OAuthDetail struct {
	ClientID   string `json:"clientId"`
	InstallURL string `json:"installUrl,omitempty"`
}

// NormalizeScope makes sure scope requests the user's email addresses.
func NormalizeScope(scope string) string {
	if strings.Contains(scope, EmailScope) {
		return scope
	}
	return strings.TrimSpace(EmailScope + " " + scope)
}

// IsInstallationToken reports whether token is a GitHub App installation token
func IsInstallationToken(providerToken string) bool {
	return strings.HasPrefix(providerToken, InstallationTokenPrefix)
}

func newState() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return id.String(), nil
}

// CreateLogin stores a pending login and returns the GitHub authorize URL.
// A taken state fails with an error wrapping storage.ErrLoginExists.
func (c *Controller) CreateLogin(ctx context.Context, req CreateLoginRequest) (_ *CreateLoginResponse, err error) {
	ctx, span, inst := c.startSpan(ctx, "create")
	defer func() { instrumentation.EndSpan(span, err) }()
	instrumentation.AddLoginAttributes(span, req.ClientID, req.Login)
	instrumentation.AddInstallationAttributes(span, req.AppID, req.InstallationID)

	if req.ClientID == "" {
		return nil, autherr.BadRequest("clientId is required")
	}

	installation := req.AppID != "" && req.InstallationID != ""
	if c.limiter != nil && !installation && !c.limiter.Allow(req.ClientID) {
		c.auditor.LogRateLimitExceeded(req.ClientID)
		if inst != nil {
			inst.Metrics().RecordRateLimitExceeded(ctx, "login")
		}
		return nil, autherr.TooManyRequests("Too many login requests")
	}

	state := req.State
	if state == "" {
		if state, err = newState(); err != nil {
			return nil, autherr.Internal("Unable to create login", err)
		}
	}
	scope := NormalizeScope(req.Scope)
	expires := c.now().Add(c.loginTTL)

	record := &storage.Login{
		State:            state,
		ClientID:         req.ClientID,
		Scope:            scope,
		OAuthRedirectURI: c.provider.AuthorizationURL(req.ClientID, scope, state, c.callbackURL),
		RedirectURI:      req.RedirectURI,
		Remember:         req.Remember,
		Login:            req.Login,
		AppID:            req.AppID,
		InstallationID:   req.InstallationID,
		ExpiresAt:        expires,
	}

	if err := c.store.CreateLogin(ctx, record); err != nil {
		if errors.Is(err, storage.ErrLoginExists) {
			return nil, autherr.New(autherr.KindBadRequest, "Login request already exists", err)
		}
		return nil, autherr.Upstream("Unable to store login request", err)
	}

	c.logger.Info("Created GitHub login", "client_id", req.ClientID, "installation", installation)
	c.auditor.LogLoginCreated(req.ClientID, installation)
	if inst != nil {
		inst.Metrics().RecordLoginCreated(ctx, req.ClientID)
	}

	return &CreateLoginResponse{
		ClientID:         record.ClientID,
		State:            record.State,
		OAuthRedirectURI: record.OAuthRedirectURI,
		ExpiresAt:        record.ExpiresAt,
	}, nil
}

// Login completes a pending login with the code GitHub returned and issues
// a session for the verified identity.
func (c *Controller) Login(ctx context.Context, req LoginRequest, issuer string) (_ *JWTResponse, err error) {
	ctx, span, inst := c.startSpan(ctx, "login")
	defer func() { instrumentation.EndSpan(span, err) }()

	if req.Code == "" || req.State == "" {
		return nil, autherr.BadRequest("code and state are required")
	}

	pending, attempts, err := c.lookup(ctx, req.State)
	instrumentation.SetSpanAttributes(span, attribute.Int(instrumentation.AttrLookupAttempts, attempts))
	clientID := ""
	if pending != nil {
		clientID = pending.ClientID
	}
	defer func() {
		if inst != nil {
			inst.Metrics().RecordLoginCompleted(ctx, clientID, attempts, err)
		}
	}()
	if err != nil {
		return nil, err
	}
	instrumentation.AddLoginAttributes(span, clientID, "")

	if pending.Expired(c.now()) {
		return nil, autherr.BadRequest("Expired login request")
	}

	clientSecret, err := c.secrets.Get(ctx, providers.SecretStoreID, providers.ClientSecretKey(clientID))
	if err != nil {
		return nil, autherr.Upstream("Unable to load client credentials", err)
	}

	oauthToken, err := c.provider.ExchangeCode(ctx, clientID, clientSecret, req.Code)
	if err != nil {
		c.auditor.LogAuthFailure(clientID, "code exchange failed")
		return nil, autherr.Upstream("Unable to exchange code", err)
	}
	providerToken := oauthToken.AccessToken

	identity, err := c.provider.AuthenticatedIdentity(ctx, providerToken)
	if err != nil {
		return nil, classifyProviderError("Unable to fetch GitHub user", err)
	}
	c.logger.Info("Authenticated GitHub user", "login", identity.Login, "client_id", clientID)

	if pending.Login != "" && pending.Login != identity.Login {
		c.auditor.LogLoginRejected(identity.Login, clientID, "not the initiator")
		return nil, autherr.Forbidden(fmt.Sprintf("%s is not the initiator of the login request", identity.Login))
	}

	email, err := c.verifiedEmail(ctx, providerToken, identity.Login)
	if err != nil {
		return nil, err
	}

	completed, err := c.complete(ctx, storage.Login{
		ClientID:         clientID,
		Scope:            pending.Scope,
		OAuthRedirectURI: pending.OAuthRedirectURI,
		RedirectURI:      pending.RedirectURI,
		Remember:         req.Remember,
		Login:            identity.Login,
		Email:            email,
		AppID:            pending.AppID,
		InstallationID:   pending.InstallationID,
	}, providerToken)
	if err != nil {
		return nil, err
	}

	jwt, err := c.issue(ctx, inst, completed, issuer, req.Remember)
	if err != nil {
		return nil, err
	}
	c.auditor.LogLoginCompleted(identity.Login, clientID, req.Remember)

	user := &User{
		Login:       identity.Login,
		Name:        identity.Name,
		Email:       email,
		AvatarURL:   identity.AvatarURL,
		Token:       providerToken,
		Remember:    req.Remember,
		RedirectURI: completed.RedirectURI,
	}
	c.enrich(ctx, user, completed.InstallationID)

	return &JWTResponse{JWT: jwt, User: user}, nil
}

// lookup finds the pending login for state, retrying while the state index
// catches up with recent writes. It returns the number of attempts made.
func (c *Controller) lookup(ctx context.Context, state string) (*storage.Login, int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.lookupInterval
	b.Reset()

	attempts := 0
	login, err := backoff.Retry(ctx, func() (*storage.Login, error) {
		attempts++
		logins, err := c.store.FindLoginsByState(ctx, state)
		if err != nil {
			return nil, err
		}
		if len(logins) == 0 {
			return nil, errStateNotVisible
		}
		return logins[0], nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.lookupAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("Login lookup failed, retrying", "attempt", attempts, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		if errors.Is(err, errStateNotVisible) {
			c.logger.Warn("Unknown login state", "attempts", attempts)
			return nil, attempts, autherr.New(autherr.KindNotFound,
				fmt.Sprintf("Invalid state: %s [attempts: %d]", state, attempts), err)
		}
		return nil, attempts, autherr.Upstream("Unable to look up login request", err)
	}
	return login, attempts, nil
}

// verifiedEmail returns the primary verified email of the token owner.
func (c *Controller) verifiedEmail(ctx context.Context, providerToken, login string) (string, error) {
	emails, err := c.provider.ListEmails(ctx, providerToken)
	if err != nil {
		return "", classifyProviderError("Unable to list GitHub emails", err)
	}
	email, err := providers.PrimaryVerifiedEmail(emails)
	if err != nil {
		c.logger.Warn("No verified email address", "login", login)
		return "", autherr.New(autherr.KindBadRequest, "A verified GitHub email address is required", err)
	}
	return email, nil
}

// complete stores record as a completed login under a new state, with the
// provider token encrypted.
func (c *Controller) complete(ctx context.Context, record storage.Login, providerToken string) (*storage.Login, error) {
	encrypted, err := c.encryptor.Encrypt(ctx, providerToken)
	if err != nil {
		return nil, autherr.Internal("Unable to protect token", err)
	}

	state, err := newState()
	if err != nil {
		return nil, autherr.Internal("Unable to complete login", err)
	}

	record.State = state
	record.EncryptedToken = encrypted

	if err := c.store.CreateLogin(ctx, &record); err != nil {
		return nil, autherr.Upstream("Unable to store login", err)
	}
	return &record, nil
}

func (c *Controller) issue(ctx context.Context, inst *instrumentation.Instrumentation, record *storage.Login, issuer string, remember bool) (*token.JWT, error) {
	jwt, err := c.tokens.CreateJWT(ctx, token.Principal{Subject: record.State, ClientID: record.ClientID}, issuer, remember)
	if err != nil {
		return nil, autherr.Internal("Unable to issue token", err)
	}
	if inst != nil {
		inst.Metrics().RecordJWTIssued(ctx, record.ClientID, remember)
	}
	c.logger.Info("Issued JWT", "login", record.Login, "client_id", record.ClientID, "remember", remember)
	return jwt, nil
}

// ExchangeToken issues a session for an existing GitHub token. An
// installation token must grant access to exactly one repository, which
// becomes the identity; any other token must belong to a user with a
// verified email.
func (c *Controller) ExchangeToken(ctx context.Context, req ExchangeRequest, issuer string) (_ *JWTResponse, err error) {
	ctx, span, inst := c.startSpan(ctx, "exchange")
	defer func() { instrumentation.EndSpan(span, err) }()

	if req.Token == "" {
		return nil, autherr.BadRequest("token is required")
	}

	kind := TokenKindPersonal
	if IsInstallationToken(req.Token) {
		kind = TokenKindInstallation
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenKind, kind))
	defer func() {
		if inst != nil {
			inst.Metrics().RecordTokenExchanged(ctx, kind, err)
		}
	}()

	c.logger.Info("Exchanging token", "token", util.TokenPrefix(req.Token), "kind", kind)

	var user *User
	if kind == TokenKindInstallation {
		user, err = c.repositoryUser(ctx, req.Token)
	} else {
		user, err = c.personalUser(ctx, req.Token)
	}
	if err != nil {
		return nil, err
	}
	user.Remember = req.Remember

	// The record only backs GetUser for the session, so it lives as long
	// as the refresh token
	completed, err := c.complete(ctx, storage.Login{
		ClientID:  DefaultClientID,
		Remember:  req.Remember,
		Login:     user.Login,
		Email:     user.Email,
		ExpiresAt: c.now().Add(token.RefreshTokenLifetime),
		Exchanged: true,
	}, req.Token)
	if err != nil {
		return nil, err
	}

	jwt, err := c.issue(ctx, inst, completed, issuer, req.Remember)
	if err != nil {
		return nil, err
	}
	c.auditor.LogTokenExchanged(user.Login, kind)

	c.enrich(ctx, user, "")
	return &JWTResponse{JWT: jwt, User: user}, nil
}

// repositoryUser resolves an installation token to the one repository it
// can access.
func (c *Controller) repositoryUser(ctx context.Context, providerToken string) (*User, error) {
	repos, err := c.provider.ListInstallationRepositories(ctx, providerToken)
	if err != nil {
		c.logger.Warn("Unable to authenticate installation token", "error", err)
		return nil, autherr.New(autherr.KindUnauthorized, "Unauthorized", err)
	}
	if len(repos) != 1 {
		c.logger.Warn("Installation token does not grant access to exactly one repository", "repositories", len(repos))
		return nil, autherr.Unauthorized("Unauthorized")
	}

	repo := repos[0]
	return &User{
		Login: repo.FullName,
		Name:  repo.Name,
		Email: repo.NoReplyEmail(),
		Token: providerToken,
	}, nil
}

// personalUser resolves a user token to its owner.
func (c *Controller) personalUser(ctx context.Context, providerToken string) (*User, error) {
	identity, err := c.provider.AuthenticatedIdentity(ctx, providerToken)
	if err != nil {
		return nil, classifyProviderError("Unable to fetch GitHub user", err)
	}

	email, err := c.verifiedEmail(ctx, providerToken, identity.Login)
	if err != nil {
		return nil, err
	}

	return &User{
		Login:     identity.Login,
		Name:      identity.DisplayName(),
		Email:     email,
		AvatarURL: identity.AvatarURL,
		Token:     providerToken,
	}, nil
}

// GetUser returns the live identity behind an access token. The token only
// points at a completed login record; the identity is fetched from GitHub
// with the record's decrypted token.
func (c *Controller) GetUser(ctx context.Context, accessToken, issuer string) (_ *User, err error) {
	ctx, span, _ := c.startSpan(ctx, "get_user")
	defer func() { instrumentation.EndSpan(span, err) }()

	payload, ok := c.tokens.VerifyJWT(ctx, accessToken, issuer)
	if !ok || payload.Scope != token.ScopeIdentity {
		c.auditor.LogAuthFailure("", "invalid access token")
		return nil, autherr.Unauthorized("Unauthorized")
	}

	_, clientID, err := token.ParseAudience(payload.Audience)
	if err != nil {
		return nil, autherr.New(autherr.KindUnauthorized, "Unauthorized", err)
	}
	instrumentation.AddLoginAttributes(span, clientID, "")

	record, err := c.store.GetLogin(ctx, storage.Key{State: payload.Subject, ClientID: clientID})
	if err != nil {
		if errors.Is(err, storage.ErrLoginNotFound) {
			c.logger.Warn("Unable to find existing login", "client_id", clientID)
			return nil, autherr.New(autherr.KindNotFound, "Not Found", err)
		}
		return nil, autherr.Upstream("Unable to load login", err)
	}

	if record.EncryptedToken == "" || record.Email == "" {
		c.logger.Warn("Login is missing email or token", "client_id", clientID)
		return nil, autherr.Internal("Missing email or token from GitHub login", nil)
	}

	providerToken, err := c.encryptor.Decrypt(ctx, record.EncryptedToken)
	if err != nil {
		return nil, autherr.Internal("Unable to read login token", err)
	}

	var user *User
	if IsInstallationToken(providerToken) {
		user, err = c.repositoryUser(ctx, providerToken)
		if err != nil {
			return nil, err
		}
	} else {
		identity, err := c.provider.AuthenticatedIdentity(ctx, providerToken)
		if err != nil {
			return nil, classifyProviderError("Unable to fetch GitHub user", err)
		}
		user = &User{
			Login:     identity.Login,
			Name:      identity.Name,
			AvatarURL: identity.AvatarURL,
			Token:     providerToken,
		}
	}
	user.Email = record.Email
	user.Remember = record.Remember

	c.enrich(ctx, user, record.InstallationID)
	return user, nil
}

// Refresh issues a new session from an access token, which may have expired,
// and a valid refresh token of the same session.
func (c *Controller) Refresh(ctx context.Context, accessToken, refreshToken, issuer string, remember bool) (_ *token.JWT, err error) {
	ctx, span, _ := c.startSpan(ctx, "refresh")
	defer func() { instrumentation.EndSpan(span, err) }()

	jwt, err := c.tokens.Refresh(ctx, accessToken, refreshToken, issuer, remember)
	if err != nil {
		c.auditor.LogAuthFailure("", "refresh rejected")
		return nil, err
	}

	if payload, ok := c.tokens.VerifyJWT(ctx, jwt.AccessToken, issuer); ok {
		_, clientID, _ := token.ParseAudience(payload.Audience)
		c.auditor.LogTokenRefreshed(payload.Subject, clientID)
	}
	return jwt, nil
}

// enrich attaches the app installations visible to the user, with the
// installation the login belongs to first. Failures are logged and leave
// the user without installations.
func (c *Controller) enrich(ctx context.Context, user *User, installationID string) {
	installs, err := c.provider.ListInstallationsForUser(ctx, user.Token)
	if err != nil {
		c.logger.Warn("Unable to list installations", "login", user.Login, "error", err)
		return
	}

	ordered := make([]providers.Installation, 0, len(installs))
	for _, in := range installs {
		if in.Target == "" {
			continue
		}
		if installationID != "" && in.InstallationID == installationID {
			ordered = append([]providers.Installation{in}, ordered...)
			continue
		}
		ordered = append(ordered, in)
	}
	user.Installations = ordered
}

// OAuthDetail returns the client id a login page should use, and the app's
// install URL when appID names a GitHub App.
func (c *Controller) OAuthDetail(ctx context.Context, appID string) (*OAuthDetail, error) {
	if appID == "" {
		return &OAuthDetail{ClientID: c.clientID}, nil
	}
	if c.apps == nil {
		return nil, autherr.NotFound("Unknown appId: " + appID)
	}

	app, err := c.apps.App(ctx, appID)
	if err != nil {
		return nil, autherr.New(autherr.KindNotFound, err.Error(), err)
	}
	return &OAuthDetail{ClientID: app.ClientID, InstallURL: app.InstallURL}, nil
}

func classifyProviderError(message string, err error) error {
	if providers.IsUnauthorized(err) {
		return autherr.New(autherr.KindUnauthorized, "Unauthorized", err)
	}
	return autherr.Upstream(message, err)
}
