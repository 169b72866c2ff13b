// Package token issues and verifies the ES256 session tokens and packages
// them as cookies.
//
// An access token is signed with the current key pair and a refresh token with
// the next pair. Verification accepts either pair, so refresh tokens outlive a
// rotation without a grace-period key list.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/github-auth/autherr"
	"github.com/giantswarm/github-auth/keys"
)

// Scope distinguishes access from refresh tokens.
type Scope string

const (
	ScopeIdentity Scope = "auth:identity"
	ScopeRefresh  Scope = "auth:refresh"
)

const (
	// AccessTokenLifetime is the lifetime of auth:identity tokens
	AccessTokenLifetime = time.Hour

	// RefreshTokenLifetime is the lifetime of auth:refresh tokens
	RefreshTokenLifetime = 365 * 24 * time.Hour

	// CookiePrefix is prepended to the URL-escaped scope to name a cookie
	CookiePrefix = "__Secure-"

	// AudiencePrefix starts every audience: urn:ghauth:<issuer host>:<client id>
	AudiencePrefix = "urn:ghauth:"
)

// Payload is the verified content of a token.
type Payload struct {
	Audience  string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Issuer    string
	TokenID   string
	Scope     Scope
}

// Principal identifies who a token pair is issued to. Subject is the state of
// the completed login record.
type Principal struct {
	Subject  string
	ClientID string
}

// Token is a signed token and its cookie.
type Token struct {
	Value  string
	Cookie *http.Cookie
}

// JWT is an access/refresh token pair issued for one session.
type JWT struct {
	AccessToken   string
	AccessCookie  *http.Cookie
	RefreshToken  string
	RefreshCookie *http.Cookie
	ExpiresAt     time.Time
}

type claims struct {
	Scope Scope `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// KeySource provides the two live key pairs.
type KeySource interface {
	GetOrCreateKeys(ctx context.Context, issuer string) ([2]keys.KeyPair, error)
}

// Config configures a Service.
type Config struct {
	// Keys provides the signing key pairs (required)
	Keys KeySource

	// Clock returns the current time (default: time.Now)
	Clock func() time.Time

	// Logger is the structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Service signs and verifies tokens.
type Service struct {
	keys   KeySource
	now    func() time.Time
	logger *slog.Logger
}

// New creates a token service.
func New(cfg Config) (*Service, error) {
	if cfg.Keys == nil {
		return nil, fmt.Errorf("key source is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{keys: cfg.Keys, now: cfg.Clock, logger: cfg.Logger}, nil
}

// CreateToken signs payload with the key pair of role. With remember the
// cookie persists until the token expires, otherwise it is an immediately
// expiring cookie.
func (s *Service) CreateToken(ctx context.Context, payload Payload, role keys.Role, remember bool) (*Token, error) {
	if !payload.ExpiresAt.After(payload.IssuedAt) {
		return nil, fmt.Errorf("token must expire after it is issued")
	}

	pairs, err := s.keys.GetOrCreateKeys(ctx, payload.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}

	var pair keys.KeyPair
	switch role {
	case keys.RoleCurrent:
		pair = pairs[0]
	case keys.RoleNext:
		pair = pairs[1]
	default:
		return nil, fmt.Errorf("unknown key role %q", role)
	}

	signer, err := pair.Signer()
	if err != nil {
		return nil, err
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims{
		Scope: payload.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    payload.Issuer,
			Subject:   payload.Subject,
			Audience:  jwt.ClaimStrings{payload.Audience},
			IssuedAt:  jwt.NewNumericDate(payload.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(payload.ExpiresAt),
			ID:        payload.TokenID,
		},
	})
	tok.Header["kid"] = pair.KeyID()

	signed, err := tok.SignedString(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	host, err := IssuerHost(payload.Issuer)
	if err != nil {
		return nil, err
	}

	cookie := newCookie(payload.Scope, host, signed)
	if remember {
		cookie.MaxAge = int(payload.ExpiresAt.Sub(payload.IssuedAt).Seconds())
	} else {
		cookie.MaxAge = -1
	}

	return &Token{Value: signed, Cookie: cookie}, nil
}

// CreateJWT issues an access token signed with the current key and a refresh
// token signed with the next key, each with its own token id.
func (s *Service) CreateJWT(ctx context.Context, principal Principal, issuer string, remember bool) (*JWT, error) {
	host, err := IssuerHost(issuer)
	if err != nil {
		return nil, err
	}

	now := s.now().Truncate(time.Second)
	audience := Audience(host, principal.ClientID)

	access, err := s.CreateToken(ctx, Payload{
		Audience:  audience,
		Subject:   principal.Subject,
		IssuedAt:  now,
		ExpiresAt: now.Add(AccessTokenLifetime),
		Issuer:    issuer,
		TokenID:   uuid.NewString(),
		Scope:     ScopeIdentity,
	}, keys.RoleCurrent, remember)
	if err != nil {
		return nil, err
	}

	refresh, err := s.CreateToken(ctx, Payload{
		Audience:  audience,
		Subject:   principal.Subject,
		IssuedAt:  now,
		ExpiresAt: now.Add(RefreshTokenLifetime),
		Issuer:    issuer,
		TokenID:   uuid.NewString(),
		Scope:     ScopeRefresh,
	}, keys.RoleNext, remember)
	if err != nil {
		return nil, err
	}

	return &JWT{
		AccessToken:   access.Value,
		AccessCookie:  access.Cookie,
		RefreshToken:  refresh.Value,
		RefreshCookie: refresh.Cookie,
		ExpiresAt:     now.Add(AccessTokenLifetime),
	}, nil
}

type verifyOptions struct {
	ignoreExpiry bool
}

// VerifyOption adjusts VerifyJWT.
type VerifyOption func(*verifyOptions)

// IgnoreExpiry accepts expired tokens. Only refresh evaluation uses it.
func IgnoreExpiry() VerifyOption {
	return func(o *verifyOptions) { o.ignoreExpiry = true }
}

// VerifyJWT returns the payload of a valid token. Malformed, expired and
// badly signed tokens all yield (nil, false).
func (s *Service) VerifyJWT(ctx context.Context, raw, issuer string, opts ...VerifyOption) (*Payload, bool) {
	var o verifyOptions
	for _, opt := range opts {
		opt(&o)
	}

	if raw == "" {
		return nil, false
	}

	host, err := IssuerHost(issuer)
	if err != nil {
		return nil, false
	}

	pairs, err := s.keys.GetOrCreateKeys(ctx, issuer)
	if err != nil {
		s.logger.Warn("Failed to load verification keys", "error", err)
		return nil, false
	}

	given := make(map[string]keyfunc.GivenKey, len(pairs))
	for _, pair := range pairs {
		pub, err := pair.Verifier()
		if err != nil {
			s.logger.Warn("Skipping unusable verification key", "kid", pair.KeyID(), "error", err)
			continue
		}
		given[pair.KeyID()] = keyfunc.NewGivenCustom(pub, keyfunc.GivenKeyOptions{Algorithm: keys.Algorithm})
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{keys.Algorithm}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if o.ignoreExpiry {
		parserOpts = append(parserOpts, jwt.WithoutClaimsValidation())
	}

	var c claims
	if _, err := jwt.ParseWithClaims(raw, &c, keyfunc.NewGiven(given).Keyfunc, parserOpts...); err != nil {
		s.logger.Debug("Token verification failed", "error", err)
		return nil, false
	}

	if c.Issuer != issuer || c.Subject == "" || c.ExpiresAt == nil || c.IssuedAt == nil {
		return nil, false
	}
	if !c.ExpiresAt.After(c.IssuedAt.Time) {
		return nil, false
	}
	if len(c.Audience) != 1 || !strings.HasPrefix(c.Audience[0], Audience(host, "")) {
		return nil, false
	}

	return &Payload{
		Audience:  c.Audience[0],
		Subject:   c.Subject,
		IssuedAt:  c.IssuedAt.Time,
		ExpiresAt: c.ExpiresAt.Time,
		Issuer:    c.Issuer,
		TokenID:   c.ID,
		Scope:     c.Scope,
	}, true
}

// Refresh issues a new token pair from a valid refresh token. The access
// token only has to belong to the same session: it is verified when its key
// is still live and read unverified after a rotation dropped that key.
func (s *Service) Refresh(ctx context.Context, accessToken, refreshToken, issuer string, remember bool) (*JWT, error) {
	refresh, ok := s.VerifyJWT(ctx, refreshToken, issuer)
	if !ok || refresh.Scope != ScopeRefresh {
		return nil, autherr.Unauthorized("invalid refresh token")
	}

	access, ok := s.VerifyJWT(ctx, accessToken, issuer, IgnoreExpiry())
	if !ok {
		access, ok = readUnverified(accessToken)
	}
	if !ok || access.Scope != ScopeIdentity || access.Issuer != issuer {
		return nil, autherr.Unauthorized("invalid access token")
	}

	if access.Subject != refresh.Subject || access.Audience != refresh.Audience {
		return nil, autherr.Unauthorized("tokens belong to different sessions")
	}

	_, clientID, err := ParseAudience(refresh.Audience)
	if err != nil {
		return nil, autherr.New(autherr.KindUnauthorized, "invalid audience", err)
	}

	return s.CreateJWT(ctx, Principal{Subject: refresh.Subject, ClientID: clientID}, issuer, remember)
}

// readUnverified decodes the claims of a token without checking its
// signature. The result must only be compared against verified claims.
func readUnverified(raw string) (*Payload, bool) {
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &c); err != nil {
		return nil, false
	}
	if c.Subject == "" || len(c.Audience) != 1 {
		return nil, false
	}
	return &Payload{
		Audience: c.Audience[0],
		Subject:  c.Subject,
		Issuer:   c.Issuer,
		TokenID:  c.ID,
		Scope:    c.Scope,
	}, true
}

// LogoutCookies returns expired cookies for both scopes.
func (s *Service) LogoutCookies(issuer string) ([]*http.Cookie, error) {
	host, err := IssuerHost(issuer)
	if err != nil {
		return nil, err
	}

	cookies := make([]*http.Cookie, 0, 2)
	for _, scope := range []Scope{ScopeIdentity, ScopeRefresh} {
		c := newCookie(scope, host, "")
		c.MaxAge = -1
		cookies = append(cookies, c)
	}
	return cookies, nil
}

// CookieName returns the cookie name for scope.
func CookieName(scope Scope) string {
	return CookiePrefix + url.QueryEscape(string(scope))
}

func newCookie(scope Scope, host, value string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName(scope),
		Value:    value,
		Domain:   host,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
}

// Audience builds the audience for a client of the issuer host.
func Audience(issuerHost, clientID string) string {
	return AudiencePrefix + issuerHost + ":" + clientID
}

// ParseAudience splits an audience into issuer host and client id.
func ParseAudience(aud string) (string, string, error) {
	rest, ok := strings.CutPrefix(aud, AudiencePrefix)
	if !ok {
		return "", "", fmt.Errorf("audience %q has no %s prefix", aud, AudiencePrefix)
	}

	// Hosts may carry a port, client ids never contain a colon
	i := strings.LastIndex(rest, ":")
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("malformed audience %q", aud)
	}
	return rest[:i], rest[i+1:], nil
}

// IssuerHost returns the hostname cookies are scoped to.
func IssuerHost(issuer string) (string, error) {
	if issuer == "" {
		return "", errors.New("issuer is required")
	}
	if !strings.Contains(issuer, "://") {
		return issuer, nil
	}

	u, err := url.Parse(issuer)
	if err != nil {
		return "", fmt.Errorf("invalid issuer %q: %w", issuer, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("issuer %q has no host", issuer)
	}
	return u.Hostname(), nil
}
