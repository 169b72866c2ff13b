package login_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/giantswarm/github-auth/autherr"
	"github.com/giantswarm/github-auth/internal/testutil"
	"github.com/giantswarm/github-auth/keys"
	"github.com/giantswarm/github-auth/login"
	"github.com/giantswarm/github-auth/providers"
	"github.com/giantswarm/github-auth/providers/mock"
	"github.com/giantswarm/github-auth/secrets"
	secretsmemory "github.com/giantswarm/github-auth/secrets/memory"
	"github.com/giantswarm/github-auth/security"
	"github.com/giantswarm/github-auth/storage"
	"github.com/giantswarm/github-auth/storage/memory"
	"github.com/giantswarm/github-auth/token"
)

const (
	testIssuer   = "https://auth.example.com"
	testCallback = "https://auth.example.com/github/callback"
	testClientID = "abc"
	testSecret   = "client-secret"
)

// countingStore counts state lookups
type countingStore struct {
	storage.LoginStore
	finds atomic.Int32
}

func (s *countingStore) FindLoginsByState(ctx context.Context, state string) ([]*storage.Login, error) {
	s.finds.Add(1)
	return s.LoginStore.FindLoginsByState(ctx, state)
}

type fixture struct {
	ctrl      *login.Controller
	store     *countingStore
	provider  *mock.Client
	tokens    *token.Service
	encryptor *security.Encryptor
	clock     *testutil.MockTime
}

func newFixture(t *testing.T, configure ...func(*login.Config)) *fixture {
	t.Helper()

	mem := memory.New()
	t.Cleanup(mem.Stop)

	secretStore := secretsmemory.New()
	secretStore.Seed(providers.SecretStoreID, map[string]string{
		providers.ClientSecretKey(testClientID): testSecret,
	})
	cache, err := secrets.NewCache(secretStore, secrets.CacheConfig{RetryInterval: time.Millisecond})
	require.NoError(t, err)

	manager, err := keys.NewManager(cache, nil)
	require.NoError(t, err)
	tokens, err := token.New(token.Config{Keys: manager})
	require.NoError(t, err)

	key, err := security.GenerateKey()
	require.NoError(t, err)
	encryptor, err := security.NewEncryptor(key)
	require.NoError(t, err)

	f := &fixture{
		store:     &countingStore{LoginStore: mem},
		provider:  mock.NewClient(),
		tokens:    tokens,
		encryptor: encryptor,
		clock:     testutil.NewMockTime(time.Now()),
	}

	cfg := login.Config{
		Store:          f.store,
		Provider:       f.provider,
		Secrets:        cache,
		Tokens:         tokens,
		Encryptor:      encryptor,
		CallbackURL:    testCallback,
		ClientID:       "default-client",
		LookupInterval: time.Millisecond,
		Clock:          f.clock.Now,
	}
	for _, fn := range configure {
		fn(&cfg)
	}

	f.ctrl, err = login.New(cfg)
	require.NoError(t, err)
	return f
}

func TestNew(t *testing.T) {
	f := newFixture(t)
	store := memory.New()
	t.Cleanup(store.Stop)

	valid := func() login.Config {
		return login.Config{
			Store:       store,
			Provider:    mock.NewClient(),
			Secrets:     stubSecrets{},
			Tokens:      f.tokens,
			Encryptor:   f.encryptor,
			CallbackURL: testCallback,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*login.Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*login.Config) {}, wantErr: false},
		{name: "missing store", mutate: func(c *login.Config) { c.Store = nil }, wantErr: true},
		{name: "missing provider", mutate: func(c *login.Config) { c.Provider = nil }, wantErr: true},
		{name: "missing secrets", mutate: func(c *login.Config) { c.Secrets = nil }, wantErr: true},
		{name: "missing tokens", mutate: func(c *login.Config) { c.Tokens = nil }, wantErr: true},
		{name: "missing encryptor", mutate: func(c *login.Config) { c.Encryptor = nil }, wantErr: true},
		{name: "missing callback", mutate: func(c *login.Config) { c.CallbackURL = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			_, err := login.New(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type stubSecrets struct{}

func (stubSecrets) Get(context.Context, string, string) (string, error) {
	return "", secrets.ErrSecretNotFound
}

func TestNormalizeScope(t *testing.T) {
	tests := []struct {
		scope string
		want  string
	}{
		{scope: "", want: "user:email"},
		{scope: "repo", want: "user:email repo"},
		{scope: "user:email repo", want: "user:email repo"},
		{scope: "read:org user:email", want: "read:org user:email"},
	}

	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			if got := login.NormalizeScope(tt.scope); got != tt.want {
				t.Errorf("NormalizeScope(%q) = %q, want %q", tt.scope, got, tt.want)
			}
		})
	}
}

func TestCreateLogin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp, err := f.ctrl.CreateLogin(ctx, login.CreateLoginRequest{
		ClientID:    testClientID,
		Scope:       "repo",
		RedirectURI: "https://app.example.com/",
	})
	require.NoError(t, err)

	assert.Equal(t, testClientID, resp.ClientID)
	assert.NotEmpty(t, resp.State)
	assert.Equal(t, f.clock.Now().Add(login.DefaultLoginTTL), resp.ExpiresAt)

	u, err := url.Parse(resp.OAuthRedirectURI)
	require.NoError(t, err)
	assert.Equal(t, "github.com", u.Host)
	assert.Equal(t, "/login/oauth/authorize", u.Path)
	q := u.Query()
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, "user:email repo", q.Get("scope"))
	assert.Equal(t, resp.State, q.Get("state"))
	assert.Equal(t, testCallback, q.Get("redirect_uri"))

	stored, err := f.store.GetLogin(ctx, storage.Key{State: resp.State, ClientID: testClientID})
	require.NoError(t, err)
	assert.False(t, stored.Completed())
	assert.Equal(t, "https://app.example.com/", stored.RedirectURI)
}

func TestCreateLogin_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.CreateLogin(context.Background(), login.CreateLoginRequest{})
	assert.True(t, autherr.Is(err, autherr.KindBadRequest), "error = %v", err)
}

func TestCreateLogin_DuplicateState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := login.CreateLoginRequest{ClientID: testClientID, State: "fixed-state", RedirectURI: "https://first.example.com/"}
	_, err := f.ctrl.CreateLogin(ctx, req)
	require.NoError(t, err)

	req.RedirectURI = "https://second.example.com/"
	_, err = f.ctrl.CreateLogin(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrLoginExists)

	stored, err := f.store.GetLogin(ctx, storage.Key{State: "fixed-state", ClientID: testClientID})
	require.NoError(t, err)
	assert.Equal(t, "https://first.example.com/", stored.RedirectURI)
}

func TestCreateLogin_RateLimited(t *testing.T) {
	ctx := context.Background()
	limiter := security.NewRateLimiter(security.RateLimiterConfig{Rate: 0.001, Burst: 1})
	t.Cleanup(limiter.Stop)

	f := newFixture(t, func(c *login.Config) { c.RateLimiter = limiter })

	_, err := f.ctrl.CreateLogin(ctx, login.CreateLoginRequest{ClientID: testClientID})
	require.NoError(t, err)

	_, err = f.ctrl.CreateLogin(ctx, login.CreateLoginRequest{ClientID: testClientID})
	assert.True(t, autherr.Is(err, autherr.KindTooMany), "error = %v", err)

	// Other clients have their own bucket
	_, err = f.ctrl.CreateLogin(ctx, login.CreateLoginRequest{ClientID: "other"})
	assert.NoError(t, err)

	// Installation logins are not limited
	_, err = f.ctrl.CreateLogin(ctx, login.CreateLoginRequest{ClientID: testClientID, AppID: "1", InstallationID: "2"})
	assert.NoError(t, err)
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var gotSecret, gotCode string
	f.provider.ExchangeCodeFunc = func(_ context.Context, clientID, clientSecret, code string) (*oauth2.Token, error) {
		gotSecret, gotCode = clientSecret, code
		return &oauth2.Token{AccessToken: "gho_alice"}, nil
	}
	f.provider.AuthenticatedIdentityFunc = func(_ context.Context, tok string) (*providers.Identity, error) {
		return &providers.Identity{ID: 7, Login: "alice", Name: "Alice", AvatarURL: "https://avatars.example.com/7"}, nil
	}
	f.provider.ListEmailsFunc = func(_ context.Context, tok string) ([]providers.Email, error) {
		return []providers.Email{
			{Email: "old@x.com", Primary: false, Verified: true},
			{Email: "a@x.com", Primary: true, Verified: true},
		}, nil
	}

	created, err := f.ctrl.CreateLogin(ctx, login.CreateLoginRequest{ClientID: testClientID, RedirectURI: "https://app.example.com/"})
	require.NoError(t, err)

	resp, err := f.ctrl.Login(ctx, login.LoginRequest{Code: "c1", State: created.State, Remember: true}, testIssuer)
	require.NoError(t, err)

	assert.Equal(t, testSecret, gotSecret)
	assert.Equal(t, "c1", gotCode)
	assert.Equal(t, "alice", resp.User.Login)
	assert.Equal(t, "a@x.com", resp.User.Email)
	assert.Equal(t, "gho_alice", resp.User.Token)
	assert.Equal(t, "https://app.example.com/", resp.User.RedirectURI)
	assert.True(t, resp.User.Remember)

	payload, ok := f.tokens.VerifyJWT(ctx, resp.JWT.AccessToken, testIssuer)
	require.True(t, ok, "access token did not verify")
	assert.NotEqual(t, created.State, payload.Subject)

	completed, err := f.store.GetLogin(ctx, storage.Key{State: payload.Subject, ClientID: testClientID})
	require.NoError(t, err)
	assert.True(t, completed.Completed())
	assert.Equal(t, "alice", completed.Login)
	assert.Equal(t, "a@x.com", completed.Email)
	assert.True(t, completed.ExpiresAt.IsZero())
	assert.NotContains(t, completed.EncryptedToken, "gho_alice")

	plain, err := f.encryptor.Decrypt(ctx, completed.EncryptedToken)
	require.NoError(t, err)
	assert.Equal(t, "gho_alice", plain)

	// The pending record is left in place
	_, err = f.store.GetLogin(ctx, storage.Key{State: created.State, ClientID: testClientID})
	assert.NoError(t, err)
}

func TestLogin_UnknownState(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctrl.Login(context.Background(), login.LoginRequest{Code: "c1", State: "unknown"}, testIssuer)
	require.Error(t, err)
	assert.True(t, autherr.Is(err, autherr.KindNotFound), "error = %v", err)
	assert.Equal(t, int32(login.DefaultLookupAttempts), f.store.finds.Load())
	assert.Equal(t, 0, f.provider.GetCallCount("ExchangeCode"))
}

func TestLogin_StateBecomesVisible(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// The state index lags: the record shows up on the third lookup
	lagging := &laggingStore{LoginStore: f.store, hideFor: 2}
	ctrl, err := login.New(login.Config{
		Store:          lagging,
		Provider:       f.provider,
		Secrets:        secretsFor(t),
		Tokens:         f.tokens,
		Encryptor:      f.encryptor,
		CallbackURL:    testCallback,
		LookupInterval: time.Millisecond,
	})
	require.NoError(t, err)

	created, err := ctrl.CreateLogin(ctx, login.CreateLoginRequest{ClientID: testClientID})
	require.NoError(t, err)

	_, err = ctrl.Login(ctx, login.LoginRequest{Code: "c1", State: created.State}, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, int32(3), lagging.finds.Load())
}

type laggingStore struct {
	storage.LoginStore
	hideFor int32
	finds   atomic.Int32
}

func (s *laggingStore) FindLoginsByState(ctx context.Context, state string) ([]*storage.Login, error) {
	if s.finds.Add(1) <= s.hideFor {
		return nil, nil
	}
	return s.LoginStore.FindLoginsByState(ctx, state)
}

func secretsFor(t *testing.T) *secrets.Cache {
	t.Helper()
	store := secretsmemory.New()
	store.Seed(providers.SecretStoreID, map[string]string{providers.ClientSecretKey(testClientID): testSecret})
	cache, err := secrets.NewCache(store, secrets.CacheConfig{})
	require.NoError(t, err)
	return cache
}

func TestLogin_Failures(t *testing.T) {
	tests := []struct {
		name     string
		request  login.CreateLoginRequest
		setup    func(f *fixture)
		wantKind autherr.Kind
		wantMsg  string
	}{
		{
			name:     "expired",
			request:  login.CreateLoginRequest{ClientID: testClientID},
			setup:    func(f *fixture) { f.clock.Advance(login.DefaultLoginTTL + time.Minute) },
			wantKind: autherr.KindBadRequest,
			wantMsg:  "Expired login request",
		},
		{
			name:     "initiator mismatch",
			request:  login.CreateLoginRequest{ClientID: testClientID, Login: "bob"},
			setup:    func(f *fixture) {},
			wantKind: autherr.KindForbidden,
			wantMsg:  "octocat is not the initiator of the login request",
		},
		{
			name:    "no verified email",
			request: login.CreateLoginRequest{ClientID: testClientID},
			setup: func(f *fixture) {
				f.provider.ListEmailsFunc = func(context.Context, string) ([]providers.Email, error) {
					return []providers.Email{{Email: "a@x.com", Primary: true, Verified: false}}, nil
				}
			},
			wantKind: autherr.KindBadRequest,
			wantMsg:  "A verified GitHub email address is required",
		},
		{
			name:    "code exchange fails",
			request: login.CreateLoginRequest{ClientID: testClientID},
			setup: func(f *fixture) {
				f.provider.ExchangeCodeFunc = func(context.Context, string, string, string) (*oauth2.Token, error) {
					return nil, errors.New("bad_verification_code")
				}
			},
			wantKind: autherr.KindUpstream,
		},
		{
			name:     "unknown client secret",
			request:  login.CreateLoginRequest{ClientID: "unknown-client"},
			setup:    func(f *fixture) {},
			wantKind: autherr.KindUpstream,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)

			created, err := f.ctrl.CreateLogin(ctx, tt.request)
			require.NoError(t, err)
			tt.setup(f)

			_, err = f.ctrl.Login(ctx, login.LoginRequest{Code: "c1", State: created.State}, testIssuer)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, autherr.KindOf(err), "error = %v", err)
			if tt.wantMsg != "" {
				var ae *autherr.Error
				require.ErrorAs(t, err, &ae)
				assert.Equal(t, tt.wantMsg, ae.Message)
			}
		})
	}
}

func TestLogin_EnrichesInstallations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.provider.ListInstallationsForUserFunc = func(context.Context, string) ([]providers.Installation, error) {
		return []providers.Installation{
			{InstallationID: "1", AppID: "10", Target: "acme"},
			{InstallationID: "2", AppID: "10", Target: "octo-org", Suspended: true},
			{InstallationID: "3", AppID: "10", Target: ""},
		}, nil
	}

	created, err := f.ctrl.CreateLogin(ctx, login.CreateLoginRequest{ClientID: testClientID, AppID: "10", InstallationID: "2"})
	require.NoError(t, err)

	resp, err := f.ctrl.Login(ctx, login.LoginRequest{Code: "c1", State: created.State}, testIssuer)
	require.NoError(t, err)

	require.Len(t, resp.User.Installations, 2)
	assert.Equal(t, "2", resp.User.Installations[0].InstallationID)
	assert.True(t, resp.User.Installations[0].Suspended)
	assert.Equal(t, "1", resp.User.Installations[1].InstallationID)
}

func TestLogin_EnrichFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.provider.ListInstallationsForUserFunc = func(context.Context, string) ([]providers.Installation, error) {
		return nil, &providers.APIError{Operation: "list_installations", StatusCode: 500}
	}

	created, err := f.ctrl.CreateLogin(ctx, login.CreateLoginRequest{ClientID: testClientID})
	require.NoError(t, err)

	resp, err := f.ctrl.Login(ctx, login.LoginRequest{Code: "c1", State: created.State}, testIssuer)
	require.NoError(t, err)
	assert.Empty(t, resp.User.Installations)
}

func TestExchangeToken(t *testing.T) {
	tests := []struct {
		name      string
		token     string
		repos     []providers.Repository
		wantErr   autherr.Kind
		wantLogin string
		wantEmail string
		wantName  string
	}{
		{
			name:      "installation token with one repository",
			token:     "ghs_installation",
			repos:     []providers.Repository{{Owner: "acme", Name: "widgets", FullName: "acme/widgets"}},
			wantLogin: "acme/widgets",
			wantEmail: "acme+widgets@noreply.github.com",
			wantName:  "widgets",
		},
		{
			name:  "installation token with two repositories",
			token: "ghs_installation",
			repos: []providers.Repository{
				{Owner: "acme", Name: "widgets", FullName: "acme/widgets"},
				{Owner: "acme", Name: "gadgets", FullName: "acme/gadgets"},
			},
			wantErr: autherr.KindUnauthorized,
		},
		{
			name:    "installation token without repositories",
			token:   "ghs_installation",
			repos:   nil,
			wantErr: autherr.KindUnauthorized,
		},
		{
			name:      "personal token",
			token:     "gho_personal",
			wantLogin: "octocat",
			wantEmail: "octocat@example.com",
			wantName:  "The Octocat",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			f.provider.ListInstallationRepositoriesFunc = func(context.Context, string) ([]providers.Repository, error) {
				return tt.repos, nil
			}

			resp, err := f.ctrl.ExchangeToken(ctx, login.ExchangeRequest{Token: tt.token, Remember: true}, testIssuer)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, autherr.KindOf(err), "error = %v", err)
				return
			}
			require.NoError(t, err)

			assert.Equal(t, tt.wantLogin, resp.User.Login)
			assert.Equal(t, tt.wantEmail, resp.User.Email)
			assert.Equal(t, tt.wantName, resp.User.Name)
			assert.Equal(t, tt.token, resp.User.Token)

			payload, ok := f.tokens.VerifyJWT(ctx, resp.JWT.AccessToken, testIssuer)
			require.True(t, ok)
			_, clientID, err := token.ParseAudience(payload.Audience)
			require.NoError(t, err)
			assert.Equal(t, login.DefaultClientID, clientID)

			stored, err := f.store.GetLogin(ctx, storage.Key{State: payload.Subject, ClientID: login.DefaultClientID})
			require.NoError(t, err)
			assert.Equal(t, tt.wantLogin, stored.Login)
			assert.True(t, stored.Completed())
			assert.True(t, stored.Exchanged)
			assert.Equal(t, f.clock.Now().Add(token.RefreshTokenLifetime), stored.ExpiresAt)
		})
	}
}

func TestExchangeToken_PersonalNameFallsBackToLogin(t *testing.T) {
	f := newFixture(t)
	f.provider.AuthenticatedIdentityFunc = func(context.Context, string) (*providers.Identity, error) {
		return &providers.Identity{ID: 1, Login: "octocat"}, nil
	}

	resp, err := f.ctrl.ExchangeToken(context.Background(), login.ExchangeRequest{Token: "gho_personal"}, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, "octocat", resp.User.Name)
}

func TestGetUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.ctrl.CreateLogin(ctx, login.CreateLoginRequest{ClientID: testClientID})
	require.NoError(t, err)
	resp, err := f.ctrl.Login(ctx, login.LoginRequest{Code: "c1", State: created.State, Remember: true}, testIssuer)
	require.NoError(t, err)

	user, err := f.ctrl.GetUser(ctx, resp.JWT.AccessToken, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, resp.User.Login, user.Login)
	assert.Equal(t, "octocat@example.com", user.Email)
	assert.Equal(t, "gho_mock-access-token", user.Token)
	assert.True(t, user.Remember)
}

func TestGetUser_Failures(t *testing.T) {
	tests := []struct {
		name     string
		token    func(resp *login.JWTResponse) string
		setup    func(t *testing.T, f *fixture, key storage.Key)
		wantKind autherr.Kind
	}{
		{
			name:     "garbage token",
			token:    func(*login.JWTResponse) string { return "not-a-jwt" },
			setup:    func(*testing.T, *fixture, storage.Key) {},
			wantKind: autherr.KindUnauthorized,
		},
		{
			name:     "refresh token",
			token:    func(resp *login.JWTResponse) string { return resp.JWT.RefreshToken },
			setup:    func(*testing.T, *fixture, storage.Key) {},
			wantKind: autherr.KindUnauthorized,
		},
		{
			name:  "record removed",
			token: func(resp *login.JWTResponse) string { return resp.JWT.AccessToken },
			setup: func(t *testing.T, f *fixture, key storage.Key) {
				require.NoError(t, f.store.DestroyLogin(context.Background(), key))
			},
			wantKind: autherr.KindNotFound,
		},
		{
			name:  "tampered token",
			token: func(resp *login.JWTResponse) string { return resp.JWT.AccessToken },
			setup: func(t *testing.T, f *fixture, key storage.Key) {
				rec, err := f.store.GetLogin(context.Background(), key)
				require.NoError(t, err)
				raw, err := base64.StdEncoding.DecodeString(rec.EncryptedToken)
				require.NoError(t, err)
				raw[len(raw)-1] ^= 0xff
				tampered := base64.StdEncoding.EncodeToString(raw)
				_, err = f.store.UpdateLogin(context.Background(), storage.LoginPatch{Key: key, EncryptedToken: &tampered})
				require.NoError(t, err)
			},
			wantKind: autherr.KindInternal,
		},
		{
			name:  "revoked provider token",
			token: func(resp *login.JWTResponse) string { return resp.JWT.AccessToken },
			setup: func(t *testing.T, f *fixture, key storage.Key) {
				f.provider.AuthenticatedIdentityFunc = func(context.Context, string) (*providers.Identity, error) {
					return nil, &providers.APIError{Operation: "get_user", StatusCode: 401}
				}
			},
			wantKind: autherr.KindUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)

			created, err := f.ctrl.CreateLogin(ctx, login.CreateLoginRequest{ClientID: testClientID})
			require.NoError(t, err)
			resp, err := f.ctrl.Login(ctx, login.LoginRequest{Code: "c1", State: created.State}, testIssuer)
			require.NoError(t, err)

			payload, ok := f.tokens.VerifyJWT(ctx, resp.JWT.AccessToken, testIssuer)
			require.True(t, ok)
			tt.setup(t, f, storage.Key{State: payload.Subject, ClientID: testClientID})

			_, err = f.ctrl.GetUser(ctx, tt.token(resp), testIssuer)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, autherr.KindOf(err), "error = %v", err)
		})
	}
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp, err := f.ctrl.ExchangeToken(ctx, login.ExchangeRequest{Token: "gho_personal", Remember: true}, testIssuer)
	require.NoError(t, err)

	refreshed, err := f.ctrl.Refresh(ctx, resp.JWT.AccessToken, resp.JWT.RefreshToken, testIssuer, true)
	require.NoError(t, err)
	assert.NotEqual(t, resp.JWT.AccessToken, refreshed.AccessToken)

	_, err = f.ctrl.Refresh(ctx, resp.JWT.RefreshToken, resp.JWT.RefreshToken, testIssuer, true)
	assert.True(t, autherr.Is(err, autherr.KindUnauthorized), "error = %v", err)
}

type stubApps struct {
	details *providers.AppDetails
	err     error
}

func (s stubApps) App(context.Context, string) (*providers.AppDetails, error) {
	return s.details, s.err
}

func TestOAuthDetail(t *testing.T) {
	tests := []struct {
		name     string
		apps     login.AppResolver
		appID    string
		want     *login.OAuthDetail
		wantKind autherr.Kind
	}{
		{
			name: "no app",
			want: &login.OAuthDetail{ClientID: "default-client"},
		},
		{
			name:  "app",
			apps:  stubApps{details: &providers.AppDetails{ClientID: "Iv1.app", InstallURL: "https://github.com/apps/my-app/installations/new"}},
			appID: "42",
			want:  &login.OAuthDetail{ClientID: "Iv1.app", InstallURL: "https://github.com/apps/my-app/installations/new"},
		},
		{
			name:     "unknown app",
			apps:     stubApps{err: errors.New("Unknown appId: 43")},
			appID:    "43",
			wantKind: autherr.KindNotFound,
		},
		{
			name:     "no resolver",
			appID:    "42",
			wantKind: autherr.KindNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *login.Config) { c.Apps = tt.apps })

			got, err := f.ctrl.OAuthDetail(context.Background(), tt.appID)
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, autherr.KindOf(err), "error = %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
