package ghauth

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/github-auth/installation"
	"github.com/giantswarm/github-auth/internal/testutil"
	"github.com/giantswarm/github-auth/login"
	"github.com/giantswarm/github-auth/notify"
	notifymemory "github.com/giantswarm/github-auth/notify/memory"
	"github.com/giantswarm/github-auth/providers"
	"github.com/giantswarm/github-auth/providers/mock"
	"github.com/giantswarm/github-auth/storage"
)

const (
	testIssuer = "https://auth.example.com"
	testAppID  = "1234"
)

func newTestServer(t *testing.T) (*Server, *notifymemory.Notifier, *mock.Client) {
	t.Helper()

	notifier := notifymemory.New()
	provider := mock.NewClient()

	srv, err := New(Config{
		Issuer: testIssuer,
		GitHub: GitHubConfig{
			ClientID:     "abc",
			ClientSecret: "client-secret",
			CallbackURL:  testIssuer + "/github/callback",
		},
		Storage: StorageConfig{
			Secrets: map[string]string{
				providers.AppClientIDKey(testAppID):   "Iv1.app",
				providers.AppPrivateKeyKey(testAppID): testutil.GenerateAppKeySecret(t),
			},
		},
		Security: SecurityConfig{
			EncryptionSecret:   "test-secret",
			RateLimit:          10,
			RateBurst:          10,
			EnableAuditLogging: true,
		},
		Provider: provider,
		Notifier: notifier,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close(context.Background()) })

	return srv, notifier, provider
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "missing callback",
			cfg:     Config{Security: SecurityConfig{EncryptionSecret: "s"}},
			wantErr: true,
		},
		{
			name:    "missing encryption key",
			cfg:     Config{GitHub: GitHubConfig{CallbackURL: "https://auth.example.com/cb"}},
			wantErr: true,
		},
		{
			name: "malformed encryption key",
			cfg: Config{
				GitHub:   GitHubConfig{CallbackURL: "https://auth.example.com/cb"},
				Security: SecurityConfig{EncryptionKey: "not-base64!"},
			},
			wantErr: true,
		},
		{
			name: "valid",
			cfg: Config{
				GitHub:   GitHubConfig{CallbackURL: "https://auth.example.com/cb"},
				Security: SecurityConfig{EncryptionSecret: "s"},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if srv != nil {
				_ = srv.Close(context.Background())
			}
		})
	}
}

func TestServer_LoginFlow(t *testing.T) {
	ctx := context.Background()
	srv, notifier, _ := newTestServer(t)

	created, err := srv.Login.CreateLogin(ctx, login.CreateLoginRequest{
		ClientID:    "abc",
		RedirectURI: "https://app.example.com/",
	})
	require.NoError(t, err)
	assert.Empty(t, notifier.Messages(), "pending logins publish nothing")

	resp, err := srv.Login.Login(ctx, login.LoginRequest{Code: "code", State: created.State}, testIssuer)
	require.NoError(t, err)
	require.NotNil(t, resp.JWT)
	assert.Equal(t, "octocat", resp.User.Login)
	assert.Equal(t, "octocat@example.com", resp.User.Email)

	// The completed record went through the change stream inline
	tokens := notifier.BySubject(notify.TypeLoginToken)
	require.Len(t, tokens, 1)
	var ev notify.LoginTokenEvent
	require.NoError(t, tokens[0].Decode(&ev))
	assert.Equal(t, "octocat", ev.Login)
	assert.Equal(t, "gho_mock-access-token", ev.Token)
	assert.Len(t, notifier.BySubject(notify.TypeIdentity), 1)

	user, err := srv.Login.GetUser(ctx, resp.JWT.AccessToken, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, "octocat", user.Login)
	assert.Equal(t, "gho_mock-access-token", user.Token)
}

func TestServer_ExchangeTokenPublishesNothing(t *testing.T) {
	ctx := context.Background()
	srv, notifier, provider := newTestServer(t)
	provider.ListInstallationRepositoriesFunc = func(context.Context, string) ([]providers.Repository, error) {
		return []providers.Repository{{Owner: "octo", Name: "widgets", FullName: "octo/widgets"}}, nil
	}

	for _, tok := range []string{"ghs_repo_token", "ghs_repo_token", "gho_personal"} {
		resp, err := srv.Login.ExchangeToken(ctx, login.ExchangeRequest{Token: tok}, testIssuer)
		require.NoError(t, err)

		user, err := srv.Login.GetUser(ctx, resp.JWT.AccessToken, testIssuer)
		require.NoError(t, err)
		assert.Equal(t, tok, user.Token)
	}

	assert.Empty(t, notifier.Messages())
	assert.Zero(t, provider.GetCallCount("UserByLogin"))

	records, err := srv.Store.ListLoginsByClient(ctx, login.DefaultClientID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, record := range records {
		assert.True(t, record.Exchanged)
		assert.False(t, record.ExpiresAt.IsZero(), "exchanged sessions must expire")
	}
}

func TestServer_InstallationWebhook(t *testing.T) {
	ctx := context.Background()
	srv, notifier, provider := newTestServer(t)

	body := []byte(`{
		"action": "created",
		"installation": {"id": 5678, "account": {"login": "acme"}},
		"sender": {"login": "octocat"}
	}`)
	require.NoError(t, srv.Installations.HandleWebhook(ctx, installation.EventInstallation, testAppID, body))

	// Created, minted and published in one pass through the change stream
	record, err := srv.Store.GetLogin(ctx, storage.Key{State: "5678", ClientID: "Iv1.app"})
	require.NoError(t, err)
	assert.True(t, record.Completed())
	assert.Equal(t, "octocat", record.Login)
	assert.Equal(t, 1, provider.GetCallCount("CreateInstallationToken"))

	installs := notifier.BySubject(notify.TypeInstallation)
	require.Len(t, installs, 1)

	tokens := notifier.BySubject(notify.TypeLoginToken)
	require.Len(t, tokens, 1)
	var ev notify.LoginTokenEvent
	require.NoError(t, tokens[0].Decode(&ev))
	assert.Equal(t, "ghs_mock-installation-token", ev.Token)
	assert.Equal(t, "5678", ev.InstallationID)
	assert.Empty(t, notifier.BySubject(notify.TypeIdentity))

	detail, err := srv.Login.OAuthDetail(ctx, testAppID)
	require.NoError(t, err)
	assert.Equal(t, "Iv1.app", detail.ClientID)
	assert.Equal(t, "https://github.com/apps/mock-app/installations/new", detail.InstallURL)
}

func TestServer_Keys(t *testing.T) {
	ctx := context.Background()
	srv, _, _ := newTestServer(t)

	jwks, err := srv.JWKS(ctx)
	require.NoError(t, err)
	require.Len(t, jwks.Keys, 2)

	before, err := srv.Keys.GetOrCreateKeys(ctx, testIssuer)
	require.NoError(t, err)

	after, err := srv.RotateKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, before[1].KeyID(), after[0].KeyID())
	assert.NotEqual(t, before[1].KeyID(), after[1].KeyID())
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	srv, _, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, srv.Run(ctx), context.Canceled)
}

func TestServer_Redis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	provider := mock.NewClient()

	srv, err := New(Config{
		GitHub: GitHubConfig{CallbackURL: testIssuer + "/github/callback"},
		Storage: StorageConfig{
			RedisAddr: mr.Addr(),
			Secrets: map[string]string{
				providers.AppClientIDKey(testAppID):   "Iv1.app",
				providers.AppPrivateKeyKey(testAppID): testutil.GenerateAppKeySecret(t),
			},
		},
		Security: SecurityConfig{EncryptionSecret: "test-secret"},
		Provider: provider,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close(context.Background()) })
	require.NotNil(t, srv.consumer)

	// Pin the consumer to the empty stream before anything is written
	n, err := srv.consumer.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	body := []byte(`{
		"action": "created",
		"installation": {"id": 5678, "account": {"login": "acme"}},
		"sender": {"login": "octocat"}
	}`)
	require.NoError(t, srv.Installations.HandleWebhook(ctx, installation.EventInstallation, testAppID, body))

	// INSERT mints, the resulting MODIFY publishes
	n, err = srv.consumer.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = srv.consumer.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	record, err := srv.Store.GetLogin(ctx, storage.Key{State: "5678", ClientID: "Iv1.app"})
	require.NoError(t, err)
	assert.True(t, record.Completed())
	assert.Equal(t, 1, provider.GetCallCount("CreateInstallationToken"))

	entries, err := srv.redis.XRange(ctx, DefaultTopic, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, notify.TypeInstallation, entries[0].Values["subject"])
	assert.Equal(t, notify.TypeLoginToken, entries[1].Values["subject"])
}
