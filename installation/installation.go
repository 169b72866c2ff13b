// Package installation keeps GitHub App installation tokens fresh and fans
// out login tokens to downstream consumers.
//
// It reacts to login store change events. An installation record without a
// token gets one minted, encrypted and written back with an expiry shortly
// before the provider's. That write produces another change event, which
// publishes the token. When the store expires the record, the removal
// re-mints the token and re-creates the record, and the cycle repeats.
package installation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/github-auth/changestream"
	"github.com/giantswarm/github-auth/instrumentation"
	"github.com/giantswarm/github-auth/internal/util"
	"github.com/giantswarm/github-auth/login"
	"github.com/giantswarm/github-auth/notify"
	"github.com/giantswarm/github-auth/providers"
	"github.com/giantswarm/github-auth/security"
	"github.com/giantswarm/github-auth/storage"
)

// InstallationTokenExpiryMargin is subtracted from the provider expiry of an
// installation token to get the expiry of its login record.
const InstallationTokenExpiryMargin = 30 * time.Minute

// ErrUnknownApp is returned when no client id is configured for an app
var ErrUnknownApp = errors.New("unknown app")

// Compile-time interface checks
var (
	_ changestream.Handler = (*Lifecycle)(nil)
	_ login.AppResolver    = (*Lifecycle)(nil)
)

// Outcome reports what handling a change event did.
type Outcome string

const (
	OutcomeIgnored          Outcome = "ignored"
	OutcomeTokenMinted      Outcome = "token_minted"
	OutcomeMintFailed       Outcome = "mint_failed"
	OutcomePublished        Outcome = "published"
	OutcomeAlreadyPublished Outcome = "already_published"
	OutcomePublishFailed    Outcome = "publish_failed"
	OutcomeRecreated        Outcome = "recreated"
)

// Phase is where a login record stands in the token lifecycle.
type Phase int

const (
	// PhaseIncomplete records have no token and are not installations
	PhaseIncomplete Phase = iota
	// PhaseNeedsToken records are installations still waiting for a token
	PhaseNeedsToken
	// PhaseTokenMinted records carry a token that may not be published yet
	PhaseTokenMinted
	// PhasePublished is reached once the token event went out
	PhasePublished
	// PhaseExchanged records back sessions for tokens the caller already
	// held and are never published
	PhaseExchanged
)

func (p Phase) String() string {
	switch p {
	case PhaseNeedsToken:
		return "needs_token"
	case PhaseTokenMinted:
		return "token_minted"
	case PhasePublished:
		return "published"
	case PhaseExchanged:
		return "exchanged"
	default:
		return "incomplete"
	}
}

// PhaseOf returns the phase of a stored record.
func PhaseOf(record *storage.Login) Phase {
	switch {
	case record.Exchanged:
		return PhaseExchanged
	case record.Completed():
		return PhaseTokenMinted
	case record.IsInstallation():
		return PhaseNeedsToken
	default:
		return PhaseIncomplete
	}
}

// SecretSource reads GitHub App credentials.
type SecretSource interface {
	Get(ctx context.Context, storeID, key string) (string, error)
}

// Encryptor protects provider tokens at rest.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// Publisher publishes events downstream.
type Publisher interface {
	Publish(ctx context.Context, event notify.Event) (string, error)
}

// LoginCreator creates pending logins for new installations.
type LoginCreator interface {
	CreateLogin(ctx context.Context, req login.CreateLoginRequest) (*login.CreateLoginResponse, error)
}

// Config configures a Lifecycle.
type Config struct {
	Store     storage.LoginStore // required
	Provider  providers.Client   // required
	Secrets   SecretSource       // required
	Encryptor Encryptor          // required
	Publisher Publisher          // required

	// Logins creates installation logins from webhooks (required by HandleWebhook)
	Logins LoginCreator

	// Guard suppresses duplicate token events (default: in-memory guard)
	Guard Guard

	// Auditor records security events (optional)
	Auditor *security.Auditor

	// Logger (default: slog.Default())
	Logger *slog.Logger
}

// Lifecycle handles login change events and GitHub App webhooks.
type Lifecycle struct {
	store     storage.LoginStore
	provider  providers.Client
	secrets   SecretSource
	encryptor Encryptor
	publisher Publisher
	logins    LoginCreator
	guard     Guard
	auditor   *security.Auditor
	logger    *slog.Logger

	mu              sync.RWMutex
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// New creates an installation lifecycle.
func New(cfg Config) (*Lifecycle, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("login store is required")
	case cfg.Provider == nil:
		return nil, fmt.Errorf("provider client is required")
	case cfg.Secrets == nil:
		return nil, fmt.Errorf("secret source is required")
	case cfg.Encryptor == nil:
		return nil, fmt.Errorf("encryptor is required")
	case cfg.Publisher == nil:
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.Guard == nil {
		cfg.Guard = NewMemoryGuard()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Lifecycle{
		store:     cfg.Store,
		provider:  cfg.Provider,
		secrets:   cfg.Secrets,
		encryptor: cfg.Encryptor,
		publisher: cfg.Publisher,
		logins:    cfg.Logins,
		guard:     cfg.Guard,
		auditor:   cfg.Auditor,
		logger:    cfg.Logger,
	}, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for the lifecycle
func (l *Lifecycle) SetInstrumentation(inst *instrumentation.Instrumentation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.instrumentation = inst
	if inst != nil {
		l.tracer = inst.Tracer("installation")
	}
}

func (l *Lifecycle) startSpan(ctx context.Context, operation string) (context.Context, trace.Span, *instrumentation.Instrumentation) {
	l.mu.RLock()
	tracer := l.tracer
	inst := l.instrumentation
	l.mu.RUnlock()

	if tracer == nil {
		return ctx, nil, inst
	}
	ctx, span := tracer.Start(ctx, "installation."+operation)
	return ctx, span, inst
}

// Dispatch routes a change event to HandleAddOrModify or HandleRemove.
func (l *Lifecycle) Dispatch(ctx context.Context, event changestream.Event) error {
	var (
		name    changestream.EventName
		outcome Outcome
		err     error
	)

	switch e := event.(type) {
	case changestream.Inserted:
		name = changestream.EventInsert
		outcome, err = l.HandleAddOrModify(ctx, e.Login.Key())
	case changestream.Modified:
		name = changestream.EventModify
		outcome, err = l.HandleAddOrModify(ctx, e.Login.Key())
	case changestream.Removed:
		name = changestream.EventRemove
		outcome, err = l.HandleRemove(ctx, e.Old)
	default:
		return fmt.Errorf("%w: %T", changestream.ErrUnknownEvent, event)
	}

	l.mu.RLock()
	inst := l.instrumentation
	l.mu.RUnlock()
	if inst != nil {
		if err != nil {
			outcome = "error"
		}
		inst.Metrics().RecordChangeEvent(ctx, string(name), string(outcome))
	}

	l.logger.Debug("Handled login change", "event", name, "key", event.Key().RangeKey(), "outcome", outcome)
	return err
}

// HandleAddOrModify advances the record at key by one phase. A record that
// needs a token gets one and is written back without publishing; the write
// triggers the next event. A record with a token has it published once per
// encrypted value.
func (l *Lifecycle) HandleAddOrModify(ctx context.Context, key storage.Key) (_ Outcome, err error) {
	ctx, span, _ := l.startSpan(ctx, "handle_add_or_modify")
	defer func() { instrumentation.EndSpan(span, err) }()

	record, err := l.store.GetLogin(ctx, key)
	if errors.Is(err, storage.ErrLoginNotFound) {
		l.logger.Warn("Unknown login", "key", key.String())
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read login %s: %w", key, err)
	}
	instrumentation.AddInstallationAttributes(span, record.AppID, record.InstallationID)

	switch PhaseOf(record) {
	case PhaseNeedsToken:
		return l.storeToken(ctx, record)
	case PhaseTokenMinted:
		if record.Login == "" {
			l.logger.Warn("Missing login on completed record", "key", key.String())
			return OutcomeIgnored, nil
		}
		return l.publishToken(ctx, record)
	default:
		return OutcomeIgnored, nil
	}
}

func (l *Lifecycle) storeToken(ctx context.Context, record *storage.Login) (Outcome, error) {
	minted := l.mint(ctx, record.AppID, record.InstallationID)
	if minted == nil {
		return OutcomeMintFailed, nil
	}

	encrypted, err := l.encryptor.Encrypt(ctx, minted.Token)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt installation token: %w", err)
	}
	expires := minted.ExpiresAt.Add(-InstallationTokenExpiryMargin)

	_, err = l.store.UpdateLogin(ctx, storage.LoginPatch{
		Key:            record.Key(),
		EncryptedToken: &encrypted,
		ExpiresAt:      &expires,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store installation token: %w", err)
	}
	return OutcomeTokenMinted, nil
}

func (l *Lifecycle) publishToken(ctx context.Context, record *storage.Login) (Outcome, error) {
	key := record.Key()

	claimed, err := l.guard.Claim(ctx, key, record.EncryptedToken)
	if err != nil {
		return "", err
	}
	if !claimed {
		l.logger.Debug("Login token already published", "key", key.String())
		return OutcomeAlreadyPublished, nil
	}

	providerToken, err := l.encryptor.Decrypt(ctx, record.EncryptedToken)
	if err != nil {
		l.release(ctx, key, record.EncryptedToken)
		return "", fmt.Errorf("failed to decrypt token of %s: %w", key, err)
	}

	ev := notify.NewLoginTokenEvent()
	ev.Login = record.Login
	ev.Email = record.Email
	ev.Token = providerToken
	ev.AppID = record.AppID
	ev.InstallationID = record.InstallationID

	if _, err := l.publisher.Publish(ctx, ev); err != nil {
		l.release(ctx, key, record.EncryptedToken)
		return publishFailed(err)
	}
	l.logger.Info("Published login token event", "login", record.Login, "token", util.TokenPrefix(providerToken))

	// Token refreshes of installations say nothing new about identities
	if record.IsInstallation() {
		return OutcomePublished, nil
	}

	l.publishIdentity(ctx, record, providerToken)
	return OutcomePublished, nil
}

func (l *Lifecycle) publishIdentity(ctx context.Context, record *storage.Login, providerToken string) {
	user, err := l.provider.UserByLogin(ctx, providerToken, record.Login)
	if err != nil {
		l.logger.Warn("Unable to fetch identity", "login", record.Login, "error", err)
		return
	}

	ev := notify.NewIdentityEvent()
	ev.ID = user.ID
	ev.Login = user.Login
	if record.Email != "" {
		ev.Emails = []string{record.Email}
	}
	ev.Name = user.Name
	ev.Twitter = user.TwitterUsername
	ev.Source = notify.IdentitySourceLogin

	// Publish logs its own failures
	_, _ = l.publisher.Publish(ctx, ev)
}

// HandleRemove reacts to a deleted record. Installation records are
// re-created with a fresh token. Other records, and installations whose
// token cannot be minted anymore, announce the token as deleted.
func (l *Lifecycle) HandleRemove(ctx context.Context, old *storage.Login) (_ Outcome, err error) {
	ctx, span, _ := l.startSpan(ctx, "handle_remove")
	defer func() { instrumentation.EndSpan(span, err) }()

	if old == nil {
		return OutcomeIgnored, nil
	}
	instrumentation.AddInstallationAttributes(span, old.AppID, old.InstallationID)

	if old.EncryptedToken != "" {
		l.release(ctx, old.Key(), old.EncryptedToken)
	}

	if old.Exchanged {
		return OutcomeIgnored, nil
	}

	if old.IsInstallation() {
		outcome, err := l.recreate(ctx, old)
		if err != nil || outcome != OutcomeMintFailed {
			return outcome, err
		}
	}

	if old.Login == "" {
		l.logger.Warn("Missing login on removed record", "key", old.Key().String())
		return OutcomeIgnored, nil
	}

	ev := notify.NewLoginTokenEvent()
	ev.Login = old.Login
	ev.Email = old.Email
	ev.AppID = old.AppID
	ev.InstallationID = old.InstallationID
	ev.Deleted = true

	if _, err := l.publisher.Publish(ctx, ev); err != nil {
		return publishFailed(err)
	}
	l.logger.Info("Published deleted token event", "login", old.Login)
	return OutcomePublished, nil
}

func (l *Lifecycle) recreate(ctx context.Context, old *storage.Login) (Outcome, error) {
	minted := l.mint(ctx, old.AppID, old.InstallationID)
	if minted == nil {
		return OutcomeMintFailed, nil
	}

	encrypted, err := l.encryptor.Encrypt(ctx, minted.Token)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt installation token: %w", err)
	}

	record := old.Clone()
	record.EncryptedToken = encrypted
	record.ExpiresAt = minted.ExpiresAt.Add(-InstallationTokenExpiryMargin)

	if err := l.store.CreateLogin(ctx, record); err != nil {
		if errors.Is(err, storage.ErrLoginExists) {
			l.logger.Info("Installation login already re-created", "key", record.Key().String())
			return OutcomeIgnored, nil
		}
		return "", fmt.Errorf("failed to re-create installation login: %w", err)
	}
	return OutcomeRecreated, nil
}

// mint returns a new installation token, or nil when none can be had this
// cycle.
func (l *Lifecycle) mint(ctx context.Context, appID, installationID string) *providers.InstallationToken {
	logger := l.logger.With("app_id", appID, "installation_id", installationID)

	creds, err := l.credentials(ctx, appID)
	if err != nil {
		logger.Warn("Missing private key for GitHub App", "error", err)
		return nil
	}

	minted, err := l.provider.CreateInstallationToken(ctx, creds, installationID)

	l.mu.RLock()
	inst := l.instrumentation
	l.mu.RUnlock()
	if inst != nil {
		inst.Metrics().RecordInstallationTokenMinted(ctx, appID, err)
	}

	if err != nil {
		logger.Warn("Unable to create installation access token", "error", err)
		return nil
	}

	logger.Info("Authenticated as installation",
		"token", util.TokenPrefix(minted.Token),
		"expires_at", minted.ExpiresAt)
	l.auditor.LogInstallationTokenMinted(appID, installationID, minted.ExpiresAt)
	return minted
}

func (l *Lifecycle) credentials(ctx context.Context, appID string) (providers.AppCredentials, error) {
	encoded, err := l.secrets.Get(ctx, providers.SecretStoreID, providers.AppPrivateKeyKey(appID))
	if err != nil {
		return providers.AppCredentials{}, err
	}
	pem, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return providers.AppCredentials{}, fmt.Errorf("invalid private key encoding for app %s: %w", appID, err)
	}
	return providers.AppCredentials{AppID: appID, PrivateKeyPEM: pem}, nil
}

func (l *Lifecycle) release(ctx context.Context, key storage.Key, value string) {
	if err := l.guard.Release(ctx, key, value); err != nil {
		l.logger.Warn("Failed to release publish claim", "key", key.String(), "error", err)
	}
}

// publishFailed reports a missing message id as a handled outcome and any
// other publish error to the caller.
func publishFailed(err error) (Outcome, error) {
	if errors.Is(err, notify.ErrNoMessageID) {
		return OutcomePublishFailed, nil
	}
	return OutcomePublishFailed, err
}

// App returns the details of a GitHub App: its OAuth client id from the
// secret store, and slug and homepage from GitHub.
func (l *Lifecycle) App(ctx context.Context, appID string) (*providers.AppDetails, error) {
	clientID, err := l.secrets.Get(ctx, providers.SecretStoreID, providers.AppClientIDKey(appID))
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrUnknownApp, appID, err)
	}

	creds, err := l.credentials(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("missing private key for app %s: %w", appID, err)
	}

	app, err := l.provider.GetApp(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch app %s: %w", appID, err)
	}
	if app.Slug == "" {
		return nil, fmt.Errorf("missing slug for app %s", appID)
	}

	return &providers.AppDetails{
		AppID:       appID,
		ClientID:    clientID,
		Slug:        app.Slug,
		HomepageURL: app.ExternalURL,
		InstallURL:  app.InstallURL(),
	}, nil
}
