package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Result attribute values
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics holds all metric instruments
type Metrics struct {
	// Login flow
	LoginsCreated   metric.Int64Counter
	LoginsCompleted metric.Int64Counter
	TokensExchanged metric.Int64Counter
	JWTsIssued      metric.Int64Counter
	LoginLookups    metric.Int64Histogram

	// Installation lifecycle
	InstallationTokensMinted metric.Int64Counter
	ChangeEventsProcessed    metric.Int64Counter
	WebhooksProcessed        metric.Int64Counter

	// Fan-out
	EventsPublished metric.Int64Counter

	// Security
	RateLimitExceeded         metric.Int64Counter
	EncryptionOperationsTotal metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageLoginsCount       metric.Int64ObservableGauge

	// Provider
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter
}

type counterSpec struct {
	target      *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	loginMeter := inst.Meter("login")
	installationMeter := inst.Meter("installation")
	notifyMeter := inst.Meter("notify")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")

	counters := []counterSpec{
		{&m.LoginsCreated, loginMeter, "ghauth.login.created", "Number of pending logins created", "{login}"},
		{&m.LoginsCompleted, loginMeter, "ghauth.login.completed", "Number of provider callbacks processed", "{login}"},
		{&m.TokensExchanged, loginMeter, "ghauth.token.exchanged", "Number of provider tokens exchanged for a session", "{exchange}"},
		{&m.JWTsIssued, loginMeter, "ghauth.jwt.issued", "Number of session token pairs issued", "{jwt}"},
		{&m.InstallationTokensMinted, installationMeter, "ghauth.installation.token.minted", "Number of installation token mint attempts", "{token}"},
		{&m.ChangeEventsProcessed, installationMeter, "ghauth.changestream.events", "Number of change-stream events handled", "{event}"},
		{&m.WebhooksProcessed, installationMeter, "ghauth.webhook.processed", "Number of provider webhooks handled", "{webhook}"},
		{&m.EventsPublished, notifyMeter, "ghauth.events.published", "Number of downstream events published", "{event}"},
		{&m.RateLimitExceeded, securityMeter, "ghauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}"},
		{&m.EncryptionOperationsTotal, securityMeter, "ghauth.encryption.operations.total", "Total number of encryption/decryption operations", "{operation}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"},
		{&m.ProviderAPICallsTotal, providerMeter, "provider.api.calls.total", "Total number of provider API calls", "{call}"},
		{&m.ProviderAPIErrors, providerMeter, "provider.api.errors.total", "Total number of provider API errors", "{error}"},
	}

	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	var err error
	m.LoginLookups, err = loginMeter.Int64Histogram(
		"ghauth.login.lookup.attempts",
		metric.WithDescription("Attempts needed to find a pending login by state"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login.lookup.attempts histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageLoginsCount, err = storageMeter.Int64ObservableGauge(
		"storage.logins.count",
		metric.WithDescription("Number of login records held by the store"),
		metric.WithUnit("{login}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.logins.count gauge: %w", err)
	}

	m.ProviderAPIDuration, err = providerMeter.Float64Histogram(
		"provider.api.duration",
		metric.WithDescription("Provider API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.duration histogram: %w", err)
	}

	return m, nil
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}

// RecordLoginCreated records a pending login
func (m *Metrics) RecordLoginCreated(ctx context.Context, clientID string) {
	m.LoginsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordLoginCompleted records the outcome of a provider callback and the
// number of lookups it took to find the pending record
func (m *Metrics) RecordLoginCompleted(ctx context.Context, clientID string, attempts int, err error) {
	m.LoginsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("result", result(err)),
	))
	if attempts > 0 {
		m.LoginLookups.Record(ctx, int64(attempts))
	}
}

// RecordTokenExchanged records a direct provider token exchange
func (m *Metrics) RecordTokenExchanged(ctx context.Context, tokenKind string, err error) {
	m.TokensExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_kind", tokenKind),
		attribute.String("result", result(err)),
	))
}

// RecordJWTIssued records an issued token pair
func (m *Metrics) RecordJWTIssued(ctx context.Context, clientID string, remember bool) {
	m.JWTsIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("remember", remember),
	))
}

// RecordInstallationTokenMinted records an installation token mint attempt
func (m *Metrics) RecordInstallationTokenMinted(ctx context.Context, appID string, err error) {
	m.InstallationTokensMinted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("app_id", appID),
		attribute.String("result", result(err)),
	))
}

// RecordChangeEvent records a handled change-stream event
func (m *Metrics) RecordChangeEvent(ctx context.Context, eventName, outcome string) {
	m.ChangeEventsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_name", eventName),
		attribute.String("outcome", outcome),
	))
}

// RecordWebhook records a handled provider webhook
func (m *Metrics) RecordWebhook(ctx context.Context, eventType, action string, err error) {
	m.WebhooksProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("action", action),
		attribute.String("result", result(err)),
	))
}

// RecordEventPublished records a downstream publish
func (m *Metrics) RecordEventPublished(ctx context.Context, eventType string, err error) {
	m.EventsPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("result", result(err)),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordEncryptionOperation records an encryption/decryption operation
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, err error) {
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result(err)),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordProviderAPICall records a provider API call
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, statusCode int, durationMs float64, err error) {
	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))

	if err != nil {
		errorType := "unknown"
		if statusCode >= 400 && statusCode < 500 {
			errorType = "client_error"
		} else if statusCode >= 500 {
			errorType = "server_error"
		}

		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
			attribute.String("error_type", errorType),
		))
	}
}
