// Package instrumentation provides OpenTelemetry tracing and metrics for the
// login flow, the installation token lifecycle and their stores.
//
// When disabled, no-op providers are used and recording costs nothing. When
// enabled, SDK providers are created and fed to the configured span
// processors and metric readers:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "github-auth",
//		ServiceVersion: version,
//		Enabled:        true,
//		SpanProcessors: []sdktrace.SpanProcessor{sdktrace.NewBatchSpanProcessor(exporter)},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// Login flow:
//   - ghauth.login.created{client_id}
//   - ghauth.login.completed{client_id, result}
//   - ghauth.login.lookup.attempts
//   - ghauth.token.exchanged{token_kind, result}
//   - ghauth.jwt.issued{client_id, remember}
//
// Installation lifecycle:
//   - ghauth.installation.token.minted{app_id, result}
//   - ghauth.changestream.events{event_name, outcome}
//   - ghauth.webhook.processed{event_type, action, result}
//   - ghauth.events.published{event_type, result}
//
// Security:
//   - ghauth.rate_limit.exceeded{limiter_type}
//   - ghauth.encryption.operations.total{operation, result}
//
// Storage and provider:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.logins.count
//   - provider.api.calls.total{provider, operation, status}
//   - provider.api.duration{provider, operation}
//   - provider.api.errors.total{provider, operation, error_type}
package instrumentation
