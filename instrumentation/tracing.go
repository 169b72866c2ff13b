package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// Never record token values, login states or client secrets: states double
// as session identifiers. Record metadata only.
const (
	AttrClientID       = "ghauth.client_id"
	AttrLogin          = "ghauth.login"
	AttrAppID          = "ghauth.app_id"
	AttrInstallationID = "ghauth.installation_id"
	AttrTokenKind      = "ghauth.token_kind" //nolint:gosec // Kind of provider token (installation, personal), not the token
	AttrRemember       = "ghauth.remember"
	AttrLookupAttempts = "ghauth.login.lookup_attempts"

	AttrEventName = "ghauth.change.event_name"
	AttrOutcome   = "ghauth.change.outcome"
	AttrWebhook   = "ghauth.webhook.event_type"
	AttrAction    = "ghauth.webhook.action"

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	AttrProviderName      = "provider.name"
	AttrProviderOperation = "provider.operation"
	AttrProviderStatus    = "provider.status"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// EndSpan records err (if any) or success, then ends the span (nil-safe)
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		RecordError(span, err)
	} else {
		SetSpanSuccess(span)
	}
	span.End()
}

// AddLoginAttributes adds login flow attributes to a span, skipping empty values
func AddLoginAttributes(span trace.Span, clientID, login string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if login != "" {
		SetSpanAttributes(span, attribute.String(AttrLogin, login))
	}
}

// AddInstallationAttributes adds GitHub App attributes to a span, skipping empty values
func AddInstallationAttributes(span trace.Span, appID, installationID string) {
	if appID != "" {
		SetSpanAttributes(span, attribute.String(AttrAppID, appID))
	}
	if installationID != "" {
		SetSpanAttributes(span, attribute.String(AttrInstallationID, installationID))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddProviderAttributes adds provider attributes to a span (nil-safe)
func AddProviderAttributes(span trace.Span, providerName, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrProviderName, providerName),
		attribute.String(AttrProviderOperation, operation),
	)
}
