package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
// GitHub logins and token subjects are logged as short hashes.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	Login     string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with the login hashed. Nil receivers and
// disabled auditors drop the event.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"login_hash", hashForLogging(event.Login),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogLoginCreated logs a new pending login
func (a *Auditor) LogLoginCreated(clientID string, installation bool) {
	a.LogEvent(Event{
		Type:     EventLoginCreated,
		ClientID: clientID,
		Details: map[string]any{
			"installation": installation,
		},
	})
}

// LogLoginCompleted logs a completed provider callback
func (a *Auditor) LogLoginCompleted(login, clientID string, remember bool) {
	a.LogEvent(Event{
		Type:     EventLoginCompleted,
		Login:    login,
		ClientID: clientID,
		Details: map[string]any{
			"remember": remember,
		},
	})
}

// LogLoginRejected logs a refused provider callback
func (a *Auditor) LogLoginRejected(login, clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventLoginRejected,
		Login:    login,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogTokenExchanged logs a provider token exchanged for a JWT
func (a *Auditor) LogTokenExchanged(login, tokenKind string) {
	a.LogEvent(Event{
		Type:  EventTokenExchanged,
		Login: login,
		Details: map[string]any{
			"token_kind": tokenKind,
		},
	})
}

// LogTokenRefreshed logs a redeemed refresh token
func (a *Auditor) LogTokenRefreshed(subject, clientID string) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		Login:    subject,
		ClientID: clientID,
	})
}

// LogAuthFailure logs a failed token verification
func (a *Auditor) LogAuthFailure(clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventAuthFailure,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(clientID string) {
	a.LogEvent(Event{
		Type:     EventRateLimitExceeded,
		ClientID: clientID,
	})
}

// LogInstallationTokenMinted logs a minted installation token
func (a *Auditor) LogInstallationTokenMinted(appID, installationID string, expiresAt time.Time) {
	a.LogEvent(Event{
		Type: EventInstallationTokenMinted,
		Details: map[string]any{
			"app_id":          appID,
			"installation_id": installationID,
			"expires_at":      expiresAt,
		},
	})
}

// LogInstallationChanged logs an installation state change
func (a *Auditor) LogInstallationChanged(target, appID, installationID, state string) {
	a.LogEvent(Event{
		Type:  EventInstallationChanged,
		Login: target,
		Details: map[string]any{
			"app_id":          appID,
			"installation_id": installationID,
			"state":           state,
		},
	})
}

// LogKeysRotated logs a signing key rotation
func (a *Auditor) LogKeysRotated(issuer, currentKeyID string) {
	a.LogEvent(Event{
		Type: EventKeysRotated,
		Details: map[string]any{
			"issuer": issuer,
			"kid":    currentKeyID,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
