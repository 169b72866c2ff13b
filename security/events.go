package security

// Event type constants for security audit logging.
const (
	// Login flow events

	// EventLoginCreated is logged when a pending login is created
	EventLoginCreated = "login_created"

	// EventLoginCompleted is logged when a provider callback completes a login
	EventLoginCompleted = "login_completed"

	// EventLoginRejected is logged when a callback is refused (unknown or
	// expired state, initiator mismatch, missing verified email)
	EventLoginRejected = "login_rejected"

	// EventTokenExchanged is logged when a provider token is exchanged for a JWT
	EventTokenExchanged = "token_exchanged"

	// EventTokenRefreshed is logged when a refresh token is redeemed
	EventTokenRefreshed = "token_refreshed"

	// EventAuthFailure is logged when a presented token fails verification
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// Installation events

	// EventInstallationTokenMinted is logged when an installation token is minted
	EventInstallationTokenMinted = "installation_token_minted" //nolint:gosec // G101: event type name, not a credential

	// EventInstallationChanged is logged when an installation webhook changes state
	EventInstallationChanged = "installation_changed"

	// EventKeysRotated is logged when the signing key pair is rotated
	EventKeysRotated = "signing_keys_rotated"
)
