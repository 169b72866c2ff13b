// Package security provides encryption of provider tokens at rest, per-client
// rate limiting of login creation and audit logging.
//
// # Encryption
//
// Provider access tokens are sealed with AES-256-GCM before they are written
// to a login record. The key is either configured directly as base64 or
// derived from a secret with HKDF-SHA256:
//
//	key, err := security.DeriveKey([]byte(secret), "ghauth provider tokens")
//	if err != nil {
//	    return err
//	}
//	enc, err := security.NewEncryptor(key)
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per key (the OAuth client id). Tracked
// keys are capped at MaxEntries, evicting the least recently used, and keys
// idle for longer than IdleTimeout are swept in the background:
//
//	limiter := security.NewRateLimiter(security.RateLimiterConfig{
//	    Rate:  1,
//	    Burst: 10,
//	})
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientID) {
//	    return autherr.TooManyRequests("Too many logins")
//	}
//
// # Audit Logging
//
// Auditor writes security events through slog. GitHub logins and token
// subjects are replaced by short SHA-256 prefixes before logging.
package security
