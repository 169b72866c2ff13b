// Package storage defines the login record and the LoginStore interface that
// persists pending and completed GitHub logins.
//
// Records are keyed by (state, client id). The key columns carry fixed
// prefixes, "github_<state>" and "login_<client id>", so change-stream
// consumers can recognise login records from their keys alone.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/redis: Redis storage for production, with a change stream
package storage
