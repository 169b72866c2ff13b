// Package providers defines the GitHub client interface and the account,
// installation and app types it returns.
//
// Implementations are provided in subpackages:
//   - providers/github: GitHub REST and OAuth client
//   - providers/mock: func-field mock for tests
//
// Example usage:
//
//	client, err := github.NewClient(&github.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	identity, err := client.AuthenticatedIdentity(ctx, accessToken)
package providers
