// Package github implements providers.Client against the GitHub REST API.
//
// It covers the OAuth web flow (authorize URL and code exchange through
// golang.org/x/oauth2), the authenticated user and its emails, the
// installations visible to a user, the repositories visible to an
// installation token, and GitHub App authentication.
//
// # App authentication
//
// App calls (installation tokens, /app) use an RS256 JWT signed with the
// app's private key, issued one minute in the past and valid for ten
// minutes.
//
// # GitHub Enterprise
//
// APIBaseURL and WebBaseURL point the client at a GitHub Enterprise Server
// or a test server:
//
//	client, err := github.NewClient(&github.Config{
//	    APIBaseURL: "https://ghe.example.com/api/v3",
//	    WebBaseURL: "https://ghe.example.com",
//	})
package github
