package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v58/github"
	"golang.org/x/oauth2"
)

// Checker verifies that a repository is reachable with the configured
// credentials before a deployment is accepted.
type Checker struct {
	client *gh.Client
}

// NewChecker builds a Checker. token may be empty for public repositories.
func NewChecker(ctx context.Context, token string) *Checker {
	httpClient := http.DefaultClient
	if token != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	return &Checker{client: gh.NewClient(httpClient)}
}

// Check confirms the owner/name repository exists and is accessible.
func (c *Checker) Check(ctx context.Context, repository string) error {
	owner, name, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || name == "" {
		return fmt.Errorf("repository must be owner/name, got %q", repository)
	}
	_, resp, err := c.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("repository %s not accessible: %s", repository, resp.Status)
		}
		return fmt.Errorf("repository %s lookup failed: %w", repository, err)
	}
	return nil
}
