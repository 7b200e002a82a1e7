package gitops

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
)

// Cloner materializes a repository revision into a working directory.
type Cloner struct {
	baseURL string
	token   string
}

// NewCloner builds a Cloner for the given git host. token, when set, is
// injected as basic-auth credentials for HTTPS clones.
func NewCloner(baseURL, token string) *Cloner {
	return &Cloner{baseURL: strings.TrimRight(baseURL, "/"), token: token}
}

// Clone checks the repository's branch out into dest. When commitSHA is set
// the clone is pinned to that exact revision.
func (c *Cloner) Clone(ctx context.Context, repository, branch, commitSHA, dest string) error {
	if repository == "" {
		return fmt.Errorf("repository cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	cloneURL, err := c.cloneURL(repository)
	if err != nil {
		return err
	}

	args := []string{"clone", "--quiet"}
	if commitSHA == "" {
		args = append(args, "--depth", "1")
	}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, cloneURL, ".")

	if err := c.run(ctx, dest, args...); err != nil {
		return err
	}
	if commitSHA != "" {
		if err := c.run(ctx, dest, "checkout", "--quiet", commitSHA); err != nil {
			return fmt.Errorf("checkout %s: %w", commitSHA, err)
		}
	}
	return nil
}

func (c *Cloner) cloneURL(repository string) (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse git base url: %w", err)
	}
	parsed = parsed.JoinPath(repository + ".git")
	if c.token != "" {
		parsed.User = url.UserPassword("x-access-token", c.token)
	}
	return parsed.String(), nil
}

func (c *Cloner) run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s failed: %w: %s", args[0], err, redact(string(output), c.token))
	}
	return nil
}

func redact(output, token string) string {
	if token == "" {
		return output
	}
	return strings.ReplaceAll(output, token, "***")
}
