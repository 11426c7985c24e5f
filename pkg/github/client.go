// Package github provides VCS-host operations via the gh CLI. All calls are
// pure API calls running on the host.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"conductor/pkg/errs"
	"conductor/pkg/logx"
)

// Client runs gh commands against one repository.
//
//nolint:govet // Logical grouping preferred over memory optimization
type Client struct {
	owner   string
	repo    string
	// forkOwner qualifies PR head refs when working through a fork.
	forkOwner string
	logger    *logx.Logger
	timeout   time.Duration

	// execFn is swapped out by tests.
	execFn func(ctx context.Context, args ...string) ([]byte, error)
}

// NewClient creates a client for owner/repo.
func NewClient(owner, repo string) *Client {
	return &Client{
		owner:   owner,
		repo:    repo,
		logger:  logx.NewLogger("github"),
		timeout: 30 * time.Second,
	}
}

// NewClientFromRemote creates a client by parsing a git remote URL.
func NewClientFromRemote(remoteURL string) (*Client, error) {
	owner, repo, err := ParseGitHubURL(remoteURL)
	if err != nil {
		return nil, err
	}
	return NewClient(owner, repo), nil
}

// WithForkOwner returns a client that treats branches as living in the
// given fork. PR lookups then use the "forkOwner:branch" head qualifier.
func (c *Client) WithForkOwner(forkOwner string) *Client {
	clone := *c
	clone.forkOwner = forkOwner
	return &clone
}

// WithTimeout returns a client with the given per-call timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	clone := *c
	clone.timeout = timeout
	return &clone
}

// RepoPath returns the owner/repo path.
func (c *Client) RepoPath() string {
	return fmt.Sprintf("%s/%s", c.owner, c.repo)
}

// headRef qualifies a branch name for PR queries.
func (c *Client) headRef(branch string) string {
	if c.forkOwner != "" {
		return c.forkOwner + ":" + branch
	}
	return branch
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	if c.execFn != nil {
		return c.execFn(ctx, args...)
	}
	return c.runGh(ctx, args...)
}

func (c *Client) runGh(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Debug("Executing: gh %s", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, "gh", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		c.logger.Debug("Command failed: %v, output: %s", err, string(output))
		wrapped := fmt.Errorf("gh command failed: %w\nOutput: %s", err, string(output))
		if isTransient(ctx, string(output)) {
			return nil, &errs.NetworkError{Op: "gh " + firstArg(args), Err: wrapped}
		}
		return nil, wrapped
	}
	return output, nil
}

// runJSON executes a gh command and unmarshals the JSON response.
func (c *Client) runJSON(ctx context.Context, result interface{}, args ...string) error {
	output, err := c.run(ctx, args...)
	if err != nil {
		return err
	}
	if len(output) == 0 {
		return nil // Empty response is valid for some operations.
	}
	if err := json.Unmarshal(output, result); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w\nOutput: %s", err, string(output))
	}
	return nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return "?"
	}
	return args[0]
}

// isTransient recognizes failures worth retrying: context expiry and
// network or server-side errors surfaced in gh's output.
func isTransient(ctx context.Context, output string) bool {
	if ctx.Err() != nil {
		return true
	}
	lower := strings.ToLower(output)
	for _, marker := range []string{
		"timeout",
		"connection refused",
		"connection reset",
		"could not resolve host",
		"network is unreachable",
		"http 5",
		"502",
		"503",
		"rate limit",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ParseGitHubURL extracts owner and repo from SSH and HTTPS GitHub URLs.
func ParseGitHubURL(url string) (owner, repo string, err error) {
	var path string
	switch {
	case strings.HasPrefix(url, "git@github.com:"):
		path = strings.TrimPrefix(url, "git@github.com:")
	case strings.HasPrefix(url, "https://github.com/"):
		path = strings.TrimPrefix(url, "https://github.com/")
	default:
		return "", "", fmt.Errorf("unsupported Git URL format: %s", url)
	}

	path = strings.TrimSuffix(path, ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GitHub URL format: %s", url)
	}
	return parts[0], parts[1], nil
}

// ParseIssueURL extracts owner, repo, and issue number from an issue URL
// like https://github.com/owner/repo/issues/42.
func ParseIssueURL(url string) (owner, repo string, number int, err error) {
	trimmed := strings.TrimPrefix(url, "https://github.com/")
	if trimmed == url {
		return "", "", 0, fmt.Errorf("unsupported issue URL format: %s", url)
	}
	parts := strings.Split(strings.TrimSuffix(trimmed, "/"), "/")
	if len(parts) != 4 || parts[2] != "issues" {
		return "", "", 0, fmt.Errorf("invalid issue URL format: %s", url)
	}
	if _, err := fmt.Sscanf(parts[3], "%d", &number); err != nil || number < 1 {
		return "", "", 0, fmt.Errorf("invalid issue number in URL: %s", url)
	}
	return parts[0], parts[1], number, nil
}

// CheckAuth verifies that the gh CLI is authenticated.
func CheckAuth(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "gh", "auth", "status")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("gh auth check failed: %w\nOutput: %s", err, string(output))
	}
	return nil
}
