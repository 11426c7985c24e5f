package github

import (
	"context"
	"fmt"
)

// Issue is the subset of GitHub issue fields the orchestrator records.
type Issue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	URL    string `json:"url"`
	State  string `json:"state"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// LabelNames flattens the label objects.
func (i *Issue) LabelNames() []string {
	names := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		names = append(names, l.Name)
	}
	return names
}

// GetIssue fetches one issue by number.
func (c *Client) GetIssue(ctx context.Context, number int) (*Issue, error) {
	args := []string{
		"issue", "view", fmt.Sprintf("%d", number),
		"--repo", c.RepoPath(),
		"--json", "number,title,body,url,state,labels",
	}

	var issue Issue
	if err := c.runJSON(ctx, &issue, args...); err != nil {
		return nil, fmt.Errorf("failed to get issue #%d: %w", number, err)
	}
	return &issue, nil
}

// ListOpenIssues lists open issues, optionally filtered by label.
func (c *Client) ListOpenIssues(ctx context.Context, label string, limit int) ([]Issue, error) {
	if limit < 1 {
		limit = 50
	}
	args := []string{
		"issue", "list",
		"--repo", c.RepoPath(),
		"--state", "open",
		"--limit", fmt.Sprintf("%d", limit),
		"--json", "number,title,body,url,state,labels",
	}
	if label != "" {
		args = append(args, "--label", label)
	}

	var issues []Issue
	if err := c.runJSON(ctx, &issues, args...); err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	return issues, nil
}

// CreateFork forks the repository into the authenticated user's account and
// returns the fork's clone URL. Forking an already-forked repository is not
// an error; gh reports the existing fork.
func (c *Client) CreateFork(ctx context.Context) (string, error) {
	args := []string{
		"repo", "fork", c.RepoPath(),
		"--clone=false",
	}
	if _, err := c.run(ctx, args...); err != nil {
		return "", fmt.Errorf("failed to fork %s: %w", c.RepoPath(), err)
	}

	// Resolve the fork's URL through the viewer's login.
	var viewer struct {
		Login string `json:"login"`
	}
	if err := c.runJSON(ctx, &viewer, "api", "user"); err != nil {
		return "", err
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", viewer.Login, c.repo), nil
}
