package github

import (
	"context"
	"fmt"
)

// PullRequest represents a GitHub pull request. Field names match gh CLI
// --json output.
//
//nolint:govet // Logical grouping preferred over memory optimization
type PullRequest struct {
	Number      int    `json:"number"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	State       string `json:"state"` // OPEN, CLOSED, MERGED
	HeadRefName string `json:"headRefName"`
	BaseRefName string `json:"baseRefName"`
	Closed      bool   `json:"closed"`
	MergedAt    string `json:"mergedAt"` // Non-empty if merged
}

// IsMerged returns true if the PR has been merged.
func (pr *PullRequest) IsMerged() bool {
	return pr.MergedAt != ""
}

// PRCreateOptions contains options for creating a pull request.
type PRCreateOptions struct {
	Title string
	Body  string
	Head  string // Source branch
	Base  string // Target branch
	Draft bool
}

const prFields = "number,url,title,state,headRefName,baseRefName,closed,mergedAt"

// ListPRsForBranch lists pull requests whose head is the given branch. In
// fork mode the head is qualified with the fork owner.
func (c *Client) ListPRsForBranch(ctx context.Context, branch string) ([]PullRequest, error) {
	args := []string{
		"pr", "list",
		"--repo", c.RepoPath(),
		"--head", c.headRef(branch),
		"--state", "all",
		"--json", prFields,
	}

	var prs []PullRequest
	if err := c.runJSON(ctx, &prs, args...); err != nil {
		return nil, fmt.Errorf("failed to list PRs for branch %s: %w", branch, err)
	}
	return prs, nil
}

// HasOpenPR reports whether an open pull request currently has the branch
// as its head. The auto-clean branch strategy uses this as its guard
// against deleting a branch out from under a live PR.
func (c *Client) HasOpenPR(ctx context.Context, branch string) (bool, error) {
	prs, err := c.ListPRsForBranch(ctx, branch)
	if err != nil {
		return false, err
	}
	for i := range prs {
		if prs[i].State == "OPEN" {
			return true, nil
		}
	}
	return false, nil
}

// CreatePR creates a pull request from the branch.
func (c *Client) CreatePR(ctx context.Context, opts PRCreateOptions) (*PullRequest, error) {
	if opts.Head == "" {
		return nil, fmt.Errorf("head branch is required")
	}
	if opts.Title == "" {
		return nil, fmt.Errorf("title is required")
	}

	base := opts.Base
	if base == "" {
		base = "main"
	}

	args := []string{
		"pr", "create",
		"--repo", c.RepoPath(),
		"--title", opts.Title,
		"--head", c.headRef(opts.Head),
		"--base", base,
	}
	if opts.Body != "" {
		args = append(args, "--body", opts.Body)
	} else {
		args = append(args, "--body", "")
	}
	if opts.Draft {
		args = append(args, "--draft")
	}

	if _, err := c.run(ctx, args...); err != nil {
		return nil, fmt.Errorf("failed to create PR for %s: %w", opts.Head, err)
	}

	// gh pr create prints the URL, not JSON; read the PR back for a full
	// record.
	prs, err := c.ListPRsForBranch(ctx, opts.Head)
	if err != nil {
		return nil, err
	}
	for i := range prs {
		if prs[i].State == "OPEN" {
			return &prs[i], nil
		}
	}
	return nil, fmt.Errorf("PR for %s not found after creation", opts.Head)
}
