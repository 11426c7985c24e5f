package github

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGitHubURL(t *testing.T) {
	tests := []struct {
		url       string
		owner     string
		repo      string
		expectErr bool
	}{
		{"https://github.com/octo/widgets.git", "octo", "widgets", false},
		{"https://github.com/octo/widgets", "octo", "widgets", false},
		{"git@github.com:octo/widgets.git", "octo", "widgets", false},
		{"https://gitlab.com/octo/widgets", "", "", true},
		{"https://github.com/octo", "", "", true},
	}

	for _, tt := range tests {
		owner, repo, err := ParseGitHubURL(tt.url)
		if tt.expectErr {
			assert.Error(t, err, tt.url)
			continue
		}
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.owner, owner)
		assert.Equal(t, tt.repo, repo)
	}
}

func TestParseIssueURL(t *testing.T) {
	owner, repo, number, err := ParseIssueURL("https://github.com/octo/widgets/issues/42")
	require.NoError(t, err)
	assert.Equal(t, "octo", owner)
	assert.Equal(t, "widgets", repo)
	assert.Equal(t, 42, number)

	_, _, _, err = ParseIssueURL("https://github.com/octo/widgets/pull/42")
	assert.Error(t, err)
	_, _, _, err = ParseIssueURL("https://github.com/octo/widgets/issues/zero")
	assert.Error(t, err)
}

// fakeExec returns canned output and records the args it saw.
func fakeExec(output string, err error) (func(context.Context, ...string) ([]byte, error), *[][]string) {
	var seen [][]string
	fn := func(_ context.Context, args ...string) ([]byte, error) {
		seen = append(seen, args)
		return []byte(output), err
	}
	return fn, &seen
}

func TestHasOpenPR(t *testing.T) {
	c := NewClient("octo", "widgets")
	fn, _ := fakeExec(`[{"number":7,"state":"OPEN","headRefName":"agent/issue-1"}]`, nil)
	c.execFn = fn

	open, err := c.HasOpenPR(context.Background(), "agent/issue-1")
	require.NoError(t, err)
	assert.True(t, open)
}

func TestHasOpenPRIgnoresClosed(t *testing.T) {
	c := NewClient("octo", "widgets")
	fn, _ := fakeExec(`[{"number":7,"state":"MERGED"},{"number":8,"state":"CLOSED"}]`, nil)
	c.execFn = fn

	open, err := c.HasOpenPR(context.Background(), "agent/issue-1")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestHasOpenPRPropagatesError(t *testing.T) {
	c := NewClient("octo", "widgets")
	fn, _ := fakeExec("", errors.New("gh exploded"))
	c.execFn = fn

	_, err := c.HasOpenPR(context.Background(), "agent/issue-1")
	assert.Error(t, err)
}

func TestForkOwnerQualifiesHead(t *testing.T) {
	c := NewClient("octo", "widgets").WithForkOwner("bot")
	fn, seen := fakeExec(`[]`, nil)
	c.execFn = fn

	_, err := c.ListPRsForBranch(context.Background(), "agent/issue-1")
	require.NoError(t, err)
	require.Len(t, *seen, 1)
	assert.Contains(t, strings.Join((*seen)[0], " "), "--head bot:agent/issue-1")
}

func TestIsTransient(t *testing.T) {
	ctx := context.Background()
	assert.True(t, isTransient(ctx, "dial tcp: connection refused"))
	assert.True(t, isTransient(ctx, "HTTP 502: bad gateway"))
	assert.True(t, isTransient(ctx, "API rate limit exceeded"))
	assert.False(t, isTransient(ctx, "GraphQL: Could not resolve to a Repository"))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.True(t, isTransient(cancelled, "anything"))
}
