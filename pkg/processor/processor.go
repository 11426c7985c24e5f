// Package processor is the AI-backend boundary: the orchestrator hands an
// issue and a prepared workspace to a WorkProcessor and gets back an
// outcome with its cost. Adapters exist for Anthropic and OpenAI.
package processor

import (
	"context"
	"fmt"
	"os"
	"strings"

	"conductor/pkg/config"
	"conductor/pkg/resilience"
)

// Request describes one engagement.
//
//nolint:govet // Logical grouping preferred over memory optimization
type Request struct {
	IssueURL   string
	IssueTitle string
	IssueBody  string
	// WorkDir is the issue's worktree; the processor works only inside it.
	WorkDir string
	Branch  string
	DryRun  bool
	// BudgetUSD is advisory; the processor should stop engaging once its
	// own estimate crosses it. Zero means no per-engagement cap.
	BudgetUSD float64
	// Heartbeat resets the caller's watchdog; adapters call it around
	// every network round-trip.
	Heartbeat resilience.Heartbeat
}

// Result is the outcome of one engagement.
type Result struct {
	Success      bool
	Summary      string
	PRURL        string
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
	TurnCount    int
	Error        string
}

// WorkProcessor processes one issue. Implementations may be slow and must
// honor ctx cancellation between network round-trips.
type WorkProcessor interface {
	Name() string
	Process(ctx context.Context, req Request) (*Result, error)
}

// New builds the configured adapter. API keys come from the environment
// (ANTHROPIC_API_KEY / OPENAI_API_KEY), never from config files.
func New(cfg config.Processor) (WorkProcessor, error) {
	switch cfg.Provider {
	case "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}
		return NewAnthropic(key, cfg.Model, cfg.MaxTokens), nil
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		return NewOpenAI(key, cfg.Model, cfg.MaxTokens), nil
	default:
		return nil, fmt.Errorf("unknown processor provider %q", cfg.Provider)
	}
}

const systemPrompt = `You are a software engineer working on one GitHub issue in an isolated git worktree. Produce a concrete, complete resolution plan: the files to change, the exact changes, and the commit message. Stay within the issue's scope.`

// buildPrompt renders the engagement prompt for an issue.
func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue: %s\n", req.IssueURL)
	fmt.Fprintf(&b, "Title: %s\n\n", req.IssueTitle)
	if req.IssueBody != "" {
		fmt.Fprintf(&b, "%s\n\n", req.IssueBody)
	}
	fmt.Fprintf(&b, "Working directory: %s (branch %s)\n", req.WorkDir, req.Branch)
	if req.DryRun {
		b.WriteString("This is a dry run: describe the changes, do not finalize anything.\n")
	}
	return b.String()
}

// heartbeat is a nil-safe beat.
func heartbeat(req Request) {
	if req.Heartbeat != nil {
		req.Heartbeat()
	}
}
