package persistence

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Issue is the durable record of one externally-tracked work item. Issues
// are never deleted; terminal states are retained for audit.
//
//nolint:govet // struct alignment optimization not critical for this type
type Issue struct {
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	ID        string     `json:"id"`
	Project   string     `json:"project"` // owner/repo
	Number    int        `json:"number"`
	URL       string     `json:"url"`
	Title     string     `json:"title"`
	Body      string     `json:"body,omitempty"`
	Labels    string     `json:"labels,omitempty"` // comma-separated
	State     string     `json:"state"`
	PRNumber  *int       `json:"pr_number,omitempty"`
	PRURL     *string    `json:"pr_url,omitempty"`
}

// Session records one AI-backend engagement tied to an issue. A retry never
// reopens a session; it supersedes it with a fresh one.
//
//nolint:govet // struct alignment optimization not critical for this type
type Session struct {
	CreatedAt    time.Time  `json:"created_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ID           string     `json:"id"`
	IssueID      string     `json:"issue_id"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	Status       string     `json:"status"`
	WorkingDir   string     `json:"working_dir,omitempty"`
	Turns        int        `json:"turns"`
	CostUSD      float64    `json:"cost_usd"`
	Resumable    bool       `json:"resumable"`
	SupersededBy *string    `json:"superseded_by,omitempty"`
	Error        *string    `json:"error,omitempty"`
}

// ParallelRun is one batch of work items sharing a concurrency bound and a
// budget. Counts are derived from the work_items table on read so they can
// never drift from the items themselves.
//
//nolint:govet // struct alignment optimization not critical for this type
type ParallelRun struct {
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	MaxConcurrent int        `json:"max_concurrent"`
	BudgetUSD     float64    `json:"budget_usd"`
	TotalIssues   int        `json:"total_issues"`
	TotalCostUSD  float64    `json:"total_cost_usd"`
	StopReason    *string    `json:"stop_reason,omitempty"`
}

// RunCounts aggregates work-item statuses for one run.
type RunCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Total returns the sum of all status buckets.
func (c RunCounts) Total() int {
	return c.Pending + c.InProgress + c.Completed + c.Failed + c.Cancelled
}

// Resolved returns how many items reached a terminal status.
func (c RunCounts) Resolved() int {
	return c.Completed + c.Failed + c.Cancelled
}

// WorkItem is one (run, issue-url) pair. Terminal statuses are final: a
// retry creates a new item, never reverts this one.
//
//nolint:govet // struct alignment optimization not critical for this type
type WorkItem struct {
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RunID       string     `json:"run_id"`
	IssueURL    string     `json:"issue_url"`
	Status      string     `json:"status"`
	CostUSD     float64    `json:"cost_usd"`
	SessionID   *string    `json:"session_id,omitempty"`
	PRURL       *string    `json:"pr_url,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// WorkRecord is the durable issue -> workspace mapping used to resume or
// clean up work that outlived its process.
//
//nolint:govet // struct alignment optimization not critical for this type
type WorkRecord struct {
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	IssueURL     string    `json:"issue_url"`
	Branch       string    `json:"branch"`
	WorktreePath string    `json:"worktree_path"`
	PRNumber     *int      `json:"pr_number,omitempty"`
	PRURL        *string   `json:"pr_url,omitempty"`
	Attempts     int       `json:"attempts"`
	TotalCostUSD float64   `json:"total_cost_usd"`
	Active       bool      `json:"active"`
}

// Transition is one immutable audit row. Exactly one is appended per
// accepted state change, in the same transaction as the change itself.
//
//nolint:govet // struct alignment optimization not critical for this type
type Transition struct {
	Timestamp time.Time `json:"timestamp"`
	ID        int64     `json:"id"`
	Entity    string    `json:"entity"` // "issue", "work_item", "run", "session"
	EntityID  string    `json:"entity_id"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Reason    string    `json:"reason,omitempty"`
	SessionID *string   `json:"session_id,omitempty"`
}

// SpendEntry is one row of the spend ledger.
type SpendEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Scope     string    `json:"scope"`
	AmountUSD float64   `json:"amount_usd"`
}

// Issue lifecycle states.
const (
	IssueDiscovered       = "discovered"
	IssueQueued           = "queued"
	IssueInProgress       = "in_progress"
	IssuePRCreated        = "pr_created"
	IssueAwaitingFeedback = "awaiting_feedback"
	IssueIterating        = "iterating"
	IssueMerged           = "merged"
	IssueClosed           = "closed"
	IssueAbandoned        = "abandoned"
)

// Work item statuses.
const (
	ItemPending    = "pending"
	ItemInProgress = "in_progress"
	ItemCompleted  = "completed"
	ItemFailed     = "failed"
	ItemCancelled  = "cancelled"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunPaused    = "paused"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
	RunFailed    = "failed"
)

// Session statuses.
const (
	SessionActive     = "active"
	SessionClosed     = "closed"
	SessionSuperseded = "superseded"
)

// Audited entity kinds.
const (
	EntityIssue    = "issue"
	EntityWorkItem = "work_item"
	EntityRun      = "run"
	EntitySession  = "session"
)

// IssueTransitions is the issue state machine. A transition is accepted only
// if the target appears in the source's list; `closed` is reachable from any
// non-terminal state (external close of the tracked issue).
//
//nolint:gochecknoglobals // Immutable transition table.
var IssueTransitions = map[string][]string{
	IssueDiscovered:       {IssueQueued, IssueClosed},
	IssueQueued:           {IssueInProgress, IssueClosed},
	IssueInProgress:       {IssuePRCreated, IssueAbandoned, IssueClosed},
	IssuePRCreated:        {IssueAwaitingFeedback, IssueClosed},
	IssueAwaitingFeedback: {IssueIterating, IssueClosed},
	IssueIterating:        {IssuePRCreated, IssueMerged, IssueAbandoned, IssueClosed},
	IssueMerged:           {},
	IssueClosed:           {},
	IssueAbandoned:        {},
}

// ItemTransitions is the work-item status machine. pending -> cancelled is
// the direct path cancelAllWork takes for not-yet-started items.
//
//nolint:gochecknoglobals // Immutable transition table.
var ItemTransitions = map[string][]string{
	ItemPending:    {ItemInProgress, ItemCancelled},
	ItemInProgress: {ItemCompleted, ItemFailed, ItemCancelled},
	ItemCompleted:  {},
	ItemFailed:     {},
	ItemCancelled:  {},
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(table map[string][]string, from, to string) bool {
	for _, allowed := range table[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminalIssueState reports whether an issue state has no exits.
func IsTerminalIssueState(state string) bool {
	return len(IssueTransitions[state]) == 0
}

// IsTerminalItemStatus reports whether a work-item status has no exits.
func IsTerminalItemStatus(status string) bool {
	return len(ItemTransitions[status]) == 0
}

// IsTerminalRunStatus reports whether a run status is final.
func IsTerminalRunStatus(status string) bool {
	return status == RunCompleted || status == RunCancelled || status == RunFailed
}

// GenerateIssueID generates a new UUID for an issue row.
func GenerateIssueID() string {
	return uuid.New().String()
}

// GenerateSessionID generates a new UUID for a session row.
func GenerateSessionID() string {
	return uuid.New().String()
}

// GenerateRunID generates an 8-character hex ID for a run (like short git
// hashes), which keeps CLI output and branch names readable.
func GenerateRunID() (string, error) {
	bytes := make([]byte, 4)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("%x", bytes), nil
}
