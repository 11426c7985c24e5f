package persistence

import (
	"errors"
	"path/filepath"
	"testing"

	"conductor/pkg/errs"
)

// Helper to create a fresh store per test.
func createTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedIssue(t *testing.T, store *Store, url string) *Issue {
	t.Helper()

	issue := &Issue{
		Project: "acme/widgets",
		Number:  len(url), // Unique enough per distinct URL in these tests.
		URL:     url,
		Title:   "Fix the widget",
	}
	if err := store.CreateIssue(issue); err != nil {
		t.Fatalf("Failed to create issue: %v", err)
	}
	return issue
}

func TestIssueLifecycle(t *testing.T) {
	store := createTestStore(t)
	issue := seedIssue(t, store, "https://github.com/acme/widgets/issues/7")

	if issue.State != IssueDiscovered {
		t.Fatalf("Expected new issue in discovered, got %s", issue.State)
	}

	steps := []string{IssueQueued, IssueInProgress, IssuePRCreated, IssueAwaitingFeedback, IssueIterating, IssueMerged}
	for _, next := range steps {
		if err := store.TransitionIssue(issue.ID, next, "test step", nil); err != nil {
			t.Fatalf("Transition to %s failed: %v", next, err)
		}
	}

	got, err := store.GetIssue(issue.ID)
	if err != nil {
		t.Fatalf("Failed to reload issue: %v", err)
	}
	if got.State != IssueMerged {
		t.Errorf("Expected merged, got %s", got.State)
	}
	if got.ClosedAt == nil {
		t.Errorf("Expected closed_at stamped on terminal state")
	}

	// Audit trail matches the accepted transitions exactly: creation plus
	// each step, in order.
	transitions, err := store.ListTransitions(EntityIssue, issue.ID)
	if err != nil {
		t.Fatalf("Failed to list transitions: %v", err)
	}
	if len(transitions) != len(steps)+1 {
		t.Fatalf("Expected %d transitions, got %d", len(steps)+1, len(transitions))
	}
	for i, next := range steps {
		tr := transitions[i+1]
		if tr.ToState != next {
			t.Errorf("Transition %d: expected to_state %s, got %s", i+1, next, tr.ToState)
		}
	}
}

func TestInvalidTransitionLeavesStateAndLogUnchanged(t *testing.T) {
	store := createTestStore(t)
	issue := seedIssue(t, store, "https://github.com/acme/widgets/issues/8")

	before, _ := store.ListTransitions(EntityIssue, issue.ID)

	// discovered -> merged is not reachable.
	err := store.TransitionIssue(issue.ID, IssueMerged, "should fail", nil)
	if err == nil {
		t.Fatal("Expected invalid transition error")
	}
	var invalidErr *errs.InvalidTransitionError
	if !errors.As(err, &invalidErr) {
		t.Fatalf("Expected InvalidTransitionError, got %T: %v", err, err)
	}
	if invalidErr.From != IssueDiscovered || invalidErr.To != IssueMerged {
		t.Errorf("Unexpected error detail: %+v", invalidErr)
	}

	got, err := store.GetIssue(issue.ID)
	if err != nil {
		t.Fatalf("Failed to reload issue: %v", err)
	}
	if got.State != IssueDiscovered {
		t.Errorf("State changed on rejected transition: %s", got.State)
	}
	after, _ := store.ListTransitions(EntityIssue, issue.ID)
	if len(after) != len(before) {
		t.Errorf("Audit log grew on rejected transition: %d -> %d", len(before), len(after))
	}
}

func TestTransitionUnknownIssue(t *testing.T) {
	store := createTestStore(t)

	err := store.TransitionIssue("no-such-id", IssueQueued, "", nil)
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("Expected not found, got %v", err)
	}
}

func TestTerminalIssueStatesHaveNoExits(t *testing.T) {
	for _, state := range []string{IssueMerged, IssueClosed, IssueAbandoned} {
		if !IsTerminalIssueState(state) {
			t.Errorf("Expected %s terminal", state)
		}
		if len(IssueTransitions[state]) != 0 {
			t.Errorf("Terminal state %s has exits: %v", state, IssueTransitions[state])
		}
	}
}

func TestSessionSupersede(t *testing.T) {
	store := createTestStore(t)
	issue := seedIssue(t, store, "https://github.com/acme/widgets/issues/9")

	first := &Session{IssueID: issue.ID, Provider: "anthropic", Model: "claude-sonnet-4"}
	if err := store.CreateSession(first); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	replacement := &Session{IssueID: issue.ID, Provider: "anthropic", Model: "claude-sonnet-4"}
	if err := store.SupersedeSession(first.ID, replacement); err != nil {
		t.Fatalf("Failed to supersede session: %v", err)
	}

	old, err := store.GetSession(first.ID)
	if err != nil {
		t.Fatalf("Failed to reload old session: %v", err)
	}
	if old.Status != SessionSuperseded {
		t.Errorf("Expected superseded, got %s", old.Status)
	}
	if old.SupersededBy == nil || *old.SupersededBy != replacement.ID {
		t.Errorf("Expected superseded_by link to %s", replacement.ID)
	}

	// Superseding twice is rejected.
	if err := store.SupersedeSession(first.ID, &Session{IssueID: issue.ID, Provider: "anthropic", Model: "m"}); err == nil {
		t.Error("Expected error superseding an already-superseded session")
	}
}

func TestCloseSessionRecordsOutcome(t *testing.T) {
	store := createTestStore(t)
	issue := seedIssue(t, store, "https://github.com/acme/widgets/issues/10")

	session := &Session{IssueID: issue.ID, Provider: "openai", Model: "gpt-5"}
	if err := store.CreateSession(session); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	termErr := "backend refused"
	if err := store.CloseSession(session.ID, 14, 1.25, &termErr); err != nil {
		t.Fatalf("Failed to close session: %v", err)
	}

	got, err := store.GetSession(session.ID)
	if err != nil {
		t.Fatalf("Failed to reload session: %v", err)
	}
	if got.Status != SessionClosed || got.Turns != 14 || got.Error == nil {
		t.Errorf("Unexpected closed session: %+v", got)
	}
	if got.EndedAt == nil {
		t.Error("Expected ended_at stamped")
	}

	// Closing twice fails InvalidTransition.
	if err := store.CloseSession(session.ID, 14, 1.25, nil); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("Expected invalid transition on double close, got %v", err)
	}
}
