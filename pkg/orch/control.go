package orch

import (
	"fmt"

	"conductor/pkg/events"
	"conductor/pkg/persistence"
)

// Pause stops workers from claiming new items. In-flight items run to
// completion; the run stays resumable.
func (o *Orchestrator) Pause(runID string) error {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status != persistence.RunRunning {
		return fmt.Errorf("run %s is %s, not running", runID, run.Status)
	}
	if err := o.store.UpdateRunStatus(runID, persistence.RunPaused, nil); err != nil {
		return err
	}
	o.emit(runID, events.Event{Type: events.RunPaused})
	return nil
}

// Resume lets a paused run's workers claim items again. This only flips
// the persisted status; if no process is executing the run, use ResumeRun
// to attach a fresh worker pool.
func (o *Orchestrator) Resume(runID string) error {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status != persistence.RunPaused {
		return fmt.Errorf("run %s is %s, not paused", runID, run.Status)
	}
	return o.store.UpdateRunStatus(runID, persistence.RunRunning, nil)
}

// Cancel stops a run: pending items are cancelled immediately and
// in-flight items get their contexts pulled. Cancelling a finished run is
// a no-op.
func (o *Orchestrator) Cancel(runID string) error {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return err
	}
	if persistence.IsTerminalRunStatus(run.Status) {
		return nil
	}

	if _, err := o.store.CancelPendingItems(runID); err != nil {
		return err
	}
	reason := StopManual
	if err := o.store.UpdateRunStatus(runID, persistence.RunCancelled, &reason); err != nil {
		return err
	}

	o.mu.Lock()
	rs := o.runs[runID]
	o.mu.Unlock()
	if rs != nil {
		rs.setStop(StopManual)
		rs.cancel()
	}
	return nil
}

// CancelItem cancels one work item. A pending item is settled directly; an
// in-flight item in this process gets its context pulled and settles
// through the pipeline's error path.
func (o *Orchestrator) CancelItem(runID, issueURL string) error {
	item, err := o.store.GetWorkItem(runID, issueURL)
	if err != nil {
		return err
	}
	if persistence.IsTerminalItemStatus(item.Status) {
		return nil
	}

	o.mu.Lock()
	rs := o.runs[runID]
	o.mu.Unlock()
	if rs != nil && rs.cancelItem(issueURL) {
		return nil
	}

	reason := "cancelled by operator"
	return o.store.UpdateWorkItem(runID, issueURL, persistence.WorkItemPatch{
		Status: ptr(persistence.ItemCancelled),
		Error:  &reason,
	})
}
