package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"conductor/pkg/events"
	"conductor/pkg/resilience"
)

func TestSubscriberTracksItemOutcomes(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())
	sub := r.Subscriber()

	sub(events.Event{Type: events.IssueStarted, IssueURL: "a"})
	sub(events.Event{Type: events.IssueStarted, IssueURL: "b"})
	assert.Equal(t, 2.0, testutil.ToFloat64(r.itemsInFlight))

	sub(events.Event{Type: events.IssueCompleted, IssueURL: "a", CostUSD: 0.25})
	sub(events.Event{Type: events.IssueFailed, IssueURL: "b", CostUSD: 0.10})
	sub(events.Event{Type: events.IssueSkipped, IssueURL: "c"})

	assert.Equal(t, 0.0, testutil.ToFloat64(r.itemsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.itemsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.itemsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.itemsTotal.WithLabelValues("cancelled")))
	assert.InDelta(t, 0.35, testutil.ToFloat64(r.spendTotal), 1e-9)
}

func TestSubscriberTracksRunsAndConflicts(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())
	sub := r.Subscriber()

	sub(events.Event{Type: events.ConflictFound})
	sub(events.Event{Type: events.RunCompleted, Reason: "completed"})
	sub(events.Event{Type: events.RunError, Reason: "max_budget"})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.conflictsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runsTotal.WithLabelValues("max_budget")))
}

func TestObserveCircuit(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())

	r.ObserveCircuit("git-remote", resilience.Closed)
	r.ObserveCircuit("ai-backend", resilience.Open)
	r.ObserveCircuit("vcs-api", resilience.HalfOpen)

	assert.Equal(t, 0.0, testutil.ToFloat64(r.circuitState.WithLabelValues("git-remote")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.circuitState.WithLabelValues("ai-backend")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.circuitState.WithLabelValues("vcs-api")))
}
