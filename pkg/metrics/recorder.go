// Package metrics provides Prometheus-based metrics for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"conductor/pkg/events"
	"conductor/pkg/resilience"
)

// Recorder holds the Prometheus collectors. It feeds off the progress event
// stream so the orchestrator itself never imports this package.
type Recorder struct {
	itemsTotal     *prometheus.CounterVec
	runsTotal      *prometheus.CounterVec
	spendTotal     prometheus.Counter
	conflictsTotal prometheus.Counter
	itemsInFlight  prometheus.Gauge
	circuitState   *prometheus.GaugeVec
}

// NewRecorder creates a recorder registered on reg. A nil reg uses the
// default registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		itemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_work_items_total",
				Help: "Work items resolved, by terminal status",
			},
			[]string{"status"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_runs_total",
				Help: "Parallel runs finished, by stop reason",
			},
			[]string{"stop_reason"},
		),
		spendTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_spend_usd_total",
				Help: "Cumulative AI backend spend in USD",
			},
		),
		conflictsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_conflicts_detected_total",
				Help: "Cross-workspace file conflicts detected",
			},
		),
		itemsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_items_in_flight",
				Help: "Work items currently being processed",
			},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conductor_circuit_state",
				Help: "Circuit breaker state per class (0=closed, 1=half-open, 2=open)",
			},
			[]string{"class"},
		),
	}
}

// Subscriber returns an event-bus subscriber that keeps the counters
// current.
func (r *Recorder) Subscriber() events.Subscriber {
	return func(e events.Event) {
		switch e.Type {
		case events.IssueStarted:
			r.itemsInFlight.Inc()
		case events.IssueCompleted:
			r.itemsInFlight.Dec()
			r.itemsTotal.WithLabelValues("completed").Inc()
			r.spendTotal.Add(e.CostUSD)
		case events.IssueFailed:
			r.itemsInFlight.Dec()
			r.itemsTotal.WithLabelValues("failed").Inc()
			r.spendTotal.Add(e.CostUSD)
		case events.IssueSkipped:
			r.itemsTotal.WithLabelValues("cancelled").Inc()
		case events.ConflictFound:
			r.conflictsTotal.Inc()
		case events.RunCompleted, events.RunError:
			r.runsTotal.WithLabelValues(e.Reason).Inc()
		}
	}
}

// ObserveCircuit records the breaker state for one operation class. The
// status server calls this on scrape for each known class.
func (r *Recorder) ObserveCircuit(class string, state resilience.State) {
	var v float64
	switch state {
	case resilience.HalfOpen:
		v = 1
	case resilience.Open:
		v = 2
	}
	r.circuitState.WithLabelValues(class).Set(v)
}
