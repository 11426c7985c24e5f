// Package healthserver exposes the read-only status API: health probe,
// run and queue state, issue history, recent logs, and Prometheus
// metrics. It never mutates orchestrator state; control verbs stay on the
// CLI.
package healthserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/pkg/budget"
	"conductor/pkg/errs"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/resilience"
)

// circuitClasses are the operation classes surfaced on the status API.
//
//nolint:gochecknoglobals // Fixed enumeration shared by two handlers.
var circuitClasses = []string{"git-remote", "vcs-api", "ai-backend"}

// Server is the status HTTP server.
type Server struct {
	store    *persistence.Store
	exec     *resilience.Executor
	governor *budget.Governor
	recorder *metrics.Recorder
	registry *prometheus.Registry
	logger   *logx.Logger
	http     *http.Server
}

// New creates a status server listening on addr.
func New(addr string, store *persistence.Store, exec *resilience.Executor, governor *budget.Governor) *Server {
	registry := prometheus.NewRegistry()
	s := &Server{
		store:    store,
		exec:     exec,
		governor: governor,
		recorder: metrics.NewRecorder(registry),
		registry: registry,
		logger:   logx.NewLogger("healthserver"),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Recorder exposes the metrics recorder so callers can subscribe it to the
// event bus.
func (s *Server) Recorder() *metrics.Recorder { return s.recorder }

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metricsHandler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/items", s.handleRunItems)
		r.Get("/queue", s.handleQueue)
		r.Get("/issues/{id}/history", s.handleIssueHistory)
		r.Get("/budget", s.handleBudget)
		r.Get("/breakers", s.handleBreakers)
		r.Get("/logs", s.handleLogs)
	})
	return r
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()

	s.logger.Info("status server listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// metricsHandler refreshes the circuit gauges on every scrape, then serves
// the registry.
func (s *Server) metricsHandler() http.Handler {
	inner := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, class := range circuitClasses {
			s.recorder.ObserveCircuit(class, s.exec.BreakerState(class))
		}
		inner.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns()
	if err != nil {
		s.writeError(w, err)
		return
	}

	type runView struct {
		*persistence.ParallelRun
		Counts persistence.RunCounts `json:"counts"`
	}
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		counts, err := s.store.GetRunCounts(run.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		views = append(views, runView{ParallelRun: run, Counts: counts})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	counts, err := s.store.GetRunCounts(run.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":    run,
		"counts": counts,
	})
}

func (s *Server) handleRunItems(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(runID); err != nil {
		s.writeError(w, err)
		return
	}
	items, err := s.store.ListWorkItems(runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleQueue lists issues that are waiting to be worked.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	queued, err := s.store.ListIssuesByState(persistence.IssueQueued)
	if err != nil {
		s.writeError(w, err)
		return
	}
	inProgress, err := s.store.ListIssuesByState(persistence.IssueInProgress)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queued":      queued,
		"in_progress": inProgress,
	})
}

func (s *Server) handleIssueHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	issue, err := s.store.GetIssue(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	transitions, err := s.store.ListTransitions(persistence.EntityIssue, issue.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"issue":       issue,
		"transitions": transitions,
	})
}

func (s *Server) handleBudget(w http.ResponseWriter, _ *http.Request) {
	today, err := s.governor.SpentToday()
	if err != nil {
		s.writeError(w, err)
		return
	}
	month, err := s.governor.SpentThisMonth()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{
		"spent_today_usd":      today,
		"spent_this_month_usd": month,
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	states := make(map[string]string, len(circuitClasses))
	for _, class := range circuitClasses {
		states[class] = s.exec.BreakerState(class).String()
	}
	writeJSON(w, http.StatusOK, states)
}

// handleLogs tails the in-memory log ring. ?component= filters by
// subsystem, ?since= (RFC 3339) bounds the window.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC 3339"})
			return
		}
		since = parsed
	}
	entries := logx.RecentEntries(r.URL.Query().Get("component"), since)
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, errs.ErrNotFound) {
		status = http.StatusNotFound
	} else {
		s.logger.Error("request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
