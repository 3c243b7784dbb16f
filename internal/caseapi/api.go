// Package caseapi exposes the triage pipeline over HTTP: webhook intake,
// case and alert queries, the dashboard overview, and the replay engine.
package caseapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/triage"
)

// Service defines the intake and read operations caseapi needs.
type Service interface {
	Ingest(ctx context.Context, raw json.RawMessage, idempotencyKey string) (*triage.IngestResult, error)
	ListCases(ctx context.Context, f triage.CaseFilter) ([]*triage.Case, error)
	CaseDetail(ctx context.Context, caseID string) (*triage.CaseDetail, error)
	AlertDetail(ctx context.Context, ingestID string) (*triage.AlertDetail, error)
	Overview(ctx context.Context) (*triage.Overview, error)
}

// ReplayRunner runs one replay experiment.
type ReplayRunner interface {
	Run(ctx context.Context, since, until time.Time, ov triage.Overrides) (*triage.Experiment, []triage.ExperimentResult, error)
}

// ExperimentReader reads persisted experiments.
type ExperimentReader interface {
	GetExperiment(ctx context.Context, id string) (*triage.Experiment, []triage.ExperimentResult, error)
	ListExperiments(ctx context.Context) ([]*triage.Experiment, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger      log.Logger
	svc         Service
	replayer    ReplayRunner
	experiments ExperimentReader
	// config is the sanitized effective configuration echoed on /config.
	config json.RawMessage
}

// New creates the API handler. replayer and experiments may be nil, which
// disables the replay endpoints with 503.
func New(logger log.Logger, svc Service, replayer ReplayRunner, experiments ExperimentReader, config json.RawMessage) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	return &API{
		logger:      logger,
		svc:         svc,
		replayer:    replayer,
		experiments: experiments,
		config:      config,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/webhook/alerts", a.handleIngestAlert)
		r.Get("/alerts/{id}", a.handleGetAlert)
		r.Get("/cases", a.handleListCases)
		r.Get("/cases/{id}", a.handleGetCase)
		r.Get("/overview", a.handleOverview)
		r.Post("/replay", a.handleReplay)
		r.Get("/experiments", a.handleListExperiments)
		r.Get("/experiments/{id}", a.handleGetExperiment)
		r.Get("/config", a.handleConfig)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	if len(a.config) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(a.config)
}
