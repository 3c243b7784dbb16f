package caseapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/triage"
)

type replayRequest struct {
	Since     *time.Time       `json:"since"`
	Until     *time.Time       `json:"until"`
	Overrides triage.Overrides `json:"overrides"`
}

type experimentResponse struct {
	Experiment *triage.Experiment        `json:"experiment"`
	Results    []triage.ExperimentResult `json:"results"`
}

func (a *API) handleReplay(w http.ResponseWriter, r *http.Request) {
	if a.replayer == nil {
		http.Error(w, `{"error":"replay disabled"}`, http.StatusServiceUnavailable)
		return
	}

	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	until := time.Now().UTC()
	if req.Until != nil {
		until = req.Until.UTC()
	}
	since := until.Add(-24 * time.Hour)
	if req.Since != nil {
		since = req.Since.UTC()
	}
	if !since.Before(until) {
		http.Error(w, `{"error":"since must be before until"}`, http.StatusBadRequest)
		return
	}

	ex, results, err := a.replayer.Run(r.Context(), since, until, req.Overrides)
	if err != nil {
		a.logger.Error(r.Context(), err, "replay failed")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("autotriage.experiment.id", ex.ID))

	writeJSON(w, http.StatusCreated, experimentResponse{Experiment: ex, Results: results})
}

func (a *API) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	if a.experiments == nil {
		http.Error(w, `{"error":"replay disabled"}`, http.StatusServiceUnavailable)
		return
	}
	list, err := a.experiments.ListExperiments(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list experiments")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*triage.Experiment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiments": list})
}

func (a *API) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	if a.experiments == nil {
		http.Error(w, `{"error":"replay disabled"}`, http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	ex, results, err := a.experiments.GetExperiment(r.Context(), id)
	if err != nil {
		if errors.Is(err, triage.ErrNotFound) {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		a.logger.Error(r.Context(), err, "failed to get experiment", "experiment_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, experimentResponse{Experiment: ex, Results: results})
}
