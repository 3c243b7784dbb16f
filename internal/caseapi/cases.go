package caseapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/triage"
)

func (a *API) handleListCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f triage.CaseFilter
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, `{"error":"since must be RFC3339"}`, http.StatusBadRequest)
			return
		}
		f.Since = ts
	}
	if v := q.Get("min_severity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, `{"error":"min_severity must be an integer"}`, http.StatusBadRequest)
			return
		}
		f.MinSeverity = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, `{"error":"limit must be an integer"}`, http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	f.Decision = q.Get("decision")
	f.Queue = q.Get("queue")
	f.Query = q.Get("q")

	cases, err := a.svc.ListCases(r.Context(), f)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list cases")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if cases == nil {
		cases = []*triage.Case{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": cases})
}

func (a *API) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("autotriage.case.id", id))

	detail, err := a.svc.CaseDetail(r.Context(), id)
	if err != nil {
		if errors.Is(err, triage.ErrNotFound) {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		a.logger.Error(r.Context(), err, "failed to get case", "case_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) handleOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := a.svc.Overview(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to build overview")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}
