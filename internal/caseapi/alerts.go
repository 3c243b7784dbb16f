package caseapi

import (
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/triage"
)

// maxAlertBody caps webhook payload size.
const maxAlertBody = 1 << 20

func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAlertBody))
	if err != nil {
		http.Error(w, `{"error":"read body"}`, http.StatusBadRequest)
		return
	}

	res, err := a.svc.Ingest(r.Context(), body, r.Header.Get("Idempotency-Key"))
	if err != nil {
		if errors.Is(err, triage.ErrNotObject) {
			http.Error(w, `{"error":"payload must be a JSON object"}`, http.StatusBadRequest)
			return
		}
		a.logger.Error(r.Context(), err, "ingest failed")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("autotriage.ingest.id", res.IngestID),
		attribute.Bool("autotriage.ingest.duplicate", res.Duplicate),
	)

	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("autotriage.ingest.id", id))

	detail, err := a.svc.AlertDetail(r.Context(), id)
	if err != nil {
		if errors.Is(err, triage.ErrNotFound) {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		a.logger.Error(r.Context(), err, "failed to get alert", "ingest_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}
