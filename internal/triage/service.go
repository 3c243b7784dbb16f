package triage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/playbooks"
)

// ErrNotObject is returned by Ingest when the payload is not a JSON object.
var ErrNotObject = errors.New("triage: alert payload must be a JSON object")

// Service is the intake and read-side API over the store: webhook ingestion
// with idempotency, case queries, and the dashboard overview.
type Service struct {
	store   Store
	logger  log.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewService creates the service. metrics may be nil.
func NewService(store Store, logger log.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{store: store, logger: logger, metrics: metrics, now: time.Now}
}

// IngestResult reports the intake outcome for one alert.
type IngestResult struct {
	IngestID string `json:"ingest_id"`
	Status   Status `json:"status"`
	// Duplicate is true when the idempotency key matched an earlier
	// submission and no new record was created.
	Duplicate bool `json:"duplicate"`
}

// Ingest accepts one raw alert. idempotencyKey may be empty, in which case a
// key is derived from the canonical payload content, making byte-for-byte
// and key-reordered resubmissions idempotent. The alert is persisted with
// status "ingested" and picked up asynchronously by the worker pool.
func (s *Service) Ingest(ctx context.Context, raw json.RawMessage, idempotencyKey string) (*IngestResult, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		s.metrics.observeIngest("rejected")
		return nil, ErrNotObject
	}

	if idempotencyKey == "" {
		idempotencyKey = deriveIdempotencyKey(payload)
	}

	now := s.now().UTC()
	rec := &AlertRecord{
		IngestID:       ulid.Make().String(),
		IdempotencyKey: idempotencyKey,
		ReceivedAt:     now,
		UpdatedAt:      now,
		Status:         StatusIngested,
		Raw:            raw,
	}

	existing, inserted, err := s.store.InsertAlert(ctx, rec)
	if err != nil {
		s.metrics.observeIngest("error")
		return nil, fmt.Errorf("insert alert: %w", err)
	}
	if !inserted {
		s.metrics.observeIngest("duplicate_key")
		s.logger.Info(ctx, "duplicate submission", "ingest_id", existing.IngestID, "idempotency_key", idempotencyKey)
		return &IngestResult{IngestID: existing.IngestID, Status: existing.Status, Duplicate: true}, nil
	}

	payloadBlob, _ := json.Marshal(map[string]any{"status": string(StatusIngested)})
	if err := s.store.AppendEvent(ctx, &Event{
		ID:        ulid.Make().String(),
		CreatedAt: now,
		Stage:     "ingest",
		IngestID:  rec.IngestID,
		Payload:   payloadBlob,
	}); err != nil {
		s.logger.Error(ctx, err, "append ingest event", "ingest_id", rec.IngestID)
	}

	s.metrics.observeIngest("accepted")
	s.logger.Info(ctx, "alert accepted", "ingest_id", rec.IngestID)
	return &IngestResult{IngestID: rec.IngestID, Status: StatusIngested}, nil
}

// deriveIdempotencyKey hashes the canonical encoding of the payload: object
// keys sorted, no whitespace. Submitting the same content twice, even with
// reordered keys, yields the same key.
func deriveIdempotencyKey(payload map[string]any) string {
	blob, _ := json.Marshal(payload)
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// ListCases returns cases matching the filter, most recently updated first.
func (s *Service) ListCases(ctx context.Context, f CaseFilter) ([]*Case, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return s.store.ListCases(ctx, f)
}

// CaseDetail is the full drill-down view of one case.
type CaseDetail struct {
	Case     *Case              `json:"case"`
	Entities []alert.Entity     `json:"entities"`
	AlertIDs []string           `json:"alert_ids"`
	Timeline []*Event           `json:"timeline"`
	Edges    []Edge             `json:"edges"`
	Ticket   *Ticket            `json:"ticket,omitempty"`
	Actions  []playbooks.Action `json:"recommended_actions"`
}

// CaseDetail assembles the case, its entity graph, the ordered event
// timeline, the ticket if one exists, and the recommended actions.
func (s *Service) CaseDetail(ctx context.Context, caseID string) (*CaseDetail, error) {
	c, entities, alertIDs, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	timeline, err := s.store.EventsForCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	_, edges, err := s.store.CaseGraph(ctx, caseID)
	if err != nil {
		return nil, err
	}

	detail := &CaseDetail{
		Case:     c,
		Entities: entities,
		AlertIDs: alertIDs,
		Timeline: timeline,
		Edges:    edges,
		Actions:  playbooks.Recommend(string(c.Decision), c.Severity, entities),
	}

	t, err := s.store.TicketForCase(ctx, caseID)
	switch {
	case err == nil:
		detail.Ticket = t
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}
	return detail, nil
}

// AlertDetail returns one alert record with its event timeline and dead
// letter, if any.
type AlertDetail struct {
	Alert      *AlertRecord `json:"alert"`
	Timeline   []*Event     `json:"timeline"`
	CaseID     string       `json:"case_id,omitempty"`
	DeadLetter *DeadLetter  `json:"dead_letter,omitempty"`
}

func (s *Service) AlertDetail(ctx context.Context, ingestID string) (*AlertDetail, error) {
	rec, err := s.store.GetAlert(ctx, ingestID)
	if err != nil {
		return nil, err
	}
	timeline, err := s.store.EventsForAlert(ctx, ingestID)
	if err != nil {
		return nil, err
	}
	caseID, err := s.store.CaseForAlert(ctx, ingestID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	detail := &AlertDetail{Alert: rec, Timeline: timeline, CaseID: caseID}
	dl, err := s.store.GetDeadLetter(ctx, ingestID)
	switch {
	case err == nil:
		detail.DeadLetter = dl
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}
	return detail, nil
}

// Overview returns the dashboard counters for the last 24 hours.
func (s *Service) Overview(ctx context.Context) (*Overview, error) {
	return s.store.Overview(ctx, s.now().UTC().Add(-24*time.Hour))
}
