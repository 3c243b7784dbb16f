package triage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/decision"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/fingerprint"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/scoring"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("triage: not found")

// Store is the persistence boundary for the triage pipeline. Implementations
// live in memstore (in-process, tests and local runs) and pgstore (Postgres).
// Every method is safe for concurrent use.
//
// Store also satisfies enrich.Cache via CacheGet/CacheSet.
type Store interface {
	// InsertAlert persists a newly received alert with status "ingested".
	// If an alert with the same idempotency key already exists, the existing
	// record is returned and inserted is false; rec is not modified.
	InsertAlert(ctx context.Context, rec *AlertRecord) (existing *AlertRecord, inserted bool, err error)

	// ClaimNextPending atomically transitions the oldest "ingested" alert to
	// "processing" and returns it. A conditional update guards the claim so
	// two workers never own the same alert; ErrNotFound means the queue is
	// empty.
	ClaimNextPending(ctx context.Context) (*AlertRecord, error)

	// GetAlert returns the alert record by ingest id.
	GetAlert(ctx context.Context, ingestID string) (*AlertRecord, error)

	// SetAlertStatus records a stage transition.
	SetAlertStatus(ctx context.Context, ingestID string, status Status) error

	// SetAlertNormalized stores the normalized form alongside the record and
	// fills in the detected vendor.
	SetAlertNormalized(ctx context.Context, ingestID, vendor string, normalized json.RawMessage) error

	// MarkAlertFailed sets status "failed" and records the error text.
	MarkAlertFailed(ctx context.Context, ingestID string, cause string) error

	// ListAlertsBetween returns alerts received in [since, until), ordered by
	// received time. Used by the replay engine and the overview counters.
	ListAlertsBetween(ctx context.Context, since, until time.Time) ([]*AlertRecord, error)

	// AppendEvent appends an immutable pipeline event.
	AppendEvent(ctx context.Context, ev *Event) error

	// EventsForAlert returns the ordered event timeline for one ingest id.
	EventsForAlert(ctx context.Context, ingestID string) ([]*Event, error)

	// EventsForCase returns the ordered event timeline for one case.
	EventsForCase(ctx context.Context, caseID string) ([]*Event, error)

	// LatestEventPayload returns the payload of the most recent event with the
	// given stage for the ingest id, or ErrNotFound.
	LatestEventPayload(ctx context.Context, ingestID, stage string) (json.RawMessage, error)

	// RecordFingerprint stores the fingerprint computed for an alert.
	RecordFingerprint(ctx context.Context, ingestID string, fp fingerprint.Fingerprint) error

	// FindDuplicateOf returns the ingest id of the earliest other alert with
	// the same (hash, window start), or "" when the alert is first in its
	// window.
	FindDuplicateOf(ctx context.Context, ingestID string, fp fingerprint.Fingerprint) (string, error)

	// FindOpenCaseByEntities returns the most recently created case that was
	// opened within the correlation window ending at now and touches any of
	// the given entities, or ErrNotFound. Creation time decides both
	// eligibility and the tiebreak; later merges never extend a case's life
	// as a correlation target.
	FindOpenCaseByEntities(ctx context.Context, entities []alert.Entity, now time.Time, window time.Duration) (*Case, error)

	// CreateCase creates a case seeded from one alert, attaching its entities
	// and derived edges.
	CreateCase(ctx context.Context, c *Case, ingestID string, entities []alert.Entity, edges []Edge) error

	// MergeAlertIntoCase attaches an alert to an existing case: severity takes
	// the maximum of old and new, other fields are last-write-wins, and new
	// entities/edges are added ignoring duplicates.
	MergeAlertIntoCase(ctx context.Context, caseID, ingestID string, severity int, summary string, entities []alert.Entity, edges []Edge) error

	// UpdateCaseOutcome records the scored/decided/routed outcome on the case.
	UpdateCaseOutcome(ctx context.Context, caseID string, severity int, score scoring.Explanation, routing decision.Routing) error

	// GetCase returns one case, its entities, and its alert ingest ids.
	GetCase(ctx context.Context, caseID string) (*Case, []alert.Entity, []string, error)

	// ListCases returns cases matching the filter, most recently updated first.
	ListCases(ctx context.Context, f CaseFilter) ([]*Case, error)

	// CaseGraph returns the entity nodes and typed edges of a case.
	CaseGraph(ctx context.Context, caseID string) ([]alert.Entity, []Edge, error)

	// CaseForAlert returns the case id an alert was correlated into, or "".
	CaseForAlert(ctx context.Context, ingestID string) (string, error)

	// CacheGet returns the cached enrichment value if present and unexpired.
	// Expired rows are purged lazily on read.
	CacheGet(ctx context.Context, enricher, key string) (map[string]any, bool, error)

	// CacheSet stores an enrichment value with its TTL.
	CacheSet(ctx context.Context, enricher, key string, value map[string]any, ttl time.Duration) error

	// UpsertDeadLetter records a pipeline failure; an existing row for the
	// ingest id has its attempts incremented and stage/error replaced.
	UpsertDeadLetter(ctx context.Context, dl *DeadLetter) error

	// GetDeadLetter returns the dead letter for an ingest id.
	GetDeadLetter(ctx context.Context, ingestID string) (*DeadLetter, error)

	// UpsertTicket creates the ticket for a case if none exists and returns
	// it; an existing ticket is returned unchanged.
	UpsertTicket(ctx context.Context, t *Ticket) (*Ticket, error)

	// TicketForCase returns the ticket for a case, or ErrNotFound.
	TicketForCase(ctx context.Context, caseID string) (*Ticket, error)

	// CreateExperiment persists a replay run and its results. Re-running the
	// same experiment id replaces its results.
	CreateExperiment(ctx context.Context, ex *Experiment, results []ExperimentResult) error

	// GetExperiment returns one experiment and its results.
	GetExperiment(ctx context.Context, id string) (*Experiment, []ExperimentResult, error)

	// ListExperiments returns all experiments, newest first.
	ListExperiments(ctx context.Context) ([]*Experiment, error)

	// Overview returns the dashboard counters for alerts received since the
	// given time.
	Overview(ctx context.Context, since time.Time) (*Overview, error)
}
