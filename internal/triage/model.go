package triage

import (
	"encoding/json"
	"time"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/decision"
)

// Status tracks where an alert is in the pipeline. Each stage sets exactly
// one status; the event log holds the full history.
type Status string

const (
	// StatusIngested means accepted at intake, waiting to be claimed.
	StatusIngested Status = "ingested"

	// StatusProcessing means claimed by a worker.
	StatusProcessing Status = "processing"

	StatusNormalized    Status = "normalized"
	StatusFingerprinted Status = "fingerprinted"

	// StatusDeduped is terminal: the alert is a duplicate of an earlier one.
	StatusDeduped   Status = "deduped"
	StatusDedupPass Status = "dedup_pass"

	StatusCorrelated Status = "correlated"
	StatusEnriched   Status = "enriched"
	StatusScored     Status = "scored"
	StatusDecided    Status = "decided"
	StatusRouted     Status = "routed"
	StatusTicketed   Status = "ticketed"

	// StatusAcked means the auto-close was acknowledged back to the upstream
	// SIEM; the pipeline moves on to closed and then processed.
	StatusAcked  Status = "acked"
	StatusClosed Status = "closed"

	// StatusProcessed is the successful terminal status.
	StatusProcessed Status = "processed"

	// StatusFailed is terminal until the alert is resubmitted externally.
	StatusFailed Status = "failed"
)

// AlertRecord is the persisted intake row for one raw alert.
type AlertRecord struct {
	IngestID       string          `json:"ingest_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	ReceivedAt     time.Time       `json:"received_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Vendor         string          `json:"vendor,omitempty"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	Raw            json.RawMessage `json:"raw"`
	Normalized     json.RawMessage `json:"normalized,omitempty"`
}

// Event is one immutable pipeline state transition. The ordered sequence of
// events per ingest id (or case id) is the authoritative processing timeline.
type Event struct {
	ID        string          `json:"event_id"`
	CreatedAt time.Time       `json:"created_at"`
	Stage     string          `json:"stage"`
	IngestID  string          `json:"ingest_id,omitempty"`
	CaseID    string          `json:"case_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Case is the correlation unit grouping alerts that share identifying
// entities within the correlation window. Severity only ever rises (max
// policy); decision, queue and summary are last-write-wins.
type Case struct {
	ID         string            `json:"case_id"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Severity   int               `json:"severity"`
	Confidence float64           `json:"confidence"`
	Decision   decision.Decision `json:"decision"`
	Queue      string            `json:"queue"`
	Summary    string            `json:"summary"`
	Score      json.RawMessage   `json:"score,omitempty"`
	Routing    json.RawMessage   `json:"routing,omitempty"`
}

// Edge is a typed relation between two entities in a case graph.
type Edge struct {
	SrcType  alert.EntityType `json:"src_type"`
	SrcValue string           `json:"src_value"`
	DstType  alert.EntityType `json:"dst_type"`
	DstValue string           `json:"dst_value"`
	Type     string           `json:"edge_type"`
}

// Ticket is the mock downstream ticket created for a case, at most one.
type Ticket struct {
	ID        string          `json:"ticket_id"`
	CaseID    string          `json:"case_id"`
	CreatedAt time.Time       `json:"created_at"`
	URL       string          `json:"url"`
	Payload   json.RawMessage `json:"payload"`
}

// DeadLetter records an alert that failed pipeline processing irrecoverably.
// Upserted per ingest id; attempts increment on repeated failure.
type DeadLetter struct {
	IngestID  string          `json:"ingest_id"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Attempts  int             `json:"attempts"`
	Stage     string          `json:"stage"`
	Error     string          `json:"error"`
	Payload   json.RawMessage `json:"payload"`
}

// Experiment is one replay run: the historical range and the configuration
// overrides it was evaluated under. Immutable once created.
type Experiment struct {
	ID        string          `json:"experiment_id"`
	CreatedAt time.Time       `json:"created_at"`
	Since     time.Time       `json:"since"`
	Until     time.Time       `json:"until"`
	Overrides json.RawMessage `json:"overrides"`
}

// ExperimentResult is one named before/after metric of an experiment.
type ExperimentResult struct {
	Metric  string          `json:"metric_name"`
	Before  float64         `json:"before_value"`
	After   float64         `json:"after_value"`
	Details json.RawMessage `json:"details,omitempty"`
}

// CaseFilter narrows ListCases. Zero values mean "no filter".
type CaseFilter struct {
	Since       time.Time
	MinSeverity int
	Decision    string
	Queue       string
	Query       string // free-text over summary, case id, entity values
	Limit       int
}

// Overview is the 24h dashboard counter set.
type Overview struct {
	Ingested   int `json:"ingested"`
	Deduped    int `json:"deduped"`
	Cases      int `json:"cases"`
	AutoClosed int `json:"auto_closed"`
	Tickets    int `json:"tickets"`
	Errors     int `json:"errors"`
}
