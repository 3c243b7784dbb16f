// Package connectors holds the downstream integrations: ticketing and SIEM
// acknowledgement. The shipped implementations are mocks that persist/log
// instead of calling external systems; swapping in a real connector means
// implementing the same triage interfaces.
package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/decision"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/playbooks"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/triage"
)

// TicketStore is the slice of triage.Store the ticketing connector needs.
type TicketStore interface {
	UpsertTicket(ctx context.Context, t *triage.Ticket) (*triage.Ticket, error)
}

// MockTicketing persists tickets in the store instead of calling a tracker.
type MockTicketing struct {
	store  TicketStore
	logger log.Logger
}

// NewMockTicketing creates the mock ticketing connector.
func NewMockTicketing(store TicketStore, logger log.Logger) *MockTicketing {
	if logger == nil {
		logger = log.Nop()
	}
	return &MockTicketing{store: store, logger: logger}
}

// CreateTicket creates the ticket for a case; the store keeps at most one
// per case, so repeat calls return the original.
func (m *MockTicketing) CreateTicket(ctx context.Context, c *triage.Case, routing decision.Routing, actions []playbooks.Action) (*triage.Ticket, error) {
	id := ulid.Make().String()
	payload, err := json.Marshal(map[string]any{
		"case_id":             c.ID,
		"summary":             c.Summary,
		"severity":            c.Severity,
		"decision":            string(routing.Decision),
		"queue":               routing.Queue,
		"rationale":           routing.Rationale,
		"recommended_actions": actions,
	})
	if err != nil {
		return nil, fmt.Errorf("encode ticket payload: %w", err)
	}

	t, err := m.store.UpsertTicket(ctx, &triage.Ticket{
		ID:        id,
		CaseID:    c.ID,
		CreatedAt: time.Now().UTC(),
		URL:       fmt.Sprintf("mock://tickets/%s", id),
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert ticket: %w", err)
	}
	m.logger.Info(ctx, "ticket created", "ticket_id", t.ID, "case_id", c.ID, "queue", routing.Queue)
	return t, nil
}

// SIEMStore is the slice of triage.Store the SIEM connector needs.
type SIEMStore interface {
	SetAlertStatus(ctx context.Context, ingestID string, status triage.Status) error
}

// MockSIEM marks alerts acknowledged in the store instead of calling back
// into a SIEM.
type MockSIEM struct {
	store  SIEMStore
	logger log.Logger
}

// NewMockSIEM creates the mock SIEM connector.
func NewMockSIEM(store SIEMStore, logger log.Logger) *MockSIEM {
	if logger == nil {
		logger = log.Nop()
	}
	return &MockSIEM{store: store, logger: logger}
}

// AckAlert acknowledges the alert upstream on auto-close: the alert status
// moves to acked before the pipeline closes it out.
func (m *MockSIEM) AckAlert(ctx context.Context, ingestID, caseID, reason string) error {
	if err := m.store.SetAlertStatus(ctx, ingestID, triage.StatusAcked); err != nil {
		return fmt.Errorf("ack alert: %w", err)
	}
	m.logger.Info(ctx, "siem ack", "ingest_id", ingestID, "case_id", caseID, "reason", reason)
	return nil
}
