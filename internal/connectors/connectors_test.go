package connectors

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/decision"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/playbooks"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/triage"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/triage/memstore"
)

func TestMockTicketing_CreateTicket(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	conn := NewMockTicketing(store, nil)

	c := &triage.Case{ID: "case-1", Summary: "Suspicious login burst", Severity: 72}
	routing := decision.Routing{
		Decision:  decision.CreateTicket,
		Queue:     "priority-triage",
		Rationale: []string{"matched_rule"},
	}
	actions := []playbooks.Action{{Type: playbooks.ActionIsolateHost, Target: "web-01", Reason: "high severity"}}

	ticket, err := conn.CreateTicket(context.Background(), c, routing, actions)
	if err != nil {
		t.Fatalf("CreateTicket() error = %v", err)
	}
	if ticket.CaseID != "case-1" {
		t.Errorf("case id = %q, want case-1", ticket.CaseID)
	}
	if !strings.HasPrefix(ticket.URL, "mock://tickets/") {
		t.Errorf("url = %q, want mock://tickets/ prefix", ticket.URL)
	}

	var payload struct {
		CaseID   string             `json:"case_id"`
		Summary  string             `json:"summary"`
		Severity int                `json:"severity"`
		Decision string             `json:"decision"`
		Queue    string             `json:"queue"`
		Actions  []playbooks.Action `json:"recommended_actions"`
	}
	if err := json.Unmarshal(ticket.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.CaseID != "case-1" || payload.Severity != 72 {
		t.Errorf("payload = %+v, want case fields carried through", payload)
	}
	if payload.Decision != "CREATE_TICKET" || payload.Queue != "priority-triage" {
		t.Errorf("payload routing = %s/%s, want CREATE_TICKET/priority-triage", payload.Decision, payload.Queue)
	}
	if len(payload.Actions) != 1 || payload.Actions[0].Target != "web-01" {
		t.Errorf("payload actions = %v, want the recommended action", payload.Actions)
	}
}

func TestMockTicketing_IdempotentPerCase(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	conn := NewMockTicketing(store, nil)
	c := &triage.Case{ID: "case-1", Summary: "first", Severity: 60}
	routing := decision.Routing{Decision: decision.CreateTicket, Queue: "triage"}

	first, err := conn.CreateTicket(context.Background(), c, routing, nil)
	if err != nil {
		t.Fatalf("CreateTicket() error = %v", err)
	}
	second, err := conn.CreateTicket(context.Background(), c, routing, nil)
	if err != nil {
		t.Fatalf("CreateTicket() error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second ticket id = %q, want original %q", second.ID, first.ID)
	}
}

func TestMockSIEM_AckAlert(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	ctx := context.Background()
	rec := &triage.AlertRecord{
		IngestID:       "a1",
		IdempotencyKey: "k1",
		Status:         triage.StatusIngested,
		Raw:            json.RawMessage(`{}`),
	}
	if _, _, err := store.InsertAlert(ctx, rec); err != nil {
		t.Fatalf("InsertAlert() error = %v", err)
	}

	conn := NewMockSIEM(store, nil)
	if err := conn.AckAlert(ctx, "a1", "case-1", "auto_closed_benign"); err != nil {
		t.Fatalf("AckAlert() error = %v", err)
	}

	got, err := store.GetAlert(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAlert() error = %v", err)
	}
	if got.Status != triage.StatusAcked {
		t.Errorf("status = %v, want %v", got.Status, triage.StatusAcked)
	}
}

func TestMockSIEM_AckAlert_UnknownAlert(t *testing.T) {
	t.Parallel()

	conn := NewMockSIEM(memstore.New(), nil)
	if err := conn.AckAlert(context.Background(), "missing", "case-1", "auto_closed_benign"); err == nil {
		t.Error("AckAlert() error = nil, want error for unknown ingest id")
	}
}
