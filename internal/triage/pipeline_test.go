package triage_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/connectors"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/decision"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/enrich"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/triage"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/triage/memstore"
)

func writeFixtureDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func fixtureDataDir(t *testing.T) string {
	t.Helper()
	return writeFixtureDir(t, map[string]string{
		"allowlists.yml":      "hosts: [scanner-01]\nusers: [svc-backup]\n",
		"asset_inventory.csv": "host,owner,criticality,environment\nweb-01,web,high,prod\ndc-01,infra,critical,prod\n",
		"mock_reputation.csv": "ip,rep,score\n203.0.113.54,bad,95\n198.51.100.23,suspicious,62\n",
		"mock_geoasn.csv":     "ip,country,city,asn,org\n203.0.113.54,RU,Moscow,AS12345,BP Hosting\n",
		"mock_whois.csv":      "domain,registrar,created,category\nlogin-micros0ft.com,CheapNames,2026-08-01,phishing\n",
	})
}

func fixtureRulesDir(t *testing.T) string {
	t.Helper()
	return writeFixtureDir(t, map[string]string{
		"scoring.yml": `
weights:
  base.alert_severity: 0
  signal.allowlisted: -40
  signal.asset_criticality.critical: 20
  signal.asset_criticality.high: 10
  signal.ip_rep.bad: 25
  signal.ip_rep.suspicious: 10
  signal.domain.phishing: 15
`,
		"thresholds.yml": `
decisioning:
  auto_close_max_severity: 25
  auto_close_min_confidence: 0.8
  escalate_min_severity: 85
`,
		"routing.yml": `
rules:
  - when:
      decision: ESCALATE
    queue: soc-escalations
    rationale: escalated_case
  - when:
      decision: CREATE_TICKET
      asset_criticality: critical
    queue: critical-assets
    rationale: critical_asset_ticket
  - when:
      decision: CREATE_TICKET
      asset_criticality: high
    queue: priority-triage
    rationale: high_value_asset_ticket
  - when:
      decision: CREATE_TICKET
    queue: triage
    rationale: standard_ticket
  - when:
      decision: AUTO_CLOSE
    queue: closed
    rationale: auto_closed_benign
default_queue: triage
`,
	})
}

type fakeSIEM struct {
	mu   sync.Mutex
	acks []string
}

func (f *fakeSIEM) AckAlert(_ context.Context, ingestID, _, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, ingestID+":"+reason)
	return nil
}

func (f *fakeSIEM) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks)
}

type fakeNotifier struct {
	mu       sync.Mutex
	calls    int
	entities int
}

func (f *fakeNotifier) Send(_ context.Context, _ *triage.Case, entities []alert.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.entities = len(entities)
	return nil
}

type testHarness struct {
	store    *memstore.Store
	svc      *triage.Service
	pipeline *triage.Pipeline
	siem     *fakeSIEM
	notifier *fakeNotifier
	cfg      triage.PipelineConfig
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store := memstore.New()
	cfg := triage.PipelineConfig{
		DataDir:                  fixtureDataDir(t),
		RulesDir:                 fixtureRulesDir(t),
		DedupWindowSeconds:       600,
		CorrelationWindowSeconds: 3600,
		EnabledEnrichers:         enrich.DefaultEnabled(),
	}
	siem := &fakeSIEM{}
	notifier := &fakeNotifier{}
	manager := enrich.NewManager(store, nil, enrich.Hooks{})
	ticketing := connectors.NewMockTicketing(store, nil)
	return &testHarness{
		store:    store,
		svc:      triage.NewService(store, nil, nil),
		pipeline: triage.NewPipeline(store, manager, ticketing, siem, notifier, nil, nil, cfg),
		siem:     siem,
		notifier: notifier,
		cfg:      cfg,
	}
}

func (h *testHarness) ingest(t *testing.T, payload, idempotencyKey string) string {
	t.Helper()
	res, err := h.svc.Ingest(context.Background(), json.RawMessage(payload), idempotencyKey)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	return res.IngestID
}

func (h *testHarness) processNext(t *testing.T) *triage.AlertRecord {
	t.Helper()
	rec, err := h.store.ClaimNextPending(context.Background())
	if err != nil {
		t.Fatalf("ClaimNextPending() error = %v", err)
	}
	if err := h.pipeline.Process(context.Background(), rec); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	return rec
}

func vendorAPayload(ts time.Time, severity int, fields map[string]string) string {
	m := map[string]any{
		"vendor":   "vendor_a",
		"time":     ts.Format(time.RFC3339),
		"severity": severity,
		"title":    "Suspicious login burst",
		"rule":     "R-100",
		"type":     "auth",
	}
	for k, v := range fields {
		m[k] = v
	}
	blob, _ := json.Marshal(m)
	return string(blob)
}

func TestPipeline_TicketPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	ts := time.Now().UTC()

	id := h.ingest(t, vendorAPayload(ts, 5, map[string]string{"host": "web-01", "user": "alice"}), "")
	h.processNext(t)

	rec, err := h.store.GetAlert(ctx, id)
	if err != nil {
		t.Fatalf("GetAlert() error = %v", err)
	}
	if rec.Status != triage.StatusProcessed {
		t.Fatalf("status = %v, want %v (last error: %s)", rec.Status, triage.StatusProcessed, rec.LastError)
	}

	caseID, err := h.store.CaseForAlert(ctx, id)
	if err != nil || caseID == "" {
		t.Fatalf("CaseForAlert() = %q, %v; want case", caseID, err)
	}
	c, entities, alertIDs, err := h.store.GetCase(ctx, caseID)
	if err != nil {
		t.Fatalf("GetCase() error = %v", err)
	}
	// base 50 + high-criticality asset 10
	if c.Severity != 60 {
		t.Errorf("case severity = %d, want 60", c.Severity)
	}
	if c.Decision != decision.CreateTicket {
		t.Errorf("decision = %v, want %v", c.Decision, decision.CreateTicket)
	}
	if c.Queue != "priority-triage" {
		t.Errorf("queue = %q, want priority-triage", c.Queue)
	}
	if len(entities) == 0 || len(alertIDs) != 1 {
		t.Errorf("entities = %v, alert ids = %v; want populated graph", entities, alertIDs)
	}

	ticket, err := h.store.TicketForCase(ctx, caseID)
	if err != nil {
		t.Fatalf("TicketForCase() error = %v", err)
	}
	if ticket.CaseID != caseID {
		t.Errorf("ticket case = %q, want %q", ticket.CaseID, caseID)
	}

	events, err := h.store.EventsForAlert(ctx, id)
	if err != nil {
		t.Fatalf("EventsForAlert() error = %v", err)
	}
	stages := map[string]bool{}
	for _, ev := range events {
		stages[ev.Stage] = true
	}
	for _, stage := range []string{"ingest", triage.StageNormalize, triage.StageFingerprint, triage.StageDedup, triage.StageCorrelate, triage.StageEnrich, triage.StageScore, triage.StageFinalize} {
		if !stages[stage] {
			t.Errorf("timeline missing stage %q", stage)
		}
	}
}

func TestPipeline_DuplicateSuppressed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(10 * time.Minute).Add(time.Minute)

	payload := vendorAPayload(ts, 5, map[string]string{"host": "web-01"})
	first := h.ingest(t, payload, "key-1")
	second := h.ingest(t, payload, "key-2")
	h.processNext(t)
	h.processNext(t)

	rec, _ := h.store.GetAlert(ctx, second)
	if rec.Status != triage.StatusDeduped {
		t.Fatalf("duplicate status = %v, want %v", rec.Status, triage.StatusDeduped)
	}

	// The duplicate never reaches correlation; only the original has a case.
	if caseID, _ := h.store.CaseForAlert(ctx, second); caseID != "" {
		t.Errorf("duplicate case = %q, want none", caseID)
	}
	firstCase, _ := h.store.CaseForAlert(ctx, first)
	if firstCase == "" {
		t.Fatal("original alert has no case")
	}
	if _, err := h.store.TicketForCase(ctx, firstCase); err != nil {
		t.Errorf("original ticket error = %v, want one ticket", err)
	}

	ov, err := h.store.Overview(ctx, ts.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Overview() error = %v", err)
	}
	if ov.Deduped != 1 || ov.Tickets != 1 {
		t.Errorf("overview = %+v, want one deduped and one ticket", ov)
	}
}

func TestPipeline_CorrelationMergesSharedEntity(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	ts := time.Now().UTC()

	// Same host, different alert content: distinct fingerprints, one case.
	first := h.ingest(t, vendorAPayload(ts, 4, map[string]string{"host": "web-01", "user": "alice"}), "")
	h.processNext(t)

	payload := vendorAPayload(ts.Add(time.Minute), 7, map[string]string{"host": "web-01", "user": "bob"})
	second := h.ingest(t, payload, "")
	h.processNext(t)

	firstCase, _ := h.store.CaseForAlert(ctx, first)
	secondCase, _ := h.store.CaseForAlert(ctx, second)
	if firstCase == "" || firstCase != secondCase {
		t.Fatalf("cases = %q and %q, want one shared case", firstCase, secondCase)
	}

	c, entities, alertIDs, err := h.store.GetCase(ctx, firstCase)
	if err != nil {
		t.Fatalf("GetCase() error = %v", err)
	}
	if len(alertIDs) != 2 {
		t.Errorf("alert ids = %v, want both alerts", alertIDs)
	}
	// Second alert scores 70 base + 10 asset = 80; severity only rises.
	if c.Severity != 80 {
		t.Errorf("case severity = %d, want max 80", c.Severity)
	}
	var users int
	for _, e := range entities {
		if e.Type == alert.EntityUser {
			users++
		}
	}
	if users != 2 {
		t.Errorf("user entities = %d, want alice and bob", users)
	}
}

// The correlation window is anchored at processing time, not the vendor's
// alert timestamp: a sensor with a skewed clock must not fragment a case
// that was opened moments ago.
func TestPipeline_CorrelationIgnoresAlertClockSkew(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	ts := time.Now().UTC()

	first := h.ingest(t, vendorAPayload(ts, 4, map[string]string{"host": "web-01", "user": "alice"}), "")
	h.processNext(t)

	// Reported three hours ahead of wall clock, well past the one-hour
	// correlation window if the alert's own time were used as "now".
	skewed := h.ingest(t, vendorAPayload(ts.Add(3*time.Hour), 5, map[string]string{"host": "web-01", "user": "bob"}), "")
	h.processNext(t)

	firstCase, _ := h.store.CaseForAlert(ctx, first)
	skewedCase, _ := h.store.CaseForAlert(ctx, skewed)
	if firstCase == "" || firstCase != skewedCase {
		t.Fatalf("cases = %q and %q, want the skewed alert merged into the open case", firstCase, skewedCase)
	}
}

func TestPipeline_AllowlistedAutoCloses(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	ts := time.Now().UTC()

	id := h.ingest(t, vendorAPayload(ts, 2, map[string]string{"host": "scanner-01"}), "")
	h.processNext(t)

	rec, _ := h.store.GetAlert(ctx, id)
	if rec.Status != triage.StatusProcessed {
		t.Fatalf("status = %v, want %v (last error: %s)", rec.Status, triage.StatusProcessed, rec.LastError)
	}

	caseID, _ := h.store.CaseForAlert(ctx, id)
	c, _, _, err := h.store.GetCase(ctx, caseID)
	if err != nil {
		t.Fatalf("GetCase() error = %v", err)
	}
	if c.Decision != decision.AutoClose {
		t.Errorf("decision = %v, want %v", c.Decision, decision.AutoClose)
	}
	// The case keeps its pre-score severity (max policy never lowers it);
	// the clamped scored severity lives on the explanation.
	if c.Severity != 20 {
		t.Errorf("case severity = %d, want 20", c.Severity)
	}
	var ex struct {
		Severity   int     `json:"severity"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(c.Score, &ex); err != nil {
		t.Fatalf("decode score: %v", err)
	}
	if ex.Severity != 0 {
		t.Errorf("scored severity = %d, want 0", ex.Severity)
	}
	if ex.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", ex.Confidence)
	}

	if h.siem.count() != 1 {
		t.Errorf("siem acks = %d, want 1", h.siem.count())
	}
	if _, err := h.store.TicketForCase(ctx, caseID); !errors.Is(err, triage.ErrNotFound) {
		t.Errorf("ticket error = %v, want ErrNotFound (no ticket on auto-close)", err)
	}
}

func TestPipeline_EscalationNotifies(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	ts := time.Now().UTC()

	id := h.ingest(t, vendorAPayload(ts, 6, map[string]string{
		"host":   "web-01",
		"user":   "alice",
		"src_ip": "203.0.113.54",
	}), "")
	h.processNext(t)

	caseID, _ := h.store.CaseForAlert(ctx, id)
	c, _, _, err := h.store.GetCase(ctx, caseID)
	if err != nil {
		t.Fatalf("GetCase() error = %v", err)
	}
	if c.Decision != decision.Escalate {
		t.Errorf("decision = %v, want %v", c.Decision, decision.Escalate)
	}
	if c.Queue != "soc-escalations" {
		t.Errorf("queue = %q, want soc-escalations", c.Queue)
	}
	// base 60 + bad rep 25 + high asset 10
	if c.Severity != 95 {
		t.Errorf("case severity = %d, want 95", c.Severity)
	}

	if h.notifier.calls != 1 {
		t.Errorf("notifications = %d, want 1", h.notifier.calls)
	}
	if h.notifier.entities == 0 {
		t.Error("notification entities = 0, want case graph entities")
	}

	// Escalations still get a ticket with containment actions attached.
	ticket, err := h.store.TicketForCase(ctx, caseID)
	if err != nil {
		t.Fatalf("TicketForCase() error = %v", err)
	}
	var payload struct {
		Actions []struct {
			Type string `json:"type"`
		} `json:"recommended_actions"`
	}
	if err := json.Unmarshal(ticket.Payload, &payload); err != nil {
		t.Fatalf("decode ticket payload: %v", err)
	}
	if len(payload.Actions) == 0 {
		t.Error("recommended actions empty, want containment actions")
	}
}

func TestPipeline_DeadLettersOnMissingDataDir(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.cfg.DataDir = filepath.Join(t.TempDir(), "missing")
	manager := enrich.NewManager(h.store, nil, enrich.Hooks{})
	broken := triage.NewPipeline(h.store, manager, connectors.NewMockTicketing(h.store, nil), h.siem, h.notifier, nil, nil, h.cfg)

	ctx := context.Background()
	id := h.ingest(t, vendorAPayload(time.Now().UTC(), 5, map[string]string{"host": "web-01"}), "")

	rec, err := h.store.ClaimNextPending(ctx)
	if err != nil {
		t.Fatalf("ClaimNextPending() error = %v", err)
	}
	if err := broken.Process(ctx, rec); err == nil {
		t.Fatal("Process() error = nil, want enrich failure")
	}

	got, _ := h.store.GetAlert(ctx, id)
	if got.Status != triage.StatusFailed {
		t.Errorf("status = %v, want %v", got.Status, triage.StatusFailed)
	}
	dl, err := h.store.GetDeadLetter(ctx, id)
	if err != nil {
		t.Fatalf("GetDeadLetter() error = %v", err)
	}
	if dl.Stage != triage.StageEnrich {
		t.Errorf("dead letter stage = %q, want %q", dl.Stage, triage.StageEnrich)
	}
	if dl.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", dl.Attempts)
	}

	// A repeat run increments attempts instead of duplicating the entry.
	if err := broken.Process(ctx, rec); err == nil {
		t.Fatal("second Process() error = nil, want enrich failure")
	}
	dl, _ = h.store.GetDeadLetter(ctx, id)
	if dl.Attempts != 2 {
		t.Errorf("attempts after retry = %d, want 2", dl.Attempts)
	}
}

func TestPipeline_TicketIdempotentAcrossMerges(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	ts := time.Now().UTC()

	first := h.ingest(t, vendorAPayload(ts, 4, map[string]string{"host": "web-01", "user": "alice"}), "")
	h.processNext(t)
	h.ingest(t, vendorAPayload(ts.Add(time.Minute), 5, map[string]string{"host": "web-01", "user": "bob"}), "")
	h.processNext(t)

	caseID, _ := h.store.CaseForAlert(ctx, first)
	ticket, err := h.store.TicketForCase(ctx, caseID)
	if err != nil {
		t.Fatalf("TicketForCase() error = %v", err)
	}

	// Both pipeline runs finalized against the same case; one ticket exists.
	events, _ := h.store.EventsForCase(ctx, caseID)
	var ticketed int
	for _, ev := range events {
		var body struct {
			Status string `json:"status"`
			Detail struct {
				TicketID string `json:"ticket_id"`
			} `json:"detail"`
		}
		if err := json.Unmarshal(ev.Payload, &body); err != nil {
			continue
		}
		if body.Status == string(triage.StatusTicketed) {
			ticketed++
			if body.Detail.TicketID != ticket.ID {
				t.Errorf("ticket id in event = %q, want %q", body.Detail.TicketID, ticket.ID)
			}
		}
	}
	if ticketed != 2 {
		t.Errorf("ticketed events = %d, want 2 (one per alert, same ticket)", ticketed)
	}
}
