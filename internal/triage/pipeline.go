package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/decision"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/enrich"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/fingerprint"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/normalize"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/playbooks"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/rules"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/scoring"
)

// Stage names used in events, dead letters and metrics.
const (
	StageNormalize   = "normalize"
	StageFingerprint = "fingerprint"
	StageDedup       = "dedup"
	StageCorrelate   = "correlate"
	StageEnrich      = "enrich"
	StageScore       = "score"
	StageFinalize    = "finalize"
)

// PipelineConfig is the per-run policy knobs of the stage machine.
type PipelineConfig struct {
	DataDir                  string
	RulesDir                 string
	DedupWindowSeconds       int
	CorrelationWindowSeconds int
	EnabledEnrichers         []string
}

// Ticketing creates the downstream ticket for a case. At most one ticket
// exists per case; repeat calls must return the existing one.
type Ticketing interface {
	CreateTicket(ctx context.Context, c *Case, routing decision.Routing, actions []playbooks.Action) (*Ticket, error)
}

// SIEMAcker closes the alert back in the upstream SIEM on auto-close.
type SIEMAcker interface {
	AckAlert(ctx context.Context, ingestID, caseID, reason string) error
}

// Notifier announces escalated cases to an external channel. Delivery is
// best-effort; failures are logged, never dead-lettered.
type Notifier interface {
	Send(ctx context.Context, c *Case, entities []alert.Entity) error
}

// Pipeline drives one claimed alert through the stage machine. Any stage
// error dead-letters the alert; the only early success exit is dedup.
type Pipeline struct {
	store     Store
	manager   *enrich.Manager
	registry  *normalize.Registry
	ticketing Ticketing
	siem      SIEMAcker
	notifier  Notifier
	logger    log.Logger
	metrics   *Metrics
	cfg       PipelineConfig
	now       func() time.Time
}

// NewPipeline wires the stage machine. metrics, siem and notifier may be nil.
func NewPipeline(store Store, manager *enrich.Manager, ticketing Ticketing, siem SIEMAcker, notifier Notifier, logger log.Logger, metrics *Metrics, cfg PipelineConfig) *Pipeline {
	if logger == nil {
		logger = log.Nop()
	}
	return &Pipeline{
		store:     store,
		manager:   manager,
		registry:  normalize.NewRegistry(),
		ticketing: ticketing,
		siem:      siem,
		notifier:  notifier,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Process runs the claimed alert to a terminal status. The returned error is
// for the caller's logging only; the failure has already been dead-lettered.
func (p *Pipeline) Process(ctx context.Context, rec *AlertRecord) error {
	start := p.now()
	L := p.logger.With("ingest_id", rec.IngestID)

	status, err := p.run(ctx, L, rec)
	if err != nil {
		p.metrics.observePipeline(StatusFailed, p.now().Sub(start).Seconds())
		return err
	}
	p.metrics.observePipeline(status, p.now().Sub(start).Seconds())
	L.Info(ctx, "alert processed", "status", string(status), "duration", p.now().Sub(start).Seconds())
	return nil
}

// run is the linear stage machine. It returns the terminal status, or an
// error after recording the dead letter for the failing stage.
func (p *Pipeline) run(ctx context.Context, L log.Logger, rec *AlertRecord) (Status, error) {
	al, err := p.stageNormalize(ctx, rec)
	if err != nil {
		return StatusFailed, p.fail(ctx, L, rec, StageNormalize, err)
	}

	fp, err := p.stageFingerprint(ctx, rec, al)
	if err != nil {
		return StatusFailed, p.fail(ctx, L, rec, StageFingerprint, err)
	}

	dupID, err := p.stageDedup(ctx, rec, fp)
	if err != nil {
		return StatusFailed, p.fail(ctx, L, rec, StageDedup, err)
	}
	if dupID != "" {
		L.Info(ctx, "alert deduplicated", "duplicate_of", dupID)
		return StatusDeduped, nil
	}

	caseID, err := p.stageCorrelate(ctx, rec, al)
	if err != nil {
		return StatusFailed, p.fail(ctx, L, rec, StageCorrelate, err)
	}

	enrichments, err := p.stageEnrich(ctx, rec, al, caseID)
	if err != nil {
		return StatusFailed, p.fail(ctx, L, rec, StageEnrich, err)
	}

	routing, err := p.stageScore(ctx, rec, al, caseID, enrichments)
	if err != nil {
		return StatusFailed, p.fail(ctx, L, rec, StageScore, err)
	}

	status, err := p.stageFinalize(ctx, rec, al, caseID, routing)
	if err != nil {
		return StatusFailed, p.fail(ctx, L, rec, StageFinalize, err)
	}
	return status, nil
}

func (p *Pipeline) stageNormalize(ctx context.Context, rec *AlertRecord) (*alert.Alert, error) {
	start := p.now()
	res, err := p.registry.Normalize(rec.Raw)
	if err != nil {
		p.metrics.observeStage(StageNormalize, "error", p.now().Sub(start).Seconds())
		return nil, err
	}
	al := res.Alert
	al.IngestID = rec.IngestID

	blob, err := json.Marshal(al)
	if err != nil {
		return nil, fmt.Errorf("encode normalized alert: %w", err)
	}
	if err := p.store.SetAlertNormalized(ctx, rec.IngestID, al.Vendor, blob); err != nil {
		return nil, err
	}
	if err := p.transition(ctx, rec, StatusNormalized, StageNormalize, map[string]any{
		"alert":    json.RawMessage(blob),
		"warnings": res.Warnings,
	}); err != nil {
		return nil, err
	}
	p.metrics.observeStage(StageNormalize, "ok", p.now().Sub(start).Seconds())
	return al, nil
}

func (p *Pipeline) stageFingerprint(ctx context.Context, rec *AlertRecord, al *alert.Alert) (fingerprint.Fingerprint, error) {
	start := p.now()
	fp := fingerprint.Compute(al, p.cfg.DedupWindowSeconds)
	if err := p.store.RecordFingerprint(ctx, rec.IngestID, fp); err != nil {
		p.metrics.observeStage(StageFingerprint, "error", p.now().Sub(start).Seconds())
		return fp, err
	}
	if err := p.transition(ctx, rec, StatusFingerprinted, StageFingerprint, fp); err != nil {
		return fp, err
	}
	p.metrics.observeStage(StageFingerprint, "ok", p.now().Sub(start).Seconds())
	return fp, nil
}

// stageDedup returns the ingest id of the suppressing original, or "" when
// the alert is first in its window.
func (p *Pipeline) stageDedup(ctx context.Context, rec *AlertRecord, fp fingerprint.Fingerprint) (string, error) {
	start := p.now()
	dupID, err := p.store.FindDuplicateOf(ctx, rec.IngestID, fp)
	if err != nil {
		p.metrics.observeStage(StageDedup, "error", p.now().Sub(start).Seconds())
		return "", err
	}
	if dupID != "" {
		if err := p.transition(ctx, rec, StatusDeduped, StageDedup, map[string]any{
			"duplicate_of": dupID,
			"fp_hash":      fp.Hash,
			"window_start": fp.WindowStart,
		}); err != nil {
			return "", err
		}
		p.metrics.observeDedupHit()
		p.metrics.observeStage(StageDedup, "duplicate", p.now().Sub(start).Seconds())
		return dupID, nil
	}
	if err := p.transition(ctx, rec, StatusDedupPass, StageDedup, map[string]any{
		"fp_hash":      fp.Hash,
		"window_start": fp.WindowStart,
	}); err != nil {
		return "", err
	}
	p.metrics.observeStage(StageDedup, "pass", p.now().Sub(start).Seconds())
	return "", nil
}

// stageCorrelate attaches the alert to the most recently created case opened
// within the window that shares a correlatable entity, or opens a new case.
// The window is anchored at processing time, not the vendor's alert
// timestamp, so sensor clock skew cannot fragment or resurrect cases.
func (p *Pipeline) stageCorrelate(ctx context.Context, rec *AlertRecord, al *alert.Alert) (string, error) {
	start := p.now()
	window := time.Duration(p.cfg.CorrelationWindowSeconds) * time.Second
	ents := alert.CorrelationEntities(al.Entities)
	edges := deriveEdges(ents)

	var caseID, outcome string
	existing, err := p.store.FindOpenCaseByEntities(ctx, ents, p.now().UTC(), window)
	switch {
	case err == nil:
		caseID = existing.ID
		outcome = "merged"
		if err := p.store.MergeAlertIntoCase(ctx, caseID, rec.IngestID, al.Severity, al.Title, ents, edges); err != nil {
			p.metrics.observeStage(StageCorrelate, "error", p.now().Sub(start).Seconds())
			return "", err
		}
	case errors.Is(err, ErrNotFound):
		caseID = ulid.Make().String()
		outcome = "created"
		c := &Case{
			ID:         caseID,
			CreatedAt:  p.now().UTC(),
			UpdatedAt:  p.now().UTC(),
			Severity:   al.Severity,
			Confidence: 0.6,
			Decision:   decision.CreateTicket,
			Queue:      "triage",
			Summary:    al.Title,
		}
		if err := p.store.CreateCase(ctx, c, rec.IngestID, ents, edges); err != nil {
			p.metrics.observeStage(StageCorrelate, "error", p.now().Sub(start).Seconds())
			return "", err
		}
	default:
		p.metrics.observeStage(StageCorrelate, "error", p.now().Sub(start).Seconds())
		return "", err
	}

	if err := p.transitionCase(ctx, rec, caseID, StatusCorrelated, StageCorrelate, map[string]any{
		"case_id": caseID,
		"outcome": outcome,
	}); err != nil {
		return "", err
	}
	p.metrics.observeCaseMerge(outcome)
	p.metrics.observeStage(StageCorrelate, outcome, p.now().Sub(start).Seconds())
	return caseID, nil
}

// stageEnrich builds the enabled enrichers fresh (data files re-read per run)
// and evaluates them. Construction failure is fatal for the alert; individual
// lookup failures are status tags inside the results.
func (p *Pipeline) stageEnrich(ctx context.Context, rec *AlertRecord, al *alert.Alert, caseID string) (enrich.Results, error) {
	start := p.now()
	enrichers, err := enrich.Build(p.cfg.DataDir, p.cfg.EnabledEnrichers)
	if err != nil {
		p.metrics.observeStage(StageEnrich, "error", p.now().Sub(start).Seconds())
		return nil, err
	}
	results := p.manager.Enrich(ctx, al, enrichers)
	if err := p.transitionCase(ctx, rec, caseID, StatusEnriched, StageEnrich, map[string]any{
		"enrichments": results,
	}); err != nil {
		return nil, err
	}
	p.metrics.observeStage(StageEnrich, "ok", p.now().Sub(start).Seconds())
	return results, nil
}

// stageScore loads policy fresh from the rules directory, scores, decides and
// routes, then writes the outcome onto the case.
func (p *Pipeline) stageScore(ctx context.Context, rec *AlertRecord, al *alert.Alert, caseID string, enrichments enrich.Results) (decision.Routing, error) {
	start := p.now()
	var zero decision.Routing

	sr, err := rules.LoadScoring(p.cfg.RulesDir)
	if err != nil {
		p.metrics.observeStage(StageScore, "error", p.now().Sub(start).Seconds())
		return zero, err
	}
	th, err := rules.LoadThresholds(p.cfg.RulesDir)
	if err != nil {
		p.metrics.observeStage(StageScore, "error", p.now().Sub(start).Seconds())
		return zero, err
	}
	rr, err := rules.LoadRouting(p.cfg.RulesDir)
	if err != nil {
		p.metrics.observeStage(StageScore, "error", p.now().Sub(start).Seconds())
		return zero, err
	}

	sc := scoring.Score(al, enrichments, sr)
	if err := p.transitionCase(ctx, rec, caseID, StatusScored, StageScore, sc); err != nil {
		return zero, err
	}

	d := decision.Decide(sc, enrichments, th)
	if err := p.transitionCase(ctx, rec, caseID, StatusDecided, StageScore, map[string]any{
		"decision":   string(d),
		"severity":   sc.Severity,
		"confidence": sc.Confidence,
	}); err != nil {
		return zero, err
	}
	p.metrics.observeDecision(string(d))

	routing := decision.Route(rr, d, enrichments)
	if err := p.store.UpdateCaseOutcome(ctx, caseID, sc.Severity, sc, routing); err != nil {
		p.metrics.observeStage(StageScore, "error", p.now().Sub(start).Seconds())
		return zero, err
	}
	if err := p.transitionCase(ctx, rec, caseID, StatusRouted, StageScore, routing); err != nil {
		return zero, err
	}
	p.metrics.observeStage(StageScore, "ok", p.now().Sub(start).Seconds())
	return routing, nil
}

// stageFinalize creates the ticket or acknowledges the auto-close, then marks
// the alert processed.
func (p *Pipeline) stageFinalize(ctx context.Context, rec *AlertRecord, al *alert.Alert, caseID string, routing decision.Routing) (Status, error) {
	start := p.now()

	switch routing.Decision {
	case decision.AutoClose:
		if p.siem != nil {
			if err := p.siem.AckAlert(ctx, rec.IngestID, caseID, "auto_closed"); err != nil {
				p.metrics.observeStage(StageFinalize, "error", p.now().Sub(start).Seconds())
				return StatusFailed, err
			}
		}
		if err := p.transitionCase(ctx, rec, caseID, StatusClosed, StageFinalize, map[string]any{
			"outcome": "auto_closed",
		}); err != nil {
			return StatusFailed, err
		}
	default:
		c, caseEntities, _, err := p.store.GetCase(ctx, caseID)
		if err != nil {
			p.metrics.observeStage(StageFinalize, "error", p.now().Sub(start).Seconds())
			return StatusFailed, err
		}
		if routing.Decision == decision.Escalate && p.notifier != nil {
			if err := p.notifier.Send(ctx, c, caseEntities); err != nil {
				p.logger.Warn(ctx, "escalation notification failed", "case_id", caseID, "error", err.Error())
			}
		}
		actions := playbooks.Recommend(string(routing.Decision), c.Severity, alert.CorrelationEntities(al.Entities))
		existing, terr := p.store.TicketForCase(ctx, caseID)
		if terr != nil && !errors.Is(terr, ErrNotFound) {
			p.metrics.observeStage(StageFinalize, "error", p.now().Sub(start).Seconds())
			return StatusFailed, terr
		}
		var t *Ticket
		if terr == nil {
			t = existing
		} else {
			t, err = p.ticketing.CreateTicket(ctx, c, routing, actions)
			if err != nil {
				p.metrics.observeStage(StageFinalize, "error", p.now().Sub(start).Seconds())
				return StatusFailed, err
			}
			p.metrics.observeTicket()
		}
		if err := p.transitionCase(ctx, rec, caseID, StatusTicketed, StageFinalize, map[string]any{
			"ticket_id": t.ID,
			"queue":     routing.Queue,
			"actions":   actions,
		}); err != nil {
			return StatusFailed, err
		}
	}

	if err := p.transitionCase(ctx, rec, caseID, StatusProcessed, StageFinalize, map[string]any{
		"decision": string(routing.Decision),
		"queue":    routing.Queue,
	}); err != nil {
		return StatusFailed, err
	}
	p.metrics.observeStage(StageFinalize, "ok", p.now().Sub(start).Seconds())
	return StatusProcessed, nil
}

// fail is the single dead-letter point: mark the alert failed and upsert its
// dead letter (attempts increment on repeat failures).
func (p *Pipeline) fail(ctx context.Context, L log.Logger, rec *AlertRecord, stage string, cause error) error {
	L.Error(ctx, cause, "pipeline stage failed", "stage", stage)
	if err := p.store.MarkAlertFailed(ctx, rec.IngestID, cause.Error()); err != nil {
		L.Error(ctx, err, "mark alert failed", "stage", stage)
	}
	now := p.now().UTC()
	if err := p.store.UpsertDeadLetter(ctx, &DeadLetter{
		IngestID:  rec.IngestID,
		CreatedAt: now,
		UpdatedAt: now,
		Attempts:  1,
		Stage:     stage,
		Error:     cause.Error(),
		Payload:   rec.Raw,
	}); err != nil {
		L.Error(ctx, err, "dead letter write failed", "stage", stage)
	}
	p.metrics.observeDeadLetter(stage)
	p.appendEvent(ctx, rec.IngestID, "", stage, map[string]any{
		"status": string(StatusFailed),
		"error":  cause.Error(),
	})
	return fmt.Errorf("%s: %w", stage, cause)
}

// transition sets the alert status and appends the matching event.
func (p *Pipeline) transition(ctx context.Context, rec *AlertRecord, status Status, stage string, payload any) error {
	return p.transitionCase(ctx, rec, "", status, stage, payload)
}

func (p *Pipeline) transitionCase(ctx context.Context, rec *AlertRecord, caseID string, status Status, stage string, payload any) error {
	if err := p.store.SetAlertStatus(ctx, rec.IngestID, status); err != nil {
		return err
	}
	rec.Status = status
	body := map[string]any{"status": string(status)}
	if payload != nil {
		body["detail"] = payload
	}
	p.appendEvent(ctx, rec.IngestID, caseID, stage, body)
	return nil
}

func (p *Pipeline) appendEvent(ctx context.Context, ingestID, caseID, stage string, payload any) {
	blob, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error(ctx, err, "encode event payload", "stage", stage)
		blob = []byte(`{}`)
	}
	ev := &Event{
		ID:        ulid.Make().String(),
		CreatedAt: p.now().UTC(),
		Stage:     stage,
		IngestID:  ingestID,
		CaseID:    caseID,
		Payload:   blob,
	}
	if err := p.store.AppendEvent(ctx, ev); err != nil {
		p.logger.Error(ctx, err, "append event", "stage", stage)
	}
}

// deriveEdges builds the typed entity relations recorded on a case graph:
// users observed on hosts, source IPs seen from hosts and connected to
// destination IPs, domains contacted by hosts.
func deriveEdges(entities []alert.Entity) []Edge {
	var users, hosts, srcIPs, dstIPs, domains []string
	for _, e := range entities {
		switch e.Type {
		case alert.EntityUser:
			users = append(users, e.Value)
		case alert.EntityHost:
			hosts = append(hosts, e.Value)
		case alert.EntitySrcIP:
			srcIPs = append(srcIPs, e.Value)
		case alert.EntityDstIP:
			dstIPs = append(dstIPs, e.Value)
		case alert.EntityDomain:
			domains = append(domains, e.Value)
		}
	}

	var edges []Edge
	for _, u := range users {
		for _, h := range hosts {
			edges = append(edges, Edge{alert.EntityUser, u, alert.EntityHost, h, "observed_on"})
		}
	}
	for _, s := range srcIPs {
		for _, h := range hosts {
			edges = append(edges, Edge{alert.EntitySrcIP, s, alert.EntityHost, h, "seen_from"})
		}
		for _, d := range dstIPs {
			edges = append(edges, Edge{alert.EntitySrcIP, s, alert.EntityDstIP, d, "connected_to"})
		}
	}
	for _, d := range domains {
		for _, h := range hosts {
			edges = append(edges, Edge{alert.EntityDomain, d, alert.EntityHost, h, "contacted_by"})
		}
	}
	return edges
}
