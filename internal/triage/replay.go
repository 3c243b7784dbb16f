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
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/rules"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/scoring"
)

// Overrides are the policy knobs an experiment may change relative to the
// live configuration. Nil/empty fields keep the live values.
type Overrides struct {
	DedupWindowSeconds *int               `json:"dedup_window_seconds,omitempty"`
	ScoringWeights     map[string]float64 `json:"scoring_weights,omitempty"`
	Thresholds         *rules.Thresholds  `json:"thresholds,omitempty"`
}

// Replayer re-runs historical alerts through the deterministic pipeline
// stages (normalize, fingerprint, dedup, score, decide, route) under
// overridden policy, reusing the enrichment results captured at original
// processing time. No case, ticket or cache state is written; the only
// output is the persisted experiment with its before/after metrics.
type Replayer struct {
	store   Store
	logger  log.Logger
	metrics *Metrics
	cfg     PipelineConfig
	now     func() time.Time
}

// NewReplayer creates a replay engine over the live store and configuration.
func NewReplayer(store Store, logger log.Logger, metrics *Metrics, cfg PipelineConfig) *Replayer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Replayer{store: store, logger: logger, metrics: metrics, cfg: cfg, now: time.Now}
}

// tally counts per-alert outcomes of one pipeline evaluation (historical or
// replayed).
type tally struct {
	total      int
	deduped    int
	autoClosed int
	tickets    int
	escalated  int
	skipped    int
}

func (t tally) decided() int { return t.autoClosed + t.tickets + t.escalated }

func (t tally) autoCloseRatePct() float64 {
	if t.decided() == 0 {
		return 0
	}
	return 100 * float64(t.autoClosed) / float64(t.decided())
}

// ticketed counts outcomes that produce a ticket (CREATE_TICKET and ESCALATE).
func (t tally) ticketed() int { return t.tickets + t.escalated }

// Run evaluates the alerts received in [since, until) under the overrides and
// persists the resulting experiment. The before side reads the historical
// outcomes; the after side recomputes fingerprint/dedup/score/decide/route.
func (r *Replayer) Run(ctx context.Context, since, until time.Time, ov Overrides) (*Experiment, []ExperimentResult, error) {
	start := r.now()

	alerts, err := r.store.ListAlertsBetween(ctx, since, until)
	if err != nil {
		r.metrics.observeReplay("error", r.now().Sub(start).Seconds())
		return nil, nil, fmt.Errorf("list alerts: %w", err)
	}

	before, err := r.historical(ctx, alerts)
	if err != nil {
		r.metrics.observeReplay("error", r.now().Sub(start).Seconds())
		return nil, nil, err
	}
	after, err := r.replay(ctx, alerts, ov)
	if err != nil {
		r.metrics.observeReplay("error", r.now().Sub(start).Seconds())
		return nil, nil, err
	}

	results := buildResults(before, after)

	ovBlob, err := json.Marshal(ov)
	if err != nil {
		return nil, nil, fmt.Errorf("encode overrides: %w", err)
	}
	ex := &Experiment{
		ID:        ulid.Make().String(),
		CreatedAt: r.now().UTC(),
		Since:     since.UTC(),
		Until:     until.UTC(),
		Overrides: ovBlob,
	}
	if err := r.store.CreateExperiment(ctx, ex, results); err != nil {
		r.metrics.observeReplay("error", r.now().Sub(start).Seconds())
		return nil, nil, fmt.Errorf("persist experiment: %w", err)
	}

	r.metrics.observeReplay("ok", r.now().Sub(start).Seconds())
	r.logger.Info(ctx, "experiment complete",
		"experiment_id", ex.ID,
		"alerts", len(alerts),
		"tickets_before", before.ticketed(),
		"tickets_after", after.ticketed(),
	)
	return ex, results, nil
}

// historical tallies what actually happened: deduped alerts from their
// terminal status, decided alerts from the stored outcome of their case.
func (r *Replayer) historical(ctx context.Context, alerts []*AlertRecord) (tally, error) {
	var t tally
	for _, rec := range alerts {
		t.total++
		switch rec.Status {
		case StatusDeduped:
			t.deduped++
			continue
		case StatusFailed, StatusIngested, StatusProcessing:
			t.skipped++
			continue
		}

		caseID, err := r.store.CaseForAlert(ctx, rec.IngestID)
		if err != nil || caseID == "" {
			t.skipped++
			continue
		}
		c, _, _, err := r.store.GetCase(ctx, caseID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				t.skipped++
				continue
			}
			return t, fmt.Errorf("load case %s: %w", caseID, err)
		}
		t.count(c.Decision)
	}
	return t, nil
}

// replay recomputes the deterministic stages per alert under the overrides.
// Duplicates under the replayed window are tallied separately and excluded
// from the decision counts. Enrichment results are reused from the event log;
// alerts that never reached enrichment replay with empty enrichments.
func (r *Replayer) replay(ctx context.Context, alerts []*AlertRecord, ov Overrides) (tally, error) {
	window := r.cfg.DedupWindowSeconds
	if ov.DedupWindowSeconds != nil {
		window = *ov.DedupWindowSeconds
	}

	sr, err := rules.LoadScoring(r.cfg.RulesDir)
	if err != nil {
		return tally{}, fmt.Errorf("load scoring rules: %w", err)
	}
	if ov.ScoringWeights != nil {
		sr.Weights = ov.ScoringWeights
	}
	th, err := rules.LoadThresholds(r.cfg.RulesDir)
	if err != nil {
		return tally{}, fmt.Errorf("load thresholds: %w", err)
	}
	if ov.Thresholds != nil {
		th = *ov.Thresholds
	}
	rr, err := rules.LoadRouting(r.cfg.RulesDir)
	if err != nil {
		return tally{}, fmt.Errorf("load routing rules: %w", err)
	}

	type windowKey struct {
		hash  string
		start int64
	}
	seen := make(map[windowKey]struct{})

	var t tally
	for _, rec := range alerts {
		t.total++
		if len(rec.Normalized) == 0 {
			// Never normalized (failed at intake shape); nothing to replay.
			t.skipped++
			continue
		}
		var al alert.Alert
		if err := json.Unmarshal(rec.Normalized, &al); err != nil {
			t.skipped++
			continue
		}

		fp := fingerprint.Compute(&al, window)
		key := windowKey{hash: fp.Hash, start: fp.WindowStart.Unix()}
		if _, dup := seen[key]; dup {
			t.deduped++
			continue
		}
		seen[key] = struct{}{}

		enrichments := r.storedEnrichments(ctx, rec.IngestID)
		sc := scoring.Score(&al, enrichments, sr)
		d := decision.Decide(sc, enrichments, th)
		_ = decision.Route(rr, d, enrichments)
		t.count(d)
	}
	return t, nil
}

// storedEnrichments loads the enrichment results captured when the alert was
// originally processed. Absent results degrade to empty, not an error: the
// replay then scores on base severity alone, which mirrors what the live
// pipeline would have done with all lookups missing.
func (r *Replayer) storedEnrichments(ctx context.Context, ingestID string) enrich.Results {
	payload, err := r.store.LatestEventPayload(ctx, ingestID, StageEnrich)
	if err != nil {
		return enrich.Results{}
	}
	var body struct {
		Detail struct {
			Enrichments enrich.Results `json:"enrichments"`
		} `json:"detail"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.Detail.Enrichments == nil {
		return enrich.Results{}
	}
	return body.Detail.Enrichments
}

func (t *tally) count(d decision.Decision) {
	switch d {
	case decision.AutoClose:
		t.autoClosed++
	case decision.Escalate:
		t.escalated++
	default:
		t.tickets++
	}
}

// buildResults derives the persisted metric rows from the two tallies.
func buildResults(before, after tally) []ExperimentResult {
	reduction := 0.0
	if before.ticketed() > 0 {
		reduction = 100 * float64(before.ticketed()-after.ticketed()) / float64(before.ticketed())
	}

	details := func(b, a tally) json.RawMessage {
		blob, _ := json.Marshal(map[string]any{
			"before": map[string]int{"total": b.total, "skipped": b.skipped},
			"after":  map[string]int{"total": a.total, "skipped": a.skipped},
		})
		return blob
	}

	return []ExperimentResult{
		{Metric: "tickets", Before: float64(before.ticketed()), After: float64(after.ticketed()), Details: details(before, after)},
		{Metric: "auto_closed", Before: float64(before.autoClosed), After: float64(after.autoClosed)},
		{Metric: "escalated", Before: float64(before.escalated), After: float64(after.escalated)},
		{Metric: "deduped", Before: float64(before.deduped), After: float64(after.deduped)},
		{Metric: "auto_close_rate_pct", Before: before.autoCloseRatePct(), After: after.autoCloseRatePct()},
		{Metric: "ticket_reduction_pct", Before: 0, After: reduction},
	}
}
