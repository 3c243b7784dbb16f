// Package decision maps a score and enrichment signals to a triage decision,
// and routes that decision to a handling queue via ordered rule matching.
package decision

import (
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/enrich"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/rules"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/scoring"
)

// Decision is the triage outcome for a case.
type Decision string

const (
	AutoClose    Decision = "AUTO_CLOSE"
	CreateTicket Decision = "CREATE_TICKET"
	Escalate     Decision = "ESCALATE"
)

// Routing is the queue assignment plus the rationale trail for it.
type Routing struct {
	Decision  Decision `json:"decision"`
	Queue     string   `json:"queue"`
	Rationale []string `json:"rationale"`
}

// Decide applies threshold policy to a score. Escalation conditions are
// checked before auto-close eligibility: severity at or above the escalate
// threshold, a critical asset, or a bad-reputation signal always escalates,
// even for allowlisted entities.
func Decide(score scoring.Explanation, enrichments enrich.Results, t rules.Thresholds) Decision {
	critical := scoring.CriticalAsset(enrichments)
	badRep := scoring.BadReputation(enrichments)
	if score.Severity >= t.EscalateMinSeverity || critical || badRep {
		return Escalate
	}

	allowlisted := scoring.Allowlisted(enrichments)
	if allowlisted && score.Severity <= t.AutoCloseMaxSeverity && score.Confidence >= t.AutoCloseMinConfidence {
		return AutoClose
	}
	return CreateTicket
}

// Route evaluates the ordered rule list; the first rule whose predicates all
// match wins. No match falls back to the default queue.
func Route(rr rules.RoutingRules, d Decision, enrichments enrich.Results) Routing {
	attrs := map[string]string{
		"decision":          string(d),
		"asset_criticality": scoring.AssetCriticality(enrichments),
	}
	for _, r := range rr.Rules {
		if matches(r.When, attrs) {
			return Routing{Decision: d, Queue: r.Queue, Rationale: []string{r.Rationale}}
		}
	}
	return Routing{Decision: d, Queue: rr.DefaultQueue, Rationale: []string{"default_queue"}}
}

// matches is exact-match over every predicate; an empty when is a catch-all.
func matches(when map[string]string, attrs map[string]string) bool {
	for k, v := range when {
		if attrs[k] != v {
			return false
		}
	}
	return true
}
