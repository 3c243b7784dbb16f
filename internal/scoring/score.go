package scoring

import (
	"fmt"
	"math"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/enrich"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/rules"
)

// Contribution is one named, weighted term of the score. The recorded points
// are exactly the value used in the severity sum; the list is the audit trail
// for "why this score".
type Contribution struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Value  float64 `json:"value"`
	Points float64 `json:"points"`
	Reason string  `json:"reason"`
}

// Explanation is the scoring output: final severity, confidence and the
// ordered contribution list. baseSeverity + sum(points), clamped to [0,100],
// equals Severity.
type Explanation struct {
	Severity      int            `json:"severity"`
	Confidence    float64        `json:"confidence"`
	Contributions []Contribution `json:"contributions"`
}

// Confidence floors raised by specific signals. The maximum applicable floor
// wins; confidence never drops below the baseline.
const (
	confidenceBase        = 0.55
	confidenceAllowlisted = 0.85
	confidenceBadRep      = 0.75
	confidenceSuspicious  = 0.65
	confidenceCritAsset   = 0.6
)

// Score computes the explainable severity/confidence for an alert under the
// given weights. Each present signal contributes one term; base severity
// always contributes one term at its configured weight.
func Score(al *alert.Alert, enrichments enrich.Results, sr rules.ScoringRules) Explanation {
	sig := DeriveSignals(enrichments)

	var contributions []Contribution
	add := func(name string, value float64, reason string) {
		weight := sr.Weights[name]
		contributions = append(contributions, Contribution{
			Name:   name,
			Weight: weight,
			Value:  value,
			Points: weight * value,
			Reason: reason,
		})
	}

	add("base.alert_severity", 1.0, fmt.Sprintf("base severity=%d", al.Severity))
	if sig.Allowlisted {
		add("signal.allowlisted", 1.0, "entity is allowlisted")
	}
	if sig.AssetCriticality != "" {
		add("signal.asset_criticality."+sig.AssetCriticality, 1.0, "asset criticality")
	}
	if sig.HasBadRep {
		add("signal.ip_rep.bad", 1.0, "known bad IP reputation")
	} else if sig.HasSuspiciousRep {
		add("signal.ip_rep.suspicious", 1.0, "suspicious IP reputation")
	}
	if sig.HasPhishingDomain {
		add("signal.domain.phishing", 1.0, "domain WHOIS category indicates phishing/malware")
	}

	var totalPoints float64
	for _, c := range contributions {
		totalPoints += c.Points
	}
	severity := clamp(float64(al.Severity) + totalPoints)

	confidence := confidenceBase
	if sig.Allowlisted {
		confidence = math.Max(confidence, confidenceAllowlisted)
	}
	if sig.HasBadRep || sig.HasPhishingDomain {
		confidence = math.Max(confidence, confidenceBadRep)
	}
	if sig.HasSuspiciousRep {
		confidence = math.Max(confidence, confidenceSuspicious)
	}
	if sig.AssetCriticality == "critical" || sig.AssetCriticality == "high" {
		confidence = math.Max(confidence, confidenceCritAsset)
	}
	confidence = math.Min(1.0, math.Max(0.0, confidence))

	return Explanation{
		Severity:      severity,
		Confidence:    confidence,
		Contributions: contributions,
	}
}

func clamp(v float64) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(v)
}
