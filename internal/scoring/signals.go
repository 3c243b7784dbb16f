// Package scoring computes the weighted, explainable severity and confidence
// for an alert from its base severity and enrichment-derived signals.
package scoring

import (
	"strconv"
	"strings"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/enrich"
)

// Signals are the boolean/categorical facts derived from enrichment results
// that the scoring and decision engines consume.
type Signals struct {
	Allowlisted       bool
	AssetCriticality  string
	HasBadRep         bool
	HasSuspiciousRep  bool
	HasPhishingDomain bool
}

// Reputation score cutoffs: label match or numeric score decides; a bad
// signal takes precedence over suspicious when both apply.
const (
	badRepScoreMin        = 80
	suspiciousRepScoreMin = 50
)

// DeriveSignals scans enrichment results for the signal-bearing facts.
func DeriveSignals(enrichments enrich.Results) Signals {
	var sig Signals

	for _, lk := range enrichments["allowlist"] {
		if b, ok := lk.Data["allowlisted"].(bool); ok && b {
			sig.Allowlisted = true
		}
	}

	// Criticality keeps the inventory's spelling: it names the contribution
	// and the weight key, so "Critical" and "critical" are distinct rules.
	for _, lk := range enrichments["asset_context"] {
		if c := stringField(lk.Data, "criticality"); c != "" {
			sig.AssetCriticality = c
		}
	}

	for _, lk := range enrichments["ip_reputation"] {
		label := strings.ToLower(stringField(lk.Data, "rep"))
		score := numberField(lk.Data, "score")
		switch {
		case label == "bad" || score >= badRepScoreMin:
			sig.HasBadRep = true
		case label == "suspicious" || score >= suspiciousRepScoreMin:
			sig.HasSuspiciousRep = true
		}
	}

	for _, lk := range enrichments["whois"] {
		switch strings.ToLower(stringField(lk.Data, "category")) {
		case "phishing", "malware":
			sig.HasPhishingDomain = true
		}
	}

	return sig
}

// CriticalAsset reports whether any asset lookup returned criticality
// "critical" (used by the decision engine's escalation precedence).
func CriticalAsset(enrichments enrich.Results) bool {
	for _, lk := range enrichments["asset_context"] {
		if strings.EqualFold(stringField(lk.Data, "criticality"), "critical") {
			return true
		}
	}
	return false
}

// BadReputation reports whether any reputation lookup carries the "bad" label.
func BadReputation(enrichments enrich.Results) bool {
	for _, lk := range enrichments["ip_reputation"] {
		if strings.EqualFold(stringField(lk.Data, "rep"), "bad") {
			return true
		}
	}
	return false
}

// Allowlisted reports whether any allowlist lookup matched.
func Allowlisted(enrichments enrich.Results) bool {
	for _, lk := range enrichments["allowlist"] {
		if b, ok := lk.Data["allowlisted"].(bool); ok && b {
			return true
		}
	}
	return false
}

// AssetCriticality returns the first reported criticality, lowercased, or "".
func AssetCriticality(enrichments enrich.Results) string {
	for _, lk := range enrichments["asset_context"] {
		if c := stringField(lk.Data, "criticality"); c != "" {
			return strings.ToLower(c)
		}
	}
	return ""
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

// numberField tolerates CSV-sourced strings and JSON numbers.
func numberField(data map[string]any, key string) int {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return int(f)
	default:
		return 0
	}
}
