package scoring

import (
	"testing"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/enrich"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/rules"
)

func testWeights() rules.ScoringRules {
	return rules.ScoringRules{Weights: map[string]float64{
		"base.alert_severity":                0,
		"signal.allowlisted":                 -40,
		"signal.asset_criticality.critical":  20,
		"signal.asset_criticality.high":      10,
		"signal.ip_rep.bad":                  25,
		"signal.ip_rep.suspicious":           10,
		"signal.domain.phishing":             15,
	}}
}

func lookupResult(enricher, key string, data map[string]any) enrich.Results {
	return enrich.Results{
		enricher: {key: enrich.Lookup{Status: enrich.StatusOK, Data: data}},
	}
}

func mergeResults(rs ...enrich.Results) enrich.Results {
	out := enrich.Results{}
	for _, r := range rs {
		for name, lookups := range r {
			if out[name] == nil {
				out[name] = map[string]enrich.Lookup{}
			}
			for k, lk := range lookups {
				out[name][k] = lk
			}
		}
	}
	return out
}

func TestScore_BasePlusPointsEqualsSeverity(t *testing.T) {
	t.Parallel()

	al := &alert.Alert{Severity: 50}
	enrichments := mergeResults(
		lookupResult("asset_context", "web-01", map[string]any{"criticality": "high"}),
		lookupResult("ip_reputation", "198.51.100.23", map[string]any{"rep": "suspicious", "score": "62"}),
	)

	ex := Score(al, enrichments, testWeights())

	var points float64
	for _, c := range ex.Contributions {
		points += c.Points
	}
	want := 50 + int(points)
	if ex.Severity != want {
		t.Errorf("severity = %d, want base+points = %d", ex.Severity, want)
	}
	if ex.Severity != 70 {
		t.Errorf("severity = %d, want 70", ex.Severity)
	}
}

func TestScore_ContributionsRecordWeightAndPoints(t *testing.T) {
	t.Parallel()

	al := &alert.Alert{Severity: 40}
	ex := Score(al, lookupResult("ip_reputation", "203.0.113.54", map[string]any{"rep": "bad", "score": "95"}), testWeights())

	var found bool
	for _, c := range ex.Contributions {
		if c.Name == "signal.ip_rep.bad" {
			found = true
			if c.Weight != 25 || c.Points != 25 {
				t.Errorf("contribution = %+v, want weight 25 points 25", c)
			}
		}
	}
	if !found {
		t.Fatalf("contributions = %v, missing signal.ip_rep.bad", ex.Contributions)
	}
}

func TestScore_AllowlistedLowersSeverityAndRaisesConfidence(t *testing.T) {
	t.Parallel()

	al := &alert.Alert{Severity: 20}
	ex := Score(al, lookupResult("allowlist", "host:scanner-01", map[string]any{"allowlisted": true}), testWeights())

	if ex.Severity != 0 {
		t.Errorf("severity = %d, want clamped 0", ex.Severity)
	}
	if ex.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", ex.Confidence)
	}
}

func TestScore_ContributionNameKeepsCriticalityCase(t *testing.T) {
	t.Parallel()

	al := &alert.Alert{Severity: 40}
	enrichments := lookupResult("asset_context", "dc-01", map[string]any{"criticality": "Critical"})

	ex := Score(al, enrichments, testWeights())

	var name string
	for _, c := range ex.Contributions {
		if c.Name != "base.alert_severity" {
			name = c.Name
		}
	}
	// The contribution doubles as the weight key, so the inventory's
	// spelling must survive into the explanation verbatim.
	if name != "signal.asset_criticality.Critical" {
		t.Errorf("contribution name = %q, want signal.asset_criticality.Critical", name)
	}
}

func TestScore_SeverityClampedTo100(t *testing.T) {
	t.Parallel()

	al := &alert.Alert{Severity: 95}
	enrichments := mergeResults(
		lookupResult("ip_reputation", "203.0.113.54", map[string]any{"rep": "bad"}),
		lookupResult("asset_context", "dc-01", map[string]any{"criticality": "critical"}),
	)
	ex := Score(al, enrichments, testWeights())
	if ex.Severity != 100 {
		t.Errorf("severity = %d, want 100", ex.Severity)
	}
}

func TestScore_BaseConfidenceWithoutSignals(t *testing.T) {
	t.Parallel()

	ex := Score(&alert.Alert{Severity: 30}, enrich.Results{}, testWeights())
	if ex.Confidence != 0.55 {
		t.Errorf("confidence = %v, want 0.55", ex.Confidence)
	}
	if len(ex.Contributions) != 1 {
		t.Fatalf("contributions = %v, want base term only", ex.Contributions)
	}
	if ex.Contributions[0].Name != "base.alert_severity" {
		t.Errorf("contribution name = %q, want base.alert_severity", ex.Contributions[0].Name)
	}
}

func TestDeriveSignals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		enrichments enrich.Results
		want        Signals
	}{
		{
			name:        "allowlisted",
			enrichments: lookupResult("allowlist", "user:svc-backup", map[string]any{"allowlisted": true}),
			want:        Signals{Allowlisted: true},
		},
		{
			name:        "bad rep by label",
			enrichments: lookupResult("ip_reputation", "203.0.113.54", map[string]any{"rep": "bad", "score": "10"}),
			want:        Signals{HasBadRep: true},
		},
		{
			name:        "bad rep by numeric score string",
			enrichments: lookupResult("ip_reputation", "203.0.113.54", map[string]any{"rep": "unknown", "score": "85"}),
			want:        Signals{HasBadRep: true},
		},
		{
			name:        "suspicious rep",
			enrichments: lookupResult("ip_reputation", "198.51.100.23", map[string]any{"rep": "suspicious", "score": "55"}),
			want:        Signals{HasSuspiciousRep: true},
		},
		{
			name:        "phishing domain",
			enrichments: lookupResult("whois", "login-micros0ft.com", map[string]any{"category": "phishing"}),
			want:        Signals{HasPhishingDomain: true},
		},
		{
			name:        "asset criticality keeps inventory spelling",
			enrichments: lookupResult("asset_context", "dc-01", map[string]any{"criticality": "Critical"}),
			want:        Signals{AssetCriticality: "Critical"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := DeriveSignals(tt.enrichments); got != tt.want {
				t.Errorf("DeriveSignals() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
