package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
)

// vendorC handles finding-style payloads with categorical priority:
//
//	{ "vendor":"vendor_c", "observed_at":"2025-01-01T00:00:00Z",
//	  "finding":{"title":"...","priority":"high"}, "principal":{"user":"x"},
//	  "ioc":{"domain":"evil.example"} }
//
// Priority labels map onto fixed severity points.
type vendorC struct{}

var vendorCPriority = map[string]int{
	"low":      20,
	"medium":   55,
	"high":     80,
	"critical": 95,
}

func (vendorC) Vendor() string { return "vendor_c" }

func (vendorC) Claims(payload map[string]any) bool {
	return asString(payload["vendor"]) == "vendor_c"
}

func (vendorC) Shape(payload map[string]any) bool {
	_, hasFinding := payload["finding"]
	return hasFinding
}

func (vendorC) Normalize(payload map[string]any, raw json.RawMessage) (*Result, error) {
	ts, err := time.Parse(time.RFC3339, asString(payload["observed_at"]))
	if err != nil {
		return nil, fmt.Errorf("vendor_c: parse observed_at: %w", err)
	}

	finding := asMap(payload["finding"])
	// A missing priority means "low"; only an unrecognized label gets the
	// middling default and a warning.
	priority := strings.ToLower(asString(finding["priority"]))
	if priority == "" {
		priority = "low"
	}
	severity, ok := vendorCPriority[priority]
	var warnings []string
	if !ok {
		severity = 30
		warnings = append(warnings, fmt.Sprintf("unknown priority %q, using default severity", priority))
	}

	var entities []alert.Entity
	principal := asMap(payload["principal"])
	entities = appendEntity(entities, alert.EntityUser, asString(principal["user"]))
	entities = appendEntity(entities, alert.EntityHost, asString(principal["host"]))
	ioc := asMap(payload["ioc"])
	entities = appendEntity(entities, alert.EntityDomain, asString(ioc["domain"]))
	entities = appendEntity(entities, alert.EntitySrcIP, asString(ioc["ip"]))

	title := asString(finding["title"])
	if title == "" {
		title = "vendor_c finding"
		warnings = append(warnings, "missing finding title, using default")
	}
	alertType := asString(finding["type"])
	if alertType == "" {
		alertType = "generic"
	}

	al := &alert.Alert{
		Vendor:      "vendor_c",
		AlertType:   alertType,
		Timestamp:   ts.UTC(),
		Title:       title,
		RuleID:      asString(finding["rule_id"]),
		TechniqueID: asString(finding["technique_id"]),
		Severity:    severity,
		Entities:    entities,
		Raw:         raw,
	}
	return &Result{Alert: al, Warnings: warnings}, nil
}
