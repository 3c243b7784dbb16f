package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
)

// vendorA handles flat payloads:
//
//	{ "vendor":"vendor_a", "time":"2025-01-01T00:00:00Z", "rule":"R-123", "severity":7,
//	  "src_ip":"1.2.3.4", "user":"alice", "host":"host1", "title":"Suspicious login" }
//
// Severity is on a 0-10 scale, mapped linearly onto 0-100.
type vendorA struct{}

func (vendorA) Vendor() string { return "vendor_a" }

func (vendorA) Claims(payload map[string]any) bool {
	return asString(payload["vendor"]) == "vendor_a"
}

// Shape always declines; vendor A is the fallback for unrecognized payloads.
func (vendorA) Shape(map[string]any) bool { return false }

func (vendorA) Normalize(payload map[string]any, raw json.RawMessage) (*Result, error) {
	ts, err := time.Parse(time.RFC3339, asString(payload["time"]))
	if err != nil {
		return nil, fmt.Errorf("vendor_a: parse time: %w", err)
	}

	var entities []alert.Entity
	entities = appendEntity(entities, alert.EntityUser, asString(payload["user"]))
	entities = appendEntity(entities, alert.EntityHost, asString(payload["host"]))
	entities = appendEntity(entities, alert.EntitySrcIP, asString(payload["src_ip"]))
	entities = appendEntity(entities, alert.EntityDstIP, asString(payload["dst_ip"]))
	entities = appendEntity(entities, alert.EntityDomain, asString(payload["domain"]))

	title := asString(payload["title"])
	var warnings []string
	if title == "" {
		title = "vendor_a alert"
		warnings = append(warnings, "missing title, using default")
	}
	alertType := asString(payload["type"])
	if alertType == "" {
		alertType = "generic"
	}

	al := &alert.Alert{
		Vendor:      "vendor_a",
		AlertType:   alertType,
		Timestamp:   ts.UTC(),
		Title:       title,
		RuleID:      asString(payload["rule"]),
		TechniqueID: asString(payload["technique_id"]),
		Severity:    clampSeverity(asInt(payload["severity"]) * 10),
		Entities:    entities,
		Raw:         raw,
	}
	return &Result{Alert: al, Warnings: warnings}, nil
}
