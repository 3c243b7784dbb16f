package normalize

import (
	"encoding/json"
	"time"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
)

// vendorB handles nested event payloads with epoch timestamps:
//
//	{ "source":"vendor_b", "event":{"ts":1700000000,"name":"...","severity":55},
//	  "entities":{"ip":"1.2.3.4","user":"bob"} }
//
// Severity is already on the 0-100 scale.
type vendorB struct{}

func (vendorB) Vendor() string { return "vendor_b" }

func (vendorB) Claims(payload map[string]any) bool {
	return asString(payload["source"]) == "vendor_b"
}

func (vendorB) Shape(payload map[string]any) bool {
	_, hasEvent := payload["event"]
	_, hasEntities := payload["entities"]
	return hasEvent && hasEntities
}

func (vendorB) Normalize(payload map[string]any, raw json.RawMessage) (*Result, error) {
	event := asMap(payload["event"])
	ts := time.Unix(int64(asInt(event["ts"])), 0).UTC()

	var entities []alert.Entity
	ents := asMap(payload["entities"])
	ip := asString(ents["ip"])
	if ip == "" {
		ip = asString(ents["src_ip"])
	}
	entities = appendEntity(entities, alert.EntitySrcIP, ip)
	entities = appendEntity(entities, alert.EntityUser, asString(ents["user"]))
	entities = appendEntity(entities, alert.EntityHost, asString(ents["host"]))

	title := asString(event["name"])
	var warnings []string
	if title == "" {
		title = "vendor_b alert"
		warnings = append(warnings, "missing event name, using default")
	}
	alertType := asString(event["type"])
	if alertType == "" {
		alertType = "generic"
	}

	al := &alert.Alert{
		Vendor:      "vendor_b",
		AlertType:   alertType,
		Timestamp:   ts,
		Title:       title,
		RuleID:      asString(event["rule_id"]),
		TechniqueID: asString(event["technique"]),
		Severity:    clampSeverity(asInt(event["severity"])),
		Entities:    entities,
		Raw:         raw,
	}
	return &Result{Alert: al, Warnings: warnings}, nil
}
