// Package normalize detects the vendor dialect of a raw alert payload and
// converts it into the canonical alert model. Detection checks explicit
// vendor markers before structural shape tests; payloads that match nothing
// fall back to the default vendor so intake never rejects on unknown shape.
package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
)

// Result pairs a canonical alert with any non-fatal warnings produced while
// mapping vendor fields.
type Result struct {
	Alert    *alert.Alert
	Warnings []string
}

// Normalizer converts one vendor's payload shape into a canonical alert.
type Normalizer interface {
	Vendor() string
	// Claims reports whether the payload names this vendor explicitly.
	Claims(payload map[string]any) bool
	// Shape reports whether the payload structurally resembles this vendor.
	Shape(payload map[string]any) bool
	Normalize(payload map[string]any, raw json.RawMessage) (*Result, error)
}

// Registry holds vendor normalizers in detection order.
type Registry struct {
	normalizers []Normalizer
	fallback    Normalizer
}

// NewRegistry returns a registry with the built-in vendors registered.
// Vendor A doubles as the fallback for unrecognized shapes.
func NewRegistry() *Registry {
	va := &vendorA{}
	r := &Registry{fallback: va}
	r.Register(va)
	r.Register(&vendorB{})
	r.Register(&vendorC{})
	return r
}

// Register appends a normalizer. Within each detection tier normalizers run
// in registration order.
func (r *Registry) Register(n Normalizer) {
	r.normalizers = append(r.normalizers, n)
}

// match runs detection in two tiers: explicit vendor markers first, then
// structural shape tests. A payload carrying one vendor's marker is never
// claimed by another vendor's looser shape.
func (r *Registry) match(payload map[string]any) Normalizer {
	for _, n := range r.normalizers {
		if n.Claims(payload) {
			return n
		}
	}
	for _, n := range r.normalizers {
		if n.Shape(payload) {
			return n
		}
	}
	return r.fallback
}

// Detect returns the vendor name whose marker or shape matches the payload,
// or the fallback vendor when none match.
func (r *Registry) Detect(payload map[string]any) string {
	return r.match(payload).Vendor()
}

// Normalize detects the vendor and converts the payload. The raw bytes are
// retained on the alert for audit and replay.
func (r *Registry) Normalize(raw json.RawMessage) (*Result, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("normalize: payload is not an object: %w", err)
	}
	return r.match(payload).Normalize(payload, raw)
}

func clampSeverity(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%v", t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	default:
		return 0
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func appendEntity(entities []alert.Entity, typ alert.EntityType, value string) []alert.Entity {
	if value == "" {
		return entities
	}
	return append(entities, alert.Entity{Type: typ, Value: value})
}
