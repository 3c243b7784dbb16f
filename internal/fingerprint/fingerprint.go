// Package fingerprint computes the deterministic, time-windowed hash used to
// detect duplicate alerts. Compute is pure: identical alert content and window
// size always yield the same hash and window start, which the replay engine
// relies on to reproduce dedup decisions offline.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
)

// Strategy names the fingerprinting scheme. Only one exists today; the field
// is persisted so a future scheme change does not collide with old rows.
const Strategy = "default"

// Fingerprint identifies "the same alert recurring within a window". Two
// alerts are duplicates iff both Hash and WindowStart match.
type Fingerprint struct {
	Strategy    string    `json:"strategy"`
	Hash        string    `json:"fp_hash"`
	WindowStart time.Time `json:"window_start"`
}

// Compute derives the fingerprint for an alert under the given dedup window.
// The hash covers vendor, alert type, title, rule id (when present) and the
// dedup-relevant entity values keyed by type; the window start is the alert
// timestamp floored to the window boundary.
func Compute(al *alert.Alert, windowSeconds int) Fingerprint {
	parts := map[string]string{
		"vendor": al.Vendor,
		"type":   al.AlertType,
		"title":  al.Title,
	}
	if al.RuleID != "" {
		parts["rule_id"] = al.RuleID
	}

	ents := alert.DedupEntities(al.Entities)
	sort.Slice(ents, func(i, j int) bool {
		if ents[i].Type != ents[j].Type {
			return ents[i].Type < ents[j].Type
		}
		return ents[i].Value < ents[j].Value
	})
	for _, e := range ents {
		parts[string(e.Type)] = e.Value
	}

	return Fingerprint{
		Strategy:    Strategy,
		Hash:        stableHash(parts),
		WindowStart: floorWindow(al.Timestamp, windowSeconds),
	}
}

// stableHash hashes a canonical JSON encoding of the parts: keys sorted,
// no whitespace. encoding/json already sorts map keys, which gives the
// order-independence the dedup contract requires.
func stableHash(parts map[string]string) string {
	blob, _ := json.Marshal(parts)
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

func floorWindow(ts time.Time, windowSeconds int) time.Time {
	if windowSeconds <= 0 {
		return ts.UTC()
	}
	w := int64(windowSeconds)
	epoch := ts.UTC().Unix()
	return time.Unix(epoch-epoch%w, 0).UTC()
}
