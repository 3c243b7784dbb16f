// Package playbooks recommends containment actions for a case based on its
// decision, severity and involved entities. Recommendations are advisory:
// they are attached to tickets, never executed automatically.
package playbooks

import (
	"fmt"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
)

// Action is one recommended response step.
type Action struct {
	Type   string `json:"type"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

const (
	ActionIsolateHost = "isolate_host"
	ActionDisableUser = "disable_user"
	ActionBlockIP     = "block_ip"

	// Advisory actions emitted when no containment action applies.
	ActionNoActionRequired = "no_action_required"
	ActionReviewEvidence   = "review_evidence"
)

// Containment actions are only suggested at or above this severity, and
// never for auto-closed cases.
const containmentMinSeverity = 70

// maxPerType caps recommendations so a noisy alert with dozens of entities
// does not produce an unreviewable action list.
const maxPerType = 2

// Recommend derives the action list for a decision. AUTO_CLOSE and
// low-severity cases get no containment actions; the list is never empty —
// an advisory action fills in when nothing concrete applies.
func Recommend(dec string, severity int, entities []alert.Entity) []Action {
	var actions []Action
	counts := map[string]int{}
	add := func(typ, target, reason string) {
		if counts[typ] >= maxPerType {
			return
		}
		counts[typ]++
		actions = append(actions, Action{Type: typ, Target: target, Reason: reason})
	}

	if dec != "AUTO_CLOSE" && severity >= containmentMinSeverity {
		for _, e := range entities {
			switch e.Type {
			case alert.EntityHost:
				add(ActionIsolateHost, e.Value, fmt.Sprintf("host involved in severity-%d case", severity))
			case alert.EntityUser:
				add(ActionDisableUser, e.Value, "account involved in high-severity activity")
			case alert.EntitySrcIP, alert.EntityDstIP:
				add(ActionBlockIP, e.Value, "address involved in high-severity activity")
			}
		}
	}

	if len(actions) == 0 {
		if dec == "AUTO_CLOSE" {
			return []Action{{Type: ActionNoActionRequired, Reason: "case auto-closed"}}
		}
		return []Action{{Type: ActionReviewEvidence, Reason: "no containment action matched; confirm triage manually"}}
	}
	return actions
}
