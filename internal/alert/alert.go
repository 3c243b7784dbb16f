// Package alert defines the canonical, vendor-independent alert model
// produced by normalization and consumed by every pipeline stage.
package alert

import (
	"encoding/json"
	"time"
)

// EntityType classifies an identifying value extracted from an alert.
type EntityType string

const (
	EntityUser        EntityType = "user"
	EntityHost        EntityType = "host"
	EntitySrcIP       EntityType = "src_ip"
	EntityDstIP       EntityType = "dst_ip"
	EntityDomain      EntityType = "domain"
	EntityASN         EntityType = "asn"
	EntityRuleID      EntityType = "rule_id"
	EntityTechniqueID EntityType = "technique_id"
)

// Entity is a typed identifying value (user, host, IP, domain, ...).
type Entity struct {
	Type  EntityType `json:"type"`
	Value string     `json:"value"`
}

// Alert is the canonical representation of an inbound alert. Immutable once
// produced by a normalizer; IngestID is assigned at intake, not by the vendor.
type Alert struct {
	IngestID    string          `json:"ingest_id,omitempty"`
	Vendor      string          `json:"vendor"`
	AlertType   string          `json:"alert_type"`
	Timestamp   time.Time       `json:"ts"`
	Title       string          `json:"title"`
	RuleID      string          `json:"rule_id,omitempty"`
	TechniqueID string          `json:"technique_id,omitempty"`
	Severity    int             `json:"severity"` // 0..100, vendor-normalized
	Entities    []Entity        `json:"entities"`
	Raw         json.RawMessage `json:"raw"`
}

// CorrelationEntities returns the subset of entities eligible for case
// correlation. ASN is excluded as too coarse to tie alerts together.
func CorrelationEntities(entities []Entity) []Entity {
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if e.Value == "" {
			continue
		}
		switch e.Type {
		case EntityUser, EntityHost, EntitySrcIP, EntityDstIP, EntityDomain, EntityRuleID, EntityTechniqueID:
			out = append(out, e)
		}
	}
	return out
}

// DedupEntities filters to the entity types that participate in fingerprint
// hashing (user, host, src_ip, dst_ip, domain).
func DedupEntities(entities []Entity) []Entity {
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		switch e.Type {
		case EntityUser, EntityHost, EntitySrcIP, EntityDstIP, EntityDomain:
			out = append(out, e)
		}
	}
	return out
}
