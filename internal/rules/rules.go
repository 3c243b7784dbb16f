// Package rules loads the file-based triage policy: scoring weights, decision
// thresholds and routing rules. The files live in a rules directory and are
// read fresh on every pipeline run so operators can edit policy live without
// a restart.
package rules

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ScoringRules maps contribution names to weights.
type ScoringRules struct {
	Weights map[string]float64 `yaml:"weights"`
}

// Thresholds configures the decision engine.
type Thresholds struct {
	AutoCloseMaxSeverity   int     `yaml:"auto_close_max_severity"`
	AutoCloseMinConfidence float64 `yaml:"auto_close_min_confidence"`
	EscalateMinSeverity    int     `yaml:"escalate_min_severity"`
}

// RoutingRule is one ordered exact-match predicate over decision and asset
// criticality. First match wins.
type RoutingRule struct {
	When      map[string]string `yaml:"when"`
	Queue     string            `yaml:"queue"`
	Rationale string            `yaml:"rationale"`
}

// RoutingRules is the ordered rule list plus the fallback queue.
type RoutingRules struct {
	Rules        []RoutingRule `yaml:"rules"`
	DefaultQueue string        `yaml:"default_queue"`
}

// DefaultThresholds mirror the shipped thresholds.yml so a missing file
// degrades to sane policy instead of failing the pipeline.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoCloseMaxSeverity:   25,
		AutoCloseMinConfidence: 0.8,
		EscalateMinSeverity:    85,
	}
}

// LoadScoring reads scoring.yml from the rules directory.
func LoadScoring(rulesDir string) (ScoringRules, error) {
	var doc struct {
		Weights map[string]float64 `yaml:"weights"`
	}
	if err := loadYAML(filepath.Join(rulesDir, "scoring.yml"), &doc); err != nil {
		return ScoringRules{}, err
	}
	if doc.Weights == nil {
		doc.Weights = map[string]float64{}
	}
	return ScoringRules{Weights: doc.Weights}, nil
}

// LoadThresholds reads thresholds.yml from the rules directory. Absent fields
// fall back to defaults.
func LoadThresholds(rulesDir string) (Thresholds, error) {
	var doc struct {
		Decisioning *Thresholds `yaml:"decisioning"`
	}
	if err := loadYAML(filepath.Join(rulesDir, "thresholds.yml"), &doc); err != nil {
		return Thresholds{}, err
	}
	t := DefaultThresholds()
	if doc.Decisioning != nil {
		if doc.Decisioning.AutoCloseMaxSeverity > 0 {
			t.AutoCloseMaxSeverity = doc.Decisioning.AutoCloseMaxSeverity
		}
		if doc.Decisioning.AutoCloseMinConfidence > 0 {
			t.AutoCloseMinConfidence = doc.Decisioning.AutoCloseMinConfidence
		}
		if doc.Decisioning.EscalateMinSeverity > 0 {
			t.EscalateMinSeverity = doc.Decisioning.EscalateMinSeverity
		}
	}
	return t, nil
}

// LoadRouting reads routing.yml from the rules directory.
func LoadRouting(rulesDir string) (RoutingRules, error) {
	var doc RoutingRules
	if err := loadYAML(filepath.Join(rulesDir, "routing.yml"), &doc); err != nil {
		return RoutingRules{}, err
	}
	if doc.DefaultQueue == "" {
		doc.DefaultQueue = "triage"
	}
	for i := range doc.Rules {
		if doc.Rules[i].Queue == "" {
			doc.Rules[i].Queue = "triage"
		}
		if doc.Rules[i].Rationale == "" {
			doc.Rules[i].Rationale = "matched_rule"
		}
	}
	return doc, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is from operator config, not user input
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
