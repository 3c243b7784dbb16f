package enrich

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
)

// Whois resolves domain entities against WHOIS-like records
// (data/mock_whois.csv: domain, registrar, created, category).
type Whois struct {
	byDomain map[string]map[string]any
}

// NewWhois loads the WHOIS table from the data directory.
func NewWhois(dataDir string) (*Whois, error) {
	table, err := loadCSVTable(filepath.Join(dataDir, "mock_whois.csv"), "domain", true)
	if err != nil {
		return nil, fmt.Errorf("whois: %w", err)
	}
	return &Whois{byDomain: table}, nil
}

func (w *Whois) Name() string { return "whois" }

func (w *Whois) Params() Params {
	return Params{TTL: 7 * 24 * time.Hour, RatePerMinute: 60}
}

func (w *Whois) Keys(al *alert.Alert) []string {
	seen := map[string]struct{}{}
	for _, e := range al.Entities {
		if e.Type == alert.EntityDomain {
			seen[strings.ToLower(e.Value)] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func (w *Whois) EnrichOne(_ context.Context, key string) (map[string]any, error) {
	row, ok := w.byDomain[key]
	if !ok {
		return nil, nil
	}
	return row, nil
}
