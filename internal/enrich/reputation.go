package enrich

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
)

// IPReputation looks up source and destination IPs in the mock reputation
// feed (data/mock_reputation.csv: ip, rep, score).
type IPReputation struct {
	byIP map[string]map[string]any
}

// NewIPReputation loads the reputation feed from the data directory.
func NewIPReputation(dataDir string) (*IPReputation, error) {
	table, err := loadCSVTable(filepath.Join(dataDir, "mock_reputation.csv"), "ip", false)
	if err != nil {
		return nil, fmt.Errorf("ip_reputation: %w", err)
	}
	return &IPReputation{byIP: table}, nil
}

func (r *IPReputation) Name() string { return "ip_reputation" }

func (r *IPReputation) Params() Params {
	return Params{TTL: 6 * time.Hour, RatePerMinute: 120}
}

func (r *IPReputation) Keys(al *alert.Alert) []string {
	seen := map[string]struct{}{}
	for _, e := range al.Entities {
		if e.Type == alert.EntitySrcIP || e.Type == alert.EntityDstIP {
			seen[e.Value] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func (r *IPReputation) EnrichOne(_ context.Context, key string) (map[string]any, error) {
	row, ok := r.byIP[key]
	if !ok {
		return nil, nil
	}
	return row, nil
}
