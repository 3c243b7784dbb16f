package enrich

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
)

// AssetContext resolves host entities against the asset inventory
// (data/asset_inventory.csv: host, owner, criticality, environment, ...).
type AssetContext struct {
	byHost map[string]map[string]any
}

// NewAssetContext loads the inventory from the data directory.
func NewAssetContext(dataDir string) (*AssetContext, error) {
	table, err := loadCSVTable(filepath.Join(dataDir, "asset_inventory.csv"), "host", false)
	if err != nil {
		return nil, fmt.Errorf("asset_context: %w", err)
	}
	return &AssetContext{byHost: table}, nil
}

func (a *AssetContext) Name() string { return "asset_context" }

func (a *AssetContext) Params() Params {
	return Params{TTL: 24 * time.Hour, RatePerMinute: 300}
}

func (a *AssetContext) Keys(al *alert.Alert) []string {
	seen := map[string]struct{}{}
	for _, e := range al.Entities {
		if e.Type == alert.EntityHost {
			seen[e.Value] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func (a *AssetContext) EnrichOne(_ context.Context, key string) (map[string]any, error) {
	row, ok := a.byHost[key]
	if !ok {
		return nil, nil
	}
	return row, nil
}
