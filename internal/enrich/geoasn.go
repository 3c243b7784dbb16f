package enrich

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
)

// GeoASN resolves IPs to geography and ASN rows (data/mock_geoasn.csv:
// ip, country, city, asn, org). Feeds the case graph only; geo data is not a
// scoring signal.
type GeoASN struct {
	byIP map[string]map[string]any
}

// NewGeoASN loads the geo/ASN table from the data directory.
func NewGeoASN(dataDir string) (*GeoASN, error) {
	table, err := loadCSVTable(filepath.Join(dataDir, "mock_geoasn.csv"), "ip", false)
	if err != nil {
		return nil, fmt.Errorf("geo_asn: %w", err)
	}
	return &GeoASN{byIP: table}, nil
}

func (g *GeoASN) Name() string { return "geo_asn" }

func (g *GeoASN) Params() Params {
	return Params{TTL: 24 * time.Hour, RatePerMinute: 120}
}

func (g *GeoASN) Keys(al *alert.Alert) []string {
	seen := map[string]struct{}{}
	for _, e := range al.Entities {
		if e.Type == alert.EntitySrcIP || e.Type == alert.EntityDstIP {
			seen[e.Value] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func (g *GeoASN) EnrichOne(_ context.Context, key string) (map[string]any, error) {
	row, ok := g.byIP[key]
	if !ok {
		return nil, nil
	}
	return row, nil
}
