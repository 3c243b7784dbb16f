package enrich

import "fmt"

// constructors maps enricher names to their data-dir constructors. Adding an
// enricher is one entry here plus its implementation file.
var constructors = map[string]func(dataDir string) (Enricher, error){
	"allowlist":     func(d string) (Enricher, error) { return NewAllowlist(d) },
	"asset_context": func(d string) (Enricher, error) { return NewAssetContext(d) },
	"ip_reputation": func(d string) (Enricher, error) { return NewIPReputation(d) },
	"geo_asn":       func(d string) (Enricher, error) { return NewGeoASN(d) },
	"whois":         func(d string) (Enricher, error) { return NewWhois(d) },
}

// DefaultEnabled is the shipped enricher order.
func DefaultEnabled() []string {
	return []string{"allowlist", "asset_context", "ip_reputation", "geo_asn", "whois"}
}

// Build constructs the enabled enrichers in order, reading their data files
// fresh. A missing or unreadable data file is a hard error: the caller
// (the enrich stage) fails the alert into the dead-letter store rather than
// silently triaging without context. Unknown names are skipped.
func Build(dataDir string, enabled []string) ([]Enricher, error) {
	out := make([]Enricher, 0, len(enabled))
	for _, name := range enabled {
		ctor, ok := constructors[name]
		if !ok {
			continue
		}
		e, err := ctor(dataDir)
		if err != nil {
			return nil, fmt.Errorf("build enricher %s: %w", name, err)
		}
		out = append(out, e)
	}
	return out, nil
}
