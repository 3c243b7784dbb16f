// Package enrich runs pluggable contextual lookups against a canonical alert.
// Each enricher gets independent caching, rate limiting and circuit breaking;
// one enricher's failure never blocks another. Enrichers are constructed per
// pipeline run (data files are read fresh), while breaker and bucket state is
// owned by the long-lived Manager, keyed by enricher name.
package enrich

import (
	"context"
	"time"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
)

// Status tags the outcome of one lookup key.
type Status string

const (
	StatusOK          Status = "ok"
	StatusCacheHit    Status = "cache_hit"
	StatusMiss        Status = "miss"
	StatusRateLimited Status = "rate_limited"
	StatusError       Status = "error"
	StatusCircuitOpen Status = "circuit_open"
)

// Lookup is the result for a single key.
type Lookup struct {
	Status Status         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Results maps enricher name -> lookup key -> result.
type Results map[string]map[string]Lookup

// Params declares an enricher's resource-protection settings.
type Params struct {
	TTL              time.Duration
	RatePerMinute    int
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultParams are applied for zero-valued fields.
func DefaultParams() Params {
	return Params{
		TTL:              time.Hour,
		RatePerMinute:    120,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Enricher is a single contextual lookup capability.
type Enricher interface {
	Name() string
	// Keys derives the lookup keys for an alert, sorted and deduplicated.
	Keys(al *alert.Alert) []string
	// EnrichOne resolves one key. A nil map with nil error is a miss.
	EnrichOne(ctx context.Context, key string) (map[string]any, error)
	Params() Params
}

// Cache is the persisted cache surface the manager writes through.
// Implementations expire entries lazily on read.
type Cache interface {
	CacheGet(ctx context.Context, enricher, key string) (map[string]any, bool, error)
	CacheSet(ctx context.Context, enricher, key string, value map[string]any, ttl time.Duration) error
}

func normalized(p Params) Params {
	d := DefaultParams()
	if p.TTL <= 0 {
		p.TTL = d.TTL
	}
	if p.RatePerMinute <= 0 {
		p.RatePerMinute = d.RatePerMinute
	}
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = d.FailureThreshold
	}
	if p.Cooldown <= 0 {
		p.Cooldown = d.Cooldown
	}
	return p
}
