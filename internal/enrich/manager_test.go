package enrich

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
)

type fakeEnricher struct {
	name   string
	params Params
	keys   []string

	mu    sync.Mutex
	calls int
	fn    func(key string) (map[string]any, error)
}

func (f *fakeEnricher) Name() string                 { return f.name }
func (f *fakeEnricher) Params() Params               { return f.params }
func (f *fakeEnricher) Keys(_ *alert.Alert) []string { return f.keys }

func (f *fakeEnricher) EnrichOne(_ context.Context, key string) (map[string]any, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(key)
}

func (f *fakeEnricher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCache struct {
	mu   sync.Mutex
	data map[string]map[string]any
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]map[string]any)}
}

func (c *fakeCache) CacheGet(_ context.Context, enricher, key string) (map[string]any, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[enricher+"/"+key]
	return v, ok, nil
}

func (c *fakeCache) CacheSet(_ context.Context, enricher, key string, value map[string]any, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[enricher+"/"+key] = value
	return nil
}

func fixedClock(at time.Time) (func() time.Time, func(d time.Duration)) {
	var mu sync.Mutex
	now := at
	return func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}, func(d time.Duration) {
			mu.Lock()
			now = now.Add(d)
			mu.Unlock()
		}
}

func TestManager_LookupAndHotCache(t *testing.T) {
	t.Parallel()

	e := &fakeEnricher{
		name:   "asset_context",
		params: Params{TTL: time.Hour, RatePerMinute: 600},
		keys:   []string{"web-01"},
		fn: func(string) (map[string]any, error) {
			return map[string]any{"criticality": "high"}, nil
		},
	}
	m := NewManager(newFakeCache(), nil, Hooks{})

	first := m.Enrich(context.Background(), &alert.Alert{}, []Enricher{e})
	if got := first["asset_context"]["web-01"].Status; got != StatusOK {
		t.Errorf("first status = %v, want %v", got, StatusOK)
	}

	second := m.Enrich(context.Background(), &alert.Alert{}, []Enricher{e})
	if got := second["asset_context"]["web-01"].Status; got != StatusCacheHit {
		t.Errorf("second status = %v, want %v", got, StatusCacheHit)
	}
	if got := second["asset_context"]["web-01"].Data["criticality"]; got != "high" {
		t.Errorf("cached data = %v, want high", got)
	}
	if e.callCount() != 1 {
		t.Errorf("lookup calls = %d, want 1", e.callCount())
	}
}

func TestManager_PersistedCacheSurvivesRestart(t *testing.T) {
	t.Parallel()

	cache := newFakeCache()
	e := &fakeEnricher{
		name:   "whois",
		params: Params{TTL: time.Hour, RatePerMinute: 600},
		keys:   []string{"evil.example"},
		fn: func(string) (map[string]any, error) {
			return map[string]any{"category": "phishing"}, nil
		},
	}

	m1 := NewManager(cache, nil, Hooks{})
	m1.Enrich(context.Background(), &alert.Alert{}, []Enricher{e})

	// A fresh manager has an empty hot cache and must hit the persisted layer.
	m2 := NewManager(cache, nil, Hooks{})
	res := m2.Enrich(context.Background(), &alert.Alert{}, []Enricher{e})
	if got := res["whois"]["evil.example"].Status; got != StatusCacheHit {
		t.Errorf("status = %v, want %v", got, StatusCacheHit)
	}
	if e.callCount() != 1 {
		t.Errorf("lookup calls = %d, want 1", e.callCount())
	}
}

func TestManager_Miss(t *testing.T) {
	t.Parallel()

	e := &fakeEnricher{
		name:   "ip_reputation",
		params: Params{TTL: time.Hour, RatePerMinute: 600},
		keys:   []string{"192.0.2.200"},
		fn:     func(string) (map[string]any, error) { return nil, nil },
	}
	m := NewManager(newFakeCache(), nil, Hooks{})

	res := m.Enrich(context.Background(), &alert.Alert{}, []Enricher{e})
	if got := res["ip_reputation"]["192.0.2.200"].Status; got != StatusMiss {
		t.Errorf("status = %v, want %v", got, StatusMiss)
	}
	// Misses are not cached; the next run looks up again.
	m.Enrich(context.Background(), &alert.Alert{}, []Enricher{e})
	if e.callCount() != 2 {
		t.Errorf("lookup calls = %d, want 2", e.callCount())
	}
}

func TestManager_RateLimited(t *testing.T) {
	t.Parallel()

	e := &fakeEnricher{
		name:   "geo_asn",
		params: Params{TTL: time.Hour, RatePerMinute: 1},
		keys:   []string{"192.0.2.1", "192.0.2.2"},
		fn: func(string) (map[string]any, error) {
			return map[string]any{"country": "US"}, nil
		},
	}
	m := NewManager(newFakeCache(), nil, Hooks{})
	now, _ := fixedClock(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	m.now = now

	res := m.Enrich(context.Background(), &alert.Alert{}, []Enricher{e})
	if got := res["geo_asn"]["192.0.2.1"].Status; got != StatusOK {
		t.Errorf("first key status = %v, want %v", got, StatusOK)
	}
	if got := res["geo_asn"]["192.0.2.2"].Status; got != StatusRateLimited {
		t.Errorf("second key status = %v, want %v", got, StatusRateLimited)
	}
}

func TestManager_BreakerOpensAndRecovers(t *testing.T) {
	t.Parallel()

	var failing = true
	e := &fakeEnricher{
		name:   "ip_reputation",
		params: Params{TTL: time.Hour, RatePerMinute: 600, FailureThreshold: 3, Cooldown: 30 * time.Second},
		keys:   []string{"203.0.113.1"},
		fn: func(string) (map[string]any, error) {
			if failing {
				return nil, errors.New("feed unavailable")
			}
			return map[string]any{"rep": "clean"}, nil
		},
	}

	var opened int
	m := NewManager(newFakeCache(), nil, Hooks{
		OnBreakerOpen: func(string) { opened++ },
	})
	now, advance := fixedClock(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	m.now = now

	// Three consecutive failures trip the breaker.
	for i := 0; i < 3; i++ {
		res := m.Enrich(context.Background(), &alert.Alert{}, []Enricher{e})
		if got := res["ip_reputation"]["203.0.113.1"].Status; got != StatusError {
			t.Fatalf("failure %d status = %v, want %v", i+1, got, StatusError)
		}
	}
	if opened != 1 {
		t.Errorf("breaker open notifications = %d, want 1", opened)
	}

	// While open, lookups are suppressed without calling the enricher.
	res := m.Enrich(context.Background(), &alert.Alert{}, []Enricher{e})
	if got := res["ip_reputation"]["203.0.113.1"].Status; got != StatusCircuitOpen {
		t.Errorf("status = %v, want %v", got, StatusCircuitOpen)
	}
	if e.callCount() != 3 {
		t.Errorf("lookup calls = %d, want 3", e.callCount())
	}

	// After the cooldown the next call is let through as a trial.
	failing = false
	advance(31 * time.Second)
	res = m.Enrich(context.Background(), &alert.Alert{}, []Enricher{e})
	if got := res["ip_reputation"]["203.0.113.1"].Status; got != StatusOK {
		t.Errorf("post-cooldown status = %v, want %v", got, StatusOK)
	}
}

func TestManager_HooksObserveLookups(t *testing.T) {
	t.Parallel()

	e := &fakeEnricher{
		name:   "allowlist",
		params: Params{TTL: time.Hour, RatePerMinute: 600},
		keys:   []string{"host:web-01"},
		fn: func(string) (map[string]any, error) {
			return map[string]any{"allowlisted": false}, nil
		},
	}

	statuses := map[Status]int{}
	m := NewManager(newFakeCache(), nil, Hooks{
		OnLookup: func(_ string, status Status) { statuses[status]++ },
	})

	m.Enrich(context.Background(), &alert.Alert{}, []Enricher{e})
	m.Enrich(context.Background(), &alert.Alert{}, []Enricher{e})

	if statuses[StatusOK] != 1 || statuses[StatusCacheHit] != 1 {
		t.Errorf("observed statuses = %v, want one ok and one cache_hit", statuses)
	}
}

func TestManager_IsolatesEnricherFailures(t *testing.T) {
	t.Parallel()

	broken := &fakeEnricher{
		name:   "whois",
		params: Params{TTL: time.Hour, RatePerMinute: 600},
		keys:   []string{"evil.example"},
		fn:     func(string) (map[string]any, error) { return nil, errors.New("boom") },
	}
	healthy := &fakeEnricher{
		name:   "asset_context",
		params: Params{TTL: time.Hour, RatePerMinute: 600},
		keys:   []string{"web-01"},
		fn: func(string) (map[string]any, error) {
			return map[string]any{"criticality": "high"}, nil
		},
	}

	m := NewManager(newFakeCache(), nil, Hooks{})
	res := m.Enrich(context.Background(), &alert.Alert{}, []Enricher{broken, healthy})

	if got := res["whois"]["evil.example"].Status; got != StatusError {
		t.Errorf("broken status = %v, want %v", got, StatusError)
	}
	if got := res["asset_context"]["web-01"].Status; got != StatusOK {
		t.Errorf("healthy status = %v, want %v", got, StatusOK)
	}
}
