package enrich

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/linnemanlabs/go-core/log"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
)

// hotCacheSize bounds the per-enricher in-process cache. The persisted cache
// is authoritative; this layer only absorbs repeat lookups within a burst.
const hotCacheSize = 4096

// Hooks lets the caller observe lookup outcomes and breaker transitions
// (wired to Prometheus by main).
type Hooks struct {
	OnLookup      func(enricher string, status Status)
	OnBreakerOpen func(enricher string)
}

// enricherState is the mutable per-enricher, per-process state. Constructed
// once per enricher name and mutated only under its own lock.
type enricherState struct {
	mu      sync.Mutex
	params  Params
	bucket  *tokenBucket
	breaker breaker
	hot     *expirable.LRU[string, map[string]any]
}

// Manager orchestrates the configured enrichers against an alert and owns all
// cache writes plus the per-enricher breaker/bucket state.
type Manager struct {
	cache  Cache
	logger log.Logger
	hooks  Hooks
	now    func() time.Time

	mu    sync.Mutex
	state map[string]*enricherState
}

// NewManager creates a manager. The cache may not be nil; hooks funcs may be.
func NewManager(cache Cache, logger log.Logger, hooks Hooks) *Manager {
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{
		cache:  cache,
		logger: logger,
		hooks:  hooks,
		now:    time.Now,
		state:  make(map[string]*enricherState),
	}
}

// Enrich evaluates every enricher against the alert, sequentially per key.
// Per key the order is: breaker check, hot cache, persisted cache, rate
// limit, lookup. Lookup errors are recovered locally and surfaced as status
// tags; they never abort the pipeline.
func (m *Manager) Enrich(ctx context.Context, al *alert.Alert, enrichers []Enricher) Results {
	out := make(Results, len(enrichers))
	for _, e := range enrichers {
		out[e.Name()] = m.enrichOne(ctx, al, e)
	}
	return out
}

func (m *Manager) enrichOne(ctx context.Context, al *alert.Alert, e Enricher) map[string]Lookup {
	st := m.stateFor(e)
	results := make(map[string]Lookup)

	for _, key := range e.Keys(al) {
		lk := m.lookupKey(ctx, e, st, key)
		results[key] = lk
		if m.hooks.OnLookup != nil {
			m.hooks.OnLookup(e.Name(), lk.Status)
		}
	}
	return results
}

func (m *Manager) lookupKey(ctx context.Context, e Enricher, st *enricherState, key string) Lookup {
	st.mu.Lock()
	now := m.now()
	if st.breaker.isOpen(now) {
		st.mu.Unlock()
		return Lookup{Status: StatusCircuitOpen}
	}
	if data, ok := st.hot.Get(key); ok {
		st.mu.Unlock()
		return Lookup{Status: StatusCacheHit, Data: data}
	}
	st.mu.Unlock()

	// Cache hits do not consume rate-limit budget.
	if data, ok, err := m.cache.CacheGet(ctx, e.Name(), key); err != nil {
		m.logger.Error(ctx, err, "enrichment cache read failed", "enricher", e.Name(), "key", key)
	} else if ok {
		st.mu.Lock()
		st.hot.Add(key, data)
		st.mu.Unlock()
		return Lookup{Status: StatusCacheHit, Data: data}
	}

	st.mu.Lock()
	allowed := st.bucket.allow(m.now())
	st.mu.Unlock()
	if !allowed {
		return Lookup{Status: StatusRateLimited}
	}

	data, err := e.EnrichOne(ctx, key)
	if err != nil {
		st.mu.Lock()
		opened := st.breaker.recordFailure(m.now(), st.params.FailureThreshold, st.params.Cooldown)
		st.mu.Unlock()
		m.logger.Warn(ctx, "enricher lookup failed", "enricher", e.Name(), "key", key, "error", err.Error())
		if opened {
			m.logger.Warn(ctx, "enricher circuit opened", "enricher", e.Name(), "cooldown", st.params.Cooldown.String())
			if m.hooks.OnBreakerOpen != nil {
				m.hooks.OnBreakerOpen(e.Name())
			}
		}
		return Lookup{Status: StatusError, Error: err.Error()}
	}

	st.mu.Lock()
	st.breaker.recordSuccess()
	st.mu.Unlock()

	if data == nil {
		return Lookup{Status: StatusMiss}
	}

	if err := m.cache.CacheSet(ctx, e.Name(), key, data, st.params.TTL); err != nil {
		m.logger.Error(ctx, err, "enrichment cache write failed", "enricher", e.Name(), "key", key)
	}
	st.mu.Lock()
	st.hot.Add(key, data)
	st.mu.Unlock()
	return Lookup{Status: StatusOK, Data: data}
}

// stateFor returns the persistent state for an enricher name, creating it on
// first sight with the enricher's declared parameters.
func (m *Manager) stateFor(e Enricher) *enricherState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.state[e.Name()]; ok {
		return st
	}
	p := normalized(e.Params())
	st := &enricherState{
		params: p,
		bucket: newBucketPerMinute(p.RatePerMinute, m.now()),
		hot:    expirable.NewLRU[string, map[string]any](hotCacheSize, nil, p.TTL),
	}
	m.state[e.Name()] = st
	return st
}
