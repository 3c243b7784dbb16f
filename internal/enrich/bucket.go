package enrich

import "time"

// tokenBucket is a continuously refilling rate limiter. A "per-minute" budget
// refills at capacity/60 tokens per second rather than in discrete ticks, so
// burst behavior is smooth.
type tokenBucket struct {
	capacity   float64
	perSecond  float64
	tokens     float64
	lastRefill time.Time
}

func newBucketPerMinute(capacity int, now time.Time) *tokenBucket {
	c := float64(capacity)
	return &tokenBucket{
		capacity:   c,
		perSecond:  c / 60.0,
		tokens:     c,
		lastRefill: now,
	}
}

// allow consumes one token if available. Callers must hold the owning
// state's lock.
func (b *tokenBucket) allow(now time.Time) bool {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.perSecond)
	}
	b.lastRefill = now
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}
