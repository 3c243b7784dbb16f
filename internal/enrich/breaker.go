package enrich

import "time"

// breaker counts consecutive lookup failures and suppresses calls for a
// cooldown once the threshold is reached. After the cooldown elapses the next
// call is simply let through as a trial (half-open by timeout, not by probe
// count); a success resets the failure counter.
type breaker struct {
	failures  int
	openUntil time.Time
}

func (b *breaker) isOpen(now time.Time) bool {
	return now.Before(b.openUntil)
}

func (b *breaker) recordSuccess() {
	b.failures = 0
}

// recordFailure increments the counter and opens the breaker when the
// threshold is reached. Returns true when this failure tripped it open.
func (b *breaker) recordFailure(now time.Time, threshold int, cooldown time.Duration) bool {
	b.failures++
	if b.failures >= threshold {
		b.openUntil = now.Add(cooldown)
		return true
	}
	return false
}
