package batch

import "time"

// RetryPolicy bounds retry spacing: base * 2^(attempt-1), capped. The cap
// keeps total retry duration bounded regardless of failure mode.
type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultRetryPolicy matches the cron cadence: first retry after a minute,
// never more than half an hour out.
var DefaultRetryPolicy = RetryPolicy{
	Base: time.Minute,
	Cap:  30 * time.Minute,
}

// Delay returns the backoff before attempt+1 becomes eligible, given that
// `attempt` attempts have been made. Attempt counts below 1 get the base.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultRetryPolicy.Base
	}
	limit := p.Cap
	if limit <= 0 {
		limit = DefaultRetryPolicy.Cap
	}

	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}
