package cache

import (
	"context"
	"fmt"
	"time"
)

// BucketPolicy describes one endpoint's limit: burst requests per window.
type BucketPolicy struct {
	Burst  int
	Window time.Duration
}

// PolicyFromRate converts a burst plus refill rate (tokens per second) into
// the equivalent window policy: the window is how long a full burst takes to
// refill.
func PolicyFromRate(burst int, refillPerSec float64) BucketPolicy {
	window := time.Minute
	if refillPerSec > 0 {
		window = time.Duration(float64(burst) / refillPerSec * float64(time.Second))
	}
	return BucketPolicy{Burst: burst, Window: window}
}

// RateLimiter implements per-subject token buckets as expiring window
// counters in the KV cache, so the limit holds across nodes.
type RateLimiter struct {
	cache    Cache
	policies map[string]BucketPolicy
	now      func() time.Time
}

// NewRateLimiter returns a limiter with the given per-endpoint policies.
func NewRateLimiter(c Cache, policies map[string]BucketPolicy) *RateLimiter {
	return &RateLimiter{cache: c, policies: policies, now: time.Now}
}

// SetClock overrides the clock for tests.
func (rl *RateLimiter) SetClock(now func() time.Time) { rl.now = now }

// Allow consumes one token for subject on endpoint. Endpoints without a
// policy are unlimited.
func (rl *RateLimiter) Allow(ctx context.Context, endpoint, subject string) (bool, error) {
	policy, ok := rl.policies[endpoint]
	if !ok {
		return true, nil
	}
	window := rl.now().UnixNano() / int64(policy.Window)
	key := fmt.Sprintf("rl:%s:%s:%d", endpoint, subject, window)
	count, err := rl.cache.Incr(ctx, key, policy.Window)
	if err != nil {
		// A cache outage must not lock everyone out.
		return true, err
	}
	return count <= int64(policy.Burst), nil
}
