package jobs

import (
	"math/rand"
	"time"
)

// retryDelay computes the full-jitter exponential backoff for the given
// attempt (1-based): uniform over [0, min(cap, base*2^(attempt-1))].
func retryDelay(rng *rand.Rand, base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := base
	for i := 1; i < attempt; i++ {
		ceiling *= 2
		if ceiling >= cap || ceiling <= 0 {
			ceiling = cap
			break
		}
	}
	if ceiling > cap {
		ceiling = cap
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(ceiling) + 1))
}
