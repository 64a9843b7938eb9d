package jobs

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayStaysUnderCeiling(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := 5 * time.Second
	cap := 5 * time.Minute

	for attempt := 1; attempt <= 10; attempt++ {
		ceiling := base << (attempt - 1)
		if ceiling > cap || ceiling <= 0 {
			ceiling = cap
		}
		for i := 0; i < 100; i++ {
			d := retryDelay(rng, base, cap, attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, ceiling, "attempt %d", attempt)
		}
	}
}

func TestRetryDelayCapsAtMaximum(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d := retryDelay(rng, 5*time.Second, 5*time.Minute, 50)
		assert.LessOrEqual(t, d, 5*time.Minute)
	}
}

func TestRetryDelayJitters(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	seen := map[time.Duration]bool{}
	for i := 0; i < 50; i++ {
		seen[retryDelay(rng, time.Second, time.Minute, 4)] = true
	}
	// Full jitter over an 8s window should not collapse to one value.
	assert.Greater(t, len(seen), 10)
}
