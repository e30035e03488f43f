// Package backoff implements exponential backoff with jitter for provider
// retries and other transient-failure paths.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy parameterises exponential backoff. Delay grows by Factor per attempt
// and is clamped to MaxDelay; Jitter adds up to that fraction of the base on
// top, before clamping.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64

	// Jitter is the randomisation fraction in [0, 1].
	Jitter float64

	// MaxAttempts bounds Retry; zero means a single attempt.
	MaxAttempts int
}

// Provider is the retry profile for model-provider calls: 2s initial delay
// doubling per attempt, capped at 30s, three attempts total.
func Provider() Policy {
	return Policy{
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
		Jitter:       0.1,
		MaxAttempts:  3,
	}
}

// Delay returns the backoff before retrying after the given failed attempt.
// Attempts are 1-indexed.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64())
}

// delayWithRand takes the random sample as an argument so tests are
// deterministic.
func (p Policy) delayWithRand(attempt int, sample float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.InitialDelay) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*sample
	return time.Duration(math.Min(total, float64(p.MaxDelay)))
}

// Clamp bounds an externally supplied delay (for example a Retry-After hint)
// to the policy's maximum.
func (p Policy) Clamp(d time.Duration) time.Duration {
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
