// Package backoff provides exponential backoff with jitter for the
// persistence gateway and other I/O retry paths.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied to each attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to the backoff.
	Jitter float64
	// MaxAttempts bounds the number of attempts for Retry.
	MaxAttempts int
}

// Compute calculates the backoff duration for a given attempt number.
// The formula is base = initialMs * factor^(attempt-1) plus jitter, clamped
// to MaxMs. Attempt numbers start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return computeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func computeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// GatewayPolicy is the persistence gateway retry policy: five attempts
// starting at 100ms, doubling each time, with 10% jitter.
func GatewayPolicy() Policy {
	return Policy{
		InitialMs:   100,
		MaxMs:       5000,
		Factor:      2,
		Jitter:      0.1,
		MaxAttempts: 5,
	}
}

// SupervisorPolicy spaces tool-server restarts: slower ramp, capped at a
// minute, three attempts per crash window.
func SupervisorPolicy() Policy {
	return Policy{
		InitialMs:   500,
		MaxMs:       60000,
		Factor:      2.5,
		Jitter:      0.2,
		MaxAttempts: 3,
	}
}
