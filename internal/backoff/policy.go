// Package backoff computes jittered exponential backoff durations.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy configures an exponential backoff curve.
type Policy struct {
	InitialMs int64
	MaxMs     int64
	Factor    float64
	Jitter    float64 // fraction of base duration, e.g. 0.2 = +/-20%
}

// DefaultPolicy is used by the agentic loop's provider retry path.
var DefaultPolicy = Policy{InitialMs: 500, MaxMs: 30_000, Factor: 2.0, Jitter: 0.2}

// AggressivePolicy retries faster, for cheap idempotent operations.
var AggressivePolicy = Policy{InitialMs: 100, MaxMs: 5_000, Factor: 1.5, Jitter: 0.1}

// ConservativePolicy is used against rate-limited or overloaded providers.
var ConservativePolicy = Policy{InitialMs: 1_000, MaxMs: 60_000, Factor: 2.5, Jitter: 0.3}

// Compute returns the delay to wait before the given attempt (1-indexed).
func (p Policy) Compute(attempt int) time.Duration {
	return p.ComputeWithRand(attempt, rand.Float64())
}

// ComputeWithRand is Compute with an injectable random source in [0,1),
// used for deterministic tests.
func (p Policy) ComputeWithRand(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.InitialMs) * math.Pow(p.Factor, float64(attempt-1))
	if base > float64(p.MaxMs) {
		base = float64(p.MaxMs)
	}
	jitterRange := base * p.Jitter
	jittered := base - jitterRange + (r * 2 * jitterRange)
	if jittered < 0 {
		jittered = 0
	}
	if jittered > float64(p.MaxMs) {
		jittered = float64(p.MaxMs)
	}
	return time.Duration(jittered) * time.Millisecond
}
