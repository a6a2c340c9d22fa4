package backend

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes the delay between backend redial attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// Delay returns the wait before redial attempt n (1-based). Jitter scales
// the delay into [0.5, 1.5); a nil rng uses the lower bound.
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if n <= 1 || b.InitialDelay <= 0 {
		return max(b.InitialDelay, 0)
	}
	growth := math.Max(b.Multiplier, 1.0)
	d := float64(b.InitialDelay) * math.Pow(growth, float64(n-1))
	if b.MaxDelay > 0 {
		d = math.Min(d, float64(b.MaxDelay))
	}
	if b.Jitter {
		scale := 0.5
		if rng != nil {
			scale += rng.Float64()
		}
		d *= scale
	}
	return time.Duration(d)
}
