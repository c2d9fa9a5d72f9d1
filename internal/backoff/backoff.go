// Package backoff computes retry delays: exponential growth with a cap and
// deterministic seeded jitter, so retry schedules are reproducible in tests.
package backoff

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

type Config struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	// JitterFrac is the +/- jitter fraction applied after capping
	// (0.2 means a delay in [0.8d, 1.2d]). Zero disables jitter.
	JitterFrac float64
}

// Delay returns the delay before the given 1-indexed attempt.
// base * factor^(attempt-1), capped at Max, then jittered by the seed.
func Delay(attempt int, cfg Config, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Base <= 0 {
		return 0
	}
	factor := cfg.Factor
	if factor <= 0 {
		factor = 2.0
	}

	d := float64(cfg.Base) * math.Pow(factor, float64(attempt-1))
	if cfg.Max > 0 {
		d = math.Min(d, float64(cfg.Max))
	}
	if cfg.JitterFrac > 0 {
		// Map the seed to [1-frac, 1+frac].
		m := 1 + cfg.JitterFrac*(2*jitterUnit(seed)-1)
		d *= m
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// jitterUnit maps a seed to [0, 1] deterministically.
func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
