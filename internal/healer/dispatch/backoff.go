package dispatch

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

// BackoffConfig configures retry delays between activity attempts:
// min(cap, base * 2^(attempt-1)) with optional +/-25% jitter.
type BackoffConfig struct {
	BaseMS int
	CapMS  int
	Jitter bool
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{BaseMS: 1000, CapMS: 60_000, Jitter: true}
}

// DelayForAttempt computes the sleep before retry number attempt (1-indexed).
// Jitter is derived from the seed, so delays are deterministic per
// (case, phase, attempt) and reproducible in tests.
func DelayForAttempt(attempt int, cfg BackoffConfig, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.BaseMS <= 0 {
		return 0
	}

	baseMS := float64(cfg.BaseMS) * math.Pow(2, float64(attempt-1))
	if cfg.CapMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.CapMS))
	}

	// Jitter applies after capping: multiplier in [0.75, 1.25].
	if cfg.Jitter {
		baseMS *= 0.75 + 0.5*jitterUnit(seed)
	}

	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
