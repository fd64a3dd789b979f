package time

import (
	"math/rand"
	"time"
)

// GetRandomDelayGenerator returns a generator of delays uniformly distributed in [0, interval).
func GetRandomDelayGenerator(interval time.Duration) func() time.Duration {
	if interval <= 0 {
		interval = time.Second * 5
	}
	return func() time.Duration {
		return time.Duration(rand.Int63n(int64(interval)))
	}
}

// ExponentialBackoff returns min(maxDelay, base * 2^min(attempt-1, maxExponent)).
// Attempts lower than 1 are treated as the first attempt.
func ExponentialBackoff(base, maxDelay time.Duration, maxExponent, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > maxExponent {
		exp = maxExponent
	}
	delay := base
	for i := 0; i < exp; i++ {
		if maxDelay > 0 && delay >= maxDelay {
			break
		}
		delay *= 2
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Jitter spreads delay by up to ±fraction of its length. A fraction of zero returns delay unchanged.
func Jitter(delay time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || delay <= 0 {
		return delay
	}
	if fraction > 1 {
		fraction = 1
	}
	spread := time.Duration(float64(delay) * fraction)
	if spread <= 0 {
		return delay
	}
	return delay - spread + GetRandomDelayGenerator(2*spread)()
}
