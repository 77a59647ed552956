package utils

import (
	"math"
	"math/rand"
	"time"
)

const (
	backoffBase = 200 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// CalculateExponentialBackoffWithJitter returns the sleep before retry
// number `retry` (0-based): capped exponential growth with full jitter so
// restarting replicas do not thunder in lockstep.
func CalculateExponentialBackoffWithJitter(retry int64) time.Duration {
	backoff := float64(backoffBase) * math.Pow(2, float64(retry))
	if backoff > float64(backoffCap) {
		backoff = float64(backoffCap)
	}
	return time.Duration(rand.Int63n(int64(backoff)) + 1)
}
