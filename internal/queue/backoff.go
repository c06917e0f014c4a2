package queue

import (
	"math/rand"
	"time"
)

// Retry backoff: 5s doubling per attempt, capped at 300s, with ±25% jitter
// so a burst of failures does not retry in lockstep.
const (
	backoffBase     = 5 * time.Second
	backoffCap      = 300 * time.Second
	backoffJitterPt = 0.25
)

// backoffDelay computes the retry delay after the given completed attempt
// count. jitter must return a value in [0, 1).
func backoffDelay(attempts int, jitter func() float64) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= backoffCap {
			delay = backoffCap
			break
		}
	}
	// Scale into [1-jitterPt, 1+jitterPt).
	factor := 1 + backoffJitterPt*(2*jitter()-1)
	return time.Duration(float64(delay) * factor)
}

func defaultJitter() float64 {
	return rand.Float64()
}
