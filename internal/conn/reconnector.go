package conn

import (
	"math"
	"math/rand"
	"time"
)

// reconnector computes exponential backoff delays: base doubling per
// attempt with up to 50% jitter, capped at max. An attempt counter reset
// happens only after a successful dial.
type reconnector struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	attempt   int
}

func newReconnector(base, max time.Duration) *reconnector {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &reconnector{baseDelay: base, maxDelay: max}
}

func (r *reconnector) next() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) attempts() int {
	return r.attempt
}

func (r *reconnector) reset() {
	r.attempt = 0
}
