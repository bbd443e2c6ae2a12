package worker

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy is exponential backoff with uniform jitter:
// delay(N) = min(base*3^N, cap) + U[0, jitter*base*3^N).
type RetryPolicy struct {
	Base       time.Duration
	Cap        time.Duration
	Jitter     float64
	MaxRetries int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:       5 * time.Second,
		Cap:        30 * time.Minute,
		Jitter:     0.5,
		MaxRetries: 10,
	}
}

// Delay returns the wait before attempt N+1; N is 0-based.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	exp := float64(p.Base) * math.Pow(3, float64(attempt))
	capped := math.Min(exp, float64(p.Cap))

	jitterMax := p.Jitter * exp
	// Keep the jitter window bounded too, or late attempts overflow.
	jitterMax = math.Min(jitterMax, float64(p.Cap))
	var jitter float64
	if jitterMax > 0 {
		jitter = rand.Float64() * jitterMax
	}

	return time.Duration(capped + jitter)
}
