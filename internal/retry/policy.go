// Package retry provides the backoff policy used by the action dispatcher.
package retry

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy defines bounded retry behavior.
type Policy struct {
	// MaxAttempts is the maximum number of attempts including the first.
	MaxAttempts int

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration

	// Multiplier is the factor by which the interval grows.
	Multiplier float64

	// RandomizationFactor adds jitter: 0.5 means the actual delay falls
	// within [delay*0.5, delay*1.5].
	RandomizationFactor float64

	// NonRetryableErrors are matched with errors.Is and never retried.
	NonRetryableErrors []error
}

// Exponential returns an exponential backoff policy with jitter.
func Exponential(maxAttempts int, initial, max time.Duration) *Policy {
	return &Policy{
		MaxAttempts:         maxAttempts,
		InitialInterval:     initial,
		MaxInterval:         max,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// ShouldRetry reports whether another attempt is allowed after the given
// number of completed attempts.
func (p *Policy) ShouldRetry(attempts int, err error) bool {
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return false
	}
	for _, nonRetryable := range p.NonRetryableErrors {
		if errors.Is(err, nonRetryable) {
			return false
		}
	}
	return true
}

// GetDelay calculates the delay before the next retry.
func (p *Policy) GetDelay(attempts int) time.Duration {
	if attempts <= 1 {
		return p.addJitter(p.InitialInterval)
	}
	delay := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempts-1))
	if delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}
	return p.addJitter(time.Duration(delay))
}

func (p *Policy) addJitter(delay time.Duration) time.Duration {
	if p.RandomizationFactor == 0 {
		return delay
	}
	factor := 1.0 + p.RandomizationFactor*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * factor)
}
