package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldRetryMaxAttempts(t *testing.T) {
	p := Exponential(3, time.Millisecond, time.Second)
	err := errors.New("transient")

	assert.True(t, p.ShouldRetry(1, err))
	assert.True(t, p.ShouldRetry(2, err))
	assert.False(t, p.ShouldRetry(3, err))
}

func TestShouldRetryNonRetryable(t *testing.T) {
	sentinel := errors.New("bad config")
	p := Exponential(5, time.Millisecond, time.Second)
	p.NonRetryableErrors = []error{sentinel}

	assert.False(t, p.ShouldRetry(1, sentinel))
	// Wrapped errors match via errors.Is.
	assert.False(t, p.ShouldRetry(1, errors.Join(errors.New("outer"), sentinel)))
	assert.True(t, p.ShouldRetry(1, errors.New("unrelated")))
}

func TestGetDelayGrowsAndCaps(t *testing.T) {
	p := Exponential(0, 100*time.Millisecond, 300*time.Millisecond)
	p.RandomizationFactor = 0

	assert.Equal(t, 100*time.Millisecond, p.GetDelay(1))
	assert.Equal(t, 200*time.Millisecond, p.GetDelay(2))
	assert.Equal(t, 300*time.Millisecond, p.GetDelay(3))
	assert.Equal(t, 300*time.Millisecond, p.GetDelay(10))
}

func TestGetDelayJitterBounds(t *testing.T) {
	p := Exponential(0, 100*time.Millisecond, time.Second)

	for i := 0; i < 50; i++ {
		d := p.GetDelay(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
