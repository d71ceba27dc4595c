package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitGrowsDelayTowardsMax(t *testing.T) {
	var b Backoff
	var last time.Duration
	for i := 0; i < 10; i++ {
		b.Wait()
		assert.GreaterOrEqual(t, b.delay, last)
		assert.LessOrEqual(t, b.delay, maxDelay)
		last = b.delay
	}
}

func TestResetReturnsToStartingDelay(t *testing.T) {
	var b Backoff
	b.Wait()
	b.Wait()
	assert.Greater(t, b.delay, time.Duration(0))
	b.Reset()
	assert.Equal(t, time.Duration(0), b.delay)
}

func TestSpinDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, Spin)
}
