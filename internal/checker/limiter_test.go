package checker

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSiteLimiter(t *testing.T) {
	limiter := NewSiteLimiter()

	assert.True(t, limiter.Acquire(1), "first acquire should succeed")
	assert.False(t, limiter.Acquire(1), "second acquire for the same site should fail")
	assert.True(t, limiter.Acquire(2), "other sites are independent")
	assert.Equal(t, 2, limiter.InFlight())

	limiter.Release(1)
	assert.True(t, limiter.Acquire(1), "acquire after release should succeed")

	limiter.Release(1)
	limiter.Release(2)
	assert.Zero(t, limiter.InFlight())
}

func TestSiteLimiterConcurrentAcquire(t *testing.T) {
	limiter := NewSiteLimiter()

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Acquire(7) {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}
