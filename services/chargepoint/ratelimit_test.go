package chargepoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsBurst(t *testing.T) {
	limiter := NewRateLimiter(5, time.Second)

	start := time.Now()
	for i := 0; i < 5; i++ {
		limiter.Acquire()
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "initial allowance covers a full burst")
}

func TestRateLimiterBlocksWhenExhausted(t *testing.T) {
	limiter := NewRateLimiter(2, 200*time.Millisecond)

	limiter.Acquire()
	limiter.Acquire()

	start := time.Now()
	limiter.Acquire()
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "exhausted bucket must wait for refill")
}

func TestRateLimiterRefills(t *testing.T) {
	limiter := NewRateLimiter(2, 100*time.Millisecond)

	limiter.Acquire()
	limiter.Acquire()
	time.Sleep(120 * time.Millisecond)

	start := time.Now()
	limiter.Acquire()
	assert.Less(t, time.Since(start), 50*time.Millisecond, "allowance regenerates over time")
}
