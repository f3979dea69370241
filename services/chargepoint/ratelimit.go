package chargepoint

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket allowing up to rate requests per window.
// The driver API bans aggressive clients, so every call goes through this.
type RateLimiter struct {
	mu        sync.Mutex
	rate      float64
	per       time.Duration
	allowance float64
	lastCheck time.Time
}

func NewRateLimiter(rate int, per time.Duration) *RateLimiter {
	return &RateLimiter{
		rate:      float64(rate),
		per:       per,
		allowance: float64(rate),
		lastCheck: time.Now(),
	}
}

// Acquire blocks until a request slot is available.
func (rl *RateLimiter) Acquire() {
	rl.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(rl.lastCheck)
	rl.lastCheck = now

	rl.allowance += elapsed.Seconds() * (rl.rate / rl.per.Seconds())
	if rl.allowance > rl.rate {
		rl.allowance = rl.rate
	}

	if rl.allowance < 1.0 {
		wait := time.Duration((1.0 - rl.allowance) * (rl.per.Seconds() / rl.rate) * float64(time.Second))
		rl.allowance = 0
		rl.mu.Unlock()
		time.Sleep(wait)
		return
	}

	rl.allowance -= 1.0
	rl.mu.Unlock()
}
