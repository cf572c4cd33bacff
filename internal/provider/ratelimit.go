package provider

import (
	"context"
	"sync"
	"time"

	"xmtprelay/internal/domain"
)

// RateLimiter is a token bucket shared by every request to one provider.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewRateLimiter allows maxBurst requests at once, refilled at
// ratePerMinute. A zero burst defaults to 1, a zero rate to 30/min.
func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = 1
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 30
	}
	return &RateLimiter{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerMinute / 60.0, // Convert to per-second
		lastTime: time.Now(),
	}
}

// Wait blocks until a request may be made or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(rl.lastTime).Seconds()
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.max {
			rl.tokens = rl.max
		}
		rl.lastTime = now

		if rl.tokens >= 1.0 {
			rl.tokens -= 1.0
			rl.mu.Unlock()
			return nil
		}

		waitSec := (1.0 - rl.tokens) / rl.rate
		rl.mu.Unlock()

		timer := time.NewTimer(time.Duration(waitSec * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type rateLimited struct {
	domain.Provider
	limiter *RateLimiter
}

// RateLimited wraps p so that Chat waits for limiter before each request.
// Health checks are not throttled.
func RateLimited(p domain.Provider, limiter *RateLimiter) domain.Provider {
	return &rateLimited{Provider: p, limiter: limiter}
}

func (r *rateLimited) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Provider.Chat(ctx, req)
}
