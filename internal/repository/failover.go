package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fieldbook/internal/domain"

	"github.com/rs/zerolog"
)

// FailoverRateLimiter prefers the shared limiter and falls back to the local one
// while the primary is failing, probing it again after recoverAfter.
type FailoverRateLimiter struct {
	primary      domain.RateLimiter
	fallback     domain.RateLimiter
	logger       *zerolog.Logger
	isDown       atomic.Bool
	mu           sync.Mutex
	lastCheck    time.Time
	recoverAfter time.Duration
}

func NewFailoverRateLimiter(primary, fallback domain.RateLimiter, logger *zerolog.Logger) *FailoverRateLimiter {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverRateLimiter{
		primary:      primary,
		fallback:     fallback,
		logger:       logger,
		recoverAfter: time.Minute,
	}
}

func (r *FailoverRateLimiter) markDown(err error) {
	r.logger.Error().Err(err).Msg("Primary rate limiter failed, falling back to memory")
	r.isDown.Store(true)
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
}

func (r *FailoverRateLimiter) shouldProbe() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastCheck) > r.recoverAfter {
		r.lastCheck = time.Now()
		return true
	}
	return false
}

func (r *FailoverRateLimiter) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if !r.isDown.Load() || r.shouldProbe() {
		allowed, err := r.primary.CheckRateLimit(ctx, key, limit, window)
		if err == nil {
			if r.isDown.Swap(false) {
				r.logger.Info().Msg("Primary rate limiter recovered")
			}
			return allowed, nil
		}
		r.markDown(err)
	}

	return r.fallback.CheckRateLimit(ctx, key, limit, window)
}
