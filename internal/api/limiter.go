package api

import (
	"context"
	"sync"
	"time"

	"fieldbook/internal/config"
	"fieldbook/internal/domain"

	"golang.org/x/time/rate"
)

type rateLimiter struct {
	limiters sync.Map
	cfg      *config.APIConfig
}

func newRateLimiter(cfg *config.APIConfig) *rateLimiter {
	return &rateLimiter{
		cfg: cfg,
	}
}

func (l *rateLimiter) getLimiter(key string) *rate.Limiter {
	if v, ok := l.limiters.Load(key); ok {
		if lim, ok := v.(*rate.Limiter); ok {
			return lim
		}
	}

	burst := l.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 5
	}

	lim := rate.NewLimiter(rate.Limit(l.cfg.RateLimit.RPS), burst)
	actual, loaded := l.limiters.LoadOrStore(key, lim)
	if loaded {
		if actualLim, ok := actual.(*rate.Limiter); ok {
			return actualLim
		}
	}
	return lim
}

// allow applies the per-client token bucket; disabled when RPS is not set.
func (l *rateLimiter) allow(key string) bool {
	if l.cfg.RateLimit.RPS <= 0 {
		return true
	}
	return l.getLimiter(key).Allow()
}

// bookingGuard caps booking requests per user over a sliding window.
type bookingGuard struct {
	limiter domain.RateLimiter
	limit   int
	window  time.Duration
}

func newBookingGuard(limiter domain.RateLimiter, cfg config.BookingRateLimitConf) *bookingGuard {
	return &bookingGuard{
		limiter: limiter,
		limit:   cfg.Requests,
		window:  time.Duration(cfg.WindowSeconds) * time.Second,
	}
}

// allow fails open when the limiter itself errors.
func (g *bookingGuard) allow(ctx context.Context, userID string) bool {
	if g == nil || g.limiter == nil || g.limit <= 0 || g.window <= 0 {
		return true
	}
	ok, err := g.limiter.CheckRateLimit(ctx, "booking:"+userID, g.limit, g.window)
	if err != nil {
		return true
	}
	return ok
}
