package service

import (
	"context"
	"time"

	"github.com/sociclaw/credits-gateway/internal/repository"
)

// RateLimiter evaluates fixed-window limits against a RateStore. A disabled
// limiter always allows (fail-open escape hatch for operators).
type RateLimiter struct {
	store    repository.RateStore
	disabled bool
	now      func() time.Time
}

// NewRateLimiter constructs a RateLimiter.
func NewRateLimiter(store repository.RateStore, disabled bool) *RateLimiter {
	return &RateLimiter{store: store, disabled: disabled, now: time.Now}
}

// Check applies one request against the bucket for key. Buckets are created
// lazily; a fresh window starts at the first check after the previous window
// elapsed. Denied checks do not consume a slot.
func (l *RateLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (repository.Decision, error) {
	if l.disabled {
		return repository.Decision{Allowed: true, Remaining: limit}, nil
	}
	return l.store.Hit(ctx, key, limit, window, l.now())
}

// IPKey builds the bucket key for a caller address.
func IPKey(addr string) string {
	return "ip:" + addr
}

// UserKey builds the bucket key for a (provider, providerUserId) pair.
func UserKey(provider, providerUserID string) string {
	return "user:" + provider + ":" + providerUserID
}
