// Package ratelimit implements a per-host token bucket shared by every running
// job so concurrent crawls of the same site do not multiply its load.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	observe      func(host string, waited time.Duration)
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// Observe, when set, receives every wait longer than a millisecond.
	Observe func(host string, waited time.Duration)
}

// New creates a new Limiter. A non-positive RPS disables limiting.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		observe:      cfg.Observe,
	}
}

// Wait blocks until a token is available for host, respecting the context.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	key := strings.ToLower(strings.TrimSpace(host))
	if key == "" {
		key = "unknown"
	}
	limiter := l.limiterFor(key)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond && l.observe != nil {
		l.observe(key, waited)
	}
	return nil
}

// Hosts reports how many hosts currently hold a bucket.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	return limiter
}
