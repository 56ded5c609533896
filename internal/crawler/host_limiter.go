package crawler

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterSettings configures token-bucket style rate limiting per host.
type RateLimiterSettings struct {
	Requests int
	Window   time.Duration
}

// HostLimiter spaces requests to the same host by a fixed delay and an
// optional token bucket. A nil or zero-configured limiter never blocks.
type HostLimiter struct {
	delay   time.Duration
	rateCfg RateLimiterSettings

	mu       sync.Mutex
	next     map[string]time.Time
	limiters map[string]*rate.Limiter
}

// NewHostLimiter returns nil when neither a delay nor a rate is configured.
func NewHostLimiter(delay time.Duration, rateCfg RateLimiterSettings) *HostLimiter {
	rateEnabled := rateCfg.Requests > 0 && rateCfg.Window > 0
	if delay <= 0 && !rateEnabled {
		return nil
	}
	l := &HostLimiter{delay: delay, next: make(map[string]time.Time)}
	if rateEnabled {
		l.rateCfg = rateCfg
		l.limiters = make(map[string]*rate.Limiter)
	}
	return l
}

// Wait blocks until a request to host may proceed or ctx ends.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	if l == nil || host == "" {
		return nil
	}
	host = strings.ToLower(host)

	var sleep time.Duration
	var limiter *rate.Limiter

	l.mu.Lock()
	now := time.Now()
	if l.delay > 0 {
		// reserve the slot while holding the lock so concurrent workers queue up
		slot := now
		if reserved, ok := l.next[host]; ok && reserved.After(now) {
			slot = reserved
		}
		l.next[host] = slot.Add(l.delay)
		sleep = slot.Sub(now)
	}
	if l.limiters != nil {
		limiter = l.limiterLocked(host)
	}
	l.mu.Unlock()

	if sleep > 0 {
		timer := time.NewTimer(sleep)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if limiter != nil {
		return limiter.Wait(ctx)
	}
	return nil
}

func (l *HostLimiter) limiterLocked(host string) *rate.Limiter {
	if limiter, ok := l.limiters[host]; ok {
		return limiter
	}
	interval := l.rateCfg.Window / time.Duration(l.rateCfg.Requests)
	if interval <= 0 {
		interval = time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(interval), l.rateCfg.Requests)
	l.limiters[host] = limiter
	return limiter
}
