// Package robots optionally enforces robots.txt rules during a scan.
package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"

	"github.com/Dachhu7/DevScan/internal/config"
)

// Agent evaluates robots.txt rules with a per-origin cache. Concurrent
// lookups for a cold origin share one fetch.
type Agent struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	respect   bool

	flight singleflight.Group
	mu     sync.RWMutex
	cache  map[string]rulesEntry
}

type rulesEntry struct {
	expires time.Time
	rules   *robotstxt.RobotsData
}

const fetchTimeout = 10 * time.Second

// allowAll stands in for rules that could not be fetched or parsed.
var allowAll, _ = robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)

// NewAgent constructs an agent. A disabled agent allows everything without
// touching the network.
func NewAgent(cfg config.RobotsConfig, client *http.Client) *Agent {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	ttl := cfg.CacheTTL.Duration
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Agent{
		client:    client,
		userAgent: cfg.UserAgent,
		ttl:       ttl,
		respect:   cfg.Respect,
		cache:     make(map[string]rulesEntry),
	}
}

// Enabled reports whether rules are enforced.
func (a *Agent) Enabled() bool {
	return a != nil && a.respect
}

// Allowed reports whether target may be fetched. An unreachable or broken
// robots.txt allows everything for the cache lifetime.
func (a *Agent) Allowed(ctx context.Context, target *url.URL) bool {
	if target == nil || !target.IsAbs() {
		return false
	}
	if !a.Enabled() {
		return true
	}
	return a.lookup(ctx, origin(target)).TestAgent(target.EscapedPath(), a.userAgent)
}

func origin(u *url.URL) string {
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

func (a *Agent) lookup(ctx context.Context, key string) *robotstxt.RobotsData {
	a.mu.RLock()
	entry, ok := a.cache[key]
	a.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.rules
	}

	// the shared fetch outlives any single caller's cancellation
	v, _, _ := a.flight.Do(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		rules, err := a.fetch(fetchCtx, key)
		if err != nil {
			rules = allowAll
		}
		a.mu.Lock()
		a.cache[key] = rulesEntry{expires: time.Now().Add(a.ttl), rules: rules}
		a.mu.Unlock()
		return rules, nil
	})
	return v.(*robotstxt.RobotsData)
}

func (a *Agent) fetch(ctx context.Context, key string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	// 4xx means allow-all and 5xx disallow-all
	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return data, nil
}
