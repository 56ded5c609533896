// Package crawler runs a bounded, same-site crawl and aggregates the issues
// the detection engine raises for every fetched page.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Dachhu7/DevScan/internal/config"
	"github.com/Dachhu7/DevScan/internal/detection"
	"github.com/Dachhu7/DevScan/internal/discovery"
	"github.com/Dachhu7/DevScan/internal/fetcher"
	"github.com/Dachhu7/DevScan/internal/links"
	robotsclient "github.com/Dachhu7/DevScan/internal/robots"
	"github.com/Dachhu7/DevScan/pkg/types"
)

// SeedDiscoverer finds extra starting URLs. Implementations must tolerate
// any failure and return what they found.
type SeedDiscoverer interface {
	Discover(ctx context.Context, start *url.URL) []string
}

// ProgressEvent is emitted after every fetched page.
type ProgressEvent struct {
	ScanID         string `json:"scan_id,omitempty"`
	URL            string `json:"url"`
	Host           string `json:"host"`
	StatusCode     int    `json:"status_code"`
	Issues         int    `json:"issues"`
	ProcessedPages int64  `json:"processed_pages"`
	VisitedPages   int    `json:"visited_pages"`
	PendingPages   int    `json:"pending_pages"`
}

// ProgressSink receives progress events. Report must not block.
type ProgressSink interface {
	Report(evt ProgressEvent)
}

// Option customises an Engine.
type Option func(*Engine)

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f fetcher.Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithDiscoverer replaces the robots/sitemap seed discoverer. A nil value
// disables discovery.
func WithDiscoverer(d SeedDiscoverer) Option {
	return func(e *Engine) {
		e.discoverer = d
		e.discovererSet = true
	}
}

// WithLogger overrides the configured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithProgressSink attaches a progress observer.
func WithProgressSink(s ProgressSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithScanID tags progress events.
func WithScanID(id string) Option {
	return func(e *Engine) { e.scanID = id }
}

// Engine holds the immutable pieces of a scanner. Per-scan state lives in
// scanState, so one Engine can run many scans, concurrently if needed.
type Engine struct {
	cfg        config.Config
	fetcher    fetcher.Fetcher
	detector   *detection.Engine
	discoverer SeedDiscoverer
	robots     *robotsclient.Agent
	logger     *slog.Logger
	sink       ProgressSink
	scanID     string

	discovererSet bool
	htmlTypes     []string
	htmlSuffixes  []string
}

// NewEngine builds a scanner from configuration.
func NewEngine(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := BuildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:          cfg.Clone(),
		detector:     detection.NewEngine(cfg.Detection),
		logger:       logger,
		htmlTypes:    append([]string(nil), cfg.Crawl.HTMLContentTypes...),
		htmlSuffixes: append([]string(nil), cfg.Crawl.HTMLPathSuffixes...),
	}
	for _, opt := range opts {
		opt(e)
	}

	var httpFetcher *fetcher.HTTPFetcher
	if e.fetcher == nil || (!e.discovererSet && cfg.Discovery.Enabled) || cfg.Robots.Respect {
		httpFetcher, err = fetcher.NewHTTPFetcher(fetcher.Options{
			UserAgent:    cfg.Crawl.UserAgent,
			Headers:      cfg.Crawl.Headers,
			Timeout:      cfg.Crawl.RequestTimeout.Duration,
			MaxBodyBytes: cfg.Crawl.MaxBodyBytes,
			ProxyURL:     cfg.Crawl.ProxyURL,

			Retries:            cfg.Crawl.Retries,
			MaxRedirects:       cfg.Crawl.MaxRedirects,
			InsecureSkipVerify: cfg.Crawl.InsecureSkipVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("http fetcher: %w", err)
		}
	}
	if e.fetcher == nil {
		e.fetcher = httpFetcher
	}
	if !e.discovererSet && cfg.Discovery.Enabled {
		prober := discovery.HTTPProber{Client: httpFetcher.Client(), UserAgent: cfg.Crawl.UserAgent}
		e.discoverer = discovery.NewDiscoverer(cfg.Discovery, prober, e.logger)
	}
	if cfg.Robots.Respect {
		e.robots = robotsclient.NewAgent(cfg.Robots, httpFetcher.Client())
	}
	return e, nil
}

// scanState is everything one crawl mutates. It is created by Scan and
// never shared between scans.
type scanState struct {
	start     *url.URL
	scope     Scope
	frontier  *Frontier
	visited   *Visited
	report    *Report
	limiter   *HostLimiter
	processed atomic.Int64
}

// ValidateStartURL parses and checks a start URL without touching the network.
func ValidateStartURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &InputError{Reason: "No URL provided"}
	}
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return nil, &InputError{URL: raw, Reason: "URL must start with http:// or https://"}
	}
	canonical := links.Normalize(raw, nil)
	parsed, err := url.Parse(canonical)
	if canonical == "" || err != nil || parsed.Host == "" {
		return nil, &InputError{URL: raw, Reason: "URL is malformed or missing a host"}
	}
	return parsed, nil
}

// Scan crawls from startURL until the frontier drains, the page budget is
// spent, or ctx is cancelled. On cancellation the partial result is returned
// together with the context error.
func (e *Engine) Scan(ctx context.Context, startURL string) (*types.ScanResult, error) {
	start, err := ValidateStartURL(startURL)
	if err != nil {
		return nil, err
	}
	startedAt := time.Now().UTC()

	st := &scanState{
		start:    start,
		scope:    NewScope(start.Host, e.cfg.Crawl.FollowSubdomains),
		frontier: NewFrontier(e.cfg.Worker.FrontierHint),
		visited:  NewVisited(e.cfg.Crawl.MaxPages),
		report:   NewReport(),
	}
	var rateCfg RateLimiterSettings
	if rl := e.cfg.Crawl.RateLimitPerHost; rl.Enabled() {
		rateCfg = RateLimiterSettings{Requests: rl.Requests, Window: rl.Window.Duration}
	}
	st.limiter = NewHostLimiter(e.cfg.Crawl.PerHostDelay.Duration, rateCfg)

	e.logger.Info("scan started",
		"start_url", start.String(),
		"concurrency", e.cfg.Worker.Concurrency,
		"max_pages", e.cfg.Crawl.MaxPages,
		"follow_subdomains", e.cfg.Crawl.FollowSubdomains,
	)

	st.frontier.Push(start.String())
	for _, seed := range e.discoverSeeds(ctx, st) {
		st.frontier.Push(seed)
	}

	pool, err := NewWorkerPool(st.frontier, e.cfg.Worker.Concurrency, e.logger)
	if err != nil {
		return nil, err
	}
	pool.Start(ctx, func(workerCtx context.Context, u string) {
		e.handleURL(workerCtx, st, u)
	})
	pool.Drain()

	result := e.buildResult(st, startedAt)
	if err := ctx.Err(); err != nil {
		e.logger.Warn("scan cancelled",
			"start_url", start.String(),
			"pages_scanned", result.PagesScanned,
			"issues", st.report.Issues(),
		)
		return result, fmt.Errorf("scan %s: %w", start.String(), err)
	}
	e.logger.Info("scan complete",
		"start_url", start.String(),
		"pages_scanned", result.PagesScanned,
		"urls_with_issues", st.report.Len(),
		"issues", st.report.Issues(),
		"duration", result.FinishedAt.Sub(result.StartedAt).String(),
	)
	return result, nil
}

func (e *Engine) discoverSeeds(ctx context.Context, st *scanState) []string {
	if e.discoverer == nil {
		return nil
	}
	var seeds []string
	for _, seed := range e.discoverer.Discover(ctx, st.start) {
		u := links.Normalize(seed, st.start)
		if u == "" || !st.scope.InScope(u) {
			continue
		}
		seeds = append(seeds, u)
	}
	if len(seeds) > 0 {
		e.logger.Debug("discovered extra seeds", "count", len(seeds))
	}
	return seeds
}

// handleURL is one Processing step: admit, fetch, detect, record, expand.
func (e *Engine) handleURL(ctx context.Context, st *scanState, raw string) {
	if ctx.Err() != nil {
		return
	}
	if res := st.visited.Admit(raw); res != Admitted {
		return
	}

	target, err := url.Parse(raw)
	if err != nil {
		e.logger.Debug("skipping unparsable url", "url", raw, "error", err)
		return
	}
	if e.robots != nil && !e.robots.Allowed(ctx, target) {
		e.logger.Debug("blocked by robots", "url", raw)
		return
	}
	if err := st.limiter.Wait(ctx, target.Hostname()); err != nil {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.Crawl.RequestTimeout.Duration)
	page, err := e.fetcher.Fetch(fetchCtx, target)
	cancel()
	if err != nil {
		e.logger.Debug("fetch failed", "url", raw, "error", err)
		return
	}

	tags := e.detector.Detect(raw, page.StatusCode, page.Headers, page.Body)
	st.report.Record(raw, tags)
	processed := st.processed.Add(1)

	// links are dropped once the page budget is spent
	if !st.visited.Exhausted() && e.isHTML(page, target) {
		base := page.FinalURL
		if base == nil {
			base = target
		}
		found := links.ExtractWithOptions(page.Body, base, links.Options{MaxLinks: e.cfg.Crawl.MaxLinksPerPage})
		for _, link := range found {
			if !st.scope.InScope(link) || st.visited.Contains(link) {
				continue
			}
			st.frontier.Push(link)
		}
	}

	if e.sink != nil {
		e.sink.Report(ProgressEvent{
			ScanID:         e.scanID,
			URL:            raw,
			Host:           target.Hostname(),
			StatusCode:     page.StatusCode,
			Issues:         len(tags),
			ProcessedPages: processed,
			VisitedPages:   st.visited.Len(),
			PendingPages:   st.frontier.Pending(),
		})
	}
}

func (e *Engine) isHTML(page *types.Page, target *url.URL) bool {
	ct := strings.ToLower(page.ContentType)
	for _, t := range e.htmlTypes {
		if strings.Contains(ct, t) {
			return true
		}
	}
	path := strings.ToLower(target.Path)
	if path == "" {
		path = "/"
	}
	for _, suffix := range e.htmlSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

func (e *Engine) buildResult(st *scanState, startedAt time.Time) *types.ScanResult {
	report := st.report.Snapshot()
	visited := st.visited.List()

	pages := make(map[string]struct{}, len(visited)+len(report))
	for _, u := range visited {
		pages[u] = struct{}{}
	}
	for u := range report {
		pages[u] = struct{}{}
	}

	return &types.ScanResult{
		StartURL:        st.start.String(),
		PagesScanned:    len(pages),
		Vulnerabilities: report,
		Visited:         visited,
		StartedAt:       startedAt,
		FinishedAt:      time.Now().UTC(),
	}
}

// BuildLogger creates the slog logger described by cfg.
func BuildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}
