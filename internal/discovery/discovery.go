// Package discovery probes well-known paths for extra crawl seeds.
// Every failure here is swallowed.
package discovery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/errgroup"

	"github.com/Dachhu7/DevScan/internal/config"
	"github.com/Dachhu7/DevScan/internal/links"
)

const (
	maxProbeBody = 2 * 1024 * 1024
	// maxSitemapFiles bounds how many sitemap documents one discovery reads.
	maxSitemapFiles = 20
)

// Probe is the outcome of requesting a single well-known path.
type Probe struct {
	URL        string
	StatusCode int
	Body       []byte
}

// Prober fetches one well-known URL.
type Prober interface {
	Probe(ctx context.Context, target string) (Probe, error)
}

// HTTPProber implements Prober over an http.Client.
type HTTPProber struct {
	Client    *http.Client
	UserAgent string
}

// Probe performs a GET and reads a bounded body.
func (p HTTPProber) Probe(ctx context.Context, target string) (Probe, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Probe{}, fmt.Errorf("build probe request: %w", err)
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Probe{}, fmt.Errorf("probe %s: %w", target, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return Probe{}, fmt.Errorf("read probe body: %w", err)
	}
	return Probe{URL: target, StatusCode: resp.StatusCode, Body: body}, nil
}

// Discoverer turns robots.txt and sitemap probes into extra seeds.
type Discoverer struct {
	prober         Prober
	paths          []string
	timeout        time.Duration
	followSitemaps bool
	maxSitemapURLs int
	logger         *slog.Logger
}

// NewDiscoverer builds a Discoverer from configuration.
func NewDiscoverer(cfg config.DiscoveryConfig, prober Prober, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	paths := cfg.Paths
	if len(paths) == 0 {
		paths = []string{"/robots.txt", "/sitemap.xml"}
	}
	return &Discoverer{
		prober:         prober,
		paths:          append([]string(nil), paths...),
		timeout:        timeout,
		followSitemaps: cfg.FollowSitemaps,
		maxSitemapURLs: cfg.MaxSitemapURLs,
		logger:         logger,
	}
}

// Discover returns extra seed URLs found under start. The result never
// includes start itself and is empty when every probe fails.
func (d *Discoverer) Discover(ctx context.Context, start *url.URL) []string {
	if d == nil || d.prober == nil || start == nil {
		return nil
	}

	var (
		mu    sync.Mutex
		seeds []string
		seen  = map[string]struct{}{start.String(): {}}
	)
	add := func(u string) {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		seeds = append(seeds, u)
	}

	var (
		probeMu  sync.Mutex
		sitemaps []string
		bodies   = make(map[string][]byte)
	)

	// Probes never return errors to the group so one failure cannot cancel the others.
	g, gctx := errgroup.WithContext(ctx)
	for _, path := range d.paths {
		target := links.Normalize(path, start)
		if target == "" {
			continue
		}
		g.Go(func() error {
			probe, ok := d.probe(gctx, target)
			if !ok {
				return nil
			}
			add(target)
			if !d.followSitemaps {
				return nil
			}
			found := d.sitemapRefs(target, probe.Body)
			probeMu.Lock()
			bodies[target] = probe.Body
			sitemaps = append(sitemaps, found...)
			probeMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if d.followSitemaps {
		for _, u := range d.expandSitemaps(ctx, start, sitemaps, bodies) {
			add(u)
		}
	}
	return seeds
}

func (d *Discoverer) probe(ctx context.Context, target string) (Probe, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	probe, err := d.prober.Probe(probeCtx, target)
	if err != nil {
		d.logger.Debug("seed probe failed", "url", target, "error", err)
		return Probe{}, false
	}
	if probe.StatusCode != http.StatusOK {
		d.logger.Debug("seed probe skipped", "url", target, "status", probe.StatusCode)
		return Probe{}, false
	}
	return probe, true
}

// sitemapRefs returns the Sitemap directives of a robots.txt body.
func (d *Discoverer) sitemapRefs(target string, body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	if strings.HasSuffix(strings.ToLower(target), "robots.txt") {
		data, err := robotstxt.FromBytes(body)
		if err != nil {
			d.logger.Debug("parse robots.txt failed", "url", target, "error", err)
			return nil
		}
		return data.Sitemaps
	}
	return nil
}

// expandSitemaps reads the sitemaps referenced by robots.txt plus any probed
// sitemap, and returns their <loc> entries on start's host. Bodies already
// fetched during probing are reused.
func (d *Discoverer) expandSitemaps(ctx context.Context, start *url.URL, referenced []string, bodies map[string][]byte) []string {
	candidates := make([]string, 0, len(referenced)+len(d.paths))
	for _, ref := range referenced {
		if u := links.Normalize(ref, start); u != "" {
			candidates = append(candidates, u)
		}
	}
	for _, path := range d.paths {
		u := links.Normalize(path, start)
		if _, ok := bodies[u]; ok && strings.HasSuffix(strings.ToLower(u), ".xml") {
			candidates = append(candidates, u)
		}
	}

	limit := d.maxSitemapURLs
	var out []string
	fetched := make(map[string]struct{})
	for i := 0; i < len(candidates); i++ {
		sm := candidates[i]
		if _, ok := fetched[sm]; ok {
			continue
		}
		fetched[sm] = struct{}{}
		if !sameHost(start, sm) {
			continue
		}
		body, cached := bodies[sm]
		if !cached {
			probe, ok := d.probe(ctx, sm)
			if !ok {
				continue
			}
			body = probe.Body
		}
		locs, isIndex := parseSitemap(body)
		for _, loc := range locs {
			u := links.Normalize(loc, start)
			if u == "" || !sameHost(start, u) {
				continue
			}
			if isIndex {
				if len(candidates) < maxSitemapFiles {
					candidates = append(candidates, u)
				}
				continue
			}
			out = append(out, u)
			if limit > 0 && len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// parseSitemap returns the <loc> values of a sitemap or sitemap index.
// Malformed XML yields nil.
func parseSitemap(body []byte) (locs []string, isIndex bool) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, false
	}
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, false
	}
	isIndex = xmlquery.FindOne(doc, "//sitemapindex") != nil
	xmlquery.FindEach(doc, "//loc", func(_ int, n *xmlquery.Node) {
		if v := strings.TrimSpace(n.InnerText()); v != "" {
			locs = append(locs, v)
		}
	})
	return locs, isIndex
}

func sameHost(start *url.URL, raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, start.Host)
}
