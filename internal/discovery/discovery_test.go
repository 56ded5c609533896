package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Dachhu7/DevScan/internal/config"
)

type fakeProber struct {
	mu        sync.Mutex
	responses map[string]Probe
	calls     []string
}

func (f *fakeProber) Probe(ctx context.Context, target string) (Probe, error) {
	f.mu.Lock()
	f.calls = append(f.calls, target)
	f.mu.Unlock()
	p, ok := f.responses[target]
	if !ok {
		return Probe{}, errors.New("connection refused")
	}
	return p, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startURL(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse("https://example.com/")
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestDiscoverAddsSuccessfulProbes(t *testing.T) {
	prober := &fakeProber{responses: map[string]Probe{
		"https://example.com/robots.txt":  {StatusCode: 200, Body: []byte("User-agent: *\nDisallow: /private\n")},
		"https://example.com/sitemap.xml": {StatusCode: 404},
	}}
	cfg := config.Default().Discovery
	d := NewDiscoverer(cfg, prober, quietLogger())

	got := d.Discover(context.Background(), startURL(t))
	want := []string{"https://example.com/robots.txt"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("seeds = %v, want %v", got, want)
	}
}

func TestDiscoverFollowsSitemaps(t *testing.T) {
	sitemap := `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/products</loc></url>
  <url><loc> https://example.com/about#team </loc></url>
  <url><loc>https://other.org/offsite</loc></url>
</urlset>`
	prober := &fakeProber{responses: map[string]Probe{
		"https://example.com/robots.txt":        {StatusCode: 200, Body: []byte("User-agent: *\nSitemap: https://example.com/sitemap_pages.xml\n")},
		"https://example.com/sitemap.xml":       {StatusCode: 500},
		"https://example.com/sitemap_pages.xml": {StatusCode: 200, Body: []byte(sitemap)},
	}}
	d := NewDiscoverer(config.Default().Discovery, prober, quietLogger())

	got := d.Discover(context.Background(), startURL(t))
	sort.Strings(got)
	want := []string{
		"https://example.com/about",
		"https://example.com/products",
		"https://example.com/robots.txt",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("seeds = %v, want %v", got, want)
	}
}

func TestDiscoverToleratesTotalFailure(t *testing.T) {
	prober := &fakeProber{responses: map[string]Probe{}}
	d := NewDiscoverer(config.Default().Discovery, prober, quietLogger())
	if got := d.Discover(context.Background(), startURL(t)); len(got) != 0 {
		t.Errorf("expected no seeds, got %v", got)
	}
	if len(prober.calls) != 2 {
		t.Errorf("expected one call per well-known path, got %v", prober.calls)
	}
}

func TestHTTPProberTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\n"))
			return
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := config.Default().Discovery
	cfg.Timeout = config.DurationFrom(50 * time.Millisecond)
	d := NewDiscoverer(cfg, HTTPProber{Client: srv.Client(), UserAgent: "test"}, quietLogger())

	start, _ := url.Parse(srv.URL + "/")
	begin := time.Now()
	got := d.Discover(context.Background(), start)
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Errorf("discovery did not honour probe timeout: %s", elapsed)
	}
	want := []string{srv.URL + "/robots.txt"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("seeds = %v, want %v", got, want)
	}
}

func TestParseSitemap(t *testing.T) {
	index := `<sitemapindex><sitemap><loc>https://example.com/a.xml</loc></sitemap></sitemapindex>`
	got, isIndex := parseSitemap([]byte(index))
	if !isIndex || !reflect.DeepEqual(got, []string{"https://example.com/a.xml"}) {
		t.Errorf("index locs = %v (index %v)", got, isIndex)
	}
	if got, _ := parseSitemap([]byte("<urlset><url><loc>")); len(got) != 0 {
		t.Errorf("truncated xml should yield nothing, got %v", got)
	}
	if got, isIndex := parseSitemap(nil); got != nil || isIndex {
		t.Errorf("empty body = %v", got)
	}
}

func TestDiscoverFollowsSitemapIndex(t *testing.T) {
	index := `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://example.com/sitemap-posts.xml</loc></sitemap>
  <sitemap><loc>https://cdn.other.org/sitemap-offsite.xml</loc></sitemap>
</sitemapindex>`
	posts := `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/posts/1</loc></url>
</urlset>`
	prober := &fakeProber{responses: map[string]Probe{
		"https://example.com/sitemap.xml":       {StatusCode: 200, Body: []byte(index)},
		"https://example.com/sitemap-posts.xml": {StatusCode: 200, Body: []byte(posts)},
	}}
	d := NewDiscoverer(config.Default().Discovery, prober, quietLogger())

	got := d.Discover(context.Background(), startURL(t))
	sort.Strings(got)
	want := []string{
		"https://example.com/posts/1",
		"https://example.com/sitemap.xml",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("seeds = %v, want %v", got, want)
	}
	for _, call := range prober.calls {
		if call == "https://cdn.other.org/sitemap-offsite.xml" {
			t.Error("off-host sitemap was fetched")
		}
	}
}
