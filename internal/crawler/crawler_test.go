package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Dachhu7/DevScan/internal/config"
	"github.com/Dachhu7/DevScan/internal/detection"
	"github.com/Dachhu7/DevScan/pkg/types"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Discovery.Enabled = false
	cfg.Logging.Level = "error"
	cfg.Worker.Concurrency = 4
	cfg.Crawl.RequestTimeout = config.DurationFrom(2 * time.Second)
	return cfg
}

func newTestEngine(t *testing.T, cfg config.Config, opts ...Option) *Engine {
	t.Helper()
	engine, err := NewEngine(cfg, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}

func TestScanSinglePageMissingHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	cfg := testConfig()
	engine := newTestEngine(t, cfg)
	result, err := engine.Scan(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	start := srv.URL + "/"
	tags, ok := result.Vulnerabilities[start]
	if !ok {
		t.Fatalf("expected report entry for %s, got %v", start, result.Vulnerabilities)
	}
	if !hasTag(tags, detection.TagPublic) {
		t.Errorf("missing %q in %v", detection.TagPublic, tags)
	}
	for _, h := range cfg.Detection.SecurityHeaders {
		if !hasTag(tags, detection.MissingHeaderTag(h)) {
			t.Errorf("missing header tag for %s in %v", h, tags)
		}
	}
	if result.PagesScanned != 1 {
		t.Errorf("expected 1 page scanned, got %d", result.PagesScanned)
	}
}

func TestScanDerivedAdminPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/":
			_, _ = w.Write([]byte(`<a href="/admin/login">Admin</a>`))
		default:
			_, _ = w.Write([]byte("login form"))
		}
	}))
	defer srv.Close()

	engine := newTestEngine(t, testConfig())
	result, err := engine.Scan(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	tags := result.Vulnerabilities[srv.URL+"/admin/login"]
	if !hasTag(tags, detection.TagAdminPanel) {
		t.Fatalf("expected admin tag, got %v", tags)
	}
	if result.PagesScanned != 2 {
		t.Errorf("expected 2 pages scanned, got %d", result.PagesScanned)
	}
}

func TestScanRejectsInvalidStartURL(t *testing.T) {
	var calls atomic.Int32
	engine := newTestEngine(t, testConfig(), WithFetcher(fetcherFunc(func(ctx context.Context, u *url.URL) (*types.Page, error) {
		calls.Add(1)
		return nil, errors.New("unexpected fetch")
	})))

	for _, raw := range []string{"ftp://example.com", "", "example.com", "http://"} {
		_, err := engine.Scan(context.Background(), raw)
		if !errors.Is(err, ErrInvalidURL) {
			t.Errorf("Scan(%q): expected ErrInvalidURL, got %v", raw, err)
		}
		var inputErr *InputError
		if !errors.As(err, &inputErr) {
			t.Errorf("Scan(%q): expected *InputError, got %T", raw, err)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("invalid input reached the network %d times", calls.Load())
	}
}

func TestScanDirectoryListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><title>Index of /backup</title><body>Index of /backup</body></html>"))
	}))
	defer srv.Close()

	engine := newTestEngine(t, testConfig())
	result, err := engine.Scan(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !hasTag(result.Vulnerabilities[srv.URL+"/"], detection.TagDirectoryListing) {
		t.Fatalf("expected directory listing tag, got %v", result.Vulnerabilities)
	}
}

func TestScanFetchesEachURLOnce(t *testing.T) {
	var mu sync.Mutex
	hits := make(map[string]int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html")
		// every page links to every other page, plus itself
		var b strings.Builder
		for i := 0; i < 10; i++ {
			fmt.Fprintf(&b, `<a href="/p%d">p%d</a><a href="/p%d#frag">again</a>`, i, i, i)
		}
		_, _ = w.Write([]byte(b.String()))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Worker.Concurrency = 8
	engine := newTestEngine(t, cfg)
	result, err := engine.Scan(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for path, n := range hits {
		if n != 1 {
			t.Errorf("%s fetched %d times", path, n)
		}
	}
	if len(hits) != 11 {
		t.Errorf("expected 11 distinct fetches, got %d", len(hits))
	}
	if result.PagesScanned != 11 {
		t.Errorf("expected 11 pages scanned, got %d", result.PagesScanned)
	}
}

func TestScanHonoursPageBudget(t *testing.T) {
	var fetched atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetched.Add(1)
		w.Header().Set("Content-Type", "text/html")
		// an endless chain of fresh links
		n := len(r.URL.Path)
		fmt.Fprintf(w, `<a href="/a%d">next</a><a href="/b%d">next</a>`, n, n)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Crawl.MaxPages = 5
	engine := newTestEngine(t, cfg)
	result, err := engine.Scan(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := fetched.Load(); got > 5 {
		t.Errorf("budget of 5 exceeded: %d fetches", got)
	}
	if len(result.Visited) > 5 {
		t.Errorf("visited %d urls", len(result.Visited))
	}
}

func TestScanStaysInScope(t *testing.T) {
	var external atomic.Int32
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		external.Add(1)
	}))
	defer other.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<a href="%s/elsewhere">out</a><a href="mailto:a@b.c">mail</a>`, other.URL)
	}))
	defer srv.Close()

	engine := newTestEngine(t, testConfig())
	result, err := engine.Scan(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if external.Load() != 0 {
		t.Fatalf("out-of-scope host was fetched %d times", external.Load())
	}
	if result.PagesScanned != 1 {
		t.Errorf("expected only the start page, got %d", result.PagesScanned)
	}
}

func TestScanSkipsFailedFetches(t *testing.T) {
	start := "http://scan.test/"
	engine := newTestEngine(t, testConfig(), WithFetcher(fetcherFunc(func(ctx context.Context, u *url.URL) (*types.Page, error) {
		if u.Path == "/broken" {
			return nil, errors.New("connection reset")
		}
		return &types.Page{
			URL:         u,
			FinalURL:    u,
			StatusCode:  http.StatusOK,
			ContentType: "text/html",
			Headers:     http.Header{},
			Body:        []byte(`<a href="/broken">x</a><a href="/ok">y</a>`),
		}, nil
	})))

	result, err := engine.Scan(context.Background(), start)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if _, ok := result.Vulnerabilities["http://scan.test/broken"]; ok {
		t.Error("failed fetch must not be reported")
	}
	if _, ok := result.Vulnerabilities["http://scan.test/ok"]; !ok {
		t.Error("expected entry for /ok")
	}
	// the broken URL was still dispatched
	if result.PagesScanned != 3 {
		t.Errorf("expected 3 pages scanned, got %d", result.PagesScanned)
	}
}

func TestScanCancellationReturnsPartialResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var n atomic.Int32
	engine := newTestEngine(t, testConfig(), WithFetcher(fetcherFunc(func(fctx context.Context, u *url.URL) (*types.Page, error) {
		if n.Add(1) == 3 {
			cancel()
		}
		return &types.Page{
			URL:         u,
			FinalURL:    u,
			StatusCode:  http.StatusOK,
			ContentType: "text/html",
			Headers:     http.Header{},
			Body:        []byte(fmt.Sprintf(`<a href="/n%d-a">a</a><a href="/n%d-b">b</a>`, n.Load(), n.Load())),
		}, nil
	})))

	done := make(chan struct{})
	var result *types.ScanResult
	var err error
	go func() {
		defer close(done)
		result, err = engine.Scan(ctx, "http://cancel.test/")
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not stop after cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result == nil || result.PagesScanned == 0 {
		t.Fatalf("expected partial result, got %+v", result)
	}
}

func TestScanUsesDiscoveredSeeds(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	engine := newTestEngine(t, testConfig(),
		WithDiscoverer(discovererFunc(func(ctx context.Context, start *url.URL) []string {
			return []string{"http://seed.test/robots.txt", "http://other.test/x", "/hidden"}
		})),
		WithFetcher(fetcherFunc(func(ctx context.Context, u *url.URL) (*types.Page, error) {
			mu.Lock()
			paths = append(paths, u.Path)
			mu.Unlock()
			return &types.Page{URL: u, FinalURL: u, StatusCode: http.StatusOK, Headers: http.Header{}, ContentType: "text/plain"}, nil
		})),
	)

	result, err := engine.Scan(context.Background(), "http://seed.test")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if result.PagesScanned != 3 {
		t.Errorf("expected start plus two in-scope seeds, got %d (%v)", result.PagesScanned, paths)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (s *recordingSink) Report(evt ProgressEvent) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func TestScanReportsProgress(t *testing.T) {
	sink := &recordingSink{}
	engine := newTestEngine(t, testConfig(),
		WithScanID("scan-1"),
		WithProgressSink(sink),
		WithFetcher(fetcherFunc(func(ctx context.Context, u *url.URL) (*types.Page, error) {
			body := ""
			if u.Path == "/" {
				body = `<a href="/next">n</a>`
			}
			return &types.Page{URL: u, FinalURL: u, StatusCode: http.StatusOK, Headers: http.Header{}, ContentType: "text/html", Body: []byte(body)}, nil
		})),
	)
	if _, err := engine.Scan(context.Background(), "http://progress.test/"); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(sink.events))
	}
	for _, evt := range sink.events {
		if evt.ScanID != "scan-1" {
			t.Errorf("unexpected scan id %q", evt.ScanID)
		}
	}
}

func TestConcurrentScansAreIndependent(t *testing.T) {
	engine := newTestEngine(t, testConfig(), WithFetcher(fetcherFunc(func(ctx context.Context, u *url.URL) (*types.Page, error) {
		return &types.Page{URL: u, FinalURL: u, StatusCode: http.StatusOK, Headers: http.Header{}, ContentType: "text/html",
			Body: []byte(`<a href="/a">a</a><a href="/b">b</a>`)}, nil
	})))

	var wg sync.WaitGroup
	results := make([]*types.ScanResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := engine.Scan(context.Background(), fmt.Sprintf("http://site%d.test/", i))
			if err != nil {
				t.Errorf("Scan: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if res == nil {
			continue
		}
		if res.PagesScanned != 3 {
			t.Errorf("scan %d: expected 3 pages, got %d", i, res.PagesScanned)
		}
		for u := range res.Vulnerabilities {
			if !strings.HasPrefix(u, fmt.Sprintf("http://site%d.test/", i)) {
				t.Errorf("scan %d leaked url %s", i, u)
			}
		}
	}
}

type fetcherFunc func(ctx context.Context, u *url.URL) (*types.Page, error)

func (f fetcherFunc) Fetch(ctx context.Context, u *url.URL) (*types.Page, error) {
	return f(ctx, u)
}

type discovererFunc func(ctx context.Context, start *url.URL) []string

func (f discovererFunc) Discover(ctx context.Context, start *url.URL) []string {
	return f(ctx, start)
}

func TestScanKeepsEveryLinkByDefault(t *testing.T) {
	const fanOut = 600
	var index strings.Builder
	for i := 0; i < fanOut; i++ {
		fmt.Fprintf(&index, `<a href="/p%03d">page %d</a>`, i, i)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(index.String()))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("leaf"))
	}))
	defer srv.Close()

	cfg := testConfig()
	if cfg.Crawl.MaxLinksPerPage != 0 {
		t.Fatalf("default max_links_per_page = %d, want 0", cfg.Crawl.MaxLinksPerPage)
	}
	engine := newTestEngine(t, cfg)
	result, err := engine.Scan(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if result.PagesScanned != fanOut+1 {
		t.Fatalf("expected %d pages scanned, got %d", fanOut+1, result.PagesScanned)
	}
	if _, ok := result.Vulnerabilities[srv.URL+"/p599"]; !ok {
		t.Error("last link in sort order was never scanned")
	}
}

func TestScanHonoursExplicitLinkCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(`<a href="/a"></a><a href="/b"></a><a href="/c"></a>`))
			return
		}
		_, _ = w.Write([]byte("leaf"))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Crawl.MaxLinksPerPage = 2
	result, err := newTestEngine(t, cfg).Scan(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if result.PagesScanned != 3 {
		t.Fatalf("expected 3 pages scanned with a cap of 2, got %d", result.PagesScanned)
	}
}
