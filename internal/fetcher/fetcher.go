package fetcher

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/Dachhu7/DevScan/pkg/types"
)

const (
	defaultTimeout      = 20 * time.Second
	defaultMaxBodyBytes = 5 * 1024 * 1024
	maxBackoff          = 5 * time.Second

	acceptHeader = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
)

// Fetcher retrieves a single URL for the crawler.
type Fetcher interface {
	Fetch(ctx context.Context, target *url.URL) (*types.Page, error)
}

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent    string
	Headers      map[string]string
	Timeout      time.Duration
	MaxBodyBytes int64
	ProxyURL     string
	// Retries is the number of extra attempts after a transport error.
	Retries int
	// MaxRedirects of zero disables redirect following.
	MaxRedirects       int
	InsecureSkipVerify bool
	// Transport overrides the default transport, mainly for tests.
	Transport http.RoundTripper
}

// HTTPFetcher implements Fetcher on top of net/http.
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	headers      http.Header
	maxBodyBytes int64
	retries      int

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	transport := opts.Transport
	if transport == nil {
		t, err := newTransport(opts)
		if err != nil {
			return nil, err
		}
		transport = t
	}

	headers := make(http.Header, len(opts.Headers))
	for k, v := range opts.Headers {
		headers.Set(k, v)
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout:       opts.Timeout,
			Transport:     transport,
			CheckRedirect: redirectPolicy(opts.MaxRedirects),
		},
		userAgent:    opts.UserAgent,
		headers:      headers,
		maxBodyBytes: opts.MaxBodyBytes,
		retries:      opts.Retries,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func newTransport(opts Options) (*http.Transport, error) {
	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if raw := strings.TrimSpace(opts.ProxyURL); raw != "" {
		proxyURL, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}
	if opts.InsecureSkipVerify {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return t, nil
}

// redirectPolicy keeps the last response once the chain is too long, so the
// redirect itself is still inspected.
func redirectPolicy(limit int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) > limit {
			return http.ErrUseLastResponse
		}
		return nil
	}
}

// Fetch downloads a single URL. Non-2xx responses are returned as pages, not
// errors. Transport failures are retried with jittered backoff.
func (f *HTTPFetcher) Fetch(ctx context.Context, target *url.URL) (*types.Page, error) {
	if target == nil {
		return nil, errors.New("request URL is nil")
	}

	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(f.backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		page, err := f.fetchOnce(ctx, target)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, target *url.URL) (*types.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	for k, vals := range f.headers {
		req.Header[k] = append([]string(nil), vals...)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := f.readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}

	finalURL := target
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}
	return &types.Page{
		URL:             target,
		FinalURL:        finalURL,
		Body:            body,
		ContentType:     resp.Header.Get("Content-Type"),
		StatusCode:      resp.StatusCode,
		Headers:         resp.Header.Clone(),
		FetchedAt:       time.Now(),
		ResponseLatency: time.Since(start),
	}, nil
}

// readBody decodes the content encoding and truncates at the size cap rather
// than failing, so oversized pages are still inspected.
func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	reader, closeFn, err := decodedReader(resp)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	body, err := io.ReadAll(io.LimitReader(reader, f.maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func decodedReader(resp *http.Response) (io.Reader, func(), error) {
	noop := func() {}
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, noop, fmt.Errorf("gzip decode: %w", err)
		}
		return gz, func() { _ = gz.Close() }, nil
	case "br":
		return brotli.NewReader(resp.Body), noop, nil
	case "deflate":
		return deflateReader(resp.Body)
	default:
		return resp.Body, noop, nil
	}
}

// deflateReader reads HTTP "deflate", which is zlib-wrapped. Servers that
// send a raw deflate stream are read without the wrapper.
func deflateReader(body io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(body)
	header, _ := br.Peek(2)
	if isZlibHeader(header) {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, func() {}, fmt.Errorf("zlib decode: %w", err)
		}
		return zr, func() { _ = zr.Close() }, nil
	}
	fl := flate.NewReader(br)
	return fl, func() { _ = fl.Close() }, nil
}

// isZlibHeader checks the CMF/FLG pair of RFC 1950.
func isZlibHeader(h []byte) bool {
	if len(h) < 2 {
		return false
	}
	return h[0]&0x0f == 8 && (uint16(h[0])<<8|uint16(h[1]))%31 == 0
}

// backoff returns a random delay in [0, 2^(attempt-1) * 100ms), capped.
func (f *HTTPFetcher) backoff(attempt int) time.Duration {
	ceiling := time.Duration(100<<uint(attempt-1)) * time.Millisecond
	if ceiling > maxBackoff || ceiling <= 0 {
		ceiling = maxBackoff
	}
	f.rngMu.Lock()
	defer f.rngMu.Unlock()
	return time.Duration(f.rng.Int63n(int64(ceiling)))
}

// Client exposes the underlying HTTP client for robots.txt and seed probes.
func (f *HTTPFetcher) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.client
}
