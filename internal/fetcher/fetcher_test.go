package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
)

func newTestFetcher(t *testing.T, opts Options) *HTTPFetcher {
	t.Helper()
	f, err := NewHTTPFetcher(opts)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	return f
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestFetchPlain(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Server", "nginx/1.18.0")
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{UserAgent: "DevScan-test", Timeout: 2 * time.Second})
	page, err := f.Fetch(context.Background(), mustParse(t, srv.URL+"/"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotUA != "DevScan-test" {
		t.Errorf("user agent = %q", gotUA)
	}
	if page.StatusCode != http.StatusOK {
		t.Errorf("status = %d", page.StatusCode)
	}
	if page.Headers.Get("Server") != "nginx/1.18.0" {
		t.Errorf("server header = %q", page.Headers.Get("Server"))
	}
	if !strings.Contains(string(page.Body), "ok") {
		t.Errorf("body = %q", page.Body)
	}
}

func TestFetchNon2xxIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{Timeout: 2 * time.Second})
	page, err := f.Fetch(context.Background(), mustParse(t, srv.URL+"/secret"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", page.StatusCode)
	}
}

func TestFetchDecodesCompressedBodies(t *testing.T) {
	const payload = "<html><title>Index of /backup</title></html>"
	tests := []struct {
		name     string
		encoding string
		encode   func([]byte) []byte
	}{
		{"gzip", "gzip", func(b []byte) []byte {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			_, _ = zw.Write(b)
			_ = zw.Close()
			return buf.Bytes()
		}},
		{"zlib deflate", "deflate", func(b []byte) []byte {
			var buf bytes.Buffer
			zw := zlib.NewWriter(&buf)
			_, _ = zw.Write(b)
			_ = zw.Close()
			return buf.Bytes()
		}},
		{"raw deflate", "deflate", func(b []byte) []byte {
			var buf bytes.Buffer
			fw, _ := flate.NewWriter(&buf, flate.DefaultCompression)
			_, _ = fw.Write(b)
			_ = fw.Close()
			return buf.Bytes()
		}},
		{"brotli", "br", func(b []byte) []byte {
			var buf bytes.Buffer
			bw := brotli.NewWriter(&buf)
			_, _ = bw.Write(b)
			_ = bw.Close()
			return buf.Bytes()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.encode([]byte(payload))
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Encoding", tt.encoding)
				_, _ = w.Write(encoded)
			}))
			defer srv.Close()

			f := newTestFetcher(t, Options{Timeout: 2 * time.Second})
			page, err := f.Fetch(context.Background(), mustParse(t, srv.URL))
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if string(page.Body) != payload {
				t.Errorf("body = %q, want %q", page.Body, payload)
			}
		})
	}
}

func TestFetchTruncatesLargeBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("a"), 4096))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Options{Timeout: 2 * time.Second, MaxBodyBytes: 100})
	page, err := f.Fetch(context.Background(), mustParse(t, srv.URL))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(page.Body) != 100 {
		t.Errorf("body length = %d, want 100", len(page.Body))
	}
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := newTestFetcher(t, Options{Timeout: 50 * time.Millisecond})
	if _, err := f.Fetch(context.Background(), mustParse(t, srv.URL)); err == nil {
		t.Fatal("expected timeout error")
	}
}

type flakyTransport struct {
	failures int
	calls    int
	next     http.RoundTripper
}

func (t *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.calls++
	if t.calls <= t.failures {
		return nil, errors.New("connection reset by peer")
	}
	return t.next.RoundTrip(req)
}

func TestFetchRetriesTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	transport := &flakyTransport{failures: 2, next: http.DefaultTransport}
	f := newTestFetcher(t, Options{Timeout: 2 * time.Second, Retries: 2, Transport: transport})
	page, err := f.Fetch(context.Background(), mustParse(t, srv.URL))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(page.Body) != "ok" || transport.calls != 3 {
		t.Errorf("body=%q calls=%d", page.Body, transport.calls)
	}

	transport = &flakyTransport{failures: 5, next: http.DefaultTransport}
	f = newTestFetcher(t, Options{Timeout: 2 * time.Second, Retries: 1, Transport: transport})
	if _, err := f.Fetch(context.Background(), mustParse(t, srv.URL)); err == nil {
		t.Fatal("expected error once retries are spent")
	}
	if transport.calls != 2 {
		t.Errorf("calls = %d, want 2", transport.calls)
	}
}

func TestFetchRedirectLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hop", http.StatusFound)
	})
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("end"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(t, Options{Timeout: 2 * time.Second, MaxRedirects: 5})
	page, err := f.Fetch(context.Background(), mustParse(t, srv.URL+"/start"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.FinalURL.Path != "/end" || page.URL.Path != "/start" {
		t.Errorf("url=%s final=%s", page.URL, page.FinalURL)
	}

	f = newTestFetcher(t, Options{Timeout: 2 * time.Second, MaxRedirects: 1})
	page, err = f.Fetch(context.Background(), mustParse(t, srv.URL+"/start"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.StatusCode != http.StatusFound || page.FinalURL.Path != "/hop" {
		t.Errorf("status=%d final=%s", page.StatusCode, page.FinalURL)
	}
}
