package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Worker.Concurrency != 6 {
		t.Errorf("expected concurrency 6, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Crawl.MaxPages != 1000 {
		t.Errorf("expected max pages 1000, got %d", cfg.Crawl.MaxPages)
	}
	if cfg.Crawl.RequestTimeout.Duration != 20*time.Second {
		t.Errorf("expected 20s timeout, got %s", cfg.Crawl.RequestTimeout)
	}
	if cfg.Crawl.FollowSubdomains {
		t.Error("subdomain following should be off by default")
	}
	if len(cfg.Detection.SecurityHeaders) != 5 {
		t.Errorf("expected 5 security headers, got %d", len(cfg.Detection.SecurityHeaders))
	}
}

func TestLoadFromReader(t *testing.T) {
	raw := `
worker:
  concurrency: 3
crawl:
  max_pages: 50
  request_timeout: 5s
  follow_subdomains: true
  per_host_delay: 2
detection:
  admin_paths: [" Admin ", "admin", "PHPMyAdmin"]
logging:
  level: debug
`
	cfg, err := LoadFromReader(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Worker.Concurrency != 3 {
		t.Errorf("concurrency = %d, want 3", cfg.Worker.Concurrency)
	}
	if cfg.Crawl.MaxPages != 50 {
		t.Errorf("max_pages = %d, want 50", cfg.Crawl.MaxPages)
	}
	if cfg.Crawl.RequestTimeout.Duration != 5*time.Second {
		t.Errorf("request_timeout = %s, want 5s", cfg.Crawl.RequestTimeout)
	}
	if cfg.Crawl.PerHostDelay.Duration != 2*time.Second {
		t.Errorf("numeric per_host_delay should be seconds, got %s", cfg.Crawl.PerHostDelay)
	}
	if !cfg.Crawl.FollowSubdomains {
		t.Error("follow_subdomains should be true")
	}
	want := []string{"admin", "phpmyadmin"}
	if strings.Join(cfg.Detection.AdminPaths, ",") != strings.Join(want, ",") {
		t.Errorf("admin paths = %v, want %v", cfg.Detection.AdminPaths, want)
	}
	// untouched sections keep defaults
	if len(cfg.Detection.SensitivePaths) == 0 {
		t.Error("sensitive paths should fall back to defaults")
	}
}

func TestLoadFromReaderEmpty(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config should load defaults: %v", err)
	}
	if cfg.Crawl.UserAgent != DefaultUserAgent {
		t.Errorf("user agent = %q", cfg.Crawl.UserAgent)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("crawl:\n  max_depth: 3\n"))
	if err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }},
		{"zero max pages", func(c *Config) { c.Crawl.MaxPages = 0 }},
		{"zero timeout", func(c *Config) { c.Crawl.RequestTimeout = Duration{} }},
		{"empty user agent", func(c *Config) { c.Crawl.UserAgent = " " }},
		{"negative rate", func(c *Config) { c.Crawl.RateLimitPerHost.Requests = -1 }},
		{"driver without dsn", func(c *Config) { c.DB.Driver = "postgres" }},
		{"too many retries", func(c *Config) { c.Crawl.Retries = 6 }},
		{"negative redirects", func(c *Config) { c.Crawl.MaxRedirects = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	base := Default()
	clone := base.Clone()
	clone.Detection.AdminPaths[0] = "changed"
	clone.Crawl.Headers["X-Test"] = "1"
	if base.Detection.AdminPaths[0] == "changed" {
		t.Error("clone shares admin path slice")
	}
	if _, ok := base.Crawl.Headers["X-Test"]; ok {
		t.Error("clone shares header map")
	}
}
