package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration required to run a scan.
type Config struct {
	DB        SQLConfig       `yaml:"db" json:"db"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Worker    WorkerConfig    `yaml:"worker" json:"worker"`
	Crawl     CrawlConfig     `yaml:"crawl" json:"crawl"`
	Detection DetectionConfig `yaml:"detection" json:"detection"`
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`
	Robots    RobotsConfig    `yaml:"robots" json:"robots"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// SQLConfig describes a relational database connection used to persist finished scans.
type SQLConfig struct {
	Driver          string   `yaml:"driver" json:"driver"`
	DSN             string   `yaml:"dsn" json:"-"`
	MaxOpenConns    int      `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	CreateIfMissing bool     `yaml:"create_if_missing" json:"create_if_missing"`
	AutoMigrate     bool     `yaml:"auto_migrate" json:"auto_migrate"`
}

// Enabled reports whether a database is configured.
func (c SQLConfig) Enabled() bool {
	return c.Driver != "" && c.DSN != ""
}

// RedisConfig configures the optional scan state mirror.
type RedisConfig struct {
	Addr     string   `yaml:"addr" json:"addr"`
	DB       int      `yaml:"db" json:"db"`
	Password string   `yaml:"password" json:"-"`
	Key      string   `yaml:"key" json:"key"`
	Timeout  Duration `yaml:"timeout" json:"timeout"`
	TTL      Duration `yaml:"ttl" json:"ttl"`
}

// WorkerConfig controls crawl concurrency.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// FrontierHint pre-sizes the frontier backing slice.
	FrontierHint int `yaml:"frontier_hint" json:"frontier_hint"`
}

// CrawlConfig controls the crawl frontier, limits, and throttling.
type CrawlConfig struct {
	MaxPages         int               `yaml:"max_pages" json:"max_pages"`
	UserAgent        string            `yaml:"user_agent" json:"user_agent"`
	Headers          map[string]string `yaml:"headers" json:"headers,omitempty"`
	ProxyURL         string            `yaml:"proxy_url" json:"proxy_url,omitempty"`
	FollowSubdomains bool              `yaml:"follow_subdomains" json:"follow_subdomains"`
	RequestTimeout   Duration          `yaml:"request_timeout" json:"request_timeout"`
	MaxBodyBytes     int64             `yaml:"max_body_bytes" json:"max_body_bytes"`
	MaxLinksPerPage  int               `yaml:"max_links_per_page" json:"max_links_per_page"`
	PerHostDelay     Duration          `yaml:"per_host_delay" json:"per_host_delay"`
	RateLimitPerHost RateLimitConfig   `yaml:"rate_limit_per_host" json:"rate_limit_per_host"`
	HTMLContentTypes []string          `yaml:"html_content_types" json:"html_content_types"`
	HTMLPathSuffixes []string          `yaml:"html_path_suffixes" json:"html_path_suffixes"`

	// Retries re-sends a request after a transport error, never after a response.
	Retries            int  `yaml:"retries" json:"retries"`
	MaxRedirects       int  `yaml:"max_redirects" json:"max_redirects"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// RateLimitConfig applies a token bucket per host.
type RateLimitConfig struct {
	Requests int      `yaml:"requests" json:"requests"`
	Window   Duration `yaml:"window" json:"window"`
}

// Enabled reports whether per-host rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// DetectionConfig lists the signatures checked by the detection engine.
type DetectionConfig struct {
	SecurityHeaders []string `yaml:"security_headers" json:"security_headers"`
	SensitivePaths  []string `yaml:"sensitive_paths" json:"sensitive_paths"`
	AdminPaths      []string `yaml:"admin_paths" json:"admin_paths"`
}

// DiscoveryConfig tunes the robots/sitemap seed probes.
type DiscoveryConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	Timeout        Duration `yaml:"timeout" json:"timeout"`
	Paths          []string `yaml:"paths" json:"paths"`
	FollowSitemaps bool     `yaml:"follow_sitemaps" json:"follow_sitemaps"`
	MaxSitemapURLs int      `yaml:"max_sitemap_urls" json:"max_sitemap_urls"`
}

// RobotsConfig configures optional robots.txt enforcement. Scans ignore
// robots.txt unless Respect is set.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect" json:"respect"`
	UserAgent string   `yaml:"user_agent" json:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Structured bool   `yaml:"structured" json:"structured"`
}

// DefaultUserAgent identifies scanner traffic.
const DefaultUserAgent = "DevScan/1.0 (+https://example.com/)"

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Worker: WorkerConfig{
			Concurrency:  6,
			FrontierHint: 256,
		},
		Crawl: CrawlConfig{
			MaxPages:         1000,
			UserAgent:        DefaultUserAgent,
			Headers:          map[string]string{},
			FollowSubdomains: false,
			RequestTimeout:   DurationFrom(20 * time.Second),
			MaxBodyBytes:     6 * 1024 * 1024,
			MaxLinksPerPage:  0,
			HTMLContentTypes: []string{"text/html"},
			HTMLPathSuffixes: []string{".html", ".htm", "/"},
			MaxRedirects:     10,
		},
		Detection: DetectionConfig{
			SecurityHeaders: []string{
				"Content-Security-Policy",
				"X-Frame-Options",
				"Strict-Transport-Security",
				"X-XSS-Protection",
				"X-Content-Type-Options",
			},
			SensitivePaths: []string{
				".git/HEAD",
				".git/config",
				".env",
				"backup.zip",
				"db_dump.sql",
				"config.php.bak",
				"wp-config.php.bak",
				"id_rsa",
				".htpasswd",
			},
			AdminPaths: []string{
				"admin",
				"administrator",
				"wp-admin",
				"login",
				"cpanel",
				"dashboard",
			},
		},
		Discovery: DiscoveryConfig{
			Enabled:        true,
			Timeout:        DurationFrom(10 * time.Second),
			Paths:          []string{"/robots.txt", "/sitemap.xml"},
			FollowSitemaps: true,
			MaxSitemapURLs: 200,
		},
		Robots: RobotsConfig{
			Respect:   false,
			UserAgent: DefaultUserAgent,
			CacheTTL:  DurationFrom(30 * time.Minute),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
		DB: SQLConfig{
			AutoMigrate: true,
		},
		Redis: RedisConfig{
			Key:     "devscan:scans",
			Timeout: DurationFrom(5 * time.Second),
			TTL:     DurationFrom(24 * time.Hour),
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants for the scanner configuration.
func (c Config) Validate() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0 (got %d)", c.Worker.Concurrency)
	}
	if c.Worker.FrontierHint < 0 {
		return fmt.Errorf("worker.frontier_hint must be >= 0 (got %d)", c.Worker.FrontierHint)
	}
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be > 0 (got %d)", c.Crawl.MaxPages)
	}
	if c.Crawl.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("crawl.request_timeout must be > 0 (got %s)", c.Crawl.RequestTimeout)
	}
	if c.Crawl.MaxBodyBytes <= 0 {
		return fmt.Errorf("crawl.max_body_bytes must be > 0 (got %d)", c.Crawl.MaxBodyBytes)
	}
	if c.Crawl.MaxLinksPerPage < 0 {
		return fmt.Errorf("crawl.max_links_per_page must be >= 0 (got %d)", c.Crawl.MaxLinksPerPage)
	}
	if c.Crawl.Retries < 0 || c.Crawl.Retries > 5 {
		return fmt.Errorf("crawl.retries must be between 0 and 5 (got %d)", c.Crawl.Retries)
	}
	if c.Crawl.MaxRedirects < 0 {
		return fmt.Errorf("crawl.max_redirects must be >= 0 (got %d)", c.Crawl.MaxRedirects)
	}
	if rl := c.Crawl.RateLimitPerHost; rl.Requests < 0 {
		return fmt.Errorf("crawl.rate_limit_per_host.requests must be >= 0 (got %d)", rl.Requests)
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return errors.New("crawl.user_agent must be set")
	}
	if c.Discovery.Enabled && c.Discovery.Timeout.Duration <= 0 {
		return fmt.Errorf("discovery.timeout must be > 0 when discovery is enabled (got %s)", c.Discovery.Timeout)
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set when robots.respect is true")
	}
	if c.DB.Driver != "" && c.DB.DSN == "" {
		return errors.New("db.dsn must be set when db.driver is configured")
	}
	return nil
}

func (c *Config) normalise() {
	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)
	c.Crawl.ProxyURL = strings.TrimSpace(c.Crawl.ProxyURL)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	if c.Robots.UserAgent == "" {
		c.Robots.UserAgent = c.Crawl.UserAgent
	}
	if c.Crawl.Headers == nil {
		c.Crawl.Headers = make(map[string]string)
	}

	c.Crawl.HTMLContentTypes = dedupeLower(c.Crawl.HTMLContentTypes)
	c.Crawl.HTMLPathSuffixes = dedupeLower(c.Crawl.HTMLPathSuffixes)
	c.Detection.AdminPaths = dedupeLower(c.Detection.AdminPaths)
	// Header names and sensitive paths keep their case for display; matching is
	// case-insensitive downstream.
	c.Detection.SecurityHeaders = dedupeTrim(c.Detection.SecurityHeaders)
	c.Detection.SensitivePaths = dedupeTrim(c.Detection.SensitivePaths)
	c.Discovery.Paths = dedupeTrim(c.Discovery.Paths)
	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
}

func dedupeLower(values []string) []string {
	lowered := make([]string, 0, len(values))
	for _, v := range values {
		lowered = append(lowered, strings.ToLower(v))
	}
	cleaned := dedupeTrim(lowered)
	sort.Strings(cleaned)
	return cleaned
}

// dedupeTrim keeps first-seen order.
func dedupeTrim(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	return cleaned
}

// Clone returns a deep copy so per-scan overrides never leak into shared defaults.
func (c Config) Clone() Config {
	cfg := c
	cfg.Crawl.HTMLContentTypes = append([]string(nil), c.Crawl.HTMLContentTypes...)
	cfg.Crawl.HTMLPathSuffixes = append([]string(nil), c.Crawl.HTMLPathSuffixes...)
	cfg.Detection.SecurityHeaders = append([]string(nil), c.Detection.SecurityHeaders...)
	cfg.Detection.SensitivePaths = append([]string(nil), c.Detection.SensitivePaths...)
	cfg.Detection.AdminPaths = append([]string(nil), c.Detection.AdminPaths...)
	cfg.Discovery.Paths = append([]string(nil), c.Discovery.Paths...)
	if c.Crawl.Headers != nil {
		cfg.Crawl.Headers = make(map[string]string, len(c.Crawl.Headers))
		for k, v := range c.Crawl.Headers {
			cfg.Crawl.Headers[k] = v
		}
	}
	return cfg
}
