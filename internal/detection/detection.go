// Package detection turns a fetched response into heuristic issue tags.
// Tags are signals for manual review, not confirmed vulnerabilities.
package detection

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/Dachhu7/DevScan/internal/config"
)

// Issue tags emitted by the engine.
const (
	TagPublic           = "Publicly Accessible"
	TagRequiresAuth     = "Requires Auth (401)"
	TagForbidden        = "Forbidden (403)"
	TagDirectoryListing = "Directory listing enabled"
	TagSensitiveFile    = "Sensitive file accessible"
	TagAdminPanel       = "Admin panel path detected"

	serverBannerPrefix = "Server banner: "
)

var listingSignatures = []string{
	"index of /",
	"directory listing",
	"<title>index of",
}

// Engine evaluates the configured rules. It holds no mutable state, so a
// single Engine may be shared by every worker.
type Engine struct {
	securityHeaders []string
	sensitivePaths  []string
	adminSegments   map[string]struct{}
}

// NewEngine builds an engine from the detection configuration.
func NewEngine(cfg config.DetectionConfig) *Engine {
	e := &Engine{
		securityHeaders: make([]string, 0, len(cfg.SecurityHeaders)),
		sensitivePaths:  make([]string, 0, len(cfg.SensitivePaths)),
		adminSegments:   make(map[string]struct{}, len(cfg.AdminPaths)),
	}
	for _, h := range cfg.SecurityHeaders {
		if h = strings.TrimSpace(h); h != "" {
			e.securityHeaders = append(e.securityHeaders, h)
		}
	}
	for _, p := range cfg.SensitivePaths {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			e.sensitivePaths = append(e.sensitivePaths, p)
		}
	}
	for _, p := range cfg.AdminPaths {
		if p = strings.ToLower(strings.Trim(strings.TrimSpace(p), "/")); p != "" {
			e.adminSegments[p] = struct{}{}
		}
	}
	return e
}

// Detect returns the sorted, de-duplicated issue tags for one response.
func (e *Engine) Detect(rawURL string, status int, headers http.Header, body []byte) []string {
	issues := make(map[string]struct{})

	switch status {
	case http.StatusOK:
		issues[TagPublic] = struct{}{}
	case http.StatusUnauthorized:
		issues[TagRequiresAuth] = struct{}{}
	case http.StatusForbidden:
		issues[TagForbidden] = struct{}{}
	}

	for _, h := range e.securityHeaders {
		if !hasHeader(headers, h) {
			issues[MissingHeaderTag(h)] = struct{}{}
		}
	}

	if isDirectoryListing(body) {
		issues[TagDirectoryListing] = struct{}{}
	}

	path := strings.ToLower(urlPath(rawURL))
	for _, sig := range e.sensitivePaths {
		if strings.Contains(path, sig) {
			issues[TagSensitiveFile] = struct{}{}
			break
		}
	}
	for _, seg := range strings.Split(path, "/") {
		if _, ok := e.adminSegments[seg]; ok {
			issues[TagAdminPanel] = struct{}{}
			break
		}
	}

	if server := headerValue(headers, "Server"); server != "" {
		issues[serverBannerPrefix+server] = struct{}{}
	}

	tags := make([]string, 0, len(issues))
	for tag := range issues {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// MissingHeaderTag formats the tag raised for an absent security header.
func MissingHeaderTag(header string) string {
	return fmt.Sprintf("Missing %s header", header)
}

func isDirectoryListing(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	text := strings.ToLower(string(body))
	for _, sig := range listingSignatures {
		if strings.Contains(text, sig) {
			return true
		}
	}
	return false
}

// hasHeader matches names case-insensitively, including maps built without
// canonical keys.
func hasHeader(headers http.Header, name string) bool {
	if len(headers) == 0 {
		return false
	}
	if _, ok := headers[http.CanonicalHeaderKey(name)]; ok {
		return true
	}
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

func headerValue(headers http.Header, name string) string {
	if v := headers.Get(name); v != "" {
		return v
	}
	for k, vals := range headers {
		if strings.EqualFold(k, name) && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

// urlPath falls back to the raw string when it does not parse, so path rules
// still see something.
func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}
