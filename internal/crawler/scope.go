package crawler

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Scope decides which discovered URLs belong to the crawl.
type Scope struct {
	// Host is the seed host, lower-cased, port included.
	Host string
	// Domain is the suffix matched when following subdomains.
	Domain           string
	FollowSubdomains bool
}

// NewScope derives a scope from the seed host. With subdomain following the
// match domain is widened to the registrable domain, so a www. seed still
// covers its siblings.
func NewScope(host string, followSubdomains bool) Scope {
	host = strings.ToLower(strings.TrimSpace(host))
	domain := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		domain = h
	}
	domain = strings.Trim(domain, "[]")
	if followSubdomains && net.ParseIP(domain) == nil {
		if etld1, err := publicsuffix.EffectiveTLDPlusOne(domain); err == nil {
			domain = etld1
		}
	}
	return Scope{Host: host, Domain: domain, FollowSubdomains: followSubdomains}
}

// InScope fails closed on anything that is not an absolute http(s) URL.
func (s Scope) InScope(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if !s.FollowSubdomains {
		return strings.ToLower(u.Host) == s.Host
	}
	h := strings.ToLower(u.Hostname())
	return h == s.Domain || strings.HasSuffix(h, "."+s.Domain)
}
