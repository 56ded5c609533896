// Package links canonicalises link references and pulls candidate URLs out of
// HTML and inline script content.
package links

import (
	"net/url"
	"strings"
)

// Normalize resolves raw against base and returns a canonical absolute URL
// without fragment. It returns "" for empty or malformed references.
// Normalize is idempotent for any base.
func Normalize(raw string, base *url.URL) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
		if raw == "" {
			// a bare fragment points back at the page itself
			if base == nil {
				return ""
			}
			return canonical(base)
		}
	}

	if strings.HasPrefix(raw, "//") {
		if base == nil || base.Scheme == "" {
			return ""
		}
		raw = base.Scheme + ":" + raw
	}

	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if ref.Scheme != "" {
		return canonical(ref)
	}
	if base == nil || !base.IsAbs() {
		return ""
	}
	return canonical(base.ResolveReference(ref))
}

func canonical(u *url.URL) string {
	clone := *u
	clone.Scheme = strings.ToLower(clone.Scheme)
	clone.Host = strings.ToLower(clone.Host)
	if clone.Opaque == "" && clone.Host != "" && clone.Path == "" {
		clone.Path = "/"
		clone.RawPath = ""
	}
	clone.Fragment = ""
	clone.RawFragment = ""
	return clone.String()
}
