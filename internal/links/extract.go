package links

import (
	"bytes"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// attrSelectors lists the element/attribute pairs that carry navigable references.
var attrSelectors = []struct {
	selector string
	attr     string
}{
	{"a[href]", "href"},
	{"link[href]", "href"},
	{"script[src]", "src"},
	{"img[src]", "src"},
	{"iframe[src]", "src"},
	{"frame[src]", "src"},
	{"source[src]", "src"},
	{"form[action]", "action"},
}

var (
	// quotedURLPattern matches absolute URLs and fetch("/path") literals in script text.
	quotedURLPattern = regexp.MustCompile(`(?:"|')(https?://[^"']+)(?:"|')|fetch\(\s*["'](/[^"']+)["']`)
	bareURLPattern   = regexp.MustCompile(`https?://[^\s'"<>]+`)
)

var skippedSchemes = []string{"javascript:", "mailto:", "tel:", "data:"}

// Options bounds extraction.
type Options struct {
	// MaxLinks caps the number of URLs returned; zero means no cap.
	MaxLinks int
}

// Extract returns the sorted, unique, normalized URLs referenced by body.
// Malformed markup degrades to a pattern scan of the raw body.
func Extract(body []byte, page *url.URL) []string {
	return ExtractWithOptions(body, page, Options{})
}

// ExtractWithOptions is Extract with explicit bounds.
func ExtractWithOptions(body []byte, page *url.URL, opts Options) []string {
	if len(body) == 0 || page == nil {
		return nil
	}
	set := make(map[string]struct{})
	base := page
	add := func(raw string) {
		if skipReference(raw) {
			return
		}
		if u := Normalize(raw, base); u != "" {
			set[u] = struct{}{}
		}
	}

	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		scanScript(string(body), add)
	} else {
		doc := goquery.NewDocumentFromNode(root)
		if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
			if b := Normalize(href, page); b != "" {
				if parsed, perr := url.Parse(b); perr == nil {
					base = parsed
				}
			}
		}
		for _, sel := range attrSelectors {
			doc.Find(sel.selector).Each(func(_ int, s *goquery.Selection) {
				if v, ok := s.Attr(sel.attr); ok {
					add(v)
				}
			})
		}
		doc.Find("script").Each(func(_ int, s *goquery.Selection) {
			if text := s.Text(); strings.TrimSpace(text) != "" {
				scanScript(text, add)
			}
		})
		// absolute URLs left in markup comments
		walkComments(root, func(text string) {
			for _, m := range bareURLPattern.FindAllString(text, -1) {
				add(trimTrailingPunct(m))
			}
		})
	}

	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	if opts.MaxLinks > 0 && len(out) > opts.MaxLinks {
		out = out[:opts.MaxLinks]
	}
	return out
}

// scanScript applies the script patterns. It is a literal matcher, not an
// interpreter.
func scanScript(text string, add func(string)) {
	for _, m := range quotedURLPattern.FindAllStringSubmatch(text, -1) {
		for _, group := range m[1:] {
			if group != "" {
				add(group)
				break
			}
		}
	}
	for _, m := range bareURLPattern.FindAllString(text, -1) {
		add(trimTrailingPunct(m))
	}
}

func walkComments(node *html.Node, visit func(string)) {
	if node == nil {
		return
	}
	if node.Type == html.CommentNode {
		visit(node.Data)
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		walkComments(child, visit)
	}
}

func skipReference(raw string) bool {
	lower := strings.ToLower(strings.TrimSpace(raw))
	for _, scheme := range skippedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// trimTrailingPunct drops characters that commonly end a URL embedded in code.
func trimTrailingPunct(s string) string {
	return strings.TrimRight(s, ").,;]}`")
}
