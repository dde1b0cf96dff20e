package parser

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// ExtractLinks walks an HTML document and returns the absolute outbound
// URLs it references, in document order and deduplicated. A <base href>
// element rebases everything after it. The extra values are raw href
// strings from outside the body (live-DOM links from the renderer) and
// are resolved against the document base after the walk.
//
// Collected sources: a, area and link href, iframe and script src.
func ExtractLinks(body []byte, base *url.URL, extra []string) []string {
	links := make([]string, 0, 32)
	seen := make(map[string]struct{})

	add := func(ref string) {
		resolved := resolveRef(base, ref)
		if resolved == "" {
			return
		}
		if _, ok := seen[resolved]; ok {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
	}

	z := html.NewTokenizer(bytes.NewReader(body))
walk:
	for {
		switch z.Next() {
		case html.ErrorToken:
			// Either EOF or malformed input. Keep what was found.
			break walk
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if !hasAttr {
				continue
			}

			var href, src, rel string
			for {
				key, val, more := z.TagAttr()
				switch string(key) {
				case "href":
					href = string(val)
				case "src":
					src = string(val)
				case "rel":
					rel = string(val)
				}
				if !more {
					break
				}
			}

			switch string(name) {
			case "a", "area":
				add(href)
			case "link":
				if !skipLinkRel(rel) {
					add(href)
				}
			case "base":
				if href != "" {
					if rebased, err := base.Parse(href); err == nil {
						base = rebased
					}
				}
			case "iframe", "script":
				add(src)
			}
		}
	}

	for _, ref := range extra {
		add(ref)
	}

	return links
}

// skipLinkRel filters <link> relations that never point at pages.
func skipLinkRel(rel string) bool {
	for _, r := range strings.Fields(strings.ToLower(rel)) {
		switch r {
		case "stylesheet", "icon", "shortcut", "apple-touch-icon",
			"preload", "prefetch", "preconnect", "dns-prefetch",
			"manifest", "mask-icon", "modulepreload":
			return true
		}
	}
	return false
}

// resolveRef resolves one href against the base and filters schemes
// that cannot be crawled. Returns "" for references to skip.
func resolveRef(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}

	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "javascript:") ||
		strings.HasPrefix(lower, "mailto:") ||
		strings.HasPrefix(lower, "tel:") ||
		strings.HasPrefix(lower, "data:") {
		return ""
	}

	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}

	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}

	return resolved.String()
}
