// Package scope provides URL normalization and scope policy for the crawl
// engine. Normalization produces the canonical form used as the frontier
// dedup key; the Checker decides whether a discovered link belongs to the
// crawl at all.
package scope

import (
	"net/url"
	"strings"
)

// Normalize resolves rawURL against base (when base is non-empty) and
// returns the canonical absolute form: lowercase scheme and host, default
// ports stripped, fragment removed, empty path rewritten to "/", query
// parameters sorted. The canonical form doubles as the fetch URL, so every
// step is semantics-preserving for the request itself.
func Normalize(rawURL, base string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}

	if base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return "", err
		}
		parsed = b.ResolveReference(parsed)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)

	// Remove default ports
	if (parsed.Scheme == "http" && strings.HasSuffix(parsed.Host, ":80")) ||
		(parsed.Scheme == "https" && strings.HasSuffix(parsed.Host, ":443")) {
		parsed.Host = parsed.Host[:strings.LastIndex(parsed.Host, ":")]
	}

	// Fragments never reach the server
	parsed.Fragment = ""
	parsed.RawFragment = ""

	if parsed.Path == "" {
		parsed.Path = "/"
	}

	// Sort query parameters for a stable dedup key
	if parsed.RawQuery != "" {
		parsed.RawQuery = parsed.Query().Encode()
	}

	return parsed.String(), nil
}

// Resolve resolves a possibly-relative reference against a base URL without
// further normalization.
func Resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}

	return b.ResolveReference(r).String(), nil
}

// Host returns the lowercased host (including any non-default port) of a URL.
func Host(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return strings.ToLower(parsed.Host), nil
}

// skipExtensions lists path suffixes that never yield crawlable HTML.
var skipExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".ico", ".svg", ".webp",
	".css", ".js", ".mjs", ".map",
	".woff", ".woff2", ".ttf", ".eot",
	".pdf", ".zip", ".tar", ".gz", ".rar",
	".mp3", ".mp4", ".wav", ".avi", ".mov",
	".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
}

// IsFetchable reports whether a URL is worth enqueueing: absolute http(s)
// with a host, and not pointing at a known binary or asset extension.
func IsFetchable(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}

	if parsed.Host == "" {
		return false
	}

	path := strings.ToLower(parsed.Path)
	for _, ext := range skipExtensions {
		if strings.HasSuffix(path, ext) {
			return false
		}
	}

	return true
}
