package parser

import (
	"context"
	"encoding/xml"
	"strings"

	"github.com/pagewalk/pagewalk/internal/errors"
	"github.com/pagewalk/pagewalk/internal/fetch"
)

// maxSitemapURLs bounds how many page URLs a sitemap walk collects.
const maxSitemapURLs = 10000

type sitemapURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

type sitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// ParseSitemap parses a single sitemap document. A urlset yields page
// URLs, a sitemapindex yields nested sitemap URLs.
func ParseSitemap(body []byte) (pages, nested []string, err error) {
	var set sitemapURLSet
	setErr := xml.Unmarshal(body, &set)
	if setErr == nil {
		for _, u := range set.URLs {
			if loc := strings.TrimSpace(u.Loc); loc != "" {
				pages = append(pages, loc)
			}
		}
		return pages, nil, nil
	}

	var index sitemapIndex
	if xml.Unmarshal(body, &index) == nil {
		for _, sm := range index.Sitemaps {
			if loc := strings.TrimSpace(sm.Loc); loc != "" {
				nested = append(nested, loc)
			}
		}
		return nil, nested, nil
	}

	return nil, nil, errors.NewParseError("", "sitemap", setErr)
}

// FetchSitemaps walks sitemap URLs breadth first, following nested
// sitemap indexes, and returns up to maxURLs page URLs. Unreachable or
// malformed sitemaps are skipped; the walk never fails.
func FetchSitemaps(ctx context.Context, fetcher fetch.Fetcher, sitemapURLs []string, maxURLs int) []string {
	if maxURLs <= 0 {
		maxURLs = maxSitemapURLs
	}

	pages := make([]string, 0)
	seen := make(map[string]struct{})
	queue := append([]string(nil), sitemapURLs...)

	for len(queue) > 0 && len(pages) < maxURLs {
		if ctx.Err() != nil {
			return pages
		}

		sitemapURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[sitemapURL]; ok {
			continue
		}
		seen[sitemapURL] = struct{}{}

		result, err := fetcher.Fetch(ctx, sitemapURL)
		if err != nil || !result.OK() || len(result.Body) == 0 {
			continue
		}

		found, nested, err := ParseSitemap(result.Body)
		if err != nil {
			continue
		}
		for _, u := range found {
			if len(pages) >= maxURLs {
				break
			}
			pages = append(pages, u)
		}
		queue = append(queue, nested...)
	}

	return pages
}
