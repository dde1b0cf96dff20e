// Package parser turns fetched documents into page summaries and
// outbound links.
package parser

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pagewalk/pagewalk/internal/errors"
	"github.com/pagewalk/pagewalk/internal/fetch"
)

// defaultExcerptLen is the number of runes kept from the page text.
const defaultExcerptLen = 500

// Page is the processed summary of a fetched document.
type Page struct {
	Title           string
	MetaDescription string
	Excerpt         string
	Links           []string
	NumLinks        int
}

// Processor turns a fetch result into a Page. The engine degrades
// processor failures to empty pages, so implementations only need to
// report errors, not recover from them.
type Processor interface {
	Process(ctx context.Context, result *fetch.Result) (*Page, error)
}

// HTMLProcessor is the default Processor. It reads the title, meta
// description and a text excerpt with goquery and walks the raw HTML
// for outbound links.
type HTMLProcessor struct {
	ExcerptLen int
}

// NewHTMLProcessor creates a processor with the default excerpt length.
func NewHTMLProcessor() *HTMLProcessor {
	return &HTMLProcessor{ExcerptLen: defaultExcerptLen}
}

// Process extracts the page summary and links from a fetch result.
// Links already extracted by the fetcher (the browser renderer reads
// the live DOM) are resolved and merged with the ones found in Body.
func (p *HTMLProcessor) Process(ctx context.Context, result *fetch.Result) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base := result.FinalURL
	if base == "" {
		base = result.URL
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, errors.NewParseError(result.URL, "base_url", err)
	}

	page := &Page{}

	if len(result.Body) > 0 {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(result.Body))
		if err != nil {
			return nil, errors.NewParseError(result.URL, "html_parse", err)
		}

		page.Title = strings.TrimSpace(doc.Find("title").First().Text())

		if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
			page.MetaDescription = strings.TrimSpace(desc)
		} else if desc, ok := doc.Find(`meta[property="og:description"]`).Attr("content"); ok {
			page.MetaDescription = strings.TrimSpace(desc)
		}

		page.Excerpt = excerptText(doc, p.excerptLen())
	}

	page.Links = ExtractLinks(result.Body, baseURL, result.Links)
	page.NumLinks = len(page.Links)

	return page, nil
}

func (p *HTMLProcessor) excerptLen() int {
	if p.ExcerptLen > 0 {
		return p.ExcerptLen
	}
	return defaultExcerptLen
}

// excerptText collapses the visible document text into a single line
// capped at limit runes. Script and style bodies are not visible text.
func excerptText(doc *goquery.Document, limit int) string {
	doc.Find("script, style, noscript").Remove()

	text := strings.Join(strings.Fields(doc.Text()), " ")
	runes := []rune(text)
	if len(runes) > limit {
		return string(runes[:limit])
	}
	return text
}
