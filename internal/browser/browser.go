// Package browser renders pages in headless Chrome via rod, for crawls
// of sites that only produce their content with JavaScript running.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

// Config defines browser configuration.
type Config struct {
	PoolSize          int           `json:"pool_size"`
	Headless          bool          `json:"headless"`
	Timeout           time.Duration `json:"timeout"`
	UserAgent         string        `json:"user_agent"`
	ViewportWidth     int           `json:"viewport_width"`
	ViewportHeight    int           `json:"viewport_height"`
	RecycleAfter      int           `json:"recycle_after"`
	IgnoreHTTPSErrors bool          `json:"ignore_https_errors"`
}

// DefaultConfig returns default browser configuration.
func DefaultConfig() Config {
	return Config{
		PoolSize:          2,
		Headless:          true,
		Timeout:           30 * time.Second,
		ViewportWidth:     1920,
		ViewportHeight:    1080,
		RecycleAfter:      50,
		IgnoreHTTPSErrors: true,
	}
}

// Page is the outcome of rendering a single URL.
type Page struct {
	URL      string
	FinalURL string
	HTML     string
	Links    []string
	Elapsed  time.Duration
}

// Browser wraps a single headless Chrome instance.
type Browser struct {
	browser   *rod.Browser
	config    Config
	mu        sync.Mutex
	pageCount int
}

// New launches a Chrome instance and connects to it.
func New(config Config) (*Browser, error) {
	l := launcher.New()

	if config.Headless {
		l = l.Headless(true)
	}
	if config.IgnoreHTTPSErrors {
		l = l.Set("ignore-certificate-errors", "true")
	}

	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	browser = browser.Timeout(config.Timeout)

	return &Browser{
		browser: browser,
		config:  config,
	}, nil
}

// Visit navigates to a URL, waits for the load event, and captures the
// rendered document.
func (b *Browser) Visit(ctx context.Context, url string, headers map[string]string) (*Page, error) {
	b.mu.Lock()
	b.pageCount++
	b.mu.Unlock()

	start := time.Now()

	page, err := b.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()

	page = page.Context(ctx)

	// Viewport and identity failures are not fatal to the visit.
	_ = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  b.config.ViewportWidth,
		Height: b.config.ViewportHeight,
	})

	if b.config.UserAgent != "" {
		_ = proto.NetworkSetUserAgentOverride{
			UserAgent: b.config.UserAgent,
		}.Call(page)
	}

	if len(headers) > 0 {
		networkHeaders := make(proto.NetworkHeaders)
		for k, v := range headers {
			networkHeaders[k] = gson.New(v)
		}
		_ = proto.NetworkSetExtraHTTPHeaders{Headers: networkHeaders}.Call(page)
	}

	if err := page.Navigate(url); err != nil {
		return nil, err
	}
	if err := page.WaitLoad(); err != nil {
		return nil, err
	}

	// Give late scripts a moment to settle before reading the DOM.
	time.Sleep(200 * time.Millisecond)

	result := &Page{URL: url, FinalURL: url}

	if info, err := page.Info(); err == nil && info != nil {
		result.FinalURL = info.URL
	}
	if html, err := page.HTML(); err == nil {
		result.HTML = html
	}
	result.Links = extractLinks(page)
	result.Elapsed = time.Since(start)

	return result, nil
}

// extractLinks collects href values from the rendered DOM, including
// anchors inserted by scripts after the load event.
func extractLinks(page *rod.Page) []string {
	js := `() => {
		const seen = new Set();
		const links = [];
		document.querySelectorAll('a[href], area[href]').forEach(el => {
			const href = el.getAttribute('href');
			if (href && !seen.has(href)) {
				seen.add(href);
				links.push(href);
			}
		});
		return links;
	}`

	links := make([]string, 0, 32)

	result, err := page.Eval(js)
	if err != nil || result == nil {
		return links
	}
	arr, ok := result.Value.Val().([]interface{})
	if !ok {
		return links
	}
	for _, v := range arr {
		if s, ok := v.(string); ok && s != "" {
			links = append(links, s)
		}
	}

	return links
}

// NeedsRecycle reports whether this instance served enough pages to be
// replaced. Long-lived Chrome processes accumulate memory.
func (b *Browser) NeedsRecycle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config.RecycleAfter > 0 && b.pageCount >= b.config.RecycleAfter
}

// PageCount returns the number of pages this instance has served.
func (b *Browser) PageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pageCount
}

// Close closes the browser.
func (b *Browser) Close() error {
	return b.browser.Close()
}
