package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pagewalk/pagewalk/internal/errors"
)

const (
	maxRedirects       = 10
	defaultMaxBodySize = 5 * 1024 * 1024
)

// ClientConfig holds configuration for the HTTP fetcher.
type ClientConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	MaxBodySize         int64
	UserAgent           string
	Headers             map[string]string
	SkipTLSVerify       bool
}

// DefaultClientConfig returns defaults tuned for sustained crawling.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             20 * time.Second,
		MaxIdleConns:        500,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     100,
		MaxBodySize:         defaultMaxBodySize,
		UserAgent:           "Mozilla/5.0 (compatible; pagewalk/1.0; +https://github.com/pagewalk/pagewalk)",
	}
}

// Client is the plain HTTP fetcher. It keeps a pooled transport and
// performs a single request per Fetch call; retries belong to the
// caller so politeness spacing can run between attempts.
type Client struct {
	client      *http.Client
	userAgent   string
	maxBodySize int64
	mu          sync.RWMutex
	headers     map[string]string
	cookies     []*http.Cookie
}

// NewClient creates an HTTP fetcher with a tuned transport.
func NewClient(config ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 20 * time.Second
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = defaultMaxBodySize
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.SkipTLSVerify,
		},
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent:   config.UserAgent,
		maxBodySize: config.MaxBodySize,
		headers:     config.Headers,
	}
}

// SetHeaders sets custom headers for all requests.
func (c *Client) SetHeaders(headers map[string]string) {
	c.mu.Lock()
	c.headers = headers
	c.mu.Unlock()
}

// SetCookies sets cookies for all requests.
func (c *Client) SetCookies(cookies []*http.Cookie) {
	c.mu.Lock()
	c.cookies = cookies
	c.mu.Unlock()
}

// Fetch performs a single GET request. The returned Result is always
// non-nil; on failure its Kind and Err describe the outcome and the
// same categorized error is returned.
func (c *Client) Fetch(ctx context.Context, targetURL string) (*Result, error) {
	start := time.Now()
	result := &Result{URL: targetURL}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return fail(result, start, errors.NewInvalidURLError(targetURL, err))
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	c.mu.RLock()
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for _, cookie := range c.cookies {
		req.AddCookie(cookie)
	}
	c.mu.RUnlock()

	resp, err := c.client.Do(req)
	if err != nil {
		return fail(result, start, errors.Categorize(err, targetURL))
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.FinalURL = resp.Request.URL.String()
	result.ContentType = resp.Header.Get("Content-Type")

	if resp.StatusCode >= 400 {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return fail(result, start, errors.FromStatus(resp.StatusCode, targetURL, retryAfter))
	}
	if resp.StatusCode >= 300 {
		// CheckRedirect returned ErrUseLastResponse, so the chain hit
		// maxRedirects and this is the final hop.
		crawlErr := errors.NewCrawlError(errors.ClientError, targetURL, "redirect",
			fmt.Sprintf("stopped after %d redirects", maxRedirects), nil)
		crawlErr.StatusCode = resp.StatusCode
		return fail(result, start, crawlErr)
	}

	if parsableContentType(result.ContentType) {
		body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize))
		if err != nil {
			return fail(result, start, errors.Categorize(err, targetURL))
		}
		result.Body = body
	}

	result.Kind = KindSuccess
	result.Elapsed = time.Since(start)
	return result, nil
}

// fail finalizes a result for a categorized error.
func fail(result *Result, start time.Time, crawlErr *errors.CrawlError) (*Result, error) {
	result.Kind = Classify(crawlErr)
	result.Err = crawlErr
	result.Elapsed = time.Since(start)
	return result, crawlErr
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// parsableContentType reports whether a response body is worth keeping
// for link extraction. Everything else is dropped unread.
func parsableContentType(contentType string) bool {
	mt := contentType
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = mt[:i]
	}
	mt = strings.ToLower(strings.TrimSpace(mt))
	switch mt {
	case "text/html", "application/xhtml+xml", "text/xml", "application/xml":
		return true
	}
	return strings.HasSuffix(mt, "+xml")
}

// parseRetryAfter parses a Retry-After header value, either
// delta-seconds or an HTTP-date. Returns 0 when absent or malformed.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
