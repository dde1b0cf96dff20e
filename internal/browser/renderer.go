package browser

import (
	"context"
	"net/http"
	"time"

	"github.com/pagewalk/pagewalk/internal/errors"
	"github.com/pagewalk/pagewalk/internal/fetch"
	"github.com/pagewalk/pagewalk/internal/logger"
)

// Renderer adapts the browser pool to the fetch contract so the engine
// can swap it in for the plain HTTP client.
type Renderer struct {
	pool    *Pool
	headers map[string]string
	log     *logger.Logger
}

// NewRenderer launches a browser pool sized per config.
func NewRenderer(config Config, headers map[string]string, log *logger.Logger) (*Renderer, error) {
	if log == nil {
		log = logger.Nop()
	}

	pool, err := NewPool(config)
	if err != nil {
		return nil, err
	}

	return &Renderer{
		pool:    pool,
		headers: headers,
		log:     log.WithComponent("browser"),
	}, nil
}

// Fetch renders the URL and returns the rendered document. A page that
// reaches the load event is reported as a 200; the CDP load path does
// not surface the document status code.
func (r *Renderer) Fetch(ctx context.Context, url string) (*fetch.Result, error) {
	start := time.Now()
	result := &fetch.Result{URL: url, FinalURL: url}

	page, err := r.pool.Visit(ctx, url, r.headers)
	if err != nil {
		crawlErr := categorizeVisit(err, url)
		result.Kind = fetch.Classify(crawlErr)
		result.Err = crawlErr
		result.Elapsed = time.Since(start)
		r.log.WithURL(url).WithError(crawlErr).Debug("Render failed")
		return result, crawlErr
	}

	result.FinalURL = page.FinalURL
	result.Kind = fetch.KindSuccess
	result.StatusCode = http.StatusOK
	result.ContentType = "text/html"
	result.Body = []byte(page.HTML)
	result.Links = page.Links
	result.Elapsed = time.Since(start)

	return result, nil
}

// categorizeVisit maps rod errors onto the crawl taxonomy. Context and
// transport failures keep their categories; everything else is a
// browser error.
func categorizeVisit(err error, url string) *errors.CrawlError {
	crawlErr := errors.Categorize(err, url)
	if crawlErr.Type == errors.Unknown {
		return errors.NewBrowserError(url, "render", err)
	}
	return crawlErr
}

// Stats returns the underlying pool's utilization.
func (r *Renderer) Stats() PoolStats {
	return r.pool.Stats()
}

// Close shuts the browser pool down.
func (r *Renderer) Close() error {
	return r.pool.Close()
}
