// Package fetch retrieves pages for the crawl engine. The Fetcher
// contract is shared by the plain HTTP client and the headless browser
// renderer, so the engine never cares which implementation is running.
package fetch

import (
	"context"
	"time"

	"github.com/pagewalk/pagewalk/internal/errors"
)

// Kind classifies the terminal outcome of a fetch.
type Kind string

const (
	// KindSuccess is a 2xx response.
	KindSuccess Kind = "success"
	// KindHTTPError is a 4xx or 5xx response, or an exhausted redirect chain.
	KindHTTPError Kind = "http_error"
	// KindNetworkError is a DNS, dial, or transport failure.
	KindNetworkError Kind = "network_error"
	// KindTimeout is a request that exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindRobotsDenied is a URL refused by robots.txt before any request was made.
	KindRobotsDenied Kind = "robots_denied"
)

// Result is the outcome of fetching a single URL. Failed fetches
// produce a Result as well; Err carries the categorized error and Kind
// tells reporting code what happened without unwrapping it.
//
// Links is only populated by fetchers that see more than the raw body,
// such as the browser renderer reading the live DOM. Processors merge
// it with whatever they extract from Body.
type Result struct {
	URL         string
	FinalURL    string
	Kind        Kind
	StatusCode  int
	ContentType string
	Body        []byte
	Links       []string
	Elapsed     time.Duration
	Err         error
}

// OK reports whether the fetch produced a processable page.
func (r *Result) OK() bool {
	return r != nil && r.Kind == KindSuccess
}

// Fetcher retrieves one URL per call. Implementations must be safe for
// concurrent use by multiple workers.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Result, error)
	Close() error
}

// Classify maps a categorized fetch error to a result kind.
func Classify(err error) Kind {
	switch errors.GetErrorType(err) {
	case errors.Timeout:
		return KindTimeout
	case errors.Denied, errors.RobotsUnavailable:
		return KindRobotsDenied
	case errors.RateLimited, errors.NotFound, errors.ServerError, errors.ClientError:
		return KindHTTPError
	default:
		return KindNetworkError
	}
}
