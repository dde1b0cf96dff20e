// Package errors provides error types and handling for the crawl engine.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// ErrorType categorizes errors for handling decisions.
type ErrorType int

const (
	// Unknown is an uncategorized error.
	Unknown ErrorType = iota
	// InvalidURL represents unparseable or unsupported URLs.
	InvalidURL
	// Network represents network-related errors (DNS, connection).
	Network
	// Timeout represents timeout errors.
	Timeout
	// RateLimited represents rate limiting (429) errors.
	RateLimited
	// Denied represents robots.txt disallow decisions.
	Denied
	// RobotsUnavailable represents robots.txt fetch or parse failures.
	RobotsUnavailable
	// NotFound represents 404 errors.
	NotFound
	// ServerError represents 5xx errors.
	ServerError
	// ClientError represents 4xx errors (except 404 and 429).
	ClientError
	// Parse represents parsing errors (HTML, XML, etc.).
	Parse
	// Browser represents browser/CDP errors.
	Browser
	// Scope represents scope violations (dropped, never fatal).
	Scope
	// Cancelled represents context cancellation.
	Cancelled
)

// String returns the string representation of ErrorType.
func (t ErrorType) String() string {
	switch t {
	case InvalidURL:
		return "invalid_url"
	case Network:
		return "network"
	case Timeout:
		return "timeout"
	case RateLimited:
		return "rate_limited"
	case Denied:
		return "robots_denied"
	case RobotsUnavailable:
		return "robots_unavailable"
	case NotFound:
		return "not_found"
	case ServerError:
		return "server_error"
	case ClientError:
		return "client_error"
	case Parse:
		return "parse"
	case Browser:
		return "browser"
	case Scope:
		return "scope"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsRetryable returns whether errors of this type should be retried.
func (t ErrorType) IsRetryable() bool {
	switch t {
	case Network, Timeout, RateLimited, ServerError:
		return true
	default:
		return false
	}
}

// CrawlError represents a categorized crawl error.
type CrawlError struct {
	Type       ErrorType
	URL        string
	Operation  string
	Message    string
	Cause      error
	StatusCode int
	RetryAfter time.Duration
	Retryable  bool
}

// Error implements the error interface.
func (e *CrawlError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error during %s on %s: %s (caused by: %v)",
			e.Type.String(), e.Operation, e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error during %s on %s: %s",
		e.Type.String(), e.Operation, e.URL, e.Message)
}

// Unwrap returns the underlying error.
func (e *CrawlError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches a target.
func (e *CrawlError) Is(target error) bool {
	t, ok := target.(*CrawlError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// NewCrawlError creates a new CrawlError.
func NewCrawlError(errType ErrorType, url, operation, message string, cause error) *CrawlError {
	return &CrawlError{
		Type:      errType,
		URL:       url,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: errType.IsRetryable(),
	}
}

// NewInvalidURLError creates an invalid URL error.
func NewInvalidURLError(url string, cause error) *CrawlError {
	return NewCrawlError(InvalidURL, url, "normalize", "invalid URL", cause)
}

// NewNetworkError creates a network error.
func NewNetworkError(url, operation string, cause error) *CrawlError {
	return NewCrawlError(Network, url, operation, "network failure", cause)
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(url, operation string, cause error) *CrawlError {
	return NewCrawlError(Timeout, url, operation, "request timed out", cause)
}

// NewRateLimitedError creates a rate limit error. retryAfter may be zero
// when the server did not send a Retry-After header.
func NewRateLimitedError(url string, retryAfter time.Duration) *CrawlError {
	err := NewCrawlError(RateLimited, url, "request", "rate limited by server", nil)
	err.StatusCode = 429
	err.RetryAfter = retryAfter
	return err
}

// NewDeniedError creates a robots denial error.
func NewDeniedError(url, path string) *CrawlError {
	err := NewCrawlError(Denied, url, "authorize", fmt.Sprintf("robots.txt disallows %s", path), nil)
	err.Retryable = false
	return err
}

// NewRobotsUnavailableError creates a robots fetch failure error.
func NewRobotsUnavailableError(host string, cause error) *CrawlError {
	return NewCrawlError(RobotsUnavailable, host, "fetch_robots", "robots.txt unavailable", cause)
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(url string) *CrawlError {
	err := NewCrawlError(NotFound, url, "request", "page not found", nil)
	err.StatusCode = 404
	err.Retryable = false
	return err
}

// NewServerError creates a server error.
func NewServerError(url string, statusCode int, retryAfter time.Duration) *CrawlError {
	err := NewCrawlError(ServerError, url, "request", fmt.Sprintf("server returned %d", statusCode), nil)
	err.StatusCode = statusCode
	err.RetryAfter = retryAfter
	return err
}

// NewClientError creates a client error.
func NewClientError(url string, statusCode int) *CrawlError {
	err := NewCrawlError(ClientError, url, "request", fmt.Sprintf("client error %d", statusCode), nil)
	err.StatusCode = statusCode
	err.Retryable = false
	return err
}

// NewParseError creates a parse error.
func NewParseError(url, operation string, cause error) *CrawlError {
	err := NewCrawlError(Parse, url, operation, "parsing failed", cause)
	err.Retryable = false
	return err
}

// NewBrowserError creates a browser error.
func NewBrowserError(url, operation string, cause error) *CrawlError {
	return NewCrawlError(Browser, url, operation, "browser operation failed", cause)
}

// NewScopeError creates a scope violation error.
func NewScopeError(url, reason string) *CrawlError {
	err := NewCrawlError(Scope, url, "scope_check", reason, nil)
	err.Retryable = false
	return err
}

// NewCancelledError creates a cancelled error.
func NewCancelledError(url, operation string) *CrawlError {
	err := NewCrawlError(Cancelled, url, operation, "operation cancelled", nil)
	err.Retryable = false
	return err
}

// Categorize determines the error type from a generic error.
func Categorize(err error, url string) *CrawlError {
	if err == nil {
		return nil
	}

	// Already a CrawlError
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr
	}

	if errors.Is(err, context.Canceled) {
		return NewCancelledError(url, "request")
	}

	if isTimeout(err) {
		return NewTimeoutError(url, "request", err)
	}

	if isNetworkError(err) {
		return NewNetworkError(url, "request", err)
	}

	return NewCrawlError(Unknown, url, "request", err.Error(), err)
}

// FromStatus creates an error from an HTTP status code, honoring any
// Retry-After duration parsed from the response. Returns nil for
// non-error statuses.
func FromStatus(statusCode int, url string, retryAfter time.Duration) *CrawlError {
	switch {
	case statusCode == 404:
		return NewNotFoundError(url)
	case statusCode == 429:
		return NewRateLimitedError(url, retryAfter)
	case statusCode >= 500:
		return NewServerError(url, statusCode, retryAfter)
	case statusCode >= 400:
		return NewClientError(url, statusCode)
	default:
		return nil
	}
}

// isTimeout checks if an error is a timeout.
func isTimeout(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

// isNetworkError checks if an error is network-related.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "dial tcp")
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr.Retryable
	}

	return isTimeout(err) || isNetworkError(err)
}

// IsDenied checks if an error is a robots denial.
func IsDenied(err error) bool {
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr.Type == Denied
	}
	return false
}

// IsRateLimited checks if an error is rate limiting.
func IsRateLimited(err error) bool {
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr.Type == RateLimited
	}
	return false
}

// GetStatusCode extracts the status code from an error.
func GetStatusCode(err error) int {
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr.StatusCode
	}
	return 0
}

// GetErrorType extracts the error type from an error.
func GetErrorType(err error) ErrorType {
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr.Type
	}
	return Unknown
}

// GetRetryAfter extracts a server-requested retry delay, or zero.
func GetRetryAfter(err error) time.Duration {
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		return crawlErr.RetryAfter
	}
	return 0
}
