// Package metrics provides metrics collection for the crawl engine.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector collects and aggregates metrics.
type Collector struct {
	// Counters
	requestsTotal   atomic.Int64
	errorsTotal     atomic.Int64
	pagesCrawled    atomic.Int64
	linksDiscovered atomic.Int64
	linksEnqueued   atomic.Int64
	scopeRejected   atomic.Int64
	duplicates      atomic.Int64
	bytesTotal      atomic.Int64
	retriesTotal    atomic.Int64

	// Rate tracking
	requestsInWindow atomic.Int64
	errorsInWindow   atomic.Int64
	windowStart      atomic.Int64

	// Response time tracking
	responseTimesSum atomic.Int64
	responseTimesNum atomic.Int64

	// Gauges
	queueDepth       atomic.Int64
	activeWorkers    atomic.Int64
	browserPoolSize  atomic.Int64
	browserPoolInUse atomic.Int64

	// Histogram buckets for response times in ms:
	// <10, <50, <100, <250, <500, <1000, <2500, <5000, <10000, >=10000
	responseTimeBuckets [10]atomic.Int64

	// Fetch outcome breakdown keyed by result kind
	kindCounts map[string]*atomic.Int64
	kindMu     sync.RWMutex

	// Error breakdown keyed by error type
	errorCounts map[string]*atomic.Int64
	errorMu     sync.RWMutex

	// Status code breakdown
	statusCodes map[int]*atomic.Int64
	statusMu    sync.RWMutex

	startTime time.Time
}

// New creates a new metrics collector.
func New() *Collector {
	now := time.Now()
	c := &Collector{
		kindCounts:  make(map[string]*atomic.Int64),
		errorCounts: make(map[string]*atomic.Int64),
		statusCodes: make(map[int]*atomic.Int64),
		startTime:   now,
	}
	c.windowStart.Store(now.UnixNano())
	return c
}

// RecordRequest records a single HTTP request attempt, retries included.
func (c *Collector) RecordRequest() {
	c.requestsTotal.Add(1)
	c.requestsInWindow.Add(1)
}

// RecordError records an error by taxonomy type.
func (c *Collector) RecordError(errorType string) {
	c.errorsTotal.Add(1)
	c.errorsInWindow.Add(1)

	c.errorMu.Lock()
	if c.errorCounts[errorType] == nil {
		c.errorCounts[errorType] = &atomic.Int64{}
	}
	c.errorCounts[errorType].Add(1)
	c.errorMu.Unlock()
}

// RecordFetch records a completed fetch by its result kind. Every URL
// taken off the frontier ends in exactly one RecordFetch call.
func (c *Collector) RecordFetch(kind string) {
	c.pagesCrawled.Add(1)

	c.kindMu.Lock()
	if c.kindCounts[kind] == nil {
		c.kindCounts[kind] = &atomic.Int64{}
	}
	c.kindCounts[kind].Add(1)
	c.kindMu.Unlock()
}

// RecordResponseTime records a response time.
func (c *Collector) RecordResponseTime(d time.Duration) {
	ms := d.Milliseconds()
	c.responseTimesSum.Add(ms)
	c.responseTimesNum.Add(1)

	bucket := c.getBucket(ms)
	c.responseTimeBuckets[bucket].Add(1)
}

// getBucket returns the histogram bucket for a given response time.
func (c *Collector) getBucket(ms int64) int {
	switch {
	case ms < 10:
		return 0
	case ms < 50:
		return 1
	case ms < 100:
		return 2
	case ms < 250:
		return 3
	case ms < 500:
		return 4
	case ms < 1000:
		return 5
	case ms < 2500:
		return 6
	case ms < 5000:
		return 7
	case ms < 10000:
		return 8
	default:
		return 9
	}
}

// RecordStatusCode records an HTTP status code.
func (c *Collector) RecordStatusCode(code int) {
	c.statusMu.Lock()
	if c.statusCodes[code] == nil {
		c.statusCodes[code] = &atomic.Int64{}
	}
	c.statusCodes[code].Add(1)
	c.statusMu.Unlock()
}

// RecordLinksDiscovered adds to the count of links found on pages.
func (c *Collector) RecordLinksDiscovered(n int64) {
	c.linksDiscovered.Add(n)
}

// RecordLinkEnqueued increments links that passed scope, dedup, and the
// depth cap and entered the frontier.
func (c *Collector) RecordLinkEnqueued() {
	c.linksEnqueued.Add(1)
}

// RecordScopeRejected increments links dropped by the scope rules.
func (c *Collector) RecordScopeRejected() {
	c.scopeRejected.Add(1)
}

// RecordDuplicate increments links skipped because their canonical URL
// was already seen.
func (c *Collector) RecordDuplicate() {
	c.duplicates.Add(1)
}

// RecordBytes records transferred bytes.
func (c *Collector) RecordBytes(n int64) {
	c.bytesTotal.Add(n)
}

// RecordRetry records a retry attempt.
func (c *Collector) RecordRetry() {
	c.retriesTotal.Add(1)
}

// SetQueueDepth sets the current frontier depth.
func (c *Collector) SetQueueDepth(depth int64) {
	c.queueDepth.Store(depth)
}

// SetActiveWorkers sets the number of in-flight workers.
func (c *Collector) SetActiveWorkers(n int64) {
	c.activeWorkers.Store(n)
}

// SetBrowserPoolStats sets browser pool statistics.
func (c *Collector) SetBrowserPoolStats(size, inUse int64) {
	c.browserPoolSize.Store(size)
	c.browserPoolInUse.Store(inUse)
}

// GetRequestsPerSecond returns the current requests per second rate.
func (c *Collector) GetRequestsPerSecond() float64 {
	return c.getRatePerSecond(&c.requestsInWindow)
}

// GetErrorsPerSecond returns the current errors per second rate.
func (c *Collector) GetErrorsPerSecond() float64 {
	return c.getRatePerSecond(&c.errorsInWindow)
}

// getRatePerSecond calculates rate per second with window rotation.
func (c *Collector) getRatePerSecond(counter *atomic.Int64) float64 {
	windowDuration := 10 * time.Second
	now := time.Now().UnixNano()
	windowStart := c.windowStart.Load()

	elapsed := time.Duration(now - windowStart)
	if elapsed >= windowDuration {
		if c.windowStart.CompareAndSwap(windowStart, now) {
			c.requestsInWindow.Store(0)
			c.errorsInWindow.Store(0)
		}
		return 0
	}

	count := counter.Load()
	if elapsed <= 0 {
		return 0
	}

	return float64(count) / elapsed.Seconds()
}

// GetAverageResponseTime returns the average response time.
func (c *Collector) GetAverageResponseTime() time.Duration {
	sum := c.responseTimesSum.Load()
	num := c.responseTimesNum.Load()
	if num == 0 {
		return 0
	}
	return time.Duration(sum/num) * time.Millisecond
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() *Snapshot {
	s := &Snapshot{
		Timestamp:           time.Now(),
		Uptime:              time.Since(c.startTime),
		RequestsTotal:       c.requestsTotal.Load(),
		ErrorsTotal:         c.errorsTotal.Load(),
		PagesCrawled:        c.pagesCrawled.Load(),
		LinksDiscovered:     c.linksDiscovered.Load(),
		LinksEnqueued:       c.linksEnqueued.Load(),
		ScopeRejected:       c.scopeRejected.Load(),
		Duplicates:          c.duplicates.Load(),
		BytesTotal:          c.bytesTotal.Load(),
		RetriesTotal:        c.retriesTotal.Load(),
		QueueDepth:          c.queueDepth.Load(),
		ActiveWorkers:       c.activeWorkers.Load(),
		BrowserPoolSize:     c.browserPoolSize.Load(),
		BrowserPoolInUse:    c.browserPoolInUse.Load(),
		RequestsPerSecond:   c.GetRequestsPerSecond(),
		ErrorsPerSecond:     c.GetErrorsPerSecond(),
		AverageResponseTime: c.GetAverageResponseTime(),
		KindCounts:          make(map[string]int64),
		ErrorCounts:         make(map[string]int64),
		StatusCodes:         make(map[int]int64),
		ResponseTimeHist:    make([]int64, 10),
	}

	c.kindMu.RLock()
	for k, v := range c.kindCounts {
		s.KindCounts[k] = v.Load()
	}
	c.kindMu.RUnlock()

	c.errorMu.RLock()
	for k, v := range c.errorCounts {
		s.ErrorCounts[k] = v.Load()
	}
	c.errorMu.RUnlock()

	c.statusMu.RLock()
	for k, v := range c.statusCodes {
		s.StatusCodes[k] = v.Load()
	}
	c.statusMu.RUnlock()

	for i := 0; i < 10; i++ {
		s.ResponseTimeHist[i] = c.responseTimeBuckets[i].Load()
	}

	return s
}

// Reset resets all metrics.
func (c *Collector) Reset() {
	c.requestsTotal.Store(0)
	c.errorsTotal.Store(0)
	c.pagesCrawled.Store(0)
	c.linksDiscovered.Store(0)
	c.linksEnqueued.Store(0)
	c.scopeRejected.Store(0)
	c.duplicates.Store(0)
	c.bytesTotal.Store(0)
	c.retriesTotal.Store(0)
	c.requestsInWindow.Store(0)
	c.errorsInWindow.Store(0)
	c.responseTimesSum.Store(0)
	c.responseTimesNum.Store(0)
	c.queueDepth.Store(0)
	c.activeWorkers.Store(0)
	c.browserPoolSize.Store(0)
	c.browserPoolInUse.Store(0)

	for i := 0; i < 10; i++ {
		c.responseTimeBuckets[i].Store(0)
	}

	c.kindMu.Lock()
	c.kindCounts = make(map[string]*atomic.Int64)
	c.kindMu.Unlock()

	c.errorMu.Lock()
	c.errorCounts = make(map[string]*atomic.Int64)
	c.errorMu.Unlock()

	c.statusMu.Lock()
	c.statusCodes = make(map[int]*atomic.Int64)
	c.statusMu.Unlock()

	c.windowStart.Store(time.Now().UnixNano())
	c.startTime = time.Now()
}

// Snapshot represents a point-in-time view of metrics.
type Snapshot struct {
	Timestamp           time.Time        `json:"timestamp"`
	Uptime              time.Duration    `json:"uptime"`
	RequestsTotal       int64            `json:"requests_total"`
	ErrorsTotal         int64            `json:"errors_total"`
	PagesCrawled        int64            `json:"pages_crawled"`
	LinksDiscovered     int64            `json:"links_discovered"`
	LinksEnqueued       int64            `json:"links_enqueued"`
	ScopeRejected       int64            `json:"scope_rejected"`
	Duplicates          int64            `json:"duplicates"`
	BytesTotal          int64            `json:"bytes_total"`
	RetriesTotal        int64            `json:"retries_total"`
	QueueDepth          int64            `json:"queue_depth"`
	ActiveWorkers       int64            `json:"active_workers"`
	BrowserPoolSize     int64            `json:"browser_pool_size"`
	BrowserPoolInUse    int64            `json:"browser_pool_in_use"`
	RequestsPerSecond   float64          `json:"requests_per_second"`
	ErrorsPerSecond     float64          `json:"errors_per_second"`
	AverageResponseTime time.Duration    `json:"average_response_time"`
	KindCounts          map[string]int64 `json:"kind_counts"`
	ErrorCounts         map[string]int64 `json:"error_counts"`
	StatusCodes         map[int]int64    `json:"status_codes"`
	ResponseTimeHist    []int64          `json:"response_time_histogram"`
}

// ErrorRate returns the error rate (errors/requests).
func (s *Snapshot) ErrorRate() float64 {
	if s.RequestsTotal == 0 {
		return 0
	}
	return float64(s.ErrorsTotal) / float64(s.RequestsTotal)
}

// SuccessCount returns the number of fetches that ended in success.
func (s *Snapshot) SuccessCount() int64 {
	return s.KindCounts["success"]
}

// Summary returns a human-readable summary.
func (s *Snapshot) Summary() map[string]interface{} {
	return map[string]interface{}{
		"uptime":               s.Uptime.String(),
		"requests_total":       s.RequestsTotal,
		"errors_total":         s.ErrorsTotal,
		"error_rate":           s.ErrorRate(),
		"pages_crawled":        s.PagesCrawled,
		"links_discovered":     s.LinksDiscovered,
		"links_enqueued":       s.LinksEnqueued,
		"queue_depth":          s.QueueDepth,
		"active_workers":       s.ActiveWorkers,
		"requests_per_second":  s.RequestsPerSecond,
		"avg_response_time_ms": s.AverageResponseTime.Milliseconds(),
	}
}
