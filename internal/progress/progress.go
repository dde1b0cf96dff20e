// Package progress provides progress bar display for the crawler.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pagewalk/pagewalk/internal/metrics"
)

// Display manages the progress line during crawling. All output goes to
// stderr so stdout stays clean for record sinks.
type Display struct {
	mu      sync.Mutex
	started bool
	stopped bool

	pagesCrawled atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	queueSize    atomic.Int64
	linksFound   atomic.Int64

	maxPages  int64
	startTime time.Time
	target    string

	out      io.Writer
	lastLine string
}

// New creates a new progress display. maxPages is the crawl budget used
// as the progress denominator; zero means unbounded.
func New(maxPages int) *Display {
	return &Display{
		maxPages: int64(maxPages),
		out:      os.Stderr,
	}
}

// Start begins the progress display.
func (d *Display) Start(target string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return
	}

	d.started = true
	d.startTime = time.Now()
	d.target = target
}

// Update redraws the progress line from a metrics snapshot.
func (d *Display) Update(snap *metrics.Snapshot) {
	crawled := snap.PagesCrawled
	succeeded := snap.SuccessCount()
	failed := crawled - succeeded
	queued := snap.QueueDepth

	d.pagesCrawled.Store(crawled)
	d.succeeded.Store(succeeded)
	d.failed.Store(failed)
	d.queueSize.Store(queued)
	d.linksFound.Store(snap.LinksDiscovered)

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped {
		return
	}

	progress := 0
	if queued == 0 && crawled > 0 {
		progress = 100
	} else if d.maxPages > 0 {
		progress = int(float64(crawled) / float64(d.maxPages) * 100)
		if progress > 99 {
			progress = 99
		}
	}

	elapsed := time.Since(d.startTime)
	speed := float64(0)
	if elapsed.Seconds() > 0 {
		speed = float64(crawled) / elapsed.Seconds()
	}

	barWidth := 30
	filled := int(float64(progress) / 100 * float64(barWidth))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	var pages string
	if d.maxPages > 0 {
		pages = fmt.Sprintf("%d/%d", crawled, d.maxPages)
	} else {
		pages = fmt.Sprintf("%d", crawled)
	}

	line := fmt.Sprintf("\r[%s] %3d%% | Pages: %s | Queue: %d | OK: %d | Err: %d | %.1f p/s | %s",
		bar, progress, pages, queued, succeeded, failed, speed, formatDuration(elapsed))

	// Clear the previous line when the new one is shorter.
	if len(line) < len(d.lastLine) {
		fmt.Fprint(d.out, "\r"+strings.Repeat(" ", len(d.lastLine)))
	}
	fmt.Fprint(d.out, line)
	d.lastLine = line
}

// Stop stops the progress display.
func (d *Display) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || !d.started {
		return
	}

	d.stopped = true

	// Move past the progress line.
	fmt.Fprintln(d.out)
}

// PrintSummary prints a final summary after crawling.
func (d *Display) PrintSummary() {
	duration := time.Since(d.startTime)

	fmt.Fprintln(d.out)
	fmt.Fprintln(d.out, "╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(d.out, "║                       Crawl Complete                         ║")
	fmt.Fprintln(d.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(d.out)
	fmt.Fprintf(d.out, "  Target:           %s\n", truncateURL(d.target, 50))
	fmt.Fprintf(d.out, "  Duration:         %s\n", formatDuration(duration))
	fmt.Fprintf(d.out, "  Pages Crawled:    %d\n", d.pagesCrawled.Load())
	fmt.Fprintf(d.out, "  Succeeded:        %d\n", d.succeeded.Load())
	fmt.Fprintf(d.out, "  Failed:           %d\n", d.failed.Load())
	fmt.Fprintf(d.out, "  Links Discovered: %d\n", d.linksFound.Load())
	fmt.Fprintln(d.out)

	if duration.Seconds() > 0 {
		pagesPerSec := float64(d.pagesCrawled.Load()) / duration.Seconds()
		fmt.Fprintf(d.out, "  Average Speed:    %.1f pages/sec\n", pagesPerSec)
		fmt.Fprintln(d.out)
	}
}

// Stats returns the last reported crawl statistics.
func (d *Display) Stats() (crawled, succeeded, failed, queued, links int64) {
	return d.pagesCrawled.Load(),
		d.succeeded.Load(),
		d.failed.Load(),
		d.queueSize.Load(),
		d.linksFound.Load()
}

// truncateURL truncates a URL to maxLen characters.
func truncateURL(url string, maxLen int) string {
	if len(url) <= maxLen {
		return url
	}
	return url[:maxLen-3] + "..."
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
