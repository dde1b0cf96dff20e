package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pagewalk/pagewalk/internal/fetch"
	"github.com/pagewalk/pagewalk/internal/logger"
	"github.com/pagewalk/pagewalk/internal/output"
	"github.com/pagewalk/pagewalk/internal/parser"
	"github.com/pagewalk/pagewalk/internal/state"
)

// ===================== Test Helpers =====================

// memorySink collects records in memory.
type memorySink struct {
	mu      sync.Mutex
	records []*output.Record
}

func (s *memorySink) Write(record *output.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *memorySink) all() []*output.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*output.Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *memorySink) byURL() map[string]*output.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]*output.Record, len(s.records))
	for _, r := range s.records {
		m[r.URL] = r
	}
	return m
}

func (s *memorySink) kindCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]int)
	for _, r := range s.records {
		m[r.Kind]++
	}
	return m
}

// failingProcessor always errors, simulating a broken parser.
type failingProcessor struct{}

func (failingProcessor) Process(ctx context.Context, result *fetch.Result) (*parser.Page, error) {
	return nil, fmt.Errorf("parse exploded")
}

// trackingServer wraps httptest.Server and counts hits per path.
type trackingServer struct {
	*httptest.Server
	mu    sync.Mutex
	hits  map[string]int
	times map[string][]time.Time
}

func newTrackingServer(handler http.HandlerFunc) *trackingServer {
	s := &trackingServer{
		hits:  make(map[string]int),
		times: make(map[string][]time.Time),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.times[r.URL.Path] = append(s.times[r.URL.Path], time.Now())
		s.mu.Unlock()
		handler(w, r)
	}))
	return s
}

func (s *trackingServer) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// pageHits counts hits excluding robots.txt and sitemap fetches.
func (s *trackingServer) pageHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for path, n := range s.hits {
		if path == "/robots.txt" || strings.HasSuffix(path, ".xml") {
			continue
		}
		total += n
	}
	return total
}

// pageTimes returns arrival times of page requests in arrival order.
func (s *trackingServer) pageTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []time.Time
	for path, ts := range s.times {
		if path == "/robots.txt" || strings.HasSuffix(path, ".xml") {
			continue
		}
		all = append(all, ts...)
	}
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].Before(all[j-1]); j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	return all
}

func (s *trackingServer) pathTimes(path string) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(s.times[path]))
	copy(out, s.times[path])
	return out
}

// linkPage renders a minimal HTML page with the given outbound links.
func linkPage(title string, links ...string) string {
	var b strings.Builder
	b.WriteString("<html><head><title>")
	b.WriteString(title)
	b.WriteString("</title></head><body>")
	for _, link := range links {
		b.WriteString(`<a href="`)
		b.WriteString(link)
		b.WriteString(`">link</a>`)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func serveHTML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(body))
}

// newTestEngine builds an engine with quiet, fast defaults. Options
// given by the test are applied after the defaults and override them.
func newTestEngine(t *testing.T, sink output.Sink, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithLogger(logger.Nop()),
		WithSink(sink),
		WithRateLimit(500),
		WithRespectRobots(false),
	}
	eng, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return eng
}

// runEngine runs a crawl to completion and fails the test on error.
func runEngine(t *testing.T, sink output.Sink, opts ...Option) *Engine {
	t.Helper()
	eng := newTestEngine(t, sink, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return eng
}

// ===================== Constructor Tests =====================

func TestNew_RequiresSeeds(t *testing.T) {
	_, err := New(WithLogger(logger.Nop()))
	if err == nil {
		t.Fatal("New() with no seeds should fail")
	}
	if !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("error = %v, want invalid configuration", err)
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"zero workers", []Option{WithSeeds("http://example.com"), WithWorkers(0)}},
		{"negative depth", []Option{WithSeeds("http://example.com"), WithMaxDepth(-1)}},
		{"bad render mode", []Option{WithSeeds("http://example.com"), WithRenderMode("spa")}},
		{"bad fallback", []Option{WithSeeds("http://example.com"), WithRobotsFallback("maybe")}},
		{"zero rate", []Option{WithSeeds("http://example.com"), WithRateLimit(0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts...); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestEngine_RejectsUnfetchableSeed(t *testing.T) {
	sink := &memorySink{}
	eng := newTestEngine(t, sink, WithSeeds("ftp://example.com/files"))

	err := eng.Run(context.Background())
	if err == nil {
		t.Fatal("Run() should fail for a non-http seed")
	}
	if !strings.Contains(err.Error(), "not a fetchable") {
		t.Errorf("error = %v, want mention of fetchable", err)
	}
}

// ===================== Basic Crawl Tests =====================

func TestEngine_CrawlsSinglePage(t *testing.T) {
	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		serveHTML(w, linkPage("Welcome"))
	})
	defer srv.Close()

	sink := &memorySink{}
	eng := runEngine(t, sink, WithSeeds(srv.URL))

	if got := sink.count(); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
	rec := sink.all()[0]
	if rec.URL != srv.URL+"/" {
		t.Errorf("URL = %q, want %q", rec.URL, srv.URL+"/")
	}
	if rec.Kind != string(fetch.KindSuccess) {
		t.Errorf("Kind = %q, want success", rec.Kind)
	}
	if rec.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", rec.Status)
	}
	if rec.Title != "Welcome" {
		t.Errorf("Title = %q, want Welcome", rec.Title)
	}
	if rec.Depth != 0 {
		t.Errorf("Depth = %d, want 0", rec.Depth)
	}
	if got := eng.Fetched(); got != 1 {
		t.Errorf("Fetched() = %d, want 1", got)
	}
	if eng.IsRunning() {
		t.Error("IsRunning() should be false after Run returns")
	}
}

func TestEngine_FollowsLinksInOrder(t *testing.T) {
	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			serveHTML(w, linkPage("root", "/a", "/b"))
		default:
			serveHTML(w, linkPage(r.URL.Path))
		}
	})
	defer srv.Close()

	sink := &memorySink{}
	runEngine(t, sink, WithSeeds(srv.URL), WithWorkers(1))

	records := sink.all()
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	wantOrder := []string{srv.URL + "/", srv.URL + "/a", srv.URL + "/b"}
	for i, want := range wantOrder {
		if records[i].URL != want {
			t.Errorf("records[%d].URL = %q, want %q", i, records[i].URL, want)
		}
	}
	if records[1].Parent != srv.URL+"/" {
		t.Errorf("child Parent = %q, want %q", records[1].Parent, srv.URL+"/")
	}
	if records[1].Depth != 1 {
		t.Errorf("child Depth = %d, want 1", records[1].Depth)
	}
}

func TestEngine_DeduplicatesConcurrently(t *testing.T) {
	// Eight pages that all link to each other. Every worker discovers
	// every page many times, but each page is fetched exactly once.
	paths := []string{"/", "/p1", "/p2", "/p3", "/p4", "/p5", "/p6", "/p7"}

	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		serveHTML(w, linkPage(r.URL.Path, paths...))
	})
	defer srv.Close()

	sink := &memorySink{}
	eng := runEngine(t, sink, WithSeeds(srv.URL), WithWorkers(8))

	for _, path := range paths {
		if got := srv.hitCount(path); got != 1 {
			t.Errorf("hits[%s] = %d, want 1", path, got)
		}
	}
	if got := sink.count(); got != len(paths) {
		t.Errorf("records = %d, want %d", got, len(paths))
	}
	if got := eng.Fetched(); got != int64(len(paths)) {
		t.Errorf("Fetched() = %d, want %d", got, len(paths))
	}

	snap := eng.MetricsSnapshot()
	if snap.Duplicates == 0 {
		t.Error("expected duplicate links to be counted")
	}
}

func TestEngine_DepthCap(t *testing.T) {
	// A chain /d0 -> /d1 -> ... with MaxDepth 3: d0 through d3 are
	// fetched, d4 is never requested.
	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		var n int
		fmt.Sscanf(r.URL.Path, "/d%d", &n)
		serveHTML(w, linkPage(r.URL.Path, fmt.Sprintf("/d%d", n+1)))
	})
	defer srv.Close()

	sink := &memorySink{}
	runEngine(t, sink, WithSeeds(srv.URL+"/d0"), WithMaxDepth(3))

	for i := 0; i <= 3; i++ {
		if got := srv.hitCount(fmt.Sprintf("/d%d", i)); got != 1 {
			t.Errorf("hits[/d%d] = %d, want 1", i, got)
		}
	}
	if got := srv.hitCount("/d4"); got != 0 {
		t.Errorf("hits[/d4] = %d, want 0", got)
	}
	if got := sink.count(); got != 4 {
		t.Errorf("records = %d, want 4", got)
	}
}

// ===================== Budget Tests =====================

func TestEngine_PageBudget(t *testing.T) {
	// Every page links to three fresh children, so the frontier grows
	// without bound. The budget must stop the crawl at exactly MaxPages
	// fetches, and the run still counts as a completed crawl.
	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		base := strings.TrimPrefix(r.URL.Path, "/")
		serveHTML(w, linkPage(base, "/"+base+"a", "/"+base+"b", "/"+base+"c"))
	})
	defer srv.Close()

	sink := &memorySink{}
	eng := runEngine(t, sink,
		WithSeeds(srv.URL+"/r"),
		WithWorkers(4),
		WithMaxDepth(50),
		WithMaxPages(20),
	)

	if got := srv.pageHits(); got != 20 {
		t.Errorf("server hits = %d, want exactly 20", got)
	}
	if got := sink.count(); got != 20 {
		t.Errorf("records = %d, want 20", got)
	}
	if got := eng.Fetched(); got != 20 {
		t.Errorf("Fetched() = %d, want 20", got)
	}

	t.Run("single page budget", func(t *testing.T) {
		srv2 := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
			serveHTML(w, linkPage("x", "/next"))
		})
		defer srv2.Close()

		sink2 := &memorySink{}
		runEngine(t, sink2, WithSeeds(srv2.URL), WithMaxPages(1))

		if got := srv2.pageHits(); got != 1 {
			t.Errorf("server hits = %d, want 1", got)
		}
		if got := sink2.count(); got != 1 {
			t.Errorf("records = %d, want 1", got)
		}
	})
}

// ===================== Politeness Tests =====================

func TestEngine_PerHostSpacing(t *testing.T) {
	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			serveHTML(w, linkPage("root", "/a", "/b", "/c"))
		default:
			serveHTML(w, linkPage(r.URL.Path))
		}
	})
	defer srv.Close()

	// 20 requests per second means at least 50ms between requests to
	// the host, no matter how many workers are waiting on it.
	sink := &memorySink{}
	runEngine(t, sink,
		WithSeeds(srv.URL),
		WithWorkers(4),
		WithRateLimit(20),
	)

	times := srv.pageTimes()
	if len(times) != 4 {
		t.Fatalf("page requests = %d, want 4", len(times))
	}
	const minGap = 35 * time.Millisecond // 50ms nominal, with scheduling slack
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < minGap {
			t.Errorf("gap %d = %v, want >= %v", i, gap, minGap)
		}
	}
}

func TestEngine_RobotsDisallow(t *testing.T) {
	build := func() *trackingServer {
		return newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/robots.txt":
				w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			case "/":
				serveHTML(w, linkPage("root", "/public", "/private"))
			default:
				serveHTML(w, linkPage(r.URL.Path))
			}
		})
	}

	t.Run("respected", func(t *testing.T) {
		srv := build()
		defer srv.Close()

		sink := &memorySink{}
		runEngine(t, sink, WithSeeds(srv.URL), WithRespectRobots(true))

		if got := srv.hitCount("/private"); got != 0 {
			t.Errorf("hits[/private] = %d, want 0", got)
		}
		if got := srv.hitCount("/public"); got != 1 {
			t.Errorf("hits[/public] = %d, want 1", got)
		}

		kinds := sink.kindCounts()
		if kinds[string(fetch.KindSuccess)] != 2 {
			t.Errorf("success records = %d, want 2", kinds[string(fetch.KindSuccess)])
		}
		if kinds[string(fetch.KindRobotsDenied)] != 1 {
			t.Errorf("robots_denied records = %d, want 1", kinds[string(fetch.KindRobotsDenied)])
		}

		denied := sink.byURL()[srv.URL+"/private"]
		if denied == nil {
			t.Fatal("no record for the denied URL")
		}
		if denied.Error == "" {
			t.Error("denied record should carry an error")
		}
	})

	t.Run("ignored", func(t *testing.T) {
		srv := build()
		defer srv.Close()

		sink := &memorySink{}
		runEngine(t, sink, WithSeeds(srv.URL), WithRespectRobots(false))

		if got := srv.hitCount("/private"); got != 1 {
			t.Errorf("hits[/private] = %d, want 1", got)
		}
		if got := srv.hitCount("/robots.txt"); got != 0 {
			t.Errorf("hits[/robots.txt] = %d, want 0", got)
		}
		if got := sink.kindCounts()[string(fetch.KindSuccess)]; got != 3 {
			t.Errorf("success records = %d, want 3", got)
		}
	})
}

func TestEngine_RobotsUnavailableFallback(t *testing.T) {
	build := func() *trackingServer {
		return newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/robots.txt":
				http.Error(w, "boom", http.StatusInternalServerError)
			case "/":
				serveHTML(w, linkPage("root", "/a"))
			default:
				serveHTML(w, linkPage(r.URL.Path))
			}
		})
	}

	t.Run("allow", func(t *testing.T) {
		srv := build()
		defer srv.Close()

		sink := &memorySink{}
		runEngine(t, sink,
			WithSeeds(srv.URL),
			WithRespectRobots(true),
			WithRobotsFallback("allow"),
		)

		if got := srv.pageHits(); got != 2 {
			t.Errorf("page hits = %d, want 2", got)
		}
	})

	t.Run("deny", func(t *testing.T) {
		srv := build()
		defer srv.Close()

		sink := &memorySink{}
		runEngine(t, sink,
			WithSeeds(srv.URL),
			WithRespectRobots(true),
			WithRobotsFallback("deny"),
		)

		if got := srv.pageHits(); got != 0 {
			t.Errorf("page hits = %d, want 0", got)
		}
		if got := sink.kindCounts()[string(fetch.KindRobotsDenied)]; got != 1 {
			t.Errorf("robots_denied records = %d, want 1", got)
		}
	})
}

// ===================== Scope Tests =====================

func TestEngine_StaysOnSeedOrigin(t *testing.T) {
	other := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		serveHTML(w, linkPage("other"))
	})
	defer other.Close()

	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			serveHTML(w, linkPage("root", "/local", other.URL+"/external"))
		default:
			serveHTML(w, linkPage(r.URL.Path))
		}
	})
	defer srv.Close()

	sink := &memorySink{}
	eng := runEngine(t, sink, WithSeeds(srv.URL))

	if got := other.pageHits(); got != 0 {
		t.Errorf("external host hits = %d, want 0", got)
	}
	if got := srv.pageHits(); got != 2 {
		t.Errorf("seed host hits = %d, want 2", got)
	}
	if got := eng.MetricsSnapshot().ScopeRejected; got == 0 {
		t.Error("expected the external link to count as scope rejected")
	}
}

func TestEngine_AllowedDomainWidensScope(t *testing.T) {
	other := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		serveHTML(w, linkPage("other"))
	})
	defer other.Close()

	otherHost := strings.TrimPrefix(other.URL, "http://")

	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		serveHTML(w, linkPage("root", other.URL+"/external"))
	})
	defer srv.Close()

	sink := &memorySink{}
	runEngine(t, sink, WithSeeds(srv.URL), WithAllowedDomains(otherHost))

	if got := other.hitCount("/external"); got != 1 {
		t.Errorf("allowed external hits = %d, want 1", got)
	}
}

func TestEngine_ExcludePatterns(t *testing.T) {
	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			serveHTML(w, linkPage("root", "/keep", "/admin/panel"))
		default:
			serveHTML(w, linkPage(r.URL.Path))
		}
	})
	defer srv.Close()

	sink := &memorySink{}
	runEngine(t, sink, WithSeeds(srv.URL), WithExcludePatterns(`/admin/`))

	if got := srv.hitCount("/admin/panel"); got != 0 {
		t.Errorf("hits[/admin/panel] = %d, want 0", got)
	}
	if got := srv.hitCount("/keep"); got != 1 {
		t.Errorf("hits[/keep] = %d, want 1", got)
	}
}

func TestEngine_DefaultExcludes(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			serveHTML(w, linkPage("root", "/page", "/logout"))
		default:
			serveHTML(w, linkPage(r.URL.Path))
		}
	}

	t.Run("enabled by default", func(t *testing.T) {
		srv := newTrackingServer(handler)
		defer srv.Close()

		sink := &memorySink{}
		runEngine(t, sink, WithSeeds(srv.URL))

		if got := srv.hitCount("/logout"); got != 0 {
			t.Errorf("hits[/logout] = %d, want 0", got)
		}
		if got := srv.hitCount("/page"); got != 1 {
			t.Errorf("hits[/page] = %d, want 1", got)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		srv := newTrackingServer(handler)
		defer srv.Close()

		sink := &memorySink{}
		runEngine(t, sink, WithSeeds(srv.URL), WithDefaultExcludes(false))

		if got := srv.hitCount("/logout"); got != 1 {
			t.Errorf("hits[/logout] = %d, want 1", got)
		}
	})
}

// ===================== Retry Tests =====================

func TestEngine_RetriesServerErrors(t *testing.T) {
	// Three 503s then a 200: the engine retries with growing backoff and
	// the crawl ends with a single success record for the URL.
	var calls atomic.Int32
	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		serveHTML(w, linkPage("finally"))
	})
	defer srv.Close()

	sink := &memorySink{}
	eng := runEngine(t, sink,
		WithSeeds(srv.URL),
		WithRetry(RetryConfig{MaxRetries: 3, InitialDelay: 30 * time.Millisecond, MaxDelay: 2 * time.Second}),
	)

	if got := srv.hitCount("/"); got != 4 {
		t.Fatalf("attempts = %d, want 4", got)
	}
	if got := sink.count(); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
	rec := sink.all()[0]
	if rec.Kind != string(fetch.KindSuccess) {
		t.Errorf("Kind = %q, want success", rec.Kind)
	}
	if got := eng.MetricsSnapshot().RetriesTotal; got != 3 {
		t.Errorf("retries = %d, want 3", got)
	}

	// Backoff grows: with a 30ms initial delay the nominal waits are
	// 30, 60 and 120ms. Jitter keeps the bands apart, so the gaps
	// between attempts must not shrink.
	times := srv.pathTimes("/")
	if len(times) != 4 {
		t.Fatalf("timestamps = %d, want 4", len(times))
	}
	const slack = 10 * time.Millisecond
	var prev time.Duration
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		if gap < 15*time.Millisecond {
			t.Errorf("gap %d = %v, want >= 15ms", i, gap)
		}
		if gap+slack < prev {
			t.Errorf("gap %d = %v shrank below previous %v", i, gap, prev)
		}
		prev = gap
	}
}

func TestEngine_NoRetryOnClientError(t *testing.T) {
	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	defer srv.Close()

	sink := &memorySink{}
	runEngine(t, sink,
		WithSeeds(srv.URL),
		WithRetry(RetryConfig{MaxRetries: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second}),
	)

	if got := srv.hitCount("/"); got != 1 {
		t.Errorf("attempts = %d, want 1 (404 is not retryable)", got)
	}
	if got := sink.count(); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
	rec := sink.all()[0]
	if rec.Kind != string(fetch.KindHTTPError) {
		t.Errorf("Kind = %q, want http_error", rec.Kind)
	}
	if rec.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", rec.Status)
	}
	if rec.Error == "" {
		t.Error("record should carry the fetch error")
	}
}

func TestEngine_HonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		serveHTML(w, linkPage("ok"))
	})
	defer srv.Close()

	sink := &memorySink{}
	runEngine(t, sink,
		WithSeeds(srv.URL),
		WithRetry(RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Second}),
	)

	times := srv.pathTimes("/")
	if len(times) != 2 {
		t.Fatalf("attempts = %d, want 2", len(times))
	}
	// The server asked for 1s; the 1ms backoff must not win.
	if gap := times[1].Sub(times[0]); gap < 900*time.Millisecond {
		t.Errorf("gap = %v, want >= 900ms from Retry-After", gap)
	}
	if got := sink.kindCounts()[string(fetch.KindSuccess)]; got != 1 {
		t.Errorf("success records = %d, want 1", got)
	}
}

// ===================== Degradation Tests =====================

func TestEngine_ProcessorFailureDegrades(t *testing.T) {
	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		serveHTML(w, linkPage("root", "/a", "/b"))
	})
	defer srv.Close()

	sink := &memorySink{}
	eng := newTestEngine(t, sink,
		WithSeeds(srv.URL),
		WithProcessor(failingProcessor{}),
	)

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v, processor failures must not abort the crawl", err)
	}

	// No links were extracted, so only the seed is fetched, but the
	// fetch itself is still recorded as a success.
	if got := sink.count(); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
	rec := sink.all()[0]
	if rec.Kind != string(fetch.KindSuccess) {
		t.Errorf("Kind = %q, want success", rec.Kind)
	}
	if rec.Title != "" {
		t.Errorf("Title = %q, want empty when processing failed", rec.Title)
	}
	if rec.NumLinks != 0 {
		t.Errorf("NumLinks = %d, want 0", rec.NumLinks)
	}
}

// ===================== Cancellation Tests =====================

func TestEngine_StopDuringBackoff(t *testing.T) {
	firstHit := make(chan struct{})
	var once sync.Once
	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(firstHit) })
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	defer srv.Close()

	sink := &memorySink{}
	eng := newTestEngine(t, sink,
		WithSeeds(srv.URL),
		WithRetry(RetryConfig{MaxRetries: 5, InitialDelay: 10 * time.Second, MaxDelay: time.Minute}),
	)

	runErr := make(chan error, 1)
	go func() {
		runErr <- eng.Run(context.Background())
	}()

	select {
	case <-firstHit:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the first attempt")
	}

	// The worker is now sleeping out a 10s backoff. Stop must cut the
	// sleep short, not wait for it.
	stopped := time.Now()
	eng.Stop()

	select {
	case err := <-runErr:
		if elapsed := time.Since(stopped); elapsed > 3*time.Second {
			t.Errorf("Run returned %v after Stop, want prompt cancellation", elapsed)
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestEngine_ParentContextCancellation(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(release) })
		serveHTML(w, linkPage(r.URL.Path, "/"+strings.TrimPrefix(r.URL.Path, "/")+"x"))
	})
	defer srv.Close()

	sink := &memorySink{}
	eng := newTestEngine(t, sink, WithSeeds(srv.URL), WithRateLimit(5))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- eng.Run(ctx)
	}()

	<-release
	cancel()

	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestEngine_RunTwiceSequentially(t *testing.T) {
	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		serveHTML(w, linkPage("again"))
	})
	defer srv.Close()

	sink := &memorySink{}
	eng := newTestEngine(t, sink, WithSeeds(srv.URL), WithMaxPages(5))

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	// A fresh run starts with a fresh budget and visited set.
	if got := srv.hitCount("/"); got != 2 {
		t.Errorf("hits = %d, want 2 across two runs", got)
	}
}

// ===================== Resume Tests =====================

func TestEngine_ResumeFromSnapshot(t *testing.T) {
	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		serveHTML(w, linkPage(r.URL.Path))
	})
	defer srv.Close()

	writeSnapshot := func(t *testing.T, path string, fetched int64) {
		t.Helper()
		store, err := state.NewStore(path)
		if err != nil {
			t.Fatalf("NewStore() error = %v", err)
		}
		defer store.Close()
		err = store.Save(&state.Snapshot{
			Seeds:     []string{srv.URL + "/"},
			StartedAt: time.Now().Add(-time.Minute),
			Fetched:   fetched,
			Pending: []state.QueuedURL{
				{URL: srv.URL + "/c", Depth: 1, Parent: srv.URL + "/"},
				{URL: srv.URL + "/d", Depth: 1, Parent: srv.URL + "/"},
			},
			Visited: []string{srv.URL + "/", srv.URL + "/b", srv.URL + "/c", srv.URL + "/d"},
		})
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	t.Run("pending fetched, visited skipped", func(t *testing.T) {
		statePath := filepath.Join(t.TempDir(), "crawl.json")
		writeSnapshot(t, statePath, 2)

		sink := &memorySink{}
		eng := runEngine(t, sink,
			WithSeeds(srv.URL),
			WithWorkers(1),
			WithStateFile(statePath),
			WithResume(true),
		)

		if got := srv.hitCount("/"); got != 0 {
			t.Errorf("hits[/] = %d, want 0 (already visited)", got)
		}
		if got := srv.hitCount("/b"); got != 0 {
			t.Errorf("hits[/b] = %d, want 0 (already visited)", got)
		}
		if got := srv.hitCount("/c"); got != 1 {
			t.Errorf("hits[/c] = %d, want 1", got)
		}
		if got := srv.hitCount("/d"); got != 1 {
			t.Errorf("hits[/d] = %d, want 1", got)
		}
		if got := sink.count(); got != 2 {
			t.Errorf("records = %d, want 2", got)
		}
		// Restored progress plus the two resumed fetches.
		if got := eng.Fetched(); got != 4 {
			t.Errorf("Fetched() = %d, want 4", got)
		}
	})

	t.Run("budget counts restored progress", func(t *testing.T) {
		srvB := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
			serveHTML(w, linkPage(r.URL.Path))
		})
		defer srvB.Close()

		statePath := filepath.Join(t.TempDir(), "crawl.json")
		store, err := state.NewStore(statePath)
		if err != nil {
			t.Fatalf("NewStore() error = %v", err)
		}
		err = store.Save(&state.Snapshot{
			Seeds:   []string{srvB.URL + "/"},
			Fetched: 2,
			Pending: []state.QueuedURL{
				{URL: srvB.URL + "/c", Depth: 1},
				{URL: srvB.URL + "/d", Depth: 1},
			},
			Visited: []string{srvB.URL + "/", srvB.URL + "/b", srvB.URL + "/c", srvB.URL + "/d"},
		})
		store.Close()
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		sink := &memorySink{}
		runEngine(t, sink,
			WithSeeds(srvB.URL),
			WithWorkers(1),
			WithMaxPages(3),
			WithStateFile(statePath),
			WithResume(true),
		)

		// Two of three budget slots were consumed before the restart, so
		// only the first pending target is fetched.
		if got := srvB.pageHits(); got != 1 {
			t.Errorf("page hits = %d, want 1", got)
		}
		if got := srvB.hitCount("/c"); got != 1 {
			t.Errorf("hits[/c] = %d, want 1 (FIFO head)", got)
		}
	})
}

func TestEngine_CancelThenResume(t *testing.T) {
	// Pages form a deterministic tree keyed by path, so a path is the
	// same page in both runs. After a cancel mid-crawl and a resumed
	// run, no page may be fetched more than once overall.
	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		base := strings.TrimPrefix(r.URL.Path, "/")
		serveHTML(w, linkPage(base, "/"+base+"a", "/"+base+"b", "/"+base+"c"))
	})
	defer srv.Close()

	statePath := filepath.Join(t.TempDir(), "crawl.json")

	sink1 := &memorySink{}
	eng1 := newTestEngine(t, sink1,
		WithSeeds(srv.URL+"/g"),
		WithWorkers(2),
		WithMaxDepth(50),
		WithMaxPages(60),
		WithRateLimit(50),
		WithStateFile(statePath),
	)

	runErr := make(chan error, 1)
	go func() {
		runErr <- eng1.Run(context.Background())
	}()

	time.Sleep(150 * time.Millisecond)
	eng1.Stop()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("first Run() error = %v, want context.Canceled", err)
	}

	store, err := state.NewStore(statePath)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	snap, err := store.Load()
	store.Close()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if snap == nil {
		t.Fatal("no snapshot saved after cancellation")
	}
	if len(snap.Visited) == 0 {
		t.Error("snapshot has no visited URLs")
	}

	sink2 := &memorySink{}
	runEngine(t, sink2,
		WithSeeds(srv.URL+"/g"),
		WithWorkers(2),
		WithMaxDepth(50),
		WithMaxPages(60),
		WithStateFile(statePath),
		WithResume(true),
	)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	for path, n := range srv.hits {
		if n > 1 {
			t.Errorf("hits[%s] = %d, want at most 1 across both runs", path, n)
		}
	}
}

// ===================== Sitemap Tests =====================

func TestEngine_SitemapSeeding(t *testing.T) {
	sitemap := func(urls ...string) string {
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
		b.WriteString(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
		for _, u := range urls {
			b.WriteString("<url><loc>")
			b.WriteString(u)
			b.WriteString("</loc></url>")
		}
		b.WriteString("</urlset>")
		return b.String()
	}

	t.Run("declared in robots", func(t *testing.T) {
		var srv *trackingServer
		srv = newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/robots.txt":
				fmt.Fprintf(w, "User-agent: *\nAllow: /\nSitemap: %s/urls.xml\n", srv.URL)
			case "/urls.xml":
				w.Header().Set("Content-Type", "application/xml")
				w.Write([]byte(sitemap(srv.URL + "/orphan")))
			default:
				serveHTML(w, linkPage(r.URL.Path))
			}
		})
		defer srv.Close()

		sink := &memorySink{}
		runEngine(t, sink,
			WithSeeds(srv.URL),
			WithRespectRobots(true),
			WithSitemaps(true),
		)

		if got := srv.hitCount("/urls.xml"); got != 1 {
			t.Errorf("hits[/urls.xml] = %d, want 1", got)
		}
		if got := srv.hitCount("/orphan"); got != 1 {
			t.Errorf("hits[/orphan] = %d, want 1", got)
		}
		rec := sink.byURL()[srv.URL+"/orphan"]
		if rec == nil {
			t.Fatal("no record for the sitemap URL")
		}
		if rec.Depth != 0 {
			t.Errorf("sitemap URL depth = %d, want 0", rec.Depth)
		}
	})

	t.Run("conventional location probed", func(t *testing.T) {
		var srv *trackingServer
		srv = newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/robots.txt":
				http.NotFound(w, r)
			case "/sitemap.xml":
				w.Header().Set("Content-Type", "application/xml")
				w.Write([]byte(sitemap(srv.URL + "/hidden")))
			default:
				serveHTML(w, linkPage(r.URL.Path))
			}
		})
		defer srv.Close()

		sink := &memorySink{}
		runEngine(t, sink,
			WithSeeds(srv.URL),
			WithRespectRobots(true),
			WithSitemaps(true),
		)

		if got := srv.hitCount("/sitemap.xml"); got != 1 {
			t.Errorf("hits[/sitemap.xml] = %d, want 1", got)
		}
		if got := srv.hitCount("/hidden"); got != 1 {
			t.Errorf("hits[/hidden] = %d, want 1", got)
		}
	})
}

// ===================== Concurrency Stress Tests =====================

func TestEngine_ManyURLsFetchedExactlyOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	// 1000 pages plus the index, crawled by 8 workers. Cross links from
	// every page keep constant duplicate pressure on the frontier, and
	// still every page is fetched exactly once.
	const pages = 1000

	srv := newTrackingServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			var b strings.Builder
			b.WriteString("<html><head><title>index</title></head><body>")
			for i := 0; i < pages; i++ {
				fmt.Fprintf(&b, `<a href="/p/%d">p</a>`, i)
			}
			b.WriteString("</body></html>")
			serveHTML(w, b.String())
			return
		}
		var n int
		fmt.Sscanf(r.URL.Path, "/p/%d", &n)
		serveHTML(w, linkPage(r.URL.Path, fmt.Sprintf("/p/%d", (n+1)%pages), "/"))
	})
	defer srv.Close()

	sink := &memorySink{}
	eng := runEngine(t, sink,
		WithSeeds(srv.URL),
		WithWorkers(8),
		WithMaxDepth(10),
		WithMaxPages(pages+100),
		WithRateLimit(50000),
	)

	for i := 0; i < pages; i++ {
		path := fmt.Sprintf("/p/%d", i)
		if got := srv.hitCount(path); got != 1 {
			t.Fatalf("hits[%s] = %d, want 1", path, got)
		}
	}
	if got := srv.hitCount("/"); got != 1 {
		t.Errorf("hits[/] = %d, want 1", got)
	}
	if got := sink.count(); got != pages+1 {
		t.Errorf("records = %d, want %d", got, pages+1)
	}
	if got := eng.Fetched(); got != pages+1 {
		t.Errorf("Fetched() = %d, want %d", got, pages+1)
	}

	snap := eng.MetricsSnapshot()
	if snap.PagesCrawled != pages+1 {
		t.Errorf("PagesCrawled = %d, want %d", snap.PagesCrawled, pages+1)
	}
	if snap.Duplicates == 0 {
		t.Error("expected duplicate links under cross linking")
	}
}
