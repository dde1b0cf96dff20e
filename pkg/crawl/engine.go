// Package crawl implements a polite, bounded web crawler. An Engine
// pulls URLs from a deduplicating FIFO frontier, spaces requests per
// host through a robots.txt-aware politeness gate, fetches with retry,
// extracts links and page summaries, and streams one record per fetched
// URL to a pluggable sink.
package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pagewalk/pagewalk/internal/browser"
	"github.com/pagewalk/pagewalk/internal/errors"
	"github.com/pagewalk/pagewalk/internal/fetch"
	"github.com/pagewalk/pagewalk/internal/frontier"
	"github.com/pagewalk/pagewalk/internal/logger"
	"github.com/pagewalk/pagewalk/internal/metrics"
	"github.com/pagewalk/pagewalk/internal/output"
	"github.com/pagewalk/pagewalk/internal/parser"
	"github.com/pagewalk/pagewalk/internal/politeness"
	"github.com/pagewalk/pagewalk/internal/progress"
	"github.com/pagewalk/pagewalk/internal/scope"
	"github.com/pagewalk/pagewalk/internal/state"
)

// Engine is the crawl orchestrator. It owns the frontier, the
// politeness gate, the fetcher and the record pipeline, and runs the
// worker pool that drives URLs through them.
type Engine struct {
	config     *Config
	log        *logger.Logger
	metrics    *metrics.Collector
	scope      *scope.Checker
	frontier   *frontier.Frontier
	gate       *politeness.Gate
	fetcher    fetch.Fetcher
	retrier    *errors.Retrier
	processor  parser.Processor
	sink       output.Sink
	dispatcher *output.Dispatcher
	state      *state.Manager

	progress     *progress.Display
	showProgress bool

	seeds []string // normalized seed URLs, set by initialize

	reserved atomic.Int64 // budget slots handed out; never exceeds MaxPages
	fetched  atomic.Int64 // fetches completed
	active   atomic.Int64 // workers currently processing a target

	mu        sync.Mutex
	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// New creates an engine with the given options.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		config: DefaultConfig(),
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := e.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if e.log == nil {
		logLevel := logger.InfoLevel
		if e.config.Debug {
			logLevel = logger.DebugLevel
		} else if !e.config.Verbose {
			logLevel = logger.WarnLevel
		}
		e.log = logger.New(logger.Config{
			Level:     logLevel,
			Pretty:    true,
			Component: "engine",
		})
	}

	if e.metrics == nil {
		e.metrics = metrics.New()
	}

	return e, nil
}

// initialize sets up all crawl components.
func (e *Engine) initialize() error {
	cfg := e.config

	e.reserved.Store(0)
	e.fetched.Store(0)

	seeds := make([]string, 0, len(cfg.Seeds))
	for _, seed := range cfg.Seeds {
		norm, err := scope.Normalize(seed, "")
		if err != nil {
			return fmt.Errorf("invalid seed %q: %w", seed, err)
		}
		if !scope.IsFetchable(norm) {
			return fmt.Errorf("seed %q is not a fetchable http(s) URL", seed)
		}
		seeds = append(seeds, norm)
	}
	e.seeds = seeds

	excludes := cfg.Scope.ExcludePatterns
	if cfg.Scope.DefaultExcludes {
		excludes = append(append([]string(nil), excludes...), scope.DefaultExcludePatterns...)
	}
	checker, err := scope.NewChecker(seeds, scope.Rules{
		AllowedDomains:  cfg.Scope.AllowedDomains,
		IncludePatterns: cfg.Scope.IncludePatterns,
		ExcludePatterns: excludes,
		FollowExternal:  cfg.Scope.FollowExternal,
	})
	if err != nil {
		return fmt.Errorf("failed to create scope checker: %w", err)
	}
	e.scope = checker

	e.frontier = frontier.New(cfg.MaxDepth, cfg.MaxPages*10)

	fallback, err := politeness.ParseFallbackPolicy(cfg.RateLimit.RobotsFallback)
	if err != nil {
		return err
	}
	e.gate = politeness.New(politeness.Config{
		UserAgent:      cfg.UserAgent,
		PerHostRPS:     cfg.RateLimit.PerHostRPS,
		RespectRobots:  cfg.RateLimit.RespectRobots,
		Fallback:       fallback,
		FetchTimeout:   cfg.Timeout,
		BreakerEnabled: cfg.RateLimit.Breaker,
		Breaker:        errors.DefaultBreakerConfig(),
	}, nil, e.log)

	retryCfg := errors.DefaultRetryConfig()
	retryCfg.MaxRetries = cfg.Retry.MaxRetries
	if cfg.Retry.InitialDelay > 0 {
		retryCfg.InitialDelay = cfg.Retry.InitialDelay
	}
	if cfg.Retry.MaxDelay > 0 {
		retryCfg.MaxDelay = cfg.Retry.MaxDelay
	}
	retryCfg.OnRetry = func(url string, attempt int, err error, delay time.Duration) {
		e.metrics.RecordRetry()
		e.log.RetryEvent(url, attempt, delay, err)
	}
	e.retrier = errors.NewRetrier(retryCfg)

	if e.processor == nil {
		e.processor = parser.NewHTMLProcessor()
	}

	if e.fetcher == nil {
		if cfg.Render == RenderBrowser {
			bcfg := browser.DefaultConfig()
			bcfg.PoolSize = cfg.Browser.PoolSize
			bcfg.Headless = cfg.Browser.Headless
			if cfg.Browser.Timeout > 0 {
				bcfg.Timeout = cfg.Browser.Timeout
			}
			bcfg.UserAgent = cfg.UserAgent
			renderer, err := browser.NewRenderer(bcfg, cfg.Headers, e.log)
			if err != nil {
				e.log.WithError(err).Warn("Browser launch failed, falling back to plain HTTP")
			} else {
				e.fetcher = renderer
			}
		}
		if e.fetcher == nil {
			ccfg := fetch.DefaultClientConfig()
			ccfg.Timeout = cfg.Timeout
			ccfg.UserAgent = cfg.UserAgent
			ccfg.Headers = cfg.Headers
			e.fetcher = fetch.NewClient(ccfg)
		}
	}

	if e.sink == nil {
		sink, err := output.NewSink(output.Config{
			Format: cfg.Sink.Format,
			Path:   cfg.Sink.Path,
		})
		if err != nil {
			e.fetcher.Close()
			return fmt.Errorf("failed to create sink: %w", err)
		}
		e.sink = sink
	}
	e.dispatcher = output.NewDispatcher(e.sink, cfg.Sink.Buffer, e.log)

	if cfg.State.File != "" {
		store, err := state.NewStore(cfg.State.File)
		if err != nil {
			e.fetcher.Close()
			e.dispatcher.Close()
			return fmt.Errorf("failed to open state store: %w", err)
		}
		e.state = state.NewManager(store, e.log)
	}

	return nil
}

// Run executes the crawl until the frontier is exhausted, the page
// budget is spent, or ctx is cancelled. It is the only blocking entry
// point; the returned error is nil for a completed crawl and non-nil
// only for startup failures and cancellation.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine is already running")
	}
	defer e.running.Store(false)

	e.mu.Lock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	runCtx := e.ctx
	e.startTime = time.Now()
	e.mu.Unlock()
	defer e.cancel()

	if err := e.initialize(); err != nil {
		return err
	}
	defer e.cleanup()

	if e.showProgress {
		e.progress = progress.New(e.config.MaxPages)
		e.progress.Start(e.seeds[0])
		defer func() {
			e.progress.Stop()
			e.progress.PrintSummary()
		}()
	}

	if err := e.seed(runCtx); err != nil {
		return err
	}

	if e.state != nil && e.config.State.AutoSave && e.config.State.Interval > 0 {
		e.state.StartAutoSave(time.Duration(e.config.State.Interval)*time.Second, e.snapshot)
	}

	g, gctx := errgroup.WithContext(runCtx)

	// Unblock Pop-parked workers when the run is cancelled. The frontier
	// keeps queued targets on Close so the final snapshot can save them.
	go func() {
		<-gctx.Done()
		e.frontier.Close()
	}()
	go e.reportLoop(gctx)

	for i := 0; i < e.config.Workers; i++ {
		id := i
		g.Go(func() error {
			return e.worker(gctx, id)
		})
	}

	err := g.Wait()

	if e.state != nil {
		e.state.StopAutoSave()
		if serr := e.state.Save(e.snapshot()); serr != nil {
			e.log.WithError(serr).Warn("Failed to save crawl state")
		}
	}

	if cerr := e.dispatcher.Close(); cerr != nil {
		e.log.WithError(cerr).Warn("Failed to close sink")
	}

	e.logSummary()

	if err != nil {
		return err
	}
	return runCtx.Err()
}

// seed fills the frontier: either restored pending work when resuming,
// or the configured seeds at depth 0, optionally expanded with
// robots-declared sitemaps.
func (e *Engine) seed(ctx context.Context) error {
	if e.config.State.Resume && e.state != nil {
		snap, err := e.state.Load()
		if err != nil {
			return fmt.Errorf("failed to load crawl state: %w", err)
		}
		if snap != nil {
			e.restore(snap)
			return nil
		}
		e.log.Info("No saved state found, starting fresh")
	}

	for _, seed := range e.seeds {
		e.frontier.Push(frontier.Target{URL: seed, Depth: 0})
	}

	if e.config.Sitemaps {
		e.expandSitemaps(ctx)
	}
	return nil
}

// restore loads a snapshot into the frontier. Pending targets are
// pushed before the visited set is marked: Push marks its own URL, and
// a pending URL also appears in Visited from the run that queued it.
func (e *Engine) restore(snap *state.Snapshot) {
	queued := 0
	for _, p := range snap.Pending {
		if e.frontier.Push(frontier.Target{URL: p.URL, Depth: p.Depth, Parent: p.Parent}) {
			queued++
		}
	}
	for _, visited := range snap.Visited {
		e.frontier.MarkSeen(visited)
	}
	e.reserved.Store(snap.Fetched)
	e.fetched.Store(snap.Fetched)

	e.log.WithFields(map[string]interface{}{
		"visited": len(snap.Visited),
		"queued":  queued,
		"fetched": snap.Fetched,
	}).Info("Resumed crawl state")
}

// expandSitemaps seeds URLs listed in the seed hosts' sitemaps. Robots
// is resolved first so declared sitemaps are known; hosts that declare
// none are probed at the conventional /sitemap.xml location.
func (e *Engine) expandSitemaps(ctx context.Context) {
	hosts := make(map[string]string)
	for _, seed := range e.seeds {
		h, err := scope.Host(seed)
		if err != nil {
			continue
		}
		if _, ok := hosts[h]; !ok {
			hosts[h] = seed
		}
	}

	var sitemapURLs []string
	for host, seed := range hosts {
		if err := e.gate.Prepare(ctx, seed); err != nil {
			return
		}
		urls := e.gate.Sitemaps(host)
		if len(urls) == 0 {
			if u, err := url.Parse(seed); err == nil {
				urls = []string{u.Scheme + "://" + u.Host + "/sitemap.xml"}
			}
		}
		sitemapURLs = append(sitemapURLs, urls...)
	}
	if len(sitemapURLs) == 0 {
		return
	}

	// Sitemaps are plain XML; fetch them over HTTP even when pages render
	// in a browser.
	fetcher := e.fetcher
	if e.config.Render == RenderBrowser {
		ccfg := fetch.DefaultClientConfig()
		ccfg.Timeout = e.config.Timeout
		ccfg.UserAgent = e.config.UserAgent
		client := fetch.NewClient(ccfg)
		defer client.Close()
		fetcher = client
	}

	pages := parser.FetchSitemaps(ctx, fetcher, sitemapURLs, e.config.MaxPages)
	enqueued := 0
	for _, page := range pages {
		if e.enqueue(page, 0, "") {
			enqueued++
		}
	}
	if enqueued > 0 {
		e.log.WithField("urls", enqueued).Info("Seeded sitemap URLs")
	}
}

// worker pulls targets off the frontier until it closes. The frontier
// closes itself when every pushed target is done, which is the crawl's
// terminal state; cancellation closes it early via Run.
func (e *Engine) worker(ctx context.Context, id int) error {
	log := e.log.WithWorker(id)

	for {
		target, ok := e.frontier.Pop()
		if !ok {
			return nil
		}

		if err := ctx.Err(); err != nil {
			e.frontier.Done()
			return err
		}

		if !e.reserve() {
			// Budget spent: this target and everything still queued will
			// never be fetched.
			e.frontier.Done()
			e.frontier.Drain()
			continue
		}

		e.crawlOne(ctx, target, log)
		e.frontier.Done()
	}
}

// reserve takes one slot of the page budget. Reservation happens before
// the fetch starts, so at most MaxPages fetches are ever attempted.
func (e *Engine) reserve() bool {
	max := int64(e.config.MaxPages)
	if max <= 0 {
		return true
	}
	for {
		cur := e.reserved.Load()
		if cur >= max {
			return false
		}
		if e.reserved.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// crawlOne drives a single target through fetch, processing, link
// discovery and record emission. Failures of any stage degrade to a
// record describing them; nothing here aborts the crawl.
func (e *Engine) crawlOne(ctx context.Context, target frontier.Target, log *logger.Logger) {
	e.metrics.SetActiveWorkers(e.active.Add(1))
	defer func() {
		e.metrics.SetActiveWorkers(e.active.Add(-1))
	}()

	result := e.fetchWithRetry(ctx, target.URL)
	e.fetched.Add(1)

	e.metrics.RecordFetch(string(result.Kind))
	e.metrics.RecordResponseTime(result.Elapsed)
	if result.StatusCode > 0 {
		e.metrics.RecordStatusCode(result.StatusCode)
	}
	if len(result.Body) > 0 {
		e.metrics.RecordBytes(int64(len(result.Body)))
	}

	var page *parser.Page
	if result.OK() {
		p, err := e.processor.Process(ctx, result)
		if err != nil {
			log.WithURL(target.URL).WithError(err).Warn("Processing failed, continuing without links")
		} else {
			page = p
		}
	}

	if page != nil && len(page.Links) > 0 {
		e.metrics.RecordLinksDiscovered(int64(len(page.Links)))
		for _, link := range page.Links {
			e.enqueue(link, target.Depth+1, target.URL)
		}
	}
	e.metrics.SetQueueDepth(int64(e.frontier.Len()))

	log.FetchEvent(target.URL, target.Depth, result.StatusCode, result.Elapsed)
	if result.Err != nil {
		log.WithURL(target.URL).WithDepth(target.Depth).WithError(result.Err).Debug("Fetch did not succeed")
	}

	e.dispatcher.Submit(e.buildRecord(target, result, page))
}

// fetchWithRetry runs the politeness gate and the fetcher under the
// retry policy. The gate sits inside the attempt so host spacing also
// separates retries. The return value is always usable: exhausted
// retries and robots denials come back as failed Results, not errors.
func (e *Engine) fetchWithRetry(ctx context.Context, rawURL string) *fetch.Result {
	host, _ := scope.Host(rawURL)

	var result *fetch.Result
	res := e.retrier.Do(ctx, "fetch", rawURL, func(ctx context.Context) error {
		if err := e.gate.Wait(ctx, rawURL); err != nil {
			e.metrics.RecordError(errors.GetErrorType(err).String())
			return err
		}
		e.metrics.RecordRequest()
		r, err := e.fetcher.Fetch(ctx, rawURL)
		if r != nil {
			result = r
		}
		if err != nil {
			e.metrics.RecordError(errors.GetErrorType(err).String())
		}
		e.gate.RecordResult(host, err == nil || transportOK(err))
		return err
	})

	if res.Success {
		return result
	}
	if result == nil || result.Err == nil {
		// The gate denied the URL or the wait was cancelled; no request
		// was made.
		err := res.LastError
		result = &fetch.Result{
			URL:  rawURL,
			Kind: fetch.Classify(err),
			Err:  err,
		}
	}
	return result
}

// transportOK reports whether the host answered at the transport level.
func transportOK(err error) bool {
	switch errors.GetErrorType(err) {
	case errors.Network, errors.Timeout:
		return false
	}
	return true
}

// enqueue normalizes, scope-checks and pushes one discovered URL.
func (e *Engine) enqueue(link string, depth int, parent string) bool {
	norm, err := scope.Normalize(link, "")
	if err != nil || !scope.IsFetchable(norm) {
		return false
	}
	if !e.scope.InScope(norm) {
		e.metrics.RecordScopeRejected()
		return false
	}
	if !e.frontier.Push(frontier.Target{URL: norm, Depth: depth, Parent: parent}) {
		e.metrics.RecordDuplicate()
		return false
	}
	e.metrics.RecordLinkEnqueued()
	return true
}

// buildRecord flattens a crawl outcome into the sink record. Failed and
// robots-denied fetches produce records too.
func (e *Engine) buildRecord(target frontier.Target, result *fetch.Result, page *parser.Page) *output.Record {
	rec := &output.Record{
		URL:         target.URL,
		FinalURL:    result.FinalURL,
		Depth:       target.Depth,
		Parent:      target.Parent,
		Kind:        string(result.Kind),
		Status:      result.StatusCode,
		ContentType: result.ContentType,
		ElapsedMS:   result.Elapsed.Milliseconds(),
		FetchedAt:   time.Now().UTC(),
	}
	if page != nil {
		rec.Title = page.Title
		rec.MetaDescription = page.MetaDescription
		rec.TextExcerpt = page.Excerpt
		rec.NumLinks = page.NumLinks
	}
	if result.Err != nil {
		rec.Error = result.Err.Error()
	}
	return rec
}

// reportLoop keeps gauges and the progress display current while the
// crawl runs.
func (e *Engine) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ticks++
			e.metrics.SetQueueDepth(int64(e.frontier.Len()))
			if r, ok := e.fetcher.(*browser.Renderer); ok {
				stats := r.Stats()
				e.metrics.SetBrowserPoolStats(int64(stats.Size), int64(stats.Size-stats.Available))
			}
			snap := e.metrics.Snapshot()
			if e.progress != nil {
				e.progress.Update(snap)
			}
			if e.config.Verbose && ticks%20 == 0 {
				e.log.StatsEvent(snap.Summary())
			}
		}
	}
}

// snapshot captures resumable crawl state.
func (e *Engine) snapshot() *state.Snapshot {
	pending := e.frontier.Pending()
	queued := make([]state.QueuedURL, 0, len(pending))
	for _, t := range pending {
		queued = append(queued, state.QueuedURL{URL: t.URL, Depth: t.Depth, Parent: t.Parent})
	}

	cfgJSON, _ := json.Marshal(e.config)

	return &state.Snapshot{
		Seeds:     e.seeds,
		StartedAt: e.startTime,
		Fetched:   e.fetched.Load(),
		Config:    cfgJSON,
		Pending:   queued,
		Visited:   e.frontier.VisitedURLs(),
	}
}

// SaveState writes the current crawl state to the configured store.
func (e *Engine) SaveState() error {
	if e.state == nil {
		return fmt.Errorf("state persistence is not configured")
	}
	return e.state.Save(e.snapshot())
}

func (e *Engine) logSummary() {
	snap := e.metrics.Snapshot()
	e.log.WithFields(map[string]interface{}{
		"pages":   e.fetched.Load(),
		"success": snap.SuccessCount(),
		"links":   snap.LinksDiscovered,
		"written": e.dispatcher.Written(),
		"elapsed": time.Since(e.startTime).Round(time.Millisecond).String(),
	}).Info("Crawl finished")
}

// cleanup releases fetcher and state resources. The sink is closed by
// the dispatcher.
func (e *Engine) cleanup() {
	if e.fetcher != nil {
		if err := e.fetcher.Close(); err != nil {
			e.log.WithError(err).Debug("Failed to close fetcher")
		}
	}
	if e.state != nil {
		if err := e.state.Close(); err != nil {
			e.log.WithError(err).Debug("Failed to close state store")
		}
	}
}

// Stop cancels a running crawl. In-flight fetches abort with their
// contexts; Run still saves state and flushes the sink before
// returning.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// IsRunning reports whether Run is currently executing.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Fetched returns the number of completed fetches.
func (e *Engine) Fetched() int64 {
	return e.fetched.Load()
}

// Metrics returns the engine's metrics collector.
func (e *Engine) Metrics() *metrics.Collector {
	return e.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of all metrics.
func (e *Engine) MetricsSnapshot() *metrics.Snapshot {
	if e.metrics == nil {
		return nil
	}
	return e.metrics.Snapshot()
}
