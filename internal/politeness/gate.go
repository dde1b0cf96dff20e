// Package politeness enforces per-host crawl etiquette: robots.txt
// permission and minimum spacing between request start times to the same
// host.
//
// Each host moves through a small state machine. The first authorization
// for a host triggers a single robots.txt fetch; concurrent callers for
// the same host block until that fetch settles. From then on every
// decision is served from the cached rules for the crawl's lifetime. When
// robots.txt cannot be fetched the host degrades to a configured fallback
// policy instead of failing the crawl.
package politeness

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"

	"github.com/pagewalk/pagewalk/internal/errors"
	"github.com/pagewalk/pagewalk/internal/logger"
)

// FallbackPolicy controls what happens to a host whose robots.txt cannot
// be fetched.
type FallbackPolicy int

const (
	// FallbackAllow crawls the host as if robots.txt allowed everything.
	FallbackAllow FallbackPolicy = iota
	// FallbackDeny refuses every request to the host.
	FallbackDeny
)

// String returns the policy name.
func (p FallbackPolicy) String() string {
	if p == FallbackDeny {
		return "deny"
	}
	return "allow"
}

// ParseFallbackPolicy parses "allow" or "deny".
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "allow":
		return FallbackAllow, nil
	case "deny":
		return FallbackDeny, nil
	default:
		return FallbackAllow, fmt.Errorf("unknown robots fallback %q", s)
	}
}

// DecisionKind classifies an authorization outcome.
type DecisionKind int

const (
	// Allowed means the request may start immediately.
	Allowed DecisionKind = iota
	// Denied means the request must not be made; Decision.Err says why.
	Denied
	// WaitFor means the caller holds a granted reservation: sleep
	// Decision.Delay, then proceed without asking again.
	WaitFor
)

// Decision is the outcome of one Authorize call.
type Decision struct {
	Kind  DecisionKind
	Delay time.Duration
	Err   error
}

// Config holds politeness settings.
type Config struct {
	UserAgent     string
	PerHostRPS    float64 // spacing floor between requests to one host
	RespectRobots bool
	Fallback      FallbackPolicy
	FetchTimeout  time.Duration // robots.txt fetch timeout

	// BreakerEnabled turns on a per-host circuit breaker fed by
	// RecordResult: hosts that keep failing at the transport level are
	// denied for a cool-off window.
	BreakerEnabled bool
	Breaker        errors.BreakerConfig
}

// hostState tracks robots.txt resolution per host.
type hostState int

const (
	stateUnknown hostState = iota
	stateFetching
	stateReady
	stateUnavailable
)

// hostEntry is the cached politeness record for one host. Fields other
// than state are written once, before ready is closed, and read freely
// afterwards.
type hostEntry struct {
	state      hostState
	ready      chan struct{}
	group      *robotstxt.Group // nil means no restrictions
	denyAll    bool
	failErr    error
	crawlDelay time.Duration
	sitemaps   []string
	limiter    *rate.Limiter
}

// Gate is the per-host politeness gate.
type Gate struct {
	cfg      Config
	client   *http.Client
	log      *logger.Logger
	breakers *errors.HostBreakers

	mu    sync.Mutex
	hosts map[string]*hostEntry
}

// New creates a gate. client is used only for robots.txt fetches; pass nil
// for a default with the configured timeout.
func New(cfg Config, client *http.Client, log *logger.Logger) *Gate {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	if log == nil {
		log = logger.Nop()
	}

	g := &Gate{
		cfg:    cfg,
		client: client,
		log:    log.WithComponent("politeness"),
		hosts:  make(map[string]*hostEntry),
	}

	if cfg.BreakerEnabled {
		g.breakers = errors.NewHostBreakers(cfg.Breaker)
	}

	return g
}

// Authorize decides whether a request for rawURL may proceed. The three
// outcomes are immediate Allowed, Denied with a reason, or WaitFor with a
// granted reservation. It blocks only while this host's robots.txt is
// being fetched by the first caller.
func (g *Gate) Authorize(ctx context.Context, rawURL string) (Decision, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Decision{}, errors.NewInvalidURLError(rawURL, err)
	}
	host := strings.ToLower(u.Host)
	if host == "" {
		return Decision{}, errors.NewInvalidURLError(rawURL, fmt.Errorf("missing host"))
	}

	if g.breakers != nil && !g.breakers.ForHost(host).Allow() {
		return Decision{
			Kind: Denied,
			Err:  errors.NewNetworkError(rawURL, "authorize", fmt.Errorf("host %s circuit open", host)),
		}, nil
	}

	e, err := g.entryFor(ctx, u.Scheme, host)
	if err != nil {
		return Decision{}, err
	}

	if e.denyAll {
		return Decision{
			Kind: Denied,
			Err:  errors.NewRobotsUnavailableError(host, e.failErr),
		}, nil
	}

	if g.cfg.RespectRobots && e.group != nil && !e.group.Test(robotsPath(u)) {
		return Decision{
			Kind: Denied,
			Err:  errors.NewDeniedError(rawURL, u.Path),
		}, nil
	}

	res := e.limiter.ReserveN(time.Now(), 1)
	if !res.OK() {
		// Unreachable with burst 1, kept for limiter contract changes.
		return Decision{Kind: Allowed}, nil
	}
	if delay := res.DelayFrom(time.Now()); delay > 0 {
		return Decision{Kind: WaitFor, Delay: delay}, nil
	}
	return Decision{Kind: Allowed}, nil
}

// Wait authorizes rawURL and sleeps out any granted reservation. It
// returns nil when the caller may fetch, the Denied error when it must
// not, and the context error when cancelled mid-wait.
func (g *Gate) Wait(ctx context.Context, rawURL string) error {
	d, err := g.Authorize(ctx, rawURL)
	if err != nil {
		return err
	}

	switch d.Kind {
	case Denied:
		return d.Err
	case WaitFor:
		timer := time.NewTimer(d.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Prepare resolves robots.txt for rawURL's host without reserving a
// request slot, so robots-declared sitemaps are known before the first
// fetch. It only fails on invalid URLs or cancellation.
func (g *Gate) Prepare(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.NewInvalidURLError(rawURL, err)
	}
	host := strings.ToLower(u.Host)
	if host == "" {
		return errors.NewInvalidURLError(rawURL, fmt.Errorf("missing host"))
	}
	_, err = g.entryFor(ctx, u.Scheme, host)
	return err
}

// RecordResult feeds the per-host circuit breaker, when enabled. success
// means the host answered at the transport level; HTTP error statuses
// still count as success here.
func (g *Gate) RecordResult(host string, success bool) {
	if g.breakers == nil {
		return
	}
	b := g.breakers.ForHost(strings.ToLower(host))
	if success {
		b.RecordSuccess()
	} else {
		b.RecordFailure()
	}
}

// Sitemaps returns the sitemap URLs advertised by a host's robots.txt.
// Empty until the host has been resolved.
func (g *Gate) Sitemaps(host string) []string {
	e := g.peek(host)
	if e == nil {
		return nil
	}
	return e.sitemaps
}

// CrawlDelay returns the crawl-delay parsed for a host, zero when none.
func (g *Gate) CrawlDelay(host string) time.Duration {
	e := g.peek(host)
	if e == nil {
		return 0
	}
	return e.crawlDelay
}

// Interval returns the effective spacing for a host: the larger of the
// configured per-host interval and the robots crawl-delay.
func (g *Gate) Interval(host string) time.Duration {
	e := g.peek(host)
	if e == nil {
		return g.interval(0)
	}
	return g.interval(e.crawlDelay)
}

// Hosts returns the number of hosts the gate has seen.
func (g *Gate) Hosts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.hosts)
}

// BreakerStats returns per-host breaker statistics, nil when disabled.
func (g *Gate) BreakerStats() map[string]errors.BreakerStats {
	if g.breakers == nil {
		return nil
	}
	return g.breakers.AllStats()
}

// peek returns a host's entry only when fully resolved.
func (g *Gate) peek(host string) *hostEntry {
	g.mu.Lock()
	e, ok := g.hosts[strings.ToLower(host)]
	if !ok || (e.state != stateReady && e.state != stateUnavailable) {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()
	return e
}

// interval computes the spacing floor: max of the configured per-host
// interval and the robots crawl-delay.
func (g *Gate) interval(crawlDelay time.Duration) time.Duration {
	var base time.Duration
	if g.cfg.PerHostRPS > 0 {
		base = time.Duration(float64(time.Second) / g.cfg.PerHostRPS)
	}
	if crawlDelay > base {
		return crawlDelay
	}
	return base
}

// newHostLimiter builds the reservation limiter enforcing the spacing.
func (g *Gate) newHostLimiter(crawlDelay time.Duration) *rate.Limiter {
	interval := g.interval(crawlDelay)
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// robotsPath builds the path (plus query) tested against robots rules.
func robotsPath(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}
