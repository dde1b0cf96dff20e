package politeness

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
)

// maxRobotsSize caps how much of a robots.txt body is read. Google stops
// at 500 KiB; anything larger is junk.
const maxRobotsSize = 512 * 1024

// entryFor returns the resolved entry for a host, fetching robots.txt
// exactly once. The first caller performs the fetch; concurrent callers
// for the same host block until it settles or their context ends.
func (g *Gate) entryFor(ctx context.Context, scheme, host string) (*hostEntry, error) {
	g.mu.Lock()
	e, ok := g.hosts[host]
	if !ok {
		e = &hostEntry{ready: make(chan struct{})}
		g.hosts[host] = e

		if !g.cfg.RespectRobots {
			e.state = stateReady
			e.limiter = g.newHostLimiter(0)
			close(e.ready)
			g.mu.Unlock()
			return e, nil
		}

		e.state = stateFetching
		g.mu.Unlock()

		g.resolve(ctx, scheme, host, e)
		return e, nil
	}

	state := e.state
	ready := e.ready
	g.mu.Unlock()

	if state == stateFetching {
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e, nil
}

// resolve fetches and parses robots.txt for a host, then publishes the
// entry. Fetch failures degrade the host to the fallback policy; they
// never abort the crawl.
func (g *Gate) resolve(ctx context.Context, scheme, host string, e *hostEntry) {
	group, delay, sitemaps, err := g.fetchRobots(ctx, scheme, host)

	g.mu.Lock()
	if err != nil {
		e.state = stateUnavailable
		e.failErr = err
		e.denyAll = g.cfg.Fallback == FallbackDeny
	} else {
		e.state = stateReady
		e.group = group
		e.crawlDelay = delay
		e.sitemaps = sitemaps
	}
	e.limiter = g.newHostLimiter(e.crawlDelay)
	close(e.ready)
	g.mu.Unlock()

	if err != nil {
		g.log.WithHost(host).WithError(err).Warnf("robots.txt unavailable, fallback %s", g.cfg.Fallback)
		g.log.RobotsEvent(host, "unavailable", 0)
		return
	}
	g.log.RobotsEvent(host, "fetched", delay)
}

// fetchRobots retrieves and parses a host's robots.txt. A 4xx means the
// file does not exist and crawling is unrestricted; transport failures,
// 5xx and parse errors report an error so the caller can apply the
// fallback policy.
func (g *Gate) fetchRobots(ctx context.Context, scheme, host string) (*robotstxt.Group, time.Duration, []string, error) {
	if scheme == "" {
		scheme = "http"
	}
	robotsURL := scheme + "://" + host + "/robots.txt"

	fctx, cancel := context.WithTimeout(ctx, g.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("build robots request: %w", err)
	}
	if g.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", g.cfg.UserAgent)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("fetch %s: %w", robotsURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsSize))
	if err != nil {
		return nil, 0, nil, fmt.Errorf("read %s: %w", robotsURL, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// No robots.txt: no restrictions.
		return nil, 0, nil, nil
	default:
		return nil, 0, nil, fmt.Errorf("%s returned status %d", robotsURL, resp.StatusCode)
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("parse %s: %w", robotsURL, err)
	}

	group := data.FindGroup(g.cfg.UserAgent)
	if group == nil {
		group = data.FindGroup("*")
	}

	var delay time.Duration
	if group != nil {
		delay = group.CrawlDelay
	}

	return group, delay, scanSitemaps(body), nil
}

// scanSitemaps collects Sitemap directives from a raw robots.txt body.
// They live outside user-agent groups, so a plain line scan is enough.
func scanSitemaps(body []byte) []string {
	var sitemaps []string

	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(parts[0]), "sitemap") {
			continue
		}

		if u := strings.TrimSpace(parts[1]); u != "" {
			sitemaps = append(sitemaps, u)
		}
	}

	return sitemaps
}
