package browser

import (
	"context"
	"fmt"
	"sync"
)

// Pool manages a set of browser instances shared by crawl workers.
type Pool struct {
	mu       sync.Mutex
	browsers []*Browser
	config   Config
	size     int
	current  int
	closed   bool
	sem      chan struct{}
}

// NewPool creates a browser pool of config.PoolSize instances.
func NewPool(config Config) (*Pool, error) {
	if config.PoolSize < 1 {
		config.PoolSize = 1
	}

	pool := &Pool{
		browsers: make([]*Browser, config.PoolSize),
		config:   config,
		size:     config.PoolSize,
		sem:      make(chan struct{}, config.PoolSize),
	}

	for i := 0; i < config.PoolSize; i++ {
		pool.sem <- struct{}{}
	}

	for i := 0; i < config.PoolSize; i++ {
		browser, err := New(config)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create browser %d: %w", i, err)
		}
		pool.browsers[i] = browser
	}

	return pool, nil
}

// Acquire gets a browser from the pool, replacing instances that are
// due for recycling.
func (p *Pool) Acquire(ctx context.Context) (*Browser, error) {
	select {
	case <-p.sem:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.sem <- struct{}{}
		return nil, fmt.Errorf("pool is closed")
	}

	idx := p.current
	p.current = (p.current + 1) % p.size
	browser := p.browsers[idx]

	if browser.NeedsRecycle() {
		browser.Close()
		newBrowser, err := New(p.config)
		if err != nil {
			p.sem <- struct{}{}
			return nil, fmt.Errorf("failed to recycle browser: %w", err)
		}
		p.browsers[idx] = newBrowser
		browser = newBrowser
	}

	return browser, nil
}

// Release returns a browser to the pool.
func (p *Pool) Release(browser *Browser) {
	p.sem <- struct{}{}
}

// Visit acquires a browser, renders the URL, and releases it.
func (p *Pool) Visit(ctx context.Context, url string, headers map[string]string) (*Page, error) {
	browser, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(browser)

	return browser.Visit(ctx, url, headers)
}

// Close closes all browsers in the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var lastErr error
	for _, browser := range p.browsers {
		if browser != nil {
			if err := browser.Close(); err != nil {
				lastErr = err
			}
		}
	}

	return lastErr
}

// Size returns the pool size.
func (p *Pool) Size() int {
	return p.size
}

// PoolStats describes pool utilization.
type PoolStats struct {
	Size       int `json:"size"`
	Available  int `json:"available"`
	TotalPages int `json:"total_pages"`
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	totalPages := 0
	for _, b := range p.browsers {
		if b != nil {
			totalPages += b.PageCount()
		}
	}

	return PoolStats{
		Size:       p.size,
		Available:  len(p.sem),
		TotalPages: totalPages,
	}
}
