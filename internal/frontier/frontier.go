// Package frontier provides the crawl frontier: a FIFO queue of discovered
// targets with built-in deduplication, a depth cap, and outstanding-work
// accounting that detects when the crawl is finished.
package frontier

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Target is one unit of crawl work.
type Target struct {
	URL    string // canonical URL, doubles as the dedup key
	Depth  int
	Parent string
}

// Frontier is a thread-safe FIFO queue with atomic visited-check-and-mark.
// A Target is marked visited at Push time, so no key can be queued or
// fetched twice regardless of how many workers discover it concurrently.
//
// The outstanding counter tracks Targets that have been pushed but not yet
// fully processed (Done). When it reaches zero the frontier closes itself:
// the queue is empty, nothing is in flight, and nothing can reappear, which
// is exactly the crawl's terminal state.
type Frontier struct {
	mu   sync.Mutex
	cond *sync.Cond

	items   []Target
	filter  *bloom.BloomFilter
	visited map[string]struct{}

	outstanding int
	maxDepth    int // 0 means unlimited
	draining    bool
	closed      bool
}

// New creates a frontier. estimatedItems sizes the bloom filter; the exact
// set behind it removes false positives.
func New(maxDepth, estimatedItems int) *Frontier {
	if estimatedItems < 1000 {
		estimatedItems = 1000
	}

	f := &Frontier{
		filter:   bloom.NewWithEstimates(uint(estimatedItems), 0.001),
		visited:  make(map[string]struct{}),
		maxDepth: maxDepth,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Push enqueues a target. It returns false without side effects when the
// frontier is closed or draining, when the depth exceeds the cap, or when
// the URL was already marked; otherwise it marks the URL visited and
// appends in one critical section.
func (f *Frontier) Push(t Target) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || f.draining {
		return false
	}

	if f.maxDepth > 0 && t.Depth > f.maxDepth {
		return false
	}

	if f.seenLocked(t.URL) {
		return false
	}

	f.filter.AddString(t.URL)
	f.visited[t.URL] = struct{}{}
	f.items = append(f.items, t)
	f.outstanding++
	f.cond.Signal()
	return true
}

// Pop removes and returns the oldest queued target, blocking while the
// queue is empty but work may still arrive. It returns ok=false when the
// frontier has closed.
func (f *Frontier) Pop() (Target, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.items) == 0 && !f.closed {
		f.cond.Wait()
	}

	if f.closed {
		return Target{}, false
	}

	t := f.items[0]
	f.items = f.items[1:]
	return t, true
}

// Done marks one popped target as fully processed. Callers must push any
// children before calling Done, otherwise the frontier can close while
// work remains. At zero outstanding the frontier closes and all blocked
// Pops return.
func (f *Frontier) Done() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.outstanding--
	if f.outstanding < 0 {
		panic("frontier: Done called more times than Push")
	}
	if f.outstanding == 0 {
		f.closed = true
		f.cond.Broadcast()
	}
}

// Drain discards all queued targets and rejects further pushes. In-flight
// targets finish normally; the frontier closes once their Done calls bring
// the outstanding count to zero. Used when the page budget is exhausted.
func (f *Frontier) Drain() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	f.draining = true
	f.outstanding -= len(f.items)
	f.items = nil
	if f.outstanding <= 0 {
		f.outstanding = 0
		f.closed = true
	}
	f.cond.Broadcast()
}

// Close shuts the frontier immediately: blocked Pops return, further
// pushes are rejected. Queued targets are kept so Pending can snapshot
// them for a later resume. Used on cancellation.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	f.closed = true
	f.cond.Broadcast()
}

// Len returns the number of queued targets.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// IsEmpty reports whether the queue is empty.
func (f *Frontier) IsEmpty() bool {
	return f.Len() == 0
}

// Outstanding returns the number of pushed-but-not-Done targets.
func (f *Frontier) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outstanding
}

// Closed reports whether the frontier has closed.
func (f *Frontier) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Visited returns the number of unique URLs ever marked.
func (f *Frontier) Visited() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}

// Seen reports whether a URL has been marked visited.
func (f *Frontier) Seen(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seenLocked(url)
}

// seenLocked checks the bloom fast path, then the exact set to rule out
// false positives. Callers hold f.mu.
func (f *Frontier) seenLocked(url string) bool {
	if !f.filter.TestString(url) {
		return false
	}
	_, ok := f.visited[url]
	return ok
}

// MarkSeen marks a URL visited without queueing it. Used when restoring a
// saved crawl so already-fetched pages are not fetched again.
func (f *Frontier) MarkSeen(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.seenLocked(url) {
		return
	}
	f.filter.AddString(url)
	f.visited[url] = struct{}{}
}

// VisitedURLs returns a snapshot of all marked URLs, for state saves.
func (f *Frontier) VisitedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	urls := make([]string, 0, len(f.visited))
	for u := range f.visited {
		urls = append(urls, u)
	}
	return urls
}

// Pending returns a snapshot of the queued targets, for state saves.
func (f *Frontier) Pending() []Target {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Target, len(f.items))
	copy(out, f.items)
	return out
}
