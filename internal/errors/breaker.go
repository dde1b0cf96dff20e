package errors

import (
	"sync"
	"time"
)

// CircuitState represents the state of a host circuit breaker.
type CircuitState int

const (
	// Closed means the host is operating normally.
	Closed CircuitState = iota
	// Open means the host has tripped and requests are blocked.
	Open
	// HalfOpen means the host is being probed to see if it recovered.
	HalfOpen
)

// String returns the string representation of CircuitState.
func (s CircuitState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Successes in half-open before closing
	Cooldown         time.Duration // Time to wait before probing again
	MaxProbes        int           // Max concurrent probes in half-open (0 = 1)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		MaxProbes:        1,
	}
}

// Breaker tracks transport-level failures for one host and blocks
// requests while the host keeps failing.
type Breaker struct {
	mu sync.RWMutex

	config BreakerConfig
	state  CircuitState

	failures    int
	successes   int
	lastFailure time.Time
	probes      int

	onStateChange func(from, to CircuitState)
}

// NewBreaker creates a new circuit breaker.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.MaxProbes <= 0 {
		config.MaxProbes = 1
	}

	return &Breaker{
		config: config,
		state:  Closed,
	}
}

// OnStateChange sets a callback for state changes.
func (b *Breaker) OnStateChange(fn func(from, to CircuitState)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

// State returns the current state.
func (b *Breaker) State() CircuitState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Allow checks if a request to the host should be allowed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true

	case Open:
		if time.Since(b.lastFailure) >= b.config.Cooldown {
			b.transitionTo(HalfOpen)
			b.probes++
			return true
		}
		return false

	case HalfOpen:
		if b.probes < b.config.MaxProbes {
			b.probes++
			return true
		}
		return false
	}

	return false
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0

	case HalfOpen:
		b.successes++
		b.probes--
		if b.probes < 0 {
			b.probes = 0
		}

		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(Closed)
		}
	}
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(Open)
		}

	case HalfOpen:
		b.probes--
		if b.probes < 0 {
			b.probes = 0
		}
		// Any failure while probing reopens the circuit
		b.transitionTo(Open)
	}
}

// transitionTo transitions to a new state.
func (b *Breaker) transitionTo(newState CircuitState) {
	if b.state == newState {
		return
	}

	oldState := b.state
	b.state = newState

	switch newState {
	case Closed:
		b.failures = 0
		b.successes = 0
		b.probes = 0
	case Open:
		b.successes = 0
		b.probes = 0
	case HalfOpen:
		b.successes = 0
	}

	if b.onStateChange != nil {
		b.onStateChange(oldState, newState)
	}
}

// Reset resets the circuit breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.probes = 0
}

// BreakerStats holds circuit breaker statistics.
type BreakerStats struct {
	State       CircuitState
	Failures    int
	Successes   int
	LastFailure time.Time
}

// Stats returns current statistics.
func (b *Breaker) Stats() BreakerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BreakerStats{
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
	}
}

// HostBreakers manages circuit breakers per host.
type HostBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   BreakerConfig
}

// NewHostBreakers creates a new per-host breaker registry.
func NewHostBreakers(config BreakerConfig) *HostBreakers {
	return &HostBreakers{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

// ForHost returns the circuit breaker for a host, creating one if needed.
func (hb *HostBreakers) ForHost(host string) *Breaker {
	hb.mu.RLock()
	b, ok := hb.breakers[host]
	hb.mu.RUnlock()

	if ok {
		return b
	}

	hb.mu.Lock()
	defer hb.mu.Unlock()

	if b, ok = hb.breakers[host]; ok {
		return b
	}

	b = NewBreaker(hb.config)
	hb.breakers[host] = b
	return b
}

// AllStats returns statistics for all hosts.
func (hb *HostBreakers) AllStats() map[string]BreakerStats {
	hb.mu.RLock()
	defer hb.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(hb.breakers))
	for host, b := range hb.breakers {
		stats[host] = b.Stats()
	}
	return stats
}

// Reset resets all circuit breakers.
func (hb *HostBreakers) Reset() {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	for _, b := range hb.breakers {
		b.Reset()
	}
}
