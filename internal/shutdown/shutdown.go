// Package shutdown provides graceful shutdown handling for the crawler.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pagewalk/pagewalk/internal/logger"
)

// Callback is a function called during shutdown.
type Callback func(ctx context.Context) error

type namedCallback struct {
	name string
	fn   Callback
}

// Handler runs registered cleanup callbacks when a shutdown signal
// arrives or Shutdown is called directly.
type Handler struct {
	mu        sync.Mutex
	callbacks []namedCallback

	shuttingDown atomic.Bool
	stopping     chan struct{}
	done         chan struct{}

	timeout time.Duration
	sigChan chan os.Signal
	log     *logger.Logger

	onStart func()
	onDone  func(elapsed time.Duration, errs []error)
}

// Config holds shutdown configuration.
type Config struct {
	Timeout         time.Duration
	Signals         []os.Signal
	Logger          *logger.Logger
	OnShutdownStart func()
	OnShutdownDone  func(elapsed time.Duration, errs []error)
}

// New creates a new shutdown handler. Zero config fields get defaults:
// 30s timeout, SIGINT and SIGTERM.
func New(cfg Config) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	h := &Handler{
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		timeout:  cfg.Timeout,
		sigChan:  make(chan os.Signal, 1),
		log:      cfg.Logger.WithComponent("shutdown"),
		onStart:  cfg.OnShutdownStart,
		onDone:   cfg.OnShutdownDone,
	}

	signal.Notify(h.sigChan, cfg.Signals...)

	return h
}

// Register adds a shutdown callback with a name. Callbacks run in
// reverse registration order, so components register in the order they
// were built and tear down in the opposite one.
func (h *Handler) Register(name string, callback Callback) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.callbacks = append(h.callbacks, namedCallback{name: name, fn: callback})
}

// IsShuttingDown returns whether shutdown is in progress.
func (h *Handler) IsShuttingDown() bool {
	return h.shuttingDown.Load()
}

// Done returns a channel closed when shutdown completes.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// ListenAndShutdown watches for signals in the background and returns
// the done channel. The watcher exits once shutdown begins, whether
// signal-driven or direct.
func (h *Handler) ListenAndShutdown() <-chan struct{} {
	go func() {
		defer signal.Stop(h.sigChan)
		select {
		case sig := <-h.sigChan:
			h.log.WithField("signal", sig.String()).Info("Received shutdown signal")
			h.Shutdown()
		case <-h.stopping:
		}
	}()
	return h.done
}

// Trigger injects a shutdown signal, for programmatic shutdown.
func (h *Handler) Trigger() {
	select {
	case h.sigChan <- syscall.SIGTERM:
	default:
		// Signal already pending
	}
}

// Shutdown runs the registered callbacks LIFO under one shared timeout
// and closes Done. Subsequent calls are no-ops.
func (h *Handler) Shutdown() {
	if !h.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	start := time.Now()
	close(h.stopping)

	if h.onStart != nil {
		h.onStart()
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.mu.Lock()
	callbacks := make([]namedCallback, len(h.callbacks))
	copy(callbacks, h.callbacks)
	h.mu.Unlock()

	var errs []error
	for i := len(callbacks) - 1; i >= 0; i-- {
		cb := callbacks[i]
		cbStart := time.Now()
		if err := h.runCallback(ctx, cb); err != nil {
			errs = append(errs, err)
			h.log.WithField("callback", cb.name).WithError(err).Warn("Shutdown callback failed")
			continue
		}
		h.log.WithField("callback", cb.name).WithDuration(time.Since(cbStart)).Debug("Shutdown callback finished")
	}

	if h.onDone != nil {
		h.onDone(time.Since(start), errs)
	}

	close(h.done)
}

// runCallback runs one callback, giving up when the shutdown context
// expires. An abandoned callback keeps running in its goroutine; the
// timeout only stops shutdown from waiting on it.
func (h *Handler) runCallback(ctx context.Context, cb namedCallback) error {
	result := make(chan error, 1)

	go func() {
		result <- cb.fn(ctx)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return &TimeoutError{CallbackName: cb.name}
	}
}

// TimeoutError is returned when a callback exceeds the shutdown timeout.
type TimeoutError struct {
	CallbackName string
}

func (e *TimeoutError) Error() string {
	return "shutdown callback timed out: " + e.CallbackName
}
