package state

import (
	"sync"
	"time"

	"github.com/pagewalk/pagewalk/internal/logger"
)

// Manager wraps a Store with periodic auto-saving.
type Manager struct {
	store Store
	log   *logger.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewManager creates a manager over store. A nil store disables
// persistence: Save and Load become no-ops.
func NewManager(store Store, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		store: store,
		log:   log.WithComponent("state"),
	}
}

// Save persists the snapshot, stamping UpdatedAt.
func (m *Manager) Save(snap *Snapshot) error {
	if m.store == nil || snap == nil {
		return nil
	}
	snap.UpdatedAt = time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Save(snap)
}

// Load returns the saved snapshot, or nil without error when none exists.
func (m *Manager) Load() (*Snapshot, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.Load()
}

// StartAutoSave begins saving the snapshot returned by fn every interval.
// A nil snapshot from fn skips that tick. Calling it again while running
// has no effect.
func (m *Manager) StartAutoSave(interval time.Duration, fn func() *Snapshot) {
	if m.store == nil || interval <= 0 || fn == nil {
		return
	}

	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.stop = stop
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if snap := fn(); snap != nil {
					if err := m.Save(snap); err != nil {
						m.log.WithError(err).Warn("Auto-save failed")
					}
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopAutoSave stops the auto-save loop and waits for it to exit.
func (m *Manager) StopAutoSave() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Close stops auto-saving and closes the store.
func (m *Manager) Close() error {
	m.StopAutoSave()
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}
