package output

import (
	"sync"
	"sync/atomic"

	"github.com/pagewalk/pagewalk/internal/logger"
)

// defaultBuffer is the dispatcher queue size when none is configured.
const defaultBuffer = 256

// Dispatcher funnels record writes onto a single goroutine behind a
// bounded queue. When the queue is full Submit blocks, which suspends the
// crawl workers rather than dropping records.
type Dispatcher struct {
	sink Sink
	log  *logger.Logger

	records chan *Record
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error

	written atomic.Int64
	failed  atomic.Int64
}

// NewDispatcher starts the writer goroutine for sink.
func NewDispatcher(sink Sink, buffer int, log *logger.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if log == nil {
		log = logger.Nop()
	}

	d := &Dispatcher{
		sink:    sink,
		log:     log.WithComponent("output"),
		records: make(chan *Record, buffer),
		done:    make(chan struct{}),
	}

	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for record := range d.records {
		if err := d.sink.Write(record); err != nil {
			d.failed.Add(1)
			d.log.WithURL(record.URL).WithError(err).Warn("Failed to write record")
			continue
		}
		d.written.Add(1)
	}
}

// Submit queues a record, blocking while the queue is full. It must not
// be called after Close.
func (d *Dispatcher) Submit(record *Record) {
	d.records <- record
}

// Close drains the queue, closes the sink, and returns the sink's error.
// Later calls return the first result.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		close(d.records)
		<-d.done
		d.closeErr = d.sink.Close()
	})
	return d.closeErr
}

// Written reports how many records reached the sink.
func (d *Dispatcher) Written() int64 {
	return d.written.Load()
}

// Failed reports how many records the sink rejected.
func (d *Dispatcher) Failed() int64 {
	return d.failed.Load()
}

// Pending reports how many records are queued but not yet written.
func (d *Dispatcher) Pending() int {
	return len(d.records)
}
