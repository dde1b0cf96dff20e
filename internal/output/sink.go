// Package output persists crawl records to JSONL, CSV, or SQLite sinks.
package output

import (
	"fmt"
	"strings"
)

// Supported sink formats.
const (
	FormatJSONL  = "jsonl"
	FormatCSV    = "csv"
	FormatSQLite = "sqlite"
)

// Sink receives crawl records one at a time. Implementations are written
// to by a single goroutine; the Dispatcher serializes access.
type Sink interface {
	// Write persists a single record.
	Write(record *Record) error

	// Close flushes buffered data and releases underlying resources.
	Close() error
}

// Config holds sink configuration.
type Config struct {
	// Format selects the sink implementation: jsonl, csv, or sqlite.
	// Empty defaults to jsonl.
	Format string

	// Path is the output file. For jsonl and csv, empty or "-" writes to
	// standard output.
	Path string

	// Buffer is the dispatcher queue size. Zero uses the default.
	Buffer int
}

// NewSink creates a sink for the configured format.
func NewSink(config Config) (Sink, error) {
	switch strings.ToLower(config.Format) {
	case FormatJSONL, "":
		return NewJSONLSink(config.Path)
	case FormatCSV:
		return NewCSVSink(config.Path)
	case FormatSQLite:
		return NewSQLiteSink(config.Path)
	default:
		return nil, fmt.Errorf("unsupported output format: %q", config.Format)
	}
}
