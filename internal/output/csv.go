package output

import (
	"encoding/csv"
	"os"
	"strconv"
	"sync"
	"time"
)

// csvHeader lists the record columns in output order.
var csvHeader = []string{
	"url", "final_url", "depth", "parent", "kind", "status",
	"content_type", "title", "meta_description", "text_excerpt",
	"num_links", "elapsed_ms", "fetched_at", "error",
}

// CSVSink appends records to a CSV file. The header row is written only
// when the file starts out empty, so a resumed crawl does not repeat it.
type CSVSink struct {
	mu         sync.Mutex
	file       *os.File
	writer     *csv.Writer
	needHeader bool
	closed     bool
}

// NewCSVSink opens path for appending. An empty path or "-" writes to
// standard output.
func NewCSVSink(path string) (*CSVSink, error) {
	s := &CSVSink{needHeader: true}

	if path == "" || path == "-" {
		s.writer = csv.NewWriter(os.Stdout)
		return s, nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	s.file = file
	s.writer = csv.NewWriter(file)
	s.needHeader = info.Size() == 0
	return s, nil
}

// Write appends a single record, emitting the header row first when the
// file is new.
func (s *CSVSink) Write(record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	if s.needHeader {
		if err := s.writer.Write(csvHeader); err != nil {
			return err
		}
		s.needHeader = false
	}

	if err := s.writer.Write(record.csvRow()); err != nil {
		return err
	}

	s.writer.Flush()
	return s.writer.Error()
}

// Close flushes buffered rows and closes the file. Standard output is
// flushed but left open.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.writer.Flush()
	err := s.writer.Error()
	if s.file != nil {
		if closeErr := s.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

// csvRow renders the record in csvHeader order.
func (r *Record) csvRow() []string {
	return []string{
		r.URL,
		r.FinalURL,
		strconv.Itoa(r.Depth),
		r.Parent,
		r.Kind,
		strconv.Itoa(r.Status),
		r.ContentType,
		r.Title,
		r.MetaDescription,
		r.TextExcerpt,
		strconv.Itoa(r.NumLinks),
		strconv.FormatInt(r.ElapsedMS, 10),
		r.FetchedAt.Format(time.RFC3339),
		r.Error,
	}
}
