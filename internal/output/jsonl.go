package output

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
)

// JSONLSink appends one JSON object per line to a file. Opening an
// existing file continues after its last record, so a resumed crawl keeps
// writing into the same output file.
type JSONLSink struct {
	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	encoder *json.Encoder
	closed  bool
}

// NewJSONLSink opens path for appending. An empty path or "-" writes to
// standard output.
func NewJSONLSink(path string) (*JSONLSink, error) {
	s := &JSONLSink{}

	if path == "" || path == "-" {
		s.buf = bufio.NewWriter(os.Stdout)
	} else {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		s.file = file
		s.buf = bufio.NewWriter(file)
	}

	s.encoder = json.NewEncoder(s.buf)
	return s, nil
}

// Write appends a single record.
func (s *JSONLSink) Write(record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	return s.encoder.Encode(record)
}

// Close flushes buffered records and closes the file. Standard output is
// flushed but left open.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.buf.Flush()
	if s.file != nil {
		if closeErr := s.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
