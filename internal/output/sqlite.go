package output

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver
)

// pagesSchema creates the pages table. The URL is the primary key, so a
// page fetched again on resume replaces its earlier row.
const pagesSchema = `
CREATE TABLE IF NOT EXISTS pages (
	url TEXT PRIMARY KEY,
	final_url TEXT,
	depth INTEGER NOT NULL,
	parent TEXT,
	kind TEXT NOT NULL,
	status INTEGER,
	content_type TEXT,
	title TEXT,
	meta_description TEXT,
	text_excerpt TEXT,
	num_links INTEGER NOT NULL DEFAULT 0,
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	fetched_at DATETIME,
	error TEXT
);

CREATE INDEX IF NOT EXISTS idx_pages_kind ON pages(kind);
CREATE INDEX IF NOT EXISTS idx_pages_depth ON pages(depth);
`

const upsertPage = `
INSERT INTO pages (url, final_url, depth, parent, kind, status, content_type,
	title, meta_description, text_excerpt, num_links, elapsed_ms, fetched_at, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(url) DO UPDATE SET
	final_url = excluded.final_url,
	depth = excluded.depth,
	parent = excluded.parent,
	kind = excluded.kind,
	status = excluded.status,
	content_type = excluded.content_type,
	title = excluded.title,
	meta_description = excluded.meta_description,
	text_excerpt = excluded.text_excerpt,
	num_links = excluded.num_links,
	elapsed_ms = excluded.elapsed_ms,
	fetched_at = excluded.fetched_at,
	error = excluded.error
`

// SQLiteSink stores records in a SQLite database, one row per URL.
type SQLiteSink struct {
	mu     sync.Mutex
	db     *sql.DB
	insert *sql.Stmt
	closed bool
}

// NewSQLiteSink opens or creates the database at path and prepares the
// pages table.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if path == "" || path == "-" {
		return nil, fmt.Errorf("sqlite output requires a file path")
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports a single writer, more connections just contend.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(pagesSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	insert, err := db.Prepare(upsertPage)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}

	return &SQLiteSink{db: db, insert: insert}, nil
}

// Write upserts a single record keyed by URL.
func (s *SQLiteSink) Write(record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	_, err := s.insert.Exec(
		record.URL,
		record.FinalURL,
		record.Depth,
		record.Parent,
		record.Kind,
		record.Status,
		record.ContentType,
		record.Title,
		record.MetaDescription,
		record.TextExcerpt,
		record.NumLinks,
		record.ElapsedMS,
		record.FetchedAt,
		record.Error,
	)
	return err
}

// Close releases the prepared statement and the database.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.insert != nil {
		s.insert.Close()
	}
	return s.db.Close()
}
