package state

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketState = []byte("state")
	keyState    = []byte("crawl_state")
)

// Store persists crawl snapshots.
type Store interface {
	Save(snap *Snapshot) error
	Load() (*Snapshot, error)
	Close() error
}

// NewStore picks a backend from the file extension: .db and .bolt open a
// BoltDB store, .gz a compressed file store, anything else a plain JSON
// file store.
func NewStore(path string) (Store, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".bolt":
		return NewBoltStore(path)
	case ".gz":
		return NewFileStore(path, true), nil
	default:
		return NewFileStore(path, false), nil
	}
}

// BoltStore keeps the snapshot in a BoltDB file.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens or creates a BoltDB-backed store at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db, path: path}, nil
}

// Save writes the snapshot, replacing any previous one.
func (s *BoltStore) Save(snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Put(keyState, data)
	})
}

// Load returns the saved snapshot, or nil when none was saved yet.
func (s *BoltStore) Load() (*Snapshot, error) {
	var snap Snapshot
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		data := b.Get(keyState)
		if data == nil {
			return nil
		}

		found = true
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, nil
	}
	return &snap, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// FileStore keeps the snapshot in a JSON file, optionally gzipped. Saves
// go through a temporary file and a rename so a crash mid-save leaves the
// previous snapshot intact.
type FileStore struct {
	path       string
	compressed bool
}

// NewFileStore creates a file-based store writing to path.
func NewFileStore(path string, compressed bool) *FileStore {
	return &FileStore{
		path:       path,
		compressed: compressed,
	}
}

// Save writes the snapshot, replacing any previous one.
func (s *FileStore) Save(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if s.compressed {
		err = s.writeCompressed(tmp, data)
	} else {
		err = os.WriteFile(tmp, data, 0644)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, s.path)
}

func (s *FileStore) writeCompressed(path string, data []byte) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	gw := gzip.NewWriter(file)
	if _, err := gw.Write(data); err != nil {
		gw.Close()
		file.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Load returns the saved snapshot, or nil when the file does not exist.
func (s *FileStore) Load() (*Snapshot, error) {
	var data []byte
	var err error

	if s.compressed {
		data, err = s.readCompressed()
	} else {
		data, err = os.ReadFile(s.path)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (s *FileStore) readCompressed() ([]byte, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gr, err := gzip.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	return io.ReadAll(gr)
}

// Close is a no-op for FileStore.
func (s *FileStore) Close() error {
	return nil
}

// MemoryStore keeps the snapshot in memory. Useful in tests and when
// persistence is disabled.
type MemoryStore struct {
	snap *Snapshot
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save keeps the snapshot in memory.
func (s *MemoryStore) Save(snap *Snapshot) error {
	s.snap = snap
	return nil
}

// Load returns the stored snapshot.
func (s *MemoryStore) Load() (*Snapshot, error) {
	return s.snap, nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}
