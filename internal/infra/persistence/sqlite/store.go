// Package sqlite persists the in-memory state to a single SQLite table as
// JSON buckets, snapshotting the full state after every successful
// transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"coherencecore/internal/infra/persistence/memory"
	"coherencecore/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

// Store wraps the in-memory store with durable SQLite snapshots.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) the database at path and hydrates the
// in-memory store from any existing snapshot.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "coherencecore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

type bucketCodec struct {
	name   string
	encode func(memory.Snapshot) (any, error)
	decode func(*memory.Snapshot) any
}

var buckets = []bucketCodec{
	{"organisms", func(s memory.Snapshot) (any, error) { return s.Organisms, nil }, func(s *memory.Snapshot) any { return &s.Organisms }},
	{"claims", func(s memory.Snapshot) (any, error) { return s.Claims, nil }, func(s *memory.Snapshot) any { return &s.Claims }},
	{"mutations", func(s memory.Snapshot) (any, error) { return s.Mutations, nil }, func(s *memory.Snapshot) any { return &s.Mutations }},
	{"conflicts", func(s memory.Snapshot) (any, error) { return s.Conflicts, nil }, func(s *memory.Snapshot) any { return &s.Conflicts }},
	{"baselines", func(s memory.Snapshot) (any, error) { return s.Baselines, nil }, func(s *memory.Snapshot) any { return &s.Baselines }},
	{"drifts", func(s memory.Snapshot) (any, error) { return s.Drifts, nil }, func(s *memory.Snapshot) any { return &s.Drifts }},
	{"tradeoffs", func(s memory.Snapshot) (any, error) { return s.Tradeoffs, nil }, func(s *memory.Snapshot) any { return &s.Tradeoffs }},
	{"lineage", func(s memory.Snapshot) (any, error) { return s.Lineage, nil }, func(s *memory.Snapshot) any { return &s.Lineage }},
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	targets := make(map[string]any, len(buckets))
	var snapshot memory.Snapshot
	for _, b := range buckets {
		targets[b.name] = b.decode(&snapshot)
	}
	loaded := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan state: %w", err)
		}
		target, ok := targets[bucket]
		if !ok || len(payload) == 0 {
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return fmt.Errorf("decode %s: %w", bucket, err)
		}
		loaded = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if loaded {
		s.ImportState(snapshot)
	}
	return nil
}

func (s *Store) persist() (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, b := range buckets {
		payload, err := b.encode(snapshot)
		if err != nil {
			retErr = err
			return retErr
		}
		data, err := json.Marshal(payload)
		if err != nil {
			retErr = err
			return retErr
		}
		if _, err := tx.Exec(`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, b.name, data); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", b.name, err)
			return retErr
		}
	}
	return tx.Commit()
}

// RunInTransaction applies fn in memory, then snapshots to SQLite. A failed
// snapshot rolls the in-memory state back so readers never observe a commit
// that was not made durable.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	before := s.ExportState()
	if err := s.Store.RunInTransaction(ctx, fn); err != nil {
		return err
	}
	if err := s.persist(); err != nil {
		s.ImportState(before)
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
