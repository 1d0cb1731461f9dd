// Package state provides bucketed key/value storage that survives process
// restarts.
//
// The store backs everything the engine must remember between runs:
// completion markers, the backup record index, lease journals, operator
// confirmations, run records and the open-transaction journal. Buckets are
// namespaced per target host (see Bucket) so concurrent multi-host runs
// share no keys.
//
// SQLite (pure Go, modernc.org/sqlite) in WAL mode with synchronous=FULL is
// the only backend: a journal entry that was written must still be there
// after a power cut.
package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"grimm.is/bulwark/internal/clock"
)

// Common errors
var (
	ErrNotFound      = errors.New("key not found")
	ErrBucketExists  = errors.New("bucket already exists")
	ErrBucketMissing = errors.New("bucket does not exist")
	ErrStoreClosed   = errors.New("store is closed")
)

// Store is the persistence interface used by markers, backups, leases and
// the transaction journal.
type Store interface {
	CreateBucket(name string) error

	Get(bucket, key string) ([]byte, error)
	Set(bucket, key string, value []byte) error
	Delete(bucket, key string) error
	List(bucket string) (map[string][]byte, error)
	ListKeys(bucket string) ([]string, error)

	GetJSON(bucket, key string, v any) error
	SetJSON(bucket, key string, v any) error
	// UpdateJSON decodes the current value into v, calls fn and stores v
	// again, all inside one database transaction. fn sees found=false when
	// the key does not exist yet; returning an error leaves the value as it
	// was.
	UpdateJSON(bucket, key string, v any, fn func(found bool) error) error

	Close() error
}

// Options configures the SQLite store.
type Options struct {
	Path        string        // Database file path (":memory:" for in-memory)
	WALMode     bool          // WAL journal with synchronous=FULL
	BusyTimeout time.Duration // How long a writer waits for another process; default 5s
	Clock       clock.Clock   // Optional: time source (defaults to RealClock if nil)
}

// DefaultOptions returns the options used for the on-disk state database.
func DefaultOptions(path string) Options {
	return Options{Path: path, WALMode: true, BusyTimeout: 5 * time.Second}
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	clock  clock.Clock
}

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []string{
	`CREATE TABLE buckets (
		name TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE entries (
		bucket TEXT NOT NULL REFERENCES buckets(name) ON DELETE CASCADE,
		key TEXT NOT NULL,
		value BLOB,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (bucket, key)
	);`,
	`CREATE INDEX idx_entries_updated ON entries(bucket, updated_at);`,
}

// NewSQLiteStore opens (and if needed creates) a state database.
func NewSQLiteStore(opts Options) (*SQLiteStore, error) {
	memory := opts.Path == ":memory:"
	dsn := opts.Path
	if !memory {
		busy := opts.BusyTimeout
		if busy <= 0 {
			busy = 5 * time.Second
		}
		pragmas := []string{fmt.Sprintf("_pragma=busy_timeout(%d)", busy.Milliseconds()), "_pragma=foreign_keys(1)"}
		if opts.WALMode {
			pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(FULL)")
		}
		dsn += "?" + strings.Join(pragmas, "&")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to state database: %w", err)
	}

	s := &SQLiteStore{db: db, clock: clock.OrReal(opts.Clock)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate state database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	var have int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&have); err != nil {
		return err
	}
	if have > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this binary (%d)", have, len(migrations))
	}
	for i := have; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// CreateBucket creates a new bucket.
func (s *SQLiteStore) CreateBucket(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec("INSERT INTO buckets (name, created_at) VALUES (?, ?)", name, s.clock.Now())
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrBucketExists
	}
	return err
}

// Get retrieves a value by bucket and key.
func (s *SQLiteStore) Get(bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return get(s.db, bucket, key)
}

// querier is the part of *sql.DB and *sql.Tx the helpers need.
type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Exec(query string, args ...any) (sql.Result, error)
}

func get(q querier, bucket, key string) ([]byte, error) {
	var value []byte
	err := q.QueryRow("SELECT value FROM entries WHERE bucket = ? AND key = ?", bucket, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *SQLiteStore) put(q querier, bucket, key string, value []byte) error {
	var exists int
	err := q.QueryRow("SELECT 1 FROM buckets WHERE name = ?", bucket).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrBucketMissing, bucket)
	}
	if err != nil {
		return err
	}
	_, err = q.Exec(`
		INSERT INTO entries (bucket, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, bucket, key, value, s.clock.Now())
	return err
}

// Set stores a value. The bucket must exist.
func (s *SQLiteStore) Set(bucket, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.put(s.db, bucket, key, value)
}

// Delete removes a key.
func (s *SQLiteStore) Delete(bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	result, err := s.db.Exec("DELETE FROM entries WHERE bucket = ? AND key = ?", bucket, key)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all key-value pairs in a bucket. A missing bucket is empty.
func (s *SQLiteStore) List(bucket string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query("SELECT key, value FROM entries WHERE bucket = ?", bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		result[key] = value
	}
	return result, rows.Err()
}

// ListKeys returns all keys in a bucket, sorted.
func (s *SQLiteStore) ListKeys(bucket string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query("SELECT key FROM entries WHERE bucket = ? ORDER BY key", bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// GetJSON retrieves and unmarshals a JSON value.
func (s *SQLiteStore) GetJSON(bucket, key string, v any) error {
	data, err := s.Get(bucket, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SetJSON marshals and stores a JSON value.
func (s *SQLiteStore) SetJSON(bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(bucket, key, data)
}

// UpdateJSON implements Store.
func (s *SQLiteStore) UpdateJSON(bucket, key string, v any, fn func(found bool) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	found := true
	data, err := get(tx, bucket, key)
	switch {
	case errors.Is(err, ErrNotFound):
		found = false
	case err != nil:
		return err
	default:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %s/%s: %w", bucket, key, err)
		}
	}

	if err := fn(found); err != nil {
		return err
	}
	if data, err = json.Marshal(v); err != nil {
		return err
	}
	if err := s.put(tx, bucket, key, data); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// ListJSON decodes every value of a bucket into T, keyed by entry key.
func ListJSON[T any](s Store, bucket string) (map[string]T, error) {
	raw, err := s.List(bucket)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(raw))
	for k, data := range raw {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", bucket, k, err)
		}
		out[k] = v
	}
	return out, nil
}
