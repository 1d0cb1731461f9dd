// Package audit keeps a durable, queryable record of every change unit
// outcome and lease event, so a run can be reconstructed and a manual
// rollback hand-driven long after the process exited.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/bulwark/internal/clock"
)

// Event represents a single audit log entry.
type Event struct {
	ID            int64          `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	RunID         string         `json:"run_id"`
	Host          string         `json:"host"`
	UnitID        string         `json:"unit_id,omitempty"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource,omitempty"`
	Result        string         `json:"result,omitempty"`
	Phase         string         `json:"phase,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	BackupID      string         `json:"backup_id,omitempty"`
	Error         string         `json:"error,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Query selects events. Zero fields do not filter.
type Query struct {
	Since  time.Time
	Until  time.Time
	Host   string
	RunID  string
	UnitID string
	Action string
	Limit  int
}

// Store provides persistent storage for audit events.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	retentionDays int
	clock         clock.Clock
}

// NewStore creates a new audit store at the given path.
func NewStore(dbPath string, retentionDays int, clk clock.Clock) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			run_id TEXT NOT NULL,
			host TEXT NOT NULL,
			unit_id TEXT,
			action TEXT NOT NULL,
			resource TEXT,
			result TEXT,
			phase TEXT,
			transaction_id TEXT,
			backup_id TEXT,
			error TEXT,
			details TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_events(run_id);
		CREATE INDEX IF NOT EXISTS idx_audit_unit ON audit_events(host, unit_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = 365
	}

	return &Store{
		db:            db,
		retentionDays: retentionDays,
		clock:         clock.OrReal(clk),
	}, nil
}

// Write persists an audit event. A zero timestamp is set to now.
func (s *Store) Write(evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock.Now()
	}
	var detailsJSON []byte
	if evt.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(evt.Details)
		if err != nil {
			detailsJSON = []byte("{}")
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO audit_events (timestamp, run_id, host, unit_id, action, resource, result, phase, transaction_id, backup_id, error, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.Timestamp.UTC(), evt.RunID, evt.Host, evt.UnitID, evt.Action, evt.Resource, evt.Result, evt.Phase,
		evt.TransactionID, evt.BackupID, evt.Error, string(detailsJSON))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Query returns events matching q, newest first.
func (s *Store) Query(q Query) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.UTC())
	}
	if !q.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, q.Until.UTC())
	}
	for col, v := range map[string]string{"host": q.Host, "run_id": q.RunID, "unit_id": q.UnitID, "action": q.Action} {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}

	query := `SELECT id, timestamp, run_id, host, unit_id, action, resource, result, phase, transaction_id, backup_id, error, details
		FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var evt Event
		var unitID, resource, result, phase, txID, backupID, errText, details sql.NullString

		err := rows.Scan(&evt.ID, &evt.Timestamp, &evt.RunID, &evt.Host, &unitID, &evt.Action,
			&resource, &result, &phase, &txID, &backupID, &errText, &details)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		evt.UnitID = unitID.String
		evt.Resource = resource.String
		evt.Result = result.String
		evt.Phase = phase.String
		evt.TransactionID = txID.String
		evt.BackupID = backupID.String
		evt.Error = errText.String
		if details.Valid && details.String != "" {
			json.Unmarshal([]byte(details.String), &evt.Details)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Prune removes events older than the retention period.
func (s *Store) Prune() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().UTC().AddDate(0, 0, -s.retentionDays)
	result, err := s.db.Exec("DELETE FROM audit_events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Count returns the total number of events in the store.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM audit_events").Scan(&count)
	return count, err
}
