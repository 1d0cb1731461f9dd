// Package backup captures pre-change state of each target and restores it.
//
// Every transaction snapshots its target before apply. Payloads go to a
// Backend; the record describing them goes to a per-host index in the state
// database. Records are never removed by the engine: only an operator
// prune deletes them.
package backup

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"grimm.is/bulwark/internal/clock"
	"grimm.is/bulwark/internal/state"
)

// Record describes one captured pre-image. It is immutable once written.
type Record struct {
	ID            string    `json:"id"`
	Host          string    `json:"host"`
	UnitID        string    `json:"unit_id"`
	Target        string    `json:"target"`
	Timestamp     time.Time `json:"timestamp"`
	PayloadRef    string    `json:"payload_ref"`
	Checksum      string    `json:"checksum"`
	Size          int64     `json:"size"`
	RunID         string    `json:"run_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`

	// Unit is the declaration of the unit that captured the payload, kept
	// so the record can be restored without the original policy.
	Unit json.RawMessage `json:"unit,omitempty"`
}

// Error reports a failed backup operation. A failed snapshot means the
// change must not proceed.
type Error struct {
	Op     string
	UnitID string
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backup %s for unit %s (%s): %v", e.Op, e.UnitID, e.Target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsError reports whether err is a backup failure.
func IsError(err error) bool {
	var be *Error
	return errors.As(err, &be)
}

// ErrNotFound is returned for unknown record ids.
var ErrNotFound = errors.New("backup record not found")

// Request describes a snapshot to persist.
type Request struct {
	UnitID        string
	Target        string
	Payload       []byte
	RunID         string
	TransactionID string
	Unit          json.RawMessage
}

// Store writes payloads to a backend and indexes records per host.
type Store struct {
	host    string
	backend Backend
	index   state.Store
	bucket  string
	clock   clock.Clock
}

// NewStore returns a store for host.
func NewStore(host string, backend Backend, index state.Store, clk clock.Clock) (*Store, error) {
	bucket := state.Bucket(host, state.BucketBackups)
	if err := state.EnsureBucket(index, bucket); err != nil {
		return nil, fmt.Errorf("backup index: %w", err)
	}
	return &Store{
		host:    host,
		backend: backend,
		index:   index,
		bucket:  bucket,
		clock:   clock.OrReal(clk),
	}, nil
}

// Checksum returns the keyless blake3 checksum used in records.
func Checksum(payload []byte) string {
	sum := blake3.Sum256(payload)
	return "blake3:" + hex.EncodeToString(sum[:])
}

// Save persists req and returns the immutable record.
func (s *Store) Save(ctx context.Context, req Request) (*Record, error) {
	ref, err := s.backend.Write(ctx, req.Payload)
	if err != nil {
		return nil, &Error{Op: "write", UnitID: req.UnitID, Target: req.Target, Err: err}
	}

	rec := &Record{
		ID:            uuid.NewString(),
		Host:          s.host,
		UnitID:        req.UnitID,
		Target:        req.Target,
		Timestamp:     s.clock.Now().UTC(),
		PayloadRef:    ref,
		Checksum:      Checksum(req.Payload),
		Size:          int64(len(req.Payload)),
		RunID:         req.RunID,
		TransactionID: req.TransactionID,
		Unit:          req.Unit,
	}
	if err := s.index.SetJSON(s.bucket, rec.ID, rec); err != nil {
		return nil, &Error{Op: "index", UnitID: req.UnitID, Target: req.Target, Err: err}
	}
	return rec, nil
}

// Load returns the payload for rec after verifying its checksum.
func (s *Store) Load(ctx context.Context, rec *Record) ([]byte, error) {
	payload, err := s.backend.Read(ctx, rec.PayloadRef)
	if err != nil {
		return nil, &Error{Op: "read", UnitID: rec.UnitID, Target: rec.Target, Err: err}
	}
	if got := Checksum(payload); got != rec.Checksum {
		return nil, &Error{Op: "verify", UnitID: rec.UnitID, Target: rec.Target,
			Err: fmt.Errorf("checksum mismatch: record %s, payload %s", rec.Checksum, got)}
	}
	return payload, nil
}

// Get returns a record by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	if err := s.index.GetJSON(s.bucket, id, &rec); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &rec, nil
}

// List returns records newest first. A non-empty unitID filters.
func (s *Store) List(ctx context.Context, unitID string) ([]Record, error) {
	keys, err := s.index.ListKeys(s.bucket)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		rec, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if unitID != "" && rec.UnitID != unitID {
			continue
		}
		out = append(out, *rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PruneOptions selects records to delete. A record is removed only when it
// is beyond the newest Keep for its unit, older than OlderThan (if set)
// and not listed in Protect.
type PruneOptions struct {
	Keep      int
	OlderThan time.Duration
	Protect   map[string]bool
	DryRun    bool
}

// Prune deletes selected records and any payload no longer referenced.
// It is an operator action; the engine never calls it during a run.
func (s *Store) Prune(ctx context.Context, opts PruneOptions) ([]Record, error) {
	if opts.Keep < 1 {
		opts.Keep = 1
	}
	all, err := s.List(ctx, "")
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	perUnit := make(map[string]int)
	var doomed []Record
	refs := make(map[string]int)
	for _, rec := range all {
		refs[rec.PayloadRef]++
		perUnit[rec.UnitID]++
		if perUnit[rec.UnitID] <= opts.Keep || opts.Protect[rec.ID] {
			continue
		}
		if opts.OlderThan > 0 && now.Sub(rec.Timestamp) < opts.OlderThan {
			continue
		}
		doomed = append(doomed, rec)
	}
	if opts.DryRun {
		return doomed, nil
	}

	for _, rec := range doomed {
		if err := s.index.Delete(s.bucket, rec.ID); err != nil && !errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("delete record %s: %w", rec.ID, err)
		}
		refs[rec.PayloadRef]--
		if refs[rec.PayloadRef] == 0 {
			if err := s.backend.Delete(ctx, rec.PayloadRef); err != nil {
				return nil, fmt.Errorf("delete payload %s: %w", rec.PayloadRef, err)
			}
		}
	}
	return doomed, nil
}
