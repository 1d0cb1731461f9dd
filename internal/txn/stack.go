package txn

import (
	"context"
	"sync"
)

// Entry is one reversible step of a run.
type Entry struct {
	TransactionID string
	UnitID        string
	Resource      string
	BackupID      string

	restore func(ctx context.Context) error
}

// Restore runs the entry's restore action.
func (e Entry) Restore(ctx context.Context) error {
	if e.restore == nil {
		return nil
	}
	return e.restore(ctx)
}

// RollbackStack records the transactions of one run, newest on top.
// Entries are pushed before apply. A rolled-back transaction removes its
// own entry; committed entries stay until the run finishes successfully
// and discharges the stack, so reading it top to bottom always leads back
// to the state before the run.
type RollbackStack struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRollbackStack returns an empty stack.
func NewRollbackStack() *RollbackStack {
	return &RollbackStack{}
}

// Push adds e on top.
func (s *RollbackStack) Push(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

// Pop removes and returns the top entry.
func (s *RollbackStack) Pop() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	if n == 0 {
		return Entry{}, false
	}
	e := s.entries[n-1]
	s.entries = s.entries[:n-1]
	return e, true
}

// Remove takes out the entry of transaction id wherever it is.
func (s *RollbackStack) Remove(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].TransactionID == id {
			e := s.entries[i]
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return e, true
		}
	}
	return Entry{}, false
}

// Len returns the number of entries.
func (s *RollbackStack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns a copy, top first.
func (s *RollbackStack) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[len(s.entries)-1-i] = e
	}
	return out
}

// Discharge empties the stack after a successful run and returns what it
// held, top first.
func (s *RollbackStack) Discharge() []Entry {
	out := s.Entries()
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
	return out
}

// Unwind pops and restores every entry, newest first. It stops at the
// first failure and returns it with the entry that failed; the failed
// entry is not put back.
func (s *RollbackStack) Unwind(ctx context.Context) (restored []Entry, failed *Entry, err error) {
	for {
		e, ok := s.Pop()
		if !ok {
			return restored, nil, nil
		}
		if err := e.Restore(ctx); err != nil {
			return restored, &e, err
		}
		restored = append(restored, e)
	}
}
