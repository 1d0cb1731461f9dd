package marker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"grimm.is/bulwark/internal/state"
)

// StateStore keeps markers in a bucket of the state database.
type StateStore struct {
	store  state.Store
	bucket string
}

// NewStateStore returns a marker store namespaced to host.
func NewStateStore(store state.Store, host string) (*StateStore, error) {
	bucket := state.Bucket(host, state.BucketMarkers)
	if err := state.EnsureBucket(store, bucket); err != nil {
		return nil, fmt.Errorf("marker bucket: %w", err)
	}
	return &StateStore{store: store, bucket: bucket}, nil
}

func (s *StateStore) Get(ctx context.Context, unitID string) (*Marker, error) {
	var m Marker
	if err := s.store.GetJSON(s.bucket, unitID, &m); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, ErrNoMarker
		}
		return nil, err
	}
	return &m, nil
}

func (s *StateStore) Put(ctx context.Context, m Marker) error {
	if m.UnitID == "" {
		return fmt.Errorf("marker without unit id")
	}
	return s.store.SetJSON(s.bucket, m.UnitID, m)
}

func (s *StateStore) Delete(ctx context.Context, unitID string) error {
	err := s.store.Delete(s.bucket, unitID)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	return err
}

func (s *StateStore) List(ctx context.Context) ([]Marker, error) {
	keys, err := s.store.ListKeys(s.bucket)
	if err != nil {
		return nil, err
	}
	out := make([]Marker, 0, len(keys))
	for _, k := range keys {
		m, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out, nil
}
