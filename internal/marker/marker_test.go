package marker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bulwark/internal/state"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	st, err := state.NewSQLiteStore(state.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ss, err := NewStateStore(st, "web1")
	require.NoError(t, err)
	fs, err := NewFileStore(t.TempDir(), "web1")
	require.NoError(t, err)

	return map[string]Store{"state": ss, "file": fs}
}

func TestStores(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "sshd_root_login")
			assert.ErrorIs(t, err, ErrNoMarker)

			m := Marker{UnitID: "sshd_root_login", CompletedAt: now, DesiredDigest: "abc", RunID: "r1", BackupID: "b1"}
			require.NoError(t, s.Put(ctx, m))
			require.NoError(t, s.Put(ctx, Marker{UnitID: "banner", CompletedAt: now}))

			got, err := s.Get(ctx, "sshd_root_login")
			require.NoError(t, err)
			assert.Equal(t, "abc", got.DesiredDigest)
			assert.True(t, got.CompletedAt.Equal(now))

			list, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "banner", list[0].UnitID)

			require.NoError(t, s.Delete(ctx, "banner"))
			require.NoError(t, s.Delete(ctx, "banner"), "deleting twice is fine")
			list, err = s.List(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestStateStore_HostNamespaces(t *testing.T) {
	ctx := context.Background()
	st, err := state.NewSQLiteStore(state.Options{Path: ":memory:"})
	require.NoError(t, err)
	defer st.Close()

	a, err := NewStateStore(st, "a")
	require.NoError(t, err)
	b, err := NewStateStore(st, "b")
	require.NoError(t, err)

	require.NoError(t, a.Put(ctx, Marker{UnitID: "u"}))
	_, err = b.Get(ctx, "u")
	assert.ErrorIs(t, err, ErrNoMarker)
}

func TestFileStore_RejectsPathIDs(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "")
	require.NoError(t, err)
	assert.Error(t, fs.Put(context.Background(), Marker{UnitID: "../etc"}))
}

func TestCurrent(t *testing.T) {
	assert.False(t, Current(nil, "x"))
	assert.True(t, Current(&Marker{DesiredDigest: "x"}, "x"))
	assert.False(t, Current(&Marker{DesiredDigest: "x"}, "y"))
	assert.True(t, Current(&Marker{}, "y"), "markers without digest are honored")
}
