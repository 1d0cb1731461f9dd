package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/bulwark/internal/clock"
	"grimm.is/bulwark/internal/state"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Write(ctx context.Context, payload []byte) (string, error) {
	args := m.Called(ctx, payload)
	return args.String(0), args.Error(1)
}

func (m *mockBackend) Read(ctx context.Context, ref string) ([]byte, error) {
	args := m.Called(ctx, ref)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *mockBackend) Delete(ctx context.Context, ref string) error {
	return m.Called(ctx, ref).Error(0)
}

func newTestStore(t *testing.T) (*Store, *FileBackend, *clock.MockClock) {
	t.Helper()
	idx, err := state.NewSQLiteStore(state.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	fb, err := NewFileBackend(t.TempDir(), "web1")
	require.NoError(t, err)

	clk := clock.NewMockClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	s, err := NewStore("web1", fb, idx, clk)
	require.NoError(t, err)
	return s, fb, clk
}

func TestStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	payload := []byte("PermitRootLogin yes\nPasswordAuthentication yes\n")
	rec, err := s.Save(ctx, Request{UnitID: "sshd", Target: "/etc/ssh/sshd_config", Payload: payload, RunID: "r1"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "web1", rec.Host)
	assert.Equal(t, Checksum(payload), rec.Checksum)
	assert.Equal(t, int64(len(payload)), rec.Size)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.PayloadRef, got.PayloadRef)

	data, err := s.Load(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, payload, data, "restore must be byte-for-byte")
}

func TestStore_EmptyPayload(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	rec, err := s.Save(ctx, Request{UnitID: "u", Target: "/x", Payload: []byte{}})
	require.NoError(t, err)
	data, err := s.Load(ctx, rec)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestStore_ChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	rec, err := s.Save(ctx, Request{UnitID: "u", Target: "/x", Payload: []byte("a")})
	require.NoError(t, err)

	rec.Checksum = Checksum([]byte("b"))
	_, err = s.Load(ctx, rec)
	require.Error(t, err)
	assert.True(t, IsError(err))
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestStore_BackendFailure(t *testing.T) {
	ctx := context.Background()
	idx, err := state.NewSQLiteStore(state.Options{Path: ":memory:"})
	require.NoError(t, err)
	defer idx.Close()

	diskFull := errors.New("no space left on device")
	mb := new(mockBackend)
	mb.On("Write", mock.Anything, mock.Anything).Return("", diskFull)

	s, err := NewStore("h", mb, idx, nil)
	require.NoError(t, err)

	_, err = s.Save(ctx, Request{UnitID: "audit", Target: "/etc/audit/auditd.conf", Payload: []byte("x")})
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "write", be.Op)
	assert.Equal(t, "audit", be.UnitID)
	assert.ErrorIs(t, err, diskFull)

	recs, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, recs, "no record without a payload")
	mb.AssertExpectations(t)
}

func TestStore_GetMissing(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListAndPrune(t *testing.T) {
	ctx := context.Background()
	s, fb, clk := newTestStore(t)

	var ids []string
	for i := 0; i < 4; i++ {
		rec, err := s.Save(ctx, Request{UnitID: "sshd", Target: "/etc/ssh/sshd_config", Payload: []byte{byte('a' + i)}})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
		clk.Advance(24 * time.Hour)
	}
	_, err := s.Save(ctx, Request{UnitID: "banner", Target: "/etc/issue", Payload: []byte("a")})
	require.NoError(t, err)

	recs, err := s.List(ctx, "sshd")
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, ids[3], recs[0].ID, "newest first")

	planned, err := s.Prune(ctx, PruneOptions{Keep: 2, DryRun: true})
	require.NoError(t, err)
	assert.Len(t, planned, 2)
	recs, _ = s.List(ctx, "")
	assert.Len(t, recs, 5, "dry run deletes nothing")

	removed, err := s.Prune(ctx, PruneOptions{Keep: 1, OlderThan: 60 * time.Hour, Protect: map[string]bool{ids[0]: true}})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, ids[1], removed[0].ID)

	// "a" payload is shared by sshd's first record and banner, so it survives.
	first, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	_, err = fb.Read(ctx, first.PayloadRef)
	assert.NoError(t, err)

	_, err = fb.Read(ctx, removed[0].PayloadRef)
	assert.Error(t, err, "unreferenced payload is deleted")
}

func TestFileBackend(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fb, err := NewFileBackend(root, "")
	require.NoError(t, err)

	fi, err := os.Stat(filepath.Join(root, "local"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), fi.Mode().Perm())

	ref1, err := fb.Write(ctx, []byte("same"))
	require.NoError(t, err)
	ref2, err := fb.Write(ctx, []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2, "content addressed")

	path, err := fb.objectPath(ref1)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o640))
	_, err = fb.Read(ctx, ref1)
	assert.Error(t, err)

	_, err = fb.Read(ctx, "../../etc/passwd")
	assert.ErrorContains(t, err, "invalid payload ref")

	assert.NoError(t, fb.Delete(ctx, ref1))
	assert.NoError(t, fb.Delete(ctx, ref1))
}
