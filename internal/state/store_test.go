package state

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bulwark/internal/clock"
)

func newMemStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TestNewSQLiteStore_FileBackend verifies values survive a reopen and the
// schema is not migrated twice.
func TestNewSQLiteStore_FileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := NewSQLiteStore(DefaultOptions(path))
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket("markers"))
	require.NoError(t, store.Set("markers", "ssh", []byte("done")))
	require.NoError(t, store.Close())

	store2, err := NewSQLiteStore(DefaultOptions(path))
	require.NoError(t, err)
	defer store2.Close()

	got, err := store2.Get("markers", "ssh")
	require.NoError(t, err)
	assert.Equal(t, "done", string(got))

	var version int
	require.NoError(t, store2.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, len(migrations), version)
}

func TestNewSQLiteStore_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewSQLiteStore(DefaultOptions(path))
	require.NoError(t, err)
	_, err = store.db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	store.Close()

	_, err = NewSQLiteStore(DefaultOptions(path))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than this binary")
}

func TestKeyValueOperations(t *testing.T) {
	mock := clock.NewMockClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	store, err := NewSQLiteStore(Options{Path: ":memory:", Clock: mock})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, EnsureBucket(store, "test"))
	require.NoError(t, EnsureBucket(store, "test"), "EnsureBucket should be idempotent")
	assert.ErrorIs(t, store.CreateBucket("test"), ErrBucketExists)

	require.NoError(t, store.Set("test", "key1", []byte("value1")))
	require.NoError(t, store.Set("test", "key1", []byte("value2")))
	val, err := store.Get("test", "key1")
	require.NoError(t, err)
	assert.Equal(t, "value2", string(val))

	var updated time.Time
	require.NoError(t, store.db.QueryRow("SELECT updated_at FROM entries WHERE key = 'key1'").Scan(&updated))
	assert.True(t, updated.Equal(mock.Now()), "updated_at should come from the injected clock")

	require.NoError(t, store.Delete("test", "key1"))
	_, err = store.Get("test", "key1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete("test", "key1"), ErrNotFound)
}

func TestSetRequiresBucket(t *testing.T) {
	store := newMemStore(t)
	err := store.Set("missing", "k", []byte("v"))
	assert.True(t, errors.Is(err, ErrBucketMissing), "got %v", err)
}

func TestListOperations(t *testing.T) {
	store := newMemStore(t)
	require.NoError(t, store.CreateBucket("test"))
	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, store.Set("test", k, []byte("v"+k)))
	}

	all, err := store.List("test")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "va", string(all["a"]))

	keys, err := store.ListKeys("test")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	empty, err := store.List("nothing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

type record struct {
	Unit string `json:"unit"`
	Tier int    `json:"tier"`
}

func TestJSONOperations(t *testing.T) {
	store := newMemStore(t)
	require.NoError(t, store.CreateBucket("test"))

	require.NoError(t, store.SetJSON("test", "r", record{Unit: "ssh", Tier: 1}))
	require.NoError(t, store.SetJSON("test", "s", record{Unit: "sysctl", Tier: 0}))

	var got record
	require.NoError(t, store.GetJSON("test", "r", &got))
	assert.Equal(t, record{Unit: "ssh", Tier: 1}, got)

	all, err := ListJSON[record](store, "test")
	require.NoError(t, err)
	assert.Equal(t, map[string]record{"r": {Unit: "ssh", Tier: 1}, "s": {Unit: "sysctl"}}, all)

	require.NoError(t, store.Set("test", "bad", []byte("{")))
	_, err = ListJSON[record](store, "test")
	assert.Error(t, err)
}

func TestUpdateJSON(t *testing.T) {
	store := newMemStore(t)
	require.NoError(t, store.CreateBucket("test"))

	var r record
	require.NoError(t, store.UpdateJSON("test", "r", &r, func(found bool) error {
		assert.False(t, found)
		r.Unit = "ssh"
		return nil
	}))

	r = record{}
	require.NoError(t, store.UpdateJSON("test", "r", &r, func(found bool) error {
		assert.True(t, found)
		assert.Equal(t, "ssh", r.Unit)
		r.Tier = 2
		return nil
	}))

	boom := errors.New("boom")
	r = record{}
	err := store.UpdateJSON("test", "r", &r, func(bool) error {
		r.Tier = 9
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var got record
	require.NoError(t, store.GetJSON("test", "r", &got))
	assert.Equal(t, record{Unit: "ssh", Tier: 2}, got, "a failed update leaves the value unchanged")

	assert.ErrorIs(t, store.UpdateJSON("missing", "r", &r, func(bool) error { return nil }), ErrBucketMissing)
}

func TestClosedStore(t *testing.T) {
	store, err := NewSQLiteStore(Options{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Close())
	assert.NoError(t, store.Close(), "second Close should be a no-op")

	_, err = store.Get("a", "b")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Set("a", "b", nil), ErrStoreClosed)
	assert.ErrorIs(t, store.UpdateJSON("a", "b", &record{}, func(bool) error { return nil }), ErrStoreClosed)
}
