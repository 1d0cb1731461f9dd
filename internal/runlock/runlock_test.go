package runlock

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_ExcludesSecondHolder(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, "web1")
	require.NoError(t, err)

	// flock locks belong to the open file description, so a second open
	// in the same process conflicts.
	_, err = Acquire(dir, "web1")
	var held *HeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, os.Getpid(), held.PID)

	other, err := Acquire(dir, "web2")
	require.NoError(t, err)
	require.NoError(t, other.Release())

	require.NoError(t, l.Release())
	again, err := Acquire(dir, "web1")
	require.NoError(t, err)
	require.NoError(t, again.Release())
	assert.NoError(t, again.Release(), "release is idempotent")
}

func TestPath(t *testing.T) {
	assert.Equal(t, "/var/lib/bulwark/10.0.0.5_22.lock", Path("/var/lib/bulwark", "10.0.0.5:22"))
	assert.Equal(t, "/tmp/local.lock", Path("/tmp", ""))
}
