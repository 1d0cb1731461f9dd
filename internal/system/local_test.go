package system

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExecutor_WriteFilePreservesMode(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "sshd_config")
	require.NoError(t, os.WriteFile(path, []byte("PermitRootLogin yes\n"), 0o600))

	l := NewLocalExecutor("test")
	require.NoError(t, l.WriteFile(ctx, path, []byte("PermitRootLogin no\n"), 0o644))

	got, err := l.ReadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "PermitRootLogin no\n", string(got))

	fi, err := l.Stat(ctx, path)
	require.NoError(t, err)
	assert.True(t, fi.Exists)
	assert.Equal(t, fs.FileMode(0o600), fi.Mode)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestLocalExecutor_WriteFileCreatesWithPerm(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "banner")

	l := NewLocalExecutor("test")
	require.NoError(t, l.WriteFile(ctx, path, []byte("hello"), 0o644))

	fi, err := l.Stat(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o644), fi.Mode)
}

func TestLocalExecutor_Missing(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nope")
	l := NewLocalExecutor("")
	assert.NotEmpty(t, l.Host())

	_, err := l.ReadFile(ctx, path)
	assert.True(t, errors.Is(err, ErrNotExist))

	fi, err := l.Stat(ctx, path)
	require.NoError(t, err)
	assert.False(t, fi.Exists)

	assert.NoError(t, l.Remove(ctx, path))
}

func TestLocalExecutor_Chmod(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	l := NewLocalExecutor("test")
	require.NoError(t, l.Chmod(ctx, path, 0o600))
	fi, err := l.Stat(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o600), fi.Mode)
}

func TestLocalExecutor_Run(t *testing.T) {
	ctx := context.Background()
	l := NewLocalExecutor("test")

	res, err := l.Run(ctx, []string{"sh", "-c", "echo out; echo err >&2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)

	res, err = l.Run(ctx, []string{"sh", "-c", "echo broken >&2; exit 3"}, nil)
	require.Error(t, err)
	assert.True(t, IsCommandError(err))
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, err.Error(), "broken")

	res, err = l.Run(ctx, []string{"cat"}, []byte("piped"))
	require.NoError(t, err)
	assert.Equal(t, "piped", res.Stdout)

	_, err = l.Run(ctx, nil, nil)
	assert.Error(t, err)
}
