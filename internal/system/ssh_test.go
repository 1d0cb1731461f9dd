package system

import (
	"bytes"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runScript runs a remote write script under the local shell, the way the
// SSH session would.
func runScript(t *testing.T, prefix, script string, stdin []byte) error {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no POSIX shell")
	}
	cmd := exec.Command("sh", "-c", prefix+script)
	cmd.Stdin = bytes.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		t.Logf("script failed: %v: %s", err, stderr.String())
	}
	return err
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestWriteScript_ReplacesAndKeepsMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sshd_config")
	require.NoError(t, os.WriteFile(path, []byte("PermitRootLogin yes\n"), 0o640))

	require.NoError(t, runScript(t, "", writeScript(path, 0o600), []byte("PermitRootLogin no\n")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "PermitRootLogin no\n", string(got))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o640), fi.Mode().Perm(), "the existing mode wins over perm")
	assert.Equal(t, []string{"sshd_config"}, dirNames(t, dir))
}

func TestWriteScript_CreatesWithPerm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "issue.net")

	require.NoError(t, runScript(t, "", writeScript(path, 0o644), []byte("Authorized use only\n")))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o644), fi.Mode().Perm())
}

func TestWriteScript_FailedCopyLeavesTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sshd_config")
	require.NoError(t, os.WriteFile(path, []byte("PermitRootLogin yes\n"), 0o600))
	// A directory where the temp file goes makes the copy fail.
	require.NoError(t, os.Mkdir(path+".bulwark-tmp", 0o700))

	err := runScript(t, "", writeScript(path, 0o600), []byte("PermitRootLogin no\n"))
	require.Error(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "PermitRootLogin yes\n", string(got))
}

func TestWriteScript_ShortWriteLeavesTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sshd_config")
	original := "PermitRootLogin yes\n"
	require.NoError(t, os.WriteFile(path, []byte(original), 0o600))

	// The file size limit stops cat after the first block.
	payload := []byte(strings.Repeat("PasswordAuthentication no\n", 4096))
	err := runScript(t, "ulimit -f 1 && ", writeScript(path, 0o600), payload)
	require.Error(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, string(got), "a truncated copy must never replace the target")
	assert.Equal(t, []string{"sshd_config"}, dirNames(t, dir), "the partial temp file is removed")
}

func TestWriteScript_QuotesPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "odd name's file")

	require.NoError(t, runScript(t, "", writeScript(path, 0o600), []byte("x\n")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(got))
}
