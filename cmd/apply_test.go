package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bulwark/internal/engine"
	"grimm.is/bulwark/internal/report"
	"grimm.is/bulwark/internal/state"
)

// localPolicy writes a policy whose units only touch files under dir.
// The "locked" unit fails its validator when failing is set.
func localPolicy(t *testing.T, dir string, failing bool) string {
	t.Helper()
	check := "true"
	if failing {
		check = "false"
	}
	body := fmt.Sprintf(`
settings {
  backup_dir = "%[1]s/backups"
  state_db   = "%[1]s/state/state.db"
  audit_db   = "%[1]s/state/audit.db"
  log_level  = "error"
}

unit "motd" {
  kind    = "file"
  target  = "%[1]s/etc/motd"
  tier    = 1
  content = "managed\n"
}

unit "locked" {
  kind     = "file"
  target   = "%[1]s/etc/locked"
  tier     = 2
  requires = ["motd"]
  content  = "locked\n"

  validate "command" {
    command = ["%[2]s"]
  }
}
`, dir, check)
	return writePolicy(t, body)
}

func seedFiles(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "etc", "motd"), []byte("welcome\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "etc", "locked"), []byte("open\n"), 0o644))
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRunApply_LocalCommitsAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	seedFiles(t, dir)
	c := Common{ConfigFile: localPolicy(t, dir, false)}

	code, err := RunApply(context.Background(), ApplyOptions{Common: c, MaxTier: -1, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, report.ExitOK, code)
	assert.Equal(t, "welcome\n", read(t, filepath.Join(dir, "etc", "motd")), "plan changes nothing")

	code, err = RunApply(context.Background(), ApplyOptions{Common: c, MaxTier: -1})
	require.NoError(t, err)
	assert.Equal(t, report.ExitOK, code)
	assert.Equal(t, "managed\n", read(t, filepath.Join(dir, "etc", "motd")))
	assert.Equal(t, "locked\n", read(t, filepath.Join(dir, "etc", "locked")))

	code, err = RunApply(context.Background(), ApplyOptions{Common: c, MaxTier: -1})
	require.NoError(t, err)
	assert.Equal(t, report.ExitOK, code)

	code, err = RunDrift(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, report.ExitOK, code)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "etc", "motd"), []byte("edited\n"), 0o644))
	code, err = RunDrift(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, report.ExitFailed, code)
}

func TestRunApply_FailedRunCanBeRolledBack(t *testing.T) {
	dir := t.TempDir()
	seedFiles(t, dir)
	c := Common{ConfigFile: localPolicy(t, dir, true)}

	code, err := RunApply(context.Background(), ApplyOptions{Common: c, MaxTier: -1})
	require.NoError(t, err)
	assert.Equal(t, report.ExitFailed, code)
	assert.Equal(t, "managed\n", read(t, filepath.Join(dir, "etc", "motd")))
	assert.Equal(t, "open\n", read(t, filepath.Join(dir, "etc", "locked")), "failed unit was restored")

	store, err := state.NewSQLiteStore(state.Options{Path: filepath.Join(dir, "state", "state.db")})
	require.NoError(t, err)
	runs, err := engine.ListRuns(store, "local")
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, runs, 1)
	require.Len(t, runs[0].Rollback, 1)

	require.NoError(t, RunRollbackRun(context.Background(), c, runs[0].ID))
	assert.Equal(t, "welcome\n", read(t, filepath.Join(dir, "etc", "motd")))

	assert.Error(t, RunRollbackRun(context.Background(), c, runs[0].ID), "a run rolls back once")
	assert.NoError(t, RunBackupsList(context.Background(), c, ""))
	assert.NoError(t, RunMarkersList(context.Background(), c))
	assert.NoError(t, RunAudit(AuditOptions{Common: c, RunID: runs[0].ID}))
}

func TestRunApply_ConfigErrors(t *testing.T) {
	code, err := RunApply(context.Background(), ApplyOptions{Common: Common{ConfigFile: filepath.Join(t.TempDir(), "missing.hcl")}})
	assert.Error(t, err)
	assert.Equal(t, report.ExitConfig, code)
}
