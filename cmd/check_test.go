package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPolicy = `
unit "banner" {
  kind    = "file"
  target  = "/etc/issue.net"
  tier    = 1
  content = "Authorized use only.\n"
}

unit "sshd_root_login" {
  kind             = "directive"
  target           = "/etc/ssh/sshd_config"
  tier             = 1
  requires         = ["banner"]
  access_affecting = true
  settings         = { PermitRootLogin = "no" }

  validate "command" {
    command = ["sshd", "-t", "-f", "{target}"]
  }
}
`

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRunCheck_ValidPolicy(t *testing.T) {
	assert.NoError(t, RunCheck(writePolicy(t, validPolicy), true))
}

func TestRunCheck_InvalidPolicy(t *testing.T) {
	err := RunCheck(writePolicy(t, "unit \"x\" {\n  kind = \"file\"\n"), false)
	assert.Error(t, err)
}

func TestRunCheck_Cycle(t *testing.T) {
	body := `
unit "a" {
  kind     = "file"
  target   = "/tmp/a"
  content  = "a"
  requires = ["b"]
}
unit "b" {
  kind     = "file"
  target   = "/tmp/b"
  content  = "b"
  requires = ["a"]
}
`
	err := RunCheck(writePolicy(t, body), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be scheduled")
}

func TestRunCheck_NoFile(t *testing.T) {
	assert.ErrorContains(t, RunCheck("", false), "usage")
}
