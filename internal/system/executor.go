// Package system holds the primitives that touch the target host.
//
// The engine never shells out or opens files itself: every read, write and
// command goes through an Executor, which is either the local machine or a
// remote host reached over SSH.
package system

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// ErrNotExist is returned (wrapped) when a path is missing on the target.
var ErrNotExist = fs.ErrNotExist

// Result is the outcome of a command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Diagnostic returns the most useful text for a failure report.
func (r *Result) Diagnostic() string {
	if r == nil {
		return ""
	}
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

// CommandError reports a command that ran but exited non-zero.
type CommandError struct {
	Command []string
	Result  *Result
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited %d", strings.Join(e.Command, " "), e.Result.ExitCode)
	if d := e.Result.Diagnostic(); d != "" {
		msg += ": " + d
	}
	return msg
}

// IsCommandError reports whether err is a non-zero exit.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// FileInfo describes ownership and permissions of a path.
type FileInfo struct {
	Path   string      `json:"path"`
	Exists bool        `json:"exists"`
	Mode   fs.FileMode `json:"mode"`
	UID    int         `json:"uid"`
	GID    int         `json:"gid"`
}

// Executor performs reads, writes and commands on one target host.
type Executor interface {
	// Host names the target, used for logging and backup namespaces.
	Host() string

	// Run executes argv. A non-zero exit is returned as *CommandError
	// together with the Result.
	Run(ctx context.Context, argv []string, stdin []byte) (*Result, error)

	// ReadFile returns the content of path; missing files wrap ErrNotExist.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile atomically replaces path, creating it with perm if absent
	// and keeping the existing mode otherwise.
	WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error

	// Remove deletes path. Removing a missing path is not an error.
	Remove(ctx context.Context, path string) error

	// Stat returns ownership and mode. Missing paths return Exists=false.
	Stat(ctx context.Context, path string) (*FileInfo, error)

	// Chmod and Chown change permissions and ownership.
	Chmod(ctx context.Context, path string, mode fs.FileMode) error
	Chown(ctx context.Context, path string, uid, gid int) error

	// LookupOwner resolves user and group names to numeric ids.
	LookupOwner(ctx context.Context, user, group string) (uid, gid int, err error)
}

// Expand substitutes {target} and {host} placeholders in argv.
func Expand(argv []string, target, host string) []string {
	out := make([]string, len(argv))
	r := strings.NewReplacer("{target}", target, "{host}", host)
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ShellJoin renders argv as a single shell command line.
func ShellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = shellQuote(a)
	}
	return strings.Join(parts, " ")
}
