package system

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
)

// CommandFunc scripts the behavior of a command on a MemExecutor.
type CommandFunc func(ctx context.Context, m *MemExecutor, argv []string, stdin []byte) (*Result, error)

// MemExecutor is an in-memory target host. It keeps files, modes and a
// scripted command table, and records every command it runs. Tests across
// the engine use it as the host under change.
type MemExecutor struct {
	name string

	mu       sync.Mutex
	files    map[string][]byte
	info     map[string]FileInfo
	commands map[string]CommandFunc
	history  [][]string
	failures map[string]error
}

// NewMemExecutor returns an empty host.
func NewMemExecutor(name string) *MemExecutor {
	return &MemExecutor{
		name:     name,
		files:    make(map[string][]byte),
		info:     make(map[string]FileInfo),
		commands: make(map[string]CommandFunc),
		failures: make(map[string]error),
	}
}

func (m *MemExecutor) Host() string { return m.name }

// SetFile seeds a file with content and mode, owned by root.
func (m *MemExecutor) SetFile(path string, data []byte, mode fs.FileMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = append([]byte(nil), data...)
	m.info[path] = FileInfo{Path: path, Exists: true, Mode: mode}
}

// File returns the current content of path and whether it exists.
func (m *MemExecutor) File(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[path]
	return append([]byte(nil), b...), ok
}

// Handle registers fn for commands whose argv[0] equals name.
func (m *MemExecutor) Handle(name string, fn CommandFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands[name] = fn
}

// FailOn makes the named operation ("read", "write", "stat", "chmod",
// "chown", "remove") fail for path with err. A nil err clears it.
func (m *MemExecutor) FailOn(op, path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := op + " " + path
	if err == nil {
		delete(m.failures, key)
		return
	}
	m.failures[key] = err
}

// History returns the commands run so far.
func (m *MemExecutor) History() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.history))
	copy(out, m.history)
	return out
}

// Paths lists every existing file.
func (m *MemExecutor) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *MemExecutor) failure(op, path string) error {
	if err, ok := m.failures[op+" "+path]; ok {
		return err
	}
	return nil
}

func (m *MemExecutor) Run(ctx context.Context, argv []string, stdin []byte) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.history = append(m.history, append([]string(nil), argv...))
	fn, ok := m.commands[argv[0]]
	m.mu.Unlock()

	if !ok {
		res := &Result{ExitCode: 127, Stderr: argv[0] + ": command not found"}
		return res, &CommandError{Command: argv, Result: res}
	}
	res, err := fn(ctx, m, argv, stdin)
	if res == nil {
		res = &Result{}
	}
	if err == nil && res.ExitCode != 0 {
		err = &CommandError{Command: argv, Result: res}
	}
	return res, err
}

func (m *MemExecutor) ReadFile(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("read", path); err != nil {
		return nil, &fs.PathError{Op: "open", Path: path, Err: err}
	}
	b, ok := m.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), b...), nil
}

func (m *MemExecutor) WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("write", path); err != nil {
		return &fs.PathError{Op: "write", Path: path, Err: err}
	}
	m.files[path] = append([]byte(nil), data...)
	if _, ok := m.info[path]; !ok {
		m.info[path] = FileInfo{Path: path, Exists: true, Mode: perm.Perm()}
	}
	return nil
}

func (m *MemExecutor) Remove(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("remove", path); err != nil {
		return err
	}
	delete(m.files, path)
	delete(m.info, path)
	return nil
}

func (m *MemExecutor) Stat(ctx context.Context, path string) (*FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("stat", path); err != nil {
		return nil, err
	}
	fi, ok := m.info[path]
	if !ok {
		return &FileInfo{Path: path}, nil
	}
	return &fi, nil
}

func (m *MemExecutor) Chmod(ctx context.Context, path string, mode fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("chmod", path); err != nil {
		return err
	}
	fi, ok := m.info[path]
	if !ok {
		return &fs.PathError{Op: "chmod", Path: path, Err: fs.ErrNotExist}
	}
	fi.Mode = mode & 0o7777
	m.info[path] = fi
	return nil
}

func (m *MemExecutor) Chown(ctx context.Context, path string, uid, gid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("chown", path); err != nil {
		return err
	}
	fi, ok := m.info[path]
	if !ok {
		return &fs.PathError{Op: "chown", Path: path, Err: fs.ErrNotExist}
	}
	if uid >= 0 {
		fi.UID = uid
	}
	if gid >= 0 {
		fi.GID = gid
	}
	m.info[path] = fi
	return nil
}

// LookupOwner knows root (0) and numeric names.
func (m *MemExecutor) LookupOwner(ctx context.Context, user, group string) (int, int, error) {
	resolve := func(name string) (int, error) {
		switch {
		case name == "":
			return -1, nil
		case name == "root":
			return 0, nil
		default:
			var id int
			if _, err := fmt.Sscanf(name, "%d", &id); err != nil {
				return 0, fmt.Errorf("unknown owner %q", name)
			}
			return id, nil
		}
	}
	uid, err := resolve(user)
	if err != nil {
		return 0, 0, err
	}
	gid, err := resolve(strings.TrimSpace(group))
	if err != nil {
		return 0, 0, err
	}
	return uid, gid, nil
}
