package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// LocalExecutor operates on the machine the process runs on.
type LocalExecutor struct {
	name string
}

// NewLocalExecutor returns an executor for this machine. An empty name
// falls back to the kernel hostname.
func NewLocalExecutor(name string) *LocalExecutor {
	if name == "" {
		if h, err := os.Hostname(); err == nil {
			name = h
		} else {
			name = "local"
		}
	}
	return &LocalExecutor{name: name}
}

func (l *LocalExecutor) Host() string { return l.name }

func (l *LocalExecutor) Run(ctx context.Context, argv []string, stdin []byte) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &CommandError{Command: argv, Result: res}
		}
		return res, fmt.Errorf("run %s: %w", argv[0], err)
	}
	return res, nil
}

func (l *LocalExecutor) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (l *LocalExecutor) WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error {
	mode := perm
	uid, gid := -1, -1
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
		if st, ok := fi.Sys().(*unix.Stat_t); ok {
			uid, gid = int(st.Uid), int(st.Gid)
		}
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".bulwark-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return err
	}
	if uid >= 0 {
		// Preserve ownership; only root can do this, so failure is tolerated.
		_ = os.Lchown(tmpName, uid, gid)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (l *LocalExecutor) Remove(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (l *LocalExecutor) Stat(ctx context.Context, path string) (*FileInfo, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return &FileInfo{Path: path}, nil
		}
		return nil, &fs.PathError{Op: "stat", Path: path, Err: err}
	}
	return &FileInfo{
		Path:   path,
		Exists: true,
		Mode:   fs.FileMode(st.Mode & 0o7777),
		UID:    int(st.Uid),
		GID:    int(st.Gid),
	}, nil
}

func (l *LocalExecutor) Chmod(ctx context.Context, path string, mode fs.FileMode) error {
	return os.Chmod(path, mode)
}

func (l *LocalExecutor) Chown(ctx context.Context, path string, uid, gid int) error {
	return os.Lchown(path, uid, gid)
}

func (l *LocalExecutor) LookupOwner(ctx context.Context, userName, groupName string) (int, int, error) {
	uid, gid := -1, -1
	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			return 0, 0, err
		}
		if uid, err = strconv.Atoi(u.Uid); err != nil {
			return 0, 0, err
		}
	}
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return 0, 0, err
		}
		if gid, err = strconv.Atoi(g.Gid); err != nil {
			return 0, 0, err
		}
	}
	return uid, gid, nil
}
