package unit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"grimm.is/bulwark/internal/system"
)

// fileState is the captured pre-image of a file.
type fileState struct {
	Path    string      `json:"path"`
	Exists  bool        `json:"exists"`
	Content []byte      `json:"content,omitempty"`
	Mode    fs.FileMode `json:"mode,omitempty"`
	UID     int         `json:"uid"`
	GID     int         `json:"gid"`
}

func captureFile(ctx context.Context, exec system.Executor, path string, withContent bool) (*fileState, error) {
	fi, err := exec.Stat(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	st := &fileState{Path: path, Exists: fi.Exists, Mode: fi.Mode, UID: fi.UID, GID: fi.GID}
	if !fi.Exists || !withContent {
		return st, nil
	}
	data, err := exec.ReadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	st.Content = data
	return st, nil
}

func (s *fileState) encode() ([]byte, error) {
	return json.Marshal(s)
}

func decodeFileState(payload []byte) (*fileState, error) {
	var st fileState
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, fmt.Errorf("decode file snapshot: %w", err)
	}
	return &st, nil
}

// restoreFile puts path back to st. A file that did not exist is removed.
func restoreFile(ctx context.Context, exec system.Executor, st *fileState, withContent bool) error {
	if !st.Exists {
		if withContent {
			return exec.Remove(ctx, st.Path)
		}
		return nil
	}
	if withContent {
		cur, err := exec.ReadFile(ctx, st.Path)
		if err != nil && !errors.Is(err, system.ErrNotExist) {
			return err
		}
		if err != nil || !bytes.Equal(cur, st.Content) {
			if err := exec.WriteFile(ctx, st.Path, st.Content, st.Mode); err != nil {
				return fmt.Errorf("write %s: %w", st.Path, err)
			}
		}
	}
	return restoreAttrs(ctx, exec, st)
}

func restoreAttrs(ctx context.Context, exec system.Executor, st *fileState) error {
	fi, err := exec.Stat(ctx, st.Path)
	if err != nil {
		return err
	}
	if fi.Mode != st.Mode {
		if err := exec.Chmod(ctx, st.Path, st.Mode); err != nil {
			return fmt.Errorf("chmod %s: %w", st.Path, err)
		}
	}
	if fi.UID != st.UID || fi.GID != st.GID {
		if err := exec.Chown(ctx, st.Path, st.UID, st.GID); err != nil {
			return fmt.Errorf("chown %s: %w", st.Path, err)
		}
	}
	return nil
}

// attrs is the desired ownership and mode of a path. Negative ids and
// hasMode=false leave that attribute alone.
type attrs struct {
	mode    fs.FileMode
	hasMode bool
	owner   string
	group   string
}

func (a attrs) empty() bool { return !a.hasMode && a.owner == "" && a.group == "" }

func (a attrs) satisfied(ctx context.Context, exec system.Executor, fi *system.FileInfo) (bool, error) {
	if a.hasMode && fi.Mode != a.mode {
		return false, nil
	}
	if a.owner == "" && a.group == "" {
		return true, nil
	}
	uid, gid, err := exec.LookupOwner(ctx, a.owner, a.group)
	if err != nil {
		return false, err
	}
	return (uid < 0 || fi.UID == uid) && (gid < 0 || fi.GID == gid), nil
}

func (a attrs) apply(ctx context.Context, exec system.Executor, path string) error {
	if a.hasMode {
		if err := exec.Chmod(ctx, path, a.mode); err != nil {
			return fmt.Errorf("chmod %s: %w", path, err)
		}
	}
	if a.owner != "" || a.group != "" {
		uid, gid, err := exec.LookupOwner(ctx, a.owner, a.group)
		if err != nil {
			return err
		}
		if err := exec.Chown(ctx, path, uid, gid); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
	}
	return nil
}

func (a attrs) describe(fi *system.FileInfo) string {
	var out string
	if a.hasMode && fi.Mode != a.mode {
		out += fmt.Sprintf("mode %04o -> %04o\n", uint32(fi.Mode), uint32(a.mode))
	}
	if a.owner != "" || a.group != "" {
		out += fmt.Sprintf("owner %d:%d -> %s:%s\n", fi.UID, fi.GID, a.owner, a.group)
	}
	return out
}
