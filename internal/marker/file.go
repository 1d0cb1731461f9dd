package marker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const markerSuffix = ".applied"

// FileStore keeps one JSON file per unit under dir/host.
type FileStore struct {
	dir string
}

// NewFileStore creates the marker directory with mode 0750.
func NewFileStore(root, host string) (*FileStore, error) {
	if host == "" {
		host = "local"
	}
	dir := filepath.Join(root, host)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create marker dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(unitID string) (string, error) {
	if unitID == "" || strings.ContainsAny(unitID, "/\\") || unitID == "." || unitID == ".." {
		return "", fmt.Errorf("invalid unit id %q for marker file", unitID)
	}
	return filepath.Join(f.dir, unitID+markerSuffix), nil
}

func (f *FileStore) Get(ctx context.Context, unitID string) (*Marker, error) {
	p, err := f.path(unitID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoMarker
		}
		return nil, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupt marker %s: %w", p, err)
	}
	return &m, nil
}

func (f *FileStore) Put(ctx context.Context, m Marker) error {
	p, err := f.path(m.UnitID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (f *FileStore) Delete(ctx context.Context, unitID string) error {
	p, err := f.path(unitID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FileStore) List(ctx context.Context) ([]Marker, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var out []Marker
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, markerSuffix) {
			continue
		}
		m, err := f.Get(ctx, strings.TrimSuffix(name, markerSuffix))
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out, nil
}
