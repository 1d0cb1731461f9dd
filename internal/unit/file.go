package unit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"

	"grimm.is/bulwark/internal/config"
	"grimm.is/bulwark/internal/system"
)

// fileUnit replaces a file's whole content, then mode and owner.
type fileUnit struct {
	base
	content []byte
	attrs   attrs
}

func newFile(spec config.UnitSpec, b base) (Unit, error) {
	if spec.Content == nil {
		return nil, fmt.Errorf("file unit needs content")
	}
	a, err := attrsFromSpec(spec)
	if err != nil {
		return nil, err
	}
	return &fileUnit{base: b, content: []byte(*spec.Content), attrs: a}, nil
}

func attrsFromSpec(spec config.UnitSpec) (attrs, error) {
	mode, ok, err := spec.FileMode()
	if err != nil {
		return attrs{}, err
	}
	return attrs{mode: fs.FileMode(mode), hasMode: ok, owner: spec.Owner, group: spec.Group}, nil
}

func (f *fileUnit) DescribeRisk() string {
	return f.risk(fmt.Sprintf("replaces the content of %s", f.target))
}

func (f *fileUnit) Capture(ctx context.Context, exec system.Executor) ([]byte, error) {
	st, err := captureFile(ctx, exec, f.target, true)
	if err != nil {
		return nil, err
	}
	return st.encode()
}

func (f *fileUnit) Satisfied(ctx context.Context, exec system.Executor) (bool, error) {
	cur, err := exec.ReadFile(ctx, f.target)
	if errors.Is(err, system.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(cur, f.content) {
		return false, nil
	}
	fi, err := exec.Stat(ctx, f.target)
	if err != nil {
		return false, err
	}
	return f.attrs.satisfied(ctx, exec, fi)
}

func (f *fileUnit) Apply(ctx context.Context, exec system.Executor) error {
	perm := fs.FileMode(0o644)
	if f.attrs.hasMode {
		perm = f.attrs.mode
	}
	cur, err := exec.ReadFile(ctx, f.target)
	if err != nil && !errors.Is(err, system.ErrNotExist) {
		return err
	}
	if err != nil || !bytes.Equal(cur, f.content) {
		if err := exec.WriteFile(ctx, f.target, f.content, perm); err != nil {
			return fmt.Errorf("write %s: %w", f.target, err)
		}
	}
	return f.attrs.apply(ctx, exec, f.target)
}

func (f *fileUnit) Restore(ctx context.Context, exec system.Executor, payload []byte) error {
	st, err := decodeFileState(payload)
	if err != nil {
		return err
	}
	return restoreFile(ctx, exec, st, true)
}

func (f *fileUnit) Plan(ctx context.Context, exec system.Executor) (string, error) {
	cur, err := exec.ReadFile(ctx, f.target)
	if err != nil && !errors.Is(err, system.ErrNotExist) {
		return "", err
	}
	out := unifiedDiff(f.target, f.target+" (policy)", string(cur), string(f.content))
	fi, err := exec.Stat(ctx, f.target)
	if err != nil {
		return "", err
	}
	if fi.Exists {
		ok, err := f.attrs.satisfied(ctx, exec, fi)
		if err != nil {
			return "", err
		}
		if !ok {
			out += f.attrs.describe(fi)
		}
	} else if out == "" {
		out = fmt.Sprintf("create %s\n", f.target)
	}
	return out, nil
}
