package unit

import (
	"context"
	"fmt"

	"grimm.is/bulwark/internal/config"
	"grimm.is/bulwark/internal/system"
)

// modeUnit changes permissions and ownership of an existing path.
type modeUnit struct {
	base
	attrs attrs
}

func newMode(spec config.UnitSpec, b base) (Unit, error) {
	a, err := attrsFromSpec(spec)
	if err != nil {
		return nil, err
	}
	if a.empty() {
		return nil, fmt.Errorf("mode unit needs mode, owner or group")
	}
	return &modeUnit{base: b, attrs: a}, nil
}

func (m *modeUnit) DescribeRisk() string {
	return m.risk(fmt.Sprintf("changes permissions of %s", m.target))
}

func (m *modeUnit) stat(ctx context.Context, exec system.Executor) (*system.FileInfo, error) {
	fi, err := exec.Stat(ctx, m.target)
	if err != nil {
		return nil, err
	}
	if !fi.Exists {
		return nil, fmt.Errorf("%s does not exist", m.target)
	}
	return fi, nil
}

func (m *modeUnit) Capture(ctx context.Context, exec system.Executor) ([]byte, error) {
	if _, err := m.stat(ctx, exec); err != nil {
		return nil, err
	}
	st, err := captureFile(ctx, exec, m.target, false)
	if err != nil {
		return nil, err
	}
	return st.encode()
}

func (m *modeUnit) Satisfied(ctx context.Context, exec system.Executor) (bool, error) {
	fi, err := m.stat(ctx, exec)
	if err != nil {
		return false, err
	}
	return m.attrs.satisfied(ctx, exec, fi)
}

func (m *modeUnit) Apply(ctx context.Context, exec system.Executor) error {
	if _, err := m.stat(ctx, exec); err != nil {
		return err
	}
	return m.attrs.apply(ctx, exec, m.target)
}

func (m *modeUnit) Restore(ctx context.Context, exec system.Executor, payload []byte) error {
	st, err := decodeFileState(payload)
	if err != nil {
		return err
	}
	return restoreFile(ctx, exec, st, false)
}

func (m *modeUnit) Plan(ctx context.Context, exec system.Executor) (string, error) {
	fi, err := m.stat(ctx, exec)
	if err != nil {
		return "", err
	}
	ok, err := m.attrs.satisfied(ctx, exec, fi)
	if err != nil || ok {
		return "", err
	}
	return m.target + ": " + m.attrs.describe(fi), nil
}
