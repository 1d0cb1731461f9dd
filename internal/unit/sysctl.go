package unit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"grimm.is/bulwark/internal/config"
	"grimm.is/bulwark/internal/system"
)

// sysctlUnit sets a kernel parameter at runtime and, when persist names a
// file, records it there as "key = value" so it survives reboot.
type sysctlUnit struct {
	base
	key     string
	value   string
	persist *directiveUnit
}

type sysctlState struct {
	Value   string     `json:"value"`
	Persist *fileState `json:"persist,omitempty"`
}

func newSysctl(spec config.UnitSpec, b base) (Unit, error) {
	key := spec.Target
	if key == "" {
		key = spec.ID
	}
	b.target = key
	u := &sysctlUnit{base: b, key: key, value: normalizeSysctl(spec.Value)}
	if spec.Persist != "" {
		u.persist = &directiveUnit{
			base:      base{id: spec.ID, target: spec.Persist},
			settings:  map[string]string{key: u.value},
			keys:      []string{key},
			separator: " = ",
		}
	}
	return u, nil
}

func normalizeSysctl(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

func (s *sysctlUnit) Resource() string { return "sysctl:" + s.key }

func (s *sysctlUnit) DescribeRisk() string {
	what := fmt.Sprintf("sets kernel parameter %s=%s", s.key, s.value)
	if s.persist != nil {
		what += " and persists it in " + s.persist.target
	}
	return s.risk(what)
}

func (s *sysctlUnit) current(ctx context.Context, exec system.Executor) (string, error) {
	res, err := exec.Run(ctx, []string{"sysctl", "-n", s.key}, nil)
	if err != nil {
		return "", fmt.Errorf("read sysctl %s: %w", s.key, err)
	}
	return normalizeSysctl(res.Stdout), nil
}

func (s *sysctlUnit) write(ctx context.Context, exec system.Executor, value string) error {
	if _, err := exec.Run(ctx, []string{"sysctl", "-w", s.key + "=" + value}, nil); err != nil {
		return fmt.Errorf("set sysctl %s: %w", s.key, err)
	}
	return nil
}

func (s *sysctlUnit) Capture(ctx context.Context, exec system.Executor) ([]byte, error) {
	v, err := s.current(ctx, exec)
	if err != nil {
		return nil, err
	}
	st := sysctlState{Value: v}
	if s.persist != nil {
		if st.Persist, err = captureFile(ctx, exec, s.persist.target, true); err != nil {
			return nil, err
		}
	}
	return json.Marshal(st)
}

func (s *sysctlUnit) Satisfied(ctx context.Context, exec system.Executor) (bool, error) {
	v, err := s.current(ctx, exec)
	if err != nil {
		return false, err
	}
	if v != s.value {
		return false, nil
	}
	if s.persist != nil {
		return s.persist.Satisfied(ctx, exec)
	}
	return true, nil
}

func (s *sysctlUnit) Apply(ctx context.Context, exec system.Executor) error {
	v, err := s.current(ctx, exec)
	if err != nil {
		return err
	}
	if v != s.value {
		if err := s.write(ctx, exec, s.value); err != nil {
			return err
		}
	}
	if s.persist != nil {
		return s.persist.Apply(ctx, exec)
	}
	return nil
}

func (s *sysctlUnit) Restore(ctx context.Context, exec system.Executor, payload []byte) error {
	var st sysctlState
	if err := json.Unmarshal(payload, &st); err != nil {
		return fmt.Errorf("decode sysctl snapshot: %w", err)
	}
	v, err := s.current(ctx, exec)
	if err != nil {
		return err
	}
	if v != st.Value {
		if err := s.write(ctx, exec, st.Value); err != nil {
			return err
		}
	}
	if st.Persist != nil {
		return restoreFile(ctx, exec, st.Persist, true)
	}
	return nil
}

func (s *sysctlUnit) Plan(ctx context.Context, exec system.Executor) (string, error) {
	v, err := s.current(ctx, exec)
	if err != nil {
		return "", err
	}
	var out string
	if v != s.value {
		out = fmt.Sprintf("%s: %s -> %s\n", s.key, v, s.value)
	}
	if s.persist != nil {
		diff, err := s.persist.Plan(ctx, exec)
		if err != nil {
			return "", err
		}
		out += diff
	}
	return out, nil
}
