// Package validate holds the post-apply checks run before a transaction
// commits.
package validate

import (
	"context"
	"fmt"

	"grimm.is/bulwark/internal/config"
	"grimm.is/bulwark/internal/system"
)

// Validator checks a target after a change. A non-nil error carries a
// human-readable diagnostic.
type Validator interface {
	Name() string
	Validate(ctx context.Context, exec system.Executor) error

	// Recheck reports whether the check also runs after a restore to
	// confirm the restored state is sound.
	Recheck() bool
}

// Failure reports which validator in a chain failed.
type Failure struct {
	Index     int
	Validator string
	Err       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("validator %s failed: %v", f.Validator, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Chain runs validators in order and stops at the first failure.
func Chain(ctx context.Context, exec system.Executor, vs []Validator) error {
	for i, v := range vs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := v.Validate(ctx, exec); err != nil {
			return &Failure{Index: i, Validator: v.Name(), Err: err}
		}
	}
	return nil
}

// Rechecks returns the validators that run again after a restore.
func Rechecks(vs []Validator) []Validator {
	var out []Validator
	for _, v := range vs {
		if v.Recheck() {
			out = append(out, v)
		}
	}
	return out
}

// Build turns policy declarations into validators for a unit whose
// target is target. Empty paths default to the target.
func Build(specs []config.ValidatorSpec, target string) ([]Validator, error) {
	out := make([]Validator, 0, len(specs))
	for i := range specs {
		v, err := build(&specs[i], target)
		if err != nil {
			return nil, fmt.Errorf("validate[%d]: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func build(spec *config.ValidatorSpec, target string) (Validator, error) {
	name := spec.Name
	switch spec.Type {
	case config.CheckCommand:
		if name == "" {
			name = spec.Command[0]
		}
		return &Command{
			name:    name,
			argv:    spec.Command,
			target:  target,
			timeout: spec.TimeoutOr(defaultCommandTimeout),
			recheck: spec.Recheck(),
		}, nil
	case config.CheckContains, config.CheckAbsent:
		path := spec.Path
		if path == "" {
			path = target
		}
		if name == "" {
			name = spec.Type + ":" + path
		}
		return NewPattern(name, path, spec.Pattern, spec.Type == config.CheckAbsent, spec.Recheck())
	case config.CheckPing:
		if name == "" {
			name = "ping"
		}
		return &Ping{
			name:    name,
			targets: spec.Targets,
			timeout: spec.TimeoutOr(defaultPingTimeout),
			recheck: spec.Recheck(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown validator type %q", spec.Type)
	}
}
