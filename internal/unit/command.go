package unit

import (
	"context"
	"fmt"

	"grimm.is/bulwark/internal/config"
	"grimm.is/bulwark/internal/system"
)

// commandUnit wraps an arbitrary change expressed as four commands: check
// exits zero when applied, snapshot prints the current state, restore
// reads a snapshot on stdin, and apply makes the change.
type commandUnit struct {
	base
	apply    []string
	check    []string
	snapshot []string
	restore  []string
}

func newCommand(spec config.UnitSpec, b base) (Unit, error) {
	if len(spec.Apply) == 0 || len(spec.Check) == 0 || len(spec.Snapshot) == 0 || len(spec.Restore) == 0 {
		return nil, fmt.Errorf("command unit needs apply, check, snapshot and restore")
	}
	return &commandUnit{
		base:     b,
		apply:    spec.Apply,
		check:    spec.Check,
		snapshot: spec.Snapshot,
		restore:  spec.Restore,
	}, nil
}

func (c *commandUnit) Resource() string {
	if c.target != "" {
		return "path:" + c.target
	}
	return "command:" + c.id
}

func (c *commandUnit) DescribeRisk() string {
	return c.risk("runs " + system.ShellJoin(c.apply))
}

func (c *commandUnit) expand(argv []string, exec system.Executor) []string {
	return system.Expand(argv, c.target, exec.Host())
}

func (c *commandUnit) Capture(ctx context.Context, exec system.Executor) ([]byte, error) {
	res, err := exec.Run(ctx, c.expand(c.snapshot, exec), nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return []byte(res.Stdout), nil
}

func (c *commandUnit) Satisfied(ctx context.Context, exec system.Executor) (bool, error) {
	_, err := exec.Run(ctx, c.expand(c.check, exec), nil)
	if err == nil {
		return true, nil
	}
	if system.IsCommandError(err) {
		return false, nil
	}
	return false, err
}

func (c *commandUnit) Apply(ctx context.Context, exec system.Executor) error {
	ok, err := c.Satisfied(ctx, exec)
	if err != nil || ok {
		return err
	}
	if _, err := exec.Run(ctx, c.expand(c.apply, exec), nil); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	return nil
}

func (c *commandUnit) Restore(ctx context.Context, exec system.Executor, payload []byte) error {
	if _, err := exec.Run(ctx, c.expand(c.restore, exec), payload); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	return nil
}

func (c *commandUnit) Plan(ctx context.Context, exec system.Executor) (string, error) {
	ok, err := c.Satisfied(ctx, exec)
	if err != nil || ok {
		return "", err
	}
	return "run: " + system.ShellJoin(c.expand(c.apply, exec)) + "\n", nil
}
