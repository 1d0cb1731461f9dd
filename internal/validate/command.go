package validate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grimm.is/bulwark/internal/system"
)

const defaultCommandTimeout = 30 * time.Second

// Command passes when argv exits zero on the target. {target} and {host}
// are substituted, so `sshd -t -f {target}` checks the file just written.
type Command struct {
	name    string
	argv    []string
	target  string
	timeout time.Duration
	recheck bool
}

// NewCommand returns a command validator.
func NewCommand(name string, argv []string, target string, recheck bool) *Command {
	return &Command{name: name, argv: argv, target: target, timeout: defaultCommandTimeout, recheck: recheck}
}

func (c *Command) Name() string  { return c.name }
func (c *Command) Recheck() bool { return c.recheck }

func (c *Command) Validate(ctx context.Context, exec system.Executor) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	argv := system.Expand(c.argv, c.target, exec.Host())
	res, err := exec.Run(ctx, argv, nil)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("timed out after %s", c.timeout)
		}
		if system.IsCommandError(err) {
			return fmt.Errorf("exit %d: %s", res.ExitCode, res.Diagnostic())
		}
		return err
	}
	return nil
}
