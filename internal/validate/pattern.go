package validate

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"grimm.is/bulwark/internal/system"
)

// Pattern asserts that a file contains (or, when absent is set, does not
// contain) a line matching a regular expression.
type Pattern struct {
	name    string
	path    string
	re      *regexp.Regexp
	raw     string
	absent  bool
	recheck bool
}

// NewPattern compiles pattern in multi-line mode.
func NewPattern(name, path, pattern string, absent, recheck bool) (*Pattern, error) {
	re, err := regexp.Compile("(?m)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	return &Pattern{name: name, path: path, re: re, raw: pattern, absent: absent, recheck: recheck}, nil
}

func (p *Pattern) Name() string  { return p.name }
func (p *Pattern) Recheck() bool { return p.recheck }

func (p *Pattern) Validate(ctx context.Context, exec system.Executor) error {
	data, err := exec.ReadFile(ctx, p.path)
	if err != nil {
		if errors.Is(err, system.ErrNotExist) && p.absent {
			return nil
		}
		return fmt.Errorf("read %s: %w", p.path, err)
	}
	found := p.re.Match(data)
	switch {
	case p.absent && found:
		return fmt.Errorf("%s still matches %q", p.path, p.raw)
	case !p.absent && !found:
		return fmt.Errorf("%s has no line matching %q", p.path, p.raw)
	}
	return nil
}
