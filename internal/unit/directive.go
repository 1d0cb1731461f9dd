package unit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"grimm.is/bulwark/internal/config"
	"grimm.is/bulwark/internal/system"
)

// directiveUnit sets "Keyword value" lines in a config file such as
// sshd_config. Keywords match case-insensitively. Only the global section
// is edited: new lines go before the first Match block, since anything
// after it is conditional.
type directiveUnit struct {
	base
	settings  map[string]string
	keys      []string
	separator string
}

func newDirective(spec config.UnitSpec, b base) (Unit, error) {
	if len(spec.Settings) == 0 {
		return nil, fmt.Errorf("directive unit needs settings")
	}
	keys := make([]string, 0, len(spec.Settings))
	for k := range spec.Settings {
		if strings.ContainsAny(k, " \t=#") || k == "" {
			return nil, fmt.Errorf("invalid directive keyword %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sep := spec.Separator
	if sep == "" {
		sep = " "
	}
	return &directiveUnit{base: b, settings: spec.Settings, keys: keys, separator: sep}, nil
}

func (d *directiveUnit) DescribeRisk() string {
	return d.risk(fmt.Sprintf("sets %s in %s", strings.Join(d.keys, ", "), d.target))
}

func (d *directiveUnit) read(ctx context.Context, exec system.Executor) (string, bool, error) {
	data, err := exec.ReadFile(ctx, d.target)
	if errors.Is(err, system.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func (d *directiveUnit) Capture(ctx context.Context, exec system.Executor) ([]byte, error) {
	st, err := captureFile(ctx, exec, d.target, true)
	if err != nil {
		return nil, err
	}
	return st.encode()
}

func (d *directiveUnit) Satisfied(ctx context.Context, exec system.Executor) (bool, error) {
	cur, _, err := d.read(ctx, exec)
	if err != nil {
		return false, err
	}
	return d.render(cur) == cur, nil
}

func (d *directiveUnit) Apply(ctx context.Context, exec system.Executor) error {
	cur, _, err := d.read(ctx, exec)
	if err != nil {
		return err
	}
	next := d.render(cur)
	if next == cur {
		return nil
	}
	if err := exec.WriteFile(ctx, d.target, []byte(next), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", d.target, err)
	}
	return nil
}

func (d *directiveUnit) Restore(ctx context.Context, exec system.Executor, payload []byte) error {
	st, err := decodeFileState(payload)
	if err != nil {
		return err
	}
	return restoreFile(ctx, exec, st, true)
}

func (d *directiveUnit) Plan(ctx context.Context, exec system.Executor) (string, error) {
	cur, _, err := d.read(ctx, exec)
	if err != nil {
		return "", err
	}
	return unifiedDiff(d.target, d.target+" (policy)", cur, d.render(cur)), nil
}

// keyword returns the directive keyword of a line, or "" for blanks,
// comments and malformed lines.
func keyword(line string) string {
	s := strings.TrimSpace(line)
	if s == "" || strings.HasPrefix(s, "#") {
		return ""
	}
	end := strings.IndexAny(s, " \t=")
	if end < 0 {
		return s
	}
	return s[:end]
}

// render returns content with every setting applied. Later duplicates of a
// managed directive are commented out. It is a fixed point:
// render(render(x)) == render(x).
func (d *directiveUnit) render(content string) string {
	lines := strings.SplitAfter(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	global := len(lines)
	for i, l := range lines {
		if strings.EqualFold(keyword(l), "Match") {
			global = i
			break
		}
	}

	out := make([]string, 0, len(lines)+len(d.keys))
	seen := make(map[string]bool, len(d.keys))
	for i, l := range lines {
		if i < global {
			kw := keyword(l)
			if key, ok := d.match(kw); ok {
				if seen[key] {
					out = append(out, "# "+l)
					continue
				}
				seen[key] = true
				out = append(out, d.line(key))
				continue
			}
		}
		if i == global {
			out = d.appendMissing(out, seen)
		}
		out = append(out, l)
	}
	if global == len(lines) {
		out = d.appendMissing(out, seen)
	}
	return strings.Join(out, "")
}

func (d *directiveUnit) appendMissing(out []string, seen map[string]bool) []string {
	var missing []string
	for _, key := range d.keys {
		if !seen[key] {
			seen[key] = true
			missing = append(missing, d.line(key))
		}
	}
	if len(missing) == 0 {
		return out
	}
	if n := len(out); n > 0 && !strings.HasSuffix(out[n-1], "\n") {
		out[n-1] += "\n"
	}
	return append(out, missing...)
}

func (d *directiveUnit) match(kw string) (string, bool) {
	if kw == "" {
		return "", false
	}
	for _, key := range d.keys {
		if strings.EqualFold(key, kw) {
			return key, true
		}
	}
	return "", false
}

func (d *directiveUnit) line(key string) string {
	return key + d.separator + d.settings[key] + "\n"
}
