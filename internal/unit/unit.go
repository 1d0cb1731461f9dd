// Package unit defines the change units a policy is made of.
//
// A unit knows how to capture its target's current state, decide whether
// the target already matches the policy, apply the change and restore a
// captured state. Transactions, backups and validation are handled by the
// txn package; units only touch the target through a system.Executor.
package unit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/bulwark/internal/config"
	"grimm.is/bulwark/internal/system"
	"grimm.is/bulwark/internal/validate"
)

// Unit is one atomic, reversible change.
type Unit interface {
	ID() string
	Kind() string
	Tier() int
	Requires() []string
	Tags() []string
	AccessAffecting() bool

	// Target is the path or key the unit changes, for humans and backups.
	Target() string

	// Resource is the lock key. Units sharing a resource never run
	// concurrently.
	Resource() string

	Validators() []validate.Validator

	// Spec returns the declaration the unit was built from.
	Spec() config.UnitSpec

	// DesiredDigest identifies the desired state; a marker written for a
	// different digest no longer counts as applied.
	DesiredDigest() string

	DescribeRisk() string

	// Capture serializes the target's current state. Restore(Capture())
	// is a no-op.
	Capture(ctx context.Context, exec system.Executor) ([]byte, error)

	// Satisfied reports whether the target already matches the policy.
	Satisfied(ctx context.Context, exec system.Executor) (bool, error)

	// Apply changes the target. Applying a satisfied unit changes nothing.
	Apply(ctx context.Context, exec system.Executor) error

	Restore(ctx context.Context, exec system.Executor, payload []byte) error

	// Plan renders what Apply would change as a unified diff; empty when
	// satisfied.
	Plan(ctx context.Context, exec system.Executor) (string, error)
}

// Factory builds a unit from its declaration.
type Factory func(spec config.UnitSpec, b base) (Unit, error)

// factories is the closed set of unit kinds.
var factories = map[string]Factory{
	config.KindDirective: newDirective,
	config.KindFile:      newFile,
	config.KindMode:      newMode,
	config.KindSysctl:    newSysctl,
	config.KindCommand:   newCommand,
}

// Kinds lists the registered unit kinds.
func Kinds() []string {
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build creates a unit from a policy declaration.
func Build(spec config.UnitSpec) (Unit, error) {
	factory, ok := factories[spec.Kind]
	if !ok {
		return nil, fmt.Errorf("unit %s: unknown kind %q", spec.ID, spec.Kind)
	}
	vs, err := validate.Build(spec.Validators, spec.Target)
	if err != nil {
		return nil, fmt.Errorf("unit %s: %w", spec.ID, err)
	}
	canonical, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	b := base{
		id:              spec.ID,
		kind:            spec.Kind,
		tier:            spec.Tier,
		requires:        append([]string(nil), spec.Requires...),
		tags:            append([]string(nil), spec.Tags...),
		accessAffecting: spec.AccessAffecting,
		target:          spec.Target,
		description:     spec.Description,
		validators:      vs,
		digest:          config.Digest(canonical),
		spec:            spec,
	}
	u, err := factory(spec, b)
	if err != nil {
		return nil, fmt.Errorf("unit %s: %w", spec.ID, err)
	}
	return u, nil
}

// BuildAll creates every unit of a policy in declaration order.
func BuildAll(p *config.Policy) ([]Unit, error) {
	out := make([]Unit, 0, len(p.Units))
	for _, spec := range p.Units {
		u, err := Build(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// base carries the fields every kind shares.
type base struct {
	id              string
	kind            string
	tier            int
	requires        []string
	tags            []string
	accessAffecting bool
	target          string
	description     string
	validators      []validate.Validator
	digest          string
	spec            config.UnitSpec
}

func (b *base) ID() string                       { return b.id }
func (b *base) Kind() string                     { return b.kind }
func (b *base) Tier() int                        { return b.tier }
func (b *base) Requires() []string               { return b.requires }
func (b *base) Tags() []string                   { return b.tags }
func (b *base) AccessAffecting() bool            { return b.accessAffecting }
func (b *base) Target() string                   { return b.target }
func (b *base) Validators() []validate.Validator { return b.validators }
func (b *base) DesiredDigest() string            { return b.digest }
func (b *base) Spec() config.UnitSpec            { return b.spec }

// Resource defaults to the target path.
func (b *base) Resource() string { return "path:" + b.target }

func (b *base) risk(what string) string {
	var sb strings.Builder
	sb.WriteString(what)
	if b.description != "" {
		sb.WriteString(" (")
		sb.WriteString(b.description)
		sb.WriteString(")")
	}
	if b.accessAffecting {
		sb.WriteString("; affects remote access, guarded by an emergency access lease")
	}
	return sb.String()
}

// HasTag reports whether u carries tag.
func HasTag(u Unit, tag string) bool {
	for _, t := range u.Tags() {
		if t == tag {
			return true
		}
	}
	return false
}

// unifiedDiff renders a unified diff between two texts.
func unifiedDiff(from, to, a, b string) string {
	if a == b {
		return ""
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: from,
		ToFile:   to,
		Context:  3,
	}
	text, _ := difflib.GetUnifiedDiffString(diff)
	return text
}
