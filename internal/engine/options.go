package engine

import (
	"slices"

	"grimm.is/bulwark/internal/scheduler"
	"grimm.is/bulwark/internal/unit"
)

// Options are the per-run policy knobs.
type Options struct {
	// DryRun computes the plan and per-unit diffs without applying.
	DryRun bool
	// Force ignores completion markers for the named units.
	Force []string
	// ForceAll ignores every completion marker.
	ForceAll bool
	// Tags keeps only units carrying one of these tags.
	Tags []string
	// SkipTags drops units carrying any of these tags.
	SkipTags []string
	// MaxTier drops units whose effective tier is higher. Negative means
	// no limit.
	MaxTier int
	// ContinueOnError keeps going inside a tier after a unit fails.
	ContinueOnError bool
	// Recover retries journaled transactions whose rollback already failed
	// once. Without it such a transaction halts the run.
	Recover bool
}

// DefaultOptions returns fail-fast options with no filters.
func DefaultOptions() Options {
	return Options{MaxTier: -1}
}

func (o Options) forced(id string) bool {
	return o.ForceAll || slices.Contains(o.Force, id)
}

// selects reports whether a step passes the tag and tier filters.
func (o Options) selects(s scheduler.Step, u unit.Unit) bool {
	if o.MaxTier >= 0 && s.Tier > o.MaxTier {
		return false
	}
	for _, t := range o.SkipTags {
		if unit.HasTag(u, t) {
			return false
		}
	}
	if len(o.Tags) == 0 {
		return true
	}
	for _, t := range o.Tags {
		if unit.HasTag(u, t) {
			return true
		}
	}
	return false
}
