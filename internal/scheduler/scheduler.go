// Package scheduler orders change units for execution.
//
// Units run grouped by tier, lowest first. Inside a tier a unit never runs
// before its prerequisites, and ties are broken by registration order so
// the same policy always yields the same plan. A unit whose prerequisite
// sits in a higher tier is promoted to that tier.
package scheduler

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
)

// Node is the scheduling view of a unit.
type Node struct {
	ID       string
	Tier     int
	Requires []string
}

// Step is one scheduled unit.
type Step struct {
	ID           string
	Tier         int // effective tier after promotion
	DeclaredTier int
	Index        int // registration position
}

// Plan is a deterministic execution order.
type Plan struct {
	Steps []Step

	index      map[string]int
	dependents map[string][]string
}

// CycleError reports prerequisites that form a loop.
type CycleError struct {
	Cycle []string // first element repeated at the end
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// UnknownDependencyError reports a prerequisite that names no unit.
type UnknownDependencyError struct {
	Unit    string
	Missing string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("unit %s requires unknown unit %s", e.Unit, e.Missing)
}

// DuplicateError reports two units with the same id.
type DuplicateError struct {
	ID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate unit id %s", e.ID)
}

// Order builds the plan for nodes given in registration order.
func Order(nodes []Node) (*Plan, error) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if _, dup := index[n.ID]; dup {
			return nil, &DuplicateError{ID: n.ID}
		}
		index[n.ID] = i
	}

	// prereqs[i] holds registration indexes, sorted, deduplicated.
	prereqs := make([][]int, len(nodes))
	dependents := make(map[string][]string)
	for i, n := range nodes {
		seen := make(map[int]bool)
		for _, r := range n.Requires {
			j, ok := index[r]
			if !ok {
				return nil, &UnknownDependencyError{Unit: n.ID, Missing: r}
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			prereqs[i] = append(prereqs[i], j)
			dependents[r] = append(dependents[r], n.ID)
		}
		sort.Ints(prereqs[i])
	}

	if cycle := findCycle(nodes, prereqs); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}

	tiers := effectiveTiers(nodes, prereqs)

	// Kahn's algorithm keyed by (effective tier, registration index).
	remaining := make([]int, len(nodes))
	for i := range nodes {
		remaining[i] = len(prereqs[i])
	}
	after := make([][]int, len(nodes))
	for i, ps := range prereqs {
		for _, j := range ps {
			after[j] = append(after[j], i)
		}
	}

	ready := &stepHeap{tiers: tiers}
	for i := range nodes {
		if remaining[i] == 0 {
			heap.Push(ready, i)
		}
	}

	plan := &Plan{index: make(map[string]int, len(nodes)), dependents: dependents}
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		plan.index[nodes[i].ID] = len(plan.Steps)
		plan.Steps = append(plan.Steps, Step{
			ID:           nodes[i].ID,
			Tier:         tiers[i],
			DeclaredTier: nodes[i].Tier,
			Index:        i,
		})
		for _, k := range after[i] {
			remaining[k]--
			if remaining[k] == 0 {
				heap.Push(ready, k)
			}
		}
	}
	return plan, nil
}

// effectiveTiers promotes each node to at least the tier of its
// prerequisites. The graph is acyclic at this point.
func effectiveTiers(nodes []Node, prereqs [][]int) []int {
	tiers := make([]int, len(nodes))
	done := make([]bool, len(nodes))
	var visit func(i int) int
	visit = func(i int) int {
		if done[i] {
			return tiers[i]
		}
		t := nodes[i].Tier
		for _, j := range prereqs[i] {
			if pt := visit(j); pt > t {
				t = pt
			}
		}
		tiers[i] = t
		done[i] = true
		return t
	}
	for i := range nodes {
		visit(i)
	}
	return tiers
}

// findCycle returns the first cycle found walking nodes in registration
// order, or nil.
func findCycle(nodes []Node, prereqs [][]int) []string {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(nodes))
	var stack []int

	var visit func(i int) []string
	visit = func(i int) []string {
		color[i] = grey
		stack = append(stack, i)
		for _, j := range prereqs[i] {
			switch color[j] {
			case grey:
				start := 0
				for k, s := range stack {
					if s == j {
						start = k
						break
					}
				}
				var cycle []string
				for _, s := range stack[start:] {
					cycle = append(cycle, nodes[s].ID)
				}
				return append(cycle, nodes[j].ID)
			case white:
				if c := visit(j); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		return nil
	}

	for i := range nodes {
		if color[i] == white {
			if c := visit(i); c != nil {
				return c
			}
		}
	}
	return nil
}

type stepHeap struct {
	items []int
	tiers []int
}

func (h *stepHeap) Len() int { return len(h.items) }
func (h *stepHeap) Less(a, b int) bool {
	ia, ib := h.items[a], h.items[b]
	if h.tiers[ia] != h.tiers[ib] {
		return h.tiers[ia] < h.tiers[ib]
	}
	return ia < ib
}
func (h *stepHeap) Swap(a, b int) { h.items[a], h.items[b] = h.items[b], h.items[a] }
func (h *stepHeap) Push(x any)   { h.items = append(h.items, x.(int)) }
func (h *stepHeap) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}

// IDs returns the unit ids in execution order.
func (p *Plan) IDs() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.ID
	}
	return out
}

// Tiers groups steps by effective tier, preserving order.
func (p *Plan) Tiers() [][]Step {
	var out [][]Step
	for i, s := range p.Steps {
		if i == 0 || s.Tier != p.Steps[i-1].Tier {
			out = append(out, nil)
		}
		out[len(out)-1] = append(out[len(out)-1], s)
	}
	return out
}

// Position returns the index of id in the plan, or -1.
func (p *Plan) Position(id string) int {
	if i, ok := p.index[id]; ok {
		return i
	}
	return -1
}

// Dependents returns every unit that transitively requires id.
func (p *Plan) Dependents(id string) map[string]bool {
	out := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range p.dependents[cur] {
			if !out[d] {
				out[d] = true
				queue = append(queue, d)
			}
		}
	}
	return out
}

// Filter returns a plan restricted to steps for which keep is true. The
// relative order is unchanged.
func (p *Plan) Filter(keep func(Step) bool) *Plan {
	out := &Plan{index: make(map[string]int), dependents: p.dependents}
	for _, s := range p.Steps {
		if keep(s) {
			out.index[s.ID] = len(out.Steps)
			out.Steps = append(out.Steps, s)
		}
	}
	return out
}
