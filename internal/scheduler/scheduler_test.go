package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrder_TiersAndRegistration(t *testing.T) {
	plan, err := Order([]Node{
		{ID: "auditd", Tier: 2},
		{ID: "sshd_root", Tier: 1},
		{ID: "banner", Tier: 1},
		{ID: "kernel", Tier: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"kernel", "sshd_root", "banner", "auditd"}, plan.IDs())

	tiers := plan.Tiers()
	require.Len(t, tiers, 3)
	assert.Len(t, tiers[1], 2)
}

func TestOrder_PrerequisitesWithinTier(t *testing.T) {
	plan, err := Order([]Node{
		{ID: "sshd_config", Tier: 1, Requires: []string{"banner"}},
		{ID: "other", Tier: 1},
		{ID: "banner", Tier: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"other", "banner", "sshd_config"}, plan.IDs())
}

func TestOrder_PromotesAcrossTiers(t *testing.T) {
	plan, err := Order([]Node{
		{ID: "early", Tier: 1, Requires: []string{"late"}},
		{ID: "late", Tier: 3},
		{ID: "middle", Tier: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"middle", "late", "early"}, plan.IDs())
	assert.Equal(t, 3, plan.Steps[2].Tier)
	assert.Equal(t, 1, plan.Steps[2].DeclaredTier)
}

func TestOrder_Deterministic(t *testing.T) {
	nodes := []Node{
		{ID: "a", Tier: 1}, {ID: "b", Tier: 1, Requires: []string{"a"}},
		{ID: "c", Tier: 1}, {ID: "d", Tier: 0, Requires: []string{"c"}},
	}
	first, err := Order(nodes)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Order(nodes)
		require.NoError(t, err)
		assert.Equal(t, first.IDs(), again.IDs())
	}
}

func TestOrder_Cycle(t *testing.T) {
	_, err := Order([]Node{
		{ID: "a", Requires: []string{"b"}},
		{ID: "b", Requires: []string{"c"}},
		{ID: "c", Requires: []string{"a"}},
		{ID: "d"},
	})
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "b", "c", "a"}, ce.Cycle)
	assert.Equal(t, "dependency cycle: a -> b -> c -> a", err.Error())
}

func TestOrder_SelfCycle(t *testing.T) {
	_, err := Order([]Node{{ID: "a", Requires: []string{"a"}}})
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "a"}, ce.Cycle)
}

func TestOrder_UnknownDependency(t *testing.T) {
	_, err := Order([]Node{{ID: "a", Requires: []string{"ghost"}}})
	var ue *UnknownDependencyError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "a", ue.Unit)
	assert.Equal(t, "ghost", ue.Missing)
}

func TestOrder_Duplicate(t *testing.T) {
	_, err := Order([]Node{{ID: "a"}, {ID: "a"}})
	var de *DuplicateError
	assert.ErrorAs(t, err, &de)
}

func TestOrder_Empty(t *testing.T) {
	plan, err := Order(nil)
	require.NoError(t, err)
	assert.Empty(t, plan.IDs())
	assert.Empty(t, plan.Tiers())
}

func TestPlan_DependentsAndFilter(t *testing.T) {
	plan, err := Order([]Node{
		{ID: "a", Tier: 1},
		{ID: "b", Tier: 1, Requires: []string{"a"}},
		{ID: "c", Tier: 2, Requires: []string{"b", "b"}},
		{ID: "d", Tier: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]bool{"b": true, "c": true}, plan.Dependents("a"))
	assert.Empty(t, plan.Dependents("d"))

	sub := plan.Filter(func(s Step) bool { return s.ID != "b" })
	assert.Equal(t, []string{"a", "c", "d"}, sub.IDs())
	assert.Equal(t, 1, sub.Position("c"))
	assert.Equal(t, -1, sub.Position("b"))
	assert.True(t, sub.Dependents("a")["c"], "filtering keeps the dependency graph")
}
