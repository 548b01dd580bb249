package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyperstore/internal/clustererr"
	"hyperstore/internal/membership"
	"hyperstore/internal/node"
)

func info(id string, status membership.Status, lv node.LoadVector) membership.Info {
	return membership.Info{ID: id, Status: status, Load: lv}
}

func TestSelectPicksLowestScoringActiveNodes(t *testing.T) {
	candidates := []membership.Info{
		info("busy", membership.Active, node.LoadVector{CPU: 0.9, DiskUsed: 0.9, ShardCount: 100}),
		info("idle", membership.Active, node.LoadVector{CPU: 0.1, DiskUsed: 0.1, ShardCount: 1}),
		info("dead", membership.Dead, node.LoadVector{CPU: 0.0}),
	}

	chosen, err := Select(candidates, 1, 1, nil)
	require.NoError(t, err)
	require.Len(t, chosen, 1)
	assert.Equal(t, "idle", chosen[0].ID)
}

func TestSelectTieBreaksByNodeID(t *testing.T) {
	candidates := []membership.Info{
		info("b", membership.Active, node.LoadVector{}),
		info("a", membership.Active, node.LoadVector{}),
	}
	chosen, err := Select(candidates, 2, 1, nil)
	require.NoError(t, err)
	require.Len(t, chosen, 2)
	assert.Equal(t, "a", chosen[0].ID)
	assert.Equal(t, "b", chosen[1].ID)
}

func TestSelectFailsBelowMinReplicas(t *testing.T) {
	candidates := []membership.Info{
		info("only", membership.Active, node.LoadVector{}),
	}
	_, err := Select(candidates, 3, 2, nil)
	require.Error(t, err)
	assert.True(t, clustererr.Is(err, clustererr.ErrInsufficientCapacity))
}

func TestSelectExcludesGivenNodes(t *testing.T) {
	candidates := []membership.Info{
		info("a", membership.Active, node.LoadVector{}),
		info("b", membership.Active, node.LoadVector{}),
	}
	chosen, err := Select(candidates, 2, 1, map[string]bool{"a": true})
	require.NoError(t, err)
	require.Len(t, chosen, 1)
	assert.Equal(t, "b", chosen[0].ID)
}

func TestSelectNeverDuplicatesANode(t *testing.T) {
	candidates := []membership.Info{
		info("a", membership.Active, node.LoadVector{}),
		info("b", membership.Active, node.LoadVector{}),
		info("c", membership.Active, node.LoadVector{}),
	}
	chosen, err := Select(candidates, 3, 1, nil)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, c := range chosen {
		require.False(t, seen[c.ID])
		seen[c.ID] = true
	}
}
