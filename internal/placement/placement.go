// Package placement implements load-based replica placement (spec
// §4.3): score Active candidates by a weighted load formula and pick
// the lowest-scoring R, deterministically tie-broken by node id.
//
// Grounded on metaServer/internal/service/cluster_service.go's
// SelectDataServersForThreeReplica and scheduler_service.go's
// AllocateBlocks, reworked from the teacher's round-robin policy (the
// teacher's own comment calls it a simplification) to spec §4.3's
// weighted least-load scoring.
package placement

import (
	"sort"

	"hyperstore/internal/clustererr"
	"hyperstore/internal/membership"
)

const (
	cpuWeight   = 0.5
	diskWeight  = 0.3
	shardWeight = 0.2
)

// Score computes the load_score for a single candidate given the
// maximum shard count observed across the candidate pool (spec §4.3
// step 2). Lower is better.
func Score(info membership.Info, maxShardCount int) float64 {
	var shardNorm float64
	if maxShardCount > 0 {
		shardNorm = float64(info.Load.ShardCount) / float64(maxShardCount)
	}
	return cpuWeight*info.Load.CPU + diskWeight*info.Load.DiskUsed + shardWeight*shardNorm
}

// Select filters candidates to Active, scores them, and returns the
// min(replicationFactor, len(active)) lowest-scoring nodes. It fails
// with InsufficientCapacity when fewer than minReplicas candidates are
// Active — below that there is no viable placement at all (spec §4.3
// step 4).
func Select(candidates []membership.Info, replicationFactor, minReplicas int, exclude map[string]bool) ([]membership.Info, error) {
	active := make([]membership.Info, 0, len(candidates))
	maxShard := 0
	for _, c := range candidates {
		if c.Status != membership.Active {
			continue
		}
		if exclude != nil && exclude[c.ID] {
			continue
		}
		active = append(active, c)
		if c.Load.ShardCount > maxShard {
			maxShard = c.Load.ShardCount
		}
	}

	if len(active) < minReplicas {
		return nil, clustererr.Wrap(clustererr.ErrInsufficientCapacity,
			"need %d live candidates, have %d", minReplicas, len(active))
	}

	sort.Slice(active, func(i, j int) bool {
		si, sj := Score(active[i], maxShard), Score(active[j], maxShard)
		if si != sj {
			return si < sj
		}
		return active[i].ID < active[j].ID
	})

	n := replicationFactor
	if n > len(active) {
		n = len(active)
	}
	return active[:n], nil
}

// SelectOne is Select with replicationFactor=1, used by the download
// path to pick a single least-loaded live replica (spec §4.7 Download).
func SelectOne(candidates []membership.Info, among map[string]bool) (membership.Info, error) {
	filtered := make([]membership.Info, 0, len(candidates))
	for _, c := range candidates {
		if among[c.ID] {
			filtered = append(filtered, c)
		}
	}
	chosen, err := Select(filtered, 1, 1, nil)
	if err != nil {
		return membership.Info{}, err
	}
	return chosen[0], nil
}
