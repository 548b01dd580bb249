// Package replication implements the single long-running repair worker
// (spec §4.4): scan the metadata view for under-replicated shards, pick
// a healthy source and a placement-selected target, and pull the shard
// across via RPC, appending ShardReplicaAdd to the metadata log on
// success.
//
// Grounded on dataServer/internal/service/replication_service.go's
// ForwardBlock/PushBlock/PullBlock shapes and
// metaServer/internal/service/scheduler_service.go's repair-task
// pattern (repairTaskQueue, maxConcurrentRepairs, per-task exponential
// backoff in processRepairTask), narrowed to spec §4.4's
// single-worker-per-coordinator design instead of the teacher's worker
// pool.
package replication

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"hyperstore/internal/clustererr"
	"hyperstore/internal/membership"
	"hyperstore/internal/metadata"
	"hyperstore/internal/metrics"
	"hyperstore/internal/placement"
)

const (
	baseBackoff = time.Second
	maxBackoff  = 60 * time.Second
)

// Replicator issues ReplicateFrom RPCs and is satisfied by
// *rpcapi.Client.
type Replicator interface {
	ReplicateFrom(ctx context.Context, addr, shardID, sourceAddr string) error
}

// Applier appends one committed record, satisfied by *metadata.Log.
type Applier interface {
	Apply(rec metadata.Record) error
}

// MembershipView supplies the current node roster, satisfied by
// *membership.Detector.
type MembershipView interface {
	Snapshot() []membership.Info
}

// Worker is the repair loop's state: per-shard backoff tracking so a
// persistently failing shard doesn't starve the scan of the rest.
type Worker struct {
	view    *metadata.View
	members MembershipView
	repl    Replicator
	apply   Applier

	replicationFactor int
	minReplicas       int

	interval time.Duration

	reg *metrics.Registry
	log zerolog.Logger

	backoff map[string]*shardBackoff
}

type shardBackoff struct {
	nextAttempt time.Time
	delay       time.Duration
}

// New builds a repair worker that scans view every interval.
func New(view *metadata.View, members MembershipView, repl Replicator, apply Applier, replicationFactor, minReplicas int, interval time.Duration, reg *metrics.Registry, log zerolog.Logger) *Worker {
	return &Worker{
		view:              view,
		members:           members,
		repl:              repl,
		apply:             apply,
		replicationFactor: replicationFactor,
		minReplicas:       minReplicas,
		interval:          interval,
		reg:               reg,
		log:               log,
		backoff:           make(map[string]*shardBackoff),
	}
}

// Run scans periodically until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scanOnce(ctx)
		}
	}
}

// scanOnce repairs every shard whose live replica count is below its R,
// skipping shards still in backoff.
func (w *Worker) scanOnce(ctx context.Context) {
	nodes := w.members.Snapshot()
	addrByID := make(map[string]string, len(nodes))
	for _, n := range nodes {
		addrByID[n.ID] = n.Addr
	}

	now := time.Now()
	for _, shard := range w.view.AllShards() {
		if bo, ok := w.backoff[shard.ID]; ok && now.Before(bo.nextAttempt) {
			continue
		}

		live := w.liveReplicas(shard.ReplicaIDs(), nodes)
		if len(live) >= shard.R {
			delete(w.backoff, shard.ID)
			continue
		}

		if err := w.repairOne(ctx, shard, live, nodes, addrByID); err != nil {
			w.log.Warn().Err(err).Str("shard", shard.ID).Msg("repair attempt failed")
			w.recordFailure(shard.ID)
			continue
		}
		delete(w.backoff, shard.ID)
	}
}

func (w *Worker) liveReplicas(replicaIDs []string, nodes []membership.Info) []string {
	activeSet := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.Status == membership.Active {
			activeSet[n.ID] = true
		}
	}
	live := make([]string, 0, len(replicaIDs))
	for _, id := range replicaIDs {
		if activeSet[id] {
			live = append(live, id)
		}
	}
	return live
}

func (w *Worker) repairOne(ctx context.Context, shard metadata.ShardMeta, live []string, nodes []membership.Info, addrByID map[string]string) error {
	if len(live) == 0 {
		w.reg.IncError(clustererr.ErrDataUnavailable)
		return clustererr.Wrap(clustererr.ErrDataUnavailable, "shard %s has no live replicas", shard.ID)
	}
	sourceID := live[0]
	sourceAddr, ok := addrByID[sourceID]
	if !ok {
		w.reg.IncError(clustererr.ErrDataUnavailable)
		return clustererr.Wrap(clustererr.ErrDataUnavailable, "source node %s has no known address", sourceID)
	}

	exclude := make(map[string]bool, len(shard.Replicas))
	for id := range shard.Replicas {
		exclude[id] = true
	}
	target, err := placement.SelectOne(nodes, invert(addrByID, exclude))
	if err != nil {
		w.reg.IncError(clustererr.ErrInsufficientCapacity)
		return err
	}

	if err := w.repl.ReplicateFrom(ctx, target.Addr, shard.ID, sourceAddr); err != nil {
		return err
	}

	rec, err := addReplicaRecord(shard.ID, target.ID)
	if err != nil {
		return err
	}
	if err := w.apply.Apply(rec); err != nil {
		return err
	}

	w.reg.ChunksReplicated.Add(1)
	w.reg.ReplicationSuccesses.Add(1)
	w.log.Info().Str("shard", shard.ID).Str("source", sourceID).Str("target", target.ID).Msg("shard repaired")
	return nil
}

// invert returns the subset of candidates not present in exclude, keyed
// by node id so placement.SelectOne can filter its candidate list down
// to "anything not already a replica".
func invert(addrByID map[string]string, exclude map[string]bool) map[string]bool {
	among := make(map[string]bool, len(addrByID))
	for id := range addrByID {
		if !exclude[id] {
			among[id] = true
		}
	}
	return among
}

func (w *Worker) recordFailure(shardID string) {
	w.reg.ReplicationFailures.Add(1)
	bo, ok := w.backoff[shardID]
	if !ok {
		w.backoff[shardID] = &shardBackoff{nextAttempt: time.Now().Add(baseBackoff), delay: baseBackoff}
		return
	}
	bo.delay *= 2
	if bo.delay > maxBackoff {
		bo.delay = maxBackoff
	}
	bo.nextAttempt = time.Now().Add(bo.delay)
}
