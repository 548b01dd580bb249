// Package coordinator implements the end-to-end upload/download/
// delete/search/list/status flows (spec §4.7): the "SuperNode" that
// owns membership, placement, the metadata log, and the replication
// worker, and hands each of them an immutable snapshot rather than a
// live back-reference to itself (spec §9's cyclic-reference fix).
//
// Grounded on original_source/SuperNode/superNode.py's UploadFile/
// DownloadFile/FileDelete/FileSearch/FileList operation set and
// sequencing (primary-write-then-replicate, metadata-lookup-then-fetch,
// delete-then-best-effort-cleanup), reworked from the original's
// single-cluster-pick design to spec §4.7's per-shard/per-chunk
// placement+replication pipeline, with the coordinator-owns-everything
// composition shape grounded on the teacher's ClusterService/
// SchedulerService wiring in metaServer/cmd/metaServer/main.go.
package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hyperstore/internal/clustererr"
	"hyperstore/internal/membership"
	"hyperstore/internal/metadata"
	"hyperstore/internal/metrics"
	"hyperstore/internal/node"
	"hyperstore/internal/placement"
)

// ChunkClient is the subset of rpcapi.Client the coordinator needs to
// talk to storage nodes.
type ChunkClient interface {
	PutChunk(ctx context.Context, addr, shardID string, data []byte, expectedDigest string) error
	GetChunk(ctx context.Context, addr, shardID string) ([]byte, error)
	DeleteChunk(ctx context.Context, addr, shardID string) error
}

// MembershipView supplies the current node roster, satisfied by
// *membership.Detector.
type MembershipView interface {
	Snapshot() []membership.Info
}

// MetadataLog is the subset of *metadata.Log the coordinator drives
// directly; every write goes through Apply, every read through View.
type MetadataLog interface {
	Apply(rec metadata.Record) error
	IsLeader() bool
	LeaderAddr() string
	View() *metadata.View
}

const (
	perNodeTimeout = 10 * time.Second
	commitTimeout  = 15 * time.Second
)

// Coordinator is the SuperNode's core (spec §4.7).
type Coordinator struct {
	members MembershipView
	metaLog MetadataLog
	chunks  ChunkClient
	pool    *node.Pool

	uploadShardSize   int64
	replicationFactor int
	minReplicas       int

	reg *metrics.Registry
	log zerolog.Logger
}

// New wires a Coordinator from its already-constructed collaborators.
func New(members MembershipView, metaLog MetadataLog, chunks ChunkClient, pool *node.Pool, uploadShardSize int64, replicationFactor, minReplicas int, reg *metrics.Registry, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		members:           members,
		metaLog:           metaLog,
		chunks:            chunks,
		pool:              pool,
		uploadShardSize:   uploadShardSize,
		replicationFactor: replicationFactor,
		minReplicas:       minReplicas,
		reg:               reg,
		log:               log,
	}
}

// writtenShard records where one shard's bytes actually landed, so a
// failed upload can best-effort clean up what succeeded.
type writtenShard struct {
	id    string
	nodes []string
}

// Upload buffers data into uploadShardSize chunks, places and writes
// each chunk's shard to R nodes in parallel, and on full success
// submits one FilePut record to the metadata log. The write is not
// acknowledged to the caller until that record is committed (spec
// §4.7 Upload). The whole call runs through the coordinator's bounded
// pool, the same way every Node operation runs through its own pool
// (spec §5).
func (c *Coordinator) Upload(ctx context.Context, owner, name string, data io.Reader) error {
	return c.pool.Run(ctx, func() error {
		return c.upload(ctx, owner, name, data)
	})
}

func (c *Coordinator) upload(ctx context.Context, owner, name string, data io.Reader) error {
	var shards []metadata.ShardMeta
	var written []writtenShard
	var totalSize int64
	seq := 0

	rollback := func() {
		for _, w := range written {
			for _, addr := range w.nodes {
				delCtx, cancel := context.WithTimeout(context.Background(), perNodeTimeout)
				_ = c.chunks.DeleteChunk(delCtx, addr, w.id)
				cancel()
			}
		}
	}

	buf := make([]byte, c.uploadShardSize)
	for {
		n, readErr := io.ReadFull(data, buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			shardID := uuid.NewString()
			digest := node.Digest(chunk)

			targets, err := placement.Select(c.members.Snapshot(), c.replicationFactor, c.minReplicas, nil)
			if err != nil {
				c.reg.IncError(clustererr.ErrInsufficientCapacity)
				rollback()
				return err
			}

			nodeIDs, addrs, err := c.putChunkToAll(ctx, shardID, chunk, digest, targets)
			if err != nil {
				rollback()
				return err
			}
			written = append(written, writtenShard{id: shardID, nodes: addrs})

			replicas := make(map[string]bool, len(nodeIDs))
			for _, id := range nodeIDs {
				replicas[id] = true
			}
			shards = append(shards, metadata.ShardMeta{
				ID:        shardID,
				FileOwner: owner,
				FileName:  name,
				Seq:       seq,
				Length:    int64(n),
				Digest:    digest,
				Replicas:  replicas,
				R:         c.replicationFactor,
				RMin:      c.minReplicas,
			})
			totalSize += int64(n)
			seq++
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			rollback()
			return fmt.Errorf("read upload stream: %w", readErr)
		}
	}

	if len(shards) == 0 {
		c.reg.IncError(clustererr.ErrInvalidArgument)
		return clustererr.Wrap(clustererr.ErrInvalidArgument, "file %s/%s is zero bytes long", owner, name)
	}

	shardIDs := make([]string, len(shards))
	for i, s := range shards {
		shardIDs[i] = s.ID
	}

	op := metadata.FilePutOp{
		File: metadata.FileMeta{
			Owner:     owner,
			Name:      name,
			Size:      totalSize,
			ChunkSize: c.uploadShardSize,
			ShardIDs:  shardIDs,
		},
		Shards:         shards,
		IdempotencyKey: uuid.NewString(),
	}

	rec, err := filePutRecord(op)
	if err != nil {
		rollback()
		return err
	}

	applyCtx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()
	if err := c.applyWithDeadline(applyCtx, rec); err != nil {
		rollback()
		return err
	}

	c.reg.PlacementDecisions.Add(int64(len(shards)))
	return nil
}

// putChunkToAll writes one shard to every target in parallel, retrying
// each failed primary PUT once against its own fresh node (spec §4.7:
// "a second failure aborts the upload").
func (c *Coordinator) putChunkToAll(ctx context.Context, shardID string, data []byte, digest string, targets []membership.Info) (nodeIDs, addrs []string, err error) {
	type result struct {
		info membership.Info
		err  error
	}

	attempt := func(ts []membership.Info) []result {
		results := make([]result, len(ts))
		var wg sync.WaitGroup
		for i, t := range ts {
			wg.Add(1)
			go func(i int, t membership.Info) {
				defer wg.Done()
				putCtx, cancel := context.WithTimeout(ctx, perNodeTimeout)
				defer cancel()
				err := c.chunks.PutChunk(putCtx, t.Addr, shardID, data, digest)
				results[i] = result{info: t, err: err}
			}(i, t)
		}
		wg.Wait()
		return results
	}

	results := attempt(targets)

	exclude := make(map[string]bool, len(targets))
	for _, t := range targets {
		exclude[t.ID] = true
	}

	var failed []int
	for i, r := range results {
		if r.err != nil {
			failed = append(failed, i)
		}
	}

	if len(failed) > 0 {
		replacement, selErr := placement.Select(c.members.Snapshot(), len(failed), 1, exclude)
		if selErr != nil {
			c.reg.IncError(clustererr.ErrInsufficientCapacity)
			return nil, nil, clustererr.Wrap(clustererr.ErrInsufficientCapacity, "no replacement node for failed PUT: %v", selErr)
		}
		retryResults := attempt(replacement)
		for i, idx := range failed {
			if i >= len(retryResults) || retryResults[i].err != nil {
				c.reg.IncError(clustererr.ErrTimeout)
				return nil, nil, clustererr.Wrap(clustererr.ErrTimeout, "shard %s: retry also failed", shardID)
			}
			results[idx] = retryResults[i]
		}
	}

	for _, r := range results {
		nodeIDs = append(nodeIDs, r.info.ID)
		addrs = append(addrs, r.info.Addr)
	}
	return nodeIDs, addrs, nil
}

func (c *Coordinator) applyWithDeadline(ctx context.Context, rec metadata.Record) error {
	done := make(chan error, 1)
	go func() { done <- c.metaLog.Apply(rec) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.reg.IncError(clustererr.ErrTimeout)
		return clustererr.Wrap(clustererr.ErrTimeout, "metadata commit deadline exceeded")
	}
}

// Download looks up (owner, name)'s shard list and fetches each shard
// in order from its lowest-load live replica, falling back to the next
// replica on failure (spec §4.7 Download). Runs through the bounded
// pool like every other coordinator entry point (spec §5).
func (c *Coordinator) Download(ctx context.Context, owner, name string) ([]byte, error) {
	var out []byte
	err := c.pool.Run(ctx, func() error {
		data, err := c.download(ctx, owner, name)
		out = data
		return err
	})
	return out, err
}

func (c *Coordinator) download(ctx context.Context, owner, name string) ([]byte, error) {
	file, ok := c.metaLog.View().GetFile(owner, name)
	if !ok {
		c.reg.IncError(clustererr.ErrNotFound)
		return nil, clustererr.Wrap(clustererr.ErrNotFound, "file %s/%s", owner, name)
	}

	nodes := c.members.Snapshot()

	var out bytes.Buffer
	for _, shardID := range file.ShardIDs {
		shard, ok := c.metaLog.View().GetShard(shardID)
		if !ok {
			c.reg.IncError(clustererr.ErrDataUnavailable)
			return nil, clustererr.Wrap(clustererr.ErrDataUnavailable, "shard %s missing from metadata", shardID)
		}

		data, err := c.fetchShard(ctx, shard, nodes)
		if err != nil {
			return nil, err
		}
		out.Write(data)
	}
	return out.Bytes(), nil
}

func (c *Coordinator) fetchShard(ctx context.Context, shard metadata.ShardMeta, nodes []membership.Info) ([]byte, error) {
	among := make(map[string]bool, len(shard.Replicas))
	for id := range shard.Replicas {
		among[id] = true
	}

	remaining := make(map[string]bool, len(among))
	for id := range among {
		remaining[id] = true
	}

	for len(remaining) > 0 {
		candidate, err := placement.SelectOne(nodes, remaining)
		if err != nil {
			break
		}
		delete(remaining, candidate.ID)

		getCtx, cancel := context.WithTimeout(ctx, perNodeTimeout)
		data, err := c.chunks.GetChunk(getCtx, candidate.Addr, shard.ID)
		cancel()
		if err == nil {
			return data, nil
		}
		c.log.Warn().Err(err).Str("shard", shard.ID).Str("node", candidate.ID).Msg("shard fetch failed, trying next replica")
	}

	c.reg.IncError(clustererr.ErrDataUnavailable)
	return nil, clustererr.Wrap(clustererr.ErrDataUnavailable, "shard %s: all replicas exhausted", shard.ID)
}

// Delete appends FileDelete to the metadata log and, on commit, issues
// best-effort DeleteChunk to every replica; residual on-disk shards are
// cleaned up lazily (spec §4.7 Delete).
func (c *Coordinator) Delete(ctx context.Context, owner, name string) error {
	return c.pool.Run(ctx, func() error {
		return c.delete(ctx, owner, name)
	})
}

func (c *Coordinator) delete(ctx context.Context, owner, name string) error {
	file, ok := c.metaLog.View().GetFile(owner, name)
	if !ok {
		c.reg.IncError(clustererr.ErrNotFound)
		return clustererr.Wrap(clustererr.ErrNotFound, "file %s/%s", owner, name)
	}

	shardReplicas := make(map[string][]string, len(file.ShardIDs))
	for _, shardID := range file.ShardIDs {
		if shard, ok := c.metaLog.View().GetShard(shardID); ok {
			shardReplicas[shardID] = shard.ReplicaIDs()
		}
	}

	data, err := marshalFileDelete(owner, name)
	if err != nil {
		return err
	}
	rec := metadata.Record{Type: metadata.OpFileDelete, Data: data}

	applyCtx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()
	if err := c.applyWithDeadline(applyCtx, rec); err != nil {
		return err
	}

	nodes := c.members.Snapshot()
	addrByID := make(map[string]string, len(nodes))
	for _, n := range nodes {
		addrByID[n.ID] = n.Addr
	}

	go func() {
		for shardID, replicaIDs := range shardReplicas {
			for _, nodeID := range replicaIDs {
				addr, ok := addrByID[nodeID]
				if !ok {
					continue
				}
				delCtx, cancel := context.WithTimeout(context.Background(), perNodeTimeout)
				if err := c.chunks.DeleteChunk(delCtx, addr, shardID); err != nil {
					c.log.Warn().Err(err).Str("shard", shardID).Str("node", nodeID).Msg("best-effort delete failed")
				}
				cancel()
			}
		}
	}()

	return nil
}

// Search returns the names of owner's files whose name contains query
// (spec §4.7 Search: "pure materialized-view reads"). Still runs
// through the bounded pool even though the view read itself never
// blocks, so a Search burst counts against the same concurrency budget
// as every other coordinator operation (spec §5).
func (c *Coordinator) Search(ctx context.Context, owner, query string) ([]string, error) {
	var out []string
	err := c.pool.Run(ctx, func() error {
		files := c.metaLog.View().ListFiles(owner)
		out = make([]string, 0, len(files))
		for _, f := range files {
			if query == "" || containsSubstring(f.Name, query) {
				out = append(out, f.Name)
			}
		}
		return nil
	})
	return out, err
}

// List returns every file owner owns.
func (c *Coordinator) List(ctx context.Context, owner string) ([]metadata.FileMeta, error) {
	var out []metadata.FileMeta
	err := c.pool.Run(ctx, func() error {
		out = c.metaLog.View().ListFiles(owner)
		return nil
	})
	return out, err
}

// StatusSnapshot is the coordinator's status document (spec §6:
// "active node list, per-node load, cache hit rate, current leader
// id").
type StatusSnapshot struct {
	Nodes       []membership.Info
	IsLeader    bool
	LeaderAddr  string
	CacheHits   int64
	CacheMisses int64
}

// Status assembles the current cluster status document.
func (c *Coordinator) Status(ctx context.Context) (StatusSnapshot, error) {
	var out StatusSnapshot
	err := c.pool.Run(ctx, func() error {
		snap := c.reg.Snapshot()
		out = StatusSnapshot{
			Nodes:       c.members.Snapshot(),
			IsLeader:    c.metaLog.IsLeader(),
			LeaderAddr:  c.metaLog.LeaderAddr(),
			CacheHits:   snap.CacheHits,
			CacheMisses: snap.CacheMisses,
		}
		return nil
	})
	return out, err
}

func containsSubstring(s, substr string) bool {
	return len(substr) == 0 || indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	n, m := len(s), len(substr)
	if m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}
	return -1
}
