package node

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hyperstore/internal/cache"
	"hyperstore/internal/clustererr"
	"hyperstore/internal/metrics"
)

// LoadVector is the (cpu, disk_used, shard_count) triple a node reports
// on every heartbeat (spec §3, §4.3's GLOSSARY entry).
type LoadVector struct {
	CPU        float64
	DiskUsed   float64
	ShardCount int
}

// RemoteChunkFetcher fetches a chunk from another node, used by
// ReplicateFrom. It is satisfied by an *rpcapi.Client; kept as an
// interface here so this package never imports the transport layer.
type RemoteChunkFetcher interface {
	GetChunk(ctx context.Context, addr, shardID string) ([]byte, error)
}

// Node is the storage node's core (spec §4.1): local shard storage, the
// hybrid cache, and the bounded worker pool every public operation runs
// through.
type Node struct {
	store *ChunkStore
	cache *cache.Cache
	pool  *Pool
	fetch RemoteChunkFetcher
	reg   *metrics.Registry
	log   zerolog.Logger
}

// New wires a Node from its already-constructed collaborators. The
// caller (cmd/node) owns constructing the store/cache/pool exactly once
// at startup (spec §9: no global singletons).
func New(store *ChunkStore, c *cache.Cache, pool *Pool, fetch RemoteChunkFetcher, reg *metrics.Registry, log zerolog.Logger) *Node {
	return &Node{store: store, cache: c, pool: pool, fetch: fetch, reg: reg, log: log}
}

// PutChunk writes shardID's bytes durably to disk and admits it into
// the cache as clean (spec §4.1). This is the synchronous, acknowledged
// write path — it never goes through the cache's async writeback queue.
func (n *Node) PutChunk(ctx context.Context, shardID string, data []byte, expectedDigest string) error {
	return n.pool.Run(ctx, func() error {
		if err := n.store.Write(shardID, data, expectedDigest); err != nil {
			return err
		}
		n.cache.Put(shardID, data)
		return nil
	})
}

// GetChunk returns shardID's bytes, serving from cache on a hit. On a
// miss it reads from disk and, unless the writeback queue is already
// backlogged past its high-water mark, asynchronously admits the bytes
// into the cache (spec §4.2 writeback, §5 backpressure).
func (n *Node) GetChunk(ctx context.Context, shardID string) ([]byte, error) {
	var data []byte
	err := n.pool.Run(ctx, func() error {
		if hit, ok := n.cache.Get(shardID); ok {
			n.cache.Pin(shardID)
			defer n.cache.Unpin(shardID)
			data = hit
			return nil
		}

		diskData, err := n.store.Read(shardID)
		if err != nil {
			return err
		}
		data = diskData

		if !n.cache.HighWaterExceeded() {
			n.cache.EnqueueWriteback(cache.WritebackJob{
				ShardID: shardID,
				Data:    diskData,
				// Bytes are already durable on disk; the writeback
				// worker only needs to admit them into the cache.
				Persist: func([]byte) error { return nil },
			})
		}
		return nil
	})
	return data, err
}

// DeleteChunk removes shardID from cache and disk. Idempotent: a
// missing shard is success (spec §4.1).
func (n *Node) DeleteChunk(ctx context.Context, shardID string) error {
	return n.pool.Run(ctx, func() error {
		n.cache.Remove(shardID)
		return n.store.Delete(shardID)
	})
}

// Heartbeat returns this node's current load vector (spec §4.1, pull
// model: the coordinator calls this, the node never pushes).
func (n *Node) Heartbeat(ctx context.Context) (LoadVector, error) {
	var lv LoadVector
	err := n.pool.Run(ctx, func() error {
		usage, err := n.store.DiskUsage()
		if err != nil {
			return err
		}
		count, err := n.store.ShardCount()
		if err != nil {
			return err
		}
		lv = LoadVector{
			CPU:        cpuUtilization(),
			DiskUsed:   usage,
			ShardCount: count,
		}
		return nil
	})
	return lv, err
}

// ReplicateFrom pulls shardID from sourceAddr and stores it locally,
// used by the coordinator's replication worker (spec §4.1, §4.4).
func (n *Node) ReplicateFrom(ctx context.Context, shardID, sourceAddr string) error {
	return n.pool.Run(ctx, func() error {
		data, err := n.fetch.GetChunk(ctx, sourceAddr, shardID)
		if err != nil {
			n.reg.IncError(clustererr.ErrTimeout)
			return clustererr.Wrap(clustererr.ErrTimeout, "replicate %s from %s: %v", shardID, sourceAddr, err)
		}
		digest := Digest(data)
		if err := n.store.Write(shardID, data, digest); err != nil {
			return err
		}
		n.cache.Put(shardID, data)
		return nil
	})
}

// cpuUtilization approximates instantaneous CPU load as 1-minute load
// average divided by core count, clamped to [0,1]. There is no
// psutil-equivalent third-party library anywhere in the retrieval pack
// (the Python original reads psutil directly); /proc/loadavg is the
// standard Linux source for the same signal without adding a dependency
// nothing in the pack shows a Go equivalent for.
func cpuUtilization() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	cores := numCPU()
	if cores <= 0 {
		cores = 1
	}
	v := load1 / float64(cores)
	if v > 1 {
		v = 1
	}
	if v < 0 {
		v = 0
	}
	return v
}

var numCPU = func() int { return runtime.NumCPU() }

// HeartbeatTimeout is a conservative per-call deadline applied by
// callers polling this node (spec §5: "heartbeat polls have a short
// deadline (200ms)").
const HeartbeatTimeout = 200 * time.Millisecond
