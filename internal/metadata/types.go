// Package metadata implements the quorum-replicated metadata log and
// its materialized view (spec §3, §4.6): FilePut/FileDelete/
// ShardReplicaAdd/ShardReplicaRemove records applied through
// hashicorp/raft onto a badger-backed FSM, with a copy-on-write
// in-memory view for non-blocking reads.
//
// Grounded on metaServer/internal/raft/fsm.go (Apply dispatch-by-type,
// badger-txn apply pattern, Snapshot/Restore via db.Load) and
// metaServer/internal/service/raft_service.go (hashicorp/raft +
// raft-boltdb + NewTCPTransport bootstrap), with the teacher's
// filesystem-inode record set replaced by spec §3's file/shard record
// set.
package metadata

import "time"

// FileMeta is one committed file (spec §3 "File").
type FileMeta struct {
	Owner     string    `json:"owner"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	ChunkSize int64     `json:"chunk_size"`
	ShardIDs  []string  `json:"shard_ids"` // ordered
}

// ShardMeta is one committed shard (spec §3 "Shard").
type ShardMeta struct {
	ID         string          `json:"id"`
	FileOwner  string          `json:"file_owner"`
	FileName   string          `json:"file_name"`
	Seq        int             `json:"seq"`
	Length     int64           `json:"length"`
	Digest     string          `json:"digest"`
	Replicas   map[string]bool `json:"replicas"` // node id -> member
	R          int             `json:"r"`
	RMin       int             `json:"r_min"`
}

// ReplicaIDs returns the shard's replica set as a slice, for callers
// that don't need set semantics.
func (s ShardMeta) ReplicaIDs() []string {
	out := make([]string, 0, len(s.Replicas))
	for id, member := range s.Replicas {
		if member {
			out = append(out, id)
		}
	}
	return out
}

// OpType names one of the four record kinds spec §3 defines.
type OpType string

const (
	OpFilePut            OpType = "FilePut"
	OpFileDelete         OpType = "FileDelete"
	OpShardReplicaAdd    OpType = "ShardReplicaAdd"
	OpShardReplicaRemove OpType = "ShardReplicaRemove"
)

// Record is the envelope written to the raft log; Data is the
// type-specific payload, serialized as JSON the way the teacher's
// raft.RaftLogEntry wraps its op payloads.
type Record struct {
	Type OpType `json:"type"`
	Data []byte `json:"data"`
}

// FilePutOp is the FilePut payload: the file is created (or wholly
// replaced) with this exact shard list and initial replica sets, and is
// only accepted once per IdempotencyKey (spec §4.6, "the coordinator
// retries against the new leader with the same idempotency key").
type FilePutOp struct {
	File           FileMeta    `json:"file"`
	Shards         []ShardMeta `json:"shards"`
	IdempotencyKey string      `json:"idempotency_key"`
}

// FileDeleteOp is the FileDelete payload.
type FileDeleteOp struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// ShardReplicaAddOp is the ShardReplicaAdd payload; applying it twice
// for the same (ShardID, NodeID) is a no-op (spec §4.4).
type ShardReplicaAddOp struct {
	ShardID string `json:"shard_id"`
	NodeID  string `json:"node_id"`
}

// ShardReplicaRemoveOp is the ShardReplicaRemove payload.
type ShardReplicaRemoveOp struct {
	ShardID string `json:"shard_id"`
	NodeID  string `json:"node_id"`
}
