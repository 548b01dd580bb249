package metadata

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"hyperstore/internal/logging"
)

func newTestFSM(t *testing.T) *FSM {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewFSM(db, logging.NewConsole("metadata-test"))
}

func applyRecord(t *testing.T, f *FSM, typ OpType, payload any) interface{} {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	rec := Record{Type: typ, Data: data}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	return f.Apply(&raft.Log{Data: raw})
}

func TestApplyFilePutIsVisibleInView(t *testing.T) {
	f := newTestFSM(t)

	op := FilePutOp{
		File: FileMeta{Owner: "alice", Name: "a.txt", Size: 10, CreatedAt: time.Now(), ChunkSize: 4, ShardIDs: []string{"s1"}},
		Shards: []ShardMeta{
			{ID: "s1", FileOwner: "alice", FileName: "a.txt", Seq: 0, Length: 10, Digest: "deadbeef", Replicas: map[string]bool{"n1": true}, R: 3, RMin: 2},
		},
		IdempotencyKey: "key-1",
	}
	res := applyRecord(t, f, OpFilePut, op)
	require.Nil(t, res)

	fm, ok := f.View().GetFile("alice", "a.txt")
	require.True(t, ok)
	require.Equal(t, int64(10), fm.Size)

	sm, ok := f.View().GetShard("s1")
	require.True(t, ok)
	require.True(t, sm.Replicas["n1"])
}

func TestApplyFilePutIsIdempotentByKey(t *testing.T) {
	f := newTestFSM(t)
	op := FilePutOp{
		File:           FileMeta{Owner: "bob", Name: "b.txt", ShardIDs: []string{"s2"}},
		Shards:         []ShardMeta{{ID: "s2", R: 3, RMin: 2}},
		IdempotencyKey: "same-key",
	}
	require.Nil(t, applyRecord(t, f, OpFilePut, op))
	require.Nil(t, applyRecord(t, f, OpFilePut, op))

	files := f.View().ListFiles("bob")
	require.Len(t, files, 1)
}

func TestApplyFileDeleteRemovesFileAndShards(t *testing.T) {
	f := newTestFSM(t)
	putOp := FilePutOp{
		File:           FileMeta{Owner: "carol", Name: "c.txt", ShardIDs: []string{"s3"}},
		Shards:         []ShardMeta{{ID: "s3", R: 3, RMin: 2}},
		IdempotencyKey: "k",
	}
	require.Nil(t, applyRecord(t, f, OpFilePut, putOp))

	require.Nil(t, applyRecord(t, f, OpFileDelete, FileDeleteOp{Owner: "carol", Name: "c.txt"}))

	_, ok := f.View().GetFile("carol", "c.txt")
	require.False(t, ok)
	_, ok = f.View().GetShard("s3")
	require.False(t, ok)
}

func TestApplyShardReplicaAddAndRemove(t *testing.T) {
	f := newTestFSM(t)
	putOp := FilePutOp{
		File:           FileMeta{Owner: "dan", Name: "d.txt", ShardIDs: []string{"s4"}},
		Shards:         []ShardMeta{{ID: "s4", Replicas: map[string]bool{"n1": true}, R: 3, RMin: 2}},
		IdempotencyKey: "k2",
	}
	require.Nil(t, applyRecord(t, f, OpFilePut, putOp))

	require.Nil(t, applyRecord(t, f, OpShardReplicaAdd, ShardReplicaAddOp{ShardID: "s4", NodeID: "n2"}))
	sm, ok := f.View().GetShard("s4")
	require.True(t, ok)
	require.True(t, sm.Replicas["n1"])
	require.True(t, sm.Replicas["n2"])

	require.Nil(t, applyRecord(t, f, OpShardReplicaRemove, ShardReplicaRemoveOp{ShardID: "s4", NodeID: "n1"}))
	sm, ok = f.View().GetShard("s4")
	require.True(t, ok)
	require.False(t, sm.Replicas["n1"])
	require.True(t, sm.Replicas["n2"])
}

func TestApplyUnknownRecordTypeReturnsError(t *testing.T) {
	f := newTestFSM(t)
	rec := Record{Type: "Bogus", Data: []byte("{}")}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	res := f.Apply(&raft.Log{Data: raw})
	require.Error(t, res.(error))
}
