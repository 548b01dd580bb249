package metadata

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
)

const (
	keyFilePrefix  = "file/"
	keyShardPrefix = "shard/"
	keyIdemPrefix  = "idem/"
)

// FSM applies committed raft log entries onto a badger-backed store
// and keeps an in-memory copy-on-write View in sync for fast reads.
// Grounded on metaServer/internal/raft/fsm.go's MetadataFSM.
type FSM struct {
	db  *badger.DB
	view *View
	log zerolog.Logger
}

// NewFSM constructs an FSM over an already-open badger database.
func NewFSM(db *badger.DB, log zerolog.Logger) *FSM {
	return &FSM{db: db, view: newMaterializedView(), log: log}
}

// View returns the read-only materialized view readers should consult.
func (f *FSM) View() *View { return f.view }

func fileKeyBytes(owner, name string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", keyFilePrefix, owner, name))
}

func shardKeyBytes(shardID string) []byte {
	return []byte(keyShardPrefix + shardID)
}

func idemKeyBytes(owner, name, key string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%s", keyIdemPrefix, owner, name, key))
}

// Apply is raft.FSM's core method: deserialize one committed entry and
// dispatch it by type (spec §4.6 "Append... commits once a majority
// has persisted the entry, and then applies to the in-memory
// materialized view").
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var rec Record
	if err := json.Unmarshal(entry.Data, &rec); err != nil {
		f.log.Error().Err(err).Msg("unmarshal log record failed")
		return err
	}

	switch rec.Type {
	case OpFilePut:
		return f.applyFilePut(rec.Data)
	case OpFileDelete:
		return f.applyFileDelete(rec.Data)
	case OpShardReplicaAdd:
		return f.applyShardReplicaAdd(rec.Data)
	case OpShardReplicaRemove:
		return f.applyShardReplicaRemove(rec.Data)
	default:
		err := fmt.Errorf("unknown record type %q", rec.Type)
		f.log.Error().Err(err).Msg("apply failed")
		return err
	}
}

func (f *FSM) applyFilePut(data []byte) error {
	var op FilePutOp
	if err := json.Unmarshal(data, &op); err != nil {
		return err
	}

	idemKey := idemKeyBytes(op.File.Owner, op.File.Name, op.IdempotencyKey)

	var alreadyApplied bool
	err := f.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(idemKey); err == nil {
			alreadyApplied = true
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		fileData, err := json.Marshal(op.File)
		if err != nil {
			return err
		}
		if err := txn.Set(fileKeyBytes(op.File.Owner, op.File.Name), fileData); err != nil {
			return err
		}
		for _, s := range op.Shards {
			shardData, err := json.Marshal(s)
			if err != nil {
				return err
			}
			if err := txn.Set(shardKeyBytes(s.ID), shardData); err != nil {
				return err
			}
		}
		return txn.Set(idemKey, []byte{1})
	})
	if err != nil {
		return err
	}
	if alreadyApplied {
		return nil
	}

	nv := f.view.current().clone()
	nv.files[fileKey{op.File.Owner, op.File.Name}] = op.File
	for _, s := range op.Shards {
		nv.shards[s.ID] = s
	}
	f.view.publish(nv)
	return nil
}

func (f *FSM) applyFileDelete(data []byte) error {
	var op FileDeleteOp
	if err := json.Unmarshal(data, &op); err != nil {
		return err
	}

	var shardIDs []string
	err := f.db.Update(func(txn *badger.Txn) error {
		fkey := fileKeyBytes(op.Owner, op.Name)
		item, err := txn.Get(fkey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var fm FileMeta
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &fm) }); err != nil {
			return err
		}
		shardIDs = fm.ShardIDs

		if err := txn.Delete(fkey); err != nil {
			return err
		}
		for _, id := range shardIDs {
			if err := txn.Delete(shardKeyBytes(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	nv := f.view.current().clone()
	delete(nv.files, fileKey{op.Owner, op.Name})
	for _, id := range shardIDs {
		delete(nv.shards, id)
	}
	f.view.publish(nv)
	return nil
}

func (f *FSM) applyShardReplicaAdd(data []byte) error {
	var op ShardReplicaAddOp
	if err := json.Unmarshal(data, &op); err != nil {
		return err
	}
	return f.mutateShard(op.ShardID, func(s *ShardMeta) {
		if s.Replicas == nil {
			s.Replicas = make(map[string]bool)
		}
		s.Replicas[op.NodeID] = true
	})
}

func (f *FSM) applyShardReplicaRemove(data []byte) error {
	var op ShardReplicaRemoveOp
	if err := json.Unmarshal(data, &op); err != nil {
		return err
	}
	return f.mutateShard(op.ShardID, func(s *ShardMeta) {
		delete(s.Replicas, op.NodeID)
	})
}

func (f *FSM) mutateShard(shardID string, mutate func(*ShardMeta)) error {
	var updated ShardMeta
	var found bool
	err := f.db.Update(func(txn *badger.Txn) error {
		key := shardKeyBytes(shardID)
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var s ShardMeta
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &s) }); err != nil {
			return err
		}
		mutate(&s)
		found = true
		updated = s
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil || !found {
		return err
	}

	nv := f.view.current().clone()
	nv.shards[shardID] = updated
	f.view.publish(nv)
	return nil
}

// Snapshot implements raft.FSM by handing raft a badger-backed
// snapshot, the same as the teacher's MetadataFSM.Snapshot.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{db: f.db}, nil
}

// Restore implements raft.FSM by loading a badger backup stream and
// then rebuilding the in-memory view from what was loaded.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	if err := f.db.Load(rc, 256); err != nil {
		return fmt.Errorf("restore badger snapshot: %w", err)
	}
	return f.rebuildView()
}

func (f *FSM) rebuildView() error {
	nv := newView()
	err := f.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyShardPrefix)); it.ValidForPrefix([]byte(keyShardPrefix)); it.Next() {
			var s ShardMeta
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &s) }); err != nil {
				return err
			}
			nv.shards[s.ID] = s
		}
		for it.Seek([]byte(keyFilePrefix)); it.ValidForPrefix([]byte(keyFilePrefix)); it.Next() {
			var fm FileMeta
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &fm) }); err != nil {
				return err
			}
			nv.files[fileKey{fm.Owner, fm.Name}] = fm
		}
		return nil
	})
	if err != nil {
		return err
	}
	f.view.publish(nv)
	return nil
}

// fsmSnapshot implements raft.FSMSnapshot via badger's own Backup
// stream, the same mechanism the teacher's MetadataSnapshot leans on.
type fsmSnapshot struct {
	db *badger.DB
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	_, err := s.db.Backup(sink, 0)
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
