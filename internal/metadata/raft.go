package metadata

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/raft"
	boltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/rs/zerolog"

	"hyperstore/internal/clustererr"
	"hyperstore/internal/metrics"
)

const (
	raftTimeout        = 10 * time.Second
	raftTransportMaxPool = 5
	raftSnapshotRetain  = 2
)

// Config describes how to bootstrap one node's metadata log.
type Config struct {
	NodeID   string
	RaftAddr string
	DataDir  string

	// Bootstrap is true only for the node that forms the very first
	// single-node cluster; every other node joins via AddVoter.
	Bootstrap bool
}

// Log is the running metadata log on one node: a raft.Raft instance
// driving an FSM backed by badger, the whole bundle grounded on
// metaServer/internal/service/raft_service.go's bootstrap sequence
// (raft-boltdb log/stable store, raft.NewTCPTransport, raft.NewRaft).
type Log struct {
	raft *raft.Raft
	fsm  *FSM
	db   *badger.DB
	reg  *metrics.Registry
	log  zerolog.Logger
}

// Open bootstraps (or rejoins) the metadata log rooted at cfg.DataDir.
// reg's LeaderChanges/Elections counters are driven directly off raft's
// own leadership notifications (spec §6: "leader changes, election
// counts").
func Open(cfg Config, reg *metrics.Registry, log zerolog.Logger) (*Log, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	badgerOpts := badger.DefaultOptions(filepath.Join(cfg.DataDir, "badger")).WithLogger(nil)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	fsm := NewFSM(db, log)

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.Logger = nil

	leaderCh := make(chan bool, 1)
	raftCfg.NotifyCh = leaderCh

	addr, err := net.ResolveTCPAddr("tcp", cfg.RaftAddr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("resolve raft addr %s: %w", cfg.RaftAddr, err)
	}
	transport, err := raft.NewTCPTransport(cfg.RaftAddr, addr, raftTransportMaxPool, raftTimeout, os.Stderr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, raftSnapshotRetain, os.Stderr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	boltStore, err := boltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bolt log store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, boltStore, boltStore, snapshots, transport)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(boltStore, boltStore, snapshots)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("check existing raft state: %w", err)
		}
		if !hasState {
			configuration := raft.Configuration{
				Servers: []raft.Server{
					{ID: raftCfg.LocalID, Address: transport.LocalAddr()},
				},
			}
			r.BootstrapCluster(configuration)
		}
	}

	go watchLeadership(leaderCh, reg, log)

	return &Log{raft: r, fsm: fsm, db: db, reg: reg, log: log}, nil
}

// watchLeadership drains raft's NotifyCh for the lifetime of the
// process, counting every leadership transition this node observes and
// the subset where it is the one becoming leader (spec §6's "leader
// changes, election counts").
func watchLeadership(ch <-chan bool, reg *metrics.Registry, log zerolog.Logger) {
	for leader := range ch {
		reg.LeaderChanges.Add(1)
		if leader {
			reg.Elections.Add(1)
			log.Info().Msg("became raft leader")
		} else {
			log.Info().Msg("lost raft leadership")
		}
	}
}

// View exposes the read-only materialized view for query handlers.
func (l *Log) View() *View { return l.fsm.View() }

// IsLeader reports whether this node currently holds leadership.
func (l *Log) IsLeader() bool {
	return l.raft.State() == raft.Leader
}

// LeaderAddr returns the raft transport address of the current leader,
// or empty if none is known.
func (l *Log) LeaderAddr() string {
	addr, _ := l.raft.LeaderWithID()
	return string(addr)
}

// AddVoter admits a new node into the metadata quorum; callers should
// only invoke this against the current leader.
func (l *Log) AddVoter(nodeID, raftAddr string) error {
	if !l.IsLeader() {
		l.reg.IncError(clustererr.ErrLeaderChanged)
		return clustererr.Wrap(clustererr.ErrLeaderChanged, "AddVoter called on non-leader")
	}
	f := l.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, raftTimeout)
	return f.Error()
}

// Apply proposes one record to the log. It must be called against the
// leader; a non-leader returns ErrLeaderChanged so the coordinator can
// retry against the new leader using the same idempotency key (spec
// §4.6).
func (l *Log) Apply(rec Record) error {
	if !l.IsLeader() {
		l.reg.IncError(clustererr.ErrLeaderChanged)
		return clustererr.Wrap(clustererr.ErrLeaderChanged, "apply attempted on non-leader, current leader %q", l.LeaderAddr())
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	f := l.raft.Apply(data, raftTimeout)
	if err := f.Error(); err != nil {
		if err == raft.ErrNotLeader || err == raft.ErrLeadershipLost {
			l.reg.IncError(clustererr.ErrLeaderChanged)
			return clustererr.Wrap(clustererr.ErrLeaderChanged, "lost leadership while applying: %v", err)
		}
		l.reg.IncError(clustererr.ErrTimeout)
		return clustererr.Wrap(clustererr.ErrTimeout, "apply failed: %v", err)
	}

	if applyErr, ok := f.Response().(error); ok && applyErr != nil {
		return fmt.Errorf("fsm apply: %w", applyErr)
	}
	return nil
}

// Shutdown stops raft and closes the backing store.
func (l *Log) Shutdown() error {
	if err := l.raft.Shutdown().Error(); err != nil {
		l.log.Warn().Err(err).Msg("raft shutdown")
	}
	return l.db.Close()
}
