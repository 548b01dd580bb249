// Package metrics holds the process-local counters and gauges backing
// the observability surface in spec §6. The /metrics HTTP exporter
// itself is an out-of-scope collaborator (spec §1); this package only
// owns the numbers it would serve.
package metrics

import "sync/atomic"

// Registry is a per-process collection of atomic counters/gauges. One
// Registry is constructed per node/coordinator at startup and threaded
// through every component that can observe an event worth counting.
type Registry struct {
	CacheHits   atomic.Int64
	CacheMisses atomic.Int64
	CacheSize   atomic.Int64
	CacheCap    atomic.Int64

	ChunksReplicated     atomic.Int64
	ReplicationSuccesses atomic.Int64
	ReplicationFailures  atomic.Int64

	PlacementDecisions atomic.Int64

	ActiveNodes    atomic.Int64
	TotalNodes     atomic.Int64
	NodeFailures   atomic.Int64
	NodeRecoveries atomic.Int64

	LeaderChanges atomic.Int64
	Elections     atomic.Int64

	HeartbeatChecks   atomic.Int64
	HeartbeatFailures atomic.Int64

	errNotFound            atomic.Int64
	errDigestMismatch      atomic.Int64
	errInsufficientCapacity atomic.Int64
	errOutOfSpace          atomic.Int64
	errTimeout             atomic.Int64
	errLeaderChanged       atomic.Int64
	errDataUnavailable     atomic.Int64
	errCancelled           atomic.Int64
	errInvalidArgument     atomic.Int64
	errOther               atomic.Int64
}

// New returns a zeroed registry.
func New() *Registry {
	return &Registry{}
}

// IncError increments the counter for a clustererr sentinel kind. It
// takes an `error` and matches on its message, so this package does not
// import clustererr; unrecognized kinds fall into errOther.
func (r *Registry) IncError(kind error) {
	switch kind.Error() {
	case "not found":
		r.errNotFound.Add(1)
	case "digest mismatch":
		r.errDigestMismatch.Add(1)
	case "insufficient capacity":
		r.errInsufficientCapacity.Add(1)
	case "out of space":
		r.errOutOfSpace.Add(1)
	case "timeout":
		r.errTimeout.Add(1)
	case "leader changed":
		r.errLeaderChanged.Add(1)
	case "data unavailable":
		r.errDataUnavailable.Add(1)
	case "cancelled":
		r.errCancelled.Add(1)
	case "invalid argument":
		r.errInvalidArgument.Add(1)
	default:
		r.errOther.Add(1)
	}
}

// Snapshot is a point-in-time, JSON-friendly copy of the registry for
// the coordinator's Status operation (spec §6).
type Snapshot struct {
	CacheHits            int64 `json:"cache_hits"`
	CacheMisses          int64 `json:"cache_misses"`
	CacheSize            int64 `json:"cache_size"`
	CacheCapacity        int64 `json:"cache_capacity"`
	ChunksReplicated     int64 `json:"chunks_replicated"`
	ReplicationSuccesses int64 `json:"replication_successes"`
	ReplicationFailures  int64 `json:"replication_failures"`
	PlacementDecisions   int64 `json:"placement_decisions"`
	ActiveNodes          int64 `json:"active_nodes"`
	TotalNodes           int64 `json:"total_nodes"`
	NodeFailures         int64 `json:"node_failures"`
	NodeRecoveries       int64 `json:"node_recoveries"`
	LeaderChanges        int64 `json:"leader_changes"`
	Elections            int64 `json:"elections"`
	HeartbeatChecks      int64 `json:"heartbeat_checks"`
	HeartbeatFailures    int64 `json:"heartbeat_failures"`

	ErrNotFound            int64 `json:"err_not_found"`
	ErrDigestMismatch      int64 `json:"err_digest_mismatch"`
	ErrInsufficientCapacity int64 `json:"err_insufficient_capacity"`
	ErrOutOfSpace          int64 `json:"err_out_of_space"`
	ErrTimeout             int64 `json:"err_timeout"`
	ErrLeaderChanged       int64 `json:"err_leader_changed"`
	ErrDataUnavailable     int64 `json:"err_data_unavailable"`
	ErrCancelled           int64 `json:"err_cancelled"`
	ErrInvalidArgument     int64 `json:"err_invalid_argument"`
	ErrOther               int64 `json:"err_other"`
}

func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		CacheHits:            r.CacheHits.Load(),
		CacheMisses:          r.CacheMisses.Load(),
		CacheSize:            r.CacheSize.Load(),
		CacheCapacity:        r.CacheCap.Load(),
		ChunksReplicated:     r.ChunksReplicated.Load(),
		ReplicationSuccesses: r.ReplicationSuccesses.Load(),
		ReplicationFailures:  r.ReplicationFailures.Load(),
		PlacementDecisions:   r.PlacementDecisions.Load(),
		ActiveNodes:          r.ActiveNodes.Load(),
		TotalNodes:           r.TotalNodes.Load(),
		NodeFailures:         r.NodeFailures.Load(),
		NodeRecoveries:       r.NodeRecoveries.Load(),
		LeaderChanges:        r.LeaderChanges.Load(),
		Elections:            r.Elections.Load(),
		HeartbeatChecks:      r.HeartbeatChecks.Load(),
		HeartbeatFailures:    r.HeartbeatFailures.Load(),

		ErrNotFound:            r.errNotFound.Load(),
		ErrDigestMismatch:      r.errDigestMismatch.Load(),
		ErrInsufficientCapacity: r.errInsufficientCapacity.Load(),
		ErrOutOfSpace:          r.errOutOfSpace.Load(),
		ErrTimeout:             r.errTimeout.Load(),
		ErrLeaderChanged:       r.errLeaderChanged.Load(),
		ErrDataUnavailable:     r.errDataUnavailable.Load(),
		ErrCancelled:           r.errCancelled.Load(),
		ErrInvalidArgument:     r.errInvalidArgument.Load(),
		ErrOther:               r.errOther.Load(),
	}
}

// CacheHitRate returns hits / (hits+misses), 0 when there has been no
// traffic yet.
func (s Snapshot) CacheHitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}
