// Package membership implements the heartbeat-driven failure detector
// (spec §4.5): the coordinator polls every known node and tracks its
// status through the Joining/Active/Suspect/Dead state machine (spec
// §3).
//
// Grounded on metaServer/internal/service/cluster_service.go's
// checkDataServerHealth/MarkUnhealthy/MarkPermanentlyDown/
// RecoverToHealthy transition texture, adapted from the teacher's
// push-heartbeat model to spec §4.5's coordinator-polls (pull) model.
package membership

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hyperstore/internal/metrics"
	"hyperstore/internal/node"
)

// Status is a closed tagged variant for node membership state (spec §9).
type Status int

const (
	Joining Status = iota
	Active
	Suspect
	Dead
)

func (s Status) String() string {
	switch s {
	case Joining:
		return "Joining"
	case Active:
		return "Active"
	case Suspect:
		return "Suspect"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// Info is one node's membership record. Snapshot() returns copies of
// these so workers never reach back into the detector's live state
// (spec §9).
type Info struct {
	ID            string
	Addr          string
	Status        Status
	LastHeartbeat time.Time
	Load          node.LoadVector
	MissedCount   int
}

// Heartbeater polls a single remote node. Satisfied by *rpcapi.Client;
// kept as an interface so this package never imports the transport.
type Heartbeater interface {
	Heartbeat(ctx context.Context, addr string) (node.LoadVector, error)
}

// Detector owns the membership map. The membership map itself is
// protected by a reader-writer lock whose only writers are the
// detector's own AddNode and polling loop (spec §5).
type Detector struct {
	mu    sync.RWMutex
	nodes map[string]*record

	hb Heartbeater

	heartbeatInterval time.Duration
	suspectThreshold  int
	deadThreshold     time.Duration

	reg *metrics.Registry
	log zerolog.Logger

	stop chan struct{}
}

type record struct {
	info        Info
	suspectSince time.Time
}

// New constructs a Detector. hb performs the actual per-node RPC;
// heartbeatInterval/suspectThreshold/deadThreshold come straight from
// config (spec §6).
func New(hb Heartbeater, heartbeatInterval time.Duration, suspectThreshold int, deadThreshold time.Duration, reg *metrics.Registry, log zerolog.Logger) *Detector {
	return &Detector{
		nodes:             make(map[string]*record),
		hb:                hb,
		heartbeatInterval: heartbeatInterval,
		suspectThreshold:  suspectThreshold,
		deadThreshold:     deadThreshold,
		reg:               reg,
		log:               log,
		stop:              make(chan struct{}),
	}
}

// AddNode registers a node as Joining; it becomes Active on its first
// successful heartbeat (spec §3: "Nodes are created when they first
// heartbeat").
func (d *Detector) AddNode(id, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.nodes[id]; ok {
		return
	}
	d.nodes[id] = &record{info: Info{ID: id, Addr: addr, Status: Joining}}
	d.reg.TotalNodes.Add(1)
}

// Run polls every known node every heartbeatInterval until ctx is
// cancelled or Stop is called.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Detector) Stop() {
	close(d.stop)
}

func (d *Detector) pollOnce(ctx context.Context) {
	d.mu.RLock()
	ids := make([]string, 0, len(d.nodes))
	addrs := make(map[string]string, len(d.nodes))
	for id, r := range d.nodes {
		ids = append(ids, id)
		addrs[id] = r.info.Addr
	}
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		id, addr := id, addrs[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.pollNode(ctx, id, addr)
		}()
	}
	wg.Wait()
}

func (d *Detector) pollNode(ctx context.Context, id, addr string) {
	d.reg.HeartbeatChecks.Add(1)
	hbCtx, cancel := context.WithTimeout(ctx, node.HeartbeatTimeout)
	defer cancel()

	lv, err := d.hb.Heartbeat(hbCtx, addr)

	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.nodes[id]
	if !ok {
		return
	}

	if err != nil {
		d.reg.HeartbeatFailures.Add(1)
		r.info.MissedCount++
		prev := r.info.Status
		switch r.info.Status {
		case Active, Joining:
			if r.info.MissedCount >= d.suspectThreshold {
				r.info.Status = Suspect
				r.suspectSince = time.Now()
			}
		case Suspect:
			if time.Since(r.suspectSince) >= d.deadThreshold {
				r.info.Status = Dead
			}
		}
		if prev != r.info.Status {
			d.log.Info().Str("node", id).Str("from", prev.String()).Str("to", r.info.Status.String()).Msg("membership transition")
			if r.info.Status == Dead {
				d.reg.NodeFailures.Add(1)
			}
		}
		return
	}

	wasLive := r.info.Status == Active
	prev := r.info.Status
	r.info.MissedCount = 0
	r.info.LastHeartbeat = time.Now()
	r.info.Load = lv
	r.info.Status = Active
	if prev != Active {
		d.log.Info().Str("node", id).Str("from", prev.String()).Str("to", "Active").Msg("membership transition")
		if !wasLive && prev != Joining {
			d.reg.NodeRecoveries.Add(1)
		}
	}
}

// Snapshot returns an immutable copy of every node's membership record
// (spec §9: workers consume snapshots, never the live map).
func (d *Detector) Snapshot() []Info {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Info, 0, len(d.nodes))
	active := int64(0)
	for _, r := range d.nodes {
		out = append(out, r.info)
		if r.info.Status == Active {
			active++
		}
	}
	d.reg.ActiveNodes.Store(active)
	d.reg.TotalNodes.Store(int64(len(d.nodes)))
	return out
}

// ActiveNodes is Snapshot filtered to Status == Active, the candidate
// pool placement.Select draws from (spec §4.3 step 1).
func (d *Detector) ActiveNodes() []Info {
	all := d.Snapshot()
	out := make([]Info, 0, len(all))
	for _, info := range all {
		if info.Status == Active {
			out = append(out, info)
		}
	}
	return out
}
