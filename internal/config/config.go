// Package config loads the single YAML document that describes a
// cluster: the node table and the global placement/cache/membership
// knobs named in spec §6.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeEntry is one row of the config's node table.
type NodeEntry struct {
	Hostname   string `yaml:"hostname"`
	ServerPort int    `yaml:"server_port"`
	RaftPort   int    `yaml:"raft_port"`
	Primary    bool   `yaml:"primary"`
}

// Addr is the host:port storage nodes register and heartbeat under.
func (n NodeEntry) Addr() string {
	return fmt.Sprintf("%s:%d", n.Hostname, n.ServerPort)
}

// RaftAddr is the host:port this node's raft transport listens on, used
// only by nodes that participate in the metadata quorum.
func (n NodeEntry) RaftAddr() string {
	return fmt.Sprintf("%s:%d", n.Hostname, n.RaftPort)
}

// Cluster is the full configuration document (spec §6).
type Cluster struct {
	Nodes []NodeEntry `yaml:"nodes"`

	SuperNodeAddress string `yaml:"super_node_address"`

	LRUCapacity      int   `yaml:"LRUCapacity"`
	UploadShardSize  int64 `yaml:"UPLOAD_SHARD_SIZE"`
	ReplicationFactor int  `yaml:"replication_factor"`
	MinReplicas      int   `yaml:"min_replicas"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SuspectThreshold  int           `yaml:"suspect_threshold"`
	DeadThreshold     time.Duration `yaml:"dead_threshold"`

	// NodeWorkerPoolSize and CoordinatorWorkerPoolSize are required
	// (spec §5, §9): the pool size must be sized for expected
	// concurrency, never a hidden small default.
	NodeWorkerPoolSize        int `yaml:"node_worker_pool_size"`
	CoordinatorWorkerPoolSize int `yaml:"coordinator_worker_pool_size"`
}

const (
	defaultLRUCapacity       = 10000
	defaultUploadShardSize   = 50 * 1024 * 1024
	defaultHeartbeatInterval = time.Second
	defaultSuspectThreshold  = 3
	defaultDeadThreshold     = 10 * time.Second
)

// Load reads and validates a cluster configuration document from path.
func Load(path string) (*Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	c := &Cluster{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

func (c *Cluster) applyDefaults() {
	if c.LRUCapacity == 0 {
		c.LRUCapacity = defaultLRUCapacity
	}
	if c.UploadShardSize == 0 {
		c.UploadShardSize = defaultUploadShardSize
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.SuspectThreshold == 0 {
		c.SuspectThreshold = defaultSuspectThreshold
	}
	if c.DeadThreshold == 0 {
		c.DeadThreshold = defaultDeadThreshold
	}
}

// Validate rejects configurations the rest of the cluster cannot safely
// run with. Pool sizes are deliberately NOT defaulted: spec §5/§9 treat
// an undersized pool as the class of bug this system must never repeat,
// so a missing value is a hard validation error instead of a silent
// fallback to some small constant.
func (c *Cluster) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("config must list at least one node")
	}
	if c.ReplicationFactor <= 0 {
		return fmt.Errorf("replication_factor must be > 0")
	}
	if c.MinReplicas <= 0 || c.MinReplicas > c.ReplicationFactor {
		return fmt.Errorf("min_replicas must be in (0, replication_factor]")
	}
	if c.NodeWorkerPoolSize <= 0 {
		return fmt.Errorf("node_worker_pool_size is required and must be > 0")
	}
	if c.CoordinatorWorkerPoolSize <= 0 {
		return fmt.Errorf("coordinator_worker_pool_size is required and must be > 0")
	}
	return nil
}
