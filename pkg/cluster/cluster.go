// Package cluster provides the raft-based leader election that decides
// which shardlord process is the active controller running the
// scheduler and draining the command queue. It carries no replicated
// business state of its own: the catalog database is shardlord's
// durable state, and raft here exists only to make "am I in charge"
// safe to answer from more than one process.
package cluster

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/shardlord/pkg/metrics"
)

// Config holds the settings needed to stand up this node's raft
// participation.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Cluster wraps a raft.Raft instance dedicated to leader election.
type Cluster struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft *raft.Raft
	fsm  *noopFSM
}

// New constructs a Cluster. Call Bootstrap or Join to actually start
// participating in an election.
func New(cfg Config) (*Cluster, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Cluster{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      &noopFSM{},
	}, nil
}

func (c *Cluster) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(c.nodeID)

	// Tuned for same-datacenter controller failover: the default
	// WAN-oriented 1s heartbeat/election timeouts leave the cluster
	// leaderless far longer than a copy-task backlog can tolerate.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (c *Cluster) newRaft(config *raft.Config) (*raft.Raft, *raft.NetworkTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", c.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(c.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(c.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("create raft: %w", err)
	}
	return r, transport, nil
}

// Bootstrap initializes a new single-node raft cluster with this node
// as the only voter.
func (c *Cluster) Bootstrap() error {
	config := c.raftConfig()
	r, transport, err := c.newRaft(config)
	if err != nil {
		return err
	}
	c.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{
			{ID: config.LocalID, Address: transport.LocalAddr()},
		},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	return nil
}

// Join starts this node's raft participation without bootstrapping;
// the caller must separately have the leader call AddVoter for this
// node's ID/address (normally via the operator CLI, out of band).
func (c *Cluster) Join() error {
	r, _, err := c.newRaft(c.raftConfig())
	if err != nil {
		return err
	}
	c.raft = r
	return nil
}

// AddVoter adds a peer to the cluster. Only the leader can do this.
func (c *Cluster) AddVoter(nodeID, address string) error {
	if c.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !c.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", c.LeaderAddr())
	}
	future := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer removes a peer from the cluster. Only the leader can
// do this.
func (c *Cluster) RemoveServer(nodeID string) error {
	if c.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !c.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	future := c.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this process currently owns the scheduler
// and command-queue drain loop.
func (c *Cluster) IsLeader() bool {
	if c.raft == nil {
		return false
	}
	return c.raft.State() == raft.Leader
}

// LeaderAddr returns the bind address of the current leader, or "" if
// none is known.
func (c *Cluster) LeaderAddr() string {
	if c.raft == nil {
		return ""
	}
	return string(c.raft.Leader())
}

// Stats reports raft's current view of the cluster; ReportMetrics
// publishes it to the raft gauges.
type Stats struct {
	State        string
	LastLogIndex uint64
	AppliedIndex uint64
	Leader       string
	Peers        int
}

// Stats returns a snapshot of raft's current state.
func (c *Cluster) Stats() *Stats {
	if c.raft == nil {
		return nil
	}
	s := &Stats{
		State:        c.raft.State().String(),
		LastLogIndex: c.raft.LastIndex(),
		AppliedIndex: c.raft.AppliedIndex(),
		Leader:       string(c.raft.Leader()),
	}
	if cf := c.raft.GetConfiguration(); cf.Error() == nil {
		s.Peers = len(cf.Configuration().Servers)
	}
	return s
}

// ReportMetrics pushes the current raft state into the package-level
// prometheus gauges. Intended to be called on a short ticker by the
// caller that owns the event loop.
func (c *Cluster) ReportMetrics() {
	if c.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
	if stats := c.Stats(); stats != nil {
		metrics.RaftLogIndex.Set(float64(stats.LastLogIndex))
		metrics.RaftAppliedIndex.Set(float64(stats.AppliedIndex))
		metrics.RaftPeers.Set(float64(stats.Peers))
	}
}

// Shutdown stops raft participation.
func (c *Cluster) Shutdown() error {
	if c.raft == nil {
		return nil
	}
	future := c.raft.Shutdown()
	return future.Error()
}

// NodeID returns this cluster member's raft server ID.
func (c *Cluster) NodeID() string {
	return c.nodeID
}
