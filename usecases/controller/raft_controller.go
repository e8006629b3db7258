package controller

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/sirupsen/logrus"
)

const (
	raftDBName        = "controller-raft.db"
	logCacheCapacity  = 512
	retainedSnapshots = 2
	tcpMaxPool        = 3
	tcpTimeout        = 10 * time.Second
)

// ErrNotLeader is returned by Propose when this node does not
// currently hold raft leadership for the controller cluster.
var ErrNotLeader = fmt.Errorf("controller node is not the raft leader")

// Config configures one controller node's raft participation.
type Config struct {
	WorkDir  string
	NodeID   string
	BindAddr string // host:port this node's raft transport listens on

	// Bootstrap must be true on exactly one node the first time a
	// cluster is formed; every subsequent node joins via Join called
	// against the existing leader.
	Bootstrap bool

	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	ApplyTimeout     time.Duration
}

// RaftController is the raft-backed Controller: one per controller
// node, replicating lifecycle events to every voter and serving
// LatestEvent from this node's local FSM state.
type RaftController struct {
	log          *logrus.Entry
	raft         *raft.Raft
	transport    *raft.NetworkTransport
	logStore     *raftboltdb.BoltStore
	applyTimeout time.Duration

	mu    sync.Mutex
	state map[string]map[EventType]Event
}

// New opens the raft node described by cfg.
func New(cfg Config, logger *logrus.Logger) (*RaftController, error) {
	entry := logger.WithFields(logrus.Fields{"component": "controller", "node_id": cfg.NodeID})

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create controller work dir %q: %w", cfg.WorkDir, err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.WorkDir, raftDBName))
	if err != nil {
		return nil, fmt.Errorf("open raft bolt store: %w", err)
	}

	logCache, err := raft.NewLogCache(logCacheCapacity, logStore)
	if err != nil {
		return nil, fmt.Errorf("wrap raft log cache: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.WorkDir, retainedSnapshots, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("open raft snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft bind address %q: %w", cfg.BindAddr, err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, tcpMaxPool, tcpTimeout, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("open raft tcp transport: %w", err)
	}

	applyTimeout := cfg.ApplyTimeout
	if applyTimeout == 0 {
		applyTimeout = 10 * time.Second
	}

	c := &RaftController{
		log:          entry,
		transport:    transport,
		logStore:     logStore,
		applyTimeout: applyTimeout,
		state:        make(map[string]map[EventType]Event),
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	if cfg.HeartbeatTimeout > 0 {
		raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	}
	if cfg.ElectionTimeout > 0 {
		raftCfg.ElectionTimeout = cfg.ElectionTimeout
	}
	if raftCfg.LeaderLeaseTimeout > raftCfg.HeartbeatTimeout {
		raftCfg.LeaderLeaseTimeout = raftCfg.HeartbeatTimeout
	}

	r, err := raft.NewRaft(raftCfg, c, logCache, logStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("start raft node: %w", err)
	}
	c.raft = r

	if cfg.Bootstrap {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("bootstrap raft cluster: %w", err)
		}
	}

	return c, nil
}

// Propose replicates event to the raft log and blocks until applied.
func (c *RaftController) Propose(event Event) error {
	cmdBytes, err := json.Marshal(command{Event: event})
	if err != nil {
		return fmt.Errorf("marshal controller command: %w", err)
	}

	future := c.raft.Apply(cmdBytes, c.applyTimeout)
	if err := future.Error(); err != nil {
		if err == raft.ErrNotLeader {
			return fmt.Errorf("propose %s event for %s_v%d: %w", event.Type, event.StoreName, event.VersionNumber, ErrNotLeader)
		}
		return err
	}
	if resp, ok := future.Response().(fsmResponse); ok && resp.Error != nil {
		return resp.Error
	}
	return nil
}

// LatestEvent returns the most recently applied event of eventType for
// a store version, read from this node's own FSM state (which may lag
// the leader briefly if this node is a follower).
func (c *RaftController) LatestEvent(storeName string, version int, eventType EventType) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := fmt.Sprintf("%s_v%d", storeName, version)
	events, ok := c.state[key]
	if !ok {
		return Event{}, false
	}
	e, ok := events[eventType]
	return e, ok
}

func (c *RaftController) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

func (c *RaftController) Leader() string {
	addr, _ := c.raft.LeaderWithID()
	return string(addr)
}

// Join adds a voting peer to the cluster. Must be called against the
// current leader.
func (c *RaftController) Join(nodeID, addr string) error {
	return c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0).Error()
}

func (c *RaftController) Close() error {
	if err := c.raft.Shutdown().Error(); err != nil {
		return err
	}
	if err := c.transport.Close(); err != nil {
		return err
	}
	return c.logStore.Close()
}

var _ Controller = &RaftController{}
