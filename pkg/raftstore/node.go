package raftstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/downfa11-org/seglog/pkg/config"
	"github.com/downfa11-org/seglog/pkg/disk"
	"github.com/downfa11-org/seglog/pkg/membership"
	"github.com/downfa11-org/seglog/pkg/metrics"
	"github.com/downfa11-org/seglog/pkg/state"
	"github.com/downfa11-org/seglog/util"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const retainSnapshots = 3

// NodeConfig describes one raft node persisted under Dir.
type NodeConfig struct {
	ID        string
	Dir       string
	FSM       raft.FSM
	Transport raft.Transport

	// Log configures the segmented log; nil means config.Default().
	Log *config.Config

	// Raft overrides raft.DefaultConfig(); LocalID and Logger are always set.
	Raft    *raft.Config
	RaftLog hclog.Logger
	Logger  *zap.Logger
}

// Node is a hashicorp/raft instance running on the segmented log, a bolt
// stable store and a file snapshot store, with its membership mirrored into
// a durable MembershipState.
type Node struct {
	Raft *raft.Raft

	id         string
	log        *disk.SegmentedLog
	logs       *LogStore
	stable     *StableStore
	membership *membership.MembershipState
	members    *state.DurableStateStorage[*membership.MembershipState]
	exporter   *metrics.MetricsServer
	logger     *zap.Logger

	observer *raft.Observer
	done     chan struct{}
	wg       sync.WaitGroup
	closeMu  sync.Once
	closeErr error
}

func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.Log == nil {
		cfg.Log = config.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = util.Logger()
	}
	if cfg.RaftLog == nil {
		cfg.RaftLog = hclog.New(&hclog.LoggerOptions{Name: "raft", Level: hclog.Info, Output: os.Stderr})
	}
	logger := cfg.Logger.With(zap.String("node", cfg.ID))

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		util.Error("Failed to create raft data directory %s: %v", cfg.Dir, err)
		return nil, fmt.Errorf("failed to create raft data directory: %w", err)
	}

	n := &Node{id: cfg.ID, logger: logger, done: make(chan struct{})}
	if err := n.open(cfg); err != nil {
		return nil, multierr.Append(err, n.closeStores())
	}
	return n, nil
}

func (n *Node) open(cfg NodeConfig) error {
	var err error
	if cfg.Log.EnableExporter {
		if n.exporter, err = metrics.StartMetricsServer(cfg.Log.ExporterPort); err != nil {
			return err
		}
	}

	n.log, err = disk.Open(filepath.Join(cfg.Dir, "log"), cfg.Log, nil, disk.WithLogger(n.logger))
	if err != nil {
		return fmt.Errorf("failed to open raft log: %w", err)
	}
	n.logs = NewLogStore(n.log, n.logger)

	n.stable, err = NewStableStore(filepath.Join(cfg.Dir, "stable.db"))
	if err != nil {
		return err
	}

	n.members, err = membership.OpenStorage(nil, filepath.Join(cfg.Dir, "membership"), cfg.Log.StateRotationEntries, n.logger)
	if err != nil {
		return fmt.Errorf("failed to open membership storage: %w", err)
	}
	n.membership = n.members.InitialState()

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(cfg.Dir, retainSnapshots, cfg.RaftLog.Named("snapshots"))
	if err != nil {
		util.Error("Failed to create snapshot store: %v", err)
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	if cfg.Raft != nil {
		c := *cfg.Raft
		raftCfg = &c
	}
	raftCfg.LocalID = raft.ServerID(cfg.ID)
	raftCfg.Logger = cfg.RaftLog

	n.Raft, err = raft.NewRaft(raftCfg, cfg.FSM, n.logs, n.stable, snapshots, cfg.Transport)
	if err != nil {
		util.Error("Failed to create raft instance: %v", err)
		return fmt.Errorf("failed to create raft: %w", err)
	}

	n.log.StartRetention(n.safeIndex)

	observations := make(chan raft.Observation, 16)
	n.observer = raft.NewObserver(observations, false, func(o *raft.Observation) bool {
		switch o.Data.(type) {
		case raft.LeaderObservation, raft.PeerObservation:
			return true
		}
		return false
	})
	n.Raft.RegisterObserver(n.observer)
	n.wg.Add(1)
	go n.watchMembership(observations)
	return nil
}

// safeIndex is the lowest index raft may still read; retention stays below it.
func (n *Node) safeIndex() int64 {
	first, _ := n.logs.FirstIndex()
	if first == 0 {
		return n.log.AppendIndex() + 1
	}
	return int64(first)
}

func (n *Node) watchMembership(observations <-chan raft.Observation) {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case <-observations:
			if err := n.SyncMembership(); err != nil {
				n.logger.Warn("Failed to sync membership", zap.Error(err))
			}
		}
	}
}

// SyncMembership mirrors raft's latest configuration and persists it when
// it was committed at a new index.
func (n *Node) SyncMembership() error {
	before := n.membership.LogIndex()
	if err := SyncFromRaft(n.Raft, n.membership); err != nil {
		return err
	}
	if n.membership.LogIndex() == before {
		return nil
	}
	return n.members.Persist(n.membership)
}

// BootstrapCluster starts a new cluster from this node and peers given as
// id@addr. It does nothing if a configuration already exists.
func (n *Node) BootstrapCluster(localAddr raft.ServerAddress, peers []string) error {
	if confFut := n.Raft.GetConfiguration(); confFut.Error() == nil {
		if len(confFut.Configuration().Servers) > 0 {
			util.Info("bootstrap skipped: existing configuration present with %d servers", len(confFut.Configuration().Servers))
			return nil
		}
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{{
			ID:       raft.ServerID(n.id),
			Address:  localAddr,
			Suffrage: raft.Voter,
		}},
	}
	for _, peer := range peers {
		srv, ok := parsePeer(peer)
		if !ok {
			util.Error("invalid peer format: %s", peer)
			continue
		}
		if srv.ID == raft.ServerID(n.id) || srv.Address == localAddr {
			continue
		}
		configuration.Servers = append(configuration.Servers, srv)
		util.Debug("bootstrap add peer: id=%s addr=%s", srv.ID, srv.Address)
	}

	if err := n.Raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	util.Info("bootstrap completed with %d servers", len(configuration.Servers))
	return nil
}

// parsePeer accepts id@addr, or host:port with the host as id.
func parsePeer(peer string) (raft.Server, bool) {
	peer = strings.TrimSpace(peer)
	var id, addr string
	switch {
	case strings.Contains(peer, "@"):
		parts := strings.SplitN(peer, "@", 2)
		id, addr = parts[0], parts[1]
	case strings.Contains(peer, ":"):
		util.Warn("peer entry '%s' uses legacy host:port format; consider using 'id@addr' to avoid id collisions", peer)
		id, addr = strings.Split(peer, ":")[0], peer
	default:
		return raft.Server{}, false
	}
	if id == "" || addr == "" {
		return raft.Server{}, false
	}
	return raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(addr), Suffrage: raft.Voter}, true
}

func (n *Node) Membership() *membership.MembershipState {
	return n.membership
}

func (n *Node) LogStore() *LogStore {
	return n.logs
}

func (n *Node) Log() *disk.SegmentedLog {
	return n.log
}

// MetricsAddr is the exporter's listen address, or "" when it is disabled.
func (n *Node) MetricsAddr() string {
	if n.exporter == nil {
		return ""
	}
	return n.exporter.Addr()
}

// Close shuts raft down and closes every store.
func (n *Node) Close() error {
	n.closeMu.Do(func() {
		close(n.done)
		if n.Raft != nil {
			n.Raft.DeregisterObserver(n.observer)
			n.closeErr = n.Raft.Shutdown().Error()
		}
		n.wg.Wait()
		n.closeErr = multierr.Append(n.closeErr, n.closeStores())
	})
	return n.closeErr
}

func (n *Node) closeStores() error {
	var err error
	if n.members != nil {
		err = multierr.Append(err, n.members.Close())
	}
	if n.stable != nil {
		err = multierr.Append(err, n.stable.Close())
	}
	if n.log != nil {
		err = multierr.Append(err, n.log.Close())
	}
	if n.exporter != nil {
		err = multierr.Append(err, n.exporter.Close())
	}
	return err
}
