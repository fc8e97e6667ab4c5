package redisnode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/replication"
	"github.com/raniellyferreira/redis-inmemory-node/server"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
	"github.com/raniellyferreira/redis-inmemory-node/stream"
)

// SyncStatus represents the current replication status of a node
type SyncStatus = replication.SyncStatus

// Node is an in-memory Redis node. It is a primary unless configured with
// WithReplicaOf, in which case it follows that primary and refuses writes.
type Node struct {
	// Configuration
	config *config

	// Components
	ks         *storage.Keyspace
	repl       *replication.Manager
	streams    *stream.Engine
	dispatcher *server.Dispatcher
	server     *server.Server
	admin      *adminServer
	snapshots  *snapshotter

	// State
	mu      sync.RWMutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new Node with the given options
//
// The node is created but not started. Use Start() to load the snapshot,
// open the listeners and begin replication.
//
// Example:
//
//	node, err := redisnode.New(
//		redisnode.WithAddr(":6380"),
//		redisnode.WithReplicaOf("localhost:6379"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
func New(opts ...Option) (*Node, error) {
	cfg := defaultConfig()

	// Apply options
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	log := &loggerAdapter{logger: cfg.logger}
	ks := storage.New()

	repl := replication.NewManager(ks)
	repl.SetLogger(log)
	if cfg.metrics != nil {
		repl.SetMetrics(cfg.metrics)
	}
	if cfg.primaryAddr != "" {
		repl.SetPrimary(cfg.primaryAddr)
		if cfg.primaryPassword != "" {
			repl.SetAuth(cfg.primaryPassword)
		}
	}
	repl.SetBacklogSize(cfg.backlogSize)
	repl.SetReplicaOutputLimit(cfg.replicaOutputLimit)
	repl.SetPingPeriod(cfg.pingPeriod)
	repl.SetAckPeriod(cfg.ackPeriod)
	repl.SetConnectTimeout(cfg.connectTimeout)
	repl.SetReadTimeout(cfg.readTimeout)
	repl.SetBackoff(cfg.minBackoff, cfg.maxBackoff)
	repl.SetCleanup(cfg.cleanup, cfg.cleanupInterval)
	if cfg.dbFilename != "" {
		repl.SetTempDir(cfg.dir)
	}

	streams := stream.New(ks, nil)
	d := server.NewDispatcher(repl, streams)
	d.SetLogger(log)
	if cfg.metrics != nil {
		d.SetMetrics(cfg.metrics)
	}

	n := &Node{
		config:     cfg,
		ks:         ks,
		repl:       repl,
		streams:    streams,
		dispatcher: d,
	}

	if path := cfg.snapshotPath(); path != "" {
		n.snapshots = &snapshotter{path: path, repl: repl, logger: cfg.logger}
		d.SetPersister(n.snapshots)
	}

	if cfg.enableServer {
		n.server = server.NewServer(cfg.addr, d)
		n.server.SetLogger(log)
		n.server.SetPassword(cfg.password)
		n.server.SetIdleTimeout(cfg.idleTimeout)
	}
	if cfg.adminAddr != "" {
		n.admin = newAdminServer(n)
	}

	n.exportConfig()
	return n, nil
}

// exportConfig publishes the settings CONFIG GET reports
func (n *Node) exportConfig() {
	cfg := n.config
	host, port, _ := net.SplitHostPort(cfg.addr)
	replicaOf := ""
	if cfg.primaryAddr != "" {
		h, p, _ := net.SplitHostPort(cfg.primaryAddr)
		replicaOf = h + " " + p
	}

	d := n.dispatcher
	d.SetConfig("bind", host)
	d.SetConfig("port", port)
	d.SetConfig("dir", cfg.dir)
	d.SetConfig("dbfilename", cfg.dbFilename)
	d.SetConfig("replicaof", replicaOf)
	d.SetConfig("repl-backlog-size", strconv.Itoa(cfg.backlogSize))
	d.SetConfig("repl-ping-replica-period", strconv.Itoa(int(cfg.pingPeriod/time.Second)))
	d.SetConfig("repl-timeout", strconv.Itoa(int(cfg.readTimeout/time.Second)))
	d.SetConfig("replica-read-only", "yes")
	d.SetConfig("timeout", strconv.Itoa(int(cfg.idleTimeout/time.Second)))
	d.SetConfig("appendonly", "no")
	d.SetConfig("databases", "1")
}

// Start loads the snapshot file, opens the listeners and starts
// replication. On a replica it returns before the first sync; use
// WaitForSync to wait for it. Cancelling ctx stops replication.
//
// Example:
//
//	if err := node.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if n.started {
		return nil // Already started
	}

	if n.snapshots != nil {
		if err := n.snapshots.load(); err != nil {
			n.config.logger.Error("Failed to load snapshot", Field{"error", err})
			return err
		}
	}

	if n.server != nil {
		if err := n.server.Start(); err != nil {
			n.config.logger.Error("Failed to start server", Field{"error", err}, Field{"addr", n.config.addr})
			return err
		}
		if _, port, err := net.SplitHostPort(n.server.Addr()); err == nil {
			p, _ := strconv.Atoi(port)
			n.repl.SetListeningPort(p)
			n.dispatcher.SetConfig("port", port)
		}
	}

	ctx, n.cancel = context.WithCancel(ctx)
	if err := n.repl.Start(ctx); err != nil {
		n.stopListeners()
		n.cancel()
		return fmt.Errorf("failed to start replication: %w", err)
	}

	if n.admin != nil {
		if err := n.admin.start(n.config.adminAddr); err != nil {
			n.stopListeners()
			_ = n.repl.Stop()
			n.cancel()
			return err
		}
	}

	if n.config.metrics != nil {
		n.wg.Add(1)
		go n.gaugeLoop(ctx)
	}

	n.started = true
	n.config.logger.Info("Node started",
		Field{"role", n.repl.Role().String()},
		Field{"addr", n.Addr()},
		Field{"replid", n.repl.ReplID()})
	return nil
}

// gaugeLoop refreshes the gauges of the metrics collector
func (n *Node) gaugeLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		n.recordGauges()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *Node) recordGauges() {
	m := n.config.metrics
	if m == nil {
		return
	}
	m.RecordKeyCount(n.ks.Len())
	m.RecordReplicationOffset(n.repl.Offset())
	m.RecordConnectedReplicas(n.repl.ConnectedReplicas())
}

func (n *Node) stopListeners() {
	if n.admin != nil {
		if err := n.admin.stop(); err != nil {
			n.config.logger.Error("Error stopping admin server", Field{"error", err})
		}
	}
	if n.server != nil {
		if err := n.server.Stop(); err != nil {
			n.config.logger.Error("Error stopping server", Field{"error", err})
		}
	}
}

// Close gracefully shuts down the node
//
// Listeners are closed first, then replication stops. With
// WithSaveOnShutdown a final snapshot is written last.
//
// Example:
//
//	defer node.Close()
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	if !n.started {
		return nil
	}

	n.stopListeners()
	err := n.repl.Stop()
	n.cancel()
	n.wg.Wait()

	if n.config.saveOnShutdown && n.snapshots != nil {
		if saveErr := n.snapshots.Save(); saveErr != nil && err == nil {
			err = saveErr
		}
	}
	n.config.logger.Info("Node stopped")
	return err
}

// WaitForSync blocks until the first synchronization with the primary is
// complete. A started primary is always in sync.
//
// Example:
//
//	if err := node.WaitForSync(ctx); err != nil {
//		log.Fatal(err)
//	}
func (n *Node) WaitForSync(ctx context.Context) error {
	if !n.isStarted() {
		return ErrNotStarted
	}
	return n.repl.WaitForSync(ctx)
}

// OnSyncComplete registers a callback run after every completed resync
//
// Example:
//
//	node.OnSyncComplete(func() {
//		log.Println("Replica is ready to serve requests")
//	})
func (n *Node) OnSyncComplete(fn func()) {
	n.repl.OnSyncComplete(fn)
}

// SyncStatus returns the current replication status
//
// Example:
//
//	status := node.SyncStatus()
//	fmt.Printf("Sync completed: %v\n", status.InitialSyncCompleted)
//	fmt.Printf("Replication offset: %d\n", status.Offset)
func (n *Node) SyncStatus() SyncStatus {
	return n.repl.SyncStatus()
}

// IsReplica reports whether the node follows a primary
func (n *Node) IsReplica() bool {
	return n.repl.Role() == replication.RoleReplica
}

// IsConnected reports whether a replica's link to its primary is up. A
// primary is always connected.
func (n *Node) IsConnected() bool {
	return n.repl.IsConnected()
}

// Keyspace returns the underlying keyspace for direct reads. Writes must
// go through Do so they are replicated.
func (n *Node) Keyspace() *storage.Keyspace {
	return n.ks
}

// Addr returns the client server's address
func (n *Node) Addr() string {
	if n.server == nil {
		return ""
	}
	return n.server.Addr()
}

// AdminAddr returns the admin HTTP server's address
func (n *Node) AdminAddr() string {
	if n.admin == nil {
		return ""
	}
	return n.admin.addr()
}

// Info renders INFO for the given sections, all of them by default
func (n *Node) Info(sections ...string) string {
	for i, s := range sections {
		sections[i] = strings.ToLower(s)
	}
	return n.dispatcher.Info(sections...)
}

// Save writes a snapshot to the configured file
func (n *Node) Save() error {
	if n.snapshots == nil {
		return ErrNoSnapshotFile
	}
	return n.snapshots.Save()
}

// Do runs a command in process, exactly as if a client had sent it. An
// error reply is returned as a *CommandError.
//
// Example:
//
//	reply, err := node.Do(ctx, "XADD", "events", "*", "type", "login")
func (n *Node) Do(ctx context.Context, args ...string) (protocol.Value, error) {
	if len(args) == 0 {
		return protocol.Value{}, errors.New("empty command")
	}
	if !n.isStarted() {
		return protocol.Value{}, ErrNotStarted
	}

	cmd := protocol.NewCommand(args[0], args[1:]...)
	reply := n.dispatcher.Apply(ctx, cmd)
	if reply.IsError() {
		return reply, &CommandError{Command: cmd.Name, Message: string(reply.Data)}
	}
	return reply, nil
}

// isStarted returns true if the node is started (thread-safe)
func (n *Node) isStarted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started && !n.closed
}
