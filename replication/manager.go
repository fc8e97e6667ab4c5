package replication

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipmap"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

var (
	// ErrReplicationDesync is returned when the replication stream and the
	// local offset accounting disagree, or a propagated command cannot be
	// applied. The link is dropped and the next attempt is a full resync.
	ErrReplicationDesync = errors.New("replication desync")

	// ErrReplicaPSYNC is returned when a replica is asked to serve PSYNC.
	ErrReplicaPSYNC = errors.New("ERR PSYNC is not allowed on a replica")
)

// Role is the replication role of a node
type Role int32

const (
	RolePrimary Role = iota
	RoleReplica
)

// String returns the role as Redis reports it
func (r Role) String() string {
	if r == RoleReplica {
		return "slave"
	}
	return "master"
}

// Logger interface for replication logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector interface for replication metrics
type MetricsCollector interface {
	RecordSyncDuration(duration time.Duration)
	RecordCommandProcessed(cmd string, duration time.Duration)
	RecordNetworkBytes(bytes int64)
	RecordReconnection()
	RecordError(errorType string)
}

// Applier executes a write command received from the primary through the
// same path client commands take.
type Applier interface {
	ApplyReplicated(cmd *protocol.Command) error
}

// Manager owns the replication state of a node. On a primary it assigns
// offsets to accepted writes, keeps the backlog and fans writes out to
// attached replicas. On a replica it runs the link to the primary.
//
// All keyspace mutations go through Write, which serializes them and
// propagates what they produced only after they were applied.
type Manager struct {
	ks   *storage.Keyspace
	role Role

	// Primary link, replica role only
	primaryAddr   string
	primaryAuth   string
	listeningPort int

	// writeMu is the single-writer exclusion for the keyspace. It also
	// guards the backlog and replica registration, so a snapshot taken
	// under it lines up exactly with an offset.
	writeMu sync.Mutex
	offset  atomic.Int64
	backlog *backlog

	idMu   sync.RWMutex
	replID string

	replicas      *skipmap.OrderedMap[uint64, *replica]
	nextReplicaID atomic.Uint64

	ackMu sync.Mutex
	ackCh chan struct{}

	applier Applier
	onReset []func()
	expired chan string

	state atomic.Int32
	stats *ReplicationStats

	syncMu        sync.Mutex
	synced        chan struct{}
	syncOnce      sync.Once
	syncCallbacks []func()

	// Configuration
	logger             Logger
	metrics            MetricsCollector
	backlogSize        int
	replicaOutputLimit int64
	pingPeriod         time.Duration
	ackPeriod          time.Duration
	connectTimeout     time.Duration
	readTimeout        time.Duration
	writeTimeout       time.Duration
	minBackoff         time.Duration
	maxBackoff         time.Duration
	cleanup            storage.CleanupConfig
	cleanupInterval    time.Duration
	tempDir            string

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewManager creates a manager in the primary role with a fresh
// replication id. Configure it before calling Start.
func NewManager(ks *storage.Keyspace) *Manager {
	m := &Manager{
		ks:                 ks,
		role:               RolePrimary,
		replID:             newReplID(),
		replicas:           skipmap.New[uint64, *replica](),
		ackCh:              make(chan struct{}),
		expired:            make(chan string, 1024),
		stats:              &ReplicationStats{},
		synced:             make(chan struct{}),
		logger:             &defaultLogger{},
		backlogSize:        1 << 20,
		replicaOutputLimit: 64 << 20,
		pingPeriod:         10 * time.Second,
		ackPeriod:          time.Second,
		connectTimeout:     5 * time.Second,
		readTimeout:        60 * time.Second,
		writeTimeout:       10 * time.Second,
		minBackoff:         time.Second,
		maxBackoff:         30 * time.Second,
		cleanup:            storage.CleanupConfigDefault,
		cleanupInterval:    100 * time.Millisecond,
		tempDir:            os.TempDir(),
	}
	m.backlog = newBacklog(m.backlogSize, 0)
	return m
}

// newReplID returns 40 random hex characters
func newReplID() string {
	a, b := uuid.New(), uuid.New()
	return hex.EncodeToString(append(a[:], b[:4]...))
}

// SetPrimary switches the manager to the replica role, following the
// primary at addr.
func (m *Manager) SetPrimary(addr string) {
	m.role = RoleReplica
	m.primaryAddr = addr
	m.replID = ""
	m.stats.PrimaryAddr = addr
}

// SetAuth configures the password sent to the primary
func (m *Manager) SetAuth(password string) {
	m.primaryAuth = password
}

// SetListeningPort sets the port announced to the primary
func (m *Manager) SetListeningPort(port int) {
	m.listeningPort = port
}

// SetLogger sets the logger
func (m *Manager) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// SetMetrics sets the metrics collector
func (m *Manager) SetMetrics(metrics MetricsCollector) {
	m.metrics = metrics
}

// SetApplier sets the executor for commands received from the primary
func (m *Manager) SetApplier(a Applier) {
	m.applier = a
}

// OnReset registers fn to run after the keyspace was replaced by a
// snapshot from the primary.
func (m *Manager) OnReset(fn func()) {
	m.onReset = append(m.onReset, fn)
}

// SetBacklogSize sets the number of stream bytes kept for partial resync
func (m *Manager) SetBacklogSize(size int) {
	if size > 0 {
		m.backlogSize = size
		m.backlog = newBacklog(size, m.offset.Load())
	}
}

// SetReplicaOutputLimit sets the pending bytes after which a slow replica
// is dropped.
func (m *Manager) SetReplicaOutputLimit(limit int64) {
	if limit > 0 {
		m.replicaOutputLimit = limit
	}
}

// SetPingPeriod sets how often a primary pings its replicas
func (m *Manager) SetPingPeriod(d time.Duration) {
	if d > 0 {
		m.pingPeriod = d
	}
}

// SetAckPeriod sets how often a replica reports its offset
func (m *Manager) SetAckPeriod(d time.Duration) {
	if d > 0 {
		m.ackPeriod = d
	}
}

// SetConnectTimeout sets the connection timeout
func (m *Manager) SetConnectTimeout(d time.Duration) {
	if d > 0 {
		m.connectTimeout = d
	}
}

// SetReadTimeout sets how long a link may stay silent before it is dropped
func (m *Manager) SetReadTimeout(d time.Duration) {
	if d > 0 {
		m.readTimeout = d
	}
}

// SetBackoff sets the reconnect backoff bounds
func (m *Manager) SetBackoff(minDelay, maxDelay time.Duration) {
	if minDelay > 0 {
		m.minBackoff = minDelay
	}
	if maxDelay >= m.minBackoff {
		m.maxBackoff = maxDelay
	}
}

// SetCleanup configures the background expiry sweep. An interval of zero
// disables it.
func (m *Manager) SetCleanup(config storage.CleanupConfig, interval time.Duration) {
	m.cleanup = config
	m.cleanupInterval = interval
}

// SetTempDir sets where resync snapshots are staged
func (m *Manager) SetTempDir(dir string) {
	if dir != "" {
		m.tempDir = dir
	}
}

// Role returns the replication role
func (m *Manager) Role() Role {
	return m.role
}

// Keyspace returns the keyspace the manager writes to
func (m *Manager) Keyspace() *storage.Keyspace {
	return m.ks
}

// Offset returns the primary offset on a primary and the applied offset
// on a replica.
func (m *Manager) Offset() int64 {
	return m.offset.Load()
}

// ReplID returns the current replication id, empty on a replica that
// never synced.
func (m *Manager) ReplID() string {
	m.idMu.RLock()
	defer m.idMu.RUnlock()
	return m.replID
}

func (m *Manager) setReplID(id string) {
	m.idMu.Lock()
	m.replID = id
	m.idMu.Unlock()
}

// Start launches the background work of the role: expiry propagation and
// replica pings on a primary, the primary link on a replica.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("replication manager already started")
	}
	ctx, m.cancel = context.WithCancel(ctx)

	if m.role == RoleReplica {
		if m.primaryAddr == "" {
			return fmt.Errorf("replica role requires a primary address")
		}
		// Replicas wait for the primary's DEL instead of expiring keys.
		m.ks.SetExpiryObserver(noopObserver{})
		m.logger.Info("Starting replication link", "primary", m.primaryAddr)
		m.wg.Add(1)
		go m.runLink(ctx)
		return nil
	}

	m.ks.SetExpiryObserver(m)
	m.markSynced()
	m.logger.Info("Starting primary replication", "replid", m.ReplID(), "offset", m.Offset())

	m.wg.Add(2)
	go m.purgeExpired(ctx)
	go m.pingReplicas(ctx)
	if m.cleanupInterval > 0 {
		m.wg.Add(1)
		go m.sweep(ctx)
	}
	return nil
}

// Stop stops background work, closes every replication connection and
// waits for the goroutines to finish.
func (m *Manager) Stop() error {
	if !m.started.Load() || m.cancel == nil {
		return nil
	}
	m.cancel()
	m.replicas.Range(func(_ uint64, r *replica) bool {
		r.close()
		return true
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("stop timeout")
	}
}

// Tx collects the commands a write produced so they can be propagated
// after the write was applied.
type Tx struct {
	m    *Manager
	cmds []*protocol.Command
}

// Keyspace returns the keyspace being written
func (tx *Tx) Keyspace() *storage.Keyspace {
	return tx.m.ks
}

// Propagate queues cmd for the replication stream. cmd must be the fully
// resolved form of what was applied, never a relative or generated form.
func (tx *Tx) Propagate(cmd *protocol.Command) {
	tx.cmds = append(tx.cmds, cmd)
}

// ExpireStale deletes those of keys that are expired and propagates a DEL
// for each. It does nothing on a replica, whose keys expire only when the
// primary says so. It returns the number of deleted keys.
func (tx *Tx) ExpireStale(keys ...string) int {
	if tx.m.role != RolePrimary {
		return 0
	}
	n := 0
	for _, key := range keys {
		if tx.m.ks.DeleteIfExpired(key) {
			tx.Propagate(protocol.NewCommand("DEL", key))
			n++
		}
	}
	return n
}

// Write runs fn as the only writer of the keyspace. The commands fn
// queued are propagated after fn returns, even when it returns an error,
// since anything it queued was already applied.
func (m *Manager) Write(fn func(tx *Tx) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	tx := &Tx{m: m}
	err := fn(tx)
	if m.role == RolePrimary {
		for _, cmd := range tx.cmds {
			m.propagateLocked(cmd)
		}
	}
	return err
}

// Exclusive runs fn with writes held, giving it a point-in-time view of
// the keyspace.
func (m *Manager) Exclusive(fn func() error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return fn()
}

// propagateLocked appends cmd to the replication stream. The caller must
// hold writeMu.
func (m *Manager) propagateLocked(cmd *protocol.Command) {
	buf := cmd.Encode()
	m.backlog.write(buf)
	m.offset.Add(int64(len(buf)))
	m.replicas.Range(func(_ uint64, r *replica) bool {
		if !r.enqueue(buf) {
			m.logger.Error("Replica output limit reached, dropping replica",
				"replica", r.addr, "limit", m.replicaOutputLimit)
			m.recordError("output_limit")
		}
		return true
	})
}

// OnKeyExpired queues a key that a read found expired for deletion through
// the write path. Keys are dropped when the queue is full; the sweeper
// finds them later.
func (m *Manager) OnKeyExpired(key string) {
	select {
	case m.expired <- key:
	default:
	}
}

func (m *Manager) purgeExpired(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case key := <-m.expired:
			_ = m.Write(func(tx *Tx) error {
				tx.ExpireStale(key)
				return nil
			})
		case <-ctx.Done():
			return
		}
	}
}

// sweep periodically samples the keyspace for expired keys
func (m *Manager) sweep(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n := m.ks.SampleExpired(m.cleanup, func(keys []string) {
				_ = m.Write(func(tx *Tx) error {
					tx.ExpireStale(keys...)
					return nil
				})
			})
			if n > 0 {
				m.logger.Debug("Expired keys removed", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) recordError(errorType string) {
	if m.metrics != nil {
		m.metrics.RecordError(errorType)
	}
}

type noopObserver struct{}

func (noopObserver) OnKeyExpired(string) {}

// defaultLogger discards everything
type defaultLogger struct{}

func (l *defaultLogger) Debug(msg string, fields ...interface{}) {}

func (l *defaultLogger) Info(msg string, fields ...interface{}) {}

func (l *defaultLogger) Error(msg string, fields ...interface{}) {}
