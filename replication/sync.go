package replication

import (
	"context"
	"sync"
	"time"
)

// ReplicationStats tracks replication statistics
type ReplicationStats struct {
	mu sync.RWMutex

	Connected         bool
	PrimaryAddr       string
	LastSyncTime      time.Time
	BytesReceived     int64
	CommandsProcessed int64
	ReconnectCount    int64
	FullSyncs         int64
	PartialSyncs      int64

	InitialSyncCompleted bool
}

// incr atomically updates statistics
func (s *ReplicationStats) incr(fn func(*ReplicationStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *ReplicationStats) snapshot() ReplicationStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ReplicationStats{
		Connected:            s.Connected,
		PrimaryAddr:          s.PrimaryAddr,
		LastSyncTime:         s.LastSyncTime,
		BytesReceived:        s.BytesReceived,
		CommandsProcessed:    s.CommandsProcessed,
		ReconnectCount:       s.ReconnectCount,
		FullSyncs:            s.FullSyncs,
		PartialSyncs:         s.PartialSyncs,
		InitialSyncCompleted: s.InitialSyncCompleted,
	}
}

// ReplicaInfo describes a replica attached to this primary
type ReplicaInfo struct {
	ID            uint64
	Addr          string
	ListeningPort int
	State         string
	AckOffset     int64
	LastAck       time.Time
}

// SyncStatus represents the current replication status of the node
type SyncStatus struct {
	Role                 Role
	ReplID               string
	Offset               int64
	LinkState            LinkState
	InitialSyncCompleted bool
	Connected            bool
	PrimaryAddr          string
	LastSyncTime         time.Time
	BytesReceived        int64
	CommandsProcessed    int64
	ReconnectCount       int64
	FullSyncs            int64
	PartialSyncs         int64

	// Primary only
	Replicas         []ReplicaInfo
	BacklogSize      int
	BacklogFirstByte int64
	BacklogHistLen   int64
}

// SyncStatus returns the current replication status
func (m *Manager) SyncStatus() SyncStatus {
	stats := m.stats.snapshot()
	status := SyncStatus{
		Role:                 m.role,
		ReplID:               m.ReplID(),
		Offset:               m.Offset(),
		LinkState:            m.LinkState(),
		InitialSyncCompleted: m.isSynced(),
		Connected:            stats.Connected,
		PrimaryAddr:          stats.PrimaryAddr,
		LastSyncTime:         stats.LastSyncTime,
		BytesReceived:        stats.BytesReceived,
		CommandsProcessed:    stats.CommandsProcessed,
		ReconnectCount:       stats.ReconnectCount,
		FullSyncs:            stats.FullSyncs,
		PartialSyncs:         stats.PartialSyncs,
	}
	if m.role != RolePrimary {
		return status
	}

	m.replicas.Range(func(_ uint64, r *replica) bool {
		info := ReplicaInfo{
			ID:            r.id,
			Addr:          r.addr,
			ListeningPort: r.listeningPort,
			State:         r.state(),
			AckOffset:     r.ackOffset.Load(),
		}
		if ms := r.lastAck.Load(); ms > 0 {
			info.LastAck = time.UnixMilli(ms)
		}
		status.Replicas = append(status.Replicas, info)
		return true
	})

	m.writeMu.Lock()
	status.BacklogSize = len(m.backlog.buf)
	status.BacklogHistLen = int64(m.backlog.held)
	status.BacklogFirstByte = m.backlog.end - int64(m.backlog.held) + 1
	m.writeMu.Unlock()
	return status
}

// IsConnected reports whether a replica's link to its primary is up. A
// primary is always connected.
func (m *Manager) IsConnected() bool {
	if m.role == RolePrimary {
		return true
	}
	return m.LinkState() == StateStreaming
}

// ConnectedReplicas returns the number of replicas attached to a primary
func (m *Manager) ConnectedReplicas() int {
	return m.replicas.Len()
}

func (m *Manager) isSynced() bool {
	select {
	case <-m.synced:
		return true
	default:
		return false
	}
}

func (m *Manager) markSynced() {
	m.syncOnce.Do(func() {
		m.stats.incr(func(s *ReplicationStats) { s.InitialSyncCompleted = true })
		close(m.synced)
	})
}

// completeSync runs after every successful resync with the primary.
func (m *Manager) completeSync() {
	m.markSynced()
	m.stats.incr(func(s *ReplicationStats) { s.LastSyncTime = time.Now() })

	m.syncMu.Lock()
	callbacks := make([]func(), len(m.syncCallbacks))
	copy(callbacks, m.syncCallbacks)
	m.syncMu.Unlock()

	for _, callback := range callbacks {
		callback()
	}
	m.logger.Info("Replication synchronized", "replid", m.ReplID(), "offset", m.Offset())
}

// WaitForSync blocks until the first synchronization with the primary is
// complete. It returns immediately on a started primary.
func (m *Manager) WaitForSync(ctx context.Context) error {
	select {
	case <-m.synced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnSyncComplete registers a callback run after every completed resync.
// If the first sync already happened, fn also runs once right away.
func (m *Manager) OnSyncComplete(fn func()) {
	m.syncMu.Lock()
	m.syncCallbacks = append(m.syncCallbacks, fn)
	m.syncMu.Unlock()

	if m.isSynced() {
		go fn()
	}
}
