package replication

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/rdb"
)

// ReplicaConn is a client connection that sent PSYNC and is handed over
// to the replication manager. Writer must not hold unflushed data.
type ReplicaConn struct {
	Conn          net.Conn
	Reader        *protocol.Reader
	Writer        *protocol.Writer
	ListeningPort int
	Capabilities  []string
}

// replica is one attached replica on the primary side. Writes are queued
// from the write path and drained by a dedicated writer goroutine, so a
// slow replica never blocks the primary.
type replica struct {
	id            uint64
	addr          string
	listeningPort int
	conn          net.Conn
	limit         int64

	mu           sync.Mutex
	pending      [][]byte
	pendingBytes int64
	online       bool

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	ackOffset atomic.Int64
	lastAck   atomic.Int64
}

// enqueue adds p to the output queue. It closes the replica and reports
// false when the queue would exceed its limit.
func (r *replica) enqueue(p []byte) bool {
	r.mu.Lock()
	if r.pendingBytes+int64(len(p)) > r.limit {
		r.mu.Unlock()
		r.close()
		return false
	}
	r.pending = append(r.pending, p)
	r.pendingBytes += int64(len(p))
	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}
	return true
}

func (r *replica) take() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	chunks := r.pending
	r.pending = nil
	r.pendingBytes = 0
	return chunks
}

func (r *replica) setOnline() {
	r.mu.Lock()
	r.online = true
	r.mu.Unlock()
}

func (r *replica) state() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.online {
		return "online"
	}
	return "wait_bgsave"
}

func (r *replica) close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.conn.Close()
	})
}

// ServeReplica answers a PSYNC request and then streams the replication
// feed to the replica until the connection ends or ctx is cancelled.
//
// With a known replid and an offset still in the backlog the reply is
// +CONTINUE followed by the missing tail. Otherwise the keyspace is
// snapshotted while writes are held and the reply is +FULLRESYNC, the
// framed snapshot, then every write accepted after the snapshot.
func (m *Manager) ServeReplica(ctx context.Context, rc ReplicaConn, replID, offset string) error {
	if m.role != RolePrimary {
		return ErrReplicaPSYNC
	}

	r := &replica{
		id:            m.nextReplicaID.Add(1),
		addr:          rc.Conn.RemoteAddr().String(),
		listeningPort: rc.ListeningPort,
		conn:          rc.Conn,
		limit:         m.replicaOutputLimit,
		ready:         make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	defer m.detach(r)

	if err := m.resyncReplica(r, rc, replID, offset); err != nil {
		m.logger.Error("Replica resync failed", "replica", r.addr, "error", err)
		m.recordError("replica_resync")
		return err
	}
	r.setOnline()
	m.logger.Info("Replica online", "replica", r.addr, "listening_port", r.listeningPort)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.writeReplica(r)
	}()
	go func() {
		defer wg.Done()
		m.readAcks(r, rc.Reader)
	}()

	select {
	case <-r.done:
	case <-ctx.Done():
		r.close()
	}
	wg.Wait()
	return nil
}

func (m *Manager) resyncReplica(r *replica, rc ReplicaConn, replID, offset string) error {
	requested, err := strconv.ParseInt(offset, 10, 64)
	if err != nil {
		requested = -1
	}

	m.writeMu.Lock()
	if tail, ok := m.partialTailLocked(replID, requested); ok {
		// The tail goes in before any later write can be queued.
		queued := len(tail) == 0 || r.enqueue(tail)
		if queued {
			m.replicas.Store(r.id, r)
		}
		id := m.ReplID()
		m.writeMu.Unlock()

		if !queued {
			return fmt.Errorf("backlog tail exceeds the replica output limit")
		}
		m.stats.incr(func(s *ReplicationStats) { s.PartialSyncs++ })
		m.logger.Info("Partial resync accepted", "replica", r.addr, "offset", requested, "pending", len(tail))
		if err := rc.Writer.WriteSimpleString("CONTINUE " + id); err != nil {
			return err
		}
		return rc.Writer.Flush()
	}

	start := time.Now()
	path, startOffset, stats, err := m.snapshotLocked()
	if err != nil {
		m.writeMu.Unlock()
		_ = rc.Writer.WriteError("ERR snapshot failed: " + err.Error())
		_ = rc.Writer.Flush()
		return err
	}
	m.replicas.Store(r.id, r)
	id := m.ReplID()
	m.writeMu.Unlock()
	defer os.Remove(path)

	m.stats.incr(func(s *ReplicationStats) { s.FullSyncs++ })
	m.logger.Info("Full resync started", "replica", r.addr, "replid", id, "offset", startOffset,
		"keys", stats.Keys, "bytes", stats.Bytes, "snapshot_time", time.Since(start))

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open resync snapshot: %w", err)
	}
	defer f.Close()

	_ = rc.Conn.SetWriteDeadline(time.Time{})
	if err := rc.Writer.WriteSimpleString(fmt.Sprintf("FULLRESYNC %s %d", id, startOffset)); err != nil {
		return err
	}
	if err := rc.Writer.WriteSnapshotHeader(stats.Bytes); err != nil {
		return err
	}
	if _, err := rc.Writer.ReadFrom(f); err != nil {
		return fmt.Errorf("send snapshot: %w", err)
	}
	if err := rc.Writer.Flush(); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.RecordNetworkBytes(stats.Bytes)
	}
	return nil
}

// partialTailLocked returns the stream bytes a replica is missing when it
// can continue where it stopped. requested is the first offset the
// replica wants plus one, as PSYNC carries it.
func (m *Manager) partialTailLocked(replID string, requested int64) ([]byte, bool) {
	if replID == "" || replID == "?" || replID != m.ReplID() || requested < 1 {
		return nil, false
	}
	return m.backlog.since(requested - 1)
}

// snapshotLocked encodes the keyspace to a temporary file. The caller must
// hold writeMu; the returned offset is the stream position the snapshot
// corresponds to.
func (m *Manager) snapshotLocked() (path string, offset int64, stats rdb.Stats, err error) {
	f, err := os.CreateTemp(m.tempDir, "resync-*.rdb")
	if err != nil {
		return "", 0, stats, fmt.Errorf("create resync snapshot: %w", err)
	}
	stats, err = rdb.Encode(f, m.ks)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", 0, stats, fmt.Errorf("encode resync snapshot: %w", err)
	}
	return f.Name(), m.offset.Load(), stats, nil
}

func (m *Manager) detach(r *replica) {
	r.close()
	if _, ok := m.replicas.LoadAndDelete(r.id); ok {
		m.logger.Info("Replica detached", "replica", r.addr, "ack_offset", r.ackOffset.Load())
		m.notifyAck()
	}
}

// writeReplica drains the output queue of r onto its connection
func (m *Manager) writeReplica(r *replica) {
	for {
		select {
		case <-r.ready:
		case <-r.done:
			return
		}

		chunks := r.take()
		if len(chunks) == 0 {
			continue
		}
		var n int64
		for _, c := range chunks {
			n += int64(len(c))
		}

		bufs := net.Buffers(chunks)
		_ = r.conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
		if _, err := bufs.WriteTo(r.conn); err != nil {
			m.logger.Debug("Replica write failed", "replica", r.addr, "error", err)
			r.close()
			return
		}
		if m.metrics != nil {
			m.metrics.RecordNetworkBytes(n)
		}
	}
}

// readAcks consumes what the replica sends back: REPLCONF ACK reports.
func (m *Manager) readAcks(r *replica, rd *protocol.Reader) {
	defer r.close()
	for {
		_ = r.conn.SetReadDeadline(time.Now().Add(m.readTimeout))
		cmd, _, err := rd.ReadCommand()
		if err != nil {
			select {
			case <-r.done:
			default:
				m.logger.Debug("Replica link closed", "replica", r.addr, "error", err)
			}
			return
		}
		if cmd == nil || cmd.Name != "REPLCONF" || !strings.EqualFold(cmd.Arg(0), "ACK") {
			continue
		}
		offset, err := strconv.ParseInt(cmd.Arg(1), 10, 64)
		if err != nil {
			continue
		}
		r.ackOffset.Store(offset)
		r.lastAck.Store(time.Now().UnixMilli())
		m.notifyAck()
	}
}

func (m *Manager) notifyAck() {
	m.ackMu.Lock()
	close(m.ackCh)
	m.ackCh = make(chan struct{})
	m.ackMu.Unlock()
}

func (m *Manager) ackChanged() <-chan struct{} {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	return m.ackCh
}

func (m *Manager) countAcked(target int64) int {
	n := 0
	m.replicas.Range(func(_ uint64, r *replica) bool {
		if r.ackOffset.Load() >= target {
			n++
		}
		return true
	})
	return n
}

// Wait blocks until numReplicas replicas acknowledged every write accepted
// before the call, the timeout elapses or ctx is done. It returns the
// number of replicas that did. A zero timeout waits indefinitely.
func (m *Manager) Wait(ctx context.Context, numReplicas int, timeout time.Duration) (int, error) {
	if m.role != RolePrimary {
		return 0, errors.New("ERR WAIT cannot be used with replica instances")
	}

	target := m.Offset()
	count := m.countAcked(target)
	if count >= numReplicas || m.replicas.Len() == 0 {
		return count, nil
	}

	m.writeMu.Lock()
	m.propagateLocked(protocol.NewCommand("REPLCONF", "GETACK", "*"))
	m.writeMu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		changed := m.ackChanged()
		count = m.countAcked(target)
		if count >= numReplicas {
			return count, nil
		}
		select {
		case <-changed:
		case <-expired:
			return m.countAcked(target), nil
		case <-ctx.Done():
			return count, ctx.Err()
		}
	}
}

// pingReplicas keeps idle links alive. The PING is part of the stream and
// advances the offset.
func (m *Manager) pingReplicas(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if m.replicas.Len() == 0 {
				continue
			}
			m.writeMu.Lock()
			m.propagateLocked(protocol.NewCommand("PING"))
			m.writeMu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}
