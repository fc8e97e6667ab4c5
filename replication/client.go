package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/rdb"
)

// LinkState is the state of a replica's link to its primary
type LinkState int32

const (
	StateDisconnected LinkState = iota
	StateHandshaking
	StateAwaitingSnapshot
	StateStreaming
)

func (s LinkState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAwaitingSnapshot:
		return "awaiting_snapshot"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// LinkState returns the current state of the link to the primary
func (m *Manager) LinkState() LinkState {
	return LinkState(m.state.Load())
}

func (m *Manager) setState(s LinkState) {
	if LinkState(m.state.Swap(int32(s))) != s {
		m.logger.Debug("Replication link state changed", "state", s.String())
	}
	m.stats.incr(func(st *ReplicationStats) {
		st.Connected = s != StateDisconnected
	})
}

// link is one connection to the primary
type link struct {
	conn        net.Conn
	reader      *protocol.Reader
	writer      *protocol.Writer
	readTimeout time.Duration

	// wmu serializes the periodic ACK with GETACK replies
	wmu sync.Mutex
}

func (l *link) send(cmd string, args ...string) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(l.readTimeout))
	if err := l.writer.WriteCommand(cmd, args...); err != nil {
		return err
	}
	return l.writer.Flush()
}

func (l *link) call(cmd string, args ...string) (protocol.Value, error) {
	if err := l.send(cmd, args...); err != nil {
		return protocol.Value{}, err
	}
	_ = l.conn.SetReadDeadline(time.Now().Add(l.readTimeout))
	reply, err := l.reader.ReadNext()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return reply, fmt.Errorf("%s: connection closed by primary", cmd)
		}
		return reply, fmt.Errorf("%s: %w", cmd, err)
	}
	return reply, nil
}

func (l *link) ack(offset int64) error {
	return l.send("REPLCONF", "ACK", strconv.FormatInt(offset, 10))
}

// runLink keeps the replica attached to its primary, reconnecting with
// exponential backoff.
func (m *Manager) runLink(ctx context.Context) {
	defer m.wg.Done()

	backoff := m.minBackoff
	for {
		streamed, err := m.syncAttempt(ctx)
		m.setState(StateDisconnected)
		if ctx.Err() != nil {
			m.logger.Info("Replication link stopped")
			return
		}

		if errors.Is(err, rdb.ErrCorruptSnapshot) || errors.Is(err, ErrReplicationDesync) {
			// Nothing received from this primary can be trusted any more.
			m.setReplID("")
		}
		if streamed {
			backoff = m.minBackoff
		}
		m.logger.Error("Replication link failed", "primary", m.primaryAddr, "error", err, "retry_in", backoff)
		m.recordError(linkErrorType(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, m.maxBackoff)
	}
}

func linkErrorType(err error) string {
	switch {
	case errors.Is(err, rdb.ErrCorruptSnapshot):
		return "corrupt_snapshot"
	case errors.Is(err, ErrReplicationDesync):
		return "desync"
	case errors.Is(err, protocol.ErrProtocol):
		return "protocol"
	default:
		return "connection"
	}
}

// syncAttempt runs the link through one connection. streamed reports whether
// it reached the streaming state.
func (m *Manager) syncAttempt(ctx context.Context) (streamed bool, err error) {
	m.setState(StateHandshaking)
	m.logger.Debug("Connecting to primary", "addr", m.primaryAddr)

	dialer := &net.Dialer{Timeout: m.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", m.primaryAddr)
	if err != nil {
		return false, fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	m.stats.incr(func(s *ReplicationStats) { s.ReconnectCount++ })
	if m.metrics != nil {
		m.metrics.RecordReconnection()
	}

	l := &link{
		conn:        conn,
		reader:      protocol.NewReader(conn),
		writer:      protocol.NewWriter(conn),
		readTimeout: m.readTimeout,
	}

	if err := m.handshake(l); err != nil {
		return false, fmt.Errorf("handshake failed: %w", err)
	}

	m.setState(StateAwaitingSnapshot)
	if err := m.resync(l); err != nil {
		return false, err
	}

	m.setState(StateStreaming)
	m.completeSync()
	return true, m.stream(l)
}

// handshake announces the replica: PING, optional AUTH, listening port and
// capabilities.
func (m *Manager) handshake(l *link) error {
	reply, err := l.call("PING")
	if err != nil {
		return err
	}
	// A primary with requirepass answers NOAUTH before AUTH.
	if reply.IsError() && !strings.HasPrefix(reply.String(), "NOAUTH") {
		return fmt.Errorf("PING: %s", reply.String())
	}

	if m.primaryAuth != "" {
		reply, err := l.call("AUTH", m.primaryAuth)
		if err != nil {
			return err
		}
		if reply.IsError() {
			return fmt.Errorf("auth failed: %s", reply.String())
		}
	}

	steps := [][]string{
		{"listening-port", strconv.Itoa(m.listeningPort)},
		{"capa", "psync2"},
	}
	for _, args := range steps {
		reply, err := l.call("REPLCONF", args...)
		if err != nil {
			return err
		}
		if reply.IsError() {
			return fmt.Errorf("REPLCONF %s: %s", args[0], reply.String())
		}
	}
	return nil
}

// resync sends PSYNC and installs what the primary answers with.
func (m *Manager) resync(l *link) error {
	replID, psyncOffset := "?", "-1"
	if id := m.ReplID(); id != "" {
		replID, psyncOffset = id, strconv.FormatInt(m.Offset()+1, 10)
	}

	reply, err := l.call("PSYNC", replID, psyncOffset)
	if err != nil {
		return err
	}
	if reply.IsError() {
		return fmt.Errorf("PSYNC error: %s", reply.String())
	}

	parts := strings.Fields(reply.String())
	if len(parts) == 0 {
		return fmt.Errorf("%w: empty PSYNC response", protocol.ErrProtocol)
	}

	switch parts[0] {
	case "FULLRESYNC":
		if len(parts) != 3 {
			return fmt.Errorf("%w: invalid PSYNC response: %s", protocol.ErrProtocol, reply.String())
		}
		offset, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid offset: %s", protocol.ErrProtocol, parts[2])
		}
		return m.loadSnapshot(l, parts[1], offset)

	case "CONTINUE":
		if len(parts) > 1 && parts[1] != m.ReplID() {
			m.setReplID(parts[1])
		}
		m.stats.incr(func(s *ReplicationStats) { s.PartialSyncs++ })
		m.logger.Info("Partial resync accepted by primary", "replid", m.ReplID(), "offset", m.Offset())
		return nil

	default:
		return fmt.Errorf("unsupported PSYNC response: %s", reply.String())
	}
}

// loadSnapshot reads the framed snapshot, decodes it into a fresh keyspace
// and installs it with the primary's starting offset.
func (m *Manager) loadSnapshot(l *link, replID string, offset int64) error {
	m.logger.Info("Full resync", "replid", replID, "offset", offset)
	start := time.Now()

	_ = l.conn.SetReadDeadline(time.Now().Add(l.readTimeout))
	body, size, err := l.reader.ReadSnapshot()
	if err != nil {
		return fmt.Errorf("read snapshot header: %w", err)
	}

	m.writeMu.Lock()
	stats, err := rdb.Decode(&deadlineReader{r: body, conn: l.conn, timeout: l.readTimeout}, m.ks)
	if err == nil {
		m.setReplID(replID)
		m.offset.Store(offset)
		m.backlog.reset(offset)
	}
	m.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	for _, fn := range m.onReset {
		fn()
	}

	duration := time.Since(start)
	if m.metrics != nil {
		m.metrics.RecordSyncDuration(duration)
		m.metrics.RecordNetworkBytes(size)
	}
	m.stats.incr(func(s *ReplicationStats) {
		s.FullSyncs++
		s.BytesReceived += size
		s.LastSyncTime = time.Now()
	})
	m.logger.Info("Snapshot installed", "keys", stats.Keys, "bytes", size, "duration", duration)
	return nil
}

// stream applies the propagated commands until the link fails. Every
// command must occupy exactly its canonical encoding on the wire, so the
// offset stays byte-identical to the primary's.
func (m *Manager) stream(l *link) error {
	l.reader.ResetConsumed()
	if err := l.ack(m.Offset()); err != nil {
		return fmt.Errorf("send ack: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go m.ackLoop(l, done)

	for {
		_ = l.conn.SetReadDeadline(time.Now().Add(l.readTimeout))
		cmd, n, err := l.reader.ReadCommand()
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				return fmt.Errorf("%w: %v", ErrReplicationDesync, err)
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("connection closed by primary")
			}
			return fmt.Errorf("read command failed: %w", err)
		}
		if cmd == nil {
			continue
		}
		if want := cmd.EncodedLen(); n != want {
			return fmt.Errorf("%w: %s used %d bytes, expected %d", ErrReplicationDesync, cmd.Name, n, want)
		}

		if err := m.applyFromPrimary(l, cmd); err != nil {
			return err
		}
		m.offset.Add(n)
		m.stats.incr(func(s *ReplicationStats) {
			s.CommandsProcessed++
			s.BytesReceived += n
		})
		if m.metrics != nil {
			m.metrics.RecordNetworkBytes(n)
		}
	}
}

// applyFromPrimary executes one propagated command. Link control commands
// are handled here; everything else goes to the applier.
func (m *Manager) applyFromPrimary(l *link, cmd *protocol.Command) error {
	switch cmd.Name {
	case "PING":
		return nil

	case "SELECT":
		if cmd.Arg(0) != "0" {
			return fmt.Errorf("%w: SELECT %s, only database 0 exists", ErrReplicationDesync, cmd.Arg(0))
		}
		return nil

	case "REPLCONF":
		if strings.EqualFold(cmd.Arg(0), "GETACK") {
			// The reply excludes the GETACK itself.
			return l.ack(m.Offset())
		}
		return nil
	}

	if m.applier == nil {
		return fmt.Errorf("%w: no applier for %s", ErrReplicationDesync, cmd.Name)
	}
	start := time.Now()
	if err := m.applier.ApplyReplicated(cmd); err != nil {
		return fmt.Errorf("%w: apply %s: %v", ErrReplicationDesync, cmd.Name, err)
	}
	if m.metrics != nil {
		m.metrics.RecordCommandProcessed(cmd.Name, time.Since(start))
	}
	return nil
}

func (m *Manager) ackLoop(l *link, done <-chan struct{}) {
	ticker := time.NewTicker(m.ackPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := l.ack(m.Offset()); err != nil {
				m.logger.Debug("Sending ack failed", "error", err)
				l.conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// deadlineReader extends the read deadline before every read so a large
// snapshot is bounded by progress rather than by total time.
type deadlineReader struct {
	r       io.Reader
	conn    net.Conn
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	_ = d.conn.SetReadDeadline(time.Now().Add(d.timeout))
	return d.r.Read(p)
}
