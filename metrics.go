package redisnode

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics is the default MetricsCollector. It keeps its series in a
// private metrics.Set and exports them in Prometheus text format.
type Metrics struct {
	set *metrics.Set

	keys     atomic.Int64
	offset   atomic.Int64
	replicas atomic.Int64

	syncDuration  *metrics.Histogram
	networkBytes  *metrics.Counter
	reconnections *metrics.Counter
}

// NewMetrics creates an empty collector
func NewMetrics() *Metrics {
	m := &Metrics{set: metrics.NewSet()}
	m.syncDuration = m.set.NewHistogram("redisnode_sync_duration_seconds")
	m.networkBytes = m.set.NewCounter("redisnode_replication_bytes_total")
	m.reconnections = m.set.NewCounter("redisnode_reconnections_total")
	m.set.NewGauge("redisnode_keys", func() float64 { return float64(m.keys.Load()) })
	m.set.NewGauge("redisnode_replication_offset", func() float64 { return float64(m.offset.Load()) })
	m.set.NewGauge("redisnode_connected_replicas", func() float64 { return float64(m.replicas.Load()) })
	return m
}

// RecordSyncDuration observes the time a full resync took
func (m *Metrics) RecordSyncDuration(d time.Duration) {
	m.syncDuration.Update(d.Seconds())
}

// RecordCommandProcessed counts a command and observes its latency, labeled
// by the lowercased command name
func (m *Metrics) RecordCommandProcessed(cmd string, d time.Duration) {
	name := strings.ToLower(cmd)
	m.set.GetOrCreateCounter(fmt.Sprintf(`redisnode_commands_total{cmd=%q}`, name)).Inc()
	m.set.GetOrCreateHistogram(fmt.Sprintf(`redisnode_command_duration_seconds{cmd=%q}`, name)).Update(d.Seconds())
}

// RecordNetworkBytes adds replication bytes moved over the network, sent
// by a primary or received by a replica
func (m *Metrics) RecordNetworkBytes(bytes int64) {
	m.networkBytes.Add(int(bytes))
}

// RecordKeyCount sets the keys gauge
func (m *Metrics) RecordKeyCount(count int64) {
	m.keys.Store(count)
}

// RecordReplicationOffset sets the replication offset gauge
func (m *Metrics) RecordReplicationOffset(offset int64) {
	m.offset.Store(offset)
}

// RecordConnectedReplicas sets the connected replicas gauge
func (m *Metrics) RecordConnectedReplicas(count int) {
	m.replicas.Store(int64(count))
}

// RecordReconnection counts a reconnection to the primary
func (m *Metrics) RecordReconnection() {
	m.reconnections.Inc()
}

// RecordError counts an error labeled by its type
func (m *Metrics) RecordError(errorType string) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`redisnode_errors_total{type=%q}`, errorType)).Inc()
}

// WritePrometheus writes every series to w
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
