package redisnode

import (
	"net"
	"path/filepath"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// config holds the configuration for a Node
type config struct {
	// Primary link, replica role only
	primaryAddr     string
	primaryPassword string

	// Client server settings
	addr         string
	password     string
	enableServer bool
	idleTimeout  time.Duration

	// Persistence
	dir            string
	dbFilename     string
	saveOnShutdown bool

	// Replication tuning
	backlogSize        int
	replicaOutputLimit int64
	pingPeriod         time.Duration
	ackPeriod          time.Duration
	connectTimeout     time.Duration
	readTimeout        time.Duration
	minBackoff         time.Duration
	maxBackoff         time.Duration

	// Expiry sweep
	cleanup         storage.CleanupConfig
	cleanupInterval time.Duration

	// Observability
	logger    Logger
	metrics   MetricsCollector
	adminAddr string
}

// defaultConfig returns a configuration with sensible defaults
func defaultConfig() *config {
	return &config{
		addr:               ":6379",
		enableServer:       true,
		backlogSize:        1 << 20,
		replicaOutputLimit: 64 << 20,
		pingPeriod:         10 * time.Second,
		ackPeriod:          time.Second,
		connectTimeout:     5 * time.Second,
		readTimeout:        60 * time.Second,
		minBackoff:         time.Second,
		maxBackoff:         30 * time.Second,
		cleanup:            storage.CleanupConfigDefault,
		cleanupInterval:    100 * time.Millisecond,
		logger:             nopLogger{},
	}
}

// snapshotPath returns the snapshot file, or "" when persistence is off
func (c *config) snapshotPath() string {
	if c.dbFilename == "" {
		return ""
	}
	return filepath.Join(c.dir, c.dbFilename)
}

// Option represents a configuration option for a Node
type Option func(*config) error

// WithAddr sets the address the client server listens on
//
// Example:
//
//	WithAddr(":6380")
//	WithAddr("127.0.0.1:0")
func WithAddr(addr string) Option {
	return func(c *config) error {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return &ConnectionError{Addr: addr, Err: ErrInvalidConfig}
		}
		c.addr = addr
		return nil
	}
}

// WithPassword requires clients to AUTH with password
func WithPassword(password string) Option {
	return func(c *config) error {
		c.password = password
		return nil
	}
}

// WithReplicaOf makes the node a replica of the primary at addr
//
// Example:
//
//	WithReplicaOf("primary.example.com:6379")
func WithReplicaOf(addr string) Option {
	return func(c *config) error {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return &ConnectionError{Addr: addr, Err: ErrInvalidConfig}
		}
		c.primaryAddr = addr
		return nil
	}
}

// WithPrimaryAuth sets the password sent to the primary
func WithPrimaryAuth(password string) Option {
	return func(c *config) error {
		c.primaryPassword = password
		return nil
	}
}

// WithServerEnabled controls whether to start the Redis-compatible server
//
// Example:
//
//	WithServerEnabled(false) // Disable server, use only as library
func WithServerEnabled(enabled bool) Option {
	return func(c *config) error {
		c.enableServer = enabled
		return nil
	}
}

// WithIdleTimeout closes client connections idle for longer than timeout.
// Zero keeps them open.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return ErrInvalidConfig
		}
		c.idleTimeout = timeout
		return nil
	}
}

// WithSnapshot enables persistence to dir/filename. The file is loaded at
// Start and written by SAVE.
//
// Example:
//
//	WithSnapshot("/var/lib/redisnode", "dump.rdb")
func WithSnapshot(dir, filename string) Option {
	return func(c *config) error {
		if filename == "" || filepath.Base(filename) != filename {
			return ErrInvalidConfig
		}
		if dir == "" {
			dir = "."
		}
		c.dir = dir
		c.dbFilename = filename
		return nil
	}
}

// WithSaveOnShutdown writes a snapshot when the node is closed
func WithSaveOnShutdown(enabled bool) Option {
	return func(c *config) error {
		c.saveOnShutdown = enabled
		return nil
	}
}

// WithBacklogSize sets how many bytes of the replication stream are kept
// for partial resynchronization
func WithBacklogSize(bytes int) Option {
	return func(c *config) error {
		if bytes <= 0 {
			return ErrInvalidConfig
		}
		c.backlogSize = bytes
		return nil
	}
}

// WithReplicaOutputLimit sets the pending bytes after which a slow replica
// is dropped
func WithReplicaOutputLimit(bytes int64) Option {
	return func(c *config) error {
		if bytes <= 0 {
			return ErrInvalidConfig
		}
		c.replicaOutputLimit = bytes
		return nil
	}
}

// WithPingPeriod sets how often a primary pings its replicas
func WithPingPeriod(period time.Duration) Option {
	return func(c *config) error {
		if period <= 0 {
			return ErrInvalidConfig
		}
		c.pingPeriod = period
		return nil
	}
}

// WithAckPeriod sets how often a replica reports its offset
func WithAckPeriod(period time.Duration) Option {
	return func(c *config) error {
		if period <= 0 {
			return ErrInvalidConfig
		}
		c.ackPeriod = period
		return nil
	}
}

// WithConnectTimeout sets the connection timeout for the primary link
//
// Example:
//
//	WithConnectTimeout(10 * time.Second)
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.connectTimeout = timeout
		return nil
	}
}

// WithReadTimeout sets how long the primary link may stay silent
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.readTimeout = timeout
		return nil
	}
}

// WithReconnectBackoff sets the bounds of the reconnect backoff
func WithReconnectBackoff(minDelay, maxDelay time.Duration) Option {
	return func(c *config) error {
		if minDelay <= 0 || maxDelay < minDelay {
			return ErrInvalidConfig
		}
		c.minBackoff, c.maxBackoff = minDelay, maxDelay
		return nil
	}
}

// WithCleanupConfig configures the background expiry sweep of a primary.
// An interval of zero disables the sweep.
//
// Example:
//
//	WithCleanupConfig(storage.CleanupConfigLargeDataset, 100*time.Millisecond)
func WithCleanupConfig(cfg storage.CleanupConfig, interval time.Duration) Option {
	return func(c *config) error {
		if interval < 0 || (interval > 0 && (cfg.SampleSize <= 0 || cfg.MaxRounds <= 0)) {
			return ErrInvalidConfig
		}
		c.cleanup = cfg
		c.cleanupInterval = interval
		return nil
	}
}

// WithCleanupPreset selects a named sweep preset: default, small, large or
// low-latency
func WithCleanupPreset(name string) Option {
	return func(c *config) error {
		cfg, err := storage.CleanupConfigByName(name)
		if err != nil {
			return ErrInvalidConfig
		}
		c.cleanup = cfg
		return nil
	}
}

// WithLogger sets a custom logger for the node
//
// Example:
//
//	WithLogger(myCustomLogger)
func WithLogger(logger Logger) Option {
	return func(c *config) error {
		if logger == nil {
			return ErrInvalidConfig
		}
		c.logger = logger
		return nil
	}
}

// WithLogLevel logs to stderr through the default logger at level
func WithLogLevel(level string) Option {
	return func(c *config) error {
		logger, err := NewLogger(nil, level)
		if err != nil {
			return err
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics enables metrics collection with the provided collector
//
// Example:
//
//	WithMetrics(redisnode.NewMetrics())
func WithMetrics(collector MetricsCollector) Option {
	return func(c *config) error {
		c.metrics = collector
		return nil
	}
}

// WithAdminAddr serves the admin HTTP endpoints on addr
func WithAdminAddr(addr string) Option {
	return func(c *config) error {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return &ConnectionError{Addr: addr, Err: ErrInvalidConfig}
		}
		c.adminAddr = addr
		return nil
	}
}
