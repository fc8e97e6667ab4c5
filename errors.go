package redisnode

import (
	"errors"
	"fmt"

	"github.com/raniellyferreira/redis-inmemory-node/rdb"
	"github.com/raniellyferreira/redis-inmemory-node/replication"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// Error types for specific failure scenarios
var (
	// ErrNotStarted indicates the node has not been started
	ErrNotStarted = errors.New("node not started")

	// ErrInvalidConfig indicates invalid configuration options
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrClosed indicates the node has been closed
	ErrClosed = errors.New("node is closed")

	// ErrNoSnapshotFile indicates persistence was requested without a
	// configured snapshot path
	ErrNoSnapshotFile = errors.New("no snapshot file configured")

	// ErrWrongType is returned for an operation against a key of another type
	ErrWrongType = storage.ErrWrongType

	// ErrInvalidEntryID is returned when a stream id does not increase
	ErrInvalidEntryID = storage.ErrInvalidEntryID

	// ErrCorruptSnapshot is wrapped by every snapshot decode failure
	ErrCorruptSnapshot = rdb.ErrCorruptSnapshot

	// ErrReplicationDesync is returned when a replica cannot apply the stream
	ErrReplicationDesync = replication.ErrReplicationDesync
)

// SyncError represents a failure to bring the keyspace up to date
type SyncError struct {
	Phase   string // "load", "save"
	Err     error
	Retries int
}

// Error implements the error interface
func (e *SyncError) Error() string {
	return fmt.Sprintf("sync error in phase %s after %d retries: %v", e.Phase, e.Retries, e.Err)
}

// Unwrap returns the wrapped error
func (e *SyncError) Unwrap() error {
	return e.Err
}

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Addr string
	Err  error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error to %s: %v", e.Addr, e.Err)
}

// Unwrap returns the wrapped error
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// CommandError is an error reply to a command run through Node.Do
type CommandError struct {
	Command string
	Message string
}

// Error implements the error interface
func (e *CommandError) Error() string {
	return e.Message
}

// Is matches the sentinels whose message the reply carries
func (e *CommandError) Is(target error) bool {
	return target != nil && target.Error() == e.Message
}
