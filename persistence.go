package redisnode

import (
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/rdb"
	"github.com/raniellyferreira/redis-inmemory-node/replication"
)

// snapshotter saves and loads the snapshot file of a node. It serves SAVE
// and LASTSAVE for the dispatcher.
type snapshotter struct {
	path     string
	repl     *replication.Manager
	logger   Logger
	lastSave atomic.Int64
}

// Save writes the keyspace to the snapshot file while writes are held
func (s *snapshotter) Save() error {
	start := time.Now()
	var stats rdb.Stats
	err := s.repl.Exclusive(func() error {
		var err error
		stats, err = rdb.SaveFile(s.path, s.repl.Keyspace())
		return err
	})
	if err != nil {
		s.logger.Error("Snapshot save failed", Field{"path", s.path}, Field{"error", err})
		return &SyncError{Phase: "save", Err: err}
	}

	s.lastSave.Store(time.Now().Unix())
	s.logger.Info("Snapshot saved",
		Field{"path", s.path},
		Field{"keys", stats.Keys},
		Field{"bytes", stats.Bytes},
		Field{"duration", time.Since(start)})
	return nil
}

// LastSave returns the time of the last successful save or load
func (s *snapshotter) LastSave() time.Time {
	if ts := s.lastSave.Load(); ts > 0 {
		return time.Unix(ts, 0)
	}
	return time.Time{}
}

// load replaces the keyspace with the snapshot file. A missing file leaves
// the keyspace empty.
func (s *snapshotter) load() error {
	var (
		loaded bool
		stats  rdb.Stats
	)
	err := s.repl.Exclusive(func() error {
		var err error
		loaded, stats, err = rdb.LoadFile(s.path, s.repl.Keyspace())
		return err
	})
	if err != nil {
		return &SyncError{Phase: "load", Err: err}
	}
	if !loaded {
		s.logger.Info("No snapshot file, starting empty", Field{"path", s.path})
		return nil
	}

	s.lastSave.Store(time.Now().Unix())
	s.logger.Info("Snapshot loaded",
		Field{"path", s.path},
		Field{"keys", stats.Keys},
		Field{"skipped", stats.Skipped},
		Field{"bytes", stats.Bytes})
	return nil
}
