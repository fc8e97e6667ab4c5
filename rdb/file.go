package rdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// SaveFile writes a snapshot of ks to path. The data goes to a temporary
// file in the same directory which is synced and then renamed over path,
// so a crash never leaves a truncated snapshot behind.
func SaveFile(path string, ks *storage.Keyspace) (Stats, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "temp-*.rdb")
	if err != nil {
		return Stats{}, fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	stats, err := Encode(tmp, ks)
	if err != nil {
		_ = tmp.Close()
		return stats, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return stats, fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return stats, fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return stats, fmt.Errorf("rename snapshot: %w", err)
	}
	tmpName = ""
	return stats, nil
}

// LoadFile replaces the contents of ks with the snapshot stored at path.
// A missing file is not an error: loaded is false and ks is untouched.
func LoadFile(path string, ks *storage.Keyspace) (loaded bool, stats Stats, err error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, Stats{}, nil
	}
	if err != nil {
		return false, Stats{}, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	stats, err = Decode(f, ks)
	if err != nil {
		return false, stats, fmt.Errorf("load %s: %w", path, err)
	}
	return true, stats, nil
}
