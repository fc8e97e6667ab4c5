package storage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrWrongType is returned when a key holds a value of another variant than
// the operation expects. No mutation happens.
var ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")

// ExpiryObserver is told about keys that a read found logically expired.
// It must not block; reads call it while holding shard locks.
type ExpiryObserver interface {
	OnKeyExpired(key string)
}

// CleanupConfig holds configuration for incremental expiry sampling
type CleanupConfig struct {
	// SampleSize is the number of keys to sample per shard and round
	SampleSize int
	// MaxRounds is the maximum number of rounds per cleanup cycle
	MaxRounds int
	// BatchSize is the number of keys handed to the purge callback at once
	BatchSize int
	// ExpiredThreshold continues cleanup if this fraction of sampled keys are expired
	ExpiredThreshold float64
}

// CleanupConfigDefault provides balanced performance for most use cases,
// similar to Redis native behavior.
var CleanupConfigDefault = CleanupConfig{
	SampleSize:       20,
	MaxRounds:        4,
	BatchSize:        10,
	ExpiredThreshold: 0.25,
}

// CleanupConfigSmallDataset suits datasets with < 10,000 keys
var CleanupConfigSmallDataset = CleanupConfig{
	SampleSize:       10,
	MaxRounds:        2,
	BatchSize:        5,
	ExpiredThreshold: 0.5,
}

// CleanupConfigLargeDataset suits datasets with > 100,000 keys
var CleanupConfigLargeDataset = CleanupConfig{
	SampleSize:       50,
	MaxRounds:        8,
	BatchSize:        25,
	ExpiredThreshold: 0.15,
}

// CleanupConfigLowLatency minimizes the time spent holding the write path
var CleanupConfigLowLatency = CleanupConfig{
	SampleSize:       15,
	MaxRounds:        3,
	BatchSize:        8,
	ExpiredThreshold: 0.4,
}

// CleanupConfigByName resolves a preset name: default, small, large or low-latency.
func CleanupConfigByName(name string) (CleanupConfig, error) {
	switch strings.ToLower(name) {
	case "", "default":
		return CleanupConfigDefault, nil
	case "small":
		return CleanupConfigSmallDataset, nil
	case "large":
		return CleanupConfigLargeDataset, nil
	case "low-latency", "lowlatency":
		return CleanupConfigLowLatency, nil
	default:
		return CleanupConfig{}, fmt.Errorf("unknown cleanup preset %q", name)
	}
}
