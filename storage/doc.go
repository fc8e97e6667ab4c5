// Package storage holds the keyspace: a sharded map from keys to typed
// values (strings, lists and streams) with optional absolute expiry.
//
//	ks := storage.New()
//	ks.SetString("key", []byte("value"), 0)
//	value, ok, err := ks.GetString("key")
//
// Stream entry ids and the stream log itself live here as well, since the
// snapshot codec serializes them alongside the other value types.
//
// Reads hide logically expired keys. Physical deletion of expired keys is
// left to the owner of the write path so it can be replicated; see
// ExpiryObserver and SampleExpired.
package storage
