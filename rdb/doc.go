// Package rdb encodes and decodes point-in-time snapshots of a keyspace.
//
// The format follows the Redis RDB layout: a "REDIS" magic with a version,
// auxiliary fields, one record per key with an optional millisecond expiry,
// and an EOF marker. Strings and lists use the Redis encodings; streams
// use a plain layout that stores the last id and every entry verbatim. The
// file ends with an xxhash64 checksum over all preceding bytes.
//
// The layout borrows from Redis but the files are not interchangeable with
// it: the stream type byte and the checksum differ, so a Redis dump fails
// the checksum here and Redis cannot read these streams.
//
// Decoding is all-or-nothing: records are staged in a fresh keyspace and
// installed only after the checksum has been verified.
package rdb
