// Package stream implements the stream data type on top of the keyspace:
// appends with id generation, range queries, explicit trimming and
// blocking reads.
//
// Blocking reads register a waiter per key in an explicit registry. An
// append wakes every waiter of its key while still holding the engine
// mutex, and a woken reader re-checks all of its keys before returning, so
// wakeups are neither lost nor trusted blindly.
package stream
