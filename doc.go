// Package redisnode provides an in-memory Redis node that can act as a
// primary or as a replica of another node.
//
// A node keeps strings, lists and streams in a sharded keyspace and
// serves them over the Redis protocol. A primary assigns every write a
// position in its replication stream and fans the stream out to attached
// replicas. A replica performs the PSYNC handshake, loads the primary's
// snapshot and then applies the stream, acknowledging its offset.
//
// Basic usage:
//
//	primary, err := redisnode.New(
//		redisnode.WithAddr(":6379"),
//		redisnode.WithSnapshot("/var/lib/redisnode", "dump.rdb"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer primary.Close()
//
//	if err := primary.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
// A replica of it:
//
//	replica, err := redisnode.New(
//		redisnode.WithAddr(":6380"),
//		redisnode.WithReplicaOf("localhost:6379"),
//	)
//	...
//	if err := replica.WaitForSync(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// The library supports:
//
//   - Full and partial resynchronization through a replication backlog
//   - Blocking stream reads woken by local or replicated appends
//   - Snapshot persistence with a checksummed file format
//   - WAIT for replica acknowledgements
//   - Structured logging, Prometheus metrics and an admin HTTP endpoint
package redisnode
