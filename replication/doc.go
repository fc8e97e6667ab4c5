// Package replication implements primary/replica replication.
//
// A Manager runs in one of two roles. As a primary it numbers every write
// accepted through Manager.Write with a byte offset, keeps a backlog of
// the recent stream and feeds attached replicas:
//   - PSYNC with a known id and a retained offset continues from the backlog
//   - any other PSYNC gets a snapshot taken while writes are held, then the
//     writes accepted after it
//
// As a replica it keeps a link to the primary that moves through
// Disconnected, Handshaking, AwaitingSnapshot and Streaming, applies the
// propagated commands through an Applier and reports its offset with
// REPLCONF ACK. A corrupt snapshot or a stream that does not match the
// offset accounting drops the link and forces a full resync.
//
// Basic usage:
//
//	m := replication.NewManager(ks)
//	m.SetPrimary("10.0.0.1:6379")
//	m.SetApplier(dispatcher)
//	if err := m.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	err := m.WaitForSync(ctx)
package replication
