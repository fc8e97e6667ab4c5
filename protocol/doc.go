// Package protocol implements the Redis Serialization Protocol (RESP)
// used by clients and by the replication link.
//
// The Reader counts every byte it consumes. Replication relies on this:
// a replica advances its offset by Command.EncodedLen for every applied
// command and compares it with the bytes actually read from the primary.
//
//	reader := protocol.NewReader(conn)
//	for {
//		cmd, n, err := reader.ReadCommand()
//		if err != nil {
//			break
//		}
//		// apply cmd, advance offset by n
//	}
//
// A full resync payload is framed as "$<len>\r\n" followed by the raw
// snapshot bytes with no trailing CRLF; ReadSnapshot and
// Writer.WriteSnapshotHeader handle that framing.
package protocol
