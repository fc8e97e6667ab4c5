// Package server provides the Redis protocol front end of a node.
//
// A Server accepts connections and passes each command to a Dispatcher,
// which owns the command table. The dispatcher is also the applier of the
// replication stream, so a replica executes the primary's commands
// through exactly the handlers that produced them.
//
// Write handlers run inside replication.Manager.Write. Before touching a
// key they remove it if it already expired, and they propagate the
// resolved form of what they did: SET with PXAT instead of EX, PEXPIREAT
// instead of EXPIRE, XADD with the generated id.
//
// Supported commands:
//   - Connection: PING, ECHO, AUTH, SELECT 0, QUIT, CLIENT
//   - Keys and strings: GET, SET, DEL, EXISTS, TYPE, EXPIRE, PEXPIRE,
//     EXPIREAT, PEXPIREAT, PERSIST, TTL, PTTL, KEYS, DBSIZE, FLUSHALL
//   - Lists: LPUSH, RPUSH, LPOP, RPOP, LRANGE, LLEN
//   - Streams: XADD, XRANGE, XREVRANGE, XLEN, XTRIM, XREAD [BLOCK]
//   - Server and replication: INFO, CONFIG GET, SAVE, LASTSAVE, ROLE,
//     WAIT, REPLCONF, PSYNC
package server
