package server

import (
	"context"
	"errors"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/replication"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// cmdPush serves LPUSH and RPUSH. Both are deterministic and propagate
// unchanged.
func cmdPush(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	key := cmd.Arg(0)
	values := cmd.Args[1:]
	left := cmd.Name == "LPUSH"

	var length int
	err := d.repl.Write(func(tx *replication.Tx) error {
		tx.ExpireStale(key)
		_, err := tx.Keyspace().UpdateList(key, true, func(l *storage.ListValue) error {
			if left {
				head := make([][]byte, 0, len(values)+len(l.Elements))
				for i := len(values) - 1; i >= 0; i-- {
					head = append(head, values[i])
				}
				l.Elements = append(head, l.Elements...)
			} else {
				l.Elements = append(l.Elements, values...)
			}
			length = len(l.Elements)
			return nil
		})
		if err != nil {
			return err
		}
		tx.Propagate(cmd)
		return nil
	})
	if err != nil {
		return errorReply(err)
	}
	return protocol.Integer(int64(length))
}

// cmdPop serves LPOP and RPOP with an optional count
func cmdPop(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	if len(cmd.Args) > 2 {
		return wrongArgs(cmd.Name)
	}
	key := cmd.Arg(0)
	left := cmd.Name == "LPOP"

	count, withCount := int64(1), len(cmd.Args) == 2
	if withCount {
		n, err := parseInt(cmd.Args[1])
		if err != nil || n < 0 {
			return errorReply(errors.New("ERR value is out of range, must be positive"))
		}
		count = n
	}

	var popped [][]byte
	var found bool
	err := d.repl.Write(func(tx *replication.Tx) error {
		tx.ExpireStale(key)
		ok, err := tx.Keyspace().UpdateList(key, false, func(l *storage.ListValue) error {
			n := int(min(count, int64(len(l.Elements))))
			if left {
				popped = append(popped, l.Elements[:n]...)
				l.Elements = l.Elements[n:]
			} else {
				for i := 0; i < n; i++ {
					popped = append(popped, l.Elements[len(l.Elements)-1-i])
				}
				l.Elements = l.Elements[:len(l.Elements)-n]
			}
			return nil
		})
		if err != nil {
			return err
		}
		found = ok
		if len(popped) > 0 {
			tx.Propagate(cmd)
		}
		return nil
	})
	if err != nil {
		return errorReply(err)
	}

	if !withCount {
		if len(popped) == 0 {
			return protocol.NullBulk()
		}
		return protocol.BulkString(popped[0])
	}
	if !found {
		return protocol.NullArray()
	}
	out := make([]protocol.Value, len(popped))
	for i, v := range popped {
		out[i] = protocol.BulkString(v)
	}
	return protocol.Array(out...)
}

func cmdLRange(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	start, err := parseInt(cmd.Args[1])
	if err != nil {
		return errorReply(err)
	}
	stop, err := parseInt(cmd.Args[2])
	if err != nil {
		return errorReply(err)
	}

	out := []protocol.Value{}
	_, err = d.ks.ViewList(cmd.Arg(0), func(l *storage.ListValue) {
		n := int64(len(l.Elements))
		if start < 0 {
			start = max(n+start, 0)
		}
		if stop < 0 {
			stop = n + stop
		}
		stop = min(stop, n-1)
		for i := start; i <= stop; i++ {
			out = append(out, protocol.BulkString(append([]byte(nil), l.Elements[i]...)))
		}
	})
	if err != nil {
		return errorReply(err)
	}
	return protocol.Array(out...)
}

func cmdLLen(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	var n int
	_, err := d.ks.ViewList(cmd.Arg(0), func(l *storage.ListValue) {
		n = len(l.Elements)
	})
	if err != nil {
		return errorReply(err)
	}
	return protocol.Integer(int64(n))
}
