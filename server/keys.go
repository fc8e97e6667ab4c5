package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/replication"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

func cmdGet(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	value, ok, err := d.ks.GetString(cmd.Arg(0))
	if err != nil {
		return errorReply(err)
	}
	if !ok {
		return protocol.NullBulk()
	}
	return protocol.BulkString(value)
}

type setOptions struct {
	expiresAt int64
	nx        bool
	xx        bool
	keepTTL   bool
	get       bool
}

// parseSetOptions reads the options of SET. Relative expiries are turned
// into absolute unix milliseconds against now.
func parseSetOptions(args [][]byte, now int64) (setOptions, error) {
	var opts setOptions
	hasExpiry := false
	for i := 0; i < len(args); i++ {
		switch opt := strings.ToUpper(string(args[i])); opt {
		case "NX":
			opts.nx = true
		case "XX":
			opts.xx = true
		case "GET":
			opts.get = true
		case "KEEPTTL":
			opts.keepTTL = true
		case "EX", "PX", "EXAT", "PXAT":
			if hasExpiry || i+1 >= len(args) {
				return opts, errSyntax
			}
			i++
			n, err := parseInt(args[i])
			if err != nil {
				return opts, err
			}
			if n <= 0 {
				return opts, errors.New("ERR invalid expire time in 'set' command")
			}
			expiresAt, ok := absoluteExpiry(opt, n, now)
			if !ok {
				return opts, errors.New("ERR invalid expire time in 'set' command")
			}
			opts.expiresAt = expiresAt
			hasExpiry = true
		default:
			return opts, errSyntax
		}
	}
	if (opts.nx && opts.xx) || (opts.keepTTL && hasExpiry) {
		return opts, errSyntax
	}
	return opts, nil
}

// absoluteExpiry converts an expiry argument to unix milliseconds. ok is
// false when the result does not fit in an int64.
func absoluteExpiry(unit string, n, now int64) (expiresAt int64, ok bool) {
	switch unit {
	case "EX", "EXPIRE", "EXAT", "EXPIREAT":
		if n > math.MaxInt64/1000 || n < math.MinInt64/1000 {
			return 0, false
		}
		n *= 1000
	}
	switch unit {
	case "EX", "EXPIRE", "PX", "PEXPIRE":
		if n > 0 && n > math.MaxInt64-now {
			return 0, false
		}
		return now + n, true
	default:
		return n, true
	}
}

func cmdSet(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	key, value := cmd.Arg(0), cmd.Args[1]
	opts, err := parseSetOptions(cmd.Args[2:], d.ks.Now())
	if err != nil {
		return errorReply(err)
	}

	reply := protocol.OK()
	err = d.repl.Write(func(tx *replication.Tx) error {
		tx.ExpireStale(key)
		ks := tx.Keyspace()

		old, exists := ks.Get(key)
		var oldString protocol.Value
		if opts.get {
			oldString = protocol.NullBulk()
			if exists {
				s, ok := old.Data.(storage.StringValue)
				if !ok {
					return storage.ErrWrongType
				}
				oldString = protocol.BulkString(s)
			}
		}

		if (opts.nx && exists) || (opts.xx && !exists) {
			reply = protocol.NullBulk()
			if opts.get {
				reply = oldString
			}
			return nil
		}

		expiresAt := opts.expiresAt
		if opts.keepTTL && exists {
			expiresAt = old.ExpiresAt
		}
		ks.SetString(key, value, expiresAt)

		// The replica gets the unconditional, absolute form.
		propagated := &protocol.Command{Name: "SET", Args: [][]byte{[]byte(key), value}}
		if expiresAt != 0 {
			propagated.Args = append(propagated.Args, []byte("PXAT"), []byte(strconv.FormatInt(expiresAt, 10)))
		}
		tx.Propagate(propagated)

		if opts.get {
			reply = oldString
		}
		return nil
	})
	if err != nil {
		return errorReply(err)
	}
	d.streams.Notify(key)
	return reply
}

func cmdDel(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	keys := keysOf(cmd.Args)
	var deleted int64
	_ = d.repl.Write(func(tx *replication.Tx) error {
		tx.ExpireStale(keys...)
		deleted = tx.Keyspace().Delete(keys...)
		if deleted > 0 {
			tx.Propagate(cmd)
		}
		return nil
	})
	d.streams.Notify(keys...)
	return protocol.Integer(deleted)
}

func cmdExists(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	return protocol.Integer(d.ks.Exists(keysOf(cmd.Args)...))
}

func cmdType(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	return protocol.SimpleString(d.ks.Type(cmd.Arg(0)).String())
}

// cmdExpire serves EXPIRE, PEXPIRE, EXPIREAT and PEXPIREAT. The replicas
// receive PEXPIREAT, or DEL when the expiry is already in the past.
func cmdExpire(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	key := cmd.Arg(0)
	n, err := parseInt(cmd.Args[1])
	if err != nil {
		return errorReply(err)
	}

	var applied bool
	err = d.repl.Write(func(tx *replication.Tx) error {
		ks := tx.Keyspace()
		now := ks.Now()
		expiresAt, ok := absoluteExpiry(cmd.Name, n, now)
		if !ok {
			return fmt.Errorf("ERR invalid expire time in '%s' command", strings.ToLower(cmd.Name))
		}
		tx.ExpireStale(key)

		if expiresAt <= now && d.repl.Role() == replication.RolePrimary {
			if ks.Delete(key) > 0 {
				applied = true
				tx.Propagate(protocol.NewCommand("DEL", key))
			}
			return nil
		}
		if ks.SetExpiry(key, expiresAt) {
			applied = true
			tx.Propagate(protocol.NewCommand("PEXPIREAT", key, strconv.FormatInt(expiresAt, 10)))
		}
		return nil
	})
	if err != nil {
		return errorReply(err)
	}
	if applied {
		return protocol.Integer(1)
	}
	return protocol.Integer(0)
}

func cmdPersist(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	key := cmd.Arg(0)
	var cleared bool
	_ = d.repl.Write(func(tx *replication.Tx) error {
		tx.ExpireStale(key)
		cleared = tx.Keyspace().Persist(key)
		if cleared {
			tx.Propagate(cmd)
		}
		return nil
	})
	if cleared {
		return protocol.Integer(1)
	}
	return protocol.Integer(0)
}

func cmdTTL(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	ttl := d.ks.PTTL(cmd.Arg(0))
	if cmd.Name == "TTL" && ttl > 0 {
		ttl = (ttl + 500) / 1000
	}
	return protocol.Integer(ttl)
}

func cmdKeys(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	return bulkStrings(d.ks.Keys(cmd.Arg(0)))
}

// cmdDBSize counts stored keys, including expired ones not yet removed.
func cmdDBSize(_ context.Context, d *Dispatcher, _ *protocol.Command) protocol.Value {
	return protocol.Integer(d.ks.Len())
}

func cmdFlushAll(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	if len(cmd.Args) > 1 {
		return errorReply(errSyntax)
	}
	if len(cmd.Args) == 1 {
		if mode := strings.ToUpper(cmd.Arg(0)); mode != "SYNC" && mode != "ASYNC" {
			return errorReply(errSyntax)
		}
	}

	_ = d.repl.Write(func(tx *replication.Tx) error {
		tx.Keyspace().FlushAll()
		tx.Propagate(protocol.NewCommand("FLUSHALL"))
		return nil
	})
	d.streams.NotifyAll()
	return protocol.OK()
}
