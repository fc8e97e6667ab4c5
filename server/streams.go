package server

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/replication"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
	"github.com/raniellyferreira/redis-inmemory-node/stream"
)

var (
	errMaxLen     = errors.New("ERR The MAXLEN argument must be >= 0.")
	errUnbalanced = errors.New("ERR Unbalanced 'xread' list of streams: for each stream key an ID or '$' must be specified.")
)

// parseTrim reads "MAXLEN|MINID [=|~] threshold [LIMIT n]" starting at
// args[i] and returns the index after it. Approximate trimming is done
// exactly, so "~" and LIMIT are accepted and ignored.
func parseTrim(args [][]byte, i int) (stream.Trim, int, error) {
	var t stream.Trim
	switch strings.ToUpper(string(args[i])) {
	case "MAXLEN":
		t.Strategy = stream.TrimMaxLen
	case "MINID":
		t.Strategy = stream.TrimMinID
	default:
		return t, i, errSyntax
	}
	i++
	if i < len(args) {
		if op := string(args[i]); op == "=" || op == "~" {
			i++
		}
	}
	if i >= len(args) {
		return t, i, errSyntax
	}

	if t.Strategy == stream.TrimMaxLen {
		n, err := strconv.ParseInt(string(args[i]), 10, 64)
		if err != nil {
			return t, i, errNotInteger
		}
		if n < 0 {
			return t, i, errMaxLen
		}
		t.MaxLen = int(n)
	} else {
		id, err := storage.ParseEntryID(string(args[i]), 0)
		if err != nil {
			return t, i, err
		}
		t.MinID = id
	}
	i++

	if i+1 < len(args) && strings.EqualFold(string(args[i]), "LIMIT") {
		if _, err := parseInt(args[i+1]); err != nil {
			return t, i, err
		}
		i += 2
	}
	return t, i, nil
}

// trimArgs renders t in the exact form sent to replicas
func trimArgs(t stream.Trim) [][]byte {
	switch t.Strategy {
	case stream.TrimMaxLen:
		return [][]byte{[]byte("MAXLEN"), []byte("="), []byte(strconv.Itoa(t.MaxLen))}
	case stream.TrimMinID:
		return [][]byte{[]byte("MINID"), []byte("="), []byte(t.MinID.String())}
	default:
		return nil
	}
}

func cmdXAdd(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	args := stream.AppendArgs{Key: cmd.Arg(0)}

	i := 1
	for i < len(cmd.Args) {
		opt := strings.ToUpper(string(cmd.Args[i]))
		if opt == "NOMKSTREAM" {
			args.NoMkStream = true
			i++
			continue
		}
		if opt != "MAXLEN" && opt != "MINID" {
			break
		}
		t, next, err := parseTrim(cmd.Args, i)
		if err != nil {
			return errorReply(err)
		}
		args.Trim, i = t, next
	}

	rest := cmd.Args[i:]
	if len(rest) < 3 || (len(rest)-1)%2 != 0 {
		return wrongArgs(cmd.Name)
	}
	spec, err := storage.ParseIDSpec(string(rest[0]))
	if err != nil {
		return errorReply(err)
	}
	args.ID = spec
	for j := 1; j < len(rest); j += 2 {
		args.Fields = append(args.Fields, storage.Field{Name: rest[j], Value: rest[j+1]})
	}

	var id storage.EntryID
	err = d.repl.Write(func(tx *replication.Tx) error {
		tx.ExpireStale(args.Key)
		var err error
		id, err = d.streams.Append(args)
		if err != nil {
			return err
		}

		// Replicas get the resolved id so they never generate one.
		propagated := &protocol.Command{Name: "XADD", Args: [][]byte{[]byte(args.Key)}}
		if args.NoMkStream {
			propagated.Args = append(propagated.Args, []byte("NOMKSTREAM"))
		}
		propagated.Args = append(propagated.Args, trimArgs(args.Trim)...)
		propagated.Args = append(propagated.Args, []byte(id.String()))
		propagated.Args = append(propagated.Args, rest[1:]...)
		tx.Propagate(propagated)
		return nil
	})
	if errors.Is(err, stream.ErrNoStream) {
		return protocol.NullBulk()
	}
	if err != nil {
		return errorReply(err)
	}
	return protocol.BulkFromString(id.String())
}

// cmdXRange serves XRANGE and XREVRANGE
func cmdXRange(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	key := cmd.Arg(0)
	lowArg, highArg := cmd.Arg(1), cmd.Arg(2)
	reverse := cmd.Name == "XREVRANGE"
	if reverse {
		lowArg, highArg = highArg, lowArg
	}

	count := 0
	switch len(cmd.Args) {
	case 3:
	case 5:
		if !strings.EqualFold(cmd.Arg(3), "COUNT") {
			return errorReply(errSyntax)
		}
		n, err := parseInt(cmd.Args[4])
		if err != nil {
			return errorReply(err)
		}
		if n <= 0 {
			return protocol.Array()
		}
		count = int(n)
	default:
		return errorReply(errSyntax)
	}

	low, lowOK, err := storage.ParseRangeStart(lowArg)
	if err != nil {
		return errorReply(err)
	}
	high, highOK, err := storage.ParseRangeEnd(highArg)
	if err != nil {
		return errorReply(err)
	}
	if !lowOK || !highOK {
		return protocol.Array()
	}

	var entries []storage.StreamEntry
	if reverse {
		entries, err = d.streams.RevRange(key, high, low, count)
	} else {
		entries, err = d.streams.Range(key, low, high, count)
	}
	if err != nil {
		return errorReply(err)
	}
	return entriesValue(entries)
}

func cmdXLen(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	n, err := d.streams.Len(cmd.Arg(0))
	if err != nil {
		return errorReply(err)
	}
	return protocol.Integer(n)
}

func cmdXTrim(_ context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	key := cmd.Arg(0)
	t, next, err := parseTrim(cmd.Args, 1)
	if err != nil {
		return errorReply(err)
	}
	if next != len(cmd.Args) {
		return errorReply(errSyntax)
	}

	var removed int64
	err = d.repl.Write(func(tx *replication.Tx) error {
		tx.ExpireStale(key)
		var err error
		removed, err = d.streams.Trim(key, t)
		if err != nil {
			return err
		}
		if removed > 0 {
			propagated := &protocol.Command{Name: "XTRIM", Args: [][]byte{[]byte(key)}}
			propagated.Args = append(propagated.Args, trimArgs(t)...)
			tx.Propagate(propagated)
		}
		return nil
	})
	if err != nil {
		return errorReply(err)
	}
	return protocol.Integer(removed)
}

// cmdXRead serves XREAD. "$" stands for the last id at the time of the
// call. A blocking read that times out, or whose client went away,
// replies with a null array.
func cmdXRead(ctx context.Context, d *Dispatcher, cmd *protocol.Command) protocol.Value {
	var opts stream.ReadOptions
	i := 0
	for ; i < len(cmd.Args); i++ {
		switch strings.ToUpper(cmd.Arg(i)) {
		case "COUNT":
			if i+1 >= len(cmd.Args) {
				return errorReply(errSyntax)
			}
			n, err := parseInt(cmd.Args[i+1])
			if err != nil {
				return errorReply(err)
			}
			opts.Count = int(max(n, 0))
			i++
		case "BLOCK":
			if i+1 >= len(cmd.Args) {
				return errorReply(errSyntax)
			}
			ms, err := parseInt(cmd.Args[i+1])
			if err != nil {
				return errorReply(errors.New("ERR timeout is not an integer or out of range"))
			}
			if ms < 0 {
				return errorReply(errors.New("ERR timeout is negative"))
			}
			opts.Block = true
			opts.Timeout = time.Duration(ms) * time.Millisecond
			i++
		case "STREAMS":
			return xread(ctx, d, cmd.Args[i+1:], opts)
		default:
			return errorReply(errSyntax)
		}
	}
	return errorReply(errSyntax)
}

func xread(ctx context.Context, d *Dispatcher, args [][]byte, opts stream.ReadOptions) protocol.Value {
	if len(args) == 0 || len(args)%2 != 0 {
		return errorReply(errUnbalanced)
	}
	n := len(args) / 2
	reqs := make([]stream.ReadRequest, n)
	for i := 0; i < n; i++ {
		reqs[i].Key = string(args[i])
		idArg := string(args[n+i])
		if idArg == "$" {
			reqs[i].Latest = true
			continue
		}
		id, err := storage.ParseEntryID(idArg, 0)
		if err != nil {
			return errorReply(err)
		}
		reqs[i].After = id
	}

	results, err := d.streams.Read(ctx, reqs, opts)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.NullArray()
		}
		return errorReply(err)
	}
	if len(results) == 0 {
		return protocol.NullArray()
	}

	out := make([]protocol.Value, len(results))
	for i, r := range results {
		out[i] = protocol.Array(protocol.BulkFromString(r.Key), entriesValue(r.Entries))
	}
	return protocol.Array(out...)
}

// entriesValue renders entries as [[id, [field, value, ...]], ...]
func entriesValue(entries []storage.StreamEntry) protocol.Value {
	out := make([]protocol.Value, len(entries))
	for i, e := range entries {
		fields := make([]protocol.Value, 0, 2*len(e.Fields))
		for _, f := range e.Fields {
			fields = append(fields, protocol.BulkString(f.Name), protocol.BulkString(f.Value))
		}
		out[i] = protocol.Array(protocol.BulkFromString(e.ID.String()), protocol.Array(fields...))
	}
	return protocol.Array(out...)
}
