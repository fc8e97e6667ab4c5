package server

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/replication"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
	"github.com/raniellyferreira/redis-inmemory-node/stream"
)

type testClock struct {
	ms atomic.Int64
}

func newTestClock(ms int64) *testClock {
	c := &testClock{}
	c.ms.Store(ms)
	return c
}

func (c *testClock) now() int64 { return c.ms.Load() }

func (c *testClock) nowStream() uint64 { return uint64(c.ms.Load()) }

func (c *testClock) advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

func newTestDispatcher(t *testing.T, clock *testClock) *Dispatcher {
	t.Helper()
	ks := storage.New(storage.WithClock(clock.now))
	m := replication.NewManager(ks)
	m.SetTempDir(t.TempDir())
	return NewDispatcher(m, stream.New(ks, clock.nowStream))
}

func do(d *Dispatcher, args ...string) protocol.Value {
	return d.Apply(context.Background(), protocol.NewCommand(args[0], args[1:]...))
}

func expect(t *testing.T, d *Dispatcher, want string, args ...string) {
	t.Helper()
	if got := do(d, args...).String(); got != want {
		t.Errorf("%s = %q, want %q", strings.Join(args, " "), got, want)
	}
}

func expectError(t *testing.T, d *Dispatcher, prefix string, args ...string) {
	t.Helper()
	v := do(d, args...)
	if !v.IsError() || !strings.HasPrefix(v.String(), prefix) {
		t.Errorf("%s = %q, want an error starting with %q", strings.Join(args, " "), v.String(), prefix)
	}
}

// propagated reads back the replication stream of d's primary by resuming
// from offset zero, the way a replica with a partial resync would.
func propagated(t *testing.T, d *Dispatcher) []string {
	t.Helper()
	m := d.Replication()
	want := m.Offset()

	primarySide, replicaSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.ServeReplica(ctx, replication.ReplicaConn{
			Conn:   primarySide,
			Reader: protocol.NewReader(primarySide),
			Writer: protocol.NewWriter(primarySide),
		}, m.ReplID(), "1")
	}()
	defer func() {
		cancel()
		replicaSide.Close()
		<-done
	}()

	_ = replicaSide.SetReadDeadline(time.Now().Add(5 * time.Second))
	r := protocol.NewReader(replicaSide)
	reply, err := r.ReadNext()
	if err != nil || !strings.HasPrefix(reply.String(), "CONTINUE") {
		t.Fatalf("PSYNC reply = %q, %v; want CONTINUE", reply.String(), err)
	}

	r.ResetConsumed()
	var cmds []string
	for r.Consumed() < want {
		cmd, _, err := r.ReadCommand()
		if err != nil {
			t.Fatalf("read propagated command: %v", err)
		}
		cmds = append(cmds, cmd.String())
	}
	return cmds
}

func expectPropagated(t *testing.T, d *Dispatcher, want ...string) {
	t.Helper()
	got := propagated(t, d)
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("propagated:\n  %s\nwant:\n  %s", strings.Join(got, "\n  "), strings.Join(want, "\n  "))
	}
}

func TestSetPropagatesAbsoluteExpiry(t *testing.T) {
	clock := newTestClock(10_000)
	d := newTestDispatcher(t, clock)

	expect(t, d, "OK", "SET", "k", "v", "EX", "10")
	expect(t, d, "10000", "PTTL", "k")
	expect(t, d, "10", "TTL", "k")
	expect(t, d, "OK", "SET", "p", "v", "PX", "1500")
	expect(t, d, "OK", "SET", "plain", "v")

	expectPropagated(t, d,
		"SET k v PXAT 20000",
		"SET p v PXAT 11500",
		"SET plain v",
	)
}

func TestSetOptions(t *testing.T) {
	d := newTestDispatcher(t, newTestClock(10_000))

	expect(t, d, "(nil)", "SET", "k", "v", "XX")
	expect(t, d, "OK", "SET", "k", "v1", "NX", "PX", "5000")
	expect(t, d, "(nil)", "SET", "k", "v2", "NX")
	expect(t, d, "v1", "SET", "k", "v3", "KEEPTTL", "GET")
	expect(t, d, "5000", "PTTL", "k")
	expect(t, d, "v3", "GET", "k")
	expect(t, d, "OK", "SET", "k", "v4")
	expect(t, d, "-1", "PTTL", "k")

	expectError(t, d, "ERR invalid expire time", "SET", "k", "v", "EX", "0")
	expectError(t, d, "ERR syntax error", "SET", "k", "v", "NX", "XX")
	expectError(t, d, "ERR syntax error", "SET", "k", "v", "EX", "1", "PX", "1")
	expectError(t, d, "ERR value is not an integer", "SET", "k", "v", "EX", "soon")
	expectError(t, d, "ERR syntax error", "SET", "k", "v", "BOGUS")

	expect(t, d, "1", "RPUSH", "list", "a")
	expectError(t, d, "WRONGTYPE", "SET", "list", "v", "GET")
	expect(t, d, "list", "TYPE", "list")
}

func TestExpirePropagation(t *testing.T) {
	clock := newTestClock(10_000)
	d := newTestDispatcher(t, clock)

	expect(t, d, "OK", "SET", "a", "1")
	expect(t, d, "OK", "SET", "b", "2")
	expect(t, d, "1", "EXPIRE", "a", "5")
	expect(t, d, "0", "EXPIRE", "missing", "5")
	expect(t, d, "1", "PEXPIREAT", "a", "30000")
	expect(t, d, "1", "EXPIRE", "b", "-1")
	expect(t, d, "0", "EXISTS", "b")
	expect(t, d, "1", "PERSIST", "a")
	expect(t, d, "0", "PERSIST", "a")

	expectPropagated(t, d,
		"SET a 1",
		"SET b 2",
		"PEXPIREAT a 15000",
		"PEXPIREAT a 30000",
		"DEL b",
		"PERSIST a",
	)
}

func TestExpiryOverflowRejected(t *testing.T) {
	d := newTestDispatcher(t, newTestClock(1_000_000))
	huge := "9223372036854775807"

	expect(t, d, "OK", "SET", "k", "v")
	expectError(t, d, "ERR invalid expire time in 'expire' command", "EXPIRE", "k", huge)
	expectError(t, d, "ERR invalid expire time in 'pexpire' command", "PEXPIRE", "k", huge)
	expectError(t, d, "ERR invalid expire time in 'expireat' command", "EXPIREAT", "k", huge)
	expectError(t, d, "ERR invalid expire time in 'expire' command", "EXPIRE", "k", "-9223372036854775807")
	expect(t, d, "v", "GET", "k")
	expect(t, d, "-1", "PTTL", "k")

	expectError(t, d, "ERR invalid expire time in 'set' command", "SET", "k2", "v", "EX", huge)
	expectError(t, d, "ERR invalid expire time in 'set' command", "SET", "k2", "v", "PX", huge)
	expectError(t, d, "ERR invalid expire time in 'set' command", "SET", "k2", "v", "EXAT", huge)
	expect(t, d, "0", "EXISTS", "k2")

	// The largest relative expiry that still fits is accepted.
	expect(t, d, "1", "PEXPIRE", "k", "9223372036853775807")

	expectPropagated(t, d,
		"SET k v",
		"PEXPIREAT k 9223372036854775807",
	)
}

func TestWriteRemovesExpiredKeyFirst(t *testing.T) {
	clock := newTestClock(10_000)
	d := newTestDispatcher(t, clock)

	expect(t, d, "OK", "SET", "k", "v", "PX", "100")
	clock.advance(time.Second)
	expect(t, d, "1", "RPUSH", "k", "x")

	expectPropagated(t, d,
		"SET k v PXAT 10100",
		"DEL k",
		"RPUSH k x",
	)
}

func TestKeysAndDBSize(t *testing.T) {
	clock := newTestClock(10_000)
	d := newTestDispatcher(t, clock)

	expect(t, d, "OK", "SET", "user:1", "a")
	expect(t, d, "OK", "SET", "user:2", "b")
	expect(t, d, "OK", "SET", "other", "c", "PX", "10")
	expect(t, d, "[other]", "KEYS", "o*")
	expect(t, d, "3", "DBSIZE")

	clock.advance(time.Second)
	expect(t, d, "[]", "KEYS", "o*")
	expect(t, d, "2", "EXISTS", "user:1", "user:2", "other")
	expect(t, d, "2", "DEL", "user:1", "user:2", "nope")
	expect(t, d, "OK", "FLUSHALL")
	expect(t, d, "0", "DBSIZE")
}

func TestListCommands(t *testing.T) {
	d := newTestDispatcher(t, newTestClock(10_000))

	expect(t, d, "3", "RPUSH", "l", "a", "b", "c")
	expect(t, d, "5", "LPUSH", "l", "z", "y")
	expect(t, d, "[y, z, a, b, c]", "LRANGE", "l", "0", "-1")
	expect(t, d, "[b, c]", "LRANGE", "l", "-2", "100")
	expect(t, d, "[]", "LRANGE", "l", "4", "2")
	expect(t, d, "y", "LPOP", "l")
	expect(t, d, "[c, b]", "RPOP", "l", "2")
	expect(t, d, "2", "LLEN", "l")
	expect(t, d, "[z, a]", "LPOP", "l", "5")
	expect(t, d, "0", "EXISTS", "l")
	expect(t, d, "(nil)", "LPOP", "l")
	expect(t, d, "(nil)", "RPOP", "l", "1")
	expect(t, d, "0", "LLEN", "l")

	expect(t, d, "OK", "SET", "s", "v")
	expectError(t, d, "WRONGTYPE", "LPUSH", "s", "a")
	expectError(t, d, "WRONGTYPE", "LLEN", "s")
	expectError(t, d, "ERR value is out of range", "LPOP", "l", "-1")
}

func TestXAddPropagatesResolvedID(t *testing.T) {
	clock := newTestClock(5)
	d := newTestDispatcher(t, clock)

	expect(t, d, "5-0", "XADD", "s", "*", "f", "a")
	expect(t, d, "5-1", "XADD", "s", "*", "f", "b")
	expect(t, d, "5-2", "XADD", "s", "MAXLEN", "~", "1", "*", "f", "c")
	expect(t, d, "1", "XLEN", "s")
	expect(t, d, "7-0", "XADD", "s", "7-*", "f", "d")
	expect(t, d, "1", "XTRIM", "s", "MINID", "7")

	expectPropagated(t, d,
		"XADD s 5-0 f a",
		"XADD s 5-1 f b",
		"XADD s MAXLEN = 1 5-2 f c",
		"XADD s 7-0 f d",
		"XTRIM s MINID = 7-0",
	)
}

func TestXAddErrors(t *testing.T) {
	d := newTestDispatcher(t, newTestClock(5))

	expectError(t, d, "ERR The ID specified in XADD must be greater than 0-0", "XADD", "s", "0-0", "f", "v")
	expect(t, d, "1-1", "XADD", "s", "1-1", "f", "v")
	expectError(t, d, "ERR The ID specified in XADD is equal or smaller", "XADD", "s", "1-1", "f", "v")
	expectError(t, d, "ERR The ID specified in XADD is equal or smaller", "XADD", "s", "0-5", "f", "v")
	expectError(t, d, "ERR Invalid stream ID", "XADD", "s", "x-1", "f", "v")
	expectError(t, d, "ERR wrong number of arguments for 'xadd'", "XADD", "s", "*", "f", "v", "g")
	expectError(t, d, "ERR The MAXLEN argument must be >= 0.", "XADD", "s", "MAXLEN", "-1", "*", "f", "v")
	expect(t, d, "(nil)", "XADD", "missing", "NOMKSTREAM", "*", "f", "v")
	expect(t, d, "0", "EXISTS", "missing")

	expect(t, d, "OK", "SET", "str", "v")
	expectError(t, d, "WRONGTYPE", "XADD", "str", "*", "f", "v")
	expect(t, d, "1", "XLEN", "s")
}

func TestXRangeBounds(t *testing.T) {
	d := newTestDispatcher(t, newTestClock(5))

	for _, id := range []string{"1-1", "1-2", "2-1"} {
		expect(t, d, id, "XADD", "s", id, "n", id)
	}

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"XRANGE", "s", "-", "+"}, "[[1-1, [n, 1-1]], [1-2, [n, 1-2]], [2-1, [n, 2-1]]]"},
		{[]string{"XRANGE", "s", "(1-1", "+"}, "[[1-2, [n, 1-2]], [2-1, [n, 2-1]]]"},
		{[]string{"XRANGE", "s", "1", "1"}, "[[1-1, [n, 1-1]], [1-2, [n, 1-2]]]"},
		{[]string{"XRANGE", "s", "-", "(2-1"}, "[[1-1, [n, 1-1]], [1-2, [n, 1-2]]]"},
		{[]string{"XRANGE", "s", "-", "+", "COUNT", "1"}, "[[1-1, [n, 1-1]]]"},
		{[]string{"XRANGE", "s", "-", "+", "COUNT", "0"}, "[]"},
		{[]string{"XRANGE", "s", "3", "+"}, "[]"},
		{[]string{"XRANGE", "missing", "-", "+"}, "[]"},
		{[]string{"XREVRANGE", "s", "+", "-", "COUNT", "2"}, "[[2-1, [n, 2-1]], [1-2, [n, 1-2]]]"},
		{[]string{"XREVRANGE", "s", "1-2", "1-1"}, "[[1-2, [n, 1-2]], [1-1, [n, 1-1]]]"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			expect(t, d, tt.want, tt.args...)
		})
	}

	expectError(t, d, "ERR Invalid stream ID", "XRANGE", "s", "abc", "+")
	expectError(t, d, "ERR syntax error", "XRANGE", "s", "-", "+", "LIMIT", "1")
}

func TestXReadBlocksUntilAppend(t *testing.T) {
	clock := newTestClock(5)
	d := newTestDispatcher(t, clock)

	expect(t, d, "5-0", "XADD", "s", "*", "f", "old")
	expect(t, d, "[[s, [[5-0, [f, old]]]]]", "XREAD", "STREAMS", "s", "0")
	expect(t, d, "(nil)", "XREAD", "STREAMS", "s", "$")
	expect(t, d, "(nil)", "XREAD", "BLOCK", "10", "STREAMS", "s", "$")

	result := make(chan protocol.Value, 1)
	go func() {
		result <- do(d, "XREAD", "BLOCK", "0", "STREAMS", "other", "s", "$", "$")
	}()

	deadline := time.Now().Add(2 * time.Second)
	for d.streams.Waiters() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("XREAD never blocked")
		}
		time.Sleep(time.Millisecond)
	}
	expect(t, d, "5-1", "XADD", "s", "*", "f", "new")

	select {
	case v := <-result:
		if got, want := v.String(), "[[s, [[5-1, [f, new]]]]]"; got != want {
			t.Errorf("blocked XREAD = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked XREAD was not woken by XADD")
	}

	expectError(t, d, "ERR Unbalanced 'xread' list of streams", "XREAD", "STREAMS", "s", "t", "0")
	expectError(t, d, "ERR timeout is negative", "XREAD", "BLOCK", "-1", "STREAMS", "s", "0")
}

func TestXReadCancelledContext(t *testing.T) {
	d := newTestDispatcher(t, newTestClock(5))

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan protocol.Value, 1)
	go func() {
		result <- d.Apply(ctx, protocol.NewCommand("XREAD", "BLOCK", "0", "STREAMS", "s", "$"))
	}()

	deadline := time.Now().Add(2 * time.Second)
	for d.streams.Waiters() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("XREAD never blocked")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case v := <-result:
		if !v.IsNull {
			t.Errorf("cancelled XREAD = %q, want a null reply", v.String())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled XREAD did not return")
	}
	if n := d.streams.Waiters(); n != 0 {
		t.Errorf("Waiters() = %d after cancel, want 0", n)
	}
}

func TestReplicaRefusesClientWrites(t *testing.T) {
	d := newTestDispatcher(t, newTestClock(10_000))
	d.Replication().SetPrimary("127.0.0.1:1")

	expectError(t, d, "READONLY", "SET", "k", "v")
	expectError(t, d, "READONLY", "XADD", "s", "*", "f", "v")

	if err := d.ApplyReplicated(protocol.NewCommand("SET", "k", "v")); err != nil {
		t.Fatalf("ApplyReplicated(SET) error = %v", err)
	}
	expect(t, d, "v", "GET", "k")

	if err := d.ApplyReplicated(protocol.NewCommand("GET", "k")); err == nil {
		t.Error("ApplyReplicated(GET) succeeded, want an error for a read command")
	}
	if err := d.ApplyReplicated(protocol.NewCommand("LPUSH", "k", "x")); err == nil {
		t.Error("ApplyReplicated(LPUSH) on a string succeeded, want WRONGTYPE")
	}
}

func TestReplicatedStreamReproducesPrimary(t *testing.T) {
	clock := newTestClock(10_000)
	primary := newTestDispatcher(t, clock)
	replica := newTestDispatcher(t, clock)
	replica.Replication().SetPrimary("127.0.0.1:1")

	writes := [][]string{
		{"SET", "a", "1", "EX", "100"},
		{"SET", "b", "2"},
		{"RPUSH", "l", "x", "y", "z"},
		{"LPOP", "l"},
		{"XADD", "s", "*", "f", "v"},
		{"XADD", "s", "*", "f", "w"},
		{"XADD", "s", "MAXLEN", "1", "*", "f", "x"},
		{"EXPIRE", "b", "50"},
		{"DEL", "a"},
		{"SET", "c", "3", "PX", "10"},
	}
	for _, w := range writes {
		if v := do(primary, w...); v.IsError() {
			t.Fatalf("%v: %s", w, v.String())
		}
	}
	clock.advance(time.Second)
	// Touching the expired key removes it and propagates DEL.
	expect(t, primary, "0", "DEL", "c")

	for _, line := range propagated(t, primary) {
		fields := strings.Fields(line)
		if err := replica.ApplyReplicated(protocol.NewCommand(fields[0], fields[1:]...)); err != nil {
			t.Fatalf("ApplyReplicated(%s) error = %v", line, err)
		}
	}

	for _, key := range []string{"a", "b", "c", "l", "s"} {
		pv, pok := primary.ks.Get(key)
		rv, rok := replica.ks.Get(key)
		if pok != rok || (pok && !storage.Equal(pv, rv)) {
			t.Errorf("key %q differs: primary %v/%v replica %v/%v", key, pv, pok, rv, rok)
		}
	}
	if primary.ks.Len() != replica.ks.Len() {
		t.Errorf("DBSIZE primary %d, replica %d", primary.ks.Len(), replica.ks.Len())
	}
}

func TestCommandErrors(t *testing.T) {
	d := newTestDispatcher(t, newTestClock(10_000))

	expectError(t, d, "ERR unknown command 'nosuch', with args beginning with: 'a'", "NOSUCH", "a")
	expectError(t, d, "ERR wrong number of arguments for 'get' command", "GET")
	expectError(t, d, "ERR wrong number of arguments for 'ping' command", "PING", "a", "b")
	expectError(t, d, "ERR DB index is out of range", "SELECT", "1")
	expect(t, d, "OK", "SELECT", "0")
	expect(t, d, "PONG", "PING")
	expect(t, d, "hi", "ECHO", "hi")

	if n := d.Stats().TotalErrors.Load(); n != 4 {
		t.Errorf("TotalErrors = %d, want 4", n)
	}
}

type fakePersister struct {
	saves atomic.Int32
	err   error
	last  time.Time
}

func (p *fakePersister) Save() error {
	p.saves.Add(1)
	if p.err == nil {
		p.last = time.Unix(1700000000, 0)
	}
	return p.err
}

func (p *fakePersister) LastSave() time.Time { return p.last }

func TestSaveAndConfig(t *testing.T) {
	d := newTestDispatcher(t, newTestClock(10_000))
	expectError(t, d, "ERR no snapshot file configured", "SAVE")

	p := &fakePersister{}
	d.SetPersister(p)
	expect(t, d, "OK", "SAVE")
	expect(t, d, "1700000000", "LASTSAVE")

	p.err = errors.New("disk full")
	expectError(t, d, "ERR disk full", "SAVE")
	if p.saves.Load() != 2 {
		t.Errorf("Save called %d times, want 2", p.saves.Load())
	}

	d.SetConfig("dir", "/data")
	d.SetConfig("dbfilename", "dump.rdb")
	d.SetConfig("port", "6379")
	expect(t, d, "[dbfilename, dump.rdb, dir, /data]", "CONFIG", "GET", "d*")
	expect(t, d, "[port, 6379]", "CONFIG", "GET", "PORT")
	expect(t, d, "[]", "CONFIG", "GET", "nothing")
	expectError(t, d, "ERR unknown subcommand 'SET'", "CONFIG", "SET", "dir", "/tmp")
}

func TestInfoAndRole(t *testing.T) {
	d := newTestDispatcher(t, newTestClock(10_000))
	expect(t, d, "OK", "SET", "k", "v", "EX", "10")

	info := do(d, "INFO").String()
	for _, want := range []string{
		"# Server\r\n", "redis_version:7.2.0", "# Replication\r\n", "role:master",
		"connected_slaves:0", "master_replid:" + d.Replication().ReplID(),
		"db0:keys=1,expires=1,avg_ttl=0",
	} {
		if !strings.Contains(info, want) {
			t.Errorf("INFO lacks %q:\n%s", want, info)
		}
	}

	repl := do(d, "INFO", "replication").String()
	if strings.Contains(repl, "# Server") {
		t.Errorf("INFO replication includes other sections:\n%s", repl)
	}

	offset := strconv.FormatInt(d.Replication().Offset(), 10)
	expect(t, d, "[master, "+offset+", []]", "ROLE")

	replica := newTestDispatcher(t, newTestClock(10_000))
	replica.Replication().SetPrimary("10.0.0.1:6379")
	expect(t, replica, "[slave, 10.0.0.1, 6379, connect, 0]", "ROLE")
	if info := do(replica, "INFO", "replication").String(); !strings.Contains(info, "master_link_status:down") {
		t.Errorf("replica INFO lacks link status:\n%s", info)
	}
	expectError(t, replica, "ERR WAIT cannot be used with replica instances", "WAIT", "1", "0")
}
