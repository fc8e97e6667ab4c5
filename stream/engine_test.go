package stream_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/storage"
	"github.com/raniellyferreira/redis-inmemory-node/stream"
)

func fields(kv ...string) []storage.Field {
	var out []storage.Field
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, storage.Field{Name: []byte(kv[i]), Value: []byte(kv[i+1])})
	}
	return out
}

func auto() storage.IDSpec { return storage.IDSpec{Kind: storage.IDAuto} }

func explicit(ms, seq uint64) storage.IDSpec {
	return storage.IDSpec{Kind: storage.IDExplicit, ID: storage.EntryID{Ms: ms, Seq: seq}}
}

func newEngine(now uint64) (*stream.Engine, *storage.Keyspace, *atomic.Uint64) {
	var clock atomic.Uint64
	clock.Store(now)
	ks := storage.New()
	return stream.New(ks, clock.Load), ks, &clock
}

func TestAppendSameMillisecond(t *testing.T) {
	e, _, _ := newEngine(1526919030474)

	first, err := e.Append(stream.AppendArgs{Key: "stream1", ID: auto(), Fields: fields("field", "a")})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	second, err := e.Append(stream.AppendArgs{Key: "stream1", ID: auto(), Fields: fields("field", "a")})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if first.String() != "1526919030474-0" || second.String() != "1526919030474-1" {
		t.Errorf("ids = %s, %s; want 1526919030474-0, 1526919030474-1", first, second)
	}

	entries, err := e.Range("stream1", storage.MinID, storage.MaxID, 0)
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(entries) != 2 || entries[0].ID != first || entries[1].ID != second {
		t.Errorf("Range() = %v, want both entries in order", entries)
	}
}

func TestAppendAutoIDsStrictlyIncrease(t *testing.T) {
	e, _, clock := newEngine(10_000)

	var last storage.EntryID
	for i := 0; i < 500; i++ {
		switch i % 7 {
		case 3:
			clock.Add(1)
		case 5:
			// a clock that moves backwards must not produce smaller ids
			clock.Store(clock.Load() - 3)
		}
		id, err := e.Append(stream.AppendArgs{Key: "s", ID: auto(), Fields: fields("i", "x")})
		if err != nil {
			t.Fatalf("Append() #%d error = %v", i, err)
		}
		if !last.Less(id) {
			t.Fatalf("id %s is not greater than %s", id, last)
		}
		last = id
	}
}

func TestAppendRejectsSmallerID(t *testing.T) {
	e, _, _ := newEngine(0)

	if _, err := e.Append(stream.AppendArgs{Key: "s", ID: explicit(5, 0)}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	for _, spec := range []storage.IDSpec{explicit(5, 0), explicit(4, 9), explicit(0, 0)} {
		if _, err := e.Append(stream.AppendArgs{Key: "s", ID: spec}); !errors.Is(err, stream.ErrInvalidEntryID) {
			t.Errorf("Append(%s) error = %v, want ErrInvalidEntryID", spec.ID, err)
		}
	}
	if n, _ := e.Len("s"); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}

func TestAppendWrongTypeAndNoMkStream(t *testing.T) {
	e, ks, _ := newEngine(0)
	ks.SetString("str", []byte("x"), 0)

	if _, err := e.Append(stream.AppendArgs{Key: "str", ID: auto()}); !errors.Is(err, storage.ErrWrongType) {
		t.Errorf("Append() on string error = %v, want ErrWrongType", err)
	}
	if _, err := e.Append(stream.AppendArgs{Key: "none", ID: auto(), NoMkStream: true}); !errors.Is(err, stream.ErrNoStream) {
		t.Errorf("Append(NoMkStream) error = %v, want ErrNoStream", err)
	}
	if ks.Exists("none") != 0 {
		t.Error("NoMkStream created the key")
	}
}

func TestAppendWithTrim(t *testing.T) {
	e, _, _ := newEngine(0)
	for i := uint64(1); i <= 10; i++ {
		_, err := e.Append(stream.AppendArgs{
			Key:  "s",
			ID:   explicit(i, 0),
			Trim: stream.Trim{Strategy: stream.TrimMaxLen, MaxLen: 3},
		})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	entries, _ := e.Range("s", storage.MinID, storage.MaxID, 0)
	if len(entries) != 3 || entries[0].ID.Ms != 8 {
		t.Errorf("entries after MAXLEN 3 = %v", entries)
	}

	n, err := e.Trim("s", stream.Trim{Strategy: stream.TrimMinID, MinID: storage.EntryID{Ms: 10}})
	if err != nil || n != 2 {
		t.Errorf("Trim(MINID 10) = %d, %v; want 2", n, err)
	}
	last, _ := e.LastID("s")
	if last.Ms != 10 {
		t.Errorf("LastID() = %s, want 10-0", last)
	}
}

func TestReadNonBlocking(t *testing.T) {
	e, _, _ := newEngine(0)
	for i := uint64(1); i <= 3; i++ {
		e.Append(stream.AppendArgs{Key: "a", ID: explicit(i, 0), Fields: fields("n", "v")})
	}

	results, err := e.Read(context.Background(), []stream.ReadRequest{
		{Key: "a", After: storage.EntryID{Ms: 1}},
		{Key: "missing"},
	}, stream.ReadOptions{Count: 1})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(results) != 1 || results[0].Key != "a" || len(results[0].Entries) != 1 || results[0].Entries[0].ID.Ms != 2 {
		t.Errorf("Read() = %+v, want a: [2-0]", results)
	}

	results, err = e.Read(context.Background(), []stream.ReadRequest{{Key: "a", Latest: true}}, stream.ReadOptions{})
	if err != nil || results != nil {
		t.Errorf("Read($) without block = %+v, %v; want nothing", results, err)
	}
}

func TestReadBlockingTimeout(t *testing.T) {
	e, _, _ := newEngine(0)

	start := time.Now()
	results, err := e.Read(context.Background(), []stream.ReadRequest{{Key: "s", Latest: true}},
		stream.ReadOptions{Block: true, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Read() error = %v, timeouts are not errors", err)
	}
	if results != nil {
		t.Errorf("Read() = %+v, want nil on timeout", results)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("Read() returned before the timeout")
	}
	if e.Waiters() != 0 {
		t.Errorf("Waiters() = %d after timeout, want 0", e.Waiters())
	}
}

func TestReadBlockingWakesOnAppend(t *testing.T) {
	e, _, _ := newEngine(0)
	e.Append(stream.AppendArgs{Key: "s", ID: explicit(1, 0)})

	done := make(chan []stream.ReadResult, 1)
	go func() {
		results, err := e.Read(context.Background(), []stream.ReadRequest{{Key: "s", Latest: true}},
			stream.ReadOptions{Block: true})
		if err != nil {
			t.Errorf("Read() error = %v", err)
		}
		done <- results
	}()

	waitForWaiters(t, e, 1)
	e.Append(stream.AppendArgs{Key: "s", ID: explicit(2, 0), Fields: fields("k", "v")})

	select {
	case results := <-done:
		// "$" was fixed at 1-0 when the read was issued
		if len(results) != 1 || len(results[0].Entries) != 1 || results[0].Entries[0].ID.Ms != 2 {
			t.Errorf("Read() = %+v, want s: [2-0]", results)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked read was not woken by append")
	}
}

func TestReadBlockingRechecksAllKeys(t *testing.T) {
	e, _, _ := newEngine(0)
	e.Append(stream.AppendArgs{Key: "a", ID: explicit(5, 0)})

	done := make(chan []stream.ReadResult, 1)
	go func() {
		results, _ := e.Read(context.Background(), []stream.ReadRequest{
			{Key: "a", After: storage.EntryID{Ms: 5}},
			{Key: "b", After: storage.EntryID{Ms: 100}},
		}, stream.ReadOptions{Block: true})
		done <- results
	}()

	waitForWaiters(t, e, 1)

	// an append to b below the threshold wakes the reader but must not
	// satisfy it
	e.Append(stream.AppendArgs{Key: "b", ID: explicit(50, 0)})
	select {
	case results := <-done:
		t.Fatalf("Read() returned early with %+v", results)
	case <-time.After(50 * time.Millisecond):
	}

	e.Append(stream.AppendArgs{Key: "a", ID: explicit(6, 0)})
	select {
	case results := <-done:
		if len(results) != 1 || results[0].Key != "a" {
			t.Errorf("Read() = %+v, want entries from a only", results)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked read was not woken")
	}
}

func TestReadBlockingCancelled(t *testing.T) {
	e, _, _ := newEngine(0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := e.Read(ctx, []stream.ReadRequest{{Key: "s", Latest: true}}, stream.ReadOptions{Block: true})
		done <- err
	}()

	waitForWaiters(t, e, 1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Read() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled read did not return")
	}
	if e.Waiters() != 0 {
		t.Errorf("Waiters() = %d after cancel, want 0", e.Waiters())
	}
}

// Many readers and a writer race; every reader registered with an id below
// the appended one must see it.
func TestReadNoLostWakeup(t *testing.T) {
	for round := 0; round < 50; round++ {
		e, _, _ := newEngine(0)
		e.Append(stream.AppendArgs{Key: "s", ID: explicit(1, 0)})

		const readers = 8
		var wg sync.WaitGroup
		var seen atomic.Int32
		for i := 0; i < readers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				results, err := e.Read(ctx, []stream.ReadRequest{{Key: "s", After: storage.EntryID{Ms: 1}}},
					stream.ReadOptions{Block: true})
				if err == nil && len(results) == 1 && results[0].Entries[0].ID.Ms == 2 {
					seen.Add(1)
				}
			}()
		}

		e.Append(stream.AppendArgs{Key: "s", ID: explicit(2, 0)})
		wg.Wait()

		if seen.Load() != readers {
			t.Fatalf("round %d: %d of %d readers saw the append", round, seen.Load(), readers)
		}
	}
}

func TestReadWrongType(t *testing.T) {
	e, ks, _ := newEngine(0)
	ks.SetString("str", []byte("x"), 0)

	_, err := e.Read(context.Background(), []stream.ReadRequest{{Key: "str"}}, stream.ReadOptions{Block: true})
	if !errors.Is(err, storage.ErrWrongType) {
		t.Errorf("Read() error = %v, want ErrWrongType", err)
	}
}

func waitForWaiters(t *testing.T, e *stream.Engine, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for e.Waiters() < n {
		if time.Now().After(deadline) {
			t.Fatalf("waiters = %d, want %d", e.Waiters(), n)
		}
		time.Sleep(time.Millisecond)
	}
}
