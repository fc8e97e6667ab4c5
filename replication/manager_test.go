package replication

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// testLogger forwards log lines to the test output
type testLogger struct {
	t *testing.T
}

func (l *testLogger) Debug(msg string, fields ...interface{}) {}

func (l *testLogger) Info(msg string, fields ...interface{}) {
	l.t.Logf("INFO: %s %v", msg, fields)
}

func (l *testLogger) Error(msg string, fields ...interface{}) {
	l.t.Logf("ERROR: %s %v", msg, fields)
}

// kvApplier applies SET and DEL the way the command dispatcher does
type kvApplier struct {
	m *Manager
}

func (a kvApplier) ApplyReplicated(cmd *protocol.Command) error {
	return a.apply(cmd)
}

func (a kvApplier) apply(cmd *protocol.Command) error {
	return a.m.Write(func(tx *Tx) error {
		ks := tx.Keyspace()
		switch cmd.Name {
		case "SET":
			tx.ExpireStale(cmd.Arg(0))
			ks.SetString(cmd.Arg(0), cmd.Args[1], 0)
		case "DEL":
			keys := make([]string, len(cmd.Args))
			for i := range cmd.Args {
				keys[i] = cmd.Arg(i)
			}
			tx.ExpireStale(keys...)
			if ks.Delete(keys...) == 0 {
				return nil
			}
		default:
			return fmt.Errorf("unknown command %s", cmd.Name)
		}
		tx.Propagate(cmd)
		return nil
	})
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestWriteAdvancesOffsetWithoutReplicas(t *testing.T) {
	m := NewManager(storage.New())
	a := kvApplier{m: m}

	var want int64
	for i := 0; i < 5; i++ {
		cmd := protocol.NewCommand("SET", fmt.Sprintf("key%d", i), "value")
		if err := a.apply(cmd); err != nil {
			t.Fatalf("apply() error = %v", err)
		}
		want += cmd.EncodedLen()
		if got := m.Offset(); got != want {
			t.Fatalf("Offset() = %d after %d writes, want %d", got, i+1, want)
		}
	}

	tail, ok := m.backlog.since(0)
	if !ok || int64(len(tail)) != want {
		t.Errorf("backlog holds %d bytes, want %d", len(tail), want)
	}
}

func TestWritePropagatesOnError(t *testing.T) {
	m := NewManager(storage.New())
	failure := errors.New("late failure")

	cmd := protocol.NewCommand("SET", "k", "v")
	err := m.Write(func(tx *Tx) error {
		tx.Keyspace().SetString("k", []byte("v"), 0)
		tx.Propagate(cmd)
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("Write() error = %v, want %v", err, failure)
	}
	if m.Offset() != cmd.EncodedLen() {
		t.Errorf("applied command was not propagated: offset %d", m.Offset())
	}
}

func TestExpireStale(t *testing.T) {
	var now atomic.Int64
	now.Store(1000)
	clock := storage.WithClock(now.Load)

	primary := NewManager(storage.New(clock))
	primary.Keyspace().SetString("short", []byte("v"), 1500)
	primary.Keyspace().SetString("long", []byte("v"), 5000)
	now.Store(2000)

	var deleted int
	_ = primary.Write(func(tx *Tx) error {
		deleted = tx.ExpireStale("short", "long", "missing")
		return nil
	})
	if deleted != 1 {
		t.Errorf("ExpireStale() = %d, want 1", deleted)
	}
	if want := protocol.NewCommand("DEL", "short").EncodedLen(); primary.Offset() != want {
		t.Errorf("Offset() = %d, want the length of one DEL (%d)", primary.Offset(), want)
	}

	replica := NewManager(storage.New(clock))
	replica.SetPrimary("127.0.0.1:1")
	replica.Keyspace().SetString("short", []byte("v"), 1500)
	_ = replica.Write(func(tx *Tx) error {
		deleted = tx.ExpireStale("short")
		return nil
	})
	if deleted != 0 {
		t.Error("a replica must not expire keys on its own")
	}
	if replica.Keyspace().Len() != 1 {
		t.Error("replica deleted an expired key")
	}
}

func TestPrimaryPurgesExpiredKeysOnRead(t *testing.T) {
	var now atomic.Int64
	now.Store(1000)
	ks := storage.New(storage.WithClock(now.Load))

	m := NewManager(ks)
	m.SetCleanup(storage.CleanupConfigDefault, 0)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	ks.SetString("session", []byte("v"), 1100)
	now.Store(1200)

	if _, ok, _ := ks.GetString("session"); ok {
		t.Fatal("expired key visible to reads")
	}
	eventually(t, time.Second, func() bool { return ks.Len() == 0 }, "expired key purged")

	want := protocol.NewCommand("DEL", "session").EncodedLen()
	if m.Offset() != want {
		t.Errorf("Offset() = %d, want %d", m.Offset(), want)
	}
}

func TestSweeperPropagatesDeletes(t *testing.T) {
	var now atomic.Int64
	now.Store(1000)
	ks := storage.New(storage.WithClock(now.Load), storage.WithShardCount(1))
	for i := 0; i < 10; i++ {
		ks.SetString(fmt.Sprintf("k%d", i), []byte("v"), 1100)
	}
	now.Store(1200)

	m := NewManager(ks)
	m.SetCleanup(storage.CleanupConfigDefault, 5*time.Millisecond)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	eventually(t, 2*time.Second, func() bool { return ks.Len() == 0 }, "sweeper removed expired keys")
	want := 10 * protocol.NewCommand("DEL", "k0").EncodedLen()
	eventually(t, time.Second, func() bool { return m.Offset() == want }, "one DEL per expired key")
}

func TestSyncCallbacksOnPrimary(t *testing.T) {
	m := NewManager(storage.New())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.WaitForSync(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitForSync() before Start = %v, want deadline exceeded", err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	if err := m.WaitForSync(context.Background()); err != nil {
		t.Fatalf("WaitForSync() error = %v", err)
	}

	called := make(chan struct{})
	m.OnSyncComplete(func() { close(called) })
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("OnSyncComplete callback not run after sync")
	}

	if !m.SyncStatus().InitialSyncCompleted {
		t.Error("SyncStatus should report the initial sync as completed")
	}
}

// TestConcurrentWaitForSync verifies many goroutines can wait for the same
// sync without racing on its completion.
func TestConcurrentWaitForSync(t *testing.T) {
	m := NewManager(storage.New())
	m.SetPrimary("127.0.0.1:1")
	m.SetLogger(&testLogger{t: t})

	const numWaiters = 10
	var wg sync.WaitGroup
	errs := make(chan error, numWaiters)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < numWaiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.WaitForSync(ctx); err != nil {
				errs <- err
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	m.completeSync()
	m.completeSync()

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("WaitForSync() error = %v", err)
	}
}

func TestReplicaOutputLimit(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	r := &replica{
		conn:  server,
		limit: 10,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	if !r.enqueue([]byte("12345678")) {
		t.Fatal("enqueue within the limit failed")
	}
	if r.enqueue([]byte("abc")) {
		t.Fatal("enqueue over the limit succeeded")
	}
	select {
	case <-r.done:
	default:
		t.Error("replica over its output limit should be closed")
	}
}
