package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

var (
	// ErrInvalidEntryID is returned when an id is not strictly greater than
	// the stream's last id.
	ErrInvalidEntryID = storage.ErrInvalidEntryID

	// ErrNoStream is returned by Append with NoMkStream on a missing key.
	ErrNoStream = errors.New("stream does not exist")
)

// Clock returns the wall clock in unix milliseconds
type Clock func() uint64

// waiter is one blocked read. ready has capacity 1 so a notification is
// never lost between registration and the receive.
type waiter struct {
	ready chan struct{}
}

func (w *waiter) wake() {
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// Engine implements stream commands over a keyspace. Appends and the
// check-then-register step of blocking reads are serialized by the engine
// mutex, so a read never misses an append that races with it.
type Engine struct {
	ks    *storage.Keyspace
	clock Clock

	mu      sync.Mutex
	waiters map[string]map[*waiter]struct{}
}

// New creates a stream engine for ks
func New(ks *storage.Keyspace, clock Clock) *Engine {
	if clock == nil {
		clock = func() uint64 { return uint64(time.Now().UnixMilli()) }
	}
	return &Engine{
		ks:      ks,
		clock:   clock,
		waiters: make(map[string]map[*waiter]struct{}),
	}
}

// TrimStrategy selects how XADD and XTRIM evict entries
type TrimStrategy int

const (
	TrimNone TrimStrategy = iota
	TrimMaxLen
	TrimMinID
)

// Trim describes an explicit trim request. Trimming is always exact.
type Trim struct {
	Strategy TrimStrategy
	MaxLen   int
	MinID    storage.EntryID
}

func (t Trim) apply(s *storage.Stream) int {
	switch t.Strategy {
	case TrimMaxLen:
		return s.TrimMaxLen(t.MaxLen)
	case TrimMinID:
		return s.TrimMinID(t.MinID)
	default:
		return 0
	}
}

// AppendArgs are the arguments of an append
type AppendArgs struct {
	Key        string
	ID         storage.IDSpec
	Fields     []storage.Field
	NoMkStream bool
	Trim       Trim
}

// Append resolves the id, appends the entry, applies any trim and wakes the
// waiters of the key. It returns the concrete id so callers can propagate
// it instead of the original id spec.
func (e *Engine) Append(args AppendArgs) (storage.EntryID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var resolved storage.EntryID
	ok, err := e.ks.UpdateStream(args.Key, !args.NoMkStream, func(s *storage.Stream) error {
		id, err := args.ID.Resolve(s.LastID, e.clock())
		if err != nil {
			return err
		}
		if err := s.Append(storage.StreamEntry{ID: id, Fields: args.Fields}); err != nil {
			return err
		}
		args.Trim.apply(s)
		resolved = id
		return nil
	})
	if err != nil {
		return storage.EntryID{}, err
	}
	if !ok {
		return storage.EntryID{}, ErrNoStream
	}

	e.notifyLocked(args.Key)
	return resolved, nil
}

// Trim evicts entries from the stream at key and returns how many were removed.
func (e *Engine) Trim(key string, t Trim) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var n int
	_, err := e.ks.UpdateStream(key, false, func(s *storage.Stream) error {
		n = t.apply(s)
		return nil
	})
	return int64(n), err
}

// Len returns the number of entries in the stream at key
func (e *Engine) Len(key string) (int64, error) {
	var n int
	_, err := e.ks.ViewStream(key, func(s *storage.Stream) {
		n = s.Len()
	})
	return int64(n), err
}

// LastID returns the last id of the stream at key, MinID when it is missing.
func (e *Engine) LastID(key string) (storage.EntryID, error) {
	last := storage.MinID
	_, err := e.ks.ViewStream(key, func(s *storage.Stream) {
		last = s.LastID
	})
	return last, err
}

// Range returns entries with start <= id <= end, at most count when count > 0.
func (e *Engine) Range(key string, start, end storage.EntryID, count int) ([]storage.StreamEntry, error) {
	var out []storage.StreamEntry
	_, err := e.ks.ViewStream(key, func(s *storage.Stream) {
		out = s.Range(start, end, count)
	})
	return out, err
}

// RevRange is Range in descending order
func (e *Engine) RevRange(key string, end, start storage.EntryID, count int) ([]storage.StreamEntry, error) {
	var out []storage.StreamEntry
	_, err := e.ks.ViewStream(key, func(s *storage.Stream) {
		out = s.RevRange(end, start, count)
	})
	return out, err
}

// ReadRequest names a stream and the id after which entries are wanted.
// Latest requests the stream's last id as of the call ("$").
type ReadRequest struct {
	Key    string
	After  storage.EntryID
	Latest bool
}

// ReadResult holds the entries read from one stream
type ReadResult struct {
	Key     string
	Entries []storage.StreamEntry
}

// ReadOptions controls Read. Block false means a plain, non-blocking read.
// With Block set, Timeout 0 waits until an entry arrives or ctx is done.
type ReadOptions struct {
	Count   int
	Block   bool
	Timeout time.Duration
}

// Read returns, for every requested stream that has any, the entries after
// the requested id. When nothing qualifies and blocking is requested it
// waits for an append to any of the keys. A timeout yields a nil result and
// no error. A cancelled ctx yields ctx.Err().
func (e *Engine) Read(ctx context.Context, reqs []ReadRequest, opts ReadOptions) ([]ReadResult, error) {
	e.mu.Lock()

	// "$" is fixed now, before any wait.
	resolved := make([]ReadRequest, len(reqs))
	for i, r := range reqs {
		resolved[i] = r
		if r.Latest {
			last, err := e.LastID(r.Key)
			if err != nil {
				e.mu.Unlock()
				return nil, err
			}
			resolved[i].After = last
			resolved[i].Latest = false
		}
	}

	results, err := e.collect(resolved, opts.Count)
	if err != nil || len(results) > 0 || !opts.Block {
		e.mu.Unlock()
		return results, err
	}

	w := &waiter{ready: make(chan struct{}, 1)}
	e.register(w, resolved)
	e.mu.Unlock()
	defer e.unregister(w, resolved)

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-w.ready:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// The wake may come from any of the keys, or from a flush; check
		// them all again.
		e.mu.Lock()
		results, err := e.collect(resolved, opts.Count)
		e.mu.Unlock()
		if err != nil || len(results) > 0 {
			return results, err
		}
	}
}

// collect gathers the qualifying entries of every request. The caller
// must hold e.mu.
func (e *Engine) collect(reqs []ReadRequest, count int) ([]ReadResult, error) {
	var results []ReadResult
	for _, r := range reqs {
		var entries []storage.StreamEntry
		_, err := e.ks.ViewStream(r.Key, func(s *storage.Stream) {
			if s.HasAfter(r.After) {
				entries = s.After(r.After, count)
			}
		})
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			results = append(results, ReadResult{Key: r.Key, Entries: entries})
		}
	}
	return results, nil
}

func (e *Engine) register(w *waiter, reqs []ReadRequest) {
	for _, r := range reqs {
		set, ok := e.waiters[r.Key]
		if !ok {
			set = make(map[*waiter]struct{})
			e.waiters[r.Key] = set
		}
		set[w] = struct{}{}
	}
}

func (e *Engine) unregister(w *waiter, reqs []ReadRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range reqs {
		set := e.waiters[r.Key]
		delete(set, w)
		if len(set) == 0 {
			delete(e.waiters, r.Key)
		}
	}
}

// notifyLocked wakes every waiter of key. The caller must hold e.mu.
func (e *Engine) notifyLocked(key string) {
	for w := range e.waiters[key] {
		w.wake()
	}
}

// Notify wakes the waiters of the given keys so they re-check their
// streams, for instance after the keys were deleted or overwritten.
func (e *Engine) Notify(keys ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, key := range keys {
		e.notifyLocked(key)
	}
}

// NotifyAll wakes every waiter, used after the whole keyspace was replaced.
func (e *Engine) NotifyAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, set := range e.waiters {
		for w := range set {
			w.wake()
		}
	}
}

// Waiters returns the number of blocked reads.
func (e *Engine) Waiters() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[*waiter]struct{})
	for _, set := range e.waiters {
		for w := range set {
			seen[w] = struct{}{}
		}
	}
	return len(seen)
}
