package storage

import (
	randv2 "math/rand/v2"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shard represents a single shard of data with its own lock
type shard struct {
	mu   sync.RWMutex
	data map[string]*Value
}

// Keyspace maps keys to typed values with optional expiry.
//
// Reads hide logically expired values but never delete them unless no
// ExpiryObserver is installed. Mutations act on the physical state, so a
// replica that applies the same commands as its primary ends up with the
// same keys regardless of clock skew. Callers are expected to serialize
// mutations; per-shard locks only protect readers from torn state.
type Keyspace struct {
	// mu guards the shard table itself; Replace and FlushAll swap it.
	mu        sync.RWMutex
	shards    []shard
	shardMask uint64

	now      func() int64
	observer ExpiryObserver

	rngMu sync.Mutex
	rng   *randv2.Rand
}

// Option configures a Keyspace
type Option func(*Keyspace)

// WithShardCount sets the number of shards, rounded up to a power of 2.
func WithShardCount(count int) Option {
	return func(k *Keyspace) {
		if count > 0 {
			n := nextPowerOf2(count)
			k.shards = make([]shard, n)
			k.shardMask = uint64(n - 1)
		}
	}
}

// WithClock overrides the wall clock used for expiry, in unix milliseconds.
func WithClock(now func() int64) Option {
	return func(k *Keyspace) {
		if now != nil {
			k.now = now
		}
	}
}

// WithExpiryObserver installs an observer for expired keys seen by reads.
func WithExpiryObserver(o ExpiryObserver) Option {
	return func(k *Keyspace) {
		k.observer = o
	}
}

// New creates an empty keyspace with 64 shards by default
func New(opts ...Option) *Keyspace {
	k := &Keyspace{
		shards:    make([]shard, 64),
		shardMask: 63,
		now:       func() int64 { return time.Now().UnixMilli() },
		rng:       randv2.New(randv2.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for _, opt := range opts {
		opt(k)
	}
	initShards(k.shards)
	return k
}

// NewEmpty returns an empty keyspace with k's shard count and clock, for
// staging contents that Replace installs later.
func (k *Keyspace) NewEmpty() *Keyspace {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return New(WithShardCount(len(k.shards)), WithClock(k.now))
}

// SetExpiryObserver replaces the expiry observer.
func (k *Keyspace) SetExpiryObserver(o ExpiryObserver) {
	k.mu.Lock()
	k.observer = o
	k.mu.Unlock()
}

func initShards(shards []shard) {
	for i := range shards {
		shards[i].data = make(map[string]*Value)
	}
}

// nextPowerOf2 returns the next power of 2 >= n
func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// Now returns the keyspace clock in unix milliseconds
func (k *Keyspace) Now() int64 {
	return k.now()
}

// shardFor returns the shard of key. The caller must hold k.mu.
func (k *Keyspace) shardFor(key string) *shard {
	return &k.shards[xxhash.Sum64String(key)&k.shardMask]
}

// read runs fn on the live value of key under a shard read lock. fn
// receives nil when the key is absent or expired.
func (k *Keyspace) read(key string, fn func(v *Value)) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	sh := k.shardFor(key)
	sh.mu.RLock()
	v, ok := sh.data[key]
	expired := ok && v.ExpiredAt(k.now())
	if !ok || expired {
		v = nil
	}
	fn(v)
	sh.mu.RUnlock()

	if expired {
		k.expired(sh, key)
	}
}

// expired handles a key a read found expired. The caller must hold k.mu.
func (k *Keyspace) expired(sh *shard, key string) {
	if k.observer != nil {
		k.observer.OnKeyExpired(key)
		return
	}
	sh.mu.Lock()
	if v, ok := sh.data[key]; ok && v.ExpiredAt(k.now()) {
		delete(sh.data, key)
	}
	sh.mu.Unlock()
}

// write runs fn under the shard write lock with the physical value of key.
func (k *Keyspace) write(key string, fn func(sh *shard, v *Value, ok bool)) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	sh := k.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.data[key]
	fn(sh, v, ok)
}

// Get returns a copy of the live value stored at key.
func (k *Keyspace) Get(key string) (*Value, bool) {
	var out *Value
	k.read(key, func(v *Value) {
		if v != nil {
			out = v.Clone()
		}
	})
	return out, out != nil
}

// GetString returns the string stored at key.
func (k *Keyspace) GetString(key string) ([]byte, bool, error) {
	var (
		out []byte
		ok  bool
		err error
	)
	k.read(key, func(v *Value) {
		if v == nil {
			return
		}
		s, isString := v.Data.(StringValue)
		if !isString {
			err = ErrWrongType
			return
		}
		out, ok = append([]byte(nil), s...), true
	})
	return out, ok, err
}

// ViewList runs fn on the list at key under a read lock. fn must not
// retain or modify the list.
func (k *Keyspace) ViewList(key string, fn func(l *ListValue)) (bool, error) {
	var (
		ok  bool
		err error
	)
	k.read(key, func(v *Value) {
		if v == nil {
			return
		}
		l, isList := v.Data.(*ListValue)
		if !isList {
			err = ErrWrongType
			return
		}
		ok = true
		fn(l)
	})
	return ok, err
}

// ViewStream runs fn on the stream at key under a read lock. fn must not
// retain or modify the stream.
func (k *Keyspace) ViewStream(key string, fn func(s *Stream)) (bool, error) {
	var (
		ok  bool
		err error
	)
	k.read(key, func(v *Value) {
		if v == nil {
			return
		}
		s, isStream := v.Data.(*Stream)
		if !isStream {
			err = ErrWrongType
			return
		}
		ok = true
		fn(s)
	})
	return ok, err
}

// Exists counts the live keys among keys. Repeated keys count repeatedly.
func (k *Keyspace) Exists(keys ...string) int64 {
	var n int64
	for _, key := range keys {
		k.read(key, func(v *Value) {
			if v != nil {
				n++
			}
		})
	}
	return n
}

// Type returns the variant of the live value at key
func (k *Keyspace) Type(key string) ValueType {
	t := ValueTypeNone
	k.read(key, func(v *Value) {
		t = v.Type()
	})
	return t
}

// PTTL returns the remaining time to live in milliseconds, -1 for a
// persistent key and -2 for a missing one.
func (k *Keyspace) PTTL(key string) int64 {
	ttl := int64(-2)
	k.read(key, func(v *Value) {
		switch {
		case v == nil:
		case v.ExpiresAt == 0:
			ttl = -1
		default:
			ttl = v.ExpiresAt - k.now()
		}
	})
	return ttl
}

// HasExpired reports whether key is physically present but logically expired.
func (k *Keyspace) HasExpired(key string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()

	sh := k.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.data[key]
	return ok && v.ExpiredAt(k.now())
}

// Keys returns the live keys matching a glob pattern.
func (k *Keyspace) Keys(pattern string) []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	now := k.now()
	keys := make([]string, 0)
	for i := range k.shards {
		sh := &k.shards[i]
		sh.mu.RLock()
		for key, v := range sh.data {
			if !v.ExpiredAt(now) && MatchPattern(key, pattern) {
				keys = append(keys, key)
			}
		}
		sh.mu.RUnlock()
	}
	return keys
}

// Len returns the number of physically stored keys, expired ones included.
func (k *Keyspace) Len() int64 {
	keys, _ := k.Stats()
	return keys
}

// Stats returns the number of stored keys and how many of them carry an expiry.
func (k *Keyspace) Stats() (keys, expires int64) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	for i := range k.shards {
		sh := &k.shards[i]
		sh.mu.RLock()
		keys += int64(len(sh.data))
		for _, v := range sh.data {
			if v.ExpiresAt != 0 {
				expires++
			}
		}
		sh.mu.RUnlock()
	}
	return keys, expires
}

// ForEach calls fn for every stored key, expired ones included, until fn
// returns an error. Values are passed by reference and must not be
// modified. Each shard is read locked while it is visited; callers that
// need a point-in-time view must exclude writers themselves.
func (k *Keyspace) ForEach(fn func(key string, v *Value) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	for i := range k.shards {
		sh := &k.shards[i]
		sh.mu.RLock()
		for key, v := range sh.data {
			if err := fn(key, v); err != nil {
				sh.mu.RUnlock()
				return err
			}
		}
		sh.mu.RUnlock()
	}
	return nil
}

// Set stores v at key, replacing any previous value.
func (k *Keyspace) Set(key string, v *Value) {
	k.write(key, func(sh *shard, _ *Value, _ bool) {
		sh.data[key] = v
	})
}

// SetString stores a string with an optional expiry in unix milliseconds.
func (k *Keyspace) SetString(key string, data []byte, expiresAt int64) {
	k.Set(key, NewString(data, expiresAt))
}

// Delete removes keys and returns how many were present.
func (k *Keyspace) Delete(keys ...string) int64 {
	var n int64
	for _, key := range keys {
		k.write(key, func(sh *shard, _ *Value, ok bool) {
			if ok {
				delete(sh.data, key)
				n++
			}
		})
	}
	return n
}

// DeleteIfExpired removes key only if it is logically expired.
func (k *Keyspace) DeleteIfExpired(key string) bool {
	deleted := false
	k.write(key, func(sh *shard, v *Value, ok bool) {
		if ok && v.ExpiredAt(k.now()) {
			delete(sh.data, key)
			deleted = true
		}
	})
	return deleted
}

// SetExpiry sets the absolute expiry of key. It returns false if the key
// is not stored.
func (k *Keyspace) SetExpiry(key string, expiresAt int64) bool {
	found := false
	k.write(key, func(_ *shard, v *Value, ok bool) {
		if ok {
			v.ExpiresAt = expiresAt
			found = true
		}
	})
	return found
}

// Persist clears the expiry of key. It returns false if the key is not
// stored or had no expiry.
func (k *Keyspace) Persist(key string) bool {
	cleared := false
	k.write(key, func(_ *shard, v *Value, ok bool) {
		if ok && v.ExpiresAt != 0 {
			v.ExpiresAt = 0
			cleared = true
		}
	})
	return cleared
}

// UpdateList runs fn on the list at key under the shard write lock. When
// create is set a missing key starts as an empty list; otherwise fn is not
// called and ok is false. A list left empty by fn is removed.
func (k *Keyspace) UpdateList(key string, create bool, fn func(l *ListValue) error) (ok bool, err error) {
	k.write(key, func(sh *shard, v *Value, exists bool) {
		if !exists {
			if !create {
				return
			}
			v = NewList(nil)
		}
		l, isList := v.Data.(*ListValue)
		if !isList {
			err = ErrWrongType
			return
		}
		ok = true
		if err = fn(l); err != nil {
			return
		}
		if len(l.Elements) == 0 {
			delete(sh.data, key)
			return
		}
		sh.data[key] = v
	})
	return ok, err
}

// UpdateStream runs fn on the stream at key under the shard write lock.
// When create is set a missing key starts as an empty stream, which is only
// stored if fn succeeds.
func (k *Keyspace) UpdateStream(key string, create bool, fn func(s *Stream) error) (ok bool, err error) {
	k.write(key, func(sh *shard, v *Value, exists bool) {
		if !exists {
			if !create {
				return
			}
			v = NewStreamValue(NewStream())
		}
		s, isStream := v.Data.(*Stream)
		if !isStream {
			err = ErrWrongType
			return
		}
		ok = true
		if err = fn(s); err != nil {
			return
		}
		sh.data[key] = v
	})
	return ok, err
}

// FlushAll removes every key
func (k *Keyspace) FlushAll() {
	k.mu.Lock()
	defer k.mu.Unlock()

	shards := make([]shard, len(k.shards))
	initShards(shards)
	k.shards = shards
}

// Replace atomically installs the contents of other, discarding the
// current contents. other must not be used afterwards.
func (k *Keyspace) Replace(other *Keyspace) {
	other.mu.Lock()
	shards := other.shards
	other.shards = nil
	other.mu.Unlock()

	if len(shards) != len(k.shards) {
		rehashed := make([]shard, len(k.shards))
		initShards(rehashed)
		for i := range shards {
			for key, v := range shards[i].data {
				rehashed[xxhash.Sum64String(key)&k.shardMask].data[key] = v
			}
		}
		shards = rehashed
	}

	k.mu.Lock()
	k.shards = shards
	k.mu.Unlock()
}

// SampleExpired finds logically expired keys by sampling each shard the way
// Redis's active expiry cycle does. Nothing is deleted; purge is called
// with batches of candidates and is expected to delete them through the
// write path.
func (k *Keyspace) SampleExpired(config CleanupConfig, purge func(keys []string)) int {
	if config.SampleSize <= 0 || config.MaxRounds <= 0 {
		return 0
	}
	if config.BatchSize <= 0 {
		config.BatchSize = config.SampleSize
	}

	k.mu.RLock()
	count := len(k.shards)
	k.mu.RUnlock()

	total := 0
	for i := 0; i < count; i++ {
		for round := 0; round < config.MaxRounds; round++ {
			expired := k.sampleShard(i, config.SampleSize)
			if len(expired) == 0 {
				break
			}

			for start := 0; start < len(expired); start += config.BatchSize {
				end := min(start+config.BatchSize, len(expired))
				purge(expired[start:end])
			}
			total += len(expired)

			if float64(len(expired))/float64(config.SampleSize) < config.ExpiredThreshold {
				break
			}
		}
	}
	return total
}

// sampleShard returns the expired keys among a reservoir sample of shard i
func (k *Keyspace) sampleShard(i, sampleSize int) []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if i >= len(k.shards) {
		return nil
	}

	sh := &k.shards[i]
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if len(sh.data) == 0 {
		return nil
	}

	sampled := make([]string, 0, min(sampleSize, len(sh.data)))
	k.rngMu.Lock()
	n := 0
	for key := range sh.data {
		if n < sampleSize {
			sampled = append(sampled, key)
		} else if j := k.rng.IntN(n + 1); j < sampleSize {
			sampled[j] = key
		}
		n++
	}
	k.rngMu.Unlock()

	now := k.now()
	expired := sampled[:0]
	for _, key := range sampled {
		if sh.data[key].ExpiredAt(now) {
			expired = append(expired, key)
		}
	}
	return expired
}
