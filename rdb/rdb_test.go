package rdb_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"

	"github.com/raniellyferreira/redis-inmemory-node/rdb"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

const testNow = int64(1_700_000_000_000)

func newKeyspace() *storage.Keyspace {
	return storage.New(storage.WithClock(func() int64 { return testNow }))
}

// seal wraps a record body in a header, EOF marker and checksum.
func seal(body []byte) []byte {
	out := append([]byte("REDIS0011"), body...)
	out = append(out, 0xFF)
	return binary.LittleEndian.AppendUint64(out, xxhash.Sum64(out))
}

func populated() *storage.Keyspace {
	ks := newKeyspace()
	ks.SetString("plain", []byte("hello world"), 0)
	ks.SetString("small-int", []byte("-7"), 0)
	ks.SetString("int", []byte("123456"), 0)
	ks.SetString("not-canonical", []byte("007"), 0)
	ks.SetString("empty", nil, 0)
	ks.SetString("ttl", []byte("soon"), testNow+60_000)
	ks.SetString("gone", []byte("expired"), testNow-1)
	ks.Set("list", storage.NewList([][]byte{[]byte("a"), []byte("1"), []byte("")}))

	s := storage.NewStream()
	for i := uint64(1); i <= 4; i++ {
		_ = s.Append(storage.StreamEntry{
			ID:     storage.EntryID{Ms: 1000 + i, Seq: i},
			Fields: []storage.Field{{Name: []byte("n"), Value: []byte{byte('0' + i)}}},
		})
	}
	s.TrimMaxLen(2)
	ks.Set("stream", storage.NewStreamValue(s))

	empty := storage.NewStream()
	empty.LastID = storage.EntryID{Ms: 5, Seq: 5}
	ks.Set("drained", storage.NewStreamValue(empty))
	return ks
}

func TestRoundTrip(t *testing.T) {
	src := populated()

	var buf bytes.Buffer
	stats, err := rdb.Encode(&buf, src)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if stats.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", stats.Skipped)
	}
	if stats.Bytes != int64(buf.Len()) {
		t.Errorf("Bytes = %d, buffer has %d", stats.Bytes, buf.Len())
	}

	dst := newKeyspace()
	dst.SetString("stale", []byte("x"), 0)
	loaded, err := rdb.Decode(bytes.NewReader(buf.Bytes()), dst)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if loaded.Keys != stats.Keys {
		t.Errorf("decoded %d keys, encoded %d", loaded.Keys, stats.Keys)
	}

	if dst.Exists("stale") != 0 {
		t.Error("Decode should replace the previous contents")
	}
	if dst.Exists("gone") != 0 {
		t.Error("expired key should not be encoded")
	}

	for _, key := range []string{"plain", "small-int", "int", "not-canonical", "empty", "ttl", "list", "stream", "drained"} {
		want, _ := src.Get(key)
		got, ok := dst.Get(key)
		if !ok {
			t.Errorf("key %q missing after round trip", key)
			continue
		}
		if !storage.Equal(want, got) {
			t.Errorf("key %q differs after round trip", key)
		}
	}

	v, _ := dst.Get("drained")
	if last := v.Data.(*storage.Stream).LastID; last != (storage.EntryID{Ms: 5, Seq: 5}) {
		t.Errorf("drained stream LastID = %v, want 5-5", last)
	}
}

func TestDecodeEncodings(t *testing.T) {
	body := []byte{
		0x00, 0x01, 'i', 0xC0, 0x7B, // "i" -> int8 123
		0x00, 0x01, 'j', 0xC1, 0x00, 0x80, // "j" -> int16 -32768
		0x00, 0x01, 'l', 0xC3, 0x05, 0x07, 0x01, 'a', 'b', 0x60, 0x01, // "l" -> lzf
		0xFC,
	}
	body = binary.LittleEndian.AppendUint64(body, uint64(testNow+5000))
	body = append(body, 0x00, 0x01, 't', 0x01, 'v')

	dst := newKeyspace()
	if _, err := rdb.Decode(bytes.NewReader(seal(body)), dst); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	cases := map[string]string{"i": "123", "j": "-32768", "l": "abababa", "t": "v"}
	for key, want := range cases {
		got, ok, err := dst.GetString(key)
		if err != nil || !ok || string(got) != want {
			t.Errorf("GetString(%q) = %q, %v, %v; want %q", key, got, ok, err, want)
		}
	}
	if ttl := dst.PTTL("t"); ttl != 5000 {
		t.Errorf("PTTL(t) = %d, want 5000", ttl)
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	if _, err := rdb.Encode(&buf, populated()); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	good := buf.Bytes()

	flip := func(i int) []byte {
		b := bytes.Clone(good)
		b[i] ^= 0xFF
		return b
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"checksum byte", flip(len(good) - 1)},
		{"payload byte", flip(len(good) / 2)},
		{"truncated body", good[:len(good)/2]},
		{"truncated checksum", good[:len(good)-3]},
		{"trailing data", append(bytes.Clone(good), 'x')},
		{"bad magic", append([]byte("RADIS"), good[5:]...)},
		{"future version", append([]byte("REDIS0099"), good[9:]...)},
		{"empty", nil},
		{"unknown type", seal([]byte{0x09, 0x01, 'k', 0x01, 'v'})},
		{"lzf length beyond expansion", seal([]byte{0x00, 0x01, 'k', 0xC3, 0x01, 0x43, 0xE8, 0x00})},
		{"duplicate key", seal([]byte{0x00, 0x01, 'k', 0x01, 'a', 0x00, 0x01, 'k', 0x01, 'b'})},
		{"stream out of order", seal(append(append([]byte{0x80, 0x01, 's'},
			make([]byte, 16)...), 0x02,
			0, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0, 0x00,
			0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0x00,
		))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := newKeyspace()
			dst.SetString("keep", []byte("me"), 0)

			_, err := rdb.Decode(bytes.NewReader(tt.data), dst)
			if !errors.Is(err, rdb.ErrCorruptSnapshot) {
				t.Fatalf("Decode() error = %v, want ErrCorruptSnapshot", err)
			}
			var ce *rdb.CorruptError
			if !errors.As(err, &ce) {
				t.Fatalf("error %T is not a *CorruptError", err)
			}

			if got, ok, _ := dst.GetString("keep"); !ok || string(got) != "me" {
				t.Error("failed decode must leave the destination untouched")
			}
			if dst.Len() != 1 {
				t.Errorf("destination has %d keys, want 1", dst.Len())
			}
		})
	}
}

func TestSaveAndLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.rdb")

	dst := newKeyspace()
	loaded, _, err := rdb.LoadFile(path, dst)
	if err != nil || loaded {
		t.Fatalf("LoadFile(missing) = %v, %v; want false, nil", loaded, err)
	}

	src := populated()
	if _, err := rdb.SaveFile(path, src); err != nil {
		t.Fatalf("SaveFile() error = %v", err)
	}
	// Saving twice replaces the file in place.
	src.SetString("late", []byte("write"), 0)
	if _, err := rdb.SaveFile(path, src); err != nil {
		t.Fatalf("SaveFile() error = %v", err)
	}

	loaded, stats, err := rdb.LoadFile(path, dst)
	if err != nil || !loaded {
		t.Fatalf("LoadFile() = %v, %v", loaded, err)
	}
	if stats.Keys != dst.Len() {
		t.Errorf("stats.Keys = %d, keyspace has %d", stats.Keys, dst.Len())
	}
	if got, ok, _ := dst.GetString("late"); !ok || string(got) != "write" {
		t.Error("second save was not loaded")
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "temp-*"))
	if len(matches) != 0 {
		t.Errorf("temporary files left behind: %v", matches)
	}
}
