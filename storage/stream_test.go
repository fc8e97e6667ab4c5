package storage_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

func entry(ms, seq uint64, kv ...string) storage.StreamEntry {
	e := storage.StreamEntry{ID: id(ms, seq)}
	for i := 0; i+1 < len(kv); i += 2 {
		e.Fields = append(e.Fields, storage.Field{Name: []byte(kv[i]), Value: []byte(kv[i+1])})
	}
	return e
}

func ids(entries []storage.StreamEntry) string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID.String()
	}
	return fmt.Sprint(out)
}

func buildStream(t *testing.T) *storage.Stream {
	t.Helper()
	s := storage.NewStream()
	for _, e := range []storage.StreamEntry{
		entry(1, 0, "a", "1"), entry(1, 1, "a", "2"), entry(2, 0, "a", "3"), entry(3, 5, "a", "4"), entry(7, 0, "a", "5"),
	} {
		if err := s.Append(e); err != nil {
			t.Fatalf("Append(%s) error = %v", e.ID, err)
		}
	}
	return s
}

func TestStreamAppendOrdering(t *testing.T) {
	s := buildStream(t)

	if err := s.Append(entry(7, 0)); !errors.Is(err, storage.ErrInvalidEntryID) {
		t.Errorf("Append(equal) error = %v, want ErrInvalidEntryID", err)
	}
	if err := s.Append(entry(2, 9)); !errors.Is(err, storage.ErrInvalidEntryID) {
		t.Errorf("Append(smaller) error = %v, want ErrInvalidEntryID", err)
	}
	if s.Len() != 5 || s.LastID != id(7, 0) {
		t.Errorf("stream changed by failed appends: len=%d last=%s", s.Len(), s.LastID)
	}
}

func TestStreamRange(t *testing.T) {
	s := buildStream(t)

	tests := []struct {
		name       string
		start, end storage.EntryID
		count      int
		want       string
	}{
		{"everything", storage.MinID, storage.MaxID, 0, "[1-0 1-1 2-0 3-5 7-0]"},
		{"count", storage.MinID, storage.MaxID, 2, "[1-0 1-1]"},
		{"inclusive bounds", id(1, 1), id(3, 5), 0, "[1-1 2-0 3-5]"},
		{"between entries", id(2, 1), id(6, 0), 0, "[3-5]"},
		{"empty", id(4, 0), id(5, 0), 0, "[]"},
		{"inverted", id(7, 0), id(1, 0), 0, "[]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ids(s.Range(tt.start, tt.end, tt.count)); got != tt.want {
				t.Errorf("Range() = %s, want %s", got, tt.want)
			}
		})
	}

	if got := ids(s.RevRange(storage.MaxID, storage.MinID, 3)); got != "[7-0 3-5 2-0]" {
		t.Errorf("RevRange() = %s", got)
	}
	if got := ids(s.RevRange(id(2, 0), id(1, 1), 0)); got != "[2-0 1-1]" {
		t.Errorf("RevRange(bounded) = %s", got)
	}
	if got := ids(s.After(id(2, 0), 0)); got != "[3-5 7-0]" {
		t.Errorf("After() = %s", got)
	}
	if s.HasAfter(id(7, 0)) || !s.HasAfter(id(6, 9)) {
		t.Error("HasAfter() wrong")
	}
}

func TestStreamTrimKeepsLastID(t *testing.T) {
	s := buildStream(t)

	if n := s.TrimMaxLen(2); n != 3 {
		t.Errorf("TrimMaxLen() = %d, want 3", n)
	}
	if got := ids(s.Entries); got != "[3-5 7-0]" {
		t.Errorf("entries after trim = %s", got)
	}

	if n := s.TrimMinID(id(7, 0)); n != 1 {
		t.Errorf("TrimMinID() = %d, want 1", n)
	}
	if n := s.TrimMaxLen(0); n != 1 {
		t.Errorf("TrimMaxLen(0) = %d, want 1", n)
	}
	if s.Len() != 0 || s.LastID != id(7, 0) {
		t.Errorf("len=%d last=%s, want 0 and 7-0", s.Len(), s.LastID)
	}
	if err := s.Append(entry(6, 0)); !errors.Is(err, storage.ErrInvalidEntryID) {
		t.Errorf("append below last id after trim error = %v", err)
	}
}

func TestStreamRangeResultIsStable(t *testing.T) {
	s := buildStream(t)
	got := s.Range(storage.MinID, storage.MaxID, 0)
	s.TrimMaxLen(1)
	s.Append(entry(8, 0))

	if ids(got) != "[1-0 1-1 2-0 3-5 7-0]" {
		t.Errorf("earlier range result changed: %s", ids(got))
	}
}

func TestValueEqual(t *testing.T) {
	a := storage.NewStreamValue(buildStream(t))
	b := a.Clone()
	if !storage.Equal(a, b) {
		t.Fatal("clone should be equal")
	}
	b.ExpiresAt = 1
	if storage.Equal(a, b) {
		t.Error("different expiry should not be equal")
	}
	if storage.Equal(storage.NewString([]byte("x"), 0), storage.NewList([][]byte{[]byte("x")})) {
		t.Error("different variants should not be equal")
	}
}
