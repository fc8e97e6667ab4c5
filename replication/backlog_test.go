package replication

import (
	"bytes"
	"testing"
)

func TestBacklogSince(t *testing.T) {
	b := newBacklog(8, 100)

	b.write([]byte("abc"))
	b.write([]byte("def"))

	got, ok := b.since(101)
	if !ok || string(got) != "bcdef" {
		t.Fatalf("since(101) = %q, %v; want bcdef", got, ok)
	}
	if got, ok := b.since(106); !ok || len(got) != 0 {
		t.Errorf("since(end) = %q, %v; want empty", got, ok)
	}
	if _, ok := b.since(99); ok {
		t.Error("since before the first byte should fail")
	}
	if _, ok := b.since(107); ok {
		t.Error("since beyond the end should fail")
	}
}

func TestBacklogWrapAround(t *testing.T) {
	b := newBacklog(8, 0)

	var all []byte
	for _, chunk := range []string{"12345", "6789", "ab", "cdefghij", "k"} {
		b.write([]byte(chunk))
		all = append(all, chunk...)
	}

	// Only the last 8 bytes are retained.
	end := int64(len(all))
	got, ok := b.since(end - 8)
	if !ok || !bytes.Equal(got, all[len(all)-8:]) {
		t.Fatalf("since(end-8) = %q, %v; want %q", got, ok, all[len(all)-8:])
	}
	got, ok = b.since(end - 3)
	if !ok || string(got) != "ijk" {
		t.Errorf("since(end-3) = %q, %v; want ijk", got, ok)
	}
	if _, ok := b.since(end - 9); ok {
		t.Error("evicted offset should not be served")
	}
}

func TestBacklogOversizedWrite(t *testing.T) {
	b := newBacklog(4, 0)
	b.write([]byte("0123456789"))
	b.write([]byte("x"))

	got, ok := b.since(7)
	if !ok || string(got) != "789x" {
		t.Errorf("since(7) = %q, %v; want 789x", got, ok)
	}

	b.reset(50)
	if got, ok := b.since(50); !ok || len(got) != 0 {
		t.Errorf("since after reset = %q, %v", got, ok)
	}
	if _, ok := b.since(49); ok {
		t.Error("reset backlog should not serve older offsets")
	}
}
