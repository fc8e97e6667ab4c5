package replication

// backlog keeps the most recent bytes of the replication stream so a
// replica that briefly lost its link can resume without a full resync.
// Offsets are global stream positions: the backlog holds the bytes
// [end-held, end).
type backlog struct {
	buf  []byte
	pos  int
	held int
	end  int64
}

func newBacklog(size int, start int64) *backlog {
	if size <= 0 {
		size = 1
	}
	return &backlog{buf: make([]byte, size), end: start}
}

func (b *backlog) write(p []byte) {
	size := len(b.buf)
	b.end += int64(len(p))
	if len(p) >= size {
		copy(b.buf, p[len(p)-size:])
		b.pos = 0
		b.held = size
		return
	}

	n := copy(b.buf[b.pos:], p)
	copy(b.buf, p[n:])
	b.pos = (b.pos + len(p)) % size
	b.held = min(b.held+len(p), size)
}

// since returns a copy of the bytes from offset to the end of the stream.
// ok is false when offset is outside the retained window.
func (b *backlog) since(offset int64) (out []byte, ok bool) {
	if offset > b.end || offset < b.end-int64(b.held) {
		return nil, false
	}
	n := int(b.end - offset)
	out = make([]byte, n)
	size := len(b.buf)
	start := (b.pos - n + size) % size
	if start+n <= size {
		copy(out, b.buf[start:start+n])
	} else {
		k := copy(out, b.buf[start:])
		copy(out[k:], b.buf[:n-k])
	}
	return out, true
}

// reset discards the retained bytes and restarts the window at offset.
func (b *backlog) reset(offset int64) {
	b.pos = 0
	b.held = 0
	b.end = offset
}
