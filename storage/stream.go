package storage

import "sort"

// Field is one name/value pair of a stream entry
type Field struct {
	Name  []byte
	Value []byte
}

// StreamEntry is an immutable stream record
type StreamEntry struct {
	ID     EntryID
	Fields []Field
}

// Stream is an append-only log of entries ordered by id. LastID is the
// highest id ever appended and survives trimming.
type Stream struct {
	Entries []StreamEntry
	LastID  EntryID
}

// NewStream returns an empty stream
func NewStream() *Stream {
	return &Stream{}
}

// Len returns the number of entries currently in the log
func (s *Stream) Len() int {
	return len(s.Entries)
}

// Append adds an entry whose id must be strictly greater than LastID.
func (s *Stream) Append(e StreamEntry) error {
	if e.ID.IsZero() {
		return ErrEntryIDZero
	}
	if !s.LastID.Less(e.ID) {
		return ErrInvalidEntryID
	}
	s.Entries = append(s.Entries, e)
	s.LastID = e.ID
	return nil
}

// search returns the index of the first entry with id >= target
func (s *Stream) search(target EntryID) int {
	return sort.Search(len(s.Entries), func(i int) bool {
		return !s.Entries[i].ID.Less(target)
	})
}

// Range returns entries with start <= id <= end in ascending order.
// count <= 0 means no limit.
func (s *Stream) Range(start, end EntryID, count int) []StreamEntry {
	if end.Less(start) {
		return nil
	}
	lo := s.search(start)
	hi := lo
	for hi < len(s.Entries) && !end.Less(s.Entries[hi].ID) {
		hi++
		if count > 0 && hi-lo == count {
			break
		}
	}
	return s.copyRange(lo, hi)
}

// RevRange returns entries with start <= id <= end in descending order.
func (s *Stream) RevRange(end, start EntryID, count int) []StreamEntry {
	if end.Less(start) {
		return nil
	}
	lo := s.search(start)
	// first index with id > end
	hi := sort.Search(len(s.Entries), func(i int) bool {
		return end.Less(s.Entries[i].ID)
	})
	var out []StreamEntry
	for i := hi - 1; i >= lo; i-- {
		out = append(out, s.Entries[i])
		if count > 0 && len(out) == count {
			break
		}
	}
	return out
}

// After returns entries with id strictly greater than after.
func (s *Stream) After(after EntryID, count int) []StreamEntry {
	next, ok := after.Next()
	if !ok {
		return nil
	}
	return s.Range(next, MaxID, count)
}

// HasAfter reports whether any entry has an id greater than after.
func (s *Stream) HasAfter(after EntryID) bool {
	return len(s.Entries) > 0 && after.Less(s.Entries[len(s.Entries)-1].ID)
}

// TrimMaxLen evicts the oldest entries until at most maxLen remain.
// It returns the number of evicted entries.
func (s *Stream) TrimMaxLen(maxLen int) int {
	if maxLen < 0 || len(s.Entries) <= maxLen {
		return 0
	}
	n := len(s.Entries) - maxLen
	s.dropFront(n)
	return n
}

// TrimMinID evicts every entry with id < minID.
func (s *Stream) TrimMinID(minID EntryID) int {
	n := s.search(minID)
	s.dropFront(n)
	return n
}

func (s *Stream) dropFront(n int) {
	if n == 0 {
		return
	}
	rest := make([]StreamEntry, len(s.Entries)-n)
	copy(rest, s.Entries[n:])
	s.Entries = rest
}

func (s *Stream) copyRange(lo, hi int) []StreamEntry {
	if lo >= hi {
		return nil
	}
	out := make([]StreamEntry, hi-lo)
	copy(out, s.Entries[lo:hi])
	return out
}

// Equal reports whether two streams hold the same entries and last id.
func (s *Stream) Equal(other *Stream) bool {
	if s.LastID != other.LastID || len(s.Entries) != len(other.Entries) {
		return false
	}
	for i := range s.Entries {
		a, b := s.Entries[i], other.Entries[i]
		if a.ID != b.ID || len(a.Fields) != len(b.Fields) {
			return false
		}
		for j := range a.Fields {
			if string(a.Fields[j].Name) != string(b.Fields[j].Name) ||
				string(a.Fields[j].Value) != string(b.Fields[j].Value) {
				return false
			}
		}
	}
	return true
}
