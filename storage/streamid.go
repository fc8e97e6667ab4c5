package storage

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrInvalidEntryID is returned when an id is not strictly greater than
	// the stream's last id.
	ErrInvalidEntryID = errors.New("ERR The ID specified in XADD is equal or smaller than the target stream top item")

	// ErrEntryIDZero is returned for an explicit 0-0 id. It matches
	// ErrInvalidEntryID under errors.Is.
	ErrEntryIDZero error = invalidIDError("ERR The ID specified in XADD must be greater than 0-0")

	// ErrEntryIDSyntax is returned for ids that cannot be parsed.
	ErrEntryIDSyntax = errors.New("ERR Invalid stream ID specified as stream command argument")
)

type invalidIDError string

func (e invalidIDError) Error() string { return string(e) }

func (e invalidIDError) Is(target error) bool { return target == ErrInvalidEntryID }

// EntryID identifies a stream entry. IDs are ordered by (Ms, Seq).
type EntryID struct {
	Ms  uint64
	Seq uint64
}

var (
	// MinID is the smallest possible id, used for "-"
	MinID = EntryID{}
	// MaxID is the largest possible id, used for "+"
	MaxID = EntryID{Ms: math.MaxUint64, Seq: math.MaxUint64}
)

// Compare returns -1, 0 or +1
func (id EntryID) Compare(other EntryID) int {
	switch {
	case id.Ms < other.Ms:
		return -1
	case id.Ms > other.Ms:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

// Less reports whether id sorts before other
func (id EntryID) Less(other EntryID) bool {
	return id.Compare(other) < 0
}

// IsZero reports whether id is 0-0
func (id EntryID) IsZero() bool {
	return id.Ms == 0 && id.Seq == 0
}

// String formats the id as "<ms>-<seq>"
func (id EntryID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Next returns the smallest id greater than id. ok is false for MaxID.
func (id EntryID) Next() (EntryID, bool) {
	if id.Seq < math.MaxUint64 {
		return EntryID{Ms: id.Ms, Seq: id.Seq + 1}, true
	}
	if id.Ms < math.MaxUint64 {
		return EntryID{Ms: id.Ms + 1}, true
	}
	return id, false
}

// Prev returns the largest id smaller than id. ok is false for MinID.
func (id EntryID) Prev() (EntryID, bool) {
	if id.Seq > 0 {
		return EntryID{Ms: id.Ms, Seq: id.Seq - 1}, true
	}
	if id.Ms > 0 {
		return EntryID{Ms: id.Ms - 1, Seq: math.MaxUint64}, true
	}
	return id, false
}

// ParseEntryID parses "<ms>-<seq>" or "<ms>". A missing sequence is
// replaced by defaultSeq.
func ParseEntryID(s string, defaultSeq uint64) (EntryID, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return EntryID{}, ErrEntryIDSyntax
	}
	if !hasSeq {
		return EntryID{Ms: ms, Seq: defaultSeq}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return EntryID{}, ErrEntryIDSyntax
	}
	return EntryID{Ms: ms, Seq: seq}, nil
}

// IDSpecKind tells how much of an id the caller supplied.
type IDSpecKind int

const (
	// IDAuto is "*": both parts are generated
	IDAuto IDSpecKind = iota
	// IDPartial is "<ms>-*": the sequence is generated
	IDPartial
	// IDExplicit is "<ms>-<seq>"
	IDExplicit
)

// IDSpec is an id argument to XADD before resolution.
type IDSpec struct {
	Kind IDSpecKind
	ID   EntryID
}

// ParseIDSpec parses "*", "<ms>-*", "<ms>-<seq>" or "<ms>".
func ParseIDSpec(s string) (IDSpec, error) {
	if s == "*" {
		return IDSpec{Kind: IDAuto}, nil
	}
	if ms, ok := strings.CutSuffix(s, "-*"); ok {
		v, err := strconv.ParseUint(ms, 10, 64)
		if err != nil {
			return IDSpec{}, ErrEntryIDSyntax
		}
		return IDSpec{Kind: IDPartial, ID: EntryID{Ms: v}}, nil
	}
	id, err := ParseEntryID(s, 0)
	if err != nil {
		return IDSpec{}, err
	}
	return IDSpec{Kind: IDExplicit, ID: id}, nil
}

// Resolve produces the concrete id for an append to a stream whose last id
// is last, given the wall clock nowMs. The result is deterministic in
// (nowMs, last) and always strictly greater than last.
func (spec IDSpec) Resolve(last EntryID, nowMs uint64) (EntryID, error) {
	switch spec.Kind {
	case IDAuto:
		ms := nowMs
		if ms <= last.Ms {
			next, ok := last.Next()
			if !ok {
				return EntryID{}, ErrInvalidEntryID
			}
			return next, nil
		}
		return EntryID{Ms: ms}, nil

	case IDPartial:
		ms := spec.ID.Ms
		switch {
		case ms < last.Ms:
			return EntryID{}, ErrInvalidEntryID
		case ms == last.Ms:
			if last.Seq == math.MaxUint64 {
				return EntryID{}, ErrInvalidEntryID
			}
			// covers the empty stream too: 0-* resolves to 0-1
			return EntryID{Ms: ms, Seq: last.Seq + 1}, nil
		default:
			return EntryID{Ms: ms}, nil
		}

	default:
		if spec.ID.IsZero() {
			return EntryID{}, ErrEntryIDZero
		}
		if !last.Less(spec.ID) {
			return EntryID{}, ErrInvalidEntryID
		}
		return spec.ID, nil
	}
}

// ParseRangeStart parses the lower bound of XRANGE. It accepts "-", ids,
// bare milliseconds and an exclusive "(" prefix. ok is false when the bound
// excludes every id.
func ParseRangeStart(s string) (id EntryID, ok bool, err error) {
	if s == "-" {
		return MinID, true, nil
	}
	if s == "+" {
		return MaxID, true, nil
	}
	if rest, exclusive := strings.CutPrefix(s, "("); exclusive {
		id, err := ParseEntryID(rest, 0)
		if err != nil {
			return EntryID{}, false, err
		}
		next, ok := id.Next()
		return next, ok, nil
	}
	id, err = ParseEntryID(s, 0)
	return id, err == nil, err
}

// ParseRangeEnd parses the upper bound of XRANGE. A bare millisecond value
// includes every sequence number in that millisecond.
func ParseRangeEnd(s string) (id EntryID, ok bool, err error) {
	if s == "+" {
		return MaxID, true, nil
	}
	if s == "-" {
		return MinID, true, nil
	}
	if rest, exclusive := strings.CutPrefix(s, "("); exclusive {
		id, err := ParseEntryID(rest, math.MaxUint64)
		if err != nil {
			return EntryID{}, false, err
		}
		prev, ok := id.Prev()
		return prev, ok, nil
	}
	id, err = ParseEntryID(s, math.MaxUint64)
	return id, err == nil, err
}
