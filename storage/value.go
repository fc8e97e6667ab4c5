package storage

import "fmt"

// ValueType represents the Redis data type of a stored value
type ValueType int

const (
	ValueTypeNone ValueType = iota
	ValueTypeString
	ValueTypeList
	ValueTypeStream
)

// String returns the Redis-compatible type name
func (vt ValueType) String() string {
	switch vt {
	case ValueTypeString:
		return "string"
	case ValueTypeList:
		return "list"
	case ValueTypeStream:
		return "stream"
	default:
		return "none"
	}
}

// Data is the payload of a Value. The set of implementations is closed:
// StringValue, *ListValue and *Stream.
type Data interface {
	Type() ValueType
	clone() Data
}

// Value is a stored value with its optional absolute expiry.
type Value struct {
	Data Data
	// ExpiresAt is the expiry as unix milliseconds, 0 when the key is persistent.
	ExpiresAt int64
}

// Type returns the variant of the value
func (v *Value) Type() ValueType {
	if v == nil || v.Data == nil {
		return ValueTypeNone
	}
	return v.Data.Type()
}

// ExpiredAt reports whether the value is logically absent at nowMs.
func (v *Value) ExpiredAt(nowMs int64) bool {
	return v.ExpiresAt != 0 && nowMs >= v.ExpiresAt
}

// Clone returns a deep copy of the value.
func (v *Value) Clone() *Value {
	return &Value{Data: v.Data.clone(), ExpiresAt: v.ExpiresAt}
}

// StringValue is a binary safe string
type StringValue []byte

// Type implements Data
func (StringValue) Type() ValueType { return ValueTypeString }

func (s StringValue) clone() Data { return append(StringValue(nil), s...) }

// ListValue is an ordered list of elements
type ListValue struct {
	Elements [][]byte
}

// Type implements Data
func (*ListValue) Type() ValueType { return ValueTypeList }

func (l *ListValue) clone() Data {
	out := &ListValue{Elements: make([][]byte, len(l.Elements))}
	for i, e := range l.Elements {
		out.Elements[i] = append([]byte(nil), e...)
	}
	return out
}

// Type implements Data
func (*Stream) Type() ValueType { return ValueTypeStream }

func (s *Stream) clone() Data {
	out := &Stream{LastID: s.LastID, Entries: make([]StreamEntry, len(s.Entries))}
	copy(out.Entries, s.Entries)
	return out
}

// NewString wraps data as a string value
func NewString(data []byte, expiresAt int64) *Value {
	return &Value{Data: StringValue(append([]byte(nil), data...)), ExpiresAt: expiresAt}
}

// NewList wraps elements as a list value
func NewList(elements [][]byte) *Value {
	return &Value{Data: &ListValue{Elements: elements}}
}

// NewStreamValue wraps s as a stream value
func NewStreamValue(s *Stream) *Value {
	return &Value{Data: s}
}

// Equal reports whether two values hold the same variant, payload and expiry.
func Equal(a, b *Value) bool {
	if a.ExpiresAt != b.ExpiresAt || a.Type() != b.Type() {
		return false
	}
	switch x := a.Data.(type) {
	case StringValue:
		return string(x) == string(b.Data.(StringValue))
	case *ListValue:
		y := b.Data.(*ListValue)
		if len(x.Elements) != len(y.Elements) {
			return false
		}
		for i := range x.Elements {
			if string(x.Elements[i]) != string(y.Elements[i]) {
				return false
			}
		}
		return true
	case *Stream:
		return x.Equal(b.Data.(*Stream))
	default:
		panic(fmt.Sprintf("storage: unknown value type %T", a.Data))
	}
}
