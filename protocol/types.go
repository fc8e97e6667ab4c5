package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueType represents the type of a RESP value
type ValueType byte

const (
	// RESP value types
	TypeSimpleString ValueType = '+'
	TypeError        ValueType = '-'
	TypeInteger      ValueType = ':'
	TypeBulkString   ValueType = '$'
	TypeArray        ValueType = '*'
)

// Value represents a parsed RESP value
type Value struct {
	Type    ValueType
	Data    []byte
	Integer int64
	Array   []Value
	IsNull  bool
}

// SimpleString builds a simple string reply.
func SimpleString(s string) Value { return Value{Type: TypeSimpleString, Data: []byte(s)} }

// ErrorValue builds an error reply.
func ErrorValue(msg string) Value { return Value{Type: TypeError, Data: []byte(msg)} }

// Integer builds an integer reply.
func Integer(n int64) Value { return Value{Type: TypeInteger, Integer: n} }

// BulkString builds a bulk string reply.
func BulkString(b []byte) Value { return Value{Type: TypeBulkString, Data: b} }

// BulkFromString builds a bulk string reply from s.
func BulkFromString(s string) Value { return Value{Type: TypeBulkString, Data: []byte(s)} }

// NullBulk builds a null bulk string reply.
func NullBulk() Value { return Value{Type: TypeBulkString, IsNull: true} }

// NullArray builds a null array reply.
func NullArray() Value { return Value{Type: TypeArray, IsNull: true} }

// Array builds an array reply.
func Array(vs ...Value) Value { return Value{Type: TypeArray, Array: vs} }

// OK builds the +OK reply.
func OK() Value { return SimpleString("OK") }

// String returns a string representation of the value
func (v Value) String() string {
	switch v.Type {
	case TypeSimpleString, TypeError:
		return string(v.Data)
	case TypeInteger:
		return strconv.FormatInt(v.Integer, 10)
	case TypeBulkString:
		if v.IsNull {
			return "(nil)"
		}
		return string(v.Data)
	case TypeArray:
		if v.IsNull {
			return "(nil)"
		}
		parts := make([]string, len(v.Array))
		for i, item := range v.Array {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("unknown type %c", v.Type)
	}
}

// IsError returns true if this is an error value
func (v Value) IsError() bool {
	return v.Type == TypeError
}

// Command represents a Redis command parsed from a RESP array
type Command struct {
	Name string
	Args [][]byte
}

// NewCommand builds a command from string arguments.
func NewCommand(name string, args ...string) *Command {
	cmd := &Command{Name: strings.ToUpper(name), Args: make([][]byte, len(args))}
	for i, a := range args {
		cmd.Args[i] = []byte(a)
	}
	return cmd
}

// ParseCommand parses a RESP array value into a Command
func ParseCommand(v Value) (*Command, error) {
	if v.Type != TypeArray || len(v.Array) == 0 {
		return nil, protocolErrorf("invalid command format")
	}

	if v.Array[0].Type != TypeBulkString || v.Array[0].IsNull {
		return nil, protocolErrorf("command name must be bulk string")
	}

	cmd := &Command{
		Name: strings.ToUpper(string(v.Array[0].Data)),
		Args: make([][]byte, len(v.Array)-1),
	}

	for i := 1; i < len(v.Array); i++ {
		if v.Array[i].Type != TypeBulkString || v.Array[i].IsNull {
			return nil, protocolErrorf("command arguments must be bulk strings")
		}
		cmd.Args[i-1] = v.Array[i].Data
	}

	return cmd, nil
}

// Arg returns argument i as a string, or "" when out of range.
func (c *Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return string(c.Args[i])
}

// EncodedLen returns the length of the canonical encoding of the command:
// an array of bulk strings. Replication offsets advance by this amount.
func (c *Command) EncodedLen() int64 {
	n := headerLen(1+len(c.Args)) + bulkLen(len(c.Name))
	for _, a := range c.Args {
		n += bulkLen(len(a))
	}
	return int64(n)
}

// AppendEncoded appends the canonical encoding of the command to dst.
func (c *Command) AppendEncoded(dst []byte) []byte {
	dst = append(dst, '*')
	dst = strconv.AppendInt(dst, int64(1+len(c.Args)), 10)
	dst = append(dst, CRLF...)
	dst = appendBulk(dst, []byte(c.Name))
	for _, a := range c.Args {
		dst = appendBulk(dst, a)
	}
	return dst
}

// Encode returns the canonical encoding of the command.
func (c *Command) Encode() []byte {
	return c.AppendEncoded(make([]byte, 0, c.EncodedLen()))
}

// String returns a string representation of the command
func (c *Command) String() string {
	args := make([]string, len(c.Args))
	for i, arg := range c.Args {
		args[i] = string(arg)
	}
	return strings.TrimSpace(c.Name + " " + strings.Join(args, " "))
}

func appendBulk(dst, b []byte) []byte {
	dst = append(dst, '$')
	dst = strconv.AppendInt(dst, int64(len(b)), 10)
	dst = append(dst, CRLF...)
	dst = append(dst, b...)
	return append(dst, CRLF...)
}

// headerLen is the size of "*<n>\r\n" or "$<n>\r\n".
func headerLen(n int) int {
	return 1 + decimalLen(n) + 2
}

func bulkLen(n int) int {
	return headerLen(n) + n + 2
}

func decimalLen(n int) int {
	l := 1
	for n >= 10 {
		n /= 10
		l++
	}
	return l
}
