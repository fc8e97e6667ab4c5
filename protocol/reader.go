package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// CRLF is the RESP line terminator
	CRLF = "\r\n"

	// maxBulkSize is the maximum size for a single bulk string (512MB, as Redis)
	maxBulkSize = 512 * 1024 * 1024

	// maxSnapshotSize bounds a resync payload
	maxSnapshotSize = 1 << 40

	// maxArraySize is the maximum number of elements in an array
	maxArraySize = 1024 * 1024

	// maxInlineSize bounds an inline command line
	maxInlineSize = 64 * 1024
)

var (
	crlfBytes = []byte(CRLF)

	// ErrProtocol is wrapped by every framing error returned by Reader
	ErrProtocol = errors.New("protocol error")
)

// Reader is a streaming RESP reader. It counts every byte it consumes from
// the underlying stream so replication offsets can be checked against the
// canonical encoding of each command.
type Reader struct {
	br       *bufio.Reader
	consumed int64
}

// NewReader creates a new streaming RESP reader
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 16*1024)}
}

// Consumed returns the number of bytes consumed since the reader was created
// or since the last ResetConsumed.
func (r *Reader) Consumed() int64 {
	return r.consumed
}

// ResetConsumed zeroes the consumed byte counter.
func (r *Reader) ResetConsumed() {
	r.consumed = 0
}

// Buffered returns the number of bytes that can be read without blocking.
func (r *Reader) Buffered() int {
	return r.br.Buffered()
}

// Peek waits until at least one byte is buffered without consuming it.
// It reports the error that ended the wait, io.EOF once the peer closed.
func (r *Reader) Peek() error {
	_, err := r.br.Peek(1)
	return err
}

func protocolErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

func (r *Reader) readByte() (byte, error) {
	b, err := r.br.ReadByte()
	if err != nil {
		return 0, err
	}
	r.consumed++
	return b, nil
}

// ReadNext reads the next RESP value from the stream
func (r *Reader) ReadNext() (Value, error) {
	typeByte, err := r.readByte()
	if err != nil {
		return Value{}, err
	}
	return r.readTyped(typeByte)
}

func (r *Reader) readTyped(typeByte byte) (Value, error) {
	switch ValueType(typeByte) {
	case TypeSimpleString, TypeError:
		line, err := r.readLine()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: ValueType(typeByte), Data: line}, nil
	case TypeInteger:
		return r.readInteger()
	case TypeBulkString:
		return r.readBulkString()
	case TypeArray:
		return r.readArray()
	default:
		if typeByte == 0 {
			return Value{}, protocolErrorf("unknown RESP type: empty byte (connection may be closed)")
		}
		return Value{}, protocolErrorf("unknown RESP type: %q (0x%02x)", typeByte, typeByte)
	}
}

// ReadCommand reads the next command. Clients may send either a RESP array of
// bulk strings or an inline command line. The returned count is the number of
// bytes consumed by this command.
func (r *Reader) ReadCommand() (*Command, int64, error) {
	start := r.consumed

	typeByte, err := r.readByte()
	if err != nil {
		return nil, 0, err
	}

	if ValueType(typeByte) != TypeArray {
		if err := r.br.UnreadByte(); err != nil {
			return nil, 0, err
		}
		r.consumed--
		cmd, err := r.readInline()
		if err != nil {
			return nil, r.consumed - start, err
		}
		return cmd, r.consumed - start, nil
	}

	v, err := r.readArray()
	if err != nil {
		return nil, r.consumed - start, err
	}
	cmd, err := ParseCommand(v)
	if err != nil {
		return nil, r.consumed - start, err
	}
	return cmd, r.consumed - start, nil
}

// readInline parses a whitespace separated command line such as "PING\r\n".
// Empty lines yield a nil command.
func (r *Reader) readInline() (*Command, error) {
	line, err := r.br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, protocolErrorf("inline command too long")
		}
		return nil, err
	}
	r.consumed += int64(len(line))
	if len(line) > maxInlineSize {
		return nil, protocolErrorf("inline command too long")
	}

	fields := strings.Fields(strings.TrimRight(string(line), "\r\n"))
	if len(fields) == 0 {
		return nil, nil
	}

	args := make([][]byte, len(fields)-1)
	for i, f := range fields[1:] {
		args[i] = []byte(f)
	}
	return &Command{Name: strings.ToUpper(fields[0]), Args: args}, nil
}

// readInteger reads an integer value
func (r *Reader) readInteger() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	integer, err := parseInt64(line)
	if err != nil {
		return Value{}, protocolErrorf("invalid integer: %s", line)
	}

	return Value{Type: TypeInteger, Integer: integer}, nil
}

// parseInt64 parses an int64 from a byte slice without allocation
func parseInt64(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, strconv.ErrSyntax
	}

	var neg bool
	i := 0
	if b[0] == '-' {
		neg = true
		i = 1
	}

	if i >= len(b) {
		return 0, strconv.ErrSyntax
	}

	var n int64
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, strconv.ErrSyntax
		}
		if n > (1<<63-1)/10 {
			return 0, strconv.ErrRange
		}
		n = n*10 + int64(b[i]-'0')
	}

	if neg {
		return -n, nil
	}
	return n, nil
}

// readLength reads a length line after a '$' or '*' marker
func (r *Reader) readLength(what string, limit int64) (int64, error) {
	line, err := r.readLine()
	if err != nil {
		return 0, err
	}

	length, err := parseInt64(line)
	if err != nil {
		return 0, protocolErrorf("invalid %s length: %s", what, line)
	}
	if length < -1 || length > limit {
		return 0, protocolErrorf("invalid %s length: %d", what, length)
	}
	return length, nil
}

// readBulkString reads a bulk string value
func (r *Reader) readBulkString() (Value, error) {
	length, err := r.readLength("bulk string", maxBulkSize)
	if err != nil {
		return Value{}, err
	}

	if length == -1 {
		return Value{Type: TypeBulkString, IsNull: true}, nil
	}

	data := make([]byte, length)
	n, err := io.ReadFull(r.br, data)
	r.consumed += int64(n)
	if err != nil {
		return Value{}, err
	}

	if err := r.expectCRLF(); err != nil {
		return Value{}, err
	}

	return Value{Type: TypeBulkString, Data: data}, nil
}

// readArray reads an array value
func (r *Reader) readArray() (Value, error) {
	length, err := r.readLength("array", maxArraySize)
	if err != nil {
		return Value{}, err
	}

	if length == -1 {
		return Value{Type: TypeArray, IsNull: true}, nil
	}

	array := make([]Value, length)
	for i := range array {
		value, err := r.ReadNext()
		if err != nil {
			return Value{}, err
		}
		array[i] = value
	}

	return Value{Type: TypeArray, Array: array}, nil
}

// ReadSnapshot reads the header of a resync payload, "$<len>\r\n", and
// returns a reader limited to the payload bytes. The payload is not followed
// by CRLF. Newlines a primary sends as keepalives while it prepares the
// payload are skipped. The caller must drain the returned reader before
// reading further.
func (r *Reader) ReadSnapshot() (io.Reader, int64, error) {
	typeByte, err := r.readByte()
	for err == nil && typeByte == '\n' {
		typeByte, err = r.readByte()
	}
	if err != nil {
		return nil, 0, err
	}
	if ValueType(typeByte) != TypeBulkString {
		return nil, 0, protocolErrorf("expected snapshot payload, got %q", typeByte)
	}

	length, err := r.readLength("snapshot", maxSnapshotSize)
	if err != nil {
		return nil, 0, err
	}
	if length < 0 {
		return nil, 0, protocolErrorf("null snapshot payload")
	}

	return &countingReader{r: io.LimitReader(r.br, length), n: &r.consumed}, length, nil
}

type countingReader struct {
	r io.Reader
	n *int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	*c.n += int64(n)
	return n, err
}

// readLine reads a line terminated by CRLF
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	r.consumed += int64(len(line))
	if err != nil {
		return nil, fmt.Errorf("failed to read line: %w", err)
	}

	if len(line) < 2 || !bytes.HasSuffix(line, crlfBytes) {
		return nil, protocolErrorf("missing CRLF terminator")
	}

	return line[:len(line)-2], nil
}

// expectCRLF reads and validates a CRLF terminator
func (r *Reader) expectCRLF() error {
	var crlf [2]byte
	n, err := io.ReadFull(r.br, crlf[:])
	r.consumed += int64(n)
	if err != nil {
		return fmt.Errorf("failed to read CRLF terminator (read %d/2 bytes): %w", n, err)
	}

	if crlf[0] != '\r' || crlf[1] != '\n' {
		return protocolErrorf("expected CRLF terminator, got [%d, %d]", crlf[0], crlf[1])
	}

	return nil
}
