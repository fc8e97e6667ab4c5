package rdb

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// decoder reads through a bufio.Reader and hashes every byte it consumes,
// so the digest covers exactly the bytes before the checksum.
type decoder struct {
	br      *bufio.Reader
	seen    map[string]struct{}
	digest  *xxhash.Digest
	offset  int64
	scratch [8]byte
}

func (d *decoder) corrupt(reason string, err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return &CorruptError{Offset: d.offset, Reason: reason, Err: err}
}

func (d *decoder) readFull(p []byte) error {
	n, err := io.ReadFull(d.br, p)
	d.digest.Write(p[:n])
	d.offset += int64(n)
	return err
}

func (d *decoder) readByte() (byte, error) {
	if err := d.readFull(d.scratch[:1]); err != nil {
		return 0, err
	}
	return d.scratch[0], nil
}

func (d *decoder) readUint64() (uint64, error) {
	if err := d.readFull(d.scratch[:8]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(d.scratch[:8]), nil
}

// readLength reads a length. encoded is set, with n holding the encoding
// type, when the first byte announces a special string encoding.
func (d *decoder) readLength() (n uint64, encoded bool, err error) {
	b, err := d.readByte()
	if err != nil {
		return 0, false, err
	}

	switch b >> 6 {
	case len6Bit:
		return uint64(b & 0x3F), false, nil
	case len14Bit:
		b2, err := d.readByte()
		if err != nil {
			return 0, false, err
		}
		return uint64(b&0x3F)<<8 | uint64(b2), false, nil
	case lenEncVal:
		return uint64(b & 0x3F), true, nil
	}

	switch b {
	case len32Bit:
		if err := d.readFull(d.scratch[:4]); err != nil {
			return 0, false, err
		}
		return uint64(binary.BigEndian.Uint32(d.scratch[:4])), false, nil
	case len64Bit:
		if err := d.readFull(d.scratch[:8]); err != nil {
			return 0, false, err
		}
		return binary.BigEndian.Uint64(d.scratch[:8]), false, nil
	default:
		return 0, false, d.corrupt("invalid length encoding", nil)
	}
}

// readCount reads a plain length used as an element count
func (d *decoder) readCount(what string) (uint64, error) {
	n, encoded, err := d.readLength()
	if err != nil {
		return 0, d.corrupt("read "+what, err)
	}
	if encoded {
		return 0, d.corrupt("unexpected string encoding for "+what, nil)
	}
	return n, nil
}

func (d *decoder) readString() ([]byte, error) {
	n, encoded, err := d.readLength()
	if err != nil {
		return nil, d.corrupt("read string length", err)
	}
	if encoded {
		return d.readEncodedString(n)
	}
	return d.readBytes(n)
}

func (d *decoder) readBytes(n uint64) ([]byte, error) {
	if n > maxStringLen {
		return nil, d.corrupt("string length "+strconv.FormatUint(n, 10)+" too large", nil)
	}
	// Grow in chunks so a corrupt length fails on EOF instead of allocating.
	buf := make([]byte, 0, min(n, readChunk))
	for uint64(len(buf)) < n {
		step := min(n-uint64(len(buf)), readChunk)
		start := len(buf)
		buf = append(buf, make([]byte, step)...)
		if err := d.readFull(buf[start:]); err != nil {
			return nil, d.corrupt("read string", err)
		}
	}
	return buf, nil
}

func (d *decoder) readEncodedString(enc uint64) ([]byte, error) {
	switch enc {
	case encInt8:
		b, err := d.readByte()
		if err != nil {
			return nil, d.corrupt("read int8 string", err)
		}
		return strconv.AppendInt(nil, int64(int8(b)), 10), nil
	case encInt16:
		if err := d.readFull(d.scratch[:2]); err != nil {
			return nil, d.corrupt("read int16 string", err)
		}
		return strconv.AppendInt(nil, int64(int16(binary.LittleEndian.Uint16(d.scratch[:2]))), 10), nil
	case encInt32:
		if err := d.readFull(d.scratch[:4]); err != nil {
			return nil, d.corrupt("read int32 string", err)
		}
		return strconv.AppendInt(nil, int64(int32(binary.LittleEndian.Uint32(d.scratch[:4]))), 10), nil
	case encLZF:
		clen, err := d.readCount("compressed length")
		if err != nil {
			return nil, err
		}
		ulen, err := d.readCount("uncompressed length")
		if err != nil {
			return nil, err
		}
		if ulen > maxStringLen || ulen > clen*lzfMaxRatio {
			return nil, d.corrupt("uncompressed length too large", nil)
		}
		compressed, err := d.readBytes(clen)
		if err != nil {
			return nil, err
		}
		out, err := lzfDecompress(compressed, int(ulen))
		if err != nil {
			return nil, d.corrupt("decompress string", err)
		}
		return out, nil
	default:
		return nil, d.corrupt("unknown string encoding "+strconv.FormatUint(enc, 10), nil)
	}
}

func (d *decoder) readEntryID() (storage.EntryID, error) {
	ms, err := d.readUint64()
	if err != nil {
		return storage.EntryID{}, d.corrupt("read entry id", err)
	}
	seq, err := d.readUint64()
	if err != nil {
		return storage.EntryID{}, d.corrupt("read entry id", err)
	}
	return storage.EntryID{Ms: ms, Seq: seq}, nil
}

// Decode reads a snapshot from r into a fresh keyspace and, only when the
// whole snapshot including its checksum is valid, installs it into dst in
// one step. On error dst is left untouched. r must end right after the
// checksum.
func Decode(r io.Reader, dst *storage.Keyspace) (Stats, error) {
	fresh := dst.NewEmpty()
	stats, err := decodeInto(r, fresh)
	if err != nil {
		return stats, err
	}
	dst.Replace(fresh)
	return stats, nil
}

func decodeInto(r io.Reader, ks *storage.Keyspace) (Stats, error) {
	d := &decoder{
		br:     bufio.NewReaderSize(r, 64*1024),
		seen:   make(map[string]struct{}),
		digest: xxhash.New(),
	}
	var stats Stats

	header := make([]byte, len(magic)+4)
	if err := d.readFull(header); err != nil {
		return stats, d.corrupt("read header", err)
	}
	if string(header[:len(magic)]) != magic {
		return stats, d.corrupt("bad magic "+strconv.Quote(string(header[:len(magic)])), nil)
	}
	version, err := strconv.Atoi(string(header[len(magic):]))
	if err != nil || version < 1 || version > Version {
		return stats, d.corrupt("unsupported version "+strconv.Quote(string(header[len(magic):])), nil)
	}

	var expiresAt int64
	for {
		opcode, err := d.readByte()
		if err != nil {
			return stats, d.corrupt("read opcode", err)
		}

		switch opcode {
		case opcodeEOF:
			sum := d.digest.Sum64()
			var trailer [8]byte
			if _, err := io.ReadFull(d.br, trailer[:]); err != nil {
				return stats, d.corrupt("read checksum", err)
			}
			d.offset += 8
			if got := binary.LittleEndian.Uint64(trailer[:]); got != sum {
				return stats, d.corrupt("checksum mismatch", nil)
			}
			if _, err := d.br.ReadByte(); !errors.Is(err, io.EOF) {
				if err == nil {
					return stats, d.corrupt("trailing data after checksum", nil)
				}
				return stats, d.corrupt("read after checksum", err)
			}
			stats.Bytes = d.offset
			return stats, nil

		case opcodeAux:
			if _, err := d.readString(); err != nil {
				return stats, err
			}
			if _, err := d.readString(); err != nil {
				return stats, err
			}

		case opcodeSelectDB:
			db, err := d.readCount("db number")
			if err != nil {
				return stats, err
			}
			if db != 0 {
				return stats, d.corrupt("only database 0 is supported", nil)
			}

		case opcodeResizeDB:
			if _, err := d.readCount("db size"); err != nil {
				return stats, err
			}
			if _, err := d.readCount("expires size"); err != nil {
				return stats, err
			}

		case opcodeExpiryMs:
			ms, err := d.readUint64()
			if err != nil {
				return stats, d.corrupt("read expiry", err)
			}
			expiresAt = int64(ms)

		case opcodeExpiry:
			if err := d.readFull(d.scratch[:4]); err != nil {
				return stats, d.corrupt("read expiry", err)
			}
			expiresAt = int64(binary.LittleEndian.Uint32(d.scratch[:4])) * 1000

		default:
			if err := d.readRecord(opcode, expiresAt, ks); err != nil {
				return stats, err
			}
			stats.Keys++
			expiresAt = 0
		}
	}
}

func (d *decoder) readRecord(valueType byte, expiresAt int64, ks *storage.Keyspace) error {
	key, err := d.readString()
	if err != nil {
		return err
	}

	var data storage.Data
	switch valueType {
	case typeString:
		s, err := d.readString()
		if err != nil {
			return err
		}
		data = storage.StringValue(s)

	case typeList:
		n, err := d.readCount("list length")
		if err != nil {
			return err
		}
		l := &storage.ListValue{}
		for i := uint64(0); i < n; i++ {
			el, err := d.readString()
			if err != nil {
				return err
			}
			l.Elements = append(l.Elements, el)
		}
		data = l

	case typeStream:
		s, err := d.readStream()
		if err != nil {
			return err
		}
		data = s

	default:
		return d.corrupt("unknown value type "+strconv.Itoa(int(valueType)), nil)
	}

	if _, dup := d.seen[string(key)]; dup {
		return d.corrupt("duplicate key "+strconv.Quote(string(key)), nil)
	}
	d.seen[string(key)] = struct{}{}
	ks.Set(string(key), &storage.Value{Data: data, ExpiresAt: expiresAt})
	return nil
}

func (d *decoder) readStream() (*storage.Stream, error) {
	last, err := d.readEntryID()
	if err != nil {
		return nil, err
	}
	n, err := d.readCount("stream length")
	if err != nil {
		return nil, err
	}

	s := storage.NewStream()
	for i := uint64(0); i < n; i++ {
		id, err := d.readEntryID()
		if err != nil {
			return nil, err
		}
		nf, err := d.readCount("field count")
		if err != nil {
			return nil, err
		}
		entry := storage.StreamEntry{ID: id}
		for j := uint64(0); j < nf; j++ {
			name, err := d.readString()
			if err != nil {
				return nil, err
			}
			value, err := d.readString()
			if err != nil {
				return nil, err
			}
			entry.Fields = append(entry.Fields, storage.Field{Name: name, Value: value})
		}
		if err := s.Append(entry); err != nil {
			return nil, d.corrupt("stream entries out of order", err)
		}
	}
	if last.Less(s.LastID) {
		return nil, d.corrupt("stream last id below its entries", nil)
	}
	s.LastID = last
	return s, nil
}
