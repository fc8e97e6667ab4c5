package rdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// encoder streams records to w while hashing everything it writes
type encoder struct {
	bw      *bufio.Writer
	digest  *xxhash.Digest
	written int64
	scratch [9]byte
}

func (e *encoder) Write(p []byte) (int, error) {
	n, err := e.bw.Write(p)
	e.digest.Write(p[:n])
	e.written += int64(n)
	return n, err
}

func (e *encoder) writeByte(b byte) error {
	e.scratch[0] = b
	_, err := e.Write(e.scratch[:1])
	return err
}

func (e *encoder) writeUint64(v uint64) error {
	binary.LittleEndian.PutUint64(e.scratch[:8], v)
	_, err := e.Write(e.scratch[:8])
	return err
}

func (e *encoder) writeLength(n uint64) error {
	var b []byte
	switch {
	case n < 1<<6:
		b = append(e.scratch[:0], byte(n)|len6Bit<<6)
	case n < 1<<14:
		b = append(e.scratch[:0], byte(n>>8)|len14Bit<<6, byte(n))
	case n <= 0xFFFFFFFF:
		b = binary.BigEndian.AppendUint32(append(e.scratch[:0], len32Bit), uint32(n))
	default:
		b = binary.BigEndian.AppendUint64(append(e.scratch[:0], len64Bit), n)
	}
	_, err := e.Write(b)
	return err
}

// writeString writes a length prefixed string. Short canonical integers
// use the compact integer encoding.
func (e *encoder) writeString(s []byte) error {
	if len(s) > 0 && len(s) <= 11 {
		if v, err := strconv.ParseInt(string(s), 10, 32); err == nil && strconv.FormatInt(v, 10) == string(s) {
			return e.writeInt(v)
		}
	}
	if err := e.writeLength(uint64(len(s))); err != nil {
		return err
	}
	_, err := e.Write(s)
	return err
}

func (e *encoder) writeInt(v int64) error {
	b := e.scratch[:0]
	switch {
	case v >= -1<<7 && v < 1<<7:
		b = append(b, lenEncVal<<6|encInt8, byte(int8(v)))
	case v >= -1<<15 && v < 1<<15:
		b = binary.LittleEndian.AppendUint16(append(b, lenEncVal<<6|encInt16), uint16(int16(v)))
	default:
		b = binary.LittleEndian.AppendUint32(append(b, lenEncVal<<6|encInt32), uint32(int32(v)))
	}
	_, err := e.Write(b)
	return err
}

func (e *encoder) writeEntryID(id storage.EntryID) error {
	if err := e.writeUint64(id.Ms); err != nil {
		return err
	}
	return e.writeUint64(id.Seq)
}

func (e *encoder) writeAux(key, value string) error {
	if err := e.writeByte(opcodeAux); err != nil {
		return err
	}
	if err := e.writeString([]byte(key)); err != nil {
		return err
	}
	return e.writeString([]byte(value))
}

// Encode writes every live key of ks to w and finishes with the checksum.
// Keys already expired at the start of the encode are skipped. The caller
// must keep writers out of ks for the duration to get a point-in-time view.
func Encode(w io.Writer, ks *storage.Keyspace) (Stats, error) {
	e := &encoder{bw: bufio.NewWriterSize(w, 64*1024), digest: xxhash.New()}
	var stats Stats

	header := fmt.Sprintf("%s%04d", magic, Version)
	if _, err := e.Write([]byte(header)); err != nil {
		return stats, err
	}
	if err := e.writeAux("redis-ver", "7.2.0"); err != nil {
		return stats, err
	}
	if err := e.writeAux("redis-bits", "64"); err != nil {
		return stats, err
	}
	if err := e.writeAux("ctime", strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		return stats, err
	}

	keys, expires := ks.Stats()
	if err := e.writeByte(opcodeSelectDB); err != nil {
		return stats, err
	}
	if err := e.writeLength(0); err != nil {
		return stats, err
	}
	if err := e.writeByte(opcodeResizeDB); err != nil {
		return stats, err
	}
	if err := e.writeLength(uint64(keys)); err != nil {
		return stats, err
	}
	if err := e.writeLength(uint64(expires)); err != nil {
		return stats, err
	}

	now := ks.Now()
	err := ks.ForEach(func(key string, v *storage.Value) error {
		if v.ExpiredAt(now) {
			stats.Skipped++
			return nil
		}
		if err := e.writeRecord(key, v); err != nil {
			return fmt.Errorf("encode key %q: %w", key, err)
		}
		stats.Keys++
		return nil
	})
	if err != nil {
		return stats, err
	}

	if err := e.writeByte(opcodeEOF); err != nil {
		return stats, err
	}
	binary.LittleEndian.PutUint64(e.scratch[:8], e.digest.Sum64())
	if _, err := e.bw.Write(e.scratch[:8]); err != nil {
		return stats, err
	}
	stats.Bytes = e.written + 8
	return stats, e.bw.Flush()
}

func (e *encoder) writeRecord(key string, v *storage.Value) error {
	if v.ExpiresAt != 0 {
		if err := e.writeByte(opcodeExpiryMs); err != nil {
			return err
		}
		if err := e.writeUint64(uint64(v.ExpiresAt)); err != nil {
			return err
		}
	}

	switch data := v.Data.(type) {
	case storage.StringValue:
		if err := e.writeByte(typeString); err != nil {
			return err
		}
		if err := e.writeString([]byte(key)); err != nil {
			return err
		}
		return e.writeString(data)

	case *storage.ListValue:
		if err := e.writeByte(typeList); err != nil {
			return err
		}
		if err := e.writeString([]byte(key)); err != nil {
			return err
		}
		if err := e.writeLength(uint64(len(data.Elements))); err != nil {
			return err
		}
		for _, el := range data.Elements {
			if err := e.writeString(el); err != nil {
				return err
			}
		}
		return nil

	case *storage.Stream:
		if err := e.writeByte(typeStream); err != nil {
			return err
		}
		if err := e.writeString([]byte(key)); err != nil {
			return err
		}
		return e.writeStream(data)

	default:
		return fmt.Errorf("unsupported value type %T", v.Data)
	}
}

func (e *encoder) writeStream(s *storage.Stream) error {
	if err := e.writeEntryID(s.LastID); err != nil {
		return err
	}
	if err := e.writeLength(uint64(len(s.Entries))); err != nil {
		return err
	}
	for _, entry := range s.Entries {
		if err := e.writeEntryID(entry.ID); err != nil {
			return err
		}
		if err := e.writeLength(uint64(len(entry.Fields))); err != nil {
			return err
		}
		for _, f := range entry.Fields {
			if err := e.writeString(f.Name); err != nil {
				return err
			}
			if err := e.writeString(f.Value); err != nil {
				return err
			}
		}
	}
	return nil
}
