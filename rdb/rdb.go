package rdb

import (
	"errors"
	"fmt"
)

// File layout:
//
//	"REDIS" <4 digit version>
//	aux fields        0xFA <string> <string>
//	db selector       0xFE <length>, resize hint 0xFB <length> <length>
//	records           [0xFC <uint64 LE expiry ms>] <type> <key string> <payload>
//	0xFF <uint64 LE xxhash64 of every preceding byte>
const (
	magic = "REDIS"

	// Version is written in the header. Older versions are accepted.
	Version = 11

	opcodeAux      = 0xFA
	opcodeResizeDB = 0xFB
	opcodeExpiryMs = 0xFC
	opcodeExpiry   = 0xFD
	opcodeSelectDB = 0xFE
	opcodeEOF      = 0xFF

	typeString = 0
	typeList   = 1
	// typeStream is a plain stream layout: last id, then every entry with
	// its id and field pairs. Redis assigns no meaning to this type byte.
	typeStream = 0x80

	len6Bit   = 0
	len14Bit  = 1
	len32Bit  = 0x80
	len64Bit  = 0x81
	lenEncVal = 3

	encInt8  = 0
	encInt16 = 1
	encInt32 = 2
	encLZF   = 3

	maxStringLen = 512 * 1024 * 1024
	// lzfMaxRatio bounds expansion: a 3 byte back reference yields at most
	// 264 bytes.
	lzfMaxRatio = 88
	readChunk    = 1 << 20
)

// ErrCorruptSnapshot is matched by every decode failure: bad magic or
// version, truncated or malformed records, and checksum mismatches.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// CorruptError describes where decoding failed.
type CorruptError struct {
	Offset int64
	Reason string
	Err    error
}

func (e *CorruptError) Error() string {
	msg := fmt.Sprintf("corrupt snapshot at byte %d: %s", e.Offset, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrCorruptSnapshot) hold
func (e *CorruptError) Is(target error) bool {
	return target == ErrCorruptSnapshot
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// Stats summarizes an encode or decode run
type Stats struct {
	Keys    int64
	Skipped int64
	Bytes   int64
}
