package kvcask

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// On-disk record layout (spec.md §3, big-endian throughout):
//
//	crc        4B   CRC-32 (IEEE) over everything below
//	timestamp  8B   store-assigned write time, monotonic per process
//	key_size   2B   unsigned, 0 illegal for live records
//	value_size 4B   unsigned; tombstoneSentinel marks a deletion
//	key        key_size B
//	value      value_size B (absent for tombstones)
const (
	crcSize   = 4
	tsSize    = 8
	ksizeSize = 2
	vsizeSize = 4
	headerLen = crcSize + tsSize + ksizeSize + vsizeSize // 18

	// maxKeySize is the largest key_size the 2-byte field can hold.
	maxKeySize = 1<<16 - 1
	// maxValueSize leaves one value of the 32-bit size space reserved as the
	// tombstone sentinel.
	maxValueSize = 1<<32 - 2

	// tombstoneSentinel is the value_size that marks a deletion record.
	tombstoneSentinel = 0xFFFFFFFF
)

// record is the decoded form of a single on-disk entry.
type record struct {
	timestamp int64
	key       []byte
	value     []byte
	tombstone bool
}

// encodeRecord serializes key/value (or a tombstone, when value is nil and
// tombstone is true) into its on-disk byte form and computes the CRC.
func encodeRecord(key, value []byte, tombstone bool, timestamp int64) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	if len(key) > maxKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(key))
	}
	if !tombstone && len(value) > maxValueSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
	}

	valueSize := uint32(tombstoneSentinel)
	valueLen := 0
	if !tombstone {
		valueSize = uint32(len(value))
		valueLen = len(value)
	}

	total := headerLen + len(key) + valueLen
	buf := make([]byte, total)

	body := buf[crcSize:]
	binary.BigEndian.PutUint64(body, uint64(timestamp))
	body = body[tsSize:]
	binary.BigEndian.PutUint16(body, uint16(len(key)))
	body = body[ksizeSize:]
	binary.BigEndian.PutUint32(body, valueSize)
	body = body[vsizeSize:]
	copy(body, key)
	body = body[len(key):]
	if !tombstone {
		copy(body, value)
	}

	crc := crc32.ChecksumIEEE(buf[crcSize:])
	binary.BigEndian.PutUint32(buf[:crcSize], crc)

	return buf, nil
}

// decodeHeader parses the fixed 18-byte header, returning the CRC on disk and
// the parsed timestamp/key_size/value_size/tombstone fields.
func decodeHeader(hdr []byte) (crc uint32, timestamp int64, keySize uint16, valueSize uint32, tombstone bool) {
	crc = binary.BigEndian.Uint32(hdr[:crcSize])
	rest := hdr[crcSize:]
	timestamp = int64(binary.BigEndian.Uint64(rest[:tsSize]))
	rest = rest[tsSize:]
	keySize = binary.BigEndian.Uint16(rest[:ksizeSize])
	rest = rest[ksizeSize:]
	valueSize = binary.BigEndian.Uint32(rest[:vsizeSize])
	tombstone = valueSize == tombstoneSentinel
	return
}
