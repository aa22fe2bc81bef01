package kvcask

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Hint record layout (spec.md §6), big-endian:
//
//	timestamp     8B
//	key_size      2B
//	value_size    4B
//	value_offset  8B
//	key           key_size B
//
// Hint files are a sidecar to a sealed segment, written by the merger to
// speed up recovery; they never carry tombstones (their existence implies
// the paired record is live) and they carry no values.
const hintHeaderLen = 8 + 2 + 4 + 8

// hintWriter appends hint entries for the segment currently being produced
// by the merger.
type hintWriter struct {
	id   uint64
	path string
	file *os.File
}

func createHintFile(dir string, id uint64) (*hintWriter, error) {
	path := segmentPath(dir, id, hintSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create hint file %d: %w", id, err)
	}
	return &hintWriter{id: id, path: path, file: f}, nil
}

func (h *hintWriter) append(key string, e keydirEntry) error {
	buf := make([]byte, hintHeaderLen+len(key))
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.timestamp))
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(key)))
	binary.BigEndian.PutUint32(buf[10:14], e.valueSize)
	binary.BigEndian.PutUint64(buf[14:22], uint64(e.valueOffset))
	copy(buf[hintHeaderLen:], key)

	_, err := h.file.Write(buf)
	return err
}

func (h *hintWriter) sync() error { return h.file.Sync() }
func (h *hintWriter) close() error {
	return h.file.Close()
}

func (h *hintWriter) abort() {
	_ = h.file.Close()
	_ = os.Remove(h.path)
}

// hintEntry is a single decoded line from a hint file.
type hintEntry struct {
	key   string
	entry keydirEntry
}

// readHintFile replays a hint file in full, returning every entry in file
// order. A malformed hint file is reported as an error by the caller, which
// falls back to a full segment scan (spec.md §4.4: "if present and passes
// integrity checks").
func readHintFile(dir string, id uint64) ([]hintEntry, error) {
	path := segmentPath(dir, id, hintSuffix)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []hintEntry
	for {
		var hdr [hintHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			// io.EOF means no byte of a new entry was read: a clean end. A
			// header cut short is io.ErrUnexpectedEOF and counts as malformed.
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read hint header: %w", err)
		}

		timestamp := int64(binary.BigEndian.Uint64(hdr[0:8]))
		keySize := binary.BigEndian.Uint16(hdr[8:10])
		valueSize := binary.BigEndian.Uint32(hdr[10:14])
		valueOffset := int64(binary.BigEndian.Uint64(hdr[14:22]))

		keyBuf := make([]byte, keySize)
		if _, err := io.ReadFull(r, keyBuf); err != nil {
			return nil, fmt.Errorf("read hint key: %w", err)
		}

		out = append(out, hintEntry{
			key: string(keyBuf),
			entry: keydirEntry{
				segmentID:   id,
				valueOffset: valueOffset,
				valueSize:   valueSize,
				timestamp:   timestamp,
			},
		})
	}
	return out, nil
}
