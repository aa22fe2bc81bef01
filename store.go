// Package kvcask implements a Bitcask-style embedded key-value store: a
// persistent, crash-safe map from byte keys to byte values backed by an
// append-only log segmented across files and indexed by an in-memory hash
// table (the keydir). Reads cost one seek plus one read; writes cost one
// sequential append plus one hash-table update; deletes are logical;
// space is reclaimed by an explicit Merge pass.
package kvcask

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// storeState models the engine's lifecycle: Closed -> Opening -> Open ->
// Closing -> Closed (spec.md §4.5). Opening/Closing admit no operations.
type storeState int32

const (
	stateClosed storeState = iota
	stateOpening
	stateOpen
	stateClosing
)

// Store is a single open Bitcask-style directory. The zero value is not
// usable; construct one with Open.
type Store struct {
	dir  string
	opts storeOptions
	log  *zap.SugaredLogger

	lock *dirLock

	// writeMu is the engine-wide single-writer lock (spec.md §5): at most
	// one Put/Delete/Merge progress step runs at a time.
	writeMu sync.Mutex
	// mergeMu additionally keeps a Merge from overlapping another Merge;
	// it is held for the whole merge, while writeMu is only needed for the
	// final keydir/segment-set swap, so ordinary Puts keep flowing while a
	// merge scans.
	mergeMu sync.Mutex

	// mu guards the active/sealed segment set itself (as opposed to the
	// keydir, which has its own internal lock) so readers locating a
	// segment by id never observe a torn view during rollover or merge.
	mu     sync.RWMutex
	active *segment // nil only for a freshly-opened, empty, read-only store
	sealed map[uint64]*segment

	keydir *keydir

	nextSegmentID atomic.Uint64
	lastTimestamp atomic.Int64

	state atomic.Int32
}

// Open opens (creating if absent) the Bitcask-style store rooted at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	if !o.readOnly {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %q: %w", dir, err)
		}
	}

	s := &Store{dir: dir, opts: o, log: o.log}
	s.state.Store(int32(stateOpening))

	// A read-only store never writes to the directory at all, not even the
	// lock file (spec.md §6: read_only "does not create files"); it relies on
	// the OS to let multiple readers open the same files concurrently and
	// leaves mutual exclusion to whichever process holds the write lock.
	if !o.readOnly {
		lock, err := acquireDirLock(dir)
		if err != nil {
			s.state.Store(int32(stateClosed))
			return nil, err
		}
		s.lock = lock
	}

	result, err := recoverStore(dir, o.segmentThresholdBytes, o.readOnly, o.log)
	if err != nil {
		if s.lock != nil {
			_ = s.lock.release()
		}
		s.state.Store(int32(stateClosed))
		return nil, err
	}

	s.keydir = result.keydir
	s.sealed = result.sealed
	s.active = result.active

	maxID := result.activeID
	for id := range result.sealed {
		if id > maxID {
			maxID = id
		}
	}
	s.nextSegmentID.Store(maxID + 1)

	s.state.Store(int32(stateOpen))
	o.log.Infow("store opened", "dir", dir, "keys", s.keydir.len(), "sealedSegments", len(s.sealed))
	return s, nil
}

func (s *Store) checkOpen() error {
	if storeState(s.state.Load()) != stateOpen {
		return ErrClosed
	}
	return nil
}

func (s *Store) checkWritable() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.opts.readOnly {
		return ErrReadOnly
	}
	return nil
}

// nextTimestamp assigns max(clock_now, last_assigned+1) so timestamps are
// strictly increasing within a process even across writes landing in the
// same millisecond (spec.md §4.5).
func (s *Store) nextTimestamp() int64 {
	now := time.Now().UnixMilli()
	for {
		last := s.lastTimestamp.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if s.lastTimestamp.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (s *Store) claimNextSegmentID() uint64 {
	return s.nextSegmentID.Add(1) - 1
}

// ensureCapacity seals the active segment and rolls over to a fresh one if
// appending recordLen more bytes would exceed the configured threshold
// (spec.md §4.2's threshold test), then returns the segment to append to.
func (s *Store) ensureCapacity(recordLen int) (*segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active.size+int64(recordLen) <= s.opts.segmentThresholdBytes {
		return s.active, nil
	}

	old := s.active
	if err := old.seal(); err != nil {
		return nil, fmt.Errorf("seal segment %d: %w", old.id, err)
	}
	s.sealed[old.id] = old

	newID := s.claimNextSegmentID()
	next, err := openActiveSegment(s.dir, newID)
	if err != nil {
		return nil, err
	}
	s.active = next

	s.log.Infow("segment rollover", "sealedId", old.id, "activeId", newID, "sealedSize", old.size)
	return s.active, nil
}

// segmentByID finds the segment (active or sealed) backing a keydir entry.
func (s *Store) segmentByID(id uint64) (*segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.active != nil && s.active.id == id {
		return s.active, nil
	}
	if seg, ok := s.sealed[id]; ok {
		return seg, nil
	}
	return nil, fmt.Errorf("kvcask: keydir points at unknown segment %d", id)
}

// Put stores key=value, replacing any prior value. Durable only after Sync
// (or immediately, if WithSyncOnPut(true) was set) — spec.md §4.5.
func (s *Store) Put(key, value []byte) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ts := s.nextTimestamp()
	recordBytes, err := encodeRecord(key, value, false, ts)
	if err != nil {
		return err
	}

	seg, err := s.ensureCapacity(len(recordBytes))
	if err != nil {
		return err
	}

	valueOffset, _, err := seg.append(recordBytes, len(key))
	if err != nil {
		return err
	}

	if s.opts.syncOnPut {
		if err := seg.sync(); err != nil {
			return err
		}
	}

	s.keydir.put(string(key), keydirEntry{
		segmentID:   seg.id,
		valueOffset: valueOffset,
		valueSize:   uint32(len(value)),
		timestamp:   ts,
	})
	return nil
}

// Get returns the current value for key, or ErrNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	entry, ok := s.keydir.get(string(key))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}

	seg, err := s.segmentByID(entry.segmentID)
	if err != nil {
		return nil, err
	}
	return seg.readValue(entry.valueOffset, entry.valueSize)
}

// Delete removes key. Per spec.md §4.5 a tombstone is written only when the
// key currently exists; either choice is spec-legal so long as recovery
// converges, and this one avoids growing the log for no-op deletes.
func (s *Store) Delete(key []byte) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, existed := s.keydir.get(string(key)); !existed {
		return nil
	}

	ts := s.nextTimestamp()
	recordBytes, err := encodeRecord(key, nil, true, ts)
	if err != nil {
		return err
	}

	seg, err := s.ensureCapacity(len(recordBytes))
	if err != nil {
		return err
	}

	if _, _, err := seg.append(recordBytes, len(key)); err != nil {
		return err
	}

	if s.opts.syncOnPut {
		if err := seg.sync(); err != nil {
			return err
		}
	}

	s.keydir.remove(string(key))
	return nil
}

// ListKeys returns a snapshot of every live key at the moment of the call.
func (s *Store) ListKeys() ([][]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	keys := s.keydir.keys()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out, nil
}

// Fold iterates every {key, value} pair live at the moment Fold is called.
// It is a point-in-time snapshot: writes that land after Fold starts are
// not observed (spec.md §4.5). Iteration stops at the first error fn
// returns.
func (s *Store) Fold(fn func(key, value []byte) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	snap := s.keydir.snapshot()
	for key, entry := range snap {
		seg, err := s.segmentByID(entry.segmentID)
		if err != nil {
			return err
		}
		value, err := seg.readValue(entry.valueOffset, entry.valueSize)
		if err != nil {
			return err
		}
		if err := fn([]byte(key), value); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes the active segment. Sealed segments are immutable and were
// already synced once, at seal time, so Sync need not touch them.
func (s *Store) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()

	if active == nil {
		return nil
	}
	return active.sync()
}

// Stat reports a point-in-time operational snapshot.
type Stat struct {
	KeyCount       int
	SealedSegments int
	TotalBytes     int64
}

func (s *Store) Stat() (Stat, error) {
	if err := s.checkOpen(); err != nil {
		return Stat{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	if s.active != nil {
		total += s.active.size
	}
	for _, seg := range s.sealed {
		total += seg.size
	}

	return Stat{
		KeyCount:       s.keydir.len(),
		SealedSegments: len(s.sealed),
		TotalBytes:     total,
	}, nil
}

// Close flushes and closes every open file handle, releases the directory
// lock, and drops the keydir. The lock is released last (spec.md §5).
func (s *Store) Close() error {
	if !s.state.CompareAndSwap(int32(stateOpen), int32(stateClosing)) {
		return ErrClosed
	}

	s.mu.Lock()
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.active != nil {
		record(s.active.sync())
		record(s.active.close())
	}
	for _, seg := range s.sealed {
		record(seg.close())
	}
	s.keydir = nil
	s.mu.Unlock()

	if s.lock != nil {
		record(s.lock.release())
	}

	s.state.Store(int32(stateClosed))
	return firstErr
}
