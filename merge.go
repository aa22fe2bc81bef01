package kvcask

import (
	"errors"
	"fmt"
	"os"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// mergeOutput accumulates everything a single merge run produces before any
// of it is made visible to readers.
type mergeOutput struct {
	segments []*segment
	hints    []*hintWriter
	// changes maps key -> {location before merge, location in merge output}.
	// Applied with a CAS against the live keydir entry at swap time so a
	// concurrent Put/Delete that raced the merge always wins (spec.md §4.6
	// step 4(b)).
	changes map[string][2]keydirEntry
}

func newMergeOutput() *mergeOutput {
	return &mergeOutput{changes: make(map[string][2]keydirEntry)}
}

// abort discards every file the merge produced. Called whenever a merge
// fails before its new files are fsynced and swapped in; the store is left
// exactly as it was (spec.md §7).
func (o *mergeOutput) abort(log *zap.SugaredLogger) {
	for i, seg := range o.segments {
		if err := seg.file.Close(); err != nil {
			log.Warnw("close aborted merge segment", "segmentId", seg.id, "error", err)
		}
		if err := os.Remove(seg.path); err != nil {
			log.Warnw("remove aborted merge segment", "segmentId", seg.id, "error", err)
		}
		if i < len(o.hints) {
			o.hints[i].abort()
		}
	}
}

// Merge implements spec.md §4.6: rewrite sealed segments down to their live
// records, emit hint files alongside them, and atomically swap the result
// in. The active segment is never merged; writers may keep appending to it
// throughout. Merge is a no-op if fewer than MergeMinSegments sealed
// segments exist.
func (s *Store) Merge() error {
	if err := s.checkWritable(); err != nil {
		return err
	}

	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()

	s.mu.RLock()
	if len(s.sealed) < s.opts.mergeMinSegments {
		s.mu.RUnlock()
		return nil
	}
	toMerge := make([]*segment, 0, len(s.sealed))
	for _, seg := range s.sealed {
		toMerge = append(toMerge, seg)
	}
	s.mu.RUnlock()

	sort.Slice(toMerge, func(i, j int) bool { return toMerge[i].id < toMerge[j].id })

	retiring := mapset.NewSet[uint64]()
	for _, seg := range toMerge {
		retiring.Add(seg.id)
	}

	out := newMergeOutput()
	mergeSeg, mergeHint, err := s.startMergeSegment(out)
	if err != nil {
		out.abort(s.log)
		return fmt.Errorf("start merge segment: %w", err)
	}

	for _, seg := range toMerge {
		sc := newSegmentScanner(seg)
		for sc.Scan() {
			rec := sc.Record()
			key := string(rec.record.key)

			entry, ok := s.keydir.get(key)
			if !ok {
				continue // superseded or deleted since this record was written
			}
			isLive := entry.segmentID == seg.id && entry.valueOffset == rec.valueOffset
			if !isLive {
				continue
			}

			recordBytes, err := encodeRecord(rec.record.key, rec.record.value, false, rec.record.timestamp)
			if err != nil {
				out.abort(s.log)
				return fmt.Errorf("re-encode key %q during merge: %w", key, err)
			}

			if mergeSeg.size+int64(len(recordBytes)) > s.opts.segmentThresholdBytes {
				mergeSeg, mergeHint, err = s.startMergeSegment(out)
				if err != nil {
					out.abort(s.log)
					return fmt.Errorf("roll over merge segment: %w", err)
				}
			}

			valueOffset, _, err := mergeSeg.append(recordBytes, len(rec.record.key))
			if err != nil {
				out.abort(s.log)
				return fmt.Errorf("write key %q to merge segment %d: %w", key, mergeSeg.id, err)
			}

			newEntry := keydirEntry{
				segmentID:   mergeSeg.id,
				valueOffset: valueOffset,
				valueSize:   uint32(len(rec.record.value)),
				timestamp:   rec.record.timestamp,
			}
			if err := mergeHint.append(key, newEntry); err != nil {
				out.abort(s.log)
				return fmt.Errorf("write hint for key %q: %w", key, err)
			}

			out.changes[key] = [2]keydirEntry{entry, newEntry}
		}
		if err := sc.Err(); err != nil {
			out.abort(s.log)
			return fmt.Errorf("scan segment %d during merge: %w", seg.id, err)
		}
	}

	// Finalize: fsync everything new before it becomes visible, then seal
	// each output segment (close the write handle, reopen read-only).
	for i, seg := range out.segments {
		if err := seg.file.Sync(); err != nil {
			out.abort(s.log)
			return fmt.Errorf("sync merge segment %d: %w", seg.id, err)
		}
		if err := out.hints[i].sync(); err != nil {
			out.abort(s.log)
			return fmt.Errorf("sync hint file %d: %w", seg.id, err)
		}
		if err := out.hints[i].close(); err != nil {
			out.abort(s.log)
			return fmt.Errorf("close hint file %d: %w", seg.id, err)
		}
		if err := seg.seal(); err != nil {
			out.abort(s.log)
			return fmt.Errorf("seal merge segment %d: %w", seg.id, err)
		}
	}

	s.writeMu.Lock()
	s.mu.Lock()
	for key, pair := range out.changes {
		before, after := pair[0], pair[1]
		if !s.keydir.casReplace(key, before, after) {
			// A concurrent Put/Delete moved the key since this copy was
			// made; the merged copy is stale garbage for the next merge.
			s.log.Debugw("merge CAS lost race, leaving newer write in place", "key", key)
		}
	}
	for _, retiredSeg := range toMerge {
		delete(s.sealed, retiredSeg.id)
	}
	for _, seg := range out.segments {
		s.sealed[seg.id] = seg
	}
	s.mu.Unlock()
	s.writeMu.Unlock()

	// Crash-safety note (spec.md §4.6 step 4(c) / §7): once we reach this
	// point the new segments are already visible via the keydir/sealed map,
	// so a crash mid-unlink just leaves old and new files coexisting; the
	// next recovery resolves it by ascending segment id, which always
	// favors the newer (higher-id) copy.
	for _, seg := range toMerge {
		if err := seg.file.Close(); err != nil {
			s.log.Warnw("close retired segment", "segmentId", seg.id, "error", err)
		}
		if err := os.Remove(seg.path); err != nil {
			s.log.Warnw("remove retired segment", "segmentId", seg.id, "error", err)
		}
		if err := os.Remove(segmentPath(s.dir, seg.id, hintSuffix)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warnw("remove retired hint file", "segmentId", seg.id, "error", err)
		}
	}

	s.log.Infow("merge complete", "segmentsIn", retiring.Cardinality(), "segmentsOut", len(out.segments))
	return nil
}

// startMergeSegment allocates the next segment id and opens a fresh
// writable segment plus its paired hint file, registering both with out so
// a later failure can clean them up.
func (s *Store) startMergeSegment(out *mergeOutput) (*segment, *hintWriter, error) {
	id := s.claimNextSegmentID()

	seg, err := openActiveSegment(s.dir, id)
	if err != nil {
		return nil, nil, err
	}
	out.segments = append(out.segments, seg)

	hint, err := createHintFile(s.dir, id)
	if err != nil {
		return nil, nil, err
	}
	out.hints = append(out.hints, hint)

	return seg, hint, nil
}
