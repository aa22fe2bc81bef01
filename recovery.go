package kvcask

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// fileSet is what one id resolves to in the directory listing.
type fileSet struct {
	hasData bool
	hasHint bool
}

// classifyDirectory lists dir and groups files by segment id. Anything that
// doesn't parse as a 16-hex-digit id with a recognized suffix is ignored, per
// spec.md §4.4 step 1 ("Unknown files are ignored").
func classifyDirectory(dir string) (map[uint64]fileSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}

	out := make(map[uint64]fileSet)
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()

		var suffix string
		switch {
		case strings.HasSuffix(name, dataSuffix):
			suffix = dataSuffix
		case strings.HasSuffix(name, hintSuffix):
			suffix = hintSuffix
		default:
			continue
		}

		idStr := strings.TrimSuffix(name, suffix)
		if len(idStr) != 16 {
			continue
		}
		id, err := strconv.ParseUint(idStr, 16, 64)
		if err != nil {
			continue
		}

		fs := out[id]
		if suffix == dataSuffix {
			fs.hasData = true
		} else {
			fs.hasHint = true
		}
		out[id] = fs
	}
	return out, nil
}

// recoveryResult is the fully reconstructed state a store needs to resume.
type recoveryResult struct {
	keydir   *keydir
	sealed   map[uint64]*segment // opened read-only, excludes the active id
	activeID uint64
	active   *segment
}

// recoverStore implements spec.md §4.4: discover segments and hints, replay
// them in ascending segment-id order into a fresh keydir, and decide which
// segment continues as active. Named recoverStore (not recover) so it never
// shadows the builtin recover() for the rest of this package.
func recoverStore(dir string, thresholdBytes int64, readOnly bool, log *zap.SugaredLogger) (*recoveryResult, error) {
	classified, err := classifyDirectory(dir)
	if err != nil {
		return nil, err
	}

	var ids []uint64
	for id, fs := range classified {
		if !fs.hasData && fs.hasHint {
			// A hint file without its segment is meaningless; ignore it
			// per spec.md §4.6 ("Hint files without their segment are
			// ignored on recovery").
			log.Warnw("ignoring orphaned hint file", "segmentId", id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	kd := newKeydir()
	sealed := make(map[uint64]*segment, len(ids))

	var highestID uint64
	haveAny := false
	for _, id := range ids {
		highestID = id
		haveAny = true
		isHighest := id == ids[len(ids)-1]

		fs := classified[id]
		if fs.hasHint {
			entries, err := readHintFile(dir, id)
			if err == nil {
				for _, he := range entries {
					kd.put(he.key, he.entry)
				}
				// Hint replay doesn't tell us the segment's on-disk size, so
				// we still need the file open; stat it directly rather than
				// scanning.
				seg, err := openSealedSegment(dir, id)
				if err != nil {
					return nil, fmt.Errorf("open segment %d after hint replay: %w", id, err)
				}
				sealed[id] = seg
				continue
			}
			log.Warnw("hint file failed integrity check, falling back to full scan",
				"segmentId", id, "error", err)
		}

		seg, truncatedSize, err := replaySegment(dir, id, kd, isHighest)
		if err != nil {
			return nil, err
		}
		if isHighest && truncatedSize >= 0 && !readOnly {
			// os.Truncate operates by path, so it works regardless of how
			// the file descriptor above was opened. A read-only store leaves
			// the file untouched.
			if err := os.Truncate(seg.path, truncatedSize); err != nil {
				return nil, fmt.Errorf("truncate segment %d: %w", id, err)
			}
			seg.size = truncatedSize
		}
		sealed[id] = seg
	}

	result, err := decideActiveSegment(dir, thresholdBytes, readOnly, highestID, haveAny, sealed)
	if err != nil {
		return nil, err
	}
	result.keydir = kd

	warnOrphanedSegments(classified, result, log)
	return result, nil
}

// decideActiveSegment picks (or creates) the segment that continues as
// active, per spec.md §4.4 step 3: the highest segment id if it still has
// room, otherwise a fresh segment above it; a read-only store never writes
// and so never has an active segment at all.
func decideActiveSegment(dir string, thresholdBytes int64, readOnly bool, highestID uint64, haveAny bool, sealed map[uint64]*segment) (*recoveryResult, error) {
	result := &recoveryResult{sealed: sealed}

	if !haveAny {
		if readOnly {
			// Nothing to replay and nothing to write: a read-only store
			// never creates files (spec.md §6), so there is no active
			// segment at all.
			result.activeID = 0
			result.active = nil
			return result, nil
		}
		result.activeID = 0
		active, err := openActiveSegment(dir, 0)
		if err != nil {
			return nil, err
		}
		result.active = active
		return result, nil
	}

	if readOnly {
		// A read-only store never reopens a segment for writing; the
		// highest segment simply stays in sealed, and there is no active
		// segment to append to.
		result.activeID = highestID
		result.active = nil
		return result, nil
	}

	// The highest segment continues as active if it still has room;
	// otherwise a fresh segment is created above it (spec.md §4.4 step 3).
	top := sealed[highestID]
	if top.size < thresholdBytes {
		delete(sealed, highestID)
		active, err := reopenAsActive(dir, highestID, top)
		if err != nil {
			return nil, err
		}
		result.activeID = highestID
		result.active = active
		return result, nil
	}

	newID := highestID + 1
	active, err := openActiveSegment(dir, newID)
	if err != nil {
		return nil, err
	}
	result.activeID = newID
	result.active = active
	return result, nil
}

// warnOrphanedSegments diffs the directory's actual .data segment ids against
// the ids the recovered state accounts for (sealed ∪ active). Grounded in the
// teacher's checkOrphanedSegments (core/db.go), turned around from a
// manifest-vs-directory diff into a recovered-state-vs-directory diff since
// this module has no manifest file of its own (spec.md §4.4 is pure directory
// listing). A non-empty difference most often signals a crash partway
// through Merge's final unlink pass (spec.md §4.6 step 4(c)/§7): old and new
// segments briefly coexist on disk, which is safe but worth a log line.
func warnOrphanedSegments(classified map[uint64]fileSet, result *recoveryResult, log *zap.SugaredLogger) {
	actual := mapset.NewSet[uint64]()
	for id, fs := range classified {
		if fs.hasData {
			actual.Add(id)
		}
	}

	accounted := mapset.NewSet[uint64]()
	for id := range result.sealed {
		accounted.Add(id)
	}
	if result.active != nil {
		accounted.Add(result.active.id)
	}

	if orphaned := actual.Difference(accounted); orphaned.Cardinality() != 0 {
		log.Warnw("orphaned segment files not accounted for in recovered state",
			"segmentIds", orphaned.ToSlice())
	}
}

// reopenAsActive takes a segment opened read-only during replay and reopens
// it read-write so it can continue serving appends.
func reopenAsActive(dir string, id uint64, sealedSeg *segment) (*segment, error) {
	if err := sealedSeg.file.Close(); err != nil {
		return nil, fmt.Errorf("close segment %d before reactivation: %w", id, err)
	}
	return openActiveSegment(dir, id)
}

// replaySegment fully scans segment id, applying each record to kd (tombstones
// remove, everything else inserts/overwrites — spec.md §4.4 step 2). Tail
// corruption on the highest-id segment truncates to the last-known-good
// offset; on any other segment it is fatal (ErrCorruptStore), because an
// intermediate segment must be complete.
//
// Returns the opened segment and, when isHighest and a corrupt tail was
// found, the offset recovery should truncate the file to (-1 otherwise).
func replaySegment(dir string, id uint64, kd *keydir, isHighest bool) (*segment, int64, error) {
	seg, err := openSealedSegment(dir, id)
	if err != nil {
		return nil, -1, err
	}

	sc := newSegmentScanner(seg)
	for sc.Scan() {
		r := sc.Record()
		key := string(r.record.key)
		if r.record.tombstone {
			kd.remove(key)
			continue
		}
		kd.put(key, keydirEntry{
			segmentID:   id,
			valueOffset: r.valueOffset,
			valueSize:   uint32(len(r.record.value)),
			timestamp:   r.record.timestamp,
		})
	}

	err = sc.Err()
	if err == nil && sc.End() != seg.size {
		// A record cut short by end of file stops the scan without an error;
		// bytes past the last complete record are an incomplete write.
		err = fmt.Errorf("incomplete record at offset %d", sc.End())
	}
	if err != nil {
		if !isHighest {
			_ = seg.file.Close()
			return nil, -1, fmt.Errorf("%w: segment %d: %v", ErrCorruptStore, id, err)
		}
		// Tail corruption on the newest segment is an incomplete last write,
		// not a fatal error; the segment gets truncated to sc.End().
		return seg, sc.End(), nil
	}

	return seg, -1, nil
}
