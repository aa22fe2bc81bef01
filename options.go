package kvcask

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	defaultSegmentThresholdBytes int64 = 128 * 1024 * 1024 // 128 MiB
	minSegmentThresholdBytes     int64 = 1024               // 1 KiB

	defaultMergeMinSegments = 2
)

// storeOptions holds every option spec.md §6 recognizes for Open.
type storeOptions struct {
	segmentThresholdBytes int64
	syncOnPut             bool
	readOnly              bool
	mergeMinSegments      int
	log                   *zap.SugaredLogger
}

func defaultOptions() storeOptions {
	return storeOptions{
		segmentThresholdBytes: defaultSegmentThresholdBytes,
		syncOnPut:             false,
		readOnly:              false,
		mergeMinSegments:      defaultMergeMinSegments,
		log:                   zap.NewNop().Sugar(),
	}
}

// Option configures a Store at Open time, following the teacher's
// functional-options pattern (core.Option / With...).
type Option func(*storeOptions) error

// WithSegmentThresholdBytes sets the size at which the active segment seals
// and a new one becomes active. Default 128 MiB, minimum 1 KiB (spec.md §6).
func WithSegmentThresholdBytes(n int64) Option {
	return func(o *storeOptions) error {
		if n < minSegmentThresholdBytes {
			return fmt.Errorf("kvcask: segment threshold must be >= %d bytes, got %d", minSegmentThresholdBytes, n)
		}
		o.segmentThresholdBytes = n
		return nil
	}
}

// WithSyncOnPut makes Put fsync the active segment before returning.
func WithSyncOnPut(b bool) Option {
	return func(o *storeOptions) error {
		o.syncOnPut = b
		return nil
	}
}

// WithReadOnly opens the store without creating files and rejects
// Put/Delete/Merge.
func WithReadOnly(b bool) Option {
	return func(o *storeOptions) error {
		o.readOnly = b
		return nil
	}
}

// WithMergeMinSegments sets how many sealed segments must exist before
// Merge does any work. Default 2.
func WithMergeMinSegments(n int) Option {
	return func(o *storeOptions) error {
		if n < 0 {
			return fmt.Errorf("kvcask: merge min segments must be >= 0, got %d", n)
		}
		o.mergeMinSegments = n
		return nil
	}
}

// WithLogger attaches a structured logger. Every background or diagnostic
// path (rollover, recovery warnings, merge) logs through it; without this
// option the store logs nowhere (zap.NewNop).
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *storeOptions) error {
		if l != nil {
			o.log = l
		}
		return nil
	}
}
