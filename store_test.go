package kvcask

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestPutAndGet(t *testing.T) {
	store, _, _ := SetupTempStore(t)

	if err := store.Put([]byte("foo"), []byte("bar")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get([]byte("foo"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "bar" {
		t.Errorf("Get = %q, want bar", got)
	}
}

func TestOverwriteKeepsLatestValue(t *testing.T) {
	store, _, _ := SetupTempStore(t)

	_ = store.Put([]byte("k"), []byte("first"))
	_ = store.Put([]byte("k"), []byte("second"))

	got, err := store.Get([]byte("k"))
	if err != nil || string(got) != "second" {
		t.Errorf("Get = %q, %v; want second", got, err)
	}
}

func TestGetMissingKey(t *testing.T) {
	store, _, _ := SetupTempStore(t)

	if _, err := store.Get([]byte("nope")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPutRejectsEmptyKey(t *testing.T) {
	store, _, _ := SetupTempStore(t)

	if err := store.Put(nil, []byte("v")); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("expected ErrEmptyKey, got %v", err)
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	store, _, _ := SetupTempStore(t)

	_ = store.Put([]byte("k"), []byte("v"))
	if err := store.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteOfAbsentKeyIsNoop(t *testing.T) {
	store, _, _ := SetupTempStore(t)

	if err := store.Delete([]byte("nope")); err != nil {
		t.Errorf("Delete of absent key: %v", err)
	}
}

func TestListKeysAndFold(t *testing.T) {
	store, _, _ := SetupTempStore(t)

	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		if err := store.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Put(%q): %v", k, err)
		}
	}

	keys, err := store.ListKeys()
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != len(want) {
		t.Fatalf("ListKeys returned %d keys, want %d", len(keys), len(want))
	}

	got := make(map[string]string)
	err = store.Fold(func(key, value []byte) error {
		got[string(key)] = string(value)
		return nil
	})
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Fold[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestFoldStopsAtFirstError(t *testing.T) {
	store, _, _ := SetupTempStore(t)
	_ = store.Put([]byte("a"), []byte("1"))
	_ = store.Put([]byte("b"), []byte("2"))

	sentinel := errors.New("stop")
	seen := 0
	err := store.Fold(func(key, value []byte) error {
		seen++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Fold error = %v, want sentinel", err)
	}
	if seen != 1 {
		t.Errorf("Fold invoked fn %d times, want 1", seen)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	store, dir, _ := SetupTempStore(t)

	_ = store.Put([]byte("a"), []byte("1"))
	_ = store.Put([]byte("b"), []byte("2"))
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if got, err := reopened.Get([]byte("a")); err != nil || string(got) != "1" {
		t.Errorf("a = %q, %v; want 1", got, err)
	}
	if got, err := reopened.Get([]byte("b")); err != nil || string(got) != "2" {
		t.Errorf("b = %q, %v; want 2", got, err)
	}
}

func TestTombstoneSurvivesReopen(t *testing.T) {
	store, dir, _ := SetupTempStore(t)

	_ = store.Put([]byte("a"), []byte("1"))
	_ = store.Delete([]byte("a"))
	_ = store.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.Get([]byte("a")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected tombstone to survive recovery, got %v", err)
	}
}

func TestRolloverCreatesNewSegment(t *testing.T) {
	store, _, _ := SetupTempStore(t, WithSegmentThresholdBytes(minSegmentThresholdBytes))

	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("k%04d", i)
		if err := store.Put([]byte(k), []byte("0123456789")); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	stat, err := store.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if stat.SealedSegments == 0 {
		t.Errorf("expected at least one sealed segment after heavy writes, got 0")
	}
	if stat.KeyCount != 100 {
		t.Errorf("KeyCount = %d, want 100", stat.KeyCount)
	}
}

func TestSegmentRolloverPersistsAcrossReopen(t *testing.T) {
	store, dir, _ := SetupTempStore(t, WithSegmentThresholdBytes(minSegmentThresholdBytes))

	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("k%04d", i)
		_ = store.Put([]byte(k), []byte("0123456789"))
	}
	_ = store.Close()

	reopened, err := Open(dir, WithSegmentThresholdBytes(minSegmentThresholdBytes))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("k%04d", i)
		if got, err := reopened.Get([]byte(k)); err != nil || string(got) != "0123456789" {
			t.Errorf("Get(%q) = %q, %v", k, got, err)
		}
	}
}

func TestTruncatedTailOnHighestSegmentIsRecovered(t *testing.T) {
	store, dir, _ := SetupTempStore(t)

	_ = store.Put([]byte("a"), []byte("1"))
	_ = store.Put([]byte("b"), []byte("2"))
	if err := store.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Simulate a crash mid-append on the active segment: append a truncated
	// header-only fragment directly to the file on disk.
	path := segmentPath(dir, 0, dataSuffix)
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open segment for corruption: %v", err)
	}
	info, _ := f.Stat()
	if _, err := f.WriteAt([]byte{1, 2, 3, 4}, info.Size()); err != nil {
		t.Fatalf("write partial tail: %v", err)
	}
	_ = f.Close()
	_ = store.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen after tail corruption: %v", err)
	}
	defer reopened.Close()

	if got, err := reopened.Get([]byte("a")); err != nil || string(got) != "1" {
		t.Errorf("a = %q, %v; want 1", got, err)
	}
	if got, err := reopened.Get([]byte("b")); err != nil || string(got) != "2" {
		t.Errorf("b = %q, %v; want 2", got, err)
	}
}

func TestTruncatedTailOnNonHighestSegmentIsFatal(t *testing.T) {
	store, dir, _ := SetupTempStore(t, WithSegmentThresholdBytes(minSegmentThresholdBytes))

	// Each value alone exceeds the threshold, so every Put forces a rollover
	// and each key ends up alone on its own segment: segment 1 holds "a",
	// segment 2 (the highest/active) holds "b".
	big := make([]byte, minSegmentThresholdBytes+1)
	_ = store.Put([]byte("a"), big)
	_ = store.Put([]byte("b"), big)
	_ = store.Close()

	path := segmentPath(dir, 1, dataSuffix)
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open segment 1: %v", err)
	}
	info, _ := f.Stat()
	if err := f.Truncate(info.Size() - 1); err != nil {
		t.Fatalf("truncate segment 1: %v", err)
	}
	_ = f.Close()

	if _, err := Open(dir); !errors.Is(err, ErrCorruptStore) {
		t.Errorf("expected ErrCorruptStore for a damaged non-highest segment, got %v", err)
	}
}

func TestSecondOpenOnSameDirectoryFails(t *testing.T) {
	store, dir, _ := SetupTempStore(t)
	_ = store

	if _, err := Open(dir); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("expected ErrAlreadyOpen, got %v", err)
	}
}

func TestReadOnlyStoreRejectsWrites(t *testing.T) {
	store, dir, _ := SetupTempStore(t)
	_ = store.Put([]byte("a"), []byte("1"))
	_ = store.Close()

	ro, err := Open(dir, WithReadOnly(true))
	if err != nil {
		t.Fatalf("Open read-only: %v", err)
	}
	defer ro.Close()

	if got, err := ro.Get([]byte("a")); err != nil || string(got) != "1" {
		t.Errorf("Get = %q, %v; want 1", got, err)
	}
	if err := ro.Put([]byte("b"), []byte("2")); !errors.Is(err, ErrReadOnly) {
		t.Errorf("expected ErrReadOnly on Put, got %v", err)
	}
	if err := ro.Delete([]byte("a")); !errors.Is(err, ErrReadOnly) {
		t.Errorf("expected ErrReadOnly on Delete, got %v", err)
	}
	if err := ro.Merge(); !errors.Is(err, ErrReadOnly) {
		t.Errorf("expected ErrReadOnly on Merge, got %v", err)
	}
}

func TestReadOnlyOpenOnEmptyDirCreatesNoFiles(t *testing.T) {
	dir, err := os.MkdirTemp("", "kvcask_ro_*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)

	ro, err := Open(dir, WithReadOnly(true))
	if err != nil {
		t.Fatalf("Open read-only on empty dir: %v", err)
	}
	defer ro.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("read-only Open on empty dir created files: %v", entries)
	}
	if _, err := ro.Get([]byte("anything")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on an empty read-only store, got %v", err)
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	store, _, _ := SetupTempStore(t)
	_ = store.Put([]byte("a"), []byte("1"))
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := store.Get([]byte("a")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on Get, got %v", err)
	}
	if err := store.Put([]byte("a"), []byte("2")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on Put, got %v", err)
	}
	if err := store.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on double Close, got %v", err)
	}
}

func TestManyKeysRoundTrip(t *testing.T) {
	store, _, _ := SetupTempStore(t)

	const n = 500
	for i := 0; i < n; i++ {
		k, v := fmt.Sprintf("key-%04d", i), fmt.Sprintf("value-%04d", i)
		if err := store.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		k, want := fmt.Sprintf("key-%04d", i), fmt.Sprintf("value-%04d", i)
		got, err := store.Get([]byte(k))
		if err != nil || string(got) != want {
			t.Fatalf("Get(%q) = %q, %v; want %q", k, got, err, want)
		}
	}
}
