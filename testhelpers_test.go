package kvcask

import (
	"os"
	"testing"
)

// SetupTempStore opens a Store rooted at a fresh temp directory and registers
// its cleanup with tb, mirroring the teacher's SetupTempDB helper.
func SetupTempStore(tb testing.TB, opts ...Option) (store *Store, dir string, cleanup func()) {
	dir, err := os.MkdirTemp("", "kvcask_test_*")
	if err != nil {
		tb.Fatalf("MkdirTemp: %v", err)
	}

	store, err = Open(dir, opts...)
	if err != nil {
		_ = os.RemoveAll(dir)
		tb.Fatalf("Open(%q): %v", dir, err)
	}

	cleanup = func() {
		_ = store.Close()
		_ = os.RemoveAll(dir)
	}
	tb.Cleanup(cleanup)

	return store, dir, cleanup
}
