package kvcask

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

const lockFileName = ".lock"

// dirLock is the OS-level advisory exclusive lock on a store's directory
// (spec.md §5, "Directory lock"). A second Open on the same directory must
// fail fast rather than corrupt a live store's keydir.
type dirLock struct {
	fl *flock.Flock
}

// acquireDirLock creates (if absent) dir/.lock and takes a non-blocking
// exclusive advisory lock on it.
func acquireDirLock(dir string) (*dirLock, error) {
	path := filepath.Join(dir, lockFileName)
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %q: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyOpen, dir)
	}

	return &dirLock{fl: fl}, nil
}

// release gives up the lock. Per spec.md §5, the directory lock is the last
// resource released on Close.
func (l *dirLock) release() error {
	return l.fl.Unlock()
}
