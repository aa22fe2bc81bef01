package kvcask

import "errors"

// The closed set of error kinds a Store can surface to a caller. A public
// operation returns one of these sentinels, or wraps one with
// fmt.Errorf("%w: ...") so callers can still errors.Is against it. I/O
// failures and rejected Option values are returned as their own errors
// (I/O errors %w-wrapped), not as one of these kinds.
var (
	// ErrNotFound is returned by Get when the key has no live record.
	ErrNotFound = errors.New("kvcask: key not found")

	// ErrAlreadyOpen is returned by Open when the directory lock is already held.
	ErrAlreadyOpen = errors.New("kvcask: store already open")

	// ErrReadOnly is returned by Put/Delete/Merge when the store was opened
	// with WithReadOnly(true).
	ErrReadOnly = errors.New("kvcask: store is read-only")

	// ErrEmptyKey is returned when Put/Delete is called with a zero-length key.
	ErrEmptyKey = errors.New("kvcask: key must not be empty")

	// ErrKeyTooLarge is returned when a key exceeds 2^16-1 bytes.
	ErrKeyTooLarge = errors.New("kvcask: key exceeds maximum size")

	// ErrValueTooLarge is returned when a value exceeds 2^32-2 bytes.
	ErrValueTooLarge = errors.New("kvcask: value exceeds maximum size")

	// ErrCorruptRecord signals a single record's CRC didn't verify. Handled
	// internally during recovery; not normally surfaced to a caller.
	ErrCorruptRecord = errors.New("kvcask: corrupt record")

	// ErrCorruptStore signals unrecoverable structural corruption discovered
	// during Open (tail corruption in a non-highest segment).
	ErrCorruptStore = errors.New("kvcask: corrupt store")

	// ErrClosed is returned by any operation on a Store that is not Open.
	ErrClosed = errors.New("kvcask: store is closed")
)
