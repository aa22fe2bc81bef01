package kvcask

import "sync"

// keydirEntry is the location of the single live record for a key (spec.md §3).
type keydirEntry struct {
	segmentID   uint64
	valueOffset int64
	valueSize   uint32
	timestamp   int64
}

// keydir is the authoritative in-memory mapping from key to its on-disk
// location. It is process-local, rebuilt on every Open, and carries no
// on-disk form of its own. Reads and writes are serialized by the caller's
// single-writer/many-reader discipline (store.go); the RWMutex here exists so
// Get/ListKeys/Fold can run concurrently with each other without the caller
// having to reason about the map's internals.
type keydir struct {
	mu      sync.RWMutex
	entries map[string]keydirEntry
}

func newKeydir() *keydir {
	return &keydir{entries: make(map[string]keydirEntry)}
}

// put unconditionally replaces the entry for key, returning whatever was
// there before (so callers can reason about statistics and staleness).
func (k *keydir) put(key string, e keydirEntry) (prev keydirEntry, had bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	prev, had = k.entries[key]
	k.entries[key] = e
	return prev, had
}

func (k *keydir) get(key string) (keydirEntry, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.entries[key]
	return e, ok
}

func (k *keydir) remove(key string) (keydirEntry, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if ok {
		delete(k.entries, key)
	}
	return e, ok
}

// casReplace updates key's entry to next only if its current entry still
// equals from. This is the merge's compare-and-swap: if a concurrent Put or
// Delete already moved the key elsewhere, the merged copy is stale and must
// be left alone (spec.md §4.6 step 4(b)).
func (k *keydir) casReplace(key string, from, next keydirEntry) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	cur, ok := k.entries[key]
	if !ok || cur != from {
		return false
	}
	k.entries[key] = next
	return true
}

// keys returns a snapshot of the keys present at the moment of the call.
func (k *keydir) keys() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.entries))
	for key := range k.entries {
		out = append(out, key)
	}
	return out
}

// snapshot returns a point-in-time copy of {key: entry} for fold, so the
// fold's view of "what's live" is fixed at entry regardless of concurrent
// writers (spec.md §4.5, Fold).
func (k *keydir) snapshot() map[string]keydirEntry {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]keydirEntry, len(k.entries))
	for key, e := range k.entries {
		out[key] = e
	}
	return out
}

func (k *keydir) len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.entries)
}
