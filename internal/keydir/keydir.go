// Package keydir implements the in-memory index: the mapping from key
// to the location of its most recent record on disk.
package keydir

import (
	"sync"

	"github.com/samber/lo"
)

// Entry is the location of a key's most recent record.
type Entry struct {
	File      string
	Pos       int64
	Length    int
	Timestamp uint32
}

// sameLocation reports whether two entries name the same (file, pos).
func sameLocation(a, b Entry) bool {
	return a.File == b.File && a.Pos == b.Pos
}

// Index is the concurrent key -> Entry map, guarded by one read-write
// lock. Reads (Get, Contains, HasEntry, Len) and full snapshots (Keys,
// Snapshot) take it in shared form; every mutation (Put, Remove,
// merge-time installs, RenameFile) takes it in exclusive form, so a
// snapshot never observes a half-applied change.
type Index struct {
	mu sync.RWMutex
	m  map[string]Entry
}

// New returns an empty index.
func New() *Index {
	return &Index{m: make(map[string]Entry)}
}

// Get returns the current entry for key, if any.
func (ix *Index) Get(key string) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.m[key]
	return e, ok
}

// Put installs e as key's current entry, returning the entry it
// replaced, if any.
func (ix *Index) Put(key string, e Entry) (prev Entry, hadPrev bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	prev, hadPrev = ix.m[key]
	ix.m[key] = e
	return prev, hadPrev
}

// Remove deletes key's entry, returning it if it was present.
func (ix *Index) Remove(key string) (prev Entry, hadPrev bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	prev, hadPrev = ix.m[key]
	delete(ix.m, key)
	return prev, hadPrev
}

// Contains reports whether key currently has an entry.
func (ix *Index) Contains(key string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.m[key]
	return ok
}

// HasEntry reports whether key's current entry still points at exactly
// the given (file, pos) — used to decide whether a record encountered
// during a scan (merge or recovery) is still live.
func (ix *Index) HasEntry(key string, loc Entry) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	cur, ok := ix.m[key]
	return ok && sameLocation(cur, loc)
}

// Len returns the number of keys currently indexed.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.m)
}

// Keys returns a snapshot of the current keys.
func (ix *Index) Keys() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return lo.Keys(ix.m)
}

// Snapshot returns a point-in-time copy of the whole index, for callers
// (merge's post-install check) that need to iterate without holding the
// lock.
func (ix *Index) Snapshot() map[string]Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]Entry, len(ix.m))
	for k, v := range ix.m {
		out[k] = v
	}
	return out
}

// InstallIfStale installs newEntry for key only if key is currently
// present in the index and its current entry's file is one of
// staleFiles — i.e. only if nothing newer has been written for key,
// and key has not been deleted, since the merge scan observed it. It
// reports whether it installed.
// This is the re-check spec.md §4.6 step 4a requires: a write landing
// between the merge's scan and its index-install must never be
// clobbered by the merge's (now-stale) rewritten copy.
func (ix *Index) InstallIfStale(key string, newEntry Entry, staleFiles map[string]struct{}) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	cur, ok := ix.m[key]
	if !ok {
		return false
	}
	if _, stale := staleFiles[cur.File]; !stale {
		return false
	}
	ix.m[key] = newEntry
	return true
}

// RenameFile updates every entry whose File equals from to name it to
// instead. This is what keeps index entries correct across a rotation:
// the IO layer renames the active file on disk without moving any
// bytes, so every entry that pointed at the old name must be updated
// to the new one, or a later read would resolve against the wrong
// (fresh, unrelated) file that now holds that old name.
func (ix *Index) RenameFile(from, to string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for k, e := range ix.m {
		if e.File == from {
			e.File = to
			ix.m[k] = e
		}
	}
}

// RLock and RUnlock expose the shared lock directly for callers that
// must read every entry's record from disk while guaranteeing no
// concurrent Put/Remove interleaves with the scan (Values(), which
// holds the lock for the whole read loop so no Put, Delete or merge
// install changes the set of entries while it is being read).
func (ix *Index) RLock()   { ix.mu.RLock() }
func (ix *Index) RUnlock() { ix.mu.RUnlock() }

// UnsafeSnapshot returns the live map without copying or locking.
// Callers must hold RLock/Lock for the duration of use.
func (ix *Index) UnsafeSnapshot() map[string]Entry { return ix.m }
