// Package bytecask implements a persistent, embedded key-value store
// organized as an append-only log with an in-memory index — a
// Bitcask-style storage engine. See SPEC_FULL.md for the full design.
package bytecask

import (
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/scala-nl/bytecask/internal/datafiles"
	"github.com/scala-nl/bytecask/internal/keydir"
	"github.com/scala-nl/bytecask/internal/record"
)

// Engine is the top-level key-value store. A zero Engine is not usable;
// construct one with Open.
type Engine struct {
	dir    string
	opts   Options
	id     string
	logger *zap.Logger

	files  *datafiles.Manager
	index  *keydir.Index
	merger *merger

	dirLock *os.File
	closed  atomic.Bool
}

// Open opens (creating if necessary) the bytecask directory at dir and
// recovers its index from hint files and/or full data-file scans
// (spec.md §4.7).
func Open(dir string, opts Options) (*Engine, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ioErr("open", err)
	}

	dirLock, err := acquireDirLock(dir)
	if err != nil {
		return nil, err
	}

	files, err := datafiles.Open(dir, opts.MaxConcurrentReaders)
	if err != nil {
		err = multierr.Append(ioErr("open", err), releaseDirLock(dirLock))
		return nil, err
	}

	id := uuid.NewString()
	logger := opts.Logger.With(zap.String("engine_id", id), zap.String("dir", dir))

	e := &Engine{
		dir:     dir,
		opts:    opts,
		id:      id,
		logger:  logger,
		files:   files,
		index:   keydir.New(),
		merger:  newMerger(),
		dirLock: dirLock,
	}

	files.SetSplitHook(func(newName string) {
		e.index.RenameFile(datafiles.ActiveName, newName)
		e.merger.renameFile(datafiles.ActiveName, newName)
		e.logger.Info("rotated", zap.String("file", newName))
	})

	if err := e.recover(); err != nil {
		err = multierr.Combine(ioErr("open", err), files.Close(), releaseDirLock(dirLock))
		return nil, err
	}

	logger.Info("opened", zap.Int("keys", e.index.Len()))
	return e, nil
}

func (e *Engine) checkOpen(op string) error {
	if e.closed.Load() {
		return newErr(KindClosed, op, ErrClosed)
	}
	return nil
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return newErr(KindInvalidArgument, "validate", ErrEmptyKey)
	}
	if len(key) > record.MaxKeySize {
		return newErr(KindInvalidArgument, "validate", ErrKeyTooLarge)
	}
	return nil
}

func validateValue(value []byte) error {
	if len(value) > record.MaxValueSize {
		return newErr(KindInvalidArgument, "validate", ErrValueTooLarge)
	}
	return nil
}

// Put writes key -> value durably. A crash after Put returns loses at
// most the most recently in-flight record (spec.md §4.3).
func (e *Engine) Put(key, value []byte) error {
	if err := e.checkOpen("put"); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	if len(value) == 0 {
		return newErr(KindInvalidArgument, "put", ErrEmptyValue)
	}

	diskKey := encodeKeyForDisk(key, e.opts.PrefixedKeys)
	loc, err := e.files.Append(diskKey, value, e.opts.MaxFileSize)
	if err != nil {
		return ioErr("put", err)
	}

	newEntry := keydir.Entry{File: loc.File, Pos: loc.Pos, Length: loc.Length, Timestamp: loc.Timestamp}
	prev, hadPrev := e.index.Put(string(key), newEntry)
	if hadPrev {
		e.merger.addReclaim(prev.File, prev.Length)
	}

	return nil
}

// Get returns the current value for key, or ErrNotFound if it has no
// current entry.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if err := e.checkOpen("get"); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	entry, ok := e.index.Get(string(key))
	if !ok {
		return nil, ErrNotFound
	}

	fe, err := e.readEntry(entry)
	if err != nil {
		return nil, err
	}
	return fe.Value, nil
}

func (e *Engine) readEntry(entry keydir.Entry) (record.Entry, error) {
	loc := datafiles.Location{File: entry.File, Pos: entry.Pos, Length: entry.Length, Timestamp: entry.Timestamp}
	fe, err := e.files.Read(loc)
	if err != nil {
		switch {
		case isErr(err, record.ErrCorrupt):
			return record.Entry{}, newErr(KindCorrupt, "get", err)
		case isErr(err, record.ErrTruncated):
			return record.Entry{}, newErr(KindTruncated, "get", err)
		default:
			return record.Entry{}, ioErr("get", err)
		}
	}
	return fe, nil
}

// Delete removes key. Deleting an absent key is a no-op (spec.md §9
// documents this as an explicit, deliberate choice — see DESIGN.md).
func (e *Engine) Delete(key []byte) error {
	if err := e.checkOpen("delete"); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	prev, had := e.index.Get(string(key))
	if !had {
		return nil
	}

	diskKey := encodeKeyForDisk(key, e.opts.PrefixedKeys)
	loc, err := e.files.Append(diskKey, nil, e.opts.MaxFileSize)
	if err != nil {
		return ioErr("delete", err)
	}

	e.index.Remove(string(key))
	e.merger.addReclaim(prev.File, prev.Length)
	// The tombstone itself is garbage the moment it's written; it only
	// exists to be replayed during recovery until its file is merged.
	e.merger.addReclaim(loc.File, loc.Length)

	return nil
}

// Keys returns a snapshot of the currently-present keys.
func (e *Engine) Keys() ([][]byte, error) {
	if err := e.checkOpen("keys"); err != nil {
		return nil, err
	}
	keys := e.index.Keys()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out, nil
}

// Values returns a snapshot of the currently-present values, read from
// disk at the time of the call. The index is held under its read lock
// for the whole scan, so no Put, Delete or merge install changes the
// set of entries while it is being read.
func (e *Engine) Values() ([][]byte, error) {
	if err := e.checkOpen("values"); err != nil {
		return nil, err
	}

	e.index.RLock()
	defer e.index.RUnlock()

	entries := lo.Values(e.index.UnsafeSnapshot())

	values := make([][]byte, 0, len(entries))
	for _, entry := range entries {
		fe, err := e.readEntry(entry)
		if err != nil {
			return nil, err
		}
		values = append(values, fe.Value)
	}
	return values, nil
}

// Stats summarizes the engine's current on-disk state, for callers
// deciding when to call MergeIfNeeded (spec.md leaves that policy
// entirely to the caller).
type Stats struct {
	Keys             int
	DataFiles        int
	Splits           int64
	ReclaimableBytes int64
	MergesCount      uint64
}

// Stats returns a point-in-time snapshot of engine statistics.
func (e *Engine) Stats() (Stats, error) {
	if err := e.checkOpen("stats"); err != nil {
		return Stats{}, err
	}

	inactive, err := e.files.InactiveFiles()
	if err != nil {
		return Stats{}, ioErr("stats", err)
	}

	mergesCount, _, reclaimable := e.merger.stats()

	return Stats{
		Keys:             e.index.Len(),
		DataFiles:        len(inactive) + 1, // +1 for the active file
		Splits:           e.files.Splits(),
		ReclaimableBytes: reclaimable,
		MergesCount:      mergesCount,
	}, nil
}

// ForceMerge synchronously compacts every inactive file, in ascending
// numeric order, per spec.md §4.6.
func (e *Engine) ForceMerge() error {
	if err := e.checkOpen("merge"); err != nil {
		return err
	}

	files, err := e.files.InactiveFiles()
	if err != nil {
		return ioErr("merge", err)
	}
	if len(files) < 2 {
		return nil
	}

	return e.merge(files)
}

// MergeIfNeeded compacts the files whose reclaimable bytes exceed
// dataThreshold, if at least two are eligible. This is a policy hook:
// the caller decides when (and whether) to invoke it.
func (e *Engine) MergeIfNeeded(dataThreshold int64) error {
	if err := e.checkOpen("merge"); err != nil {
		return err
	}

	candidates := e.merger.eligible(dataThreshold)
	if len(candidates) < 2 {
		return nil
	}

	return e.merge(candidates)
}

// Close releases the engine's resources: the active appender, the
// reader pool, and the directory lock.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if cerr := e.files.Close(); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	if lerr := releaseDirLock(e.dirLock); lerr != nil {
		err = multierr.Append(err, lerr)
	}

	e.logger.Info("closed")
	return err
}

// Destroy closes the engine and removes its directory entirely.
func (e *Engine) Destroy() error {
	dir := e.dir
	err := e.Close()
	if rerr := os.RemoveAll(dir); rerr != nil {
		err = multierr.Append(err, rerr)
	}
	return err
}

// isErr is a small errors.Is wrapper kept local to avoid importing both
// the standard errors package and pkg/errors under the same name in
// call sites that need both.
func isErr(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
