package bytecask

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/scala-nl/bytecask/internal/keydir"
	"github.com/scala-nl/bytecask/internal/record"
)

// delta tracks the dead bytes a file has accumulated since it was
// written: every overwrite or delete of a key whose previous entry
// lived in that file makes its old record reclaimable.
type delta struct {
	entries int
	length  int64
}

// merger tracks per-file reclaimable-byte accounting and merge history.
// It holds its own mutex rather than sharing the index's, since reclaim
// bookkeeping is updated on every Put/Delete and shouldn't contend with
// index reads.
type merger struct {
	mu          sync.Mutex
	reclaims    map[string]delta
	mergesCount uint64
	lastMerged  time.Time
}

func newMerger() *merger {
	return &merger{reclaims: make(map[string]delta)}
}

func (mg *merger) addReclaim(file string, length int) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	d := mg.reclaims[file]
	d.entries++
	d.length += int64(length)
	mg.reclaims[file] = d
}

func (mg *merger) removeReclaim(file string) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	delete(mg.reclaims, file)
}

// renameFile moves from's accumulated reclaim accounting to to. Used
// alongside keydir.Index.RenameFile when a rotation renames the active
// file: the dead-byte count accrued under the old name still describes
// real garbage in that file, which now lives under the new name.
func (mg *merger) renameFile(from, to string) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	d, ok := mg.reclaims[from]
	if !ok {
		return
	}
	delete(mg.reclaims, from)
	existing := mg.reclaims[to]
	existing.entries += d.entries
	existing.length += d.length
	mg.reclaims[to] = existing
}

// eligible returns the inactive files (numerically sorted) whose
// reclaimable bytes exceed threshold.
func (mg *merger) eligible(threshold int64) []string {
	mg.mu.Lock()
	defer mg.mu.Unlock()

	var names []string
	for file, d := range mg.reclaims {
		if file == "0" {
			continue // active file is never merge-eligible
		}
		if d.length > threshold {
			names = append(names, file)
		}
	}

	sort.Slice(names, func(i, j int) bool {
		a, _ := strconv.Atoi(names[i])
		b, _ := strconv.Atoi(names[j])
		return a < b
	})
	return names
}

func (mg *merger) stats() (mergesCount uint64, lastMerged time.Time, reclaimable int64) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	var total int64
	for _, d := range mg.reclaims {
		total += d.length
	}
	return mg.mergesCount, mg.lastMerged, total
}

func (mg *merger) recordMerge() {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	mg.mergesCount++
	mg.lastMerged = time.Now()
}

// rewrittenEntry is one surviving record carried through the merge's
// rewrite step, before its new index location is installed.
type rewrittenEntry struct {
	key       string
	entry     keydir.Entry
	diskKey   []byte
	valueSize uint32
	timestamp uint32
	pos       uint32
}

// merge compacts the given set of inactive files into a single target
// file, per spec.md §4.6:
//  1. scan each source file, keeping only records the index still
//     considers live;
//  2. rewrite the live records to a temporary file under the target's
//     final name with a trailing underscore, so the real target name is
//     never touched until the rewrite is known to be complete;
//  3. for each rewritten key, install its new location in the index
//     only if nothing newer was written since the scan (InstallIfStale)
//     — this is what makes it safe to merge concurrently with writers;
//  4. write a hint file for the target so future recoveries skip
//     re-verifying every CRC in it;
//  5. delete the non-target source files (and their hints), delete the
//     old target, then rename the temp file into place.
//
// The chosen target is the highest-numbered file in files: reusing an
// existing name (instead of minting a new one) keeps the merge from
// growing the file-number space every time it runs.
func (e *Engine) merge(files []string) error {
	sorted := append([]string(nil), files...)
	sort.Slice(sorted, func(i, j int) bool {
		a, _ := strconv.Atoi(sorted[i])
		b, _ := strconv.Atoi(sorted[j])
		return a < b
	})
	target := sorted[len(sorted)-1]
	tempName := target + "_"
	tempPath := e.files.Path(tempName)

	e.logger.Info("merge started", zap.Strings("sources", sorted), zap.String("target", target))

	staleFiles := make(map[string]struct{}, len(sorted))
	for _, f := range sorted {
		staleFiles[f] = struct{}{}
	}

	var data bytes.Buffer
	var kept []rewrittenEntry
	var writePos int64

	for _, src := range sorted {
		_, err := e.files.Scan(src, func(entry record.Entry, pos int64) error {
			logicalKey := string(decodeKeyLogical(entry.Key, e.opts.PrefixedKeys))
			recLen := record.HeaderSize + len(entry.Key) + len(entry.Value)
			loc := keydir.Entry{File: src, Pos: pos, Length: recLen, Timestamp: entry.Timestamp}

			if !e.index.HasEntry(logicalKey, loc) {
				return nil // stale or tombstoned: drop it
			}
			if entry.IsTombstone() {
				return nil // defensive: a live tombstone shouldn't occur, but never carry one forward
			}

			buf := record.EncodeData(entry.Key, entry.Value, entry.Timestamp)
			data.Write(buf)

			kept = append(kept, rewrittenEntry{
				key:       logicalKey,
				entry:     keydir.Entry{File: target, Pos: writePos, Length: len(buf), Timestamp: entry.Timestamp},
				diskKey:   entry.Key,
				valueSize: entry.ValueSize,
				timestamp: entry.Timestamp,
				pos:       uint32(writePos),
			})
			writePos += int64(len(buf))
			return nil
		})
		if err != nil {
			return ioErr("merge", err)
		}
	}

	if err := os.WriteFile(tempPath, data.Bytes(), 0o644); err != nil {
		return ioErr("merge", err)
	}

	var hintBuf bytes.Buffer
	for _, r := range kept {
		hintBuf.Write(record.EncodeHint(r.diskKey, r.valueSize, r.timestamp, r.pos))
	}

	installed := 0
	for _, r := range kept {
		if e.index.InstallIfStale(r.key, r.entry, staleFiles) {
			installed++
		}
	}

	hintPath := e.files.Path(target + "h")
	if err := atomic.WriteFile(hintPath, bytes.NewReader(hintBuf.Bytes())); err != nil {
		return ioErr("merge", err)
	}

	for _, f := range sorted {
		if f == target {
			continue
		}
		if err := e.files.Delete(f); err != nil {
			return ioErr("merge", err)
		}
		if err := e.files.DeleteHint(f); err != nil {
			return ioErr("merge", err)
		}
		e.merger.removeReclaim(f)
	}

	if err := e.files.Delete(target); err != nil {
		return ioErr("merge", err)
	}
	if err := os.Rename(tempPath, e.files.Path(target)); err != nil {
		return ioErr("merge", err)
	}
	e.merger.removeReclaim(target)

	// Safety check (spec.md §4.6 step 5): nothing in the index should
	// still reference a file that no longer exists.
	for key, loc := range e.index.Snapshot() {
		if _, wasMerged := staleFiles[loc.File]; wasMerged && loc.File != target {
			return fmt.Errorf("bytecask: merge left dangling index entry for %q pointing at removed file %s", key, loc.File)
		}
	}

	e.merger.recordMerge()
	e.logger.Info("merged",
		zap.Strings("sources", sorted),
		zap.String("target", target),
		zap.Int("kept", len(kept)),
		zap.Int("installed", installed),
	)
	return nil
}
