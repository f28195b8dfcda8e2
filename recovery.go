package bytecask

import (
	"go.uber.org/zap"

	"github.com/scala-nl/bytecask/internal/datafiles"
	"github.com/scala-nl/bytecask/internal/keydir"
	"github.com/scala-nl/bytecask/internal/record"
)

// recover rebuilds the in-memory index at startup (spec.md §4.7).
//
// Inactive files are processed in ascending numeric order, preferring
// each one's hint file (if present) over a full scan, since a hint
// file's records have already survived a CRC check once at merge time.
//
// The active file is always named "0" — numerically the smallest
// possible name — yet it always holds the engine's most recent writes,
// since split() only ever renames it away and starts a fresh one. So
// recovery cannot simply walk file names in ascending order start to
// finish: "0" has to be replayed *last* for last-write-wins to hold,
// even though it sorts first. This is the resolution for spec.md §9's
// open question on recovery ordering (recorded in DESIGN.md).
func (e *Engine) recover() error {
	inactive, err := e.files.InactiveFiles()
	if err != nil {
		return err
	}

	for _, name := range inactive {
		if err := e.recoverFile(name); err != nil {
			return err
		}
	}

	return e.recoverFile(datafiles.ActiveName)
}

func (e *Engine) recoverFile(name string) error {
	if e.files.HasHint(name) {
		return e.recoverFromHint(name)
	}
	return e.recoverFromScan(name)
}

func (e *Engine) recoverFromHint(name string) error {
	count := 0
	err := e.files.ScanHint(name, func(hint record.HintEntry) error {
		logicalKey := string(decodeKeyLogical(hint.Key, e.opts.PrefixedKeys))
		e.index.Put(logicalKey, keydir.Entry{
			File:      name,
			Pos:       int64(hint.Pos),
			Length:    record.HeaderSize + int(hint.KeySize) + int(hint.ValueSize),
			Timestamp: hint.Timestamp,
		})
		count++
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Debug("recovered from hint", zap.String("file", name), zap.Int("entries", count))
	return nil
}

func (e *Engine) recoverFromScan(name string) error {
	var live, tombstoned int
	truncated, err := e.files.Scan(name, func(entry record.Entry, pos int64) error {
		logicalKey := string(decodeKeyLogical(entry.Key, e.opts.PrefixedKeys))

		if entry.IsTombstone() {
			e.index.Remove(logicalKey)
			tombstoned++
			return nil
		}

		e.index.Put(logicalKey, keydir.Entry{
			File:      name,
			Pos:       pos,
			Length:    record.HeaderSize + len(entry.Key) + len(entry.Value),
			Timestamp: entry.Timestamp,
		})
		live++
		return nil
	})
	if err != nil {
		return err
	}

	if truncated {
		e.logger.Warn("recovered with a truncated tail record; discarding it",
			zap.String("file", name))
	}
	e.logger.Debug("recovered from scan",
		zap.String("file", name), zap.Int("live", live), zap.Int("tombstoned", tombstoned))
	return nil
}
