// Package datafiles is the IO layer: it owns the active append file, the
// reader pool, and the directory of numbered data files, and implements
// append, indexed read, full-file scan, deletion and rotation (split).
package datafiles

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/scala-nl/bytecask/internal/record"
)

// ActiveName is the name of the sole file open for appends.
const ActiveName = "0"

// Location identifies one record's position on disk, as returned by
// Append and consumed by Read.
type Location struct {
	File      string
	Pos       int64
	Length    int
	Timestamp uint32
}

// SplitHook is invoked synchronously, under the append lock, once a
// rotation has renamed the active file to newName and opened a fresh
// one in its place — before the triggering Append's record is written.
// The Manager itself works purely in terms of file names on disk; it
// has no notion of an index, so anything that must be kept consistent
// across a rename (the keydir, reclaim accounting) hangs off this hook.
type SplitHook func(newName string)

// Manager owns the active appender, the reader pool, and the directory.
type Manager struct {
	dir string

	appendMu   sync.Mutex
	active     *os.File
	activeSize int64
	onSplit    SplitHook

	pool *Pool

	splits atomic.Int64
}

// SetSplitHook installs (or clears, with nil) the Manager's split hook.
func (m *Manager) SetSplitHook(h SplitHook) {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	m.onSplit = h
}

// Open opens (creating if necessary) the active file "0" in dir and
// returns a ready Manager. readerCapacity configures the reader pool's
// idle-handle capacity (see Pool).
func Open(dir string, readerCapacity int) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "datafiles: create directory")
	}

	activePath := filepath.Join(dir, ActiveName)
	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "datafiles: open active file")
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "datafiles: stat active file")
	}

	return &Manager{
		dir:        dir,
		active:     f,
		activeSize: info.Size(),
		pool:       NewPool(readerCapacity),
	}, nil
}

// Dir returns the directory this manager owns.
func (m *Manager) Dir() string { return m.dir }

// Path returns the absolute path of the named data file.
func (m *Manager) Path(name string) string { return filepath.Join(m.dir, name) }

// Splits returns the number of rotations performed so far.
func (m *Manager) Splits() int64 { return m.splits.Load() }

func now32() uint32 {
	return uint32(time.Now().UnixMilli() / 1000)
}

// Append serializes and writes a single data record to the active file,
// rotating first if maxFileSize would be exceeded. It returns the
// location of the newly written record.
func (m *Manager) Append(key, value []byte, maxFileSize int64) (Location, error) {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()

	ts := now32()
	buf := record.EncodeData(key, value, ts)

	if maxFileSize > 0 && m.activeSize > 0 && m.activeSize+int64(len(buf)) > maxFileSize {
		if _, err := m.splitLocked(); err != nil {
			return Location{}, err
		}
	}

	pos := m.activeSize

	if _, err := m.active.Write(buf); err != nil {
		return Location{}, errors.Wrap(err, "datafiles: append write")
	}
	if err := m.active.Sync(); err != nil {
		return Location{}, errors.Wrap(err, "datafiles: append sync")
	}

	m.activeSize += int64(len(buf))

	return Location{File: ActiveName, Pos: pos, Length: len(buf), Timestamp: ts}, nil
}

// Read reads and CRC-verifies the record at loc.
func (m *Manager) Read(loc Location) (record.Entry, error) {
	path := m.Path(loc.File)

	f, err := m.pool.Acquire(path)
	if err != nil {
		return record.Entry{}, errors.Wrapf(err, "datafiles: open %s for read", loc.File)
	}

	buf := make([]byte, loc.Length)
	_, err = f.ReadAt(buf, loc.Pos)
	if err != nil {
		_ = f.Close()
		return record.Entry{}, errors.Wrapf(err, "datafiles: read %s at %d", loc.File, loc.Pos)
	}

	m.pool.Release(path, f)

	return record.VerifyAndDecode(buf)
}

// ScanVisitor is invoked once per decoded data record during a scan. pos
// is the record's offset within the file.
type ScanVisitor func(entry record.Entry, pos int64) error

// Scan performs an iterative decode of name from offset 0 to EOF,
// stopping at the first decode error (a best-effort scan, tolerating a
// torn tail record). It reports via truncated whether the scan ended on
// a decode failure (true) or reached a clean EOF (false).
func (m *Manager) Scan(name string, visit ScanVisitor) (truncated bool, err error) {
	f, err := os.Open(m.Path(name))
	if err != nil {
		return false, errors.Wrapf(err, "datafiles: open %s for scan", name)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var pos int64

	header := make([]byte, record.HeaderSize)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return false, nil
			}
			return true, nil
		}

		hdr, _ := record.DecodeHeader(header)
		body := make([]byte, int(hdr.KeySize)+int(hdr.ValueSize))
		if _, err := io.ReadFull(r, body); err != nil {
			return true, nil
		}

		full := append(append([]byte{}, header...), body...)
		entry, err := record.VerifyAndDecode(full)
		if err != nil {
			return true, nil
		}

		if err := visit(entry, pos); err != nil {
			return false, err
		}

		pos += int64(len(full))
	}
}

// HintScanVisitor is invoked once per decoded hint record.
type HintScanVisitor func(hint record.HintEntry) error

// ScanHint decodes every hint record in <name>h from offset 0 to EOF.
func (m *Manager) ScanHint(name string, visit HintScanVisitor) error {
	f, err := os.Open(m.Path(name + "h"))
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	fixed := make([]byte, record.HintHeaderSize)
	for {
		if _, err := io.ReadFull(r, fixed); err != nil {
			if err == io.EOF {
				return nil
			}
			return nil // torn tail: tolerate, matching data-file scan semantics
		}

		ks := int(fixed[4])<<8 | int(fixed[5])
		key := make([]byte, ks)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil
		}

		full := append(append([]byte{}, fixed...), key...)
		hint, _, err := record.DecodeHintAt(full)
		if err != nil {
			return nil
		}

		if err := visit(hint); err != nil {
			return err
		}
	}
}

// InactiveFiles returns every integer-named file except the active
// file, in ascending numeric order.
func (m *Manager) InactiveFiles() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, errors.Wrap(err, "datafiles: read directory")
	}

	var ids []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == ActiveName {
			continue
		}
		n, err := strconv.Atoi(name)
		if err != nil {
			continue // not an integer-named data file (hint file, lock file, temp file, ...)
		}
		ids = append(ids, n)
	}

	sort.Ints(ids)

	names := make([]string, len(ids))
	for i, n := range ids {
		names[i] = strconv.Itoa(n)
	}
	return names, nil
}

// nextSplitName applies the allocation rule: the smallest positive
// integer not already present among the inactive files, or
// max(existing)+1 if no gap exists.
func (m *Manager) nextSplitName() (string, error) {
	existing, err := m.InactiveFiles()
	if err != nil {
		return "", err
	}

	seen := make(map[int]struct{}, len(existing))
	max := 0
	for _, name := range existing {
		n, _ := strconv.Atoi(name)
		seen[n] = struct{}{}
		if n > max {
			max = n
		}
	}

	for n := 1; n <= max; n++ {
		if _, ok := seen[n]; !ok {
			return strconv.Itoa(n), nil
		}
	}
	return strconv.Itoa(max + 1), nil
}

// splitLocked closes the active file, renames it to the next free
// inactive slot, and opens a fresh active file, returning the
// rotated-away file's new name. Callers must hold appendMu.
func (m *Manager) splitLocked() (string, error) {
	newName, err := m.nextSplitName()
	if err != nil {
		return "", err
	}

	if err := m.active.Close(); err != nil {
		return "", errors.Wrap(err, "datafiles: close active file before split")
	}

	oldPath := m.Path(ActiveName)
	newPath := m.Path(newName)
	if err := os.Rename(oldPath, newPath); err != nil {
		return "", errors.Wrap(err, "datafiles: rename active file on split")
	}
	m.pool.Invalidate(oldPath)

	f, err := os.OpenFile(oldPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return "", errors.Wrap(err, "datafiles: open fresh active file")
	}

	m.active = f
	m.activeSize = 0
	m.splits.Add(1)

	if m.onSplit != nil {
		m.onSplit(newName)
	}
	return newName, nil
}

// Delete removes a data file from disk and invalidates any pooled
// reader for it. It does not touch the file's hint sidecar; callers
// that want both removed call DeleteHint too.
func (m *Manager) Delete(name string) error {
	path := m.Path(name)
	m.pool.Invalidate(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "datafiles: delete %s", name)
	}
	return nil
}

// DeleteHint removes the hint sidecar for name, if any.
func (m *Manager) DeleteHint(name string) error {
	err := os.Remove(m.Path(name + "h"))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "datafiles: delete hint for %s", name)
	}
	return nil
}

// HasHint reports whether name has a hint sidecar on disk.
func (m *Manager) HasHint(name string) bool {
	_, err := os.Stat(m.Path(name + "h"))
	return err == nil
}

// Size returns the current size of the active file.
func (m *Manager) Size() int64 {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	return m.activeSize
}

// Close closes the active appender and the reader pool.
func (m *Manager) Close() error {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()

	var err error
	if cerr := m.active.Close(); cerr != nil {
		err = cerr
	}
	if cerr := m.pool.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
