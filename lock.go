package bytecask

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// ErrBusy is returned by Open when another Engine in this process model
// already holds the directory's lock file.
var ErrBusy = newErr(KindIO, "open", errors.New("directory is locked by another engine"))

// acquireDirLock takes a non-blocking exclusive flock on <dir>/.lock,
// refusing to open a directory that's already open elsewhere. Mirrors
// the single-writer guard in the slotcache writer lock, adapted from a
// per-cache lock to a per-directory one.
func acquireDirLock(dir string) (*os.File, error) {
	lockPath := dir + "/.lock"

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, ioErr("open", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, ErrBusy
		}
		return nil, ioErr("open", err)
	}

	return f, nil
}

// releaseDirLock releases the lock and closes the file, returning
// whatever either step failed with so the caller can fold it into its
// own error reporting. The lock file itself is left on disk, matching
// the teacher pattern's "lock file persists" comment — it's harmless
// and avoids a TOCTOU window where a concurrent opener races the
// unlink.
func releaseDirLock(f *os.File) error {
	if f == nil {
		return nil
	}
	unlockErr := syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	closeErr := f.Close()
	if unlockErr != nil {
		return ioErr("close", unlockErr)
	}
	if closeErr != nil {
		return ioErr("close", closeErr)
	}
	return nil
}
