package pathreg

import (
	"fmt"
	"os"
	"path/filepath"
)

// ErrLockHeld is returned by Acquire when the lock is held by another
// live process.
type ErrLockHeld struct {
	Path        string
	HolderPID   int
}

func (e *ErrLockHeld) Error() string {
	return fmt.Sprintf("lock %s held by pid %d", e.Path, e.HolderPID)
}

// Lock is an exclusive, PID-content file lock (spec.md §4.1). Acquire
// uses O_EXCL create semantics; if creation fails because the file
// exists, the holder PID is read and, if that PID is dead, the stale
// lock is removed and acquisition retried exactly once.
type Lock struct {
	path string
	held bool
}

// NewLock returns a Lock bound to path. Acquire/Release operate on it.
func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// Acquire attempts to take the lock for the current process. On success
// the lock file contains the caller's PID. Returns *ErrLockHeld if a
// live process already holds it.
func (l *Lock) Acquire() error {
	if err := l.tryCreate(); err == nil {
		l.held = true
		return nil
	} else if !os.IsExist(err) {
		return fmt.Errorf("cannot create lock %s: %w", l.path, err)
	}

	holder, err := ReadPID(l.path)
	if err != nil {
		return fmt.Errorf("cannot read lock %s: %w", l.path, err)
	}
	if holder != 0 && IsProcessAlive(holder) {
		return &ErrLockHeld{Path: l.path, HolderPID: holder}
	}

	// Stale lock: remove and retry once.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove stale lock %s: %w", l.path, err)
	}
	if err := l.tryCreate(); err != nil {
		if os.IsExist(err) {
			holder, _ := ReadPID(l.path)
			return &ErrLockHeld{Path: l.path, HolderPID: holder}
		}
		return fmt.Errorf("cannot create lock %s: %w", l.path, err)
	}
	l.held = true
	return nil
}

func (l *Lock) tryCreate() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, werr := f.WriteString(fmt.Sprintf("%d", os.Getpid()))
	return werr
}

// Release removes the lock file. It is idempotent: releasing a lock that
// was never acquired, or one already released, is a no-op.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot release lock %s: %w", l.path, err)
	}
	l.held = false
	return nil
}

// Held reports whether this Lock instance currently believes it holds
// the lock (best-effort local bookkeeping, not re-verified on disk).
func (l *Lock) Held() bool { return l.held }
