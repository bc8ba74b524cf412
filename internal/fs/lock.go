package fs

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by [Locker.TryLock] when the lock is held by
// another owner (in this process or any other).
var ErrWouldBlock = errors.New("lock would block")

// Locker provides file-based locking using flock(2).
//
// flock is advisory and applies to an open file description, not a
// pathname. All cooperating owners must take the lock for it to have
// effect. Prefer a dedicated lock file that is stable on disk (for example
// "overflow.data.lock") and do not replace or unlink it while locks may be
// held.
//
// Custom [FS]/[File] implementations must provide a real OS file
// descriptor via [File.Fd], usable with flock.
//
// This implementation is Unix-only.
type Locker struct {
	fsys  FS
	flock func(fd int, how int) error
}

// NewLocker creates a Locker that uses the given filesystem for file
// operations.
func NewLocker(fsys FS) *Locker {
	return &Locker{
		fsys:  fsys,
		flock: unix.Flock,
	}
}

// TryLock acquires an exclusive lock on the file at path without blocking.
// The file is created if it does not exist. Returns [ErrWouldBlock] if the
// lock is held elsewhere.
func (l *Locker) TryLock(path string) (*Lock, error) {
	file, err := l.fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	err = flockRetryEINTR(l.flock, int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrWouldBlock
		}

		return nil, fmt.Errorf("flock: %w", err)
	}

	return &Lock{file: file, flock: l.flock}, nil
}

// Lock represents a held file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// Close releases the lock and closes the underlying file descriptor.
//
// Close is idempotent - calling it multiple times is safe and subsequent
// calls return nil.
//
// Note: on Unix, closing a file descriptor typically releases any flock
// held by that descriptor. Close attempts an explicit unlock first; if
// that fails but the close succeeds, the lock is usually still released.
// If both fail, Close returns an error wrapping both (see [errors.Join]).
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(lk.flock, fd, unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// flockRetryEINTR calls flock, retrying while it is interrupted by a
// signal.
func flockRetryEINTR(flock func(fd int, how int) error, fd, how int) error {
	for {
		err := flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
