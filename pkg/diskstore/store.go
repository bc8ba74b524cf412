package diskstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/calvinalkan/diskspill/internal/fs"
)

// encodeAttempts is the total number of serialization attempts per write.
// One retry after a fixed delay, then the failure surfaces.
const encodeAttempts = 2

// Store is the storage factory: it owns one backing file, the free-space
// registry over it, and the write-behind worker, and composes them into
// the public spill/read/free/delete contract.
type Store struct {
	path string
	fsys fs.FS

	gate  *fileGate
	free  *freeList
	sched *scheduler
	codec Codec

	retryDelay    time.Duration
	autoDirPrefix string
	logger        *slog.Logger

	lock    *fs.Lock
	closed  atomic.Bool
	deleted atomic.Bool
}

// Open creates a Store over the backing file at opts.Path.
//
// The file and its parent directories are created if absent. Open takes a
// non-blocking exclusive lock on a sibling ".lock" file; if another Store
// instance (in this or any process) owns the backing file, Open fails with
// [ErrBusy]. If the backing file cannot be opened or created, Open fails
// fast with no partial state retained.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: Path is required", ErrInvalidOptions)
	}

	opts = opts.withDefaults()

	err := opts.FS.MkdirAll(filepath.Dir(opts.Path), 0o700)
	if err != nil {
		return nil, fmt.Errorf("diskstore: creating data directory: %w", err)
	}

	locker := fs.NewLocker(opts.FS)

	lock, err := locker.TryLock(opts.Path + ".lock")
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, fmt.Errorf("%w: backing file %s is owned by another store", ErrBusy, opts.Path)
		}

		return nil, fmt.Errorf("diskstore: locking backing file: %w", err)
	}

	gate, err := openGate(opts.FS, opts.Path)
	if err != nil {
		_ = lock.Close()

		return nil, fmt.Errorf("diskstore: %w", err)
	}

	return &Store{
		path:          opts.Path,
		fsys:          opts.FS,
		gate:          gate,
		free:          newFreeList(),
		sched:         newScheduler(opts.QueueHighWater, opts.ShutdownGracePeriod, opts.ShutdownProgressInterval, opts.Logger),
		codec:         opts.Codec,
		retryDelay:    opts.RetryDelay,
		autoDirPrefix: opts.AutoDirPrefix,
		logger:        opts.Logger,
		lock:          lock,
	}, nil
}

// Write serializes element, allocates a byte range sized to the encoded
// length, writes the bytes through the file gate, and returns the marker
// the caller's index should hold in the element's place.
func (s *Store) Write(element Element) (Marker, error) {
	if s.closed.Load() {
		return Marker{}, ErrClosed
	}

	data, err := s.encodeWithRetry(element)
	if err != nil {
		return Marker{}, err
	}

	marker, err := s.allocate(element, len(data))
	if err != nil {
		return Marker{}, err
	}

	err = s.gate.writeAt(marker.Position, data)
	if err != nil {
		return Marker{}, fmt.Errorf("diskstore: writing element %q: %w", element.Key, err)
	}

	return marker, nil
}

// Read materializes the element a marker points at. The guarded region
// covers only the seek+read; decoding runs outside the gate.
func (s *Store) Read(marker Marker) (Element, error) {
	buf := make([]byte, marker.Size)

	err := s.gate.readAt(marker.Position, buf)
	if err != nil {
		return Element{}, fmt.Errorf("diskstore: reading element %q: %w", marker.Key, err)
	}

	// Decode outside the gate to keep the guarded region minimal.
	element, err := s.codec.Decode(buf)
	if err != nil {
		return Element{}, err
	}

	return element, nil
}

// Free returns a marker's slot to the free-space registry, unconditionally.
// The registry does not deduplicate; freeing the same marker twice inserts
// two entries for the same byte range and later corrupts allocations.
func (s *Store) Free(marker Marker) {
	s.free.put(marker.Position, marker.Capacity)
}

// Delete removes the backing file and discards all free-range state. The
// store keeps running on its open handle; Delete is typically followed by
// Shutdown.
//
// The sibling ".lock" file stays in place so the path remains owned until
// Shutdown releases it. Shutdown of a deleted store also removes the lock
// file and, if the file lived in a directory auto-created for it
// (recognized by the configured name prefix), tries to remove that
// directory. All removals are best-effort: logged, never escalated, since
// another store may still be using the directory.
func (s *Store) Delete() {
	s.deleted.Store(true)
	s.free.reset()

	err := s.fsys.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		s.logger.Debug("deleting backing file failed", "path", s.path, "error", err)
	}
}

// removeRemnants cleans up after Delete once the flock is released.
func (s *Store) removeRemnants() {
	err := s.fsys.Remove(s.path + ".lock")
	if err != nil && !os.IsNotExist(err) {
		s.logger.Debug("deleting lock file failed", "path", s.path+".lock", "error", err)
	}

	if !strings.Contains(s.path, s.autoDirPrefix) {
		return
	}

	// Last one out turns off the lights: removing the auto-created
	// directory only succeeds once every store in it has deleted its file.
	dir := filepath.Dir(s.path)

	err = s.fsys.Remove(dir)
	if err == nil {
		s.logger.Debug("deleted directory", "dir", dir)
	}
}

// Shutdown stops the write-behind worker, waits up to the grace period for
// it to drain, then closes the backing file handle regardless and releases
// the file lock. If Delete was called, the lock file and any auto-created
// directory are removed once the lock is gone. Idempotent; subsequent calls
// return nil.
func (s *Store) Shutdown() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	drained := s.sched.shutdown()
	if !drained {
		s.logger.Warn("disk writer did not drain within grace period; closing file anyway",
			"pending", s.sched.queueDepth())
	}

	closeErr := s.gate.close()
	lockErr := s.lock.Close()

	if s.deleted.Load() {
		s.removeRemnants()
	}

	return errors.Join(closeErr, lockErr)
}

// Submit hands a task to the write-behind scheduler. Tasks execute on one
// dedicated worker strictly in submission order; the queue is unbounded
// and never rejects work. Returns [ErrClosed] after Shutdown.
func (s *Store) Submit(task Task) (*Result, error) {
	return s.sched.submit(task)
}

// BufferFull reports whether the write-behind queue is over its high-water
// mark. Purely advisory: callers should slow down, but Submit keeps
// accepting tasks.
func (s *Store) BufferFull() bool {
	return s.sched.bufferFull()
}

// WriteTask wraps Write for submission to the scheduler. The task's value
// is the resulting [Marker].
func (s *Store) WriteTask(element Element) Task {
	return func() (any, error) {
		return s.Write(element)
	}
}

// FreeTask wraps Free for submission to the scheduler.
func (s *Store) FreeTask(marker Marker) Task {
	return func() (any, error) {
		s.Free(marker)

		return nil, nil
	}
}

// DeleteTask wraps Delete for submission to the scheduler.
func (s *Store) DeleteTask() Task {
	return func() (any, error) {
		s.Delete()

		return nil, nil
	}
}

// FreeCount reports the number of reusable ranges in the free-space
// registry. Informational.
func (s *Store) FreeCount() int {
	return s.free.len()
}

// QueueDepth reports the number of submitted but unexecuted tasks.
// Informational.
func (s *Store) QueueDepth() int {
	return s.sched.queueDepth()
}

// encodeWithRetry runs the codec with the transient-failure policy: on a
// concurrent-mutation failure wait the fixed delay and try once more, then
// surface the failure. Any other encode error propagates immediately.
func (s *Store) encodeWithRetry(element Element) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < encodeAttempts; attempt++ {
		data, err := s.codec.Encode(element)
		if err == nil {
			return data, nil
		}

		if !errors.Is(err, ErrConcurrentMutation) {
			return nil, err
		}

		lastErr = err

		if attempt+1 < encodeAttempts {
			// Wait for the mutating goroutine(s) to finish.
			time.Sleep(s.retryDelay)
		}
	}

	return nil, lastErr
}

// allocate returns a marker for a slot of at least size bytes: first-fit
// from the free-space registry, else the file is extended. A reused free
// range donates its entire capacity to the new marker, even when that
// wastes space until the marker is freed again. No splitting, no
// defragmentation.
func (s *Store) allocate(element Element, size int) (Marker, error) {
	marker := Marker{
		Key:      element.Key,
		Size:     size,
		HitCount: element.HitCount,
		Expiry:   element.Expiry,
	}

	if position, capacity, ok := s.free.take(size); ok {
		marker.Position = position
		marker.Capacity = capacity

		return marker, nil
	}

	position, err := s.gate.extend(size)
	if err != nil {
		return Marker{}, fmt.Errorf("diskstore: extending backing file: %w", err)
	}

	marker.Position = position
	marker.Capacity = size

	return marker, nil
}
