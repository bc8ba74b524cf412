package diskstore

import (
	"io"
	"log/slog"
	"time"

	"github.com/calvinalkan/diskspill/internal/fs"
)

// Defaults match the thresholds the engine was originally tuned with. All
// of them are per-store construction parameters, not process-wide state,
// so tests can shrink them freely.
const (
	// DefaultRetryDelay is the pause between the two encode attempts when a
	// payload is concurrently mutated.
	DefaultRetryDelay = 250 * time.Millisecond

	// DefaultQueueHighWater is the pending-task count above which
	// [Store.BufferFull] reports true.
	DefaultQueueHighWater = 10000

	// DefaultShutdownGracePeriod bounds how long [Store.Shutdown] waits for
	// the write-behind worker to drain before closing the file anyway.
	DefaultShutdownGracePeriod = 60 * time.Second

	// DefaultAutoDirPrefix marks directories that were auto-created for
	// backing files. Delete tries to remove such a directory once its own
	// file is gone, a cooperative last-one-out cleanup.
	DefaultAutoDirPrefix = "diskspill_auto_created"

	defaultProgressInterval = time.Second
)

// Options configure [Open]. Path is required; every other field has a
// usable zero value.
type Options struct {
	// Path is the backing file. Created if absent, along with parent
	// directories. Exactly one Store may own a path at a time.
	Path string

	// FS is the filesystem implementation. Defaults to the real one.
	// Tests substitute a fault-injecting implementation.
	FS fs.FS

	// Codec serializes elements. Defaults to a [GobCodec] wired to
	// Resolver (if any) and the default type registry.
	Codec Codec

	// Resolver is the context-scoped payload type resolver, consulted
	// before the default registry during decoding. Optional.
	Resolver TypeResolver

	// RetryDelay overrides [DefaultRetryDelay].
	RetryDelay time.Duration

	// QueueHighWater overrides [DefaultQueueHighWater].
	QueueHighWater int

	// ShutdownGracePeriod overrides [DefaultShutdownGracePeriod].
	ShutdownGracePeriod time.Duration

	// ShutdownProgressInterval is how often Shutdown logs that it is still
	// waiting for the worker. Defaults to one second.
	ShutdownProgressInterval time.Duration

	// AutoDirPrefix overrides [DefaultAutoDirPrefix]. A backing file whose
	// path contains this marker lives in an auto-created directory that
	// Delete will try to clean up.
	AutoDirPrefix string

	// Logger receives shutdown progress and best-effort cleanup failures.
	// Defaults to a discard logger; the engine is otherwise silent.
	Logger *slog.Logger
}

// withDefaults returns a copy of o with zero values filled in.
func (o Options) withDefaults() Options {
	if o.FS == nil {
		o.FS = fs.NewReal()
	}

	if o.Codec == nil {
		if o.Resolver != nil {
			o.Codec = NewGobCodec(o.Resolver)
		} else {
			o.Codec = NewGobCodec()
		}
	}

	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}

	if o.QueueHighWater <= 0 {
		o.QueueHighWater = DefaultQueueHighWater
	}

	if o.ShutdownGracePeriod <= 0 {
		o.ShutdownGracePeriod = DefaultShutdownGracePeriod
	}

	if o.ShutdownProgressInterval <= 0 {
		o.ShutdownProgressInterval = defaultProgressInterval
	}

	if o.AutoDirPrefix == "" {
		o.AutoDirPrefix = DefaultAutoDirPrefix
	}

	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return o
}
