package diskstore

import "errors"

// Sentinel errors returned by diskstore operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, diskstore.ErrConcurrentMutation) {
//	    // payload kept mutating during both encode attempts
//	}
var (
	// ErrClosed indicates the [Store] has been shut down.
	//
	// This is a programming error.
	ErrClosed = errors.New("diskstore: closed")

	// ErrBusy indicates another Store instance holds the lock on the
	// backing file.
	//
	// Exactly one Store may own a backing file at a time.
	ErrBusy = errors.New("diskstore: busy")

	// ErrInvalidOptions indicates invalid arguments were provided to [Open].
	//
	// This is a programming error.
	ErrInvalidOptions = errors.New("diskstore: invalid options")

	// ErrConcurrentMutation indicates a caller-owned payload was structurally
	// modified by another goroutine while it was being encoded.
	//
	// Encoding is attempted twice with a fixed delay in between before this
	// error surfaces. The element was not written.
	//
	// Recovery: stop mutating the payload, or hand the store an immutable
	// snapshot of it.
	ErrConcurrentMutation = errors.New("diskstore: concurrent mutation of payload during encode")

	// ErrUnknownPayloadType indicates a serialized payload's type name could
	// not be resolved by any configured [TypeResolver].
	//
	// Recovery: register the payload type with [RegisterType] or provide a
	// resolver via [Options.Resolver] before reading.
	ErrUnknownPayloadType = errors.New("diskstore: unknown payload type")
)
