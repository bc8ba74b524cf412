// Package diskstore provides the disk-overflow storage engine for an
// in-process cache.
//
// When an in-memory cache evicts or proactively spills an element, the
// element is serialized into a byte-addressable backing file and the
// caller's in-memory index keeps a lightweight [Marker] pointing at the
// element's location on disk. diskstore owns exactly one backing file per
// [Store] instance and covers the byte-range allocator over that file, the
// asynchronous write-behind path, the synchronous read path, and the marker
// lifecycle. The in-memory index itself, eviction policy, and any
// management facade are the caller's business.
//
// # Basic Usage
//
//	store, err := diskstore.Open(diskstore.Options{
//	    Path: "/var/cache/app/overflow.data",
//	})
//	if err != nil {
//	    // handle [ErrBusy] (another instance owns the file) or open failure
//	}
//	defer store.Shutdown()
//
//	// Spill an element, get a marker back for the in-memory index.
//	marker, err := store.Write(diskstore.Element{Key: "user:42", Value: profile})
//
//	// Materialize it again later.
//	element, err := store.Read(marker)
//
//	// Release the slot when the element dies.
//	store.Free(marker)
//
// # Concurrency
//
// A Store is safe for concurrent use. Reads and writes from arbitrary
// goroutines are serialized only around the seek+transfer against the
// shared file handle. Mutating operations routed through [Store.Submit]
// execute on a single background worker in submission order, which gives
// callers a free serialization guarantee for write/free/delete relative to
// each other. There is no ordering guarantee between a submitted task and
// a direct synchronous call made outside the worker; callers that need
// read-after-write consistency for a key must route both operations
// through the same path.
//
// # Durability
//
// The backing file is scratch storage, not a database. It has no header,
// index, or recovery log; its layout is meaningful only together with the
// in-process free-space registry and the caller's key-to-marker index,
// both of which die with the process. diskstore does not reopen existing
// data.
package diskstore
