package diskstore

import "time"

// Element is a cache element handed to the store for spilling.
//
// The key is opaque to the engine. It is carried through serialization and
// stamped on the returned [Marker] purely for identity and debugging; the
// engine never interprets it. HitCount and Expiry are informational
// metadata copied onto the marker at write time. They are not authoritative
// for liveness; the caller's in-memory index decides when an element dies.
type Element struct {
	Key      string
	Value    any
	HitCount int64
	Expiry   time.Time
}
