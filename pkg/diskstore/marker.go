package diskstore

import "time"

// Marker is the in-memory placeholder for an element that lives on disk.
//
// A marker denotes a slot in the backing file: Position is the byte offset
// where the serialized payload begins and Capacity is the size of the
// allocated slot. Size is the number of bytes the current payload actually
// occupies; Capacity >= Size always holds because a slot reused from the
// free-space registry keeps its original capacity. A slot is never split
// or coalesced. Once allocated at a given capacity it keeps that capacity
// for its lifetime, even when reused by smaller payloads.
//
// Markers are plain values. They carry no reference to the Store that
// produced them; only that Store can interpret Position/Capacity against
// its own backing file.
type Marker struct {
	Key      string
	Position int64
	Capacity int
	Size     int

	// Metadata copied from the source element at write time,
	// carried for informational purposes.
	HitCount int64
	Expiry   time.Time
}
