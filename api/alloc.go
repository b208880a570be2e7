package api

import "unsafe"

// GCUnitType is a bit-set of attributes attached to every allocated
// unit. It decides how the collector treats the unit during mark and
// sweep.
type GCUnitType uint8

const (
	// GCNeedSweep units are subject to reclamation: if unmarked at
	// the end of a cycle the sweep releases them.
	GCNeedSweep GCUnitType = 1 << iota

	// GCAutoMark units have their payload scanned conservatively for
	// pointer-shaped slots when marked.
	GCAutoMark

	// GCHasMarker units invoke the registered marker callback when
	// reached by the collector.
	GCHasMarker

	// GCHasFinalizer units invoke the registered destroyer before
	// reclamation.
	GCHasFinalizer
)

// MarkCallback is invoked with the unit's payload pointer when a unit
// carrying GCHasMarker is promoted to fully-marked. The callback
// should resolve the unit's outgoing references and feed them back
// through TryMarkUnit.
type MarkCallback func(userctx interface{}, ptr unsafe.Pointer)

// DestroyCallback is invoked with the unit's payload pointer just
// before a unit carrying GCHasFinalizer is reclaimed.
type DestroyCallback func(userctx interface{}, ptr unsafe.Pointer)

// RootMarking is invoked at the boundaries of the marking window. The
// start callback is where the host enumerates its roots and calls
// TryMarkUnit on each of them.
type RootMarking func(userctx interface{})

// Mallocer interface for custom memory management with integrated
// garbage collection.
type Mallocer interface {
	// Slabs allocatable slab of sizes.
	Slabs() (sizes []int64)

	// Alloc a unit of `n` bytes. The unit is exempt from sweeping and
	// must be freed explicitly. Allocated memory is always 64-bit
	// aligned. Returns nil on out-of-memory.
	Alloc(n int64) unsafe.Pointer

	// AllocAttrib a unit of `n` bytes with the supplied attribute
	// mask. Returns nil on out-of-memory.
	AllocAttrib(n int64, attrib GCUnitType) unsafe.Pointer

	// Realloc the unit at ptr to n bytes, preserving contents up to
	// the smaller of the old capacity and n. May return ptr itself.
	Realloc(ptr unsafe.Pointer, n int64) unsafe.Pointer

	// Free the unit at ptr. If the unit carries GCNeedSweep it must
	// still be reachable, to avoid racing an in-flight sweep.
	Free(ptr unsafe.Pointer)

	// Slabsize return the size of the unit's slab.
	Slabsize(ptr unsafe.Pointer) int64

	// Info of memory accounting: capacity, committed heap, allocated
	// and book-keeping overhead, all in bytes.
	Info() (capacity, heap, alloc, overhead int64)

	// Utilization map of slab-size and its utilization.
	Utilization() ([]int, []float64)

	// Release the allocator, its chunks and all its resources.
	Release()
}
