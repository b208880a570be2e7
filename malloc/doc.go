// Package malloc supplies concurrent, thread-caching memory
// management with integrated tracing garbage collection:
//
//  * Memory is reserved from the OS in large chunks, committed
//    lazily in runs of 64KB pages. Each page is sliced into
//    fixed sized units of a single size-class.
//  * Small and medium allocations are serviced from per-thread
//    caches without synchronization. Large allocations occupy
//    1..16 contiguous pages, huge allocations go straight to
//    the OS.
//  * Every unit carries a 16-byte header recording its owning
//    page, allocation epoch, GC attributes, generational age and
//    an atomic mark state.
//  * A collector goroutine drives tri-color concurrent marking
//    over a lock-free gray list, with write/deletion barriers,
//    a card-table remembered set for old to young references,
//    and a sweep that walks every committed page.
//  * Memory units handed to the application are always 64-bit
//    aligned.
//
// Heap is the top level object. Hosts that manage their own worker
// threads allocate through per-worker Threadcache instances; the
// Heap level Alloc/Free entry points serialize on an internal cache
// and are the convenience path.
package malloc

// TODO: decommit cold pages between cycles once sweep learns to
// measure page occupancy across epochs.
