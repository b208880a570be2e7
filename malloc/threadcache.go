package malloc

import "unsafe"

import "github.com/cinogama/woomem/api"
import "github.com/cinogama/woomem/lib"

// Threadcache per-thread front-end of the heap. A Threadcache is
// owned by exactly one goroutine or host thread: its page lists and
// free lists are touched without synchronization. Cross-thread
// interaction happens only through the owning pages' async-returned
// lists and the global pool's lock-free stacks.
type Threadcache struct {
	heap    *Heap
	classes [nSmallMedium]tclass
	epoch   uint8 // synchronized at Checkpoint
	marking bool  // synchronized at Checkpoint
	dead    bool
}

type tclass struct {
	pages     *pagehead      // cached pages, linked through pagehead.link
	npages    int64          // bounded by "threadcache.pages"
	freehead  unsafe.Pointer // local free list threaded through payloads
	freecount int64          // flushed beyond "threadcache.freelimit"
}

// NewThreadcache register a new thread-local cache with the heap.
// The returned cache must be used from a single thread and Released
// when the thread winds down.
func (h *Heap) NewThreadcache() *Threadcache {
	tc := &Threadcache{heap: h}
	h.pool.registerthread(tc)
	return tc
}

//---- allocation

// Alloc a unit exempt from sweeping; counterpart of alloc_normal.
func (tc *Threadcache) Alloc(n int64) unsafe.Pointer {
	return tc.AllocAttrib(n, 0)
}

// AllocAttrib a unit with the given attribute mask. Small and medium
// requests are served from the local free list when possible, large
// and huge requests delegate to the heap. Returns nil on
// out-of-memory.
func (tc *Threadcache) AllocAttrib(n int64, typ api.GCUnitType) unsafe.Pointer {
	class := sizeclass(n)
	if class >= nSmallMedium {
		if class < nClasses {
			return tc.heap.alloclarge(class, typ)
		}
		return tc.heap.allochuge(n, typ)
	}

	cls := &tc.classes[class]
	if ptr := cls.popfree(); ptr != nil {
		u := headof(ptr)
		u.initmeta(tc.heap.curepoch(), typ, u.page)
		initblock(uintptr(ptr), classcapacity(class))
		tc.heap.accalloc(classcapacity(class))
		return ptr
	}
	return tc.allocslow(class, typ)
}

func (cls *tclass) popfree() unsafe.Pointer {
	ptr := cls.freehead
	if ptr == nil {
		return nil
	}
	cls.freehead = *(*unsafe.Pointer)(ptr)
	cls.freecount--
	return ptr
}

// allocslow drain the cached pages of the class, abandoning
// exhausted ones, then pull a fresh page from the global pool.
func (tc *Threadcache) allocslow(class int, typ api.GCUnitType) unsafe.Pointer {
	cls := &tc.classes[class]
	for {
		for pg := cls.pages; pg != nil; pg = cls.pages {
			if u := pg.allocunit(); u != nil {
				u.initmeta(tc.heap.curepoch(), typ, pg.base())
				initblock(uintptr(u.payload()), classcapacity(class))
				tc.heap.accalloc(classcapacity(class))
				return u.payload()
			}
			cls.pages = (*pagehead)(unsafe.Pointer(pg.link))
			cls.npages--
			pg.link = 0
			pg.abandon()
		}
		if cls.npages >= tc.heap.tcpages {
			// page group of this class is saturated; should not
			// happen while exhausted pages are abandoned eagerly.
			return nil
		}
		pg, err := tc.heap.pool.acquirepage(class)
		if err != nil {
			return nil
		}
		pg.link = uintptr(unsafe.Pointer(cls.pages))
		cls.pages = pg
		cls.npages++
	}
}

//---- free

// Free release a unit. Small and medium units land on the local free
// list of their class; large units return to the global bucket; huge
// units are only state-flipped, their memory is reclaimed by the
// next sweep.
func (tc *Threadcache) Free(ptr unsafe.Pointer) {
	tc.freeunit(ptr, true)
}

func (tc *Threadcache) freeunit(ptr unsafe.Pointer, runfinal bool) {
	if ptr == nil {
		panicerr("threadcache.free(): nil pointer")
	}
	u := headof(ptr)
	if u.page == 0 {
		tc.heap.freebig(ptr, runfinal)
		return
	}
	if !releaseunit(u, runfinal, tc.heap) {
		return // double free or reclaimed by a racing sweep
	}
	pg := pageof(u)
	tc.heap.accfree(classcapacity(int(pg.class)))

	cls := &tc.classes[pg.class]
	*(*unsafe.Pointer)(ptr) = cls.freehead
	cls.freehead = ptr
	cls.freecount++
	if cls.freecount > tc.heap.tcfreelimit {
		tc.flushclass(cls)
	}
}

// releaseunit transition any non-Released mark to Released, running
// the finalizer once on the winning transition.
func releaseunit(u *unithead, runfinal bool, h *Heap) bool {
	for {
		m := u.getmark()
		if m == markReleased {
			return false
		}
		if u.casmark(m, markReleased) {
			break
		}
	}
	if runfinal && u.gctype()&api.GCHasFinalizer != 0 && h.destroyer != nil {
		h.destroyer(h.userctx, u.payload())
	}
	return true
}

// flushclass return the most recently freed units of the local free
// list to the owning pages' async-returned lists, until half the
// free limit remains.
func (tc *Threadcache) flushclass(cls *tclass) {
	for cls.freecount > tc.heap.tcfreelimit/2 {
		ptr := cls.popfree()
		u := headof(ptr)
		pageof(u).asyncpush(u)
	}
}

//---- realloc

// Realloc grow or shrink a unit. Stays in place when the new size
// classifies into the same or the next-lower class, or when a huge
// unit's aligned capacity already covers it; otherwise the unit
// moves, carrying its attribute mask and contents.
func (tc *Threadcache) Realloc(ptr unsafe.Pointer, n int64) unsafe.Pointer {
	if ptr == nil {
		return tc.Alloc(n)
	}
	u := headof(ptr)
	oldcap := int64(0)
	if u.page != 0 {
		oldclass := int(pageof(u).class)
		oldcap = classcapacity(oldclass)
		newclass := sizeclass(n)
		if n <= oldcap && newclass >= oldclass-1 {
			return ptr
		}
	} else {
		pg := (*pagehead)(unsafe.Pointer(uintptr(ptr) - uintptr(largeheadsize)))
		if int(pg.class) == classHuge {
			hu := hugeof(pg)
			if alignup(n, Alignment) <= hu.aligned {
				hu.exact = n
				return ptr
			}
			oldcap = hu.exact
		} else {
			oldclass := int(pg.class)
			oldcap = classcapacity(oldclass)
			newclass := sizeclass(n)
			if n <= oldcap && newclass >= oldclass-1 {
				return ptr
			}
		}
	}

	newptr := tc.AllocAttrib(n, u.gctype())
	if newptr == nil {
		return nil
	}
	ln := oldcap
	if n < ln {
		ln = n
	}
	lib.Memcpy(newptr, ptr, int(ln))
	tc.freeunit(ptr, false)
	return newptr
}

//---- GC liaison

// Checkpoint mutator-side safe point: synchronize the cached epoch
// and marking flag with the coordinator and report whether marking
// is active.
func (tc *Threadcache) Checkpoint() bool {
	tc.epoch = tc.heap.curepoch()
	tc.marking = tc.heap.ismarking()
	return tc.marking
}

//---- lifecycle

// Release deregister the cache, flushing every local free list back
// to the owning pages and every cached page back to the global pool.
func (tc *Threadcache) Release() {
	if tc.dead {
		return
	}
	for class := 0; class < nSmallMedium; class++ {
		cls := &tc.classes[class]
		for ptr := cls.popfree(); ptr != nil; ptr = cls.popfree() {
			u := headof(ptr)
			pageof(u).asyncpush(u)
		}
		for pg := cls.pages; pg != nil; {
			next := (*pagehead)(unsafe.Pointer(pg.link))
			pg.link = 0
			tc.heap.pool.returnpage(pg)
			pg = next
		}
		cls.pages, cls.npages = nil, 0
	}
	tc.heap.pool.unregisterthread(tc)
	tc.dead = true
}
