package malloc

import "unsafe"
import "sync/atomic"

import "github.com/cinogama/woomem/api"

// sweep walk every committed page, large unit and registered huge
// unit, reclaiming unmarked sweep-managed units. The sweep takes no
// lock on the page pools; a unit at Unmarked with GCNeedSweep and an
// epoch different from the current one is dead by definition. Units
// allocated during the marking window carry the current epoch and
// are spared without synchronous enrollment in the mark phase.
func (h *Heap) sweep(destroy api.DestroyCallback, userdata interface{}) int64 {
	full, cur := h.isfullgc(), h.curepoch()
	nreclaims := int64(0)

	h.foreachpage(func(ch *Chunk, pg *pagehead) {
		class := int(pg.class)
		if class >= nSmallMedium {
			u := (*unithead)(unsafe.Pointer(pg.base() + uintptr(pageheadsize)))
			if h.sweepunit(u, destroy, userdata, full, cur) {
				h.accfree(classcapacity(class))
				h.pool.returnlarge(pg)
				nreclaims++
			}
			return
		}
		stride, nunits := classstride(class), classnunits(class)
		for i := int64(0); i < nunits; i++ {
			u := (*unithead)(unsafe.Pointer(pg.base() + uintptr(pageheadsize) + uintptr(i*stride)))
			if h.sweepunit(u, destroy, userdata, full, cur) {
				h.accfree(classcapacity(class))
				pg.asyncpush(u)
				nreclaims++
			}
		}
		// abandoned pages whose every unit is accounted free go back
		// to the global pool.
		if pg.reclaimfree() {
			h.pool.returnpage(pg)
		}
	})

	nreclaims += h.sweephuge(destroy, userdata, full, cur)
	atomic.AddInt64(&h.n_reclaims, nreclaims)
	return nreclaims
}

// sweepunit reclaim one dead unit, or age one survivor. Reports
// whether the unit was reclaimed; the caller returns the slot to its
// pool.
func (h *Heap) sweepunit(
	u *unithead, destroy api.DestroyCallback, userdata interface{},
	full bool, cur uint8) bool {

	switch u.getmark() {
	case markUnmarked:
		if u.gctype()&api.GCNeedSweep == 0 {
			return false
		}
		if u.epoch() == cur {
			return false // allocated during this cycle
		}
		if !full && u.age == 0 {
			return false // minor cycles spare the old generation
		}
		if !u.casmark(markUnmarked, markReleased) {
			return false // racing an explicit free
		}
		if u.gctype()&api.GCHasFinalizer != 0 {
			if destroy != nil {
				destroy(userdata, u.payload())
			} else if h.destroyer != nil {
				h.destroyer(h.userctx, u.payload())
			}
		}
		return true

	case markFull:
		if u.age > 0 {
			u.age--
		}
	}
	return false
}

// sweephuge walk the huge list, releasing dead units back to the OS.
// Only the sweep compacts this list; registration pushes at the head
// concurrently.
func (h *Heap) sweephuge(
	destroy api.DestroyCallback, userdata interface{},
	full bool, cur uint8) int64 {

	nreclaims := int64(0)
	var prev *hugeunit
	hu := h.pool.hugelist()
	for hu != nil {
		next := hu.next
		if hu.head().getmark() == markReleased {
			// explicitly freed earlier; the memory release was
			// deferred to this walk.
			h.unlinkhuge(prev, hu)
			h.pool.unregisterhuge(hu)
		} else if h.sweepunit(hu.head(), destroy, userdata, full, cur) {
			h.unlinkhuge(prev, hu)
			h.accfree(hu.aligned)
			h.pool.unregisterhuge(hu)
			nreclaims++
		} else {
			prev = hu
		}
		hu = next
	}
	return nreclaims
}

// unlinkhuge remove hu from the walk list. Head removal contends
// with concurrent registrations, interior removal does not.
func (h *Heap) unlinkhuge(prev, hu *hugeunit) {
	if prev != nil {
		prev.next = hu.next
		return
	}
	for {
		if atomic.CompareAndSwapPointer(
			&h.pool.hugehead, unsafe.Pointer(hu), unsafe.Pointer(hu.next)) {
			return
		}
		// new units were registered above hu; find its predecessor.
		p := h.pool.hugelist()
		for p != nil && p.next != hu {
			p = p.next
		}
		if p != nil {
			p.next = hu.next
			return
		}
	}
}
