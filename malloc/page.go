package malloc

import "unsafe"

import "sync/atomic"

// pagehead 16-byte header at the start of every page. The remainder
// of the page is packed with (unithead, payload) pairs of a single
// size class.
//
// The link field is a tagged union by role: next page while the page
// sits in a free stack or a thread cache, next large unit while the
// head fronts a large unit, and the huge unit back-reference for
// huge units.
type pagehead struct {
	link      uintptr
	asyncfree uint32 // atomic: granule offset of async-returned head | flag bits
	nextalloc uint16 // granule offset of next-to-allocate unit, owner only
	class     uint8
	_         uint8
}

// flag bits kept in the high half of asyncfree, so that flag updates
// and list pushes contend on a single atomic word.
const pageAbandoned = uint32(1) << 16

const granmask = uint32(0xffff)

// initpage slice the page into units of the given class and chain
// them into the in-place free list. Safe only before the page is
// published or after the sweep has proven every unit free.
func (pg *pagehead) initpage(class uint8) {
	pg.class = class
	pg.asyncfree = 0

	base := uintptr(unsafe.Pointer(pg))
	stride, nunits := classstride(int(class)), classnunits(int(class))
	prev := uint16(0)
	for i := nunits - 1; i >= 0; i-- {
		u := (*unithead)(unsafe.Pointer(base + uintptr(pageheadsize) + uintptr(i*stride)))
		u.page, u.epochtyp, u.age = 0, 0, 0
		u.nextfree = prev
		u.mark = markReleased
		prev = granof(base, uintptr(unsafe.Pointer(u)))
	}
	pg.nextalloc = prev
}

func (pg *pagehead) base() uintptr {
	return uintptr(unsafe.Pointer(pg))
}

func (pg *pagehead) unitat(gran uint16) *unithead {
	return (*unithead)(unsafe.Pointer(atgran(pg.base(), gran)))
}

// allocunit pop one free unit. Only the thread owning the page may
// call this; when the in-place list is exhausted the async-returned
// list is merged in.
func (pg *pagehead) allocunit() *unithead {
	gran := pg.nextalloc
	if gran == 0 {
		if gran = pg.mergeasync(); gran == 0 {
			return nil
		}
	}
	u := pg.unitat(gran)
	pg.nextalloc = u.nextfree
	return u
}

// mergeasync adopt the async-returned list into the owner's chain.
func (pg *pagehead) mergeasync() uint16 {
	for {
		old := atomic.LoadUint32(&pg.asyncfree)
		if old&granmask == 0 {
			return 0
		}
		if atomic.CompareAndSwapUint32(&pg.asyncfree, old, old&^granmask) {
			return uint16(old & granmask)
		}
	}
}

// asyncpush prepend a Released unit to the async-returned list. Any
// thread may call this.
func (pg *pagehead) asyncpush(u *unithead) {
	gran := granof(pg.base(), uintptr(unsafe.Pointer(u)))
	for {
		old := atomic.LoadUint32(&pg.asyncfree)
		u.nextfree = uint16(old & granmask)
		new := (old &^ granmask) | uint32(gran)
		if atomic.CompareAndSwapUint32(&pg.asyncfree, old, new) {
			return
		}
	}
}

func (pg *pagehead) abandon() {
	for {
		old := atomic.LoadUint32(&pg.asyncfree)
		if atomic.CompareAndSwapUint32(&pg.asyncfree, old, old|pageAbandoned) {
			return
		}
	}
}

func (pg *pagehead) abandoned() bool {
	return atomic.LoadUint32(&pg.asyncfree)&pageAbandoned != 0
}

// reclaimfree if the page is abandoned and the async list accounts
// for every unit, adopt the list and make the page allocatable
// again. Called only from the sweep.
func (pg *pagehead) reclaimfree() bool {
	if !pg.abandoned() || pg.nextalloc != 0 {
		return false
	}
	n, nunits := int64(0), classnunits(int(pg.class))
	gran := uint16(atomic.LoadUint32(&pg.asyncfree) & granmask)
	for gran != 0 && n < nunits {
		n++
		gran = pg.unitat(gran).nextfree
	}
	if n != nunits {
		return false
	}
	for {
		old := atomic.LoadUint32(&pg.asyncfree)
		if atomic.CompareAndSwapUint32(&pg.asyncfree, old, 0) {
			pg.nextalloc = uint16(old & granmask)
			return true
		}
	}
}

// pageof owning page of a small or medium unit.
func pageof(u *unithead) *pagehead {
	return (*pagehead)(unsafe.Pointer(u.page))
}
