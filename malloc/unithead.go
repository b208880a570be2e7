package malloc

import "unsafe"
import "sync/atomic"

import "github.com/cinogama/woomem/api"

// Mark states of a unit. A unit is Released while on a free list,
// Unmarked from allocation until the collector reaches it, and gray
// (markSelf) or black (markFull) during a marking window. The state
// is only ever lowered to Unmarked by the start of a fresh cycle, or
// to Released by free and sweep.
const (
	markReleased uint32 = iota
	markUnmarked
	markSelf
	markFull
)

// agenew a freshly allocated unit starts 15 cycles away from the old
// generation; age 0 designates old-generation.
const agenew = uint8(15)

const epochmask = uint8(0x0f)

// unithead 16-byte header preceding every unit payload.
//
// Field publication order matters: the allocator writes the
// non-atomic fields first and then stores the mark state with
// release semantics, so a reader observing mark != markReleased also
// observes initialized metadata.
type unithead struct {
	page     uintptr // owning page, 0 for large and huge units
	mark     uint32  // atomic mark state
	epochtyp uint8   // allocation epoch (low 4) | gc-type mask (high 4)
	age      uint8   // generational age, 0 is old
	nextfree uint16  // granule offset of next free unit in page, 0 terminates
}

// granule offsets address 8-byte slots within a page, so 13 bits
// cover the 64KB page and 0 can serve as the list terminator (the
// page header occupies granule 0).
func granof(pg uintptr, p uintptr) uint16 {
	return uint16((p - pg) >> 3)
}

func atgran(pg uintptr, gran uint16) uintptr {
	return pg + uintptr(gran)<<3
}

func (u *unithead) getmark() uint32 {
	return atomic.LoadUint32(&u.mark)
}

func (u *unithead) setmark(m uint32) {
	atomic.StoreUint32(&u.mark, m)
}

func (u *unithead) casmark(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(&u.mark, old, new)
}

func (u *unithead) epoch() uint8 {
	return u.epochtyp & epochmask
}

func (u *unithead) gctype() api.GCUnitType {
	return api.GCUnitType(u.epochtyp >> 4)
}

// initmeta publish a freshly allocated unit: metadata first, mark
// state last with release ordering.
func (u *unithead) initmeta(epoch uint8, typ api.GCUnitType, page uintptr) {
	u.page = page
	u.epochtyp = (epoch & epochmask) | uint8(typ)<<4
	u.age = agenew
	u.nextfree = 0
	u.setmark(markUnmarked)
}

// payload start of the unit's usable memory.
func (u *unithead) payload() unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(u)) + uintptr(unitheadsize))
}

// headof unit head backing a payload pointer.
func headof(ptr unsafe.Pointer) *unithead {
	return (*unithead)(unsafe.Pointer(uintptr(ptr) - uintptr(unitheadsize)))
}
