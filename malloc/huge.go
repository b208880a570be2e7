package malloc

import "unsafe"

// hugeunit single-object storage allocated directly from the OS,
// not owned by any chunk. The OS region is laid out as a page-shaped
// head plus a unit head (so the normal unit-head logic applies),
// the payload, and the unit's own card table.
type hugeunit struct {
	next       *hugeunit // huge walk list, compacted only by the sweep
	exact      int64     // logical size recorded at alloc/realloc
	aligned    int64     // aligned payload capacity
	region     uintptr
	regionsize int64
	cards      []byte
}

// hugeregionsize OS bytes needed for a payload of `aligned` bytes.
func hugeregionsize(aligned, ospagesize int64) int64 {
	cardbytes := (aligned + (1 << cardshift) - 1) >> cardshift
	return alignup(largeheadsize+aligned+cardbytes, ospagesize)
}

func (hu *hugeunit) pagehead() *pagehead {
	return (*pagehead)(unsafe.Pointer(hu.region))
}

func (hu *hugeunit) head() *unithead {
	return (*unithead)(unsafe.Pointer(hu.region + uintptr(pageheadsize)))
}

func (hu *hugeunit) payload() uintptr {
	return hu.region + uintptr(largeheadsize)
}

// initregion write the page-shaped head and card-table slice over a
// freshly committed region. The embedded page head's link points
// back at this hugeunit, its class is the huge sentinel.
func (hu *hugeunit) initregion() {
	pg := hu.pagehead()
	pg.link = uintptr(unsafe.Pointer(hu))
	pg.asyncfree, pg.nextalloc = 0, 0
	pg.class = uint8(classHuge)

	u := hu.head()
	u.page, u.epochtyp, u.age, u.nextfree = 0, 0, 0, 0
	u.mark = markReleased

	cardbase := hu.payload() + uintptr(hu.aligned)
	nbytes := (hu.aligned + (1 << cardshift) - 1) >> cardshift
	hu.cards = unsafe.Slice((*byte)(unsafe.Pointer(cardbase)), nbytes)
}

func (hu *hugeunit) setcard(addr uintptr) {
	hu.cards[(addr-hu.payload())>>cardshift] = 1
}

func (hu *hugeunit) clearcards() {
	for i := range hu.cards {
		hu.cards[i] = 0
	}
}

// hugeof back-reference from a huge unit's embedded page head.
func hugeof(pg *pagehead) *hugeunit {
	return (*hugeunit)(unsafe.Pointer(pg.link))
}
