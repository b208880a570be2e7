package malloc

import "unsafe"
import "runtime"
import "sync/atomic"

import "github.com/cinogama/woomem/api"

const pagesperchunk = Chunksize / Pagesize

// cardshift one card byte covers 512 bytes of payload.
const cardshift = 9

const cardtablesize = Chunksize >> cardshift
const cardtablepages = cardtablesize / Pagesize

// usablepages page slots per chunk after the card table claims the
// head of the reserved range.
const usablepages = pagesperchunk - cardtablepages

// Chunk one reserved 128MB address range. Pages are committed lazily
// through a pair of monotonic counters: ncommit hands out page
// slots, ncommitted confirms initialization in slot order, so any
// page below ncommitted (acquire) is fully initialized and safe to
// read from any thread.
type Chunk struct {
	// 64-bit aligned atomics
	ncommit    int64
	ncommitted int64

	reserved uintptr // base of the reservation, card table lives here
	pagebase uintptr // first page slot, reserved + cardtablesize
	next     *Chunk  // chunk stack, newest first
	cards    []byte
	pageoffs [usablepages]uint8 // offset of page from start of its multi-page unit
}

func newchunk(osm api.OSMemory) (*Chunk, error) {
	base, err := osm.Reserve(Chunksize)
	if err != nil {
		return nil, err
	}
	// card table is committed eagerly, pages lazily.
	if err := osm.Commit(base, cardtablesize); err != nil {
		osm.Release(base, Chunksize)
		return nil, err
	}
	ch := &Chunk{
		reserved: uintptr(base),
		pagebase: uintptr(base) + uintptr(cardtablesize),
	}
	ch.cards = unsafe.Slice((*byte)(base), cardtablesize)
	return ch, nil
}

// allocpages commit a run of npages contiguous page slots and
// initialize the first page header for the given class. Small and
// medium classes get their free list built before the run is
// published, large classes get a zeroed embedded unit head.
func (ch *Chunk) allocpages(osm api.OSMemory, npages int64, class uint8) (*pagehead, error) {
	for {
		idx := atomic.LoadInt64(&ch.ncommit)
		if idx+npages > usablepages {
			return nil, ErrorChunkFull
		}
		if !atomic.CompareAndSwapInt64(&ch.ncommit, idx, idx+npages) {
			continue
		}

		addr := ch.pagebase + uintptr(idx*Pagesize)
		err := osm.Commit(unsafe.Pointer(addr), npages*Pagesize)
		if err != nil {
			// wait for our turn, then hand the slots back.
			for atomic.LoadInt64(&ch.ncommitted) != idx {
				runtime.Gosched()
			}
			if !atomic.CompareAndSwapInt64(&ch.ncommit, idx+npages, idx) {
				// slots above ours are already reserved; retry the
				// commit once before declaring the state impossible.
				if err = osm.Commit(unsafe.Pointer(addr), npages*Pagesize); err != nil {
					panicerr("chunk: cannot roll back commit of %v pages: %v", npages, err)
				}
			} else {
				return nil, err
			}
		}

		pg := (*pagehead)(unsafe.Pointer(addr))
		if int(class) < nSmallMedium {
			pg.initpage(class)
		} else {
			pg.link, pg.asyncfree, pg.nextalloc = 0, 0, 0
			pg.class = class
			u := (*unithead)(unsafe.Pointer(addr + uintptr(pageheadsize)))
			u.page, u.epochtyp, u.age, u.nextfree = 0, 0, 0, 0
			u.mark = markReleased
		}
		for j := int64(0); j < npages; j++ {
			ch.pageoffs[idx+j] = uint8(j)
		}

		// confirm in slot order; readers acquire ncommitted.
		for atomic.LoadInt64(&ch.ncommitted) != idx {
			runtime.Gosched()
		}
		atomic.StoreInt64(&ch.ncommitted, idx+npages)
		return pg, nil
	}
}

// pageat committed page by index. Index must be below ncommitted.
func (ch *Chunk) pageat(idx int64) *pagehead {
	return (*pagehead)(unsafe.Pointer(ch.pagebase + uintptr(idx*Pagesize)))
}

// lookup resolve an address within this chunk to the head of the
// unit containing it, or nil if the address falls outside committed
// pages, inside a page header or in a page's tail waste.
func (ch *Chunk) lookup(addr uintptr) *unithead {
	limit := ch.pagebase + uintptr(atomic.LoadInt64(&ch.ncommitted)*Pagesize)
	if addr < ch.pagebase || addr >= limit {
		return nil
	}
	pidx := int64(addr-ch.pagebase) / Pagesize
	pidx -= int64(ch.pageoffs[pidx])
	pg := ch.pageat(pidx)
	if int(pg.class) >= nSmallMedium {
		u := (*unithead)(unsafe.Pointer(pg.base() + uintptr(pageheadsize)))
		if addr < pg.base()+uintptr(pageheadsize) {
			return nil
		}
		return u
	}
	rel := int64(addr - pg.base())
	if rel < pageheadsize {
		return nil
	}
	idx := (rel - pageheadsize) / classstride(int(pg.class))
	if idx >= classnunits(int(pg.class)) {
		return nil
	}
	off := pageheadsize + idx*classstride(int(pg.class))
	return (*unithead)(unsafe.Pointer(pg.base() + uintptr(off)))
}

// contains address within the chunk's page region.
func (ch *Chunk) contains(addr uintptr) bool {
	return addr >= ch.pagebase && addr < ch.pagebase+uintptr(usablepages*Pagesize)
}

//---- card table

func (ch *Chunk) setcard(addr uintptr) {
	ch.cards[(addr-ch.reserved)>>cardshift] = 1
}

func (ch *Chunk) clearcards() {
	for i := range ch.cards {
		ch.cards[i] = 0
	}
}

// cardwindow payload range covered by the card at index i.
func (ch *Chunk) cardwindow(i int) (uintptr, uintptr) {
	from := ch.reserved + uintptr(int64(i)<<cardshift)
	return from, from + uintptr(int64(1)<<cardshift)
}
