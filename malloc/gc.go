package malloc

import "time"
import "unsafe"
import "sync/atomic"

import "github.com/bnclabs/golog"

import "github.com/cinogama/woomem/api"

func (h *Heap) curepoch() uint8 {
	return uint8(atomic.LoadUint32(&h.epoch)) & epochmask
}

func (h *Heap) ismarking() bool {
	return atomic.LoadUint32(&h.marking) != 0
}

func (h *Heap) isfullgc() bool {
	return atomic.LoadUint32(&h.fullgc) != 0
}

// Checkpoint report whether marking is currently active. Mutators
// call this at safe points; per-thread caches additionally refresh
// their cached epoch through Threadcache.Checkpoint.
func (h *Heap) Checkpoint() bool {
	return h.ismarking()
}

//---- collector goroutine

// rungc wait for a trigger or the quiescent interval, then run one
// cycle. Cycles are atomic with respect to external control: once
// started they run to completion; the stop flag is checked between
// cycles only.
func (h *Heap) rungc() {
	defer close(h.finch)

	nauto := int64(0)
	for {
		full := false
		select {
		case <-h.stopch:
			return
		case full = <-h.trigch:
		case <-time.After(h.interval):
			nauto++
			full = h.fullevery > 0 && nauto%h.fullevery == 0
		}
		start := time.Now()
		h.gccycle(full)
		h.mu.Lock()
		h.a_pause.Add(int64(time.Since(start) / time.Microsecond))
		h.mu.Unlock()
	}
}

// gccycle one complete mark/sweep cycle, full or minor, driven by
// the collector.
func (h *Heap) gccycle(full bool) {
	h.BeginGCMark(full)
	if h.startmark != nil {
		h.startmark(h.userctx)
	}
	h.EndGCMarkFreeAllUnmarked(nil, nil)
}

//---- host driven cycle

// BeginGCMark open a marking window: advance the epoch, reset the
// marks left by the previous cycle and publish the marking flag.
// Every unit allocated from here on carries the new epoch and is
// spared by this cycle's sweep.
func (h *Heap) BeginGCMark(full bool) {
	h.gcmu.Lock()

	e := (atomic.LoadUint32(&h.epoch) + 1) & 3
	atomic.StoreUint32(&h.epoch, e)
	if full {
		atomic.StoreUint32(&h.fullgc, 1)
	} else {
		atomic.StoreUint32(&h.fullgc, 0)
	}
	h.resetmarks()
	atomic.StoreUint32(&h.marking, 1)
}

// EndGCMarkFreeAllUnmarked close the marking window and reclaim
// every unmarked sweep-managed unit. The optional destroy callback
// overrides the registered destroyer for units reclaimed by this
// cycle.
func (h *Heap) EndGCMarkFreeAllUnmarked(
	destroy api.DestroyCallback, userdata interface{}) {

	defer h.gcmu.Unlock()

	h.scancards(h.isfullgc())
	h.drain()
	atomic.StoreUint32(&h.marking, 0)
	if h.stopmark != nil {
		h.stopmark(h.userctx)
	}
	nreclaims := h.sweep(destroy, userdata)
	n := atomic.AddInt64(&h.n_cycles, 1)
	log.Debugf("%v cycle %v (full: %v) reclaimed %v units\n",
		h.logprefix, n, h.isfullgc(), nreclaims)
}

// resetmarks lower every Self/FullMarked survivor of the previous
// cycle back to Unmarked. This is the only place a FullMarked unit
// is ever lowered.
func (h *Heap) resetmarks() {
	h.foreachunit(func(u *unithead) {
		if m := u.getmark(); m == markSelf || m == markFull {
			u.setmark(markUnmarked)
		}
	})
}

// foreachunit walk every unit head in every committed page, large
// unit and registered huge unit.
func (h *Heap) foreachunit(fn func(u *unithead)) {
	h.foreachpage(func(ch *Chunk, pg *pagehead) {
		class := int(pg.class)
		if class >= nSmallMedium {
			fn((*unithead)(unsafe.Pointer(pg.base() + uintptr(pageheadsize))))
			return
		}
		stride, nunits := classstride(class), classnunits(class)
		for i := int64(0); i < nunits; i++ {
			fn((*unithead)(unsafe.Pointer(pg.base() + uintptr(pageheadsize) + uintptr(i*stride))))
		}
	})
	for hu := h.pool.hugelist(); hu != nil; hu = hu.next {
		fn(hu.head())
	}
}

//---- marking

// drain repeatedly pick the entire gray list, promote each unit to
// FullMarked and enqueue its children, until no pushes remain.
// Mutator barriers keep pushing while the collector drains; that is
// the only way the collector learns about pointers it does not scan.
func (h *Heap) drain() {
	for {
		nodes := h.gray.pickall()
		if nodes == nil {
			return
		}
		for node := nodes; node != nil; {
			u := node.unit
			if u.casmark(markSelf, markFull) {
				if node.becomingold {
					h.setcard(uintptr(u.payload()))
				}
				h.traceunit(u)
			}
			next := node.next
			h.gray.recycle(node)
			node = next
		}
	}
}

// traceunit enqueue the children of a freshly blackened unit, by
// conservative payload scan, by the user marker, or both.
func (h *Heap) traceunit(u *unithead) {
	typ := u.gctype()
	if typ&api.GCAutoMark != 0 {
		payload := uintptr(u.payload())
		capacity := h.unitcapacity(u)
		for off := int64(0); off+int64(unsafe.Sizeof(uintptr(0))) <= capacity; off += int64(unsafe.Sizeof(uintptr(0))) {
			p := *(*uintptr)(unsafe.Pointer(payload + uintptr(off)))
			h.trymark(p)
		}
	}
	if typ&api.GCHasMarker != 0 && h.marker != nil {
		h.marker(h.userctx, u.payload())
	}
}

func (h *Heap) unitcapacity(u *unithead) int64 {
	if u.page != 0 {
		return classcapacity(int(pageof(u).class))
	}
	pg := (*pagehead)(unsafe.Pointer(uintptr(unsafe.Pointer(u)) - uintptr(pageheadsize)))
	if int(pg.class) == classHuge {
		return hugeof(pg).exact
	}
	return classcapacity(int(pg.class))
}

//---- card table

// setcard record an old-to-young edge for the region owning addr.
func (h *Heap) setcard(addr uintptr) {
	if ch := h.pool.index.chunkof(addr); ch != nil {
		ch.setcard(addr)
		return
	}
	if hu := h.pool.index.hugeof(addr); hu != nil {
		hu.setcard(addr)
	}
}

// scancards at the end of a minor cycle's marking window, before the
// drain, re-scan the outgoing edges of old-generation units flagged
// by the card table; young targets get marked even though the old
// units themselves are not traced. A full cycle traces everything
// anyway, so it only resets the table and lets this cycle's
// promotions rebuild it.
func (h *Heap) scancards(full bool) {
	if full {
		for ch := h.pool.chunklist(); ch != nil; ch = ch.next {
			ch.clearcards()
		}
		for hu := h.pool.hugelist(); hu != nil; hu = hu.next {
			hu.clearcards()
		}
		return
	}
	for ch := h.pool.chunklist(); ch != nil; ch = ch.next {
		limit := ch.pagebase + uintptr(atomic.LoadInt64(&ch.ncommitted)*Pagesize)
		for i := range ch.cards {
			if ch.cards[i] == 0 {
				continue
			}
			from, to := ch.cardwindow(i)
			if from < ch.pagebase || from >= limit {
				continue
			}
			h.scanwindow(ch, from, to)
		}
	}
	for hu := h.pool.hugelist(); hu != nil; hu = hu.next {
		u := hu.head()
		if u.getmark() == markReleased || u.age != 0 {
			continue
		}
		for i := range hu.cards {
			if hu.cards[i] == 0 {
				continue
			}
			from := hu.payload() + uintptr(int64(i)<<cardshift)
			h.scanold(u, from, from+uintptr(int64(1)<<cardshift))
		}
	}
}

// scanwindow visit the old-generation units overlapping one card
// window of a chunk.
func (h *Heap) scanwindow(ch *Chunk, from, to uintptr) {
	pidx := int64(from-ch.pagebase) / Pagesize
	pidx -= int64(ch.pageoffs[pidx])
	pg := ch.pageat(pidx)
	class := int(pg.class)
	if class >= nSmallMedium {
		u := (*unithead)(unsafe.Pointer(pg.base() + uintptr(pageheadsize)))
		if u.getmark() != markReleased && u.age == 0 {
			h.scanold(u, from, to)
		}
		return
	}
	stride, nunits := classstride(class), classnunits(class)
	for i := int64(0); i < nunits; i++ {
		u := (*unithead)(unsafe.Pointer(pg.base() + uintptr(pageheadsize) + uintptr(i*stride)))
		payload := uintptr(u.payload())
		if payload >= to || payload+uintptr(classcapacity(class)) <= from {
			continue
		}
		if u.getmark() != markReleased && u.age == 0 {
			h.scanold(u, from, to)
		}
	}
}

// scanold trace the slots of an old unit that fall inside [from,to).
func (h *Heap) scanold(u *unithead, from, to uintptr) {
	typ := u.gctype()
	payload := uintptr(u.payload())
	end := payload + uintptr(h.unitcapacity(u))
	if typ&api.GCAutoMark != 0 {
		lo, hi := payload, end
		if from > lo {
			lo = from
		}
		if to < hi {
			hi = to
		}
		for addr := lo; addr+unsafe.Sizeof(uintptr(0)) <= hi; addr += unsafe.Sizeof(uintptr(0)) {
			h.trymark(*(*uintptr)(unsafe.Pointer(addr)))
		}
	}
	if typ&api.GCHasMarker != 0 && h.marker != nil {
		h.marker(h.userctx, u.payload())
	}
}
