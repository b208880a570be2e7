package malloc

import "unsafe"

import "github.com/cinogama/woomem/api"

// trymark resolve a possibly wild address and mark the unit gray.
// Returns the canonical unit head, or nil when the address does not
// resolve, the unit is free, lacks GCNeedSweep, is already marked,
// or is old-generation under a minor cycle.
func (h *Heap) trymark(addr uintptr) *unithead {
	u := h.pool.index.lookup(addr)
	if u == nil {
		return nil
	}
	if u.gctype()&api.GCNeedSweep == 0 {
		return nil
	}
	if !h.isfullgc() && u.age == 0 {
		return nil
	}
	if !u.casmark(markUnmarked, markSelf) {
		return nil
	}
	h.gray.push(u, u.age <= 1)
	return u
}

// TryMarkUnit intake for a conservatively scanned pointer. Returns
// the canonical unit-head address when the pointer resolved to a
// live, sweep-managed, not-yet-marked unit, 0 otherwise. At most one
// call per unit per cycle returns non-zero.
func (h *Heap) TryMarkUnit(addr uintptr) uintptr {
	if u := h.trymark(addr); u != nil {
		return uintptr(unsafe.Pointer(u))
	}
	return 0
}

// TryMarkUnitRange intake for a range of pointer-shaped slots, for
// stacks and buffers the host scans wholesale.
func (h *Heap) TryMarkUnitRange(from, to uintptr) {
	for addr := from; addr+unsafe.Sizeof(uintptr(0)) <= to; addr += unsafe.Sizeof(uintptr(0)) {
		h.trymark(*(*uintptr)(unsafe.Pointer(addr)))
	}
}

// FullMark unconditional promotion to FullMarked. The caller
// guarantees every outgoing pointer of the unit is already enqueued,
// or will be through the marker callback.
func (h *Heap) FullMark(ptr unsafe.Pointer) {
	u := h.pool.index.lookup(uintptr(ptr))
	if u == nil || u.getmark() == markReleased {
		return
	}
	u.setmark(markFull)
}

// WriteBarrier the host calls this when executing `*slot = value`
// inside the marking window. A black target storing a white value
// re-grays the value (snapshot-at-the-beginning); an old target
// storing a young value sets the card bit for later cycles.
func (h *Heap) WriteBarrier(slot, value unsafe.Pointer) {
	tu := h.pool.index.lookup(uintptr(slot))
	vu := h.pool.index.lookup(uintptr(value))
	if tu == nil || vu == nil {
		return
	}
	if h.ismarking() &&
		tu.getmark() == markFull && vu.getmark() == markUnmarked {
		h.trymark(uintptr(value))
	}
	if tu.age == 0 && vu.age > 0 && vu.getmark() != markReleased {
		h.setcard(uintptr(slot))
	}
}

// DeleteBarrier the host calls this when a pointer to an unmarked
// unit is about to be overwritten during marking; the overwritten
// target is enqueued so the snapshot stays complete.
func (h *Heap) DeleteBarrier(value unsafe.Pointer) {
	if !h.ismarking() {
		return
	}
	h.trymark(uintptr(value))
}
