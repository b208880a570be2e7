package malloc

import "time"
import "testing"
import "unsafe"

import "github.com/cinogama/woomem/api"

func TestSweepBasic(t *testing.T) {
	ndestroy := 0
	destroy := func(userdata interface{}, ptr unsafe.Pointer) {
		ndestroy++
	}

	h := NewHeap("testsweep", testsettings())
	defer h.Release()

	attrib := api.GCNeedSweep | api.GCHasFinalizer
	a := h.AllocAttrib(128, attrib)
	b := h.AllocAttrib(128, attrib)
	if a == nil || b == nil {
		t.Fatalf("unexpected allocation failure")
	}

	h.BeginGCMark(true)
	if x := h.TryMarkUnit(uintptr(a)); x == 0 {
		t.Errorf("expected non-zero unit head")
	} else if x != uintptr(a)-uintptr(unitheadsize) {
		t.Errorf("expected %x, got %x", uintptr(a)-uintptr(unitheadsize), x)
	}
	h.FullMark(a)
	h.EndGCMarkFreeAllUnmarked(destroy, nil)

	if ndestroy != 1 {
		t.Errorf("expected %v, got %v", 1, ndestroy)
	}
	if headof(a).getmark() == markReleased {
		t.Errorf("marked unit reclaimed")
	}
	if headof(b).getmark() != markReleased {
		t.Errorf("unmarked unit survived")
	}
}

func TestDoubleMarkRejected(t *testing.T) {
	h := NewHeap("testdblmark", testsettings())
	defer h.Release()

	ptr := h.AllocAttrib(64, api.GCNeedSweep)
	h.BeginGCMark(true)
	if x := h.TryMarkUnit(uintptr(ptr)); x == 0 {
		t.Errorf("expected non-zero unit head")
	}
	if x := h.TryMarkUnit(uintptr(ptr)); x != 0 {
		t.Errorf("expected zero, got %x", x)
	}
	h.EndGCMarkFreeAllUnmarked(nil, nil)
}

func TestTryMarkInvalid(t *testing.T) {
	h := NewHeap("testinvalid", testsettings())
	defer h.Release()

	ptr := h.AllocAttrib(64, api.GCNeedSweep)
	normal := h.Alloc(64)
	h.BeginGCMark(true)
	defer h.EndGCMarkFreeAllUnmarked(nil, nil)

	// outside every known region.
	var local int64
	if x := h.TryMarkUnit(uintptr(unsafe.Pointer(&local))); x != 0 {
		t.Errorf("expected zero, got %x", x)
	}
	if x := h.TryMarkUnit(0); x != 0 {
		t.Errorf("expected zero, got %x", x)
	}
	// inside a known region but below the page header area.
	pg := pageof(headof(ptr))
	if x := h.TryMarkUnit(pg.base() + 8); x != 0 {
		t.Errorf("expected zero, got %x", x)
	}
	// units without GCNeedSweep never mark.
	if x := h.TryMarkUnit(uintptr(normal)); x != 0 {
		t.Errorf("expected zero, got %x", x)
	}
	// interior pointers resolve to the canonical head.
	if x := h.TryMarkUnit(uintptr(ptr) + 32); x != uintptr(unsafe.Pointer(headof(ptr))) {
		t.Errorf("expected %x, got %x", unsafe.Pointer(headof(ptr)), x)
	}
}

func TestAllocatedDuringMarkSurvives(t *testing.T) {
	h := NewHeap("testepoch", testsettings())
	defer h.Release()

	h.BeginGCMark(true)
	ptr := h.AllocAttrib(64, api.GCNeedSweep)
	h.EndGCMarkFreeAllUnmarked(nil, nil)
	if headof(ptr).getmark() == markReleased {
		t.Fatalf("unit allocated during the cycle was reclaimed")
	}

	h.BeginGCMark(true)
	h.EndGCMarkFreeAllUnmarked(nil, nil)
	if headof(ptr).getmark() != markReleased {
		t.Errorf("unit survived the second cycle unmarked")
	}
}

func TestGenerational(t *testing.T) {
	ndestroy := 0
	destroy := func(userctx interface{}, ptr unsafe.Pointer) {
		ndestroy++
	}
	h := Init("testgen", nil, nil, destroy, nil, nil, testsettings())
	defer h.Release()

	ptr := h.AllocAttrib(64, api.GCNeedSweep|api.GCHasFinalizer)
	if age := headof(ptr).age; age != 15 {
		t.Fatalf("expected age %v, got %v", 15, age)
	}
	for cycle := 1; cycle <= 16; cycle++ {
		h.BeginGCMark(true)
		if x := h.TryMarkUnit(uintptr(ptr)); x == 0 {
			t.Fatalf("cycle %v: expected non-zero unit head", cycle)
		}
		h.EndGCMarkFreeAllUnmarked(nil, nil)
	}
	if age := headof(ptr).age; age != 0 {
		t.Fatalf("expected age %v, got %v", 0, age)
	}

	// minor cycle spares the old generation.
	h.BeginGCMark(false)
	h.EndGCMarkFreeAllUnmarked(nil, nil)
	if ndestroy != 0 {
		t.Errorf("expected %v, got %v", 0, ndestroy)
	}
	if headof(ptr).getmark() == markReleased {
		t.Errorf("old unit reclaimed by a minor cycle")
	}
	// the old generation does not mark under a minor cycle.
	h.BeginGCMark(false)
	if x := h.TryMarkUnit(uintptr(ptr)); x != 0 {
		t.Errorf("expected zero, got %x", x)
	}
	h.EndGCMarkFreeAllUnmarked(nil, nil)

	// a full cycle reclaims it.
	h.BeginGCMark(true)
	h.EndGCMarkFreeAllUnmarked(nil, nil)
	if ndestroy != 1 {
		t.Errorf("expected %v, got %v", 1, ndestroy)
	}
	if headof(ptr).getmark() != markReleased {
		t.Errorf("old unit survived a full cycle unmarked")
	}
}

func TestAutoMarkTracing(t *testing.T) {
	h := NewHeap("testautomark", testsettings())
	defer h.Release()

	attrib := api.GCNeedSweep | api.GCAutoMark
	parent := h.AllocAttrib(64, attrib)
	child := h.AllocAttrib(64, api.GCNeedSweep)
	orphan := h.AllocAttrib(64, api.GCNeedSweep)
	*(*uintptr)(parent) = uintptr(child)

	h.BeginGCMark(true)
	h.TryMarkUnit(uintptr(parent))
	h.EndGCMarkFreeAllUnmarked(nil, nil)

	if headof(parent).getmark() == markReleased {
		t.Errorf("root-reachable parent reclaimed")
	}
	if headof(child).getmark() == markReleased {
		t.Errorf("child reachable through AutoMark reclaimed")
	}
	if headof(orphan).getmark() != markReleased {
		t.Errorf("unreachable unit survived")
	}
}

func TestMarkerCallback(t *testing.T) {
	h := (*Heap)(nil)
	var child unsafe.Pointer
	nmarks := 0
	marker := func(userctx interface{}, ptr unsafe.Pointer) {
		nmarks++
		h.TryMarkUnit(uintptr(child))
	}
	h = Init("testmarker", nil, marker, nil, nil, nil, testsettings())
	defer h.Release()

	parent := h.AllocAttrib(64, api.GCNeedSweep|api.GCHasMarker)
	child = h.AllocAttrib(64, api.GCNeedSweep)

	h.BeginGCMark(true)
	h.TryMarkUnit(uintptr(parent))
	h.EndGCMarkFreeAllUnmarked(nil, nil)

	if nmarks != 1 {
		t.Errorf("expected %v, got %v", 1, nmarks)
	}
	if headof(child).getmark() == markReleased {
		t.Errorf("child reachable through marker reclaimed")
	}
}

func TestLargeHugeSweep(t *testing.T) {
	h := NewHeap("testlargehuge", testsettings())
	defer h.Release()

	large := h.AllocAttrib(16*Pagesize-32, api.GCNeedSweep)
	huge := h.AllocAttrib(16*Pagesize, api.GCNeedSweep)
	if large == nil || huge == nil {
		t.Fatalf("unexpected allocation failure")
	}
	if n := h.Stats()["n_huge"].(int64); n != 1 {
		t.Errorf("expected %v, got %v", 1, n)
	}

	h.BeginGCMark(true)
	h.EndGCMarkFreeAllUnmarked(nil, nil)

	if headof(large).getmark() != markReleased {
		t.Errorf("large unit survived unmarked")
	}
	if n := h.Stats()["n_huge"].(int64); n != 0 {
		t.Errorf("expected %v, got %v", 0, n)
	}
	// the huge region is gone from the index too.
	h.BeginGCMark(true)
	if x := h.TryMarkUnit(uintptr(huge)); x != 0 {
		t.Errorf("expected zero, got %x", x)
	}
	h.EndGCMarkFreeAllUnmarked(nil, nil)

	// the large bucket serves the slot back.
	again := h.AllocAttrib(16*Pagesize-32, 0)
	if again != large {
		t.Errorf("expected %x, got %x", large, again)
	}
}

func TestWriteBarrier(t *testing.T) {
	h := NewHeap("testwbarrier", testsettings())
	defer h.Release()

	attrib := api.GCNeedSweep
	target := h.AllocAttrib(64, attrib)
	value := h.AllocAttrib(64, attrib)

	h.BeginGCMark(true)
	h.TryMarkUnit(uintptr(target))
	h.FullMark(target)
	// black target stores a white pointer: the barrier re-grays the
	// value, keeping the snapshot complete.
	*(*uintptr)(target) = uintptr(value)
	h.WriteBarrier(target, value)
	h.EndGCMarkFreeAllUnmarked(nil, nil)

	if headof(value).getmark() == markReleased {
		t.Errorf("barrier-protected value reclaimed")
	}
}

func TestDeleteBarrier(t *testing.T) {
	h := NewHeap("testdbarrier", testsettings())
	defer h.Release()

	value := h.AllocAttrib(64, api.GCNeedSweep)
	h.BeginGCMark(true)
	h.DeleteBarrier(value) // pointer about to be overwritten
	h.EndGCMarkFreeAllUnmarked(nil, nil)

	if headof(value).getmark() == markReleased {
		t.Errorf("deletion-barrier target reclaimed")
	}
}

func TestCheckpoint(t *testing.T) {
	h := NewHeap("testcheckpoint", testsettings())
	defer h.Release()

	if h.Checkpoint() {
		t.Errorf("marking active outside a cycle")
	}
	h.BeginGCMark(true)
	if !h.Checkpoint() {
		t.Errorf("marking inactive inside a cycle")
	}
	tc := h.NewThreadcache()
	if !tc.Checkpoint() {
		t.Errorf("thread cache missed the marking flag")
	}
	if tc.epoch != h.curepoch() {
		t.Errorf("expected %v, got %v", h.curepoch(), tc.epoch)
	}
	tc.Release()
	h.EndGCMarkFreeAllUnmarked(nil, nil)
	if h.Checkpoint() {
		t.Errorf("marking active after the cycle")
	}
}

func TestCardTable(t *testing.T) {
	h := NewHeap("testcards", testsettings())
	defer h.Release()

	attrib := api.GCNeedSweep | api.GCAutoMark
	old := h.AllocAttrib(64, attrib)
	// age the unit into the old generation.
	for cycle := 0; cycle < 16; cycle++ {
		h.BeginGCMark(true)
		h.TryMarkUnit(uintptr(old))
		h.EndGCMarkFreeAllUnmarked(nil, nil)
	}
	if age := headof(old).age; age != 0 {
		t.Fatalf("expected age %v, got %v", 0, age)
	}

	young := h.AllocAttrib(64, api.GCNeedSweep)
	*(*uintptr)(old) = uintptr(young)
	h.WriteBarrier(old, young) // old -> young, sets the card

	// a minor cycle with no roots: the card scan alone must keep
	// the young unit alive.
	h.BeginGCMark(false)
	h.EndGCMarkFreeAllUnmarked(nil, nil)

	if headof(young).getmark() == markReleased {
		t.Errorf("card-flagged young unit reclaimed")
	}
}

func TestTryMarkRange(t *testing.T) {
	h := NewHeap("testmarkrange", testsettings())
	defer h.Release()

	a := h.AllocAttrib(64, api.GCNeedSweep)
	b := h.AllocAttrib(64, api.GCNeedSweep)
	roots := []uintptr{uintptr(a), 0xdeadbeef, uintptr(b)}

	h.BeginGCMark(true)
	from := uintptr(unsafe.Pointer(&roots[0]))
	h.TryMarkUnitRange(from, from+uintptr(len(roots))*unsafe.Sizeof(uintptr(0)))
	h.EndGCMarkFreeAllUnmarked(nil, nil)

	if headof(a).getmark() == markReleased || headof(b).getmark() == markReleased {
		t.Errorf("range-marked units reclaimed")
	}
}

func TestCollectorCycle(t *testing.T) {
	roots := make([]unsafe.Pointer, 0)
	var h *Heap
	startmark := func(userctx interface{}) {
		for _, root := range roots {
			h.TryMarkUnit(uintptr(root))
		}
	}
	setts := testsettings().Mixin(map[string]interface{}{
		"gc.autorun":  true,
		"gc.interval": int64(3600 * 1000),
	})
	h = Init("testcollector", nil, nil, nil, startmark, nil, setts)
	defer h.Release()

	keep := h.AllocAttrib(128, api.GCNeedSweep)
	drop := h.AllocAttrib(128, api.GCNeedSweep)
	roots = append(roots, keep)

	h.GC(true)
	for i := 0; i < 100; i++ {
		if h.Stats()["n_cycles"].(int64) >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := h.Stats()["n_cycles"].(int64); n < 1 {
		t.Fatalf("collector never ran")
	}
	if headof(keep).getmark() == markReleased {
		t.Errorf("rooted unit reclaimed")
	}
	if headof(drop).getmark() != markReleased {
		t.Errorf("unrooted unit survived")
	}
}
