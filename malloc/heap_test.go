package malloc

import "fmt"
import "testing"
import "unsafe"
import "reflect"

import s "github.com/bnclabs/gosettings"

var _ = fmt.Sprintf("dummy")

func testsettings() s.Settings {
	return s.Settings{
		"capacity":   int64(512 * 1024 * 1024),
		"gc.autorun": false,
	}
}

func TestNewheap(t *testing.T) {
	h := NewHeap("testnew", testsettings())
	defer h.Release()

	if x := len(h.Slabs()); x != nClasses {
		t.Errorf("expected %v, got %v", nClasses, x)
	}
	capacity, heap, alloc, _ := h.Info()
	if capacity != 512*1024*1024 {
		t.Errorf("unexpected capacity %v", capacity)
	} else if heap != 0 {
		t.Errorf("unexpected heap %v", heap)
	} else if alloc != 0 {
		t.Errorf("unexpected alloc %v", alloc)
	}
}

func TestHeapAlloc(t *testing.T) {
	h := NewHeap("testalloc", testsettings())
	defer h.Release()

	ptrs := make([]unsafe.Pointer, 1024)
	for i := 0; i < 1024; i++ {
		ptrs[i] = h.Alloc(1024)
		if ptrs[i] == nil {
			t.Fatalf("unexpected allocation failure at %v", i)
		}
		if (uintptr(ptrs[i])-uintptr(unitheadsize))&7 != 0 {
			t.Fatalf("unit head not 8-byte aligned: %x", ptrs[i])
		}
		if x := h.Slabsize(ptrs[i]); x != 1024 {
			t.Fatalf("expected %v, got %v", 1024, x)
		}
	}
	// distinct payloads, and writing a full slab must not touch a
	// neighbouring live unit.
	seen := map[uintptr]bool{}
	for _, ptr := range ptrs {
		if seen[uintptr(ptr)] {
			t.Fatalf("duplicate pointer %x", ptr)
		}
		seen[uintptr(ptr)] = true
	}
	for i, ptr := range ptrs {
		blk := unsafe.Slice((*byte)(ptr), 1024)
		for j := range blk {
			blk[j] = byte(i)
		}
	}
	for i, ptr := range ptrs {
		blk := unsafe.Slice((*byte)(ptr), 1024)
		for j := range blk {
			if blk[j] != byte(i) {
				t.Fatalf("unit %v overwritten at %v", i, j)
			}
		}
	}

	_, heap, alloc, _ := h.Info()
	if heap == 0 {
		t.Errorf("unexpected heap %v", heap)
	} else if alloc != 1024*1024 {
		t.Errorf("unexpected alloc %v", alloc)
	}
	allocsz := h.Stats()["allocsz"].(map[string]interface{})
	if n := allocsz["samples"].(int64); n != 1024 {
		t.Errorf("expected %v, got %v", 1024, n)
	} else if x := allocsz["min"].(int64); x != 1024 {
		t.Errorf("expected %v, got %v", 1024, x)
	} else if x := allocsz["max"].(int64); x != 1024 {
		t.Errorf("expected %v, got %v", 1024, x)
	}
	h.Validate()
}

func TestHeapSmallRoundtrip(t *testing.T) {
	h := NewHeap("testroundtrip", testsettings())
	defer h.Release()

	ptr := h.Alloc(64)
	if ptr == nil {
		t.Fatalf("unexpected allocation failure")
	}
	blk := unsafe.Slice((*byte)(ptr), 64)
	for i := range blk {
		blk[i] = byte(i % 251)
	}
	for i := range blk {
		if blk[i] != byte(i%251) {
			t.Fatalf("offset %v corrupted", i)
		}
	}
	h.Free(ptr)

	// a second allocation of the same class may reuse the slot; if
	// it does, its mark state is live before any metadata is read.
	again := h.Alloc(64)
	if again == nil {
		t.Fatalf("unexpected allocation failure")
	}
	if headof(again).getmark() == markReleased {
		t.Errorf("reallocated unit still Released")
	}
	if x := h.Slabsize(again); x != h.Slabsize(ptr) {
		t.Errorf("expected %v, got %v", h.Slabsize(ptr), x)
	}
}

func TestHeapFreelist(t *testing.T) {
	h := NewHeap("testfreelist", testsettings())
	defer h.Release()

	// free land on the local free list, the next alloc of the class
	// pops it back.
	ptr := h.Alloc(100)
	h.Free(ptr)
	again := h.Alloc(100)
	if again != ptr {
		t.Errorf("expected %x, got %x", ptr, again)
	}

	// double free is detected and ignored.
	h.Free(again)
	h.Free(again)
	n_frees := h.Stats()["n_frees"].(int64)
	if n_frees != 2 {
		t.Errorf("expected %v, got %v", 2, n_frees)
	}
}

func TestHeapBoundaries(t *testing.T) {
	h := NewHeap("testbounds", testsettings())
	defer h.Release()

	// zero-byte allocation is non-null and uniquely addressable.
	p0, p1 := h.Alloc(0), h.Alloc(0)
	if p0 == nil || p1 == nil || p0 == p1 {
		t.Errorf("zero-byte units %x %x", p0, p1)
	}

	// small-class maximum and one byte more.
	pa := h.Alloc(1024)
	if x := h.Slabsize(pa); x != 1024 {
		t.Errorf("expected %v, got %v", 1024, x)
	}
	pb := h.Alloc(1025)
	if x := h.Slabsize(pb); x != 1440 {
		t.Errorf("expected %v, got %v", 1440, x)
	}

	// large boundary and one byte more.
	pl := h.Alloc(16*Pagesize - 32)
	if pl == nil {
		t.Fatalf("unexpected allocation failure")
	}
	if u := headof(pl); u.page != 0 {
		t.Errorf("large unit carries a page back-pointer")
	}
	if x := h.Slabsize(pl); x != 16*Pagesize-largeheadsize {
		t.Errorf("expected %v, got %v", 16*Pagesize-largeheadsize, x)
	}
	ph := h.AllocAttrib(16*Pagesize, 0)
	if ph == nil {
		t.Fatalf("unexpected allocation failure")
	}
	if n := h.Stats()["n_huge"].(int64); n != 1 {
		t.Errorf("expected %v, got %v", 1, n)
	}
	h.Free(pl)
	h.Free(ph) // state flip only, reclaimed by the next sweep
	if n := h.Stats()["n_huge"].(int64); n != 1 {
		t.Errorf("expected %v, got %v", 1, n)
	}
	h.BeginGCMark(true)
	h.EndGCMarkFreeAllUnmarked(nil, nil)
	if n := h.Stats()["n_huge"].(int64); n != 0 {
		t.Errorf("expected %v, got %v", 0, n)
	}
}

func TestHeapRealloc(t *testing.T) {
	h := NewHeap("testrealloc", testsettings())
	defer h.Release()

	// same class stays in place.
	ptr := h.Alloc(100)
	if x := h.Realloc(ptr, h.Slabsize(ptr)); x != ptr {
		t.Errorf("expected %x, got %x", ptr, x)
	}
	// adjacent lower class stays in place.
	if x := h.Realloc(ptr, 90); x != ptr {
		t.Errorf("expected %x, got %x", ptr, x)
	}
	// growth moves, preserving contents.
	blk := unsafe.Slice((*byte)(ptr), 128)
	for i := range blk {
		blk[i] = byte(i)
	}
	moved := h.Realloc(ptr, 4096)
	if moved == ptr || moved == nil {
		t.Fatalf("expected a moved unit, got %x", moved)
	}
	mblk := unsafe.Slice((*byte)(moved), 128)
	for i := range mblk {
		if mblk[i] != byte(i) {
			t.Fatalf("content lost at %v", i)
		}
	}

	// huge units record a smaller logical size in place.
	hp := h.Alloc(17 * Pagesize)
	if x := h.Realloc(hp, 16*Pagesize+8); x != hp {
		t.Errorf("expected %x, got %x", hp, x)
	}
}

func TestHeapUtilization(t *testing.T) {
	h := NewHeap("testutil", testsettings())
	defer h.Release()

	for i := 0; i < 1000; i++ {
		if h.Alloc(1024) == nil {
			t.Fatalf("unexpected allocation failure")
		}
	}
	slabs, uzs := h.Utilization()
	if len(slabs) != 1 {
		t.Fatalf("unexpected slabs %v", slabs)
	} else if slabs[0] != 1024 {
		t.Errorf("unexpected %v", slabs[0])
	} else if uzs[0] <= 0 {
		t.Errorf("unexpected %v", uzs[0])
	}
}

func TestHeapOOM(t *testing.T) {
	setts := s.Settings{
		// too small for even one chunk's card table.
		"capacity":   int64(128 * 1024),
		"gc.autorun": false,
	}
	h := NewHeap("testoom", setts)
	defer h.Release()

	if ptr := h.Alloc(512); ptr != nil {
		t.Errorf("expected nil, got %x", ptr)
	}
}

func TestThreadcacheLifecycle(t *testing.T) {
	h := NewHeap("testtclife", testsettings())
	defer h.Release()

	tc := h.NewThreadcache()
	if n := h.Stats()["n_threads"].(int64); n != 2 {
		t.Errorf("expected %v, got %v", 2, n)
	}
	ptrs := make([]unsafe.Pointer, 0)
	for i := 0; i < 100; i++ {
		ptrs = append(ptrs, tc.Alloc(200))
	}
	for _, ptr := range ptrs {
		tc.Free(ptr)
	}
	tc.Release()
	if n := h.Stats()["n_threads"].(int64); n != 1 {
		t.Errorf("expected %v, got %v", 1, n)
	}
	h.Validate()
}

func TestHeapSlabs(t *testing.T) {
	h := NewHeap("testslabs", testsettings())
	defer h.Release()

	slabs := h.Slabs()
	ref := []int64{8, 16, 24, 32, 48, 64, 96, 128, 192, 256, 384, 512, 1024}
	if !reflect.DeepEqual(slabs[:nSmall], ref) {
		t.Errorf("expected %v, got %v", ref, slabs[:nSmall])
	}
}

func BenchmarkHeapAlloc(b *testing.B) {
	h := NewHeap("benchalloc", testsettings())
	defer h.Release()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Alloc(96)
	}
}

func BenchmarkHeapAllocFree(b *testing.B) {
	h := NewHeap("benchallocfree", testsettings())
	defer h.Release()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Free(h.Alloc(96))
	}
}

func BenchmarkThreadcacheAlloc(b *testing.B) {
	h := NewHeap("benchtc", testsettings())
	defer h.Release()
	tc := h.NewThreadcache()
	defer tc.Release()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tc.Free(tc.Alloc(96))
	}
}
