package malloc

import "fmt"
import "time"
import "unsafe"
import "sync"
import "sync/atomic"

import "github.com/bnclabs/golog"
import s "github.com/bnclabs/gosettings"
import humanize "github.com/dustin/go-humanize"

import "github.com/cinogama/woomem/api"
import "github.com/cinogama/woomem/lib"

// Heap a single instance of the garbage collected allocator: the
// chunk stack, the global pools, the address index and the GC
// coordinator. Hosts allocate either through per-worker Threadcache
// instances or through the Heap's own entry points, which serialize
// on an internal cache.
type Heap struct {
	// 64-bit aligned stats
	n_allocs   int64
	n_frees    int64
	n_reallocs int64
	n_reclaims int64
	n_cycles   int64
	allocated  int64

	// GC state, all atomic
	epoch   uint32 // advanced modulo 4 at the start of every cycle
	marking uint32
	fullgc  uint32

	name      string
	logprefix string
	pool      globalpool
	gray      graylist

	// registered callbacks
	userctx   interface{}
	marker    api.MarkCallback
	destroyer api.DestroyCallback
	startmark api.RootMarking
	stopmark  api.RootMarking

	// collector goroutine
	gcmu   sync.Mutex // one cycle at a time
	trigch chan bool
	stopch chan struct{}
	finch  chan struct{}

	// convenience allocation path
	mu        sync.Mutex
	tcache    *Threadcache
	h_allocsz *lib.HistogramInt64
	a_pause   *lib.AverageInt64

	// settings
	capacity    int64
	interval    time.Duration
	fullevery   int64
	autorun     bool
	tcpages     int64
	tcfreelimit int64
	setts       s.Settings

	dead int32
}

// Init a new heap with the host's GC callbacks. All callbacks are
// optional: startmark and stopmark bracket the marking window,
// startmark is where the host enumerates roots through TryMarkUnit;
// marker is invoked per fully-marked unit carrying GCHasMarker;
// destroyer per reclaimed unit carrying GCHasFinalizer.
func Init(
	name string, userctx interface{},
	marker api.MarkCallback, destroyer api.DestroyCallback,
	startmark, stopmark api.RootMarking, setts s.Settings) *Heap {

	h := &Heap{
		name:      name,
		logprefix: fmt.Sprintf("WOOM [%s]", name),
		userctx:   userctx,
		marker:    marker,
		destroyer: destroyer,
		startmark: startmark,
		stopmark:  stopmark,
	}
	setts = make(s.Settings).Mixin(Defaultsettings(), setts)
	h.readsettings(setts)

	osm := Newosmemory()
	if ospg := osm.Pagesize(); Pagesize%ospg != 0 {
		panicerr("page size %v is not a multiple of OS page size %v", Pagesize, ospg)
	}
	h.pool.init(osm, h.capacity, h.logprefix)

	h.h_allocsz = lib.NewhistorgramInt64(64, int64(maxMedium), 1024)
	h.a_pause = &lib.AverageInt64{}
	h.tcache = h.NewThreadcache()

	h.trigch = make(chan bool, 16)
	h.stopch = make(chan struct{})
	h.finch = make(chan struct{})
	if h.autorun {
		go h.rungc()
	} else {
		close(h.finch)
	}

	log.Infof("%v started with capacity %v ...\n",
		h.logprefix, humanize.Bytes(uint64(h.capacity)))
	return h
}

// NewHeap a heap without host callbacks.
func NewHeap(name string, setts s.Settings) *Heap {
	return Init(name, nil, nil, nil, nil, nil, setts)
}

func (h *Heap) readsettings(setts s.Settings) {
	h.capacity = setts.Int64("capacity")
	h.interval = time.Duration(setts.Int64("gc.interval")) * time.Millisecond
	h.fullevery = setts.Int64("gc.fullevery")
	h.autorun = setts.Bool("gc.autorun")
	h.tcpages = setts.Int64("threadcache.pages")
	h.tcfreelimit = setts.Int64("threadcache.freelimit")
	h.setts = setts
}

//---- allocation API (convenience path)

// Alloc counterpart of alloc_normal: the unit is exempt from
// sweeping and must be freed explicitly.
func (h *Heap) Alloc(n int64) unsafe.Pointer {
	return h.AllocAttrib(n, 0)
}

// AllocAttrib allocate with an attribute mask.
func (h *Heap) AllocAttrib(n int64, typ api.GCUnitType) unsafe.Pointer {
	h.mu.Lock()
	ptr := h.tcache.AllocAttrib(n, typ)
	h.h_allocsz.Add(n)
	h.mu.Unlock()
	return ptr
}

// Realloc see Threadcache.Realloc.
func (h *Heap) Realloc(ptr unsafe.Pointer, n int64) unsafe.Pointer {
	h.mu.Lock()
	newptr := h.tcache.Realloc(ptr, n)
	h.mu.Unlock()
	atomic.AddInt64(&h.n_reallocs, 1)
	return newptr
}

// Free release a unit. Units carrying GCNeedSweep must still be
// reachable when freed, to avoid racing an in-flight sweep.
func (h *Heap) Free(ptr unsafe.Pointer) {
	h.mu.Lock()
	h.tcache.Free(ptr)
	h.mu.Unlock()
}

//---- large and huge back-ends, shared by all thread caches

func (h *Heap) alloclarge(class int, typ api.GCUnitType) unsafe.Pointer {
	u, err := h.pool.acquirelarge(class)
	if err != nil {
		return nil
	}
	u.initmeta(h.curepoch(), typ, 0)
	initblock(uintptr(u.payload()), classcapacity(class))
	h.accalloc(classcapacity(class))
	return u.payload()
}

func (h *Heap) allochuge(n int64, typ api.GCUnitType) unsafe.Pointer {
	aligned := alignup(n, Alignment)
	if aligned == 0 {
		aligned = Alignment
	}
	hu, err := h.pool.registerhuge(n, aligned)
	if err != nil {
		return nil
	}
	u := hu.head()
	u.initmeta(h.curepoch(), typ, 0)
	h.accalloc(aligned)
	return u.payload()
}

// freebig release a large or huge unit. Large units return to their
// global bucket; huge units are flipped to Released only, the sweep
// walks the huge list and gives the memory back to the OS, because a
// gray-marked parent may still hold the pointer.
func (h *Heap) freebig(ptr unsafe.Pointer, runfinal bool) {
	u := headof(ptr)
	pg := (*pagehead)(unsafe.Pointer(uintptr(ptr) - uintptr(largeheadsize)))
	if !releaseunit(u, runfinal, h) {
		return
	}
	if int(pg.class) == classHuge {
		h.accfree(hugeof(pg).aligned)
		return
	}
	h.accfree(classcapacity(int(pg.class)))
	h.pool.returnlarge(pg)
}

//---- accounting

func (h *Heap) accalloc(n int64) {
	atomic.AddInt64(&h.n_allocs, 1)
	atomic.AddInt64(&h.allocated, n)
}

func (h *Heap) accfree(n int64) {
	atomic.AddInt64(&h.n_frees, 1)
	atomic.AddInt64(&h.allocated, -n)
}

//---- introspection

// Slabs allocatable slab of sizes, small, medium and large.
func (h *Heap) Slabs() []int64 {
	sizes := make([]int64, 0, nClasses)
	for class := 0; class < nClasses; class++ {
		sizes = append(sizes, classcapacity(class))
	}
	return sizes
}

// Slabsize capacity of the slab backing ptr.
func (h *Heap) Slabsize(ptr unsafe.Pointer) int64 {
	u := headof(ptr)
	if u.page != 0 {
		return classcapacity(int(pageof(u).class))
	}
	pg := (*pagehead)(unsafe.Pointer(uintptr(ptr) - uintptr(largeheadsize)))
	if int(pg.class) == classHuge {
		return hugeof(pg).aligned
	}
	return classcapacity(int(pg.class))
}

// Info memory accounting: configured capacity, committed bytes,
// allocated bytes and book-keeping overhead.
func (h *Heap) Info() (capacity, heap, alloc, overhead int64) {
	capacity = h.capacity
	heap = atomic.LoadInt64(&h.pool.committed)
	alloc = atomic.LoadInt64(&h.allocated)
	overhead = atomic.LoadInt64(&h.pool.nchunks) * int64(unsafe.Sizeof(Chunk{}))
	overhead += int64(h.pool.index.count()) * int64(unsafe.Sizeof(indexentry{}))
	return
}

// Utilization per-slab ratio of allocated to committed memory,
// computed by walking every committed page.
func (h *Heap) Utilization() ([]int, []float64) {
	committed := make([]int64, nClasses)
	allocated := make([]int64, nClasses)
	h.foreachpage(func(ch *Chunk, pg *pagehead) {
		class := int(pg.class)
		if class >= nSmallMedium {
			committed[class] += classnpages(class) * Pagesize
			if hd := (*unithead)(unsafe.Pointer(pg.base() + uintptr(pageheadsize))); hd.getmark() != markReleased {
				allocated[class] += classcapacity(class)
			}
			return
		}
		committed[class] += Pagesize
		stride, nunits := classstride(class), classnunits(class)
		for i := int64(0); i < nunits; i++ {
			u := (*unithead)(unsafe.Pointer(pg.base() + uintptr(pageheadsize) + uintptr(i*stride)))
			if u.getmark() != markReleased {
				allocated[class] += classcapacity(class)
			}
		}
	})
	ss, zs := make([]int, 0), make([]float64, 0)
	for class := 0; class < nClasses; class++ {
		if committed[class] == 0 {
			continue
		}
		ss = append(ss, int(classcapacity(class)))
		zs = append(zs, float64(allocated[class])/float64(committed[class])*100)
	}
	return ss, zs
}

// Stats heap statistics.
func (h *Heap) Stats() map[string]interface{} {
	stats := make(map[string]interface{})
	stats["n_allocs"] = atomic.LoadInt64(&h.n_allocs)
	stats["n_frees"] = atomic.LoadInt64(&h.n_frees)
	stats["n_reallocs"] = atomic.LoadInt64(&h.n_reallocs)
	stats["n_reclaims"] = atomic.LoadInt64(&h.n_reclaims)
	stats["n_cycles"] = atomic.LoadInt64(&h.n_cycles)
	stats["allocated"] = atomic.LoadInt64(&h.allocated)
	stats["committed"] = atomic.LoadInt64(&h.pool.committed)
	stats["n_chunks"] = atomic.LoadInt64(&h.pool.nchunks)
	stats["n_huge"] = atomic.LoadInt64(&h.pool.nhuge)
	stats["n_threads"] = int64(h.pool.nthreads())
	h.mu.Lock()
	stats["gc.pause.mean"] = h.a_pause.Mean()
	stats["gc.pause.max"] = h.a_pause.Max()
	stats["allocsz"] = h.h_allocsz.Fullstats()
	h.mu.Unlock()
	return stats
}

// Log heap accounting, humanized.
func (h *Heap) Log() {
	capacity, heap, alloc, overhead := h.Info()
	log.Infof("%v capacity: %v committed: %v\n",
		h.logprefix,
		humanize.Bytes(uint64(capacity)), humanize.Bytes(uint64(heap)))
	log.Infof("%v allocated: %v overhead: %v cycles: %v\n",
		h.logprefix,
		humanize.Bytes(uint64(alloc)), humanize.Bytes(uint64(overhead)),
		atomic.LoadInt64(&h.n_cycles))
	h.mu.Lock()
	n := h.h_allocsz.Samples()
	min, max, mean := h.h_allocsz.Min(), h.h_allocsz.Max(), h.h_allocsz.Mean()
	h.mu.Unlock()
	if n > 0 {
		log.Infof("%v request sizes: min %v max %v mean %v over %v samples\n",
			h.logprefix,
			humanize.Bytes(uint64(min)), humanize.Bytes(uint64(max)),
			humanize.Bytes(uint64(mean)), n)
	}
}

// foreachpage walk every committed page head in every chunk. Large
// units are visited once, at their first page.
func (h *Heap) foreachpage(fn func(ch *Chunk, pg *pagehead)) {
	for ch := h.pool.chunklist(); ch != nil; ch = ch.next {
		n := atomic.LoadInt64(&ch.ncommitted)
		for idx := int64(0); idx < n; {
			pg := ch.pageat(idx)
			fn(ch, pg)
			idx += classnpages(int(pg.class))
		}
	}
}

// Validate heap invariants: commit counters ordered, and every small
// or medium page's in-place free list terminates within the page's
// unit count. Async-returned lists are not walked. Panics on
// violation.
func (h *Heap) Validate() {
	for ch := h.pool.chunklist(); ch != nil; ch = ch.next {
		ncommit := atomic.LoadInt64(&ch.ncommit)
		ncommitted := atomic.LoadInt64(&ch.ncommitted)
		if ncommit < ncommitted {
			panicerr("chunk %x commit counters inverted: %v < %v",
				ch.pagebase, ncommit, ncommitted)
		}
	}
	h.foreachpage(func(ch *Chunk, pg *pagehead) {
		class := int(pg.class)
		if class >= nSmallMedium {
			return
		}
		nunits, n := classnunits(class), int64(0)
		for gran := pg.nextalloc; gran != 0; gran = pg.unitat(gran).nextfree {
			if n++; n > nunits {
				panicerr("page %x free list cycles", pg.base())
			}
		}
	})
}

//---- lifecycle

// GC trigger a collection cycle; full sweeps the old generation too.
// No-op when the collector goroutine is not running.
func (h *Heap) GC(full bool) {
	select {
	case h.trigch <- full:
	default:
	}
}

// Release shut the heap down: block until a pending cycle finishes,
// stop the collector, and unmap every chunk and huge region. No
// finalizers run on surviving units.
func (h *Heap) Release() {
	if !atomic.CompareAndSwapInt32(&h.dead, 0, 1) {
		return
	}
	if h.autorun {
		close(h.stopch)
		<-h.finch
	}
	h.gcmu.Lock() // block on a pending host-driven cycle
	defer h.gcmu.Unlock()
	h.tcache.Release()
	h.pool.release()
	log.Infof("%v released\n", h.logprefix)
}
