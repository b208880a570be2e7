package malloc

import "unsafe"
import "sync"
import "sync/atomic"

import "github.com/bnclabs/golog"

import "github.com/cinogama/woomem/api"

// globalpool shared reservoirs behind every thread cache: the chunk
// stack, per-class stacks of free pages and free large units, the
// huge walk list and the registered thread-cache set. All stacks are
// lock-free; the thread registry and the address index take
// reader-writer locks with rare writers.
type globalpool struct {
	// 64-bit aligned atomics
	committed int64
	nchunks   int64
	nhuge     int64

	chunks    unsafe.Pointer               // *Chunk stack, newest first
	freepages [nSmallMedium]unsafe.Pointer // *pagehead stacks
	freelarge [nLarge]unsafe.Pointer       // *pagehead stacks of large unit heads
	hugehead  unsafe.Pointer               // *hugeunit walk list

	index addrindex

	rw      sync.RWMutex
	threads map[*Threadcache]bool

	osm       api.OSMemory
	capacity  int64
	logprefix string
}

func (pool *globalpool) init(osm api.OSMemory, capacity int64, logprefix string) {
	pool.osm = osm
	pool.capacity = capacity
	pool.logprefix = logprefix
	pool.threads = make(map[*Threadcache]bool)
}

// commitbytes account n bytes against the configured capacity.
func (pool *globalpool) commitbytes(n int64) bool {
	if atomic.AddInt64(&pool.committed, n) > pool.capacity {
		atomic.AddInt64(&pool.committed, -n)
		return false
	}
	return true
}

//---- page and large-unit stacks (Treiber)

func pushpage(head *unsafe.Pointer, pg *pagehead) {
	for {
		old := atomic.LoadPointer(head)
		pg.link = uintptr(old)
		if atomic.CompareAndSwapPointer(head, old, unsafe.Pointer(pg)) {
			return
		}
	}
}

func poppage(head *unsafe.Pointer) *pagehead {
	for {
		old := atomic.LoadPointer(head)
		if old == nil {
			return nil
		}
		pg := (*pagehead)(old)
		next := unsafe.Pointer(pg.link)
		if atomic.CompareAndSwapPointer(head, old, next) {
			pg.link = 0
			return pg
		}
	}
}

//---- chunks

func (pool *globalpool) pushchunk(ch *Chunk) {
	for {
		old := atomic.LoadPointer(&pool.chunks)
		ch.next = (*Chunk)(old)
		if atomic.CompareAndSwapPointer(&pool.chunks, old, unsafe.Pointer(ch)) {
			return
		}
	}
}

func (pool *globalpool) chunklist() *Chunk {
	return (*Chunk)(atomic.LoadPointer(&pool.chunks))
}

func (pool *globalpool) addchunk() (*Chunk, error) {
	if !pool.commitbytes(cardtablesize) {
		return nil, ErrorOutofMemory
	}
	ch, err := newchunk(pool.osm)
	if err != nil {
		atomic.AddInt64(&pool.committed, -cardtablesize)
		return nil, err
	}
	pool.pushchunk(ch)
	pool.index.insertchunk(ch)
	n := atomic.AddInt64(&pool.nchunks, 1)
	log.Infof("%v new chunk #%v at %x\n", pool.logprefix, n, ch.pagebase)
	return ch, nil
}

// commitrun page-slot acquisition across the chunk stack, creating a
// fresh chunk when every chunk's page group is full.
func (pool *globalpool) commitrun(npages int64, class uint8) (*pagehead, error) {
	if !pool.commitbytes(npages * Pagesize) {
		return nil, ErrorOutofMemory
	}
	for {
		for ch := pool.chunklist(); ch != nil; ch = ch.next {
			pg, err := ch.allocpages(pool.osm, npages, class)
			if err == ErrorChunkFull {
				continue
			} else if err != nil {
				atomic.AddInt64(&pool.committed, -npages*Pagesize)
				return nil, err
			}
			return pg, nil
		}
		if _, err := pool.addchunk(); err != nil {
			atomic.AddInt64(&pool.committed, -npages*Pagesize)
			return nil, err
		}
	}
}

//---- operations

// acquirepage a ready page of the class, from the free stack or by
// committing a fresh one.
func (pool *globalpool) acquirepage(class int) (*pagehead, error) {
	if pg := poppage(&pool.freepages[class]); pg != nil {
		return pg, nil
	}
	return pool.commitrun(1, uint8(class))
}

func (pool *globalpool) returnpage(pg *pagehead) {
	pushpage(&pool.freepages[pg.class], pg)
}

// acquirelarge a large unit of the class, from the free stack or by
// committing a contiguous page run.
func (pool *globalpool) acquirelarge(class int) (*unithead, error) {
	if pg := poppage(&pool.freelarge[class-nSmallMedium]); pg != nil {
		return (*unithead)(unsafe.Pointer(pg.base() + uintptr(pageheadsize))), nil
	}
	pg, err := pool.commitrun(classnpages(class), uint8(class))
	if err != nil {
		return nil, err
	}
	return (*unithead)(unsafe.Pointer(pg.base() + uintptr(pageheadsize))), nil
}

func (pool *globalpool) returnlarge(pg *pagehead) {
	pushpage(&pool.freelarge[int(pg.class)-nSmallMedium], pg)
}

//---- huge units

// registerhuge reserve, commit and register a huge region for an
// aligned payload capacity.
func (pool *globalpool) registerhuge(exact, aligned int64) (*hugeunit, error) {
	regionsize := hugeregionsize(aligned, pool.osm.Pagesize())
	if !pool.commitbytes(regionsize) {
		return nil, ErrorOutofMemory
	}
	base, err := pool.osm.Reserve(regionsize)
	if err != nil {
		atomic.AddInt64(&pool.committed, -regionsize)
		return nil, err
	}
	if err = pool.osm.Commit(base, regionsize); err != nil {
		pool.osm.Release(base, regionsize)
		atomic.AddInt64(&pool.committed, -regionsize)
		return nil, err
	}
	hu := &hugeunit{
		exact: exact, aligned: aligned,
		region: uintptr(base), regionsize: regionsize,
	}
	hu.initregion()
	for {
		old := atomic.LoadPointer(&pool.hugehead)
		hu.next = (*hugeunit)(old)
		if atomic.CompareAndSwapPointer(&pool.hugehead, old, unsafe.Pointer(hu)) {
			break
		}
	}
	pool.index.inserthuge(hu)
	atomic.AddInt64(&pool.nhuge, 1)
	return hu, nil
}

// unregisterhuge drop the index entry and give the region back to
// the OS. The walk list is compacted by the caller (the sweep).
func (pool *globalpool) unregisterhuge(hu *hugeunit) {
	pool.index.remove(hu.payload())
	if err := pool.osm.Release(unsafe.Pointer(hu.region), hu.regionsize); err != nil {
		log.Errorf("%v release huge region %x: %v\n", pool.logprefix, hu.region, err)
	}
	atomic.AddInt64(&pool.committed, -hu.regionsize)
	atomic.AddInt64(&pool.nhuge, -1)
}

func (pool *globalpool) hugelist() *hugeunit {
	return (*hugeunit)(atomic.LoadPointer(&pool.hugehead))
}

//---- thread registry

func (pool *globalpool) registerthread(tc *Threadcache) {
	pool.rw.Lock()
	defer pool.rw.Unlock()
	pool.threads[tc] = true
}

func (pool *globalpool) unregisterthread(tc *Threadcache) {
	pool.rw.Lock()
	defer pool.rw.Unlock()
	delete(pool.threads, tc)
}

func (pool *globalpool) nthreads() int {
	pool.rw.RLock()
	defer pool.rw.RUnlock()
	return len(pool.threads)
}

//---- shutdown

// release unmap every chunk and huge region. No finalizers run on
// survivors.
func (pool *globalpool) release() {
	for hu := pool.hugelist(); hu != nil; hu = hu.next {
		pool.index.remove(hu.payload())
		pool.osm.Release(unsafe.Pointer(hu.region), hu.regionsize)
	}
	atomic.StorePointer(&pool.hugehead, nil)
	for ch := pool.chunklist(); ch != nil; ch = ch.next {
		pool.index.remove(ch.pagebase)
		pool.osm.Release(unsafe.Pointer(ch.reserved), Chunksize)
	}
	atomic.StorePointer(&pool.chunks, nil)
	atomic.StoreInt64(&pool.committed, 0)
}
