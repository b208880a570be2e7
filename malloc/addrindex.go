package malloc

import "sort"
import "sync"

// addrindex ordered map from a base address to the chunk or huge
// unit owning it, for validating possibly-wild pointers. Chunk
// entries are keyed by the page-region start, huge entries by the
// payload start. Writers are rare (chunk creation, huge unit commit
// and retirement).
type addrindex struct {
	rw      sync.RWMutex
	entries []indexentry // sorted by base
}

type indexentry struct {
	base  uintptr
	end   uintptr
	chunk *Chunk // nil tags a huge entry
	huge  *hugeunit
}

func (ai *addrindex) insertchunk(ch *Chunk) {
	end := ch.pagebase + uintptr(usablepages*Pagesize)
	ai.insert(indexentry{base: ch.pagebase, end: end, chunk: ch})
}

func (ai *addrindex) inserthuge(hu *hugeunit) {
	ai.insert(indexentry{base: hu.payload(), huge: hu})
}

func (ai *addrindex) insert(e indexentry) {
	ai.rw.Lock()
	defer ai.rw.Unlock()

	i := sort.Search(len(ai.entries), func(i int) bool {
		return ai.entries[i].base > e.base
	})
	ai.entries = append(ai.entries, indexentry{})
	copy(ai.entries[i+1:], ai.entries[i:])
	ai.entries[i] = e
}

func (ai *addrindex) remove(base uintptr) {
	ai.rw.Lock()
	defer ai.rw.Unlock()

	i := sort.Search(len(ai.entries), func(i int) bool {
		return ai.entries[i].base >= base
	})
	if i == len(ai.entries) || ai.entries[i].base != base {
		return
	}
	copy(ai.entries[i:], ai.entries[i+1:])
	ai.entries = ai.entries[:len(ai.entries)-1]
}

// lookup resolve an arbitrary address to the head of the unit
// containing it. Returns nil for addresses outside every known
// region or within a region's header area. Lookup does not check
// whether the slot is allocated; callers inspect the returned unit's
// mark state.
func (ai *addrindex) lookup(addr uintptr) *unithead {
	ai.rw.RLock()
	defer ai.rw.RUnlock()

	i := sort.Search(len(ai.entries), func(i int) bool {
		return ai.entries[i].base > addr
	}) - 1
	if i < 0 {
		return nil
	}
	ent := &ai.entries[i]
	if ent.chunk != nil {
		if addr >= ent.end {
			return nil
		}
		return ent.chunk.lookup(addr)
	}
	if addr >= ent.base+uintptr(ent.huge.exact) {
		return nil
	}
	return ent.huge.head()
}

// chunkof owning chunk of an address, nil for huge regions.
func (ai *addrindex) chunkof(addr uintptr) *Chunk {
	ai.rw.RLock()
	defer ai.rw.RUnlock()

	i := sort.Search(len(ai.entries), func(i int) bool {
		return ai.entries[i].base > addr
	}) - 1
	if i < 0 {
		return nil
	}
	ent := &ai.entries[i]
	if ent.chunk == nil || addr >= ent.end {
		return nil
	}
	return ent.chunk
}

// hugeof owning huge unit of an address, nil for chunk regions.
func (ai *addrindex) hugeof(addr uintptr) *hugeunit {
	ai.rw.RLock()
	defer ai.rw.RUnlock()

	i := sort.Search(len(ai.entries), func(i int) bool {
		return ai.entries[i].base > addr
	}) - 1
	if i < 0 {
		return nil
	}
	ent := &ai.entries[i]
	if ent.chunk != nil || addr >= ent.base+uintptr(ent.huge.exact) {
		return nil
	}
	return ent.huge
}

func (ai *addrindex) count() int {
	ai.rw.RLock()
	defer ai.rw.RUnlock()
	return len(ai.entries)
}
