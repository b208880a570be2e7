package main

import "fmt"
import "time"
import "flag"
import "runtime"
import "strconv"
import "math/rand"
import "sync"
import "unsafe"

import hm "github.com/dustin/go-humanize"
import s "github.com/bnclabs/gosettings"

import "github.com/cinogama/woomem/api"
import "github.com/cinogama/woomem/lib"
import "github.com/cinogama/woomem/malloc"

var options struct {
	n        int
	par      int
	ncpu     int
	capacity int
	sizes    [2]int // min-size, max-size
	sweep    int    // percentage of sweep-managed allocations
	gcevery  int
	seed     int
	prodfile string
	bagdir   string
}

func argParse() []string {
	var sizes string

	flag.IntVar(&options.n, "n", 100000,
		"number of allocations per routine")
	flag.IntVar(&options.par, "par", 4,
		"number of allocating routines, each with its own thread cache")
	flag.IntVar(&options.ncpu, "ncpu", runtime.GOMAXPROCS(-1),
		"set number of cores to use")
	flag.IntVar(&options.capacity, "capacity", 1024*1024*1024,
		"heap capacity in bytes")
	flag.StringVar(&sizes, "sizes", "",
		"minsize,maxsize - allocate between [minsize,maxsize)")
	flag.IntVar(&options.sweep, "sweep", 50,
		"percentage of allocations managed by the collector")
	flag.IntVar(&options.gcevery, "gcevery", 10000,
		"trigger a collection every N allocations")
	flag.IntVar(&options.seed, "seed", 1,
		"random seed")
	flag.StringVar(&options.prodfile, "prodfile", "",
		"monster production file to generate allocation payloads")
	flag.StringVar(&options.bagdir, "bagdir", "",
		"bag directory for monster sample data")
	flag.Parse()

	options.sizes = [2]int{8, 21824}
	if sizes != "" {
		for i, field := range lib.Parsecsv(sizes) {
			ln, _ := strconv.Atoi(field)
			options.sizes[i] = ln
		}
	}
	runtime.GOMAXPROCS(options.ncpu)
	return flag.Args()
}

func main() {
	argParse()
	rand.Seed(int64(options.seed))

	setts := s.Settings{
		"capacity":    int64(options.capacity),
		"gc.autorun":  true,
		"gc.interval": int64(1000),
	}
	heap := malloc.NewHeap("cmdline", setts)

	payloads := makepayloads()

	now := time.Now()
	var wg sync.WaitGroup
	wg.Add(options.par)
	for r := 0; r < options.par; r++ {
		go hammer(heap, payloads, &wg)
	}
	wg.Wait()
	total := options.par * options.n
	fmt.Printf("Took %v for %v allocations\n", time.Since(now), total)

	heap.GC(true)
	time.Sleep(100 * time.Millisecond)
	printstats(heap)
	heap.Release()
}

func hammer(
	heap *malloc.Heap, payloads [][]byte, wg *sync.WaitGroup) {

	defer wg.Done()

	tc := heap.NewThreadcache()
	defer tc.Release()

	live := make([]unsafe.Pointer, 0, 1024)
	min, max := options.sizes[0], options.sizes[1]
	for i := 0; i < options.n; i++ {
		var payload []byte
		if len(payloads) > 0 {
			payload = payloads[rand.Intn(len(payloads))]
		} else {
			payload = make([]byte, rand.Intn(max-min)+min)
		}
		size := int64(len(payload))

		attrib := api.GCUnitType(0)
		if rand.Intn(100) < options.sweep {
			attrib = api.GCNeedSweep
		}
		ptr := tc.AllocAttrib(size, attrib)
		if ptr == nil {
			fmt.Printf("out of memory after %v allocations\n", i)
			return
		}
		block := unsafe.Slice((*byte)(ptr), size)
		copy(block, payload)

		if attrib == 0 {
			live = append(live, ptr)
			if len(live) == cap(live) {
				for _, p := range live {
					tc.Free(p)
				}
				live = live[:0]
			}
		}
		if options.gcevery > 0 && i%options.gcevery == 0 {
			heap.GC(false)
			tc.Checkpoint()
		}
	}
	for _, p := range live {
		tc.Free(p)
	}
}

func printstats(heap *malloc.Heap) {
	capacity, committed, alloc, overhead := heap.Info()
	fmsg := "Heap{capacity:%v committed:%v alloc:%v overhead:%v}\n"
	fmt.Printf(fmsg,
		hm.Bytes(uint64(capacity)), hm.Bytes(uint64(committed)),
		hm.Bytes(uint64(alloc)), hm.Bytes(uint64(overhead)))

	stats := heap.Stats()
	fmsg = "GC{cycles:%v reclaims:%v pause mean:%vus max:%vus}\n"
	fmt.Printf(fmsg,
		stats["n_cycles"], stats["n_reclaims"],
		stats["gc.pause.mean"], stats["gc.pause.max"])

	slabs, uzs := heap.Utilization()
	for i, slab := range slabs {
		fmt.Printf("slab %8v: %5.2f%%\n", slab, uzs[i])
	}
}
