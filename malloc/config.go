package malloc

import s "github.com/bnclabs/gosettings"
import "github.com/cloudfoundry/gosigar"

// Defaultsettings for a heap instance.
//
// "capacity" (int64, default: half of free system RAM)
//		Ceiling on committed memory, in bytes. Allocations that
//		would commit beyond it return nil.
//
// "gc.autorun" (bool, default: true)
//		Spawn the collector goroutine. When false the host drives
//		cycles through BeginGCMark/EndGCMarkFreeAllUnmarked.
//
// "gc.interval" (int64, default: 10000)
//		Quiescent interval in milliseconds after which the collector
//		forces a cycle even without an explicit trigger.
//
// "gc.fullevery" (int64, default: 4)
//		Every Nth automatic cycle is a full collection; the others
//		are minor and spare the old generation.
//
// "threadcache.pages" (int64, default: 8)
//		Maximum pages a thread cache holds per size class.
//
// "threadcache.freelimit" (int64, default: 256)
//		Length of a per-class local free list beyond which units are
//		flushed back to their owning pages.
func Defaultsettings() s.Settings {
	_, _, free := getsysmem()
	return s.Settings{
		"capacity":              int64(free / 2),
		"gc.autorun":            true,
		"gc.interval":           int64(10 * 1000),
		"gc.fullevery":          int64(4),
		"threadcache.pages":     int64(8),
		"threadcache.freelimit": int64(256),
	}
}

func getsysmem() (total, used, free uint64) {
	mem := sigar.Mem{}
	mem.Get()
	return mem.Total, mem.Used, mem.Free
}
