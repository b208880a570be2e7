//go:build !debug

package malloc

import "unsafe"

import "github.com/cinogama/woomem/lib"

// initblock zero a freshly handed out unit payload. Recycled slots
// carry free-list links and stale content from their previous life.
func initblock(block uintptr, size int64) {
	lib.Memset(unsafe.Pointer(block), 0, int(size))
}
