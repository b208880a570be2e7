//go:build debug

package malloc

import "unsafe"

import "github.com/cinogama/woomem/lib"

// initblock poison a freshly handed out unit payload with 0xff, so
// reads of uninitialized or recycled slots stand out. The unit head
// itself is never poisoned; metadata publication relies on it.
func initblock(block uintptr, size int64) {
	lib.Memset(unsafe.Pointer(block), 0xff, int(size))
}
