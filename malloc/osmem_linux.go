//go:build linux

package malloc

import "unsafe"

import "golang.org/x/sys/unix"

import "github.com/cinogama/woomem/api"

// osmemory mmap-backed implementation of the api.OSMemory shim.
// Reservations are PROT_NONE mappings, commit flips the protection
// to read-write, decommit drops the backing with MADV_DONTNEED while
// keeping the range mapped.
type osmemory struct {
	pagesize int64
}

// Newosmemory the default OS shim for this platform.
func Newosmemory() api.OSMemory {
	return &osmemory{pagesize: int64(unix.Getpagesize())}
}

func (osm *osmemory) Pagesize() int64 {
	return osm.pagesize
}

func (osm *osmemory) Reserve(size int64) (unsafe.Pointer, error) {
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		0,
		uintptr(size),
		uintptr(unix.PROT_NONE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE),
		^uintptr(0), /* fd -1 */
		0)
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Pointer(addr), nil
}

func (osm *osmemory) Commit(addr unsafe.Pointer, size int64) error {
	_, _, errno := unix.Syscall(
		unix.SYS_MPROTECT,
		uintptr(addr),
		uintptr(size),
		uintptr(unix.PROT_READ|unix.PROT_WRITE))
	if errno != 0 {
		return errno
	}
	return nil
}

func (osm *osmemory) Decommit(addr unsafe.Pointer, size int64) error {
	_, _, errno := unix.Syscall(
		unix.SYS_MADVISE,
		uintptr(addr),
		uintptr(size),
		uintptr(unix.MADV_DONTNEED))
	if errno != 0 {
		return errno
	}
	return nil
}

func (osm *osmemory) Release(addr unsafe.Pointer, size int64) error {
	_, _, errno := unix.Syscall(
		unix.SYS_MUNMAP,
		uintptr(addr),
		uintptr(size),
		0)
	if errno != 0 {
		return errno
	}
	return nil
}
