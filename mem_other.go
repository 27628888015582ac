//go:build !linux

package percpu

import "unsafe"

// physicalPageSize falls back to the common 4 KiB page size: there is no
// portable (non-Linux) page-size syscall binding available, and the region
// only needs to be aligned to at least the true physical page size, so
// over-aligning here is conservative, not incorrect.
func physicalPageSize() int {
	return 4096
}

// Non-Linux platforms have no mmap/madvise binding available
// (golang.org/x/sys/unix's mmap family is POSIX/Linux specific); this is a
// platform boundary, not a dependency-avoidance shortcut. The region is
// still zero-filled (make's guarantee); it just isn't ever advised away.
func defaultMemoryBackend() defaultBackend {
	return defaultBackend{
		alloc:       alignedHeapAlloc,
		free:        func([]byte) {},
		madviseAway: func([]byte) {},
	}
}

// alignedHeapAlloc pads a plain heap allocation so the returned slice
// starts on a physical-page boundary: plain make([]byte, size) only
// guarantees that for sizes the runtime routes through its large-object
// path, not in general. Safe to return a sub-slice of the backing array
// here because this backend's free is a no-op — nothing needs the original
// unaligned base pointer back.
func alignedHeapAlloc(size int) []byte {
	pageSize := physicalPageSize()
	buf := make([]byte, size+pageSize)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	offset := (pageSize - int(addr%uintptr(pageSize))) % pageSize
	return buf[offset : offset+size : offset+size]
}

// physicalCPUID has no portable binding off Linux; callers fall back to the
// round-robin virtual assignment.
func physicalCPUID() (int, bool) {
	return 0, false
}
