//go:build linux

package percpu

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// physicalPageSize returns the host's physical page size, the alignment
// the region allocation must meet.
func physicalPageSize() int {
	return unix.Getpagesize()
}

// mmapAlloc backs the default AllocFunc on Linux: an anonymous, zero-filled,
// page-aligned mapping.
func mmapAlloc(size int) []byte {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		crashf("mmap %d bytes: %v", size, err)
	}
	return mem
}

// munmapFree is mmapAlloc's inverse.
func munmapFree(mem []byte) {
	if len(mem) == 0 {
		return
	}
	if err := unix.Munmap(mem); err != nil {
		crashf("munmap %d bytes: %v", len(mem), err)
	}
}

// madviseAway advises the kernel the region is not presently needed.
// Best-effort: a failure here does not affect correctness, only residency,
// so it is not fatal.
func madviseAway(mem []byte) {
	if len(mem) == 0 {
		return
	}
	_ = unix.Madvise(mem, unix.MADV_DONTNEED)
}

func defaultMemoryBackend() defaultBackend {
	return defaultBackend{alloc: mmapAlloc, free: munmapFree, madviseAway: madviseAway}
}

// physicalCPUID reads the kernel-reported CPU id via the getcpu(2) syscall,
// the real-hardware half of the physical current-CPU mode.
func physicalCPUID() (int, bool) {
	var cpu uint32
	if _, _, errno := unix.RawSyscall(unix.SYS_GETCPU, uintptr(unsafe.Pointer(&cpu)), 0, 0); errno != 0 {
		return 0, false
	}
	return int(cpu), true
}
