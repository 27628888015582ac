package percpu

import "unsafe"

// AllocFunc allocates a zero-filled region of exactly size bytes, aligned
// to the host's physical page size. The default (mem_linux.go) uses an
// anonymous golang.org/x/sys/unix mmap; mem_other.go falls back to a plain
// heap slice on platforms with no portable mmap binding available.
type AllocFunc func(size int) []byte

// FreeFunc is AllocFunc's inverse.
type FreeFunc func(mem []byte)

// MadviseAwayFunc advises the kernel that mem is not presently needed, used
// when ResizeSlabs or Destroy retires a region. It is best-effort: callers
// must not depend on it actually reclaiming memory, nor on what mem holds
// afterwards (MADV_DONTNEED zero-fills the pages on next touch; a no-op
// leaves them as they were).
type MadviseAwayFunc func(mem []byte)

// defaultBackend bundles the three memory-layer callbacks used when a
// Cache is constructed without WithAlloc/WithFree/WithMadviseAway.
type defaultBackend struct {
	alloc       AllocFunc
	free        FreeFunc
	madviseAway MadviseAwayFunc
}

// assertPageAligned enforces AllocFunc's page-alignment contract against
// whatever the host reports as its physical page size — a custom
// WithAlloc that forgets to align, or a platform whose heap allocator
// doesn't guarantee it, is a fatal configuration error rather than a
// silent correctness hazard.
func assertPageAligned(mem []byte) {
	if len(mem) == 0 {
		return
	}
	pageSize := uintptr(physicalPageSize())
	if addr := uintptr(unsafe.Pointer(&mem[0])); addr%pageSize != 0 {
		crashf("alloc_fn returned memory at %#x, not aligned to the host page size (%d)", addr, pageSize)
	}
}
