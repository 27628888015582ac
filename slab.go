package percpu

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"
)

// regionState holds the region's backing memory together with the shift and
// layout that describe how to address it. A design that instead bit-packs
// a pointer and an 8-bit shift into one atomic machine word (relying on the
// region base being aligned to at least 256 bytes so the low bits are free)
// isn't available here: Go gives no portable way to reinterpret a slice
// header's backing pointer as an integer and back (unsafe.Pointer
// round-trips through uintptr are only valid for the specific patterns go
// vet recognizes, and a slice pointer is not one of them). Instead the
// triple is held behind a single atomic.Pointer: swapping regionState
// wholesale is exactly as atomic as swapping a packed word, and every
// reader still extracts (mem, shift, layout) from one load, so the three
// always describe the same generation of the region. layout travels with
// mem/shift rather than living on Cache directly because ResizeSlabs may be
// called with a different capacity function, which changes the
// per-size-class begin offsets — the offset table must be swapped in the
// same atomic step as the region it describes, or a mutator could compute
// an offset against the wrong generation's layout.
type regionState struct {
	mem    []byte
	shift  uint8
	layout subRegionLayout
}

// Cache is the per-CPU lock-free object cache: each logical CPU owns one
// sub-region of a shared allocation, holding a packed header plus a slot
// array per size class. Mutator fast paths (Push/Pop/PushBatch/PopBatch)
// hold only their target CPU's mutator lock (see cpu.go); administrative operations (InitCPU, Drain, ResizeSlabs,
// Destroy, ShrinkOther) coordinate with them via the lock-and-fence
// protocol in header.go and cpu.go.
//
// A Cache must be constructed with New and is safe for concurrent use by
// multiple goroutines, including concurrent mutators on different CPUs and
// one administrative operation at a time (see ResizeSlabs's doc comment for
// the caller contract on overlapping admin ops).
type Cache struct {
	numClasses int

	rcs     *rcsRuntime
	numCPUs int

	logger               *slog.Logger
	backend              defaultBackend
	maxStopMutationSpins int

	region atomic.Pointer[regionState]

	// adminMu serializes structural operations on the region itself
	// (InitCPU, Destroy, ResizeSlabs): callers must not overlap these, and
	// this enforces it rather than leaving it purely as a caller contract.
	adminMu sync.Mutex
}

// New constructs a Cache with numClasses size classes, each capped at
// capacity(sc) slots, and allocates its region. numCPUs is normally
// runtime.NumCPU() or runtime.GOMAXPROCS(0); callers pass it explicitly so
// tests can exercise small, deterministic CPU counts.
func New(numClasses, numCPUs int, capacity CapacityFunc, opts ...CacheOption) (*Cache, error) {
	if numClasses <= 0 {
		return nil, ErrInvalidNumClasses
	}
	if numCPUs <= 0 {
		return nil, fmt.Errorf("percpu: numCPUs must be positive")
	}
	if capacity == nil {
		return nil, ErrNilCapacityFunc
	}

	cfg := defaultCacheConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.shift == 0 || cfg.shift > MaxShift {
		return nil, ErrInvalidShift
	}

	layout, err := newLayoutFittingShift(numClasses, capacity, cfg.shift, cfg.logger)
	if err != nil {
		return nil, err
	}

	subRegionBytes := 1 << cfg.shift
	mem := cfg.backend.alloc(numCPUs * subRegionBytes)
	if len(mem) != numCPUs*subRegionBytes {
		crashf("alloc_fn returned %d bytes, wanted %d", len(mem), numCPUs*subRegionBytes)
	}
	assertPageAligned(mem)

	c := &Cache{
		numClasses:           numClasses,
		rcs:                  newRCSRuntime(cfg.cpuMode, numCPUs),
		numCPUs:              numCPUs,
		logger:               cfg.logger,
		backend:              cfg.backend,
		maxStopMutationSpins: cfg.maxStopMutationSpins,
	}
	c.region.Store(&regionState{mem: mem, shift: cfg.shift, layout: layout})
	return c, nil
}

// newLayoutFittingShift computes a layout for capacity against shift and
// returns an error (rather than crashing, since this path also runs from
// ResizeSlabs with caller-controlled parameters) if it doesn't fit.
func newLayoutFittingShift(numClasses int, capacity CapacityFunc, shift uint8, logger *slog.Logger) (subRegionLayout, error) {
	layout := computeLayout(numClasses, capacity)
	ok, required, available := layout.fits(shift)
	if !ok {
		return subRegionLayout{}, fmt.Errorf("percpu: sub-region too small: capacities need %d bytes, shift %d reserves %d",
			required, shift, available)
	}
	if float64(required) < 0.9*float64(available) && logger != nil {
		logger.Warn("percpu: sub-region under-utilized",
			"required_bytes", required, "reserved_bytes", available, "shift", shift)
	}
	return layout, nil
}

// Shift returns the configured shift (constant for the life of the Cache
// except across ResizeSlabs, after which it reflects the new region).
func (c *Cache) Shift() uint8 {
	return c.region.Load().shift
}

// NumCPUs returns the logical CPU count this Cache was constructed with.
func (c *Cache) NumCPUs() int {
	return c.numCPUs
}

func subRegionOffset(cpu int, shift uint8) int {
	return cpu << shift
}

func headerCell(region *regionState, cpu, sizeClass int) *atomic.Uint64 {
	off := subRegionOffset(cpu, region.shift) + sizeClass*8
	return (*atomic.Uint64)(unsafe.Pointer(&region.mem[off]))
}

// slotCell returns the atomic view of the slot at the given offset (in
// 8-byte units from the sub-region's start) for cpu. Slots hold object
// pointers reinterpreted as uintptr in a contiguous array. Memory backing
// the region is not scanned by the Go garbage collector (see package doc),
// so callers are responsible for keeping any cached object reachable
// through some other root.
func slotCell(region *regionState, cpu int, offset uint16) *atomic.Uintptr {
	base := subRegionOffset(cpu, region.shift)
	return (*atomic.Uintptr)(unsafe.Pointer(&region.mem[base+int(offset)*8]))
}

// initCPULocked initializes cpu's headers and guard slots against region,
// assuming the caller holds whatever exclusion is needed against other
// admin ops on cpu (InitCPU takes adminMu before calling it). ResizeSlabs
// also calls this, holding adminMu, against the freshly allocated region
// for every CPU it migrates.
func (c *Cache) initCPULocked(region *regionState, cpu int) {
	// Lock every header for cpu and fence, retrying if a stray mutator
	// raced in. On a freshly allocated region or a cpu never before touched
	// this always succeeds on the first pass, since nothing can be mutating
	// an all-zero header.
	c.stopConcurrentMutations(region, cpu)

	// Compute begin offsets (shared across all CPUs — see layout.go) and
	// install each size class's prefetch-guard slot: a slot at begin-1 that
	// points to itself.
	for sc := 0; sc < c.numClasses; sc++ {
		if region.layout.reserved[sc] == 0 {
			continue
		}
		begin := region.layout.begin[sc]
		guard := slotCell(region, cpu, begin-1)
		guard.Store(uintptr(unsafe.Pointer(guard)))
	}

	// Reset current to begin and write the final unlocked header, starting
	// capacity at 0.
	c.resetCPUHeaders(region, cpu)
}

// resetCPUHeaders performs the two-phase reset shared by InitCPU's closing
// step and Drain's closing phase: first set current = begin under lock and
// fence, then write the fully unlocked header with capacity 0. Both callers
// reach it with every header for cpu already locked by
// stopConcurrentMutations.
func (c *Cache) resetCPUHeaders(region *regionState, cpu int) {
	for sc := 0; sc < c.numClasses; sc++ {
		begin := region.layout.begin[sc]
		cell := headerCell(region, cpu, sc)
		h := loadHeader(cell)
		h.current = begin
		storeHeader(cell, h)
	}
	c.rcs.fenceCPU(cpu)
	for sc := 0; sc < c.numClasses; sc++ {
		begin := region.layout.begin[sc]
		cell := headerCell(region, cpu, sc)
		storeHeader(cell, header{current: begin, endCopy: begin, begin: begin, end: begin})
	}
}

// stopConcurrentMutations locks every header for cpu and fences, retrying
// the whole pass if a reload shows any header un-relocked. Shared by
// InitCPU, Drain, and ResizeSlabs. Bounded by maxStopMutationSpins: a
// grow/shrink CAS always eventually sees the locked state and bails out, so
// this loop is expected to terminate quickly in practice.
func (c *Cache) stopConcurrentMutations(region *regionState, cpu int) {
	for attempt := 0; ; attempt++ {
		for sc := 0; sc < c.numClasses; sc++ {
			lockHeader(headerCell(region, cpu, sc))
		}
		c.rcs.fenceCPU(cpu)

		allLocked := true
		for sc := 0; sc < c.numClasses; sc++ {
			if !loadHeader(headerCell(region, cpu, sc)).isLocked() {
				allLocked = false
				break
			}
		}
		if allLocked {
			return
		}
		if attempt >= c.maxStopMutationSpins {
			crashf("stopConcurrentMutations did not converge for cpu %d after %d attempts", cpu, attempt)
		}
	}
}

// InitCPU lazily initializes cpu's sub-region. Safe to call concurrently
// with mutators on other CPUs; must not overlap another admin op on the
// same cpu.
func (c *Cache) InitCPU(cpu int) {
	c.adminMu.Lock()
	defer c.adminMu.Unlock()
	c.initCPULocked(c.region.Load(), cpu)
}

// Length returns the number of occupied slots for (cpu, sizeClass), or 0 if
// the header is currently locked or the CPU has never been initialized.
func (c *Cache) Length(cpu, sizeClass int) uint16 {
	region := c.region.Load()
	return loadHeader(headerCell(region, cpu, sizeClass)).length()
}

// Capacity returns end-begin for (cpu, sizeClass), or 0 if locked or
// uninitialized.
func (c *Cache) Capacity(cpu, sizeClass int) uint16 {
	region := c.region.Load()
	return loadHeader(headerCell(region, cpu, sizeClass)).capacity()
}

// MemoryUsage reports the region's virtual and resident footprint.
// Resident-size probing would need a mincore(2)-equivalent binding this
// repository doesn't carry, so ResidentSize is reported equal to
// VirtualSize — a known simplification, not a silent one.
type MemoryUsage struct {
	VirtualSize  int
	ResidentSize int
}

// MetadataMemoryUsage reports the active region's memory footprint.
func (c *Cache) MetadataMemoryUsage() MemoryUsage {
	region := c.region.Load()
	size := len(region.mem)
	return MemoryUsage{VirtualSize: size, ResidentSize: size}
}

// Destroy releases the region via free (WithFree, or the platform default)
// and clears the Cache's pointer to it. shift is preserved so any
// still-in-flight Shift() caller observes a consistent value rather than a
// race on a zeroed field; mem is cleared, so any concurrent mutator that
// raced past this call will fault on the nil slice rather than silently
// reading state from a freed region. Callers must guarantee no concurrent
// mutator use.
func (c *Cache) Destroy() {
	c.adminMu.Lock()
	defer c.adminMu.Unlock()
	old := c.region.Load()
	c.backend.madviseAway(old.mem)
	c.backend.free(old.mem)
	c.region.Store(&regionState{mem: nil, shift: old.shift, layout: old.layout})
}
