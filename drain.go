package percpu

import "unsafe"

// Drain locks every header for cpu exactly as InitCPU's opening phase does,
// hands each size class's occupied slots to drainHandler, then resets the
// CPU to an empty, unlocked, capacity-0 state — the same closing write
// InitCPU performs, so calling InitCPU(cpu) right after Drain(cpu) is
// idempotent.
//
// Must not overlap another admin op on the same cpu; callers running Drain
// concurrently on different CPUs need no coordination beyond what adminMu
// already serializes.
func (c *Cache) Drain(cpu int, drain DrainHandler) {
	c.adminMu.Lock()
	defer c.adminMu.Unlock()
	region := c.region.Load()
	c.stopConcurrentMutations(region, cpu)
	c.drainLocked(region, cpu, drain)
	c.resetCPUHeaders(region, cpu)
}

// drainLocked invokes drain for every size class of cpu on region, which
// must already have every header for cpu locked (begin/end stomped, current
// and end_copy preserved) — shared by Drain and ResizeSlabs.
func (c *Cache) drainLocked(region *regionState, cpu int, drain DrainHandler) {
	for sc := 0; sc < c.numClasses; sc++ {
		h := loadHeader(headerCell(region, cpu, sc))
		begin := region.layout.begin[sc]
		size := int(h.current - begin)
		cap := int(h.endCopy - begin)
		var slots []unsafe.Pointer
		if size > 0 {
			slots = make([]unsafe.Pointer, size)
			for i := 0; i < size; i++ {
				slots[i] = unsafe.Pointer(slotCell(region, cpu, begin+uint16(i)).Load())
			}
		}
		drain(cpu, sc, slots, size, cap)
	}
}

// ResizeSlabs allocates a region at newShift using newCapacity's layout,
// initializes every CPU isPopulated reports true for on the new region,
// atomically swaps the Cache onto the new region, and then hands those
// CPUs' old contents to drain; the new region's CPUs start empty with
// capacity 0. Returns the old region's bytes and length so the caller may
// advise it away and eventually release it (WithMadviseAway / WithFree, or
// simply discard the slice and let the garbage collector reclaim a
// non-mmap backend). alloc must return memory the Cache's FreeFunc can
// release: Destroy frees whichever region is active at that time with it.
//
// Callers must not run InitCPU, ShrinkOther, or Drain against this Cache
// concurrently with ResizeSlabs. InitCPU and Drain take adminMu and are
// serialized against it; ShrinkOther does not take adminMu, so keeping it
// out of a resize is the caller's responsibility.
func (c *Cache) ResizeSlabs(newShift uint8, alloc AllocFunc, newCapacity CapacityFunc, isPopulated func(cpu int) bool, drain DrainHandler) ([]byte, int, error) {
	if newShift == 0 || newShift > MaxShift {
		return nil, 0, ErrInvalidShift
	}

	c.adminMu.Lock()
	defer c.adminMu.Unlock()

	oldRegion := c.region.Load()

	newLayout, err := newLayoutFittingShift(c.numClasses, newCapacity, newShift, c.logger)
	if err != nil {
		return nil, 0, err
	}

	subRegionBytes := 1 << newShift
	newMem := alloc(c.numCPUs * subRegionBytes)
	if len(newMem) != c.numCPUs*subRegionBytes {
		crashf("alloc_fn returned %d bytes, wanted %d", len(newMem), c.numCPUs*subRegionBytes)
	}
	assertPageAligned(newMem)
	newRegion := &regionState{mem: newMem, shift: newShift, layout: newLayout}

	populated := make([]int, 0, c.numCPUs)
	for cpu := 0; cpu < c.numCPUs; cpu++ {
		if isPopulated(cpu) {
			populated = append(populated, cpu)
		}
	}

	// Phase 1: initialize the new region for every populated CPU before it
	// is ever visible to a mutator.
	for _, cpu := range populated {
		c.initCPULocked(newRegion, cpu)
	}

	// Phase 2: lock and fence every populated CPU's headers on the old
	// region, so no mutator can still be mid-commit against it once we
	// swap.
	for _, cpu := range populated {
		c.stopConcurrentMutations(oldRegion, cpu)
	}

	// Phase 3: the atomic swap. From this instant, every new Push/Pop/Grow/
	// Shrink/InitCPU call addresses newRegion.
	c.region.Store(newRegion)

	// Phase 4: drain the old region's populated CPUs, handing their
	// contents back to the caller for redistribution onto the new layout.
	for _, cpu := range populated {
		c.drainLocked(oldRegion, cpu, drain)
	}

	// Phase 5: the old region is now fully vacated; advise it non-resident
	// before handing it back. The caller still owns releasing it via free.
	c.backend.madviseAway(oldRegion.mem)

	return oldRegion.mem, len(oldRegion.mem), nil
}
