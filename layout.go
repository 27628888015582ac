package percpu

// subRegionLayout is the per-size-class offset table computed once at
// construction time: identical across every CPU, since every sub-region is
// laid out from the same capacity function. Offsets are in 8-byte slot
// units from the start of a sub-region.
type subRegionLayout struct {
	headerWords int      // C, the header array's length in 8-byte cells
	begin       []uint16 // begin[sc]: offset of size class sc's first slot
	reserved    []uint16 // reserved[sc]: slots reserved for sc, including the guard
	used        int      // total slot-array words reserved (sum of reserved), excluding headerWords
}

// computeLayout walks every size class in ascending order, reserving
// capacity(sc)+1 slots per populated size class. The extra slot is the
// self-referential prefetch guard at begin-1 (see slab.go's initCPULocked);
// it is kept even though this implementation has no hardware prefetch to
// issue, so that the slot arithmetic stays identical to a build that does.
func computeLayout(numClasses int, capacity CapacityFunc) subRegionLayout {
	l := subRegionLayout{
		headerWords: numClasses,
		begin:       make([]uint16, numClasses),
		reserved:    make([]uint16, numClasses),
	}
	cursor := numClasses
	for sc := 0; sc < numClasses; sc++ {
		cap := capacity(sc)
		if cap <= 0 {
			l.begin[sc] = uint16(cursor)
			continue
		}
		reserve := cap + 1
		cursor++ // guard slot
		l.begin[sc] = uint16(cursor)
		cursor += cap
		l.reserved[sc] = uint16(reserve)
	}
	l.used = cursor - numClasses
	return l
}

// fits reports whether this layout's header array plus reserved slot arrays
// fit within a sub-region of 2^shift bytes. Returns the required bytes and
// reserved bytes alongside the fit boolean so callers can log an
// under-utilization warning when the fit is loose.
func (l subRegionLayout) fits(shift uint8) (ok bool, requiredBytes, subRegionBytes int) {
	requiredBytes = (l.headerWords + l.used) * 8
	subRegionBytes = 1 << shift
	return requiredBytes <= subRegionBytes, requiredBytes, subRegionBytes
}
