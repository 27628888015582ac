package percpu

import "sync/atomic"

// header is the 64-bit packed cell each (cpu, size class) pair owns. All
// four fields are 16-bit offsets in 8-byte (slot) units from the start of
// a CPU's sub-region, laid out little-endian:
//
//	offset 0: current   offset 2: endCopy   offset 4: begin   offset 6: end
//
// It is always loaded/stored as a single 64-bit word so that a 64-bit CAS
// (grow/shrink) and a 32-bit "lock" write (begin|end only) can both target
// the same cell without disturbing the other half.
type header struct {
	current uint16
	endCopy uint16
	begin   uint16
	end     uint16
}

// lockedBegin/lockedEnd are the sentinel values that make both the push and
// pop bound checks fail regardless of current: begin == 0xFFFF is always
// greater than current, and end == 0 is never greater than current.
const (
	lockedBegin uint16 = 0xFFFF
	lockedEnd   uint16 = 0
)

func packHeader(h header) uint64 {
	return uint64(h.current) |
		uint64(h.endCopy)<<16 |
		uint64(h.begin)<<32 |
		uint64(h.end)<<48
}

func unpackHeader(raw uint64) header {
	return header{
		current: uint16(raw),
		endCopy: uint16(raw >> 16),
		begin:   uint16(raw >> 32),
		end:     uint16(raw >> 48),
	}
}

// isLocked reports the administrative lock sentinel (begin == 0xFFFF).
// lockHeader below is the only writer of the lock sentinel, so it alone is
// responsible for also zeroing end whenever it sets begin to this value.
func (h header) isLocked() bool {
	return h.begin == lockedBegin
}

// length returns current-begin, or 0 while h is locked.
func (h header) length() uint16 {
	if h.isLocked() {
		return 0
	}
	return h.current - h.begin
}

func (h header) capacity() uint16 {
	if h.isLocked() {
		return 0
	}
	return h.end - h.begin
}

// loadHeader performs a relaxed 64-bit load; callers needing a
// happens-before guarantee pair it with fenceCPU.
func loadHeader(cell *atomic.Uint64) header {
	return unpackHeader(cell.Load())
}

func storeHeader(cell *atomic.Uint64, h header) {
	cell.Store(packHeader(h))
}

// lockHeader performs the admin "lock" write: a store of only the begin|end
// half that stomps whatever begin/end currently holds. Stomping rather than
// preserving is what makes a concurrent Grow/Shrink CAS racing in
// detectable — the reload in the caller's retry loop will show
// begin != 0xFFFF if that race happened, and it retries.
//
// Go has no portable sub-word atomic store into the upper/lower half of a
// 64-bit atomic cell, so this is expressed as a read-modify-CAS-until-it-
// sticks loop instead of a literal 32-bit store; the externally observable
// effect — begin/end become the lock sentinel, current/endCopy untouched —
// is identical.
func lockHeader(cell *atomic.Uint64) {
	for {
		old := cell.Load()
		h := unpackHeader(old)
		h.begin = lockedBegin
		h.end = lockedEnd
		if cell.CompareAndSwap(old, packHeader(h)) {
			return
		}
	}
}
