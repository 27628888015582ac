package percpu

import (
	"sync"
	"sync/atomic"
)

// cpuIDMode selects how currentCPU resolves a logical CPU id: a fixed
// per-process choice, made once when the Cache is constructed.
type cpuIDMode int

const (
	// PhysicalCPUIDs reads the kernel-reported CPU id (see mem_linux.go's
	// getcpu(2) call in physicalCPUID; falls back to a round-robin assignment
	// where the platform has no such syscall).
	PhysicalCPUIDs cpuIDMode = iota
	// VirtualCPUIDs hands out process-local logical slots round-robin, one
	// per currentCPU call, instead of trusting hardware affinity.
	VirtualCPUIDs
)

// rcsRuntime stands in for a restartable-sequence runtime, substituting
// per-CPU mutual exclusion for real restartable sequences (see package
// doc). Every mutator fast path (Push/Pop/PushBatch/PopBatch) and every
// self-targeted capacity operation (Grow/Shrink on the calling CPU) takes
// mutatorLocks[cpu] for its full critical section. Administrative code
// (Drain/ShrinkOther/ResizeSlabs/InitCPU) never takes it directly; it calls
// fenceCPU instead, which is exactly "wait until the lock is free."
type rcsRuntime struct {
	mode         cpuIDMode
	numCPUs      int
	mutatorLocks []sync.Mutex

	// round-robin slot counter backing VirtualCPUIDs, and the fallback path
	// for PhysicalCPUIDs on platforms with no CPU-affinity syscall.
	nextSlot atomic.Uint64
}

func newRCSRuntime(mode cpuIDMode, numCPUs int) *rcsRuntime {
	return &rcsRuntime{
		mode:         mode,
		numCPUs:      numCPUs,
		mutatorLocks: make([]sync.Mutex, numCPUs),
	}
}

// currentCPU resolves the logical CPU the calling goroutine should target.
// In VirtualCPUIDs mode, and as the PhysicalCPUIDs fallback, it
// round-robins: this does not give a goroutine a stable CPU identity across
// calls (a thread pinned with sched_setaffinity would have one, via a
// kernel-maintained thread-local cell), but every operation here only ever
// needs the result to stay consistent for the duration of one critical
// section — which callers always achieve by reading it once per operation
// and never rereading it. Callers that need stability across a sequence of
// calls should use Pin instead.
func (r *rcsRuntime) currentCPU() int {
	if r.mode == PhysicalCPUIDs {
		if cpu, ok := physicalCPUID(); ok {
			return cpu % r.numCPUs
		}
	}
	n := r.nextSlot.Add(1)
	return int(n % uint64(r.numCPUs))
}

// withMutatorCPU runs fn only if the calling goroutine's currentCPU() is
// targetCPU — a restartable sequence's "only commit if still on the target
// CPU" check, with the retry-on-abort half handled inside fn itself via a
// CAS loop against the header cell (there is no hardware abort to restart
// from here). Reports whether fn ran.
func (r *rcsRuntime) withMutatorCPU(targetCPU int, fn func() bool) bool {
	if r.currentCPU() != targetCPU {
		return false
	}
	fn()
	return true
}

// fenceCPU blocks until any critical section on cpu that started before
// this call has finished. Since every mutator critical section holds
// mutatorLocks[cpu] throughout, acquiring (and immediately releasing) that
// same lock is sufficient.
func (r *rcsRuntime) fenceCPU(cpu int) {
	r.mutatorLocks[cpu].Lock()
	r.mutatorLocks[cpu].Unlock() //nolint:staticcheck // fence, not a guard
}
