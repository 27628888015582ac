// Package percpu implements a per-CPU lock-free object cache: the hot
// front-end tier of a memory allocator. Each logical CPU owns a small LIFO
// stack of free object pointers per size class, so allocation and
// deallocation on the common path touch only that CPU's own sub-region and
// take only that CPU's mutex.
//
// A kernel restartable-sequence primitive gets this behavior for free in
// hardware: a short assembly region the kernel aborts and restarts whenever
// the running thread is preempted or migrated off its CPU mid-sequence. Go
// has no equivalent. This package substitutes a per-CPU mutex for "the
// thread never left its CPU during this critical section," preserving the
// same correctness contract at the cost of fast-path latency versus real
// restartable sequences. See cpu.go for the details.
//
// Basic usage:
//
//	c, err := percpu.New(4, runtime.GOMAXPROCS(0), func(sizeClass int) int {
//		return 32 // up to 32 cached pointers per (cpu, size class)
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Destroy()
//
//	c.InitCPU(0)
//	c.Push(0, ptr, percpu.NoopOverflow, nil)
//	item := c.Pop(0, percpu.NoopUnderflow, nil)
package percpu

import (
	"errors"
	"fmt"
)

// Version identifies this package's protocol revision for diagnostics.
const Version = "1.0.0"

// Errors returned by New and ResizeSlabs for caller-recoverable
// configuration mistakes (ResizeSlabs also reports a shift too small for
// its capacities as an error). Every other fatal configuration or platform
// condition panics instead; the remaining operations never return a status
// code other than the counts and handler results their public methods
// already document.
var (
	ErrInvalidNumClasses = errors.New("percpu: num classes must be positive")
	ErrInvalidShift      = errors.New("percpu: shift out of range")
	ErrNilCapacityFunc   = errors.New("percpu: capacity function must not be nil")
)

// crashf panics with a formatted message, for conditions classified as
// fatal: configuration bugs, platform violations, and caller contract
// violations surfaced in debug builds.
func crashf(format string, args ...any) {
	panic(fmt.Sprintf("percpu: "+format, args...))
}
