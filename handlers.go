package percpu

import "unsafe"

// OverflowHandler is invoked when push finds its header at or past end. A
// negative return reports the push as failed; non-negative reports it as
// succeeded (the handler absorbed item, typically by spilling it to a
// transfer cache one tier up).
type OverflowHandler func(cpu, sizeClass int, item unsafe.Pointer, arg any) int

// UnderflowHandler is invoked when pop finds its header at begin. Its
// return value (which may be nil) becomes pop's result.
type UnderflowHandler func(cpu, sizeClass int, arg any) unsafe.Pointer

// DrainHandler receives a CPU's occupied slots during Drain or ResizeSlabs,
// invoked synchronously with the header locked. slots is only valid for the
// duration of the call.
type DrainHandler func(cpu, sizeClass int, slots []unsafe.Pointer, size, cap int)

// ShrinkHandler receives the items popped off the top of a stack to make
// room for ShrinkOther's requested reduction.
type ShrinkHandler func(sizeClass int, slots []unsafe.Pointer, size int)

// NoopOverflow always reports failure, taking no action. PushBatch uses it
// internally so a batch operation can detect first-failure by calling push
// in a loop without spilling anything to a surrounding tier.
func NoopOverflow(cpu, sizeClass int, item unsafe.Pointer, arg any) int {
	return -1
}

// NoopUnderflow always reports emptiness, PopBatch's counterpart of
// NoopOverflow.
func NoopUnderflow(cpu, sizeClass int, arg any) unsafe.Pointer {
	return nil
}
