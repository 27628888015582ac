package percpu

import (
	"testing"
	"unsafe"
)

// taggedItem stands in for an allocator object: tests keep a Go-visible
// slice of these alive for as long as their pointers may be cached in a
// Cache's region, since that region's memory is not scanned by the garbage
// collector (see package doc).
type taggedItem struct{ tag int }

func newTaggedItems(n int) ([]unsafe.Pointer, []*taggedItem) {
	keepAlive := make([]*taggedItem, n)
	items := make([]unsafe.Pointer, n)
	for i := range items {
		keepAlive[i] = &taggedItem{tag: i}
		items[i] = unsafe.Pointer(keepAlive[i])
	}
	return items, keepAlive
}

func tagOf(p unsafe.Pointer) int {
	return (*taggedItem)(p).tag
}

func countingOverflow(calls *int) OverflowHandler {
	return func(cpu, sizeClass int, item unsafe.Pointer, arg any) int {
		*calls++
		return -1
	}
}

func countingUnderflow(calls *int) UnderflowHandler {
	return func(cpu, sizeClass int, arg any) unsafe.Pointer {
		*calls++
		return nil
	}
}

// TestPushPopBasicLIFO pushes four items to an empty (cpu, size class) of
// capacity 4, observes overflow on the fifth push, then pops all four back
// in reverse order and observes underflow on the fifth pop.
func TestPushPopBasicLIFO(t *testing.T) {
	c, err := New(4, 1, func(int) int { return 4 }, WithShift(18))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Destroy()
	c.InitCPU(0)

	maxCap := func(uint8) int { return 4 }
	if n := c.Grow(0, 0, 4, maxCap); n != 4 {
		t.Fatalf("Grow = %d, want 4", n)
	}

	items, keepAlive := newTaggedItems(4)
	_ = keepAlive

	for i, item := range items {
		if !c.Push(0, item, NoopOverflow, nil) {
			t.Fatalf("push %d: unexpected overflow", i)
		}
	}

	var overflowCalls int
	if ok := c.Push(0, items[0], countingOverflow(&overflowCalls), nil); ok {
		t.Error("fifth push should have overflowed")
	}
	if overflowCalls != 1 {
		t.Errorf("overflow handler called %d times, want 1", overflowCalls)
	}

	for i := 3; i >= 0; i-- {
		got := c.Pop(0, NoopUnderflow, nil)
		if got == nil {
			t.Fatalf("pop %d: unexpected underflow", i)
		}
		if tag := tagOf(got); tag != i {
			t.Errorf("pop order mismatch: got tag %d, want %d", tag, i)
		}
	}

	var underflowCalls int
	if got := c.Pop(0, countingUnderflow(&underflowCalls), nil); got != nil {
		t.Error("fifth pop should have underflowed")
	}
	if underflowCalls != 1 {
		t.Errorf("underflow handler called %d times, want 1", underflowCalls)
	}
}

func TestPushRejectsNilItem(t *testing.T) {
	c, err := New(1, 1, func(int) int { return 4 }, WithShift(18))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Destroy()
	c.InitCPU(0)

	defer func() {
		if recover() == nil {
			t.Error("expected a panic pushing a nil item")
		}
	}()
	c.Push(0, nil, NoopOverflow, nil)
}

func TestPushPopBatch(t *testing.T) {
	c, err := New(1, 1, func(int) int { return 8 }, WithShift(18))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Destroy()
	c.InitCPU(0)
	maxCap := func(uint8) int { return 8 }
	if n := c.Grow(0, 0, 8, maxCap); n != 8 {
		t.Fatalf("Grow = %d, want 8", n)
	}

	items, keepAlive := newTaggedItems(6)
	_ = keepAlive
	if n := c.PushBatch(0, items); n != 6 {
		t.Fatalf("PushBatch = %d, want 6", n)
	}

	out := make([]unsafe.Pointer, 10)
	n := c.PopBatch(0, out)
	if n != 6 {
		t.Fatalf("PopBatch = %d, want 6", n)
	}
	for i := 0; i < n; i++ {
		if tag := tagOf(out[i]); tag != 5-i {
			t.Errorf("pop_batch[%d] tag = %d, want %d", i, tag, 5-i)
		}
	}
}

func TestLockedHeaderFailsBothBounds(t *testing.T) {
	c, err := New(1, 1, func(int) int { return 4 }, WithShift(18))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Destroy()
	c.InitCPU(0)

	region := c.region.Load()
	cell := headerCell(region, 0, 0)
	lockHeader(cell)

	var overflowCalls, underflowCalls int
	c.Push(0, unsafe.Pointer(&taggedItem{}), countingOverflow(&overflowCalls), nil)
	c.Pop(0, countingUnderflow(&underflowCalls), nil)

	if overflowCalls != 1 || underflowCalls != 1 {
		t.Errorf("locked header should force both overflow and underflow, got overflow=%d underflow=%d",
			overflowCalls, underflowCalls)
	}
}
