package percpu

import (
	"sync"
	"testing"
	"unsafe"
)

// TestDrainTwoCPUsConservation has two goroutines pinned to CPUs 0 and 1
// each push/pop a stream of distinct pointers at size class 0; draining
// both afterward must not report any pointer more than once across the two
// drain outputs.
func TestDrainTwoCPUsConservation(t *testing.T) {
	const perCPU = 2000
	c, err := New(1, 2, func(int) int { return 64 }, WithShift(18))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Destroy()
	c.InitCPU(0)
	c.InitCPU(1)

	maxCap := func(uint8) int { return 64 }
	c.Pin(0).Grow(0, 64, maxCap)
	c.Pin(1).Grow(0, 64, maxCap)

	var wg sync.WaitGroup
	for cpu := 0; cpu < 2; cpu++ {
		cpu := cpu
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := c.Pin(cpu)
			items, _ := newTaggedItems(perCPU)
			for _, it := range items {
				for !m.Push(0, it, NoopOverflow, nil) {
					m.Pop(0, NoopUnderflow, nil)
				}
			}
		}()
	}
	wg.Wait()

	seen := make(map[unsafe.Pointer]int)
	for cpu := 0; cpu < 2; cpu++ {
		c.Drain(cpu, func(drainCPU, sizeClass int, slots []unsafe.Pointer, size, cap int) {
			for _, s := range slots {
				seen[s]++
			}
		})
	}
	for p, n := range seen {
		if n > 1 {
			t.Errorf("pointer %p observed on %d drains, want at most 1", p, n)
		}
	}
}

// TestResizeSlabsConservation checks that resizing the slab hands back, via
// drainHandler, every object each populated CPU held at the moment of the
// swap.
func TestResizeSlabsConservation(t *testing.T) {
	c, err := New(2, 2, func(int) int { return 8 }, WithShift(14))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Destroy()
	c.InitCPU(0)
	c.InitCPU(1)

	maxCap := func(uint8) int { return 8 }
	for cpu := 0; cpu < 2; cpu++ {
		for sc := 0; sc < 2; sc++ {
			c.Pin(cpu).Grow(sc, 8, maxCap)
		}
	}

	pushed := make(map[unsafe.Pointer]bool)
	for cpu := 0; cpu < 2; cpu++ {
		for sc := 0; sc < 2; sc++ {
			items, _ := newTaggedItems(5)
			for _, it := range items {
				if c.Pin(cpu).Push(sc, it, NoopOverflow, nil) {
					pushed[it] = true
				}
			}
		}
	}

	drained := make(map[unsafe.Pointer]bool)
	isPopulated := func(cpu int) bool { return true }
	drainHandler := func(cpu, sizeClass int, slots []unsafe.Pointer, size, cap int) {
		for _, s := range slots {
			drained[s] = true
		}
	}
	newCapacity := func(int) int { return 16 }
	oldMem, oldSize, err := c.ResizeSlabs(15, c.backend.alloc, newCapacity, isPopulated, drainHandler)
	if err != nil {
		t.Fatalf("ResizeSlabs: %v", err)
	}
	if oldSize != len(oldMem) {
		t.Errorf("oldSize = %d, want len(oldMem) = %d", oldSize, len(oldMem))
	}

	if len(drained) != len(pushed) {
		t.Fatalf("drained %d objects, want %d", len(drained), len(pushed))
	}
	for p := range pushed {
		if !drained[p] {
			t.Errorf("pushed pointer %p missing from drain output", p)
		}
	}

	if got := c.Shift(); got != 15 {
		t.Errorf("Shift() after resize = %d, want 15", got)
	}
}

// TestDrainConcurrentWithPush checks that every object pushed while a
// drain races it either appears in the drain batch or was reported to the
// overflow handler — never both, never neither.
func TestDrainConcurrentWithPush(t *testing.T) {
	const n = 2000
	c, err := New(1, 1, func(int) int { return 32 }, WithShift(16))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Destroy()
	c.InitCPU(0)
	maxCap := func(uint8) int { return 32 }
	c.Grow(0, 0, 32, maxCap)

	items, _ := newTaggedItems(n)

	var mu sync.Mutex
	accounted := make(map[unsafe.Pointer]string)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, it := range items {
			overflowed := false
			ok := c.Push(0, it, func(cpu, sizeClass int, item unsafe.Pointer, arg any) int {
				overflowed = true
				return -1
			}, nil)
			if !ok {
				mu.Lock()
				accounted[it] = "overflow"
				mu.Unlock()
			} else if overflowed {
				t.Error("push reported success but overflow handler also ran")
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Drain(0, func(cpu, sizeClass int, slots []unsafe.Pointer, size, cap int) {
			mu.Lock()
			for _, s := range slots {
				if accounted[s] != "" {
					t.Errorf("pointer %p already accounted for as %q, drain saw it too", s, accounted[s])
				}
				accounted[s] = "drained"
			}
			mu.Unlock()
		})
	}()

	wg.Wait()

	// Anything pushed after the race's drain had already finished is still
	// validly sitting in the cache; a final drain accounts for it without
	// it having raced anything.
	c.Drain(0, func(cpu, sizeClass int, slots []unsafe.Pointer, size, cap int) {
		mu.Lock()
		for _, s := range slots {
			if accounted[s] != "" {
				t.Errorf("pointer %p already accounted for as %q, final drain saw it too", s, accounted[s])
			}
			accounted[s] = "remained"
		}
		mu.Unlock()
	})

	for _, it := range items {
		if accounted[it] == "" {
			t.Errorf("pointer %p neither drained nor overflowed nor remained", it)
		}
	}
}
