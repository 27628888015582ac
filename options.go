package percpu

import "log/slog"

// DefaultShift sizes each CPU's sub-region at 256 KiB, a conventional
// default for this kind of per-CPU memory region.
const DefaultShift uint8 = 18

// MaxShift is the largest shift this package supports: an 8-bit value, the
// same range a packed (base, shift) cell's shift byte would carry.
const MaxShift uint8 = 255

// DefaultMaxStopConcurrentMutationSpins bounds the one loop that must
// terminate on its own — stopConcurrentMutations' lock-then-recheck retry,
// and ShrinkOther's sibling loop — which is otherwise bounded only by the
// concurrent grow/shrink rate on the target CPU. A generous bound here
// converts a theoretical livelock into a loud crash instead of a silent
// hang, which is friendlier to callers than spinning forever.
const DefaultMaxStopConcurrentMutationSpins = 100000

// CapacityFunc returns the configured maximum slot count for a size class.
// It must be deterministic and is called with the cache locked out of
// mutation, so it must not call back into the Cache.
type CapacityFunc func(sizeClass int) int

// MaxCapacityFunc is CapacityFunc's Grow-time counterpart, parameterized on
// shift so Grow validates against the capacity for whatever shift is
// currently active.
type MaxCapacityFunc func(shift uint8) int

type cacheConfig struct {
	shift                 uint8
	cpuMode              cpuIDMode
	logger               *slog.Logger
	backend              defaultBackend
	maxStopMutationSpins int
}

func defaultCacheConfig() cacheConfig {
	return cacheConfig{
		shift:                DefaultShift,
		cpuMode:              PhysicalCPUIDs,
		logger:               nil,
		backend:              defaultMemoryBackend(),
		maxStopMutationSpins: DefaultMaxStopConcurrentMutationSpins,
	}
}

// CacheOption configures a Cache at construction time.
type CacheOption func(*cacheConfig)

// WithShift overrides DefaultShift. The shift is immutable after
// construction except across a ResizeSlabs call.
func WithShift(shift uint8) CacheOption {
	return func(c *cacheConfig) { c.shift = shift }
}

// WithVirtualCPUIDs selects the virtual CPU id mode instead of the default
// physical mode.
func WithVirtualCPUIDs() CacheOption {
	return func(c *cacheConfig) { c.cpuMode = VirtualCPUIDs }
}

// WithLogger injects a structured logger for operational diagnostics. Its
// only use is the sub-region under-utilization warning logged by New and
// ResizeSlabs; admin retry loops do not log.
func WithLogger(logger *slog.Logger) CacheOption {
	return func(c *cacheConfig) { c.logger = logger }
}

// WithAlloc overrides the region allocator. It must return zero-filled
// memory page-aligned to at least the host physical page size.
func WithAlloc(alloc AllocFunc) CacheOption {
	return func(c *cacheConfig) { c.backend.alloc = alloc }
}

// WithFree overrides the region allocator's inverse.
func WithFree(free FreeFunc) CacheOption {
	return func(c *cacheConfig) { c.backend.free = free }
}

// WithMadviseAway overrides the non-resident advisory hook used when a
// region is retired by ResizeSlabs/Destroy.
func WithMadviseAway(madvise MadviseAwayFunc) CacheOption {
	return func(c *cacheConfig) { c.backend.madviseAway = madvise }
}

// WithMaxStopConcurrentMutationSpins overrides the admin lock-then-recheck
// retry bound (see DefaultMaxStopConcurrentMutationSpins).
func WithMaxStopConcurrentMutationSpins(n int) CacheOption {
	return func(c *cacheConfig) { c.maxStopMutationSpins = n }
}
