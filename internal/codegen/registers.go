package codegen

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Local register allocator — bitmask bookkeeping over the target's
// allocatable set
//
// Allocation is deterministic: the lowest-numbered free register in the
// requested partition wins, so identical generation requests produce
// identical register assignments.  Exhaustion is an expected condition
// reported through the ok result; callers fall back to spilling.
// ---------------------------------------------------------------------------

// Allocator hands out registers from a target's allocatable set.
type Allocator struct {
	mu     sync.Mutex
	target *Target
	inUse  uint64 // bit r set when register id r is held

	pressure    int64 // atomic: currently held registers
	maxPressure int64 // atomic: high-water mark
	spills      int64 // atomic: allocation failures observed by callers
}

// NewAllocator returns an allocator over the target's allocatable set with
// no registers held.
func NewAllocator(target *Target) *Allocator {
	return &Allocator{target: target}
}

// Allocate returns a free register, preferring the caller-saved or
// callee-saved partition as requested but falling back to the other before
// reporting exhaustion.  The second result is false when every allocatable
// register is held.
func (a *Allocator) Allocate(preferCallerSaved bool) (Register, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	first, second := a.target.CallerSaved, a.target.CalleeSaved
	if !preferCallerSaved {
		first, second = second, first
	}
	if r, ok := a.takeLowest(first); ok {
		return r, true
	}
	if r, ok := a.takeLowest(second); ok {
		return r, true
	}
	return RegNone, false
}

// takeLowest claims the lowest-numbered free register in the partition.
// Caller holds the lock.
func (a *Allocator) takeLowest(partition []Register) (Register, bool) {
	best := RegNone
	for _, r := range partition {
		if a.inUse&(1<<r) == 0 && (best == RegNone || r < best) {
			best = r
		}
	}
	if best == RegNone {
		return RegNone, false
	}
	a.inUse |= 1 << best
	p := atomic.AddInt64(&a.pressure, 1)
	for {
		max := atomic.LoadInt64(&a.maxPressure)
		if p <= max || atomic.CompareAndSwapInt64(&a.maxPressure, max, p) {
			break
		}
	}
	return best, true
}

// AllocateSpecific claims a particular register, e.g. an argument register
// demanded by the calling convention.  It fails when the register is
// already held or is not allocatable on this target.
func (a *Allocator) AllocateSpecific(r Register) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.allocatable(r) || a.inUse&(1<<r) != 0 {
		return false
	}
	a.inUse |= 1 << r
	p := atomic.AddInt64(&a.pressure, 1)
	for {
		max := atomic.LoadInt64(&a.maxPressure)
		if p <= max || atomic.CompareAndSwapInt64(&a.maxPressure, max, p) {
			break
		}
	}
	return true
}

func (a *Allocator) allocatable(r Register) bool {
	for _, c := range a.target.Allocatable {
		if c == r {
			return true
		}
	}
	return false
}

// Free releases a register.  Freeing a register that is not held is a
// no-op, so cleanup paths can free unconditionally.
func (a *Allocator) Free(r Register) {
	if r == RegNone || r >= 64 {
		return
	}
	a.mu.Lock()
	held := a.inUse&(1<<r) != 0
	a.inUse &^= 1 << r
	a.mu.Unlock()
	if held {
		atomic.AddInt64(&a.pressure, -1)
	}
}

// InUse reports whether the register is currently held.
func (a *Allocator) InUse(r Register) bool {
	if r >= 64 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse&(1<<r) != 0
}

// Reset releases every register.  Counters are preserved; the high-water
// mark describes the whole function.
func (a *Allocator) Reset() {
	a.mu.Lock()
	held := 0
	for m := a.inUse; m != 0; m &= m - 1 {
		held++
	}
	a.inUse = 0
	a.mu.Unlock()
	atomic.AddInt64(&a.pressure, -int64(held))
}

// RecordSpill bumps the spill counter.  The generator calls it each time
// exhaustion forces a value to a stack slot.
func (a *Allocator) RecordSpill() {
	atomic.AddInt64(&a.spills, 1)
}

// Pressure returns the number of registers currently held.
func (a *Allocator) Pressure() int {
	return int(atomic.LoadInt64(&a.pressure))
}

// MaxPressure returns the allocation high-water mark.
func (a *Allocator) MaxPressure() int {
	return int(atomic.LoadInt64(&a.maxPressure))
}

// Spills returns the number of spills recorded.
func (a *Allocator) Spills() int {
	return int(atomic.LoadInt64(&a.spills))
}
