package codegen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sysvTarget(t *testing.T) *Target {
	t.Helper()
	tgt, err := ResolveTarget("linux", "amd64")
	require.NoError(t, err)
	return tgt
}

func TestAllocatorNeverHandsOutDuplicates(t *testing.T) {
	tgt := sysvTarget(t)
	a := NewAllocator(tgt)
	seen := make(map[Register]bool)
	for {
		r, ok := a.Allocate(true)
		if !ok {
			break
		}
		if seen[r] {
			t.Fatalf("register %s handed out twice", tgt.RegisterName(r))
		}
		seen[r] = true
	}
	if len(seen) != len(tgt.Allocatable) {
		t.Fatalf("exhaustion after %d registers, allocatable set has %d", len(seen), len(tgt.Allocatable))
	}
}

func TestAllocatorExhaustionIsReported(t *testing.T) {
	a := NewAllocator(sysvTarget(t))
	for {
		if _, ok := a.Allocate(true); !ok {
			break
		}
	}
	r, ok := a.Allocate(true)
	if ok || r != RegNone {
		t.Fatalf("exhausted allocator returned %d, %v", r, ok)
	}
}

func TestAllocatorPartitionPreference(t *testing.T) {
	tgt := sysvTarget(t)
	a := NewAllocator(tgt)

	r, ok := a.Allocate(true)
	require.True(t, ok)
	if tgt.IsCalleeSaved(r) {
		t.Fatalf("caller-saved preference returned callee-saved %s", tgt.RegisterName(r))
	}
	a.Free(r)

	r, ok = a.Allocate(false)
	require.True(t, ok)
	if !tgt.IsCalleeSaved(r) {
		t.Fatalf("callee-saved preference returned %s", tgt.RegisterName(r))
	}
}

func TestAllocatorFallsBackAcrossPartitions(t *testing.T) {
	tgt := sysvTarget(t)
	a := NewAllocator(tgt)
	for range tgt.CallerSaved {
		_, ok := a.Allocate(true)
		require.True(t, ok)
	}
	// Caller-saved pool is dry; the request must fall over to callee-saved.
	r, ok := a.Allocate(true)
	require.True(t, ok)
	if !tgt.IsCalleeSaved(r) {
		t.Fatalf("expected callee-saved fallback, got %s", tgt.RegisterName(r))
	}
}

func TestAllocateSpecific(t *testing.T) {
	tgt := sysvTarget(t)
	a := NewAllocator(tgt)
	require.True(t, a.AllocateSpecific(RCX))
	require.False(t, a.AllocateSpecific(RCX), "double claim must fail")
	require.False(t, a.AllocateSpecific(tgt.StackPtr), "stack pointer is not allocatable")
	a.Free(RCX)
	require.True(t, a.AllocateSpecific(RCX))
}

func TestFreeIsIdempotent(t *testing.T) {
	a := NewAllocator(sysvTarget(t))
	r, ok := a.Allocate(true)
	require.True(t, ok)
	a.Free(r)
	a.Free(r)
	a.Free(RegNone)
	require.Equal(t, 0, a.Pressure())
	got, ok := a.Allocate(true)
	require.True(t, ok)
	require.Equal(t, r, got)
}

func TestPressureTracking(t *testing.T) {
	a := NewAllocator(sysvTarget(t))
	r1, _ := a.Allocate(true)
	r2, _ := a.Allocate(true)
	require.Equal(t, 2, a.Pressure())
	require.Equal(t, 2, a.MaxPressure())
	a.Free(r1)
	require.Equal(t, 1, a.Pressure())
	require.Equal(t, 2, a.MaxPressure(), "high-water mark survives frees")
	a.Free(r2)
	a.RecordSpill()
	require.Equal(t, 1, a.Spills())
}

func TestResetReleasesEverything(t *testing.T) {
	a := NewAllocator(sysvTarget(t))
	for i := 0; i < 5; i++ {
		_, ok := a.Allocate(true)
		require.True(t, ok)
	}
	a.Reset()
	require.Equal(t, 0, a.Pressure())
	require.Equal(t, 5, a.MaxPressure())
	_, ok := a.Allocate(true)
	require.True(t, ok)
}
