package codegen

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Instruction buffer — append-only, safe for concurrent readers
//
// One buffer holds one function's instruction stream.  Writers append under
// a mutex; the count and byte-estimate counters are also kept atomically so
// statistics reads never take the lock.  Optimization passes work on a
// Snapshot and write results back with Replace.
// ---------------------------------------------------------------------------

// Buffer is a growable instruction sequence.
type Buffer struct {
	mu    sync.Mutex
	insts []*Instruction

	count int64 // atomic
	bytes int64 // atomic
}

// NewBuffer returns an empty buffer with the given capacity hint.
func NewBuffer(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{insts: make([]*Instruction, 0, capacity)}
}

// Append validates the instruction and adds it to the end of the buffer,
// returning its index.
func (b *Buffer) Append(inst *Instruction) (int, error) {
	if err := inst.Validate(); err != nil {
		return -1, err
	}
	b.mu.Lock()
	idx := len(b.insts)
	b.insts = append(b.insts, inst)
	b.mu.Unlock()
	atomic.AddInt64(&b.count, 1)
	atomic.AddInt64(&b.bytes, int64(inst.ByteSize()))
	return idx, nil
}

// Len returns the instruction count without taking the lock.
func (b *Buffer) Len() int {
	return int(atomic.LoadInt64(&b.count))
}

// ByteEstimate returns the running encoded-size estimate.
func (b *Buffer) ByteEstimate() int64 {
	return atomic.LoadInt64(&b.bytes)
}

// At returns the instruction at index i.
func (b *Buffer) At(i int) *Instruction {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.insts) {
		return nil
	}
	return b.insts[i]
}

// Snapshot returns a copy of the instruction slice for consistent
// iteration.  The instructions themselves are shared; passes that rewrite
// an instruction allocate a replacement rather than mutating in place.
func (b *Buffer) Snapshot() []*Instruction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Instruction, len(b.insts))
	copy(out, b.insts)
	return out
}

// Replace swaps the whole instruction sequence.  Used by optimization
// passes after a rewrite; counters are recomputed.
func (b *Buffer) Replace(insts []*Instruction) error {
	var bytes int64
	for _, inst := range insts {
		if err := inst.Validate(); err != nil {
			return err
		}
		bytes += int64(inst.ByteSize())
	}
	b.mu.Lock()
	b.insts = insts
	b.mu.Unlock()
	atomic.StoreInt64(&b.count, int64(len(insts)))
	atomic.StoreInt64(&b.bytes, bytes)
	return nil
}

// Set overwrites the instruction at index i in place.  Passes use it to
// NOP out dead instructions without disturbing label indices.
func (b *Buffer) Set(i int, inst *Instruction) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.insts) {
		return ErrInvalidInstruction
	}
	old := b.insts[i]
	b.insts[i] = inst
	atomic.AddInt64(&b.bytes, int64(inst.ByteSize()-old.ByteSize()))
	return nil
}
