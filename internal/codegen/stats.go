package codegen

import "sync/atomic"

// ---------------------------------------------------------------------------
// Statistics — atomic counters shared across concurrently-compiled
// functions
// ---------------------------------------------------------------------------

// Statistics accumulates backend counters.  All methods are safe for
// concurrent use; Snapshot gives a consistent-enough point-in-time copy
// for reporting.
type Statistics struct {
	functions    int64
	instructions int64
	bytes        int64
	maxPressure  int64
	spills       int64

	// Optimizer counters, bumped by the pass manager.
	instructionsEliminated int64
	constantsFolded        int64
	passesExecuted         int64
	jumpTablesCreated      int64
	binarySearchesCreated  int64
}

// NewStatistics returns zeroed counters.
func NewStatistics() *Statistics { return &Statistics{} }

// RecordFunction logs one generated function's size.
func (s *Statistics) RecordFunction(instructions int, bytes int64) {
	atomic.AddInt64(&s.functions, 1)
	atomic.AddInt64(&s.instructions, int64(instructions))
	atomic.AddInt64(&s.bytes, bytes)
}

// ObservePressure folds a function's register high-water mark into the
// global maximum.
func (s *Statistics) ObservePressure(p int) {
	for {
		cur := atomic.LoadInt64(&s.maxPressure)
		if int64(p) <= cur || atomic.CompareAndSwapInt64(&s.maxPressure, cur, int64(p)) {
			return
		}
	}
}

// AddSpills adds to the spill count.
func (s *Statistics) AddSpills(n int) { atomic.AddInt64(&s.spills, int64(n)) }

// AddEliminated counts instructions removed by optimization.
func (s *Statistics) AddEliminated(n int) {
	atomic.AddInt64(&s.instructionsEliminated, int64(n))
}

// AddFolded counts constant-folding rewrites.
func (s *Statistics) AddFolded(n int) { atomic.AddInt64(&s.constantsFolded, int64(n)) }

// AddPassRun counts one optimization pass execution.
func (s *Statistics) AddPassRun() { atomic.AddInt64(&s.passesExecuted, 1) }

// AddJumpTable counts one match lowered to a jump table.
func (s *Statistics) AddJumpTable() { atomic.AddInt64(&s.jumpTablesCreated, 1) }

// AddBinarySearch counts one match lowered to binary search.
func (s *Statistics) AddBinarySearch() { atomic.AddInt64(&s.binarySearchesCreated, 1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Functions              int64
	Instructions           int64
	Bytes                  int64
	MaxPressure            int64
	Spills                 int64
	InstructionsEliminated int64
	ConstantsFolded        int64
	PassesExecuted         int64
	JumpTablesCreated      int64
	BinarySearchesCreated  int64
}

// Snapshot reads every counter atomically (individually) and returns the
// copy.
func (s *Statistics) Snapshot() Snapshot {
	return Snapshot{
		Functions:              atomic.LoadInt64(&s.functions),
		Instructions:           atomic.LoadInt64(&s.instructions),
		Bytes:                  atomic.LoadInt64(&s.bytes),
		MaxPressure:            atomic.LoadInt64(&s.maxPressure),
		Spills:                 atomic.LoadInt64(&s.spills),
		InstructionsEliminated: atomic.LoadInt64(&s.instructionsEliminated),
		ConstantsFolded:        atomic.LoadInt64(&s.constantsFolded),
		PassesExecuted:         atomic.LoadInt64(&s.passesExecuted),
		JumpTablesCreated:      atomic.LoadInt64(&s.jumpTablesCreated),
		BinarySearchesCreated:  atomic.LoadInt64(&s.binarySearchesCreated),
	}
}
