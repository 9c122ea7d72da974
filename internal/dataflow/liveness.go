package dataflow

import (
	"github.com/asthra-lang/asthra-sub000/internal/cfg"
	"github.com/asthra-lang/asthra-sub000/internal/codegen"
)

// ---------------------------------------------------------------------------
// Liveness — backward may analysis over registers
//
//	in[b]  = use[b] ∪ (out[b] − def[b])
//	out[b] = ⋃ in[s] for s in succ(b)
//
// Iterated over post-order until a full sweep changes nothing.  The result
// is plain shared data: whoever holds a reference keeps it alive.
// ---------------------------------------------------------------------------

// regUniverse spans the per-architecture register id space, including the
// floating-point scratch ids.
const regUniverse = 64

// Liveness holds per-block live-in/live-out register sets, indexed by
// block ID.
type Liveness struct {
	In  []*BitVector
	Out []*BitVector

	use []*BitVector
	def []*BitVector
}

// LiveIn reports whether register r is live on entry to block b.
func (lv *Liveness) LiveIn(b *cfg.Block, r codegen.Register) bool {
	return lv.In[b.ID].Has(int(r))
}

// LiveOut reports whether register r is live on exit from block b.
func (lv *Liveness) LiveOut(b *cfg.Block, r codegen.Register) bool {
	return lv.Out[b.ID].Has(int(r))
}

// ComputeLiveness runs the backward fixpoint over the graph.
func ComputeLiveness(g *cfg.Graph) *Liveness {
	n := len(g.Blocks)
	lv := &Liveness{
		In:  make([]*BitVector, n),
		Out: make([]*BitVector, n),
		use: make([]*BitVector, n),
		def: make([]*BitVector, n),
	}
	for i := 0; i < n; i++ {
		lv.In[i] = NewBitVector(regUniverse)
		lv.Out[i] = NewBitVector(regUniverse)
		lv.use[i] = NewBitVector(regUniverse)
		lv.def[i] = NewBitVector(regUniverse)
	}

	// Block-local use/def: a register used before any write in the block
	// is upward-exposed.
	var scratch []codegen.Register
	for _, b := range g.Blocks {
		use, def := lv.use[b.ID], lv.def[b.ID]
		for i := b.Start; i < b.End; i++ {
			inst := g.Insts[i]
			scratch = inst.Uses(scratch[:0])
			for _, r := range scratch {
				if int(r) < regUniverse && !def.Has(int(r)) {
					use.Set(int(r))
				}
			}
			if d := inst.Defs(); d != codegen.RegNone && int(d) < regUniverse {
				def.Set(int(d))
			}
		}
	}

	// Fixpoint: post-order visits successors before predecessors, which
	// converges quickly for a backward problem.
	order := g.PostOrder()
	tmp := NewBitVector(regUniverse)
	for changed := true; changed; {
		changed = false
		for _, b := range order {
			out := lv.Out[b.ID]
			for _, s := range b.Succs {
				out.Union(lv.In[s.ID])
			}
			tmp.Copy(out)
			tmp.Diff(lv.def[b.ID])
			tmp.Union(lv.use[b.ID])
			if !tmp.Equal(lv.In[b.ID]) {
				lv.In[b.ID].Copy(tmp)
				changed = true
			}
		}
	}
	return lv
}
