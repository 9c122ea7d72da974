package dataflow

import (
	"github.com/asthra-lang/asthra-sub000/internal/cfg"
	"github.com/asthra-lang/asthra-sub000/internal/codegen"
)

// ---------------------------------------------------------------------------
// Reaching definitions — forward may analysis
//
// A definition is an instruction index that writes a register.
//
//	in[b]  = ⋃ out[p] for p in pred(b)
//	out[b] = gen[b] ∪ (in[b] − kill[b])
// ---------------------------------------------------------------------------

// ReachingDefs holds per-block definition sets over instruction indices.
type ReachingDefs struct {
	In  []*BitVector
	Out []*BitVector

	// DefReg maps each definition (instruction index) to the register it
	// writes, RegNone for non-defining instructions.
	DefReg []codegen.Register
}

// Reaches reports whether the definition at instruction index def reaches
// the entry of block b.
func (rd *ReachingDefs) Reaches(b *cfg.Block, def int) bool {
	return rd.In[b.ID].Has(def)
}

// ComputeReachingDefs runs the forward fixpoint over the graph.
func ComputeReachingDefs(g *cfg.Graph) *ReachingDefs {
	n := len(g.Blocks)
	universe := len(g.Insts)
	rd := &ReachingDefs{
		In:     make([]*BitVector, n),
		Out:    make([]*BitVector, n),
		DefReg: make([]codegen.Register, universe),
	}

	// Every definition site, and the set of definitions per register for
	// kill computation.
	defsOf := make(map[codegen.Register][]int)
	for i, inst := range g.Insts {
		rd.DefReg[i] = inst.Defs()
		if rd.DefReg[i] != codegen.RegNone {
			defsOf[rd.DefReg[i]] = append(defsOf[rd.DefReg[i]], i)
		}
	}

	gen := make([]*BitVector, n)
	kill := make([]*BitVector, n)
	for _, b := range g.Blocks {
		rd.In[b.ID] = NewBitVector(universe)
		rd.Out[b.ID] = NewBitVector(universe)
		gen[b.ID] = NewBitVector(universe)
		kill[b.ID] = NewBitVector(universe)
		for i := b.Start; i < b.End; i++ {
			r := rd.DefReg[i]
			if r == codegen.RegNone {
				continue
			}
			// A later definition of the same register kills earlier gens
			// within the block.
			for _, d := range defsOf[r] {
				if d != i {
					kill[b.ID].Set(d)
				}
				gen[b.ID].Clear(d)
			}
			gen[b.ID].Set(i)
		}
		kill[b.ID].Diff(gen[b.ID])
	}

	order := g.ReversePostOrder()
	tmp := NewBitVector(universe)
	for changed := true; changed; {
		changed = false
		for _, b := range order {
			in := rd.In[b.ID]
			for _, p := range b.Preds {
				in.Union(rd.Out[p.ID])
			}
			tmp.Copy(in)
			tmp.Diff(kill[b.ID])
			tmp.Union(gen[b.ID])
			if !tmp.Equal(rd.Out[b.ID]) {
				rd.Out[b.ID].Copy(tmp)
				changed = true
			}
		}
	}
	return rd
}
