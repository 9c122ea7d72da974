package dataflow

import (
	"fmt"

	"github.com/asthra-lang/asthra-sub000/internal/cfg"
	"github.com/asthra-lang/asthra-sub000/internal/codegen"
)

// ---------------------------------------------------------------------------
// Available expressions — forward must analysis
//
// An expression is the (opcode, source operands) shape of a pure
// two-operand arithmetic instruction.  An expression is available at a
// point when every path to it computes the expression with no later write
// to its inputs.
//
//	in[b]  = ⋂ out[p] for p in pred(b)   (entry block: ∅)
//	out[b] = gen[b] ∪ (in[b] − kill[b])
// ---------------------------------------------------------------------------

// AvailableExprs holds per-block availability over expression ids.
type AvailableExprs struct {
	In  []*BitVector
	Out []*BitVector

	// Keys maps expression id to its canonical key; IDs maps back.
	Keys []string
	IDs  map[string]int

	// uses maps expression id to the registers it reads.
	uses [][]codegen.Register
}

// exprKey canonicalizes a pure arithmetic instruction; ok is false for
// instructions that do not form expressions (moves, memory operands,
// control flow).
func exprKey(inst *codegen.Instruction) (string, bool) {
	switch inst.Op {
	case codegen.OpAdd, codegen.OpSub, codegen.OpImul,
		codegen.OpAnd, codegen.OpOr, codegen.OpXor,
		codegen.OpShl, codegen.OpShr:
	default:
		return "", false
	}
	if len(inst.Operands) != 2 {
		return "", false
	}
	dst, src := inst.Operands[0], inst.Operands[1]
	if dst.Kind != codegen.OperandRegister {
		return "", false
	}
	switch src.Kind {
	case codegen.OperandRegister:
		return fmt.Sprintf("%s r%d r%d", inst.Op, dst.Reg, src.Reg), true
	case codegen.OperandImmediate:
		return fmt.Sprintf("%s r%d $%d", inst.Op, dst.Reg, src.Imm), true
	}
	return "", false
}

// ComputeAvailableExprs runs the forward must fixpoint over the graph.
func ComputeAvailableExprs(g *cfg.Graph) *AvailableExprs {
	ae := &AvailableExprs{IDs: make(map[string]int)}

	// Number the expression universe.
	for _, inst := range g.Insts {
		key, ok := exprKey(inst)
		if !ok {
			continue
		}
		if _, seen := ae.IDs[key]; seen {
			continue
		}
		id := len(ae.Keys)
		ae.IDs[key] = id
		ae.Keys = append(ae.Keys, key)
		var regs []codegen.Register
		regs = inst.Uses(regs)
		ae.uses = append(ae.uses, regs)
	}
	universe := len(ae.Keys)
	n := len(g.Blocks)

	gen := make([]*BitVector, n)
	kill := make([]*BitVector, n)
	ae.In = make([]*BitVector, n)
	ae.Out = make([]*BitVector, n)

	killedBy := func(r codegen.Register, set *BitVector) {
		for id, regs := range ae.uses {
			for _, u := range regs {
				if u == r {
					set.Set(id)
					break
				}
			}
		}
	}

	for _, b := range g.Blocks {
		gen[b.ID] = NewBitVector(universe)
		kill[b.ID] = NewBitVector(universe)
		ae.In[b.ID] = NewBitVector(universe)
		ae.Out[b.ID] = NewBitVector(universe)
		for i := b.Start; i < b.End; i++ {
			inst := g.Insts[i]
			if key, ok := exprKey(inst); ok {
				id := ae.IDs[key]
				gen[b.ID].Set(id)
				kill[b.ID].Clear(id)
			}
			if d := inst.Defs(); d != codegen.RegNone {
				// A write to r kills every expression reading r,
				// including any generated earlier in this block.
				tmp := NewBitVector(universe)
				killedBy(d, tmp)
				kill[b.ID].Union(tmp)
				gen[b.ID].Diff(tmp)
				// The defining instruction itself regenerates its own
				// expression when it does not read its destination.
				if key, ok := exprKey(inst); ok && !readsReg(ae.uses[ae.IDs[key]], d) {
					gen[b.ID].Set(ae.IDs[key])
				}
			}
		}
	}

	// Must analysis starts from the full set everywhere except the entry.
	full := NewBitVector(universe)
	for i := 0; i < universe; i++ {
		full.Set(i)
	}
	for _, b := range g.Blocks {
		if b.IsEntry {
			continue
		}
		ae.Out[b.ID].Copy(full)
	}

	order := g.ReversePostOrder()
	tmp := NewBitVector(universe)
	for changed := true; changed; {
		changed = false
		for _, b := range order {
			in := ae.In[b.ID]
			if len(b.Preds) > 0 {
				in.Copy(full)
				for _, p := range b.Preds {
					in.Intersect(ae.Out[p.ID])
				}
			}
			tmp.Copy(in)
			tmp.Diff(kill[b.ID])
			tmp.Union(gen[b.ID])
			if !tmp.Equal(ae.Out[b.ID]) {
				ae.Out[b.ID].Copy(tmp)
				changed = true
			}
		}
	}
	return ae
}

func readsReg(regs []codegen.Register, r codegen.Register) bool {
	for _, u := range regs {
		if u == r {
			return true
		}
	}
	return false
}
