package regalloc

import (
	"sort"

	"github.com/asthra-lang/asthra-sub000/internal/cfg"
	"github.com/asthra-lang/asthra-sub000/internal/codegen"
	"github.com/asthra-lang/asthra-sub000/internal/dataflow"
)

// ---------------------------------------------------------------------------
// Global register allocation — interference graph + greedy coloring
//
// The generator's local allocator already produces a working assignment;
// this pass treats those names as colorable nodes and recolors them
// against the target palette, shrinking the set of distinct registers a
// function touches.  Nodes that cannot be colored are ranked by spill
// cost (uses + 2·defs) and the cheapest is reported as the spill
// candidate.
// ---------------------------------------------------------------------------

// Interference is an undirected conflict graph over register names.
type Interference struct {
	// Nodes lists every register that appears in the function, sorted.
	Nodes []codegen.Register

	adj map[codegen.Register]map[codegen.Register]bool

	// Uses and Defs count occurrences per register for spill costs.
	Uses map[codegen.Register]int
	Defs map[codegen.Register]int

	// CrossesCall marks registers live across at least one call.  The
	// callee may clobber the whole caller-saved set, so the colorer must
	// not move such a value into a caller-saved register it was not
	// already saved under.
	CrossesCall map[codegen.Register]bool
}

// Interferes reports whether a and b conflict.
func (ig *Interference) Interferes(a, b codegen.Register) bool {
	return ig.adj[a][b]
}

// Degree returns the number of conflicts of r.
func (ig *Interference) Degree(r codegen.Register) int {
	return len(ig.adj[r])
}

// SpillCost returns uses + 2·defs for r.  Redefining a spilled value costs
// a store where a use costs a load, hence the double weight.
func (ig *Interference) SpillCost(r codegen.Register) int {
	return ig.Uses[r] + 2*ig.Defs[r]
}

func (ig *Interference) addNode(r codegen.Register) {
	if _, ok := ig.adj[r]; !ok {
		ig.adj[r] = make(map[codegen.Register]bool)
		ig.Nodes = append(ig.Nodes, r)
	}
}

func (ig *Interference) addEdge(a, b codegen.Register) {
	if a == b {
		return
	}
	ig.addNode(a)
	ig.addNode(b)
	ig.adj[a][b] = true
	ig.adj[b][a] = true
}

// BuildInterference walks each block backwards maintaining the live set:
// a definition interferes with everything live across it.  Calls mark
// everything live across them and feed the staged argument registers back
// into the live set.
func BuildInterference(g *cfg.Graph, lv *dataflow.Liveness, target *codegen.Target) *Interference {
	ig := &Interference{
		adj:         make(map[codegen.Register]map[codegen.Register]bool),
		Uses:        make(map[codegen.Register]int),
		Defs:        make(map[codegen.Register]int),
		CrossesCall: make(map[codegen.Register]bool),
	}

	var scratch []codegen.Register
	for _, b := range g.Blocks {
		live := make(map[codegen.Register]bool)
		lv.Out[b.ID].ForEach(func(i int) { live[codegen.Register(i)] = true })

		for i := b.End - 1; i >= b.Start; i-- {
			inst := g.Insts[i]
			if inst.Op == codegen.OpCall {
				for r := range live {
					ig.CrossesCall[r] = true
				}
				for _, r := range target.ArgRegs {
					ig.addNode(r)
					live[r] = true
				}
				continue
			}
			if d := inst.Defs(); d != codegen.RegNone {
				ig.addNode(d)
				ig.Defs[d]++
				for r := range live {
					if r != d {
						ig.addEdge(d, r)
					}
				}
				delete(live, d)
			}
			scratch = inst.Uses(scratch[:0])
			for _, u := range scratch {
				ig.addNode(u)
				ig.Uses[u]++
				live[u] = true
			}
		}
	}
	sort.Slice(ig.Nodes, func(i, j int) bool { return ig.Nodes[i] < ig.Nodes[j] })
	return ig
}

// Assignment is the result of coloring.
type Assignment struct {
	// Color maps each node to its assigned physical register.
	Color map[codegen.Register]codegen.Register
	// Spilled lists nodes that received no color, cheapest first.
	Spilled []codegen.Register
}

// Color greedily colors the graph against the palette, visiting nodes in
// decreasing degree order so the most constrained choose first.  Pinned
// registers keep their identity: stack and frame pointers, anything
// outside the palette (FP scratch), and the ABI-constrained set (return
// and argument registers, the division pair) whose names carry hardware
// or calling-convention meaning the renamer must not disturb.
func Color(ig *Interference, target *codegen.Target) *Assignment {
	palette := target.Allocatable
	pinned := map[codegen.Register]bool{
		target.StackPtr:  true,
		target.FramePtr:  true,
		target.ReturnReg: true,
	}
	for _, r := range target.ArgRegs {
		pinned[r] = true
	}
	if target.Arch == codegen.Arch_x86_64 {
		pinned[codegen.RAX] = true
		pinned[codegen.RDX] = true
	}
	reserved := func(r codegen.Register) bool {
		if pinned[r] {
			return true
		}
		for _, p := range palette {
			if p == r {
				return false
			}
		}
		return true
	}

	order := append([]codegen.Register{}, ig.Nodes...)
	sort.SliceStable(order, func(i, j int) bool {
		di, dj := ig.Degree(order[i]), ig.Degree(order[j])
		if di != dj {
			return di > dj
		}
		return order[i] < order[j]
	})

	asg := &Assignment{Color: make(map[codegen.Register]codegen.Register)}
	for _, r := range ig.Nodes {
		if reserved(r) {
			asg.Color[r] = r
		}
	}
	for _, r := range order {
		if _, done := asg.Color[r]; done {
			continue
		}
		taken := make(map[codegen.Register]bool)
		for n := range ig.adj[r] {
			if c, ok := asg.Color[n]; ok {
				taken[c] = true
			}
		}
		assigned := false
		for _, c := range palette {
			if taken[c] {
				continue
			}
			// A value live across a call keeps either its own name (the
			// call sites already save it) or a callee-saved register; any
			// other caller-saved register is clobbered unsaved.
			if ig.CrossesCall[r] && c != r && !target.IsCalleeSaved(c) {
				continue
			}
			asg.Color[r] = c
			assigned = true
			break
		}
		if !assigned {
			asg.Spilled = append(asg.Spilled, r)
		}
	}
	sort.Slice(asg.Spilled, func(i, j int) bool {
		ci, cj := ig.SpillCost(asg.Spilled[i]), ig.SpillCost(asg.Spilled[j])
		if ci != cj {
			return ci < cj
		}
		return asg.Spilled[i] < asg.Spilled[j]
	})
	return asg
}

// Rewrite applies a coloring to a buffer, renaming every register operand
// through the assignment.  Registers without a color (spilled or outside
// the graph) keep their name; the caller handles spill code separately.
func Rewrite(buf *codegen.Buffer, asg *Assignment) error {
	insts := buf.Snapshot()
	out := make([]*codegen.Instruction, len(insts))
	for i, inst := range insts {
		if inst.IsPseudo() {
			out[i] = inst
			continue
		}
		changed := false
		operands := make([]codegen.Operand, len(inst.Operands))
		for j, o := range inst.Operands {
			if o.Kind == codegen.OperandRegister {
				if c, ok := asg.Color[o.Reg]; ok && c != o.Reg {
					o.Reg = c
					changed = true
				}
			}
			if o.Kind == codegen.OperandMemory {
				if c, ok := asg.Color[o.Base]; ok && c != o.Base {
					o.Base = c
					changed = true
				}
				if o.Index != codegen.RegNone {
					if c, ok := asg.Color[o.Index]; ok && c != o.Index {
						o.Index = c
						changed = true
					}
				}
			}
			operands[j] = o
		}
		if !changed {
			out[i] = inst
			continue
		}
		out[i] = &codegen.Instruction{Op: inst.Op, Operands: operands, Text: inst.Text}
	}
	return buf.Replace(out)
}
