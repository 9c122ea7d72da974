package cfg

import (
	"fmt"

	"github.com/asthra-lang/asthra-sub000/internal/codegen"
)

// ---------------------------------------------------------------------------
// Control-flow graph
//
// The instruction buffer is the arena: blocks store [Start, End) index
// ranges into a snapshot and never copy instructions.  Construction is two
// scans: one to mark leaders, one to materialize blocks and wire edges.
// ---------------------------------------------------------------------------

// Block is one basic block: a maximal single-entry straight-line range.
type Block struct {
	ID    int
	Start int // first instruction index, inclusive
	End   int // one past the last instruction index

	Succs []*Block
	Preds []*Block

	IsEntry bool
	IsExit  bool // ends in ret or falls off the buffer
}

// Len returns the number of instructions in the block.
func (b *Block) Len() int { return b.End - b.Start }

func (b *Block) String() string {
	return fmt.Sprintf("B%d[%d:%d)", b.ID, b.Start, b.End)
}

// Edge is one control-flow edge.
type Edge struct {
	From, To *Block
}

// Graph is the CFG of one function.
type Graph struct {
	Blocks []*Block // in program order
	Entry  *Block

	// Insts is the buffer snapshot the index ranges point into.
	Insts []*codegen.Instruction

	// BackEdges are edges whose target precedes their source in program
	// order, i.e. loop back edges under the generator's structured
	// lowering.
	BackEdges []Edge
}

// Build constructs the CFG for a buffer.  Every jump must target a defined
// label; an undefined target is a construction error.
func Build(buf *codegen.Buffer, labels *codegen.LabelManager) (*Graph, error) {
	insts := buf.Snapshot()
	if len(insts) == 0 {
		return nil, fmt.Errorf("cfg: %w", codegen.ErrEmptyBuffer)
	}

	// Scan 1: leaders.  Index 0 leads; so does the instruction after any
	// terminator and the target of any defined label.
	leader := make([]bool, len(insts)+1)
	leader[0] = true
	for i, inst := range insts {
		if inst.Op.IsTerminator() {
			leader[i+1] = true
		}
		if inst.Op.IsJump() {
			name := inst.Operands[0].Label
			l, ok := labels.Lookup(name)
			if !ok || !l.Defined() {
				return nil, fmt.Errorf("cfg: instruction %d: %w: %q", i, codegen.ErrLabelNotFound, name)
			}
			if l.Index < len(leader) {
				leader[l.Index] = true
			}
		}
	}
	for _, ls := range labels.DefinedByIndex() {
		for _, l := range ls {
			if l.Index < len(leader) {
				leader[l.Index] = true
			}
		}
	}

	// Scan 2: materialize blocks over the leader partition.
	g := &Graph{Insts: insts}
	blockAt := make(map[int]*Block)
	start := 0
	for i := 1; i <= len(insts); i++ {
		if i == len(insts) || leader[i] {
			b := &Block{ID: len(g.Blocks), Start: start, End: i}
			g.Blocks = append(g.Blocks, b)
			blockAt[start] = b
			start = i
		}
	}
	g.Entry = g.Blocks[0]
	g.Entry.IsEntry = true

	// Wire edges from each block's last instruction.
	for bi, b := range g.Blocks {
		last := insts[b.End-1]
		switch {
		case last.Op == codegen.OpRet:
			b.IsExit = true
		case last.Op.IsJump():
			l, _ := labels.Lookup(last.Operands[0].Label)
			if target, ok := blockAt[l.Index]; ok {
				addEdge(b, target)
			} else {
				// Jump to the end of the buffer: treat as exit.
				b.IsExit = true
			}
			if last.Op.IsConditionalJump() && bi+1 < len(g.Blocks) {
				addEdge(b, g.Blocks[bi+1])
			}
		default:
			if bi+1 < len(g.Blocks) {
				addEdge(b, g.Blocks[bi+1])
			} else {
				b.IsExit = true
			}
		}
	}

	// Back edges: target starts at or before the source in program order.
	for _, b := range g.Blocks {
		for _, s := range b.Succs {
			if s.Start <= b.Start {
				g.BackEdges = append(g.BackEdges, Edge{From: b, To: s})
			}
		}
	}
	return g, nil
}

func addEdge(from, to *Block) {
	for _, s := range from.Succs {
		if s == to {
			return
		}
	}
	from.Succs = append(from.Succs, to)
	to.Preds = append(to.Preds, from)
}

// PostOrder returns the blocks in depth-first post-order from the entry.
// Unreachable blocks are appended afterwards in program order so data-flow
// clients still see every block.
func (g *Graph) PostOrder() []*Block {
	seen := make([]bool, len(g.Blocks))
	var order []*Block
	var walk func(b *Block)
	walk = func(b *Block) {
		seen[b.ID] = true
		for _, s := range b.Succs {
			if !seen[s.ID] {
				walk(s)
			}
		}
		order = append(order, b)
	}
	walk(g.Entry)
	for _, b := range g.Blocks {
		if !seen[b.ID] {
			order = append(order, b)
		}
	}
	return order
}

// ReversePostOrder returns the blocks in reverse post-order, the natural
// iteration order for forward data-flow problems.
func (g *Graph) ReversePostOrder() []*Block {
	po := g.PostOrder()
	out := make([]*Block, len(po))
	for i, b := range po {
		out[len(po)-1-i] = b
	}
	return out
}
