package cfg

import "sort"

// ---------------------------------------------------------------------------
// Natural loops
//
// Each back edge t -> h defines a natural loop: h plus every block that
// reaches t without passing through h.  The loop-invariant pass uses the
// membership sets to tell loop body from preheader.
// ---------------------------------------------------------------------------

// Loop is one natural loop.
type Loop struct {
	Header *Block
	// Body holds every member block including the header, keyed by ID.
	Body map[int]*Block
}

// Blocks returns the loop members sorted by program order.
func (l *Loop) Blocks() []*Block {
	out := make([]*Block, 0, len(l.Body))
	for _, b := range l.Body {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Contains reports loop membership.
func (l *Loop) Contains(b *Block) bool {
	_, ok := l.Body[b.ID]
	return ok
}

// NaturalLoops computes the natural loop of every back edge.  Loops
// sharing a header are returned separately; callers that want the merged
// body union the sets.
func (g *Graph) NaturalLoops() []*Loop {
	var loops []*Loop
	for _, e := range g.BackEdges {
		header, tail := e.To, e.From
		loop := &Loop{Header: header, Body: map[int]*Block{header.ID: header}}
		stack := []*Block{tail}
		for len(stack) > 0 {
			b := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if _, in := loop.Body[b.ID]; in {
				continue
			}
			loop.Body[b.ID] = b
			stack = append(stack, b.Preds...)
		}
		loops = append(loops, loop)
	}
	return loops
}
