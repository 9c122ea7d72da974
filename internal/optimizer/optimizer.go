package optimizer

import (
	"fmt"

	"github.com/asthra-lang/asthra-sub000/internal/codegen"
)

// ---------------------------------------------------------------------------
// Pass manager
//
// Optimization levels are fixed pass bitmasks; Enable/Disable adjust a
// level at runtime.  The driver reruns the enabled passes until a full
// sweep changes nothing or the iteration cap trips; every structural pass
// NOPs instructions out rather than removing them, and CompactNops drops
// the accumulated NOPs in one label-remapping rebuild at the end.
// ---------------------------------------------------------------------------

// PassMask selects individual optimization passes.
type PassMask uint32

const (
	PassPeephole PassMask = 1 << iota
	PassConstFold
	PassDCE
	PassCSE
	PassLICM
	PassMatchDispatch
)

// Level is a named pass bundle.
type Level int

const (
	LevelNone Level = iota
	LevelBasic
	LevelStandard
	LevelAggressive
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelBasic:
		return "basic"
	case LevelStandard:
		return "standard"
	case LevelAggressive:
		return "aggressive"
	default:
		return "unknown"
	}
}

// Mask returns the pass bundle of a level.
func (l Level) Mask() PassMask {
	switch l {
	case LevelBasic:
		return PassPeephole | PassConstFold
	case LevelStandard:
		return LevelBasic.Mask() | PassDCE | PassCSE
	case LevelAggressive:
		return LevelStandard.Mask() | PassLICM | PassMatchDispatch
	default:
		return 0
	}
}

// maxIterations caps the fixpoint driver; a pass pair that keeps undoing
// each other must not spin forever.
const maxIterations = 10

// Context carries one function's state through the passes.
type Context struct {
	Target *codegen.Target
	Buf    *codegen.Buffer
	Labels *codegen.LabelManager
	Stats  *codegen.Statistics

	// MatchSites feeds the match-dispatch pass; test-range indices are
	// valid until CompactNops runs, which is why compaction is the very
	// last step.
	MatchSites []codegen.MatchSite
}

type pass struct {
	name string
	bit  PassMask
	run  func(*Context) (bool, error)
}

// Manager drives the enabled passes over functions.
type Manager struct {
	mask   PassMask
	passes []pass
}

// NewManager builds a manager for a level.
func NewManager(level Level) *Manager {
	return &Manager{
		mask: level.Mask(),
		// Order matters: folding feeds the peephole, elimination runs on
		// the folded stream, dispatch rewriting goes last because it
		// rebuilds the instruction list.
		passes: []pass{
			{"constfold", PassConstFold, runConstFold},
			{"peephole", PassPeephole, runPeephole},
			{"cse", PassCSE, runCSE},
			{"dce", PassDCE, runDCE},
			{"licm", PassLICM, runLICM},
			{"match-dispatch", PassMatchDispatch, runMatchDispatch},
		},
	}
}

// Enable turns individual passes on, on top of the level's bundle.
func (m *Manager) Enable(p PassMask) { m.mask |= p }

// Disable turns individual passes off.
func (m *Manager) Disable(p PassMask) { m.mask &^= p }

// Enabled reports whether every pass in p is on.
func (m *Manager) Enabled(p PassMask) bool { return m.mask&p == p }

// Run drives the enabled passes to a fixpoint, then compacts NOPs.
func (m *Manager) Run(ctx *Context) error {
	if m.mask == 0 {
		return nil
	}
	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for _, p := range m.passes {
			if m.mask&p.bit == 0 {
				continue
			}
			c, err := p.run(ctx)
			if err != nil {
				return fmt.Errorf("pass %s: %w", p.name, err)
			}
			if ctx.Stats != nil {
				ctx.Stats.AddPassRun()
			}
			changed = changed || c
		}
		if !changed {
			break
		}
		// Dispatch rewriting invalidates the recorded test ranges; one
		// application per function is enough.
		ctx.MatchSites = nil
	}
	return CompactNops(ctx)
}

// CompactNops rebuilds the buffer without NOPs and remaps every label to
// its surviving index.
func CompactNops(ctx *Context) error {
	insts := ctx.Buf.Snapshot()
	mapping := make([]int, len(insts))
	out := make([]*codegen.Instruction, 0, len(insts))
	for i, inst := range insts {
		if inst.Op == codegen.OpNop {
			mapping[i] = -1
			continue
		}
		mapping[i] = len(out)
		out = append(out, inst)
	}
	// A label on a removed instruction slides forward to the next
	// survivor.
	next := len(out)
	for i := len(insts) - 1; i >= 0; i-- {
		if mapping[i] == -1 {
			mapping[i] = next
		} else {
			next = mapping[i]
		}
	}
	ctx.Labels.Remap(mapping, len(out))
	return ctx.Buf.Replace(out)
}

// nopOut replaces the instruction at index i with a NOP and counts the
// elimination.
func nopOut(ctx *Context, i int) error {
	if err := ctx.Buf.Set(i, codegen.MustInstruction(codegen.OpNop)); err != nil {
		return err
	}
	if ctx.Stats != nil {
		ctx.Stats.AddEliminated(1)
	}
	return nil
}

// blockBoundaries returns the set of instruction indices that start a new
// straight-line region: defined label targets and successors of
// terminators.  Local passes reset their state there.
func blockBoundaries(ctx *Context, insts []*codegen.Instruction) map[int]bool {
	b := make(map[int]bool)
	for idx := range ctx.Labels.DefinedByIndex() {
		b[idx] = true
	}
	for i, inst := range insts {
		if inst.Op.IsTerminator() {
			b[i+1] = true
		}
	}
	return b
}
