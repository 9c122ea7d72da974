package codegen

import (
	"fmt"

	"github.com/asthra-lang/asthra-sub000/internal/ast"
	"github.com/asthra-lang/asthra-sub000/internal/types"
)

// ---------------------------------------------------------------------------
// Code generator — AST statements to machine-level instructions
//
// One Generator compiles one function into one buffer.  The instruction
// stream uses Intel operand order (destination first); the emitter reverses
// it for AT&T output.  Expression results live in registers handed out by
// the local allocator; exhaustion spills the oldest live temporary to a
// frame slot.
//
// Returns do not emit their own epilogue.  Every return places its value in
// the return register and jumps to a shared exit block, which is emitted
// last, after the full callee-saved set is known.
// ---------------------------------------------------------------------------

// loopContext records the jump targets of one enclosing loop.  Break jumps
// to end, continue to start.
type loopContext struct {
	start *Label
	end   *Label
}

type localSlot struct {
	offset int64 // negative rbp displacement
	typ    *types.TypeInfo
}

// spillRecord tracks one value pushed to the stack to free its register.
type spillRecord struct {
	reg    Register
	offset int64
}

// Generator compiles a single function.
type Generator struct {
	target *Target
	buf    *Buffer
	labels *LabelManager
	alloc  *Allocator
	stats  *Statistics

	fn     *ast.FnDecl
	locals map[string]localSlot

	// frameBytes grows as locals, spill slots and callee-saved slots are
	// assigned.  The prologue reserves a placeholder patched to the
	// aligned final size once the body is generated.
	frameBytes    int64
	framePatchIdx int

	loops  []loopContext
	spills []spillRecord

	// calleeSlots maps each callee-saved register touched by this function
	// to the frame slot it was saved to at first allocation.  saveOrder
	// preserves restore ordering.
	calleeSlots map[Register]int64
	saveOrder   []Register

	exit *Label

	matches []MatchSite
}

// NewGenerator prepares a generator for one function.
func NewGenerator(target *Target, fn *ast.FnDecl, stats *Statistics) *Generator {
	return &Generator{
		target:      target,
		buf:         NewBuffer(64),
		labels:      NewLabelManager(),
		alloc:       NewAllocator(target),
		stats:       stats,
		fn:          fn,
		locals:      make(map[string]localSlot),
		calleeSlots: make(map[Register]int64),
	}
}

// Buffer returns the generated instruction buffer.
func (g *Generator) Buffer() *Buffer { return g.buf }

// Labels returns the function's label manager.
func (g *Generator) Labels() *LabelManager { return g.labels }

// Allocator exposes the register allocator for statistics collection.
func (g *Generator) Allocator() *Allocator { return g.alloc }

// MatchSites returns the matches lowered as rewritable linear chains.
func (g *Generator) MatchSites() []MatchSite { return g.matches }

// Generate compiles the function body.  On error the buffer contents are
// unspecified and must be discarded.
func (g *Generator) Generate() error {
	entry, err := g.labels.Named(g.target.Sym(g.fn.Name), LabelFunction)
	if err != nil {
		return err
	}
	if err := g.labels.Define(entry, 0); err != nil {
		return err
	}
	g.exit = g.labels.Fresh("exit", LabelBranch)

	if err := g.genPrologue(); err != nil {
		return err
	}
	if err := g.genBlock(g.fn.Body); err != nil {
		return err
	}
	// A void function may fall off the end of its body; a body that
	// already ended in a jump or return needs no second exit.
	if n := g.buf.Len(); n == 0 || !g.buf.At(n-1).Op.IsTerminator() {
		if err := g.emit(OpJmp, LabelOp(g.exit.Name)); err != nil {
			return err
		}
	}
	if err := g.genEpilogue(); err != nil {
		return err
	}
	g.patchFrameSize()

	if g.stats != nil {
		g.stats.RecordFunction(g.buf.Len(), g.buf.ByteEstimate())
		g.stats.ObservePressure(g.alloc.MaxPressure())
		g.stats.AddSpills(g.alloc.Spills())
	}
	return nil
}

// emit builds and appends one instruction.
func (g *Generator) emit(op Opcode, operands ...Operand) error {
	inst, err := NewInstruction(op, operands...)
	if err != nil {
		return err
	}
	_, err = g.buf.Append(inst)
	return err
}

func (g *Generator) emitComment(text string) error {
	inst, err := NewComment(text)
	if err != nil {
		return err
	}
	_, err = g.buf.Append(inst)
	return err
}

// defineFresh creates a label and binds it to the current buffer end.
func (g *Generator) defineFresh(hint string, kind LabelKind) (*Label, error) {
	l := g.labels.Fresh(hint, kind)
	return l, g.labels.Define(l, g.buf.Len())
}

// defineHere binds an existing label to the current buffer end.
func (g *Generator) defineHere(l *Label) error {
	return g.labels.Define(l, g.buf.Len())
}

// ---------------------------------------------------------------------------
// Frame management
// ---------------------------------------------------------------------------

// newSlot reserves size bytes in the frame and returns the rbp-relative
// offset.  Slots are 8-byte granular.
func (g *Generator) newSlot(size int) int64 {
	if size < 8 {
		size = 8
	}
	g.frameBytes += int64(size)
	return -g.frameBytes
}

func (g *Generator) genPrologue() error {
	if err := g.emitComment("prologue " + g.fn.Name); err != nil {
		return err
	}
	if err := g.emit(OpPush, Reg(g.target.FramePtr)); err != nil {
		return err
	}
	if err := g.emit(OpMov, Reg(g.target.FramePtr), Reg(g.target.StackPtr)); err != nil {
		return err
	}
	// Frame size is unknown until the body is generated; reserve with a
	// placeholder and patch after.
	g.framePatchIdx = g.buf.Len()
	if err := g.emit(OpSub, Reg(g.target.StackPtr), Imm(0)); err != nil {
		return err
	}
	return g.bindParams()
}

// bindParams copies incoming arguments to frame slots so parameter
// references are plain memory loads and the argument registers return to
// the allocator pool.
func (g *Generator) bindParams() error {
	shadow := int64(g.target.ShadowSpace)
	for i, p := range g.fn.Params {
		slot := g.newSlot(p.Type.Size())
		g.locals[p.Name] = localSlot{offset: slot, typ: p.Type}
		if i < len(g.target.ArgRegs) {
			if err := g.emit(OpMov, Mem(g.target.FramePtr, slot), Reg(g.target.ArgRegs[i])); err != nil {
				return err
			}
		} else {
			// Stack argument: above the saved frame pointer and return
			// address, past any shadow space.
			src := int64(16) + shadow + int64(i-len(g.target.ArgRegs))*8
			r, err := g.takeReg()
			if err != nil {
				return err
			}
			if err := g.emit(OpMov, Reg(r), Mem(g.target.FramePtr, src)); err != nil {
				return err
			}
			if err := g.emit(OpMov, Mem(g.target.FramePtr, slot), Reg(r)); err != nil {
				return err
			}
			g.freeReg(r)
		}
	}
	return nil
}

// genEpilogue emits the shared exit block: callee-saved restores in reverse
// save order, frame teardown, ret.
func (g *Generator) genEpilogue() error {
	if err := g.defineHere(g.exit); err != nil {
		return err
	}
	for i := len(g.saveOrder) - 1; i >= 0; i-- {
		r := g.saveOrder[i]
		if err := g.emit(OpMov, Reg(r), Mem(g.target.FramePtr, g.calleeSlots[r])); err != nil {
			return err
		}
	}
	if err := g.emit(OpMov, Reg(g.target.StackPtr), Reg(g.target.FramePtr)); err != nil {
		return err
	}
	if err := g.emit(OpPop, Reg(g.target.FramePtr)); err != nil {
		return err
	}
	return g.emit(OpRet)
}

// patchFrameSize rewrites the prologue's reservation with the final frame
// size, rounded up to the target's stack alignment.
func (g *Generator) patchFrameSize() {
	align := int64(g.target.StackAlign)
	if align == 0 {
		align = 16
	}
	size := (g.frameBytes + int64(g.target.ShadowSpace) + align - 1) &^ (align - 1)
	inst := MustInstruction(OpSub, Reg(g.target.StackPtr), Imm(size))
	// The placeholder has the same shape, so Set cannot fail here.
	_ = g.buf.Set(g.framePatchIdx, inst)
}

// ---------------------------------------------------------------------------
// Register discipline
// ---------------------------------------------------------------------------

// takeReg allocates a scratch register, spilling if the pool is exhausted.
// Callee-saved registers are saved to a frame slot the first time they are
// handed out.
func (g *Generator) takeReg() (Register, error) {
	r, ok := g.alloc.Allocate(true)
	if ok {
		return r, g.noteCalleeSave(r)
	}
	// Pool exhausted: push the first allocatable register to a frame slot
	// and reuse it.  freeReg restores it when this temporary dies.
	victim := g.target.Allocatable[0]
	slot := g.newSlot(8)
	if err := g.emit(OpMov, Mem(g.target.FramePtr, slot), Reg(victim)); err != nil {
		return RegNone, err
	}
	g.spills = append(g.spills, spillRecord{reg: victim, offset: slot})
	g.alloc.RecordSpill()
	if g.stats != nil {
		g.stats.AddSpills(1)
	}
	return victim, nil
}

// freeReg returns a register to the pool, restoring a spilled value when
// this register was obtained through a spill.
func (g *Generator) freeReg(r Register) {
	if n := len(g.spills); n > 0 && g.spills[n-1].reg == r {
		rec := g.spills[n-1]
		g.spills = g.spills[:n-1]
		_ = g.emit(OpMov, Reg(rec.reg), Mem(g.target.FramePtr, rec.offset))
		return
	}
	g.alloc.Free(r)
}

// noteCalleeSave spills a callee-saved register to its dedicated slot the
// first time it is allocated.  The epilogue restores in reverse order.
func (g *Generator) noteCalleeSave(r Register) error {
	if !g.target.IsCalleeSaved(r) {
		return nil
	}
	if _, done := g.calleeSlots[r]; done {
		return nil
	}
	slot := g.newSlot(8)
	g.calleeSlots[r] = slot
	g.saveOrder = append(g.saveOrder, r)
	return g.emit(OpMov, Mem(g.target.FramePtr, slot), Reg(r))
}

// ---------------------------------------------------------------------------
// Loop context
// ---------------------------------------------------------------------------

// pushLoop makes a loop's targets visible to break/continue and returns the
// matching pop.  Callers defer the pop so the stack cannot leak across an
// error path.
func (g *Generator) pushLoop(start, end *Label) func() {
	g.loops = append(g.loops, loopContext{start: start, end: end})
	return func() { g.loops = g.loops[:len(g.loops)-1] }
}

func (g *Generator) currentLoop() (loopContext, bool) {
	if len(g.loops) == 0 {
		return loopContext{}, false
	}
	return g.loops[len(g.loops)-1], true
}

// ---------------------------------------------------------------------------
// Statement dispatch
// ---------------------------------------------------------------------------

func (g *Generator) genBlock(b *ast.BlockStmt) error {
	for _, s := range b.Stmts {
		if err := g.genStmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (g *Generator) genStmt(s ast.Stmt) error {
	switch s := s.(type) {
	case *ast.LetStmt:
		return g.genLet(s)
	case *ast.AssignStmt:
		return g.genAssign(s)
	case *ast.IfStmt:
		return g.genIf(s)
	case *ast.IfLetStmt:
		return g.genIfLet(s)
	case *ast.ForRangeStmt:
		return g.genForRange(s)
	case *ast.ReturnStmt:
		return g.genReturn(s)
	case *ast.BreakStmt:
		loop, ok := g.currentLoop()
		if !ok {
			return fmt.Errorf("%w: break outside loop", ErrUnsupportedOperation)
		}
		return g.emit(OpJmp, LabelOp(loop.end.Name))
	case *ast.ContinueStmt:
		loop, ok := g.currentLoop()
		if !ok {
			return fmt.Errorf("%w: continue outside loop", ErrUnsupportedOperation)
		}
		return g.emit(OpJmp, LabelOp(loop.start.Name))
	case *ast.ExprStmt:
		r, err := g.genExpr(s.X)
		if err != nil {
			return err
		}
		if r != RegNone {
			g.freeReg(r)
		}
		return nil
	case *ast.BlockStmt:
		return g.genBlock(s)
	case *ast.MatchStmt:
		return g.genMatch(s)
	default:
		return fmt.Errorf("%w: statement %T", ErrUnsupportedOperation, s)
	}
}

func (g *Generator) genLet(s *ast.LetStmt) error {
	r, err := g.genExpr(s.Value)
	if err != nil {
		return err
	}
	typ := s.Type
	if typ == nil {
		typ = s.Value.Type()
	}
	slot := g.newSlot(typ.Size())
	g.locals[s.Name] = localSlot{offset: slot, typ: typ}
	if err := g.emit(OpMov, Mem(g.target.FramePtr, slot), Reg(r)); err != nil {
		return err
	}
	g.freeReg(r)
	return nil
}

func (g *Generator) genAssign(s *ast.AssignStmt) error {
	slot, ok := g.locals[s.Name]
	if !ok {
		return fmt.Errorf("%w: assignment to unknown local %q", ErrUnsupportedOperation, s.Name)
	}
	r, err := g.genExpr(s.Value)
	if err != nil {
		return err
	}
	if err := g.emit(OpMov, Mem(g.target.FramePtr, slot.offset), Reg(r)); err != nil {
		return err
	}
	g.freeReg(r)
	return nil
}

func (g *Generator) genIf(s *ast.IfStmt) error {
	elseLabel := g.labels.Fresh("if_else", LabelBranch)
	endLabel := g.labels.Fresh("if_end", LabelBranch)

	if err := g.genCondJumpFalse(s.Cond, elseLabel); err != nil {
		return err
	}
	if err := g.genBlock(s.Then); err != nil {
		return err
	}
	if err := g.emit(OpJmp, LabelOp(endLabel.Name)); err != nil {
		return err
	}
	if err := g.defineHere(elseLabel); err != nil {
		return err
	}
	if s.Else != nil {
		if err := g.genStmt(s.Else); err != nil {
			return err
		}
	}
	return g.defineHere(endLabel)
}

// genCondJumpFalse evaluates a boolean condition and jumps to target when
// it is false.
func (g *Generator) genCondJumpFalse(cond ast.Expr, target *Label) error {
	r, err := g.genExpr(cond)
	if err != nil {
		return err
	}
	if err := g.emit(OpTest, Reg(r), Reg(r)); err != nil {
		return err
	}
	g.freeReg(r)
	return g.emit(OpJe, LabelOp(target.Name))
}

func (g *Generator) genForRange(s *ast.ForRangeStmt) error {
	// Counter lives in a frame slot so the body may spill freely.
	slot := g.newSlot(8)
	g.locals[s.Var] = localSlot{offset: slot, typ: types.I64}

	bound, err := g.genExpr(s.Bound)
	if err != nil {
		return err
	}
	boundSlot := g.newSlot(8)
	if err := g.emit(OpMov, Mem(g.target.FramePtr, boundSlot), Reg(bound)); err != nil {
		return err
	}
	g.freeReg(bound)

	zero, err := g.takeReg()
	if err != nil {
		return err
	}
	if err := g.emit(OpXor, Reg(zero), Reg(zero)); err != nil {
		return err
	}
	if err := g.emit(OpMov, Mem(g.target.FramePtr, slot), Reg(zero)); err != nil {
		return err
	}
	g.freeReg(zero)

	start, err := g.defineFresh("loop_start", LabelLoopStart)
	if err != nil {
		return err
	}
	cont := g.labels.Fresh("loop_continue", LabelBranch)
	end := g.labels.Fresh("loop_end", LabelLoopEnd)
	// continue lands on the increment, not the condition
	pop := g.pushLoop(cont, end)
	defer pop()

	// while counter < bound
	cmpReg, err := g.takeReg()
	if err != nil {
		return err
	}
	if err := g.emit(OpMov, Reg(cmpReg), Mem(g.target.FramePtr, slot)); err != nil {
		return err
	}
	if err := g.emit(OpCmp, Reg(cmpReg), Mem(g.target.FramePtr, boundSlot)); err != nil {
		return err
	}
	g.freeReg(cmpReg)
	if err := g.emit(OpJge, LabelOp(end.Name)); err != nil {
		return err
	}

	if err := g.genBlock(s.Body); err != nil {
		return err
	}

	if err := g.defineHere(cont); err != nil {
		return err
	}
	if err := g.emit(OpInc, Mem(g.target.FramePtr, slot)); err != nil {
		return err
	}
	if err := g.emit(OpJmp, LabelOp(start.Name)); err != nil {
		return err
	}
	return g.defineHere(end)
}

func (g *Generator) genReturn(s *ast.ReturnStmt) error {
	if s.Value != nil {
		r, err := g.genExpr(s.Value)
		if err != nil {
			return err
		}
		if r != g.target.ReturnReg {
			if err := g.emit(OpMov, Reg(g.target.ReturnReg), Reg(r)); err != nil {
				return err
			}
		}
		g.freeReg(r)
	}
	return g.emit(OpJmp, LabelOp(g.exit.Name))
}
