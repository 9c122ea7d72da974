package optimizer

import (
	"github.com/asthra-lang/asthra-sub000/internal/cfg"
	"github.com/asthra-lang/asthra-sub000/internal/codegen"
	"github.com/asthra-lang/asthra-sub000/internal/dataflow"
)

// ---------------------------------------------------------------------------
// Constant folding
//
// Per straight-line region, track registers with known constant values and
// rewrite arithmetic on them into plain constant loads.  Arithmetic wraps
// with machine semantics: int64 two's complement, shift counts masked to
// six bits.
// ---------------------------------------------------------------------------

func foldInt(op codegen.Opcode, a, b int64) (int64, bool) {
	switch op {
	case codegen.OpAdd:
		return a + b, true
	case codegen.OpSub:
		return a - b, true
	case codegen.OpImul:
		return a * b, true
	case codegen.OpAnd:
		return a & b, true
	case codegen.OpOr:
		return a | b, true
	case codegen.OpXor:
		return a ^ b, true
	case codegen.OpShl:
		return a << (uint64(b) & 63), true
	case codegen.OpShr:
		return int64(uint64(a) >> (uint64(b) & 63)), true
	}
	return 0, false
}

func runConstFold(ctx *Context) (bool, error) {
	insts := ctx.Buf.Snapshot()
	boundaries := blockBoundaries(ctx, insts)
	consts := make(map[codegen.Register]int64)
	changed := false

	setConst := func(r codegen.Register, v int64) { consts[r] = v }
	forget := func(r codegen.Register) { delete(consts, r) }

	for i, inst := range insts {
		if boundaries[i] {
			consts = make(map[codegen.Register]int64)
		}
		if inst.IsPseudo() || inst.Op == codegen.OpNop {
			continue
		}
		if inst.Op == codegen.OpCall {
			// Caller-saved registers do not survive the call.
			for _, r := range ctx.Target.CallerSaved {
				forget(r)
			}
			continue
		}

		ops := inst.Operands
		switch {
		case inst.Op == codegen.OpMov && len(ops) == 2 &&
			ops[0].Kind == codegen.OperandRegister && ops[1].Kind == codegen.OperandImmediate:
			setConst(ops[0].Reg, ops[1].Imm)
			continue
		case inst.Op == codegen.OpXor && len(ops) == 2 &&
			ops[0].Kind == codegen.OperandRegister && ops[1].Kind == codegen.OperandRegister &&
			ops[0].Reg == ops[1].Reg:
			setConst(ops[0].Reg, 0)
			continue
		case inst.Op == codegen.OpMov && len(ops) == 2 &&
			ops[0].Kind == codegen.OperandRegister && ops[1].Kind == codegen.OperandRegister:
			if v, ok := consts[ops[1].Reg]; ok {
				setConst(ops[0].Reg, v)
			} else {
				forget(ops[0].Reg)
			}
			continue
		}

		// Foldable arithmetic: destination constant combined with a
		// constant source.
		if len(ops) == 2 && ops[0].Kind == codegen.OperandRegister {
			if a, okA := consts[ops[0].Reg]; okA {
				var b int64
				okB := false
				switch ops[1].Kind {
				case codegen.OperandImmediate:
					b, okB = ops[1].Imm, true
				case codegen.OperandRegister:
					b, okB = consts[ops[1].Reg]
				}
				if okB {
					if v, folded := foldInt(inst.Op, a, b); folded {
						repl, err := codegen.NewInstruction(codegen.OpMov,
							codegen.Reg(ops[0].Reg), codegen.Imm(v))
						if err != nil {
							return changed, err
						}
						if err := ctx.Buf.Set(i, repl); err != nil {
							return changed, err
						}
						setConst(ops[0].Reg, v)
						if ctx.Stats != nil {
							ctx.Stats.AddFolded(1)
						}
						changed = true
						continue
					}
				}
			}
		}

		if d := inst.Defs(); d != codegen.RegNone {
			forget(d)
		}
		if inst.Op == codegen.OpIdiv || inst.Op == codegen.OpCqo {
			forget(codegen.RAX)
			forget(codegen.RDX)
		}
	}
	return changed, nil
}

// ---------------------------------------------------------------------------
// Peephole
//
// Local rewrites over single instructions and adjacent pairs.
// ---------------------------------------------------------------------------

func runPeephole(ctx *Context) (bool, error) {
	insts := ctx.Buf.Snapshot()
	boundaries := blockBoundaries(ctx, insts)
	changed := false

	for i, inst := range insts {
		ops := inst.Operands
		kill := false
		switch inst.Op {
		case codegen.OpMov:
			// mov r, r
			kill = len(ops) == 2 &&
				ops[0].Kind == codegen.OperandRegister && ops[1].Kind == codegen.OperandRegister &&
				ops[0].Reg == ops[1].Reg
		case codegen.OpAdd, codegen.OpSub:
			// add/sub x, 0
			kill = len(ops) == 2 && ops[1].Kind == codegen.OperandImmediate && ops[1].Imm == 0
		case codegen.OpImul:
			// imul x, 1
			kill = len(ops) == 2 && ops[1].Kind == codegen.OperandImmediate && ops[1].Imm == 1
		case codegen.OpPush:
			// push r directly followed by pop r
			if i+1 < len(insts) && !boundaries[i+1] && insts[i+1].Op == codegen.OpPop {
				a, b := ops[0], insts[i+1].Operands[0]
				if a.Kind == codegen.OperandRegister && b.Kind == codegen.OperandRegister && a.Reg == b.Reg {
					if err := nopOut(ctx, i); err != nil {
						return changed, err
					}
					if err := nopOut(ctx, i+1); err != nil {
						return changed, err
					}
					changed = true
				}
			}
		}
		if kill {
			if err := nopOut(ctx, i); err != nil {
				return changed, err
			}
			changed = true
		}
	}
	return changed, nil
}

// ---------------------------------------------------------------------------
// Common subexpression elimination
//
// The generator's stream is memory-heavy: locals live in frame slots and
// every use reloads.  The profitable redundancy is therefore repeated
// frame loads, and that is what this pass removes: a reload of a slot
// whose value is already in a register becomes a register move (which the
// peephole then drops when source and destination coincide).
// ---------------------------------------------------------------------------

func runCSE(ctx *Context) (bool, error) {
	insts := ctx.Buf.Snapshot()
	boundaries := blockBoundaries(ctx, insts)
	fp := ctx.Target.FramePtr
	changed := false

	// slot offset -> register known to hold the slot's value
	loaded := make(map[int64]codegen.Register)
	invalidateReg := func(r codegen.Register) {
		for off, reg := range loaded {
			if reg == r {
				delete(loaded, off)
			}
		}
	}

	for i, inst := range insts {
		if boundaries[i] {
			loaded = make(map[int64]codegen.Register)
		}
		if inst.IsPseudo() || inst.Op == codegen.OpNop {
			continue
		}
		ops := inst.Operands

		if inst.Op == codegen.OpCall {
			for _, r := range ctx.Target.CallerSaved {
				invalidateReg(r)
			}
			continue
		}

		isFrameLoad := inst.Op == codegen.OpMov && len(ops) == 2 &&
			ops[0].Kind == codegen.OperandRegister &&
			ops[1].Kind == codegen.OperandMemory && ops[1].Base == fp && ops[1].Index == codegen.RegNone
		isFrameStore := inst.Op == codegen.OpMov && len(ops) == 2 &&
			ops[0].Kind == codegen.OperandMemory && ops[0].Base == fp && ops[0].Index == codegen.RegNone

		switch {
		case isFrameLoad:
			off := ops[1].Disp
			if src, ok := loaded[off]; ok {
				repl, err := codegen.NewInstruction(codegen.OpMov,
					codegen.Reg(ops[0].Reg), codegen.Reg(src))
				if err != nil {
					return changed, err
				}
				if err := ctx.Buf.Set(i, repl); err != nil {
					return changed, err
				}
				changed = true
			}
			invalidateReg(ops[0].Reg)
			loaded[off] = ops[0].Reg
			continue
		case isFrameStore:
			delete(loaded, ops[0].Disp)
			if ops[1].Kind == codegen.OperandRegister {
				loaded[ops[0].Disp] = ops[1].Reg
			}
			continue
		}

		if d := inst.Defs(); d != codegen.RegNone {
			invalidateReg(d)
		}
		if inst.Op == codegen.OpIdiv || inst.Op == codegen.OpCqo {
			invalidateReg(codegen.RAX)
			invalidateReg(codegen.RDX)
		}
	}
	return changed, nil
}

// ---------------------------------------------------------------------------
// Dead code elimination
//
// Liveness-driven: a side-effect-free register definition whose result is
// never read is removed.
// ---------------------------------------------------------------------------

// pureDef reports whether the instruction's only effect is writing its
// destination register.
func pureDef(inst *codegen.Instruction) bool {
	switch inst.Op {
	case codegen.OpMov, codegen.OpLea, codegen.OpAdd, codegen.OpSub,
		codegen.OpImul, codegen.OpAnd, codegen.OpOr, codegen.OpXor,
		codegen.OpShl, codegen.OpShr, codegen.OpNeg, codegen.OpNot,
		codegen.OpInc, codegen.OpDec,
		codegen.OpSete, codegen.OpSetne, codegen.OpSetl, codegen.OpSetle,
		codegen.OpSetg, codegen.OpSetge:
		return len(inst.Operands) > 0 && inst.Operands[0].Kind == codegen.OperandRegister
	}
	return false
}

func runDCE(ctx *Context) (bool, error) {
	g, err := cfg.Build(ctx.Buf, ctx.Labels)
	if err != nil {
		return false, err
	}
	lv := dataflow.ComputeLiveness(g)
	changed := false

	// The stack and frame pointers carry implicit state the register model
	// does not track; writes to them are never dead.
	reserved := map[codegen.Register]bool{
		ctx.Target.StackPtr: true,
		ctx.Target.FramePtr: true,
	}

	var scratch []codegen.Register
	for _, b := range g.Blocks {
		live := make(map[codegen.Register]bool)
		lv.Out[b.ID].ForEach(func(i int) { live[codegen.Register(i)] = true })

		for i := b.End - 1; i >= b.Start; i-- {
			inst := g.Insts[i]
			// The instruction model gives a call no register operands, but
			// the callee reads the staged argument registers; without this
			// the setup moves before every call look dead.
			if inst.Op == codegen.OpCall {
				for _, r := range ctx.Target.ArgRegs {
					live[r] = true
				}
				continue
			}
			d := inst.Defs()
			if d != codegen.RegNone && !live[d] && pureDef(inst) && !reserved[d] {
				if err := nopOut(ctx, i); err != nil {
					return changed, err
				}
				changed = true
				continue
			}
			if d != codegen.RegNone {
				delete(live, d)
			}
			scratch = inst.Uses(scratch[:0])
			for _, u := range scratch {
				live[u] = true
			}
		}
	}
	return changed, nil
}

// ---------------------------------------------------------------------------
// Loop-invariant code motion
//
// Constant loads defined exactly once inside a natural loop move to just
// before the loop header, as long as the register carries nothing into
// the loop.  One loop is transformed per run; the fixpoint driver comes
// back for the rest.
// ---------------------------------------------------------------------------

func runLICM(ctx *Context) (bool, error) {
	g, err := cfg.Build(ctx.Buf, ctx.Labels)
	if err != nil {
		return false, err
	}
	loops := g.NaturalLoops()
	if len(loops) == 0 {
		return false, nil
	}
	lv := dataflow.ComputeLiveness(g)

	for _, loop := range loops {
		hoist := licmCandidates(g, lv, loop, ctx.Target)
		if len(hoist) == 0 {
			continue
		}
		if err := hoistBefore(ctx, loop.Header.Start, hoist); err != nil {
			return false, err
		}
		// The rebuild shifted instruction indices; recorded dispatch sites
		// no longer point at their test chains.
		ctx.MatchSites = nil
		return true, nil
	}
	return false, nil
}

// licmCandidates returns the loop-body indices of hoistable constant
// loads, in program order.
func licmCandidates(g *cfg.Graph, lv *dataflow.Liveness, loop *cfg.Loop, target *codegen.Target) []int {
	defsInLoop := make(map[codegen.Register]int)
	callInLoop := false
	for _, b := range loop.Blocks() {
		for i := b.Start; i < b.End; i++ {
			if g.Insts[i].Op == codegen.OpCall {
				callInLoop = true
			}
			if d := g.Insts[i].Defs(); d != codegen.RegNone {
				defsInLoop[d]++
			}
		}
	}
	callerSaved := make(map[codegen.Register]bool)
	if callInLoop {
		for _, r := range target.CallerSaved {
			callerSaved[r] = true
		}
	}
	var hoist []int
	for _, b := range loop.Blocks() {
		for i := b.Start; i < b.End; i++ {
			inst := g.Insts[i]
			if inst.Op != codegen.OpMov || len(inst.Operands) != 2 {
				continue
			}
			dst, src := inst.Operands[0], inst.Operands[1]
			if dst.Kind != codegen.OperandRegister || src.Kind != codegen.OperandImmediate {
				continue
			}
			if defsInLoop[dst.Reg] != 1 {
				continue
			}
			// A call inside the loop clobbers the caller-saved set on
			// every iteration; a load hoisted out would be stale.
			if callerSaved[dst.Reg] {
				continue
			}
			// A value already flowing into the loop through this register
			// would be clobbered by the hoisted load.
			if lv.LiveIn(loop.Header, dst.Reg) {
				continue
			}
			hoist = append(hoist, i)
		}
	}
	return hoist
}

// hoistBefore rebuilds the buffer with the instructions at the given
// indices moved to sit just before position at, then remaps labels so the
// loop-entry label lands after the hoisted code.
func hoistBefore(ctx *Context, at int, indices []int) error {
	insts := ctx.Buf.Snapshot()
	moved := make(map[int]bool, len(indices))
	for _, i := range indices {
		moved[i] = true
	}

	out := make([]*codegen.Instruction, 0, len(insts))
	mapping := make([]int, len(insts))
	for i := 0; i < at; i++ {
		mapping[i] = len(out)
		out = append(out, insts[i])
	}
	for _, i := range indices {
		out = append(out, insts[i])
	}
	for i := at; i < len(insts); i++ {
		if moved[i] {
			mapping[i] = -1
			continue
		}
		mapping[i] = len(out)
		out = append(out, insts[i])
	}
	// Labels on a moved instruction slide to the next survivor.
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
