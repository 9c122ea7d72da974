package codegen

import (
	"fmt"
	"math"

	"github.com/asthra-lang/asthra-sub000/internal/ast"
)

// ---------------------------------------------------------------------------
// Expression generation
//
// genExpr returns the register holding the result; the caller frees it.
// Floating-point values travel through general-purpose registers as raw
// bit patterns and touch xmm0/xmm1 only around the actual FP operation.
// ---------------------------------------------------------------------------

const (
	xmm0 = XMMBase
	xmm1 = XMMBase + 1
)

func (g *Generator) genExpr(e ast.Expr) (Register, error) {
	switch e := e.(type) {
	case *ast.IntLit:
		return g.genImmediate(e.Value)
	case *ast.FloatLit:
		return g.genImmediate(int64(math.Float64bits(e.Value)))
	case *ast.BoolLit:
		v := int64(0)
		if e.Value {
			v = 1
		}
		return g.genImmediate(v)
	case *ast.Ident:
		slot, ok := g.locals[e.Name]
		if !ok {
			return RegNone, fmt.Errorf("%w: unknown identifier %q", ErrUnsupportedOperation, e.Name)
		}
		r, err := g.takeReg()
		if err != nil {
			return RegNone, err
		}
		if err := g.emit(OpMov, Reg(r), Mem(g.target.FramePtr, slot.offset)); err != nil {
			return RegNone, err
		}
		return r, nil
	case *ast.UnaryExpr:
		return g.genUnary(e)
	case *ast.BinaryExpr:
		return g.genBinary(e)
	case *ast.CallExpr:
		return g.genCall(e)
	default:
		return RegNone, fmt.Errorf("%w: expression %T", ErrUnsupportedOperation, e)
	}
}

func (g *Generator) genImmediate(v int64) (Register, error) {
	r, err := g.takeReg()
	if err != nil {
		return RegNone, err
	}
	if v == 0 {
		return r, g.emit(OpXor, Reg(r), Reg(r))
	}
	return r, g.emit(OpMov, Reg(r), Imm(v))
}

func (g *Generator) genUnary(e *ast.UnaryExpr) (Register, error) {
	r, err := g.genExpr(e.Operand)
	if err != nil {
		return RegNone, err
	}
	switch e.Op {
	case "-":
		return r, g.emit(OpNeg, Reg(r))
	case "!":
		return g.boolFromTest(r, OpSete)
	default:
		return RegNone, fmt.Errorf("%w: unary operator %q", ErrUnsupportedOperation, e.Op)
	}
}

// boolFromTest tests src against itself and materializes the flag through
// setcc into a freshly zeroed register.  src is freed.
func (g *Generator) boolFromTest(src Register, set Opcode) (Register, error) {
	d, err := g.takeReg()
	if err != nil {
		return RegNone, err
	}
	if err := g.emit(OpXor, Reg(d), Reg(d)); err != nil {
		return RegNone, err
	}
	if err := g.emit(OpTest, Reg(src), Reg(src)); err != nil {
		return RegNone, err
	}
	if err := g.emit(set, Reg(d)); err != nil {
		return RegNone, err
	}
	g.freeReg(src)
	return d, nil
}

func (g *Generator) genBinary(e *ast.BinaryExpr) (Register, error) {
	switch e.Op {
	case "&&", "||":
		return g.genLogical(e)
	}

	left, err := g.genExpr(e.Left)
	if err != nil {
		return RegNone, err
	}
	right, err := g.genExpr(e.Right)
	if err != nil {
		return RegNone, err
	}

	if e.Left.Type().IsFloat() || e.Right.Type().IsFloat() {
		return g.genFloatBinary(e, left, right)
	}

	switch e.Op {
	case "+":
		err = g.emit(OpAdd, Reg(left), Reg(right))
	case "-":
		err = g.emit(OpSub, Reg(left), Reg(right))
	case "*":
		err = g.emit(OpImul, Reg(left), Reg(right))
	case "/", "%":
		return g.genDivision(e.Op, left, right)
	case "==", "!=", "<", "<=", ">", ">=":
		return g.genComparison(e.Op, left, right)
	default:
		return RegNone, fmt.Errorf("%w: binary operator %q", ErrUnsupportedOperation, e.Op)
	}
	if err != nil {
		return RegNone, err
	}
	g.freeReg(right)
	return left, nil
}

// genDivision routes signed division through rax/rdx as the hardware
// demands: dividend in rax, cqo, idiv, quotient in rax, remainder in rdx.
func (g *Generator) genDivision(op string, left, right Register) (Register, error) {
	if g.target.Arch != Arch_x86_64 {
		// Non-x86 targets have a plain division instruction; the emitter
		// maps the two-operand idiv to sdiv/i64.div_s.  Remainder is
		// l - (l/r)*r through a temporary.
		if op == "/" {
			if err := g.emit(OpIdiv, Reg(left), Reg(right)); err != nil {
				return RegNone, err
			}
			g.freeReg(right)
			return left, nil
		}
		q, err := g.takeReg()
		if err != nil {
			return RegNone, err
		}
		if err := g.emit(OpMov, Reg(q), Reg(left)); err != nil {
			return RegNone, err
		}
		if err := g.emit(OpIdiv, Reg(q), Reg(right)); err != nil {
			return RegNone, err
		}
		if err := g.emit(OpImul, Reg(q), Reg(right)); err != nil {
			return RegNone, err
		}
		if err := g.emit(OpSub, Reg(left), Reg(q)); err != nil {
			return RegNone, err
		}
		g.freeReg(q)
		g.freeReg(right)
		return left, nil
	}

	raxBusy := g.alloc.InUse(RAX) && left != RAX && right != RAX
	rdxBusy := g.alloc.InUse(RDX) && left != RDX && right != RDX
	var raxSlot, rdxSlot int64
	if raxBusy {
		raxSlot = g.newSlot(8)
		if err := g.emit(OpMov, Mem(g.target.FramePtr, raxSlot), Reg(RAX)); err != nil {
			return RegNone, err
		}
	}
	if rdxBusy {
		rdxSlot = g.newSlot(8)
		if err := g.emit(OpMov, Mem(g.target.FramePtr, rdxSlot), Reg(RDX)); err != nil {
			return RegNone, err
		}
	}

	// The divisor must survive in a register that is neither rax nor rdx.
	divisor := right
	var divisorSlot int64 = 0
	spillDivisor := right == RAX || right == RDX
	if spillDivisor {
		divisorSlot = g.newSlot(8)
		if err := g.emit(OpMov, Mem(g.target.FramePtr, divisorSlot), Reg(right)); err != nil {
			return RegNone, err
		}
	}
	if left != RAX {
		if err := g.emit(OpMov, Reg(RAX), Reg(left)); err != nil {
			return RegNone, err
		}
	}
	if err := g.emit(OpCqo); err != nil {
		return RegNone, err
	}
	var err error
	if spillDivisor {
		err = g.emit(OpIdiv, Mem(g.target.FramePtr, divisorSlot))
	} else {
		err = g.emit(OpIdiv, Reg(divisor))
	}
	if err != nil {
		return RegNone, err
	}

	src := RAX
	if op == "%" {
		src = RDX
	}
	if left != src {
		if err := g.emit(OpMov, Reg(left), Reg(src)); err != nil {
			return RegNone, err
		}
	}

	if rdxBusy {
		if err := g.emit(OpMov, Reg(RDX), Mem(g.target.FramePtr, rdxSlot)); err != nil {
			return RegNone, err
		}
	}
	if raxBusy {
		if err := g.emit(OpMov, Reg(RAX), Mem(g.target.FramePtr, raxSlot)); err != nil {
			return RegNone, err
		}
	}
	g.freeReg(right)
	return left, nil
}

var comparisonSet = map[string]Opcode{
	"==": OpSete,
	"!=": OpSetne,
	"<":  OpSetl,
	"<=": OpSetle,
	">":  OpSetg,
	">=": OpSetge,
}

func (g *Generator) genComparison(op string, left, right Register) (Register, error) {
	set, ok := comparisonSet[op]
	if !ok {
		return RegNone, fmt.Errorf("%w: comparison %q", ErrUnsupportedOperation, op)
	}
	d, err := g.takeReg()
	if err != nil {
		return RegNone, err
	}
	if err := g.emit(OpXor, Reg(d), Reg(d)); err != nil {
		return RegNone, err
	}
	if err := g.emit(OpCmp, Reg(left), Reg(right)); err != nil {
		return RegNone, err
	}
	if err := g.emit(set, Reg(d)); err != nil {
		return RegNone, err
	}
	g.freeReg(right)
	g.freeReg(left)
	return d, nil
}

// genLogical lowers && and || without branches: both sides are normalized
// to 0/1 through test+setne, then combined with and/or.
func (g *Generator) genLogical(e *ast.BinaryExpr) (Register, error) {
	left, err := g.genExpr(e.Left)
	if err != nil {
		return RegNone, err
	}
	lb, err := g.boolFromTest(left, OpSetne)
	if err != nil {
		return RegNone, err
	}
	right, err := g.genExpr(e.Right)
	if err != nil {
		return RegNone, err
	}
	rb, err := g.boolFromTest(right, OpSetne)
	if err != nil {
		return RegNone, err
	}
	combine := OpAnd
	if e.Op == "||" {
		combine = OpOr
	}
	if err := g.emit(combine, Reg(lb), Reg(rb)); err != nil {
		return RegNone, err
	}
	g.freeReg(rb)
	return lb, nil
}

var floatOps = map[string]Opcode{
	"+": OpAddsd,
	"-": OpSubsd,
	"*": OpMulsd,
	"/": OpDivsd,
}

// genFloatBinary bounces the operands through frame slots into xmm0/xmm1,
// performs the scalar-double operation, and moves the result bits back to
// the integer register.  Integer operands in a mixed expression are
// converted with cvtsi2sd on the way in.
func (g *Generator) genFloatBinary(e *ast.BinaryExpr, left, right Register) (Register, error) {
	ls := g.newSlot(8)
	rs := g.newSlot(8)
	if err := g.emit(OpMov, Mem(g.target.FramePtr, ls), Reg(left)); err != nil {
		return RegNone, err
	}
	if err := g.emit(OpMov, Mem(g.target.FramePtr, rs), Reg(right)); err != nil {
		return RegNone, err
	}
	if err := g.loadFloat(xmm0, ls, e.Left.Type().IsFloat()); err != nil {
		return RegNone, err
	}
	if err := g.loadFloat(xmm1, rs, e.Right.Type().IsFloat()); err != nil {
		return RegNone, err
	}

	if op, ok := floatOps[e.Op]; ok {
		if err := g.emit(op, Reg(xmm0), Reg(xmm1)); err != nil {
			return RegNone, err
		}
		if err := g.emit(OpMovsd, Mem(g.target.FramePtr, ls), Reg(xmm0)); err != nil {
			return RegNone, err
		}
		if err := g.emit(OpMov, Reg(left), Mem(g.target.FramePtr, ls)); err != nil {
			return RegNone, err
		}
		g.freeReg(right)
		return left, nil
	}

	set, ok := comparisonSet[e.Op]
	if !ok {
		return RegNone, fmt.Errorf("%w: float operator %q", ErrUnsupportedOperation, e.Op)
	}
	d, err := g.takeReg()
	if err != nil {
		return RegNone, err
	}
	if err := g.emit(OpXor, Reg(d), Reg(d)); err != nil {
		return RegNone, err
	}
	if err := g.emit(OpUcomisd, Reg(xmm0), Reg(xmm1)); err != nil {
		return RegNone, err
	}
	if err := g.emit(set, Reg(d)); err != nil {
		return RegNone, err
	}
	g.freeReg(right)
	g.freeReg(left)
	return d, nil
}

// loadFloat brings a slot's value into an xmm register, converting from
// integer when the source type is not already floating point.
func (g *Generator) loadFloat(x Register, slot int64, isFloat bool) error {
	if isFloat {
		return g.emit(OpMovsd, Reg(x), Mem(g.target.FramePtr, slot))
	}
	return g.emit(OpCvtsi2sd, Reg(x), Mem(g.target.FramePtr, slot))
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// genCall places arguments per the calling convention and emits the call.
// Live caller-saved temporaries are pushed around the call; arguments are
// staged in frame slots first so evaluating one argument cannot clobber
// another's register.
func (g *Generator) genCall(e *ast.CallExpr) (Register, error) {
	if g.target.CallConv == CallConvWASM {
		return g.genCallWASM(e)
	}
	if len(e.Args) > len(g.target.ArgRegs)+16 {
		return RegNone, fmt.Errorf("%w: %d arguments to %s", ErrABIViolation, len(e.Args), e.Callee)
	}

	// Stage arguments in frame slots, left to right.
	slots := make([]int64, len(e.Args))
	for i, a := range e.Args {
		r, err := g.genExpr(a)
		if err != nil {
			return RegNone, err
		}
		slots[i] = g.newSlot(8)
		if err := g.emit(OpMov, Mem(g.target.FramePtr, slots[i]), Reg(r)); err != nil {
			return RegNone, err
		}
		g.freeReg(r)
	}

	// Preserve live caller-saved temporaries.
	var saved []Register
	for _, r := range g.target.CallerSaved {
		if g.alloc.InUse(r) {
			saved = append(saved, r)
		}
	}
	pushes := len(saved)
	nStack := len(e.Args) - len(g.target.ArgRegs)
	if nStack < 0 {
		nStack = 0
	}
	// Keep the stack 16-byte aligned at the call.
	pad := (pushes+nStack)%2 != 0
	for _, r := range saved {
		if err := g.emit(OpPush, Reg(r)); err != nil {
			return RegNone, err
		}
	}
	if pad {
		if err := g.emit(OpSub, Reg(g.target.StackPtr), Imm(8)); err != nil {
			return RegNone, err
		}
	}

	// Stack arguments, rightmost pushed first.
	for i := len(e.Args) - 1; i >= len(g.target.ArgRegs); i-- {
		if err := g.emit(OpPush, Mem(g.target.FramePtr, slots[i])); err != nil {
			return RegNone, err
		}
	}
	// Register arguments.
	for i := 0; i < len(e.Args) && i < len(g.target.ArgRegs); i++ {
		if err := g.emit(OpMov, Reg(g.target.ArgRegs[i]), Mem(g.target.FramePtr, slots[i])); err != nil {
			return RegNone, err
		}
	}
	if g.target.ShadowSpace > 0 {
		if err := g.emit(OpSub, Reg(g.target.StackPtr), Imm(int64(g.target.ShadowSpace))); err != nil {
			return RegNone, err
		}
	}

	if err := g.emit(OpCall, LabelOp(g.target.Sym(e.Callee))); err != nil {
		return RegNone, err
	}

	cleanup := int64(g.target.ShadowSpace) + int64(nStack)*8
	if pad {
		cleanup += 8
	}
	if cleanup > 0 {
		if err := g.emit(OpAdd, Reg(g.target.StackPtr), Imm(cleanup)); err != nil {
			return RegNone, err
		}
	}

	// Move the result out of the return register before restoring saved
	// temporaries, which may include the return register itself.
	var result Register
	if e.Type() != nil && e.Type().IsVoid() {
		result = RegNone
	} else {
		r, err := g.takeReg()
		if err != nil {
			return RegNone, err
		}
		if r != g.target.ReturnReg {
			if err := g.emit(OpMov, Reg(r), Reg(g.target.ReturnReg)); err != nil {
				return RegNone, err
			}
		}
		result = r
	}

	for i := len(saved) - 1; i >= 0; i-- {
		if err := g.emit(OpPop, Reg(saved[i])); err != nil {
			return RegNone, err
		}
	}
	return result, nil
}

// genCallWASM keeps the staged-slot discipline but leaves argument passing
// to the text emitter, which turns the preceding slot moves into local.get
// sequences.
func (g *Generator) genCallWASM(e *ast.CallExpr) (Register, error) {
	for _, a := range e.Args {
		r, err := g.genExpr(a)
		if err != nil {
			return RegNone, err
		}
		if err := g.emit(OpPush, Reg(r)); err != nil {
			return RegNone, err
		}
		g.freeReg(r)
	}
	if err := g.emit(OpCall, LabelOp(e.Callee)); err != nil {
		return RegNone, err
	}
	if e.Type() != nil && e.Type().IsVoid() {
		return RegNone, nil
	}
	r, err := g.takeReg()
	if err != nil {
		return RegNone, err
	}
	return r, g.emit(OpPop, Reg(r))
}
