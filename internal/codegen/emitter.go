package codegen

import (
	"fmt"
	"os"
	"strings"
)

// ---------------------------------------------------------------------------
// Assembly emitter — instruction buffer to textual assembly
//
// The buffer stores Intel operand order (destination first).  The AT&T
// renderer reverses operands and decorates registers and immediates; the
// AArch64 renderer maps the two-operand stream onto three-operand
// mnemonics; the WAT renderer prints a flat folded-expression listing with
// labels as comments, a textual surface for inspection rather than a
// runnable module.
//
// Output is deterministic: the same buffer and label set always produce
// byte-identical text.
// ---------------------------------------------------------------------------

// Emitter renders buffers for one target.
type Emitter struct {
	target *Target
}

// NewEmitter returns an emitter for the target.
func NewEmitter(target *Target) *Emitter {
	return &Emitter{target: target}
}

// Prelude returns the file header placed once before all functions.
func (e *Emitter) Prelude() string {
	switch e.target.Arch {
	case Arch_WASM32:
		return "(module\n"
	default:
		var b strings.Builder
		if e.target.Dialect == DialectIntel {
			b.WriteString("section .text\n")
		} else {
			b.WriteString(".text\n")
		}
		return b.String()
	}
}

// Postlude returns the file trailer.
func (e *Emitter) Postlude() string {
	if e.target.Arch == Arch_WASM32 {
		return ")\n"
	}
	return ""
}

// EmitFunction renders one function's buffer.  The buffer must be
// non-empty and every jump target must be defined.
func (e *Emitter) EmitFunction(name string, buf *Buffer, labels *LabelManager) (string, error) {
	if buf.Len() == 0 {
		return "", fmt.Errorf("%s: %w", name, ErrEmptyBuffer)
	}
	if err := ValidateLabels(buf, labels); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}

	insts := buf.Snapshot()
	byIndex := labels.DefinedByIndex()
	sym := e.target.Sym(name)

	var b strings.Builder
	e.writeFunctionHeader(&b, sym)
	for i, inst := range insts {
		e.writeLabels(&b, byIndex[i], sym)
		if err := e.writeInstruction(&b, inst); err != nil {
			return "", fmt.Errorf("%s: instruction %d: %w", name, i, err)
		}
	}
	e.writeLabels(&b, byIndex[len(insts)], sym)
	e.writeFunctionFooter(&b)
	return b.String(), nil
}

// EmitToFile renders the prelude, all functions in order, and the postlude
// into one file.
func (e *Emitter) EmitToFile(path string, rendered []string) error {
	var b strings.Builder
	b.WriteString(e.Prelude())
	for _, text := range rendered {
		b.WriteString(text)
		b.WriteString("\n")
	}
	b.WriteString(e.Postlude())
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func (e *Emitter) writeFunctionHeader(b *strings.Builder, sym string) {
	switch e.target.Arch {
	case Arch_WASM32:
		fmt.Fprintf(b, "  (func $%s\n", sym)
	default:
		if e.target.Dialect == DialectIntel {
			fmt.Fprintf(b, "global %s\n", sym)
		} else {
			fmt.Fprintf(b, ".globl %s\n", sym)
		}
	}
}

func (e *Emitter) writeFunctionFooter(b *strings.Builder) {
	if e.target.Arch == Arch_WASM32 {
		b.WriteString("  )\n")
	}
}

// writeLabels prints the labels bound to one instruction index.  The
// function-entry label prints without indentation; in WAT everything is a
// comment.
func (e *Emitter) writeLabels(b *strings.Builder, ls []*Label, sym string) {
	for _, l := range ls {
		if e.target.Arch == Arch_WASM32 {
			fmt.Fprintf(b, "    ;; %s:\n", l.Name)
			continue
		}
		fmt.Fprintf(b, "%s:\n", l.Name)
	}
	_ = sym
}

func (e *Emitter) writeInstruction(b *strings.Builder, inst *Instruction) error {
	switch inst.Op {
	case OpComment:
		e.writeComment(b, inst.Text)
		return nil
	case OpDirective:
		if e.target.Arch == Arch_WASM32 {
			e.writeComment(b, inst.Text)
			return nil
		}
		fmt.Fprintf(b, "\t%s\n", inst.Text)
		return nil
	}
	switch e.target.Arch {
	case Arch_x86_64:
		if e.target.Dialect == DialectIntel {
			return e.writeIntel(b, inst)
		}
		return e.writeATT(b, inst)
	case Arch_ARM64:
		return e.writeARM64(b, inst)
	case Arch_WASM32:
		return e.writeWAT(b, inst)
	}
	return fmt.Errorf("%w: no renderer for %s", ErrUnsupportedOperation, e.target.Arch)
}

func (e *Emitter) writeComment(b *strings.Builder, text string) {
	switch {
	case e.target.Arch == Arch_WASM32:
		fmt.Fprintf(b, "    ;; %s\n", text)
	case e.target.Dialect == DialectIntel:
		fmt.Fprintf(b, "\t; %s\n", text)
	default:
		fmt.Fprintf(b, "\t# %s\n", text)
	}
}

// ---------------------------------------------------------------------------
// x86-64, AT&T syntax
// ---------------------------------------------------------------------------

var x86ByteNames = [16]string{
	"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil",
	"r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b",
}

func isSetcc(op Opcode) bool {
	switch op {
	case OpSete, OpSetne, OpSetl, OpSetle, OpSetg, OpSetge:
		return true
	}
	return false
}

func isFloatOp(op Opcode) bool {
	switch op {
	case OpMovsd, OpAddsd, OpSubsd, OpMulsd, OpDivsd, OpUcomisd, OpCvtsi2sd:
		return true
	}
	return false
}

func (e *Emitter) attOperand(o Operand, byteReg bool) string {
	switch o.Kind {
	case OperandRegister:
		if byteReg && int(o.Reg) < len(x86ByteNames) {
			return "%" + x86ByteNames[o.Reg]
		}
		return "%" + e.target.RegisterName(o.Reg)
	case OperandImmediate:
		return fmt.Sprintf("$%d", o.Imm)
	case OperandLabel:
		return o.Label
	case OperandMemory:
		base := "%" + e.target.RegisterName(o.Base)
		if o.Index != RegNone {
			return fmt.Sprintf("%d(%s,%%%s,%d)", o.Disp, base, e.target.RegisterName(o.Index), o.Scale)
		}
		if o.Disp != 0 {
			return fmt.Sprintf("%d(%s)", o.Disp, base)
		}
		return fmt.Sprintf("(%s)", base)
	}
	return "?"
}

var attMnemonics = map[Opcode]string{
	OpMov: "movq", OpLea: "leaq", OpPush: "pushq", OpPop: "popq",
	OpAdd: "addq", OpSub: "subq", OpImul: "imulq", OpIdiv: "idivq",
	OpNeg: "negq", OpInc: "incq", OpDec: "decq",
	OpAnd: "andq", OpOr: "orq", OpXor: "xorq", OpNot: "notq",
	OpShl: "shlq", OpShr: "shrq",
	OpCmp: "cmpq", OpTest: "testq",
	OpCqo:      "cqto",
	OpCvtsi2sd: "cvtsi2sdq",
}

func (e *Emitter) writeATT(b *strings.Builder, inst *Instruction) error {
	mnem, ok := attMnemonics[inst.Op]
	if !ok {
		mnem = inst.Op.String() // jumps, setcc, ret, nop, FP ops keep their names
	}
	switch len(inst.Operands) {
	case 0:
		fmt.Fprintf(b, "\t%s\n", mnem)
	case 1:
		fmt.Fprintf(b, "\t%s %s\n", mnem, e.attOperand(inst.Operands[0], isSetcc(inst.Op)))
	case 2:
		// AT&T order is source, destination.
		fmt.Fprintf(b, "\t%s %s, %s\n", mnem,
			e.attOperand(inst.Operands[1], false),
			e.attOperand(inst.Operands[0], false))
	case 3:
		fmt.Fprintf(b, "\t%s %s, %s, %s\n", mnem,
			e.attOperand(inst.Operands[2], false),
			e.attOperand(inst.Operands[1], false),
			e.attOperand(inst.Operands[0], false))
	}
	return nil
}

// ---------------------------------------------------------------------------
// x86-64, Intel syntax
// ---------------------------------------------------------------------------

func (e *Emitter) intelOperand(o Operand, byteReg bool) string {
	switch o.Kind {
	case OperandRegister:
		if byteReg && int(o.Reg) < len(x86ByteNames) {
			return x86ByteNames[o.Reg]
		}
		return e.target.RegisterName(o.Reg)
	case OperandImmediate:
		return fmt.Sprintf("%d", o.Imm)
	case OperandLabel:
		return o.Label
	case OperandMemory:
		var inner string
		base := e.target.RegisterName(o.Base)
		if o.Index != RegNone {
			inner = fmt.Sprintf("%s + %s*%d", base, e.target.RegisterName(o.Index), o.Scale)
		} else {
			inner = base
		}
		if o.Disp > 0 {
			inner += fmt.Sprintf(" + %d", o.Disp)
		} else if o.Disp < 0 {
			inner += fmt.Sprintf(" - %d", -o.Disp)
		}
		return fmt.Sprintf("qword [%s]", inner)
	}
	return "?"
}

func (e *Emitter) writeIntel(b *strings.Builder, inst *Instruction) error {
	mnem := inst.Op.String()
	parts := make([]string, len(inst.Operands))
	for i, o := range inst.Operands {
		parts[i] = e.intelOperand(o, isSetcc(inst.Op))
	}
	if len(parts) == 0 {
		fmt.Fprintf(b, "\t%s\n", mnem)
	} else {
		fmt.Fprintf(b, "\t%s %s\n", mnem, strings.Join(parts, ", "))
	}
	return nil
}

// ---------------------------------------------------------------------------
// AArch64
// ---------------------------------------------------------------------------

// arm64Scratch is the intra-call scratch register used when a two-operand
// x86 shape needs an extra temporary on ARM.
const arm64Scratch = "x16"

func arm64FloatReg(r Register) string {
	if r >= XMMBase {
		return fmt.Sprintf("d%d", r-XMMBase)
	}
	return fmt.Sprintf("d%d", r)
}

func (e *Emitter) armReg(o Operand) string {
	return e.target.RegisterName(o.Reg)
}

func (e *Emitter) armMem(o Operand) string {
	return fmt.Sprintf("[%s, #%d]", e.target.RegisterName(o.Base), o.Disp)
}

var arm64Branches = map[Opcode]string{
	OpJmp: "b", OpJe: "b.eq", OpJne: "b.ne", OpJl: "b.lt", OpJle: "b.le",
	OpJg: "b.gt", OpJge: "b.ge", OpJae: "b.hs", OpJb: "b.lo",
}

var arm64Conds = map[Opcode]string{
	OpSete: "eq", OpSetne: "ne", OpSetl: "lt", OpSetle: "le",
	OpSetg: "gt", OpSetge: "ge",
}

var arm64ThreeOp = map[Opcode]string{
	OpAdd: "add", OpSub: "sub", OpImul: "mul", OpIdiv: "sdiv",
	OpAnd: "and", OpOr: "orr", OpXor: "eor", OpShl: "lsl", OpShr: "lsr",
}

var arm64FloatThreeOp = map[Opcode]string{
	OpAddsd: "fadd", OpSubsd: "fsub", OpMulsd: "fmul", OpDivsd: "fdiv",
}

func (e *Emitter) writeARM64(b *strings.Builder, inst *Instruction) error {
	ops := inst.Operands
	switch inst.Op {
	case OpNop, OpCqo:
		fmt.Fprintf(b, "\tnop\n")
	case OpRet:
		fmt.Fprintf(b, "\tret\n")
	case OpCall:
		fmt.Fprintf(b, "\tbl %s\n", ops[0].Label)
	case OpJmp, OpJe, OpJne, OpJl, OpJle, OpJg, OpJge, OpJae, OpJb:
		fmt.Fprintf(b, "\t%s %s\n", arm64Branches[inst.Op], ops[0].Label)
	case OpPush:
		if ops[0].Kind == OperandMemory {
			fmt.Fprintf(b, "\tldr %s, %s\n", arm64Scratch, e.armMem(ops[0]))
			fmt.Fprintf(b, "\tstr %s, [sp, #-16]!\n", arm64Scratch)
		} else {
			fmt.Fprintf(b, "\tstr %s, [sp, #-16]!\n", e.armReg(ops[0]))
		}
	case OpPop:
		fmt.Fprintf(b, "\tldr %s, [sp], #16\n", e.armReg(ops[0]))
	case OpMov:
		return e.writeARM64Mov(b, ops)
	case OpLea:
		switch ops[1].Kind {
		case OperandMemory:
			fmt.Fprintf(b, "\tadd %s, %s, #%d\n", e.armReg(ops[0]),
				e.target.RegisterName(ops[1].Base), ops[1].Disp)
		case OperandLabel:
			fmt.Fprintf(b, "\tadr %s, %s\n", e.armReg(ops[0]), ops[1].Label)
		}
	case OpNeg:
		fmt.Fprintf(b, "\tneg %s, %s\n", e.armReg(ops[0]), e.armReg(ops[0]))
	case OpNot:
		fmt.Fprintf(b, "\tmvn %s, %s\n", e.armReg(ops[0]), e.armReg(ops[0]))
	case OpInc, OpDec:
		op := "add"
		if inst.Op == OpDec {
			op = "sub"
		}
		if ops[0].Kind == OperandMemory {
			fmt.Fprintf(b, "\tldr %s, %s\n", arm64Scratch, e.armMem(ops[0]))
			fmt.Fprintf(b, "\t%s %s, %s, #1\n", op, arm64Scratch, arm64Scratch)
			fmt.Fprintf(b, "\tstr %s, %s\n", arm64Scratch, e.armMem(ops[0]))
		} else {
			fmt.Fprintf(b, "\t%s %s, %s, #1\n", op, e.armReg(ops[0]), e.armReg(ops[0]))
		}
	case OpCmp:
		fmt.Fprintf(b, "\tcmp %s, %s\n", e.armReg(ops[0]), e.armValue(b, ops[1]))
	case OpTest:
		fmt.Fprintf(b, "\ttst %s, %s\n", e.armReg(ops[0]), e.armReg(ops[1]))
	case OpSete, OpSetne, OpSetl, OpSetle, OpSetg, OpSetge:
		fmt.Fprintf(b, "\tcset %s, %s\n", e.armReg(ops[0]), arm64Conds[inst.Op])
	case OpAdd, OpSub, OpImul, OpIdiv, OpAnd, OpOr, OpXor, OpShl, OpShr:
		if inst.Op == OpXor && ops[1].Kind == OperandRegister && ops[0].Reg == ops[1].Reg {
			fmt.Fprintf(b, "\tmov %s, xzr\n", e.armReg(ops[0]))
			return nil
		}
		fmt.Fprintf(b, "\t%s %s, %s, %s\n", arm64ThreeOp[inst.Op],
			e.armReg(ops[0]), e.armReg(ops[0]), e.armValue(b, ops[1]))
	case OpMovsd:
		return e.writeARM64FloatMov(b, ops)
	case OpAddsd, OpSubsd, OpMulsd, OpDivsd:
		fmt.Fprintf(b, "\t%s %s, %s, %s\n", arm64FloatThreeOp[inst.Op],
			arm64FloatReg(ops[0].Reg), arm64FloatReg(ops[0].Reg), arm64FloatReg(ops[1].Reg))
	case OpUcomisd:
		fmt.Fprintf(b, "\tfcmp %s, %s\n", arm64FloatReg(ops[0].Reg), arm64FloatReg(ops[1].Reg))
	case OpCvtsi2sd:
		if ops[1].Kind == OperandMemory {
			fmt.Fprintf(b, "\tldr %s, %s\n", arm64Scratch, e.armMem(ops[1]))
			fmt.Fprintf(b, "\tscvtf %s, %s\n", arm64FloatReg(ops[0].Reg), arm64Scratch)
		} else {
			fmt.Fprintf(b, "\tscvtf %s, %s\n", arm64FloatReg(ops[0].Reg), e.armReg(ops[1]))
		}
	default:
		return fmt.Errorf("%w: %s on arm64", ErrUnsupportedOperation, inst.Op)
	}
	return nil
}

// armValue renders a register or immediate source.  Immediates outside the
// 12-bit arithmetic range go through the scratch register.
func (e *Emitter) armValue(b *strings.Builder, o Operand) string {
	if o.Kind == OperandImmediate {
		if o.Imm >= 0 && o.Imm < 4096 {
			return fmt.Sprintf("#%d", o.Imm)
		}
		fmt.Fprintf(b, "\tldr %s, =%d\n", arm64Scratch, o.Imm)
		return arm64Scratch
	}
	return e.target.RegisterName(o.Reg)
}

func (e *Emitter) writeARM64Mov(b *strings.Builder, ops []Operand) error {
	dst, src := ops[0], ops[1]
	switch {
	case dst.Kind == OperandRegister && src.Kind == OperandRegister:
		fmt.Fprintf(b, "\tmov %s, %s\n", e.armReg(dst), e.armReg(src))
	case dst.Kind == OperandRegister && src.Kind == OperandImmediate:
		if src.Imm >= 0 && src.Imm < 65536 {
			fmt.Fprintf(b, "\tmov %s, #%d\n", e.armReg(dst), src.Imm)
		} else {
			fmt.Fprintf(b, "\tldr %s, =%d\n", e.armReg(dst), src.Imm)
		}
	case dst.Kind == OperandRegister && src.Kind == OperandMemory:
		fmt.Fprintf(b, "\tldr %s, %s\n", e.armReg(dst), e.armMem(src))
	case dst.Kind == OperandMemory && src.Kind == OperandRegister:
		fmt.Fprintf(b, "\tstr %s, %s\n", e.armReg(src), e.armMem(dst))
	case dst.Kind == OperandMemory && src.Kind == OperandImmediate:
		fmt.Fprintf(b, "\tldr %s, =%d\n", arm64Scratch, src.Imm)
		fmt.Fprintf(b, "\tstr %s, %s\n", arm64Scratch, e.armMem(dst))
	default:
		return fmt.Errorf("%w: mov %s, %s on arm64", ErrUnsupportedOperation, dst.Kind, src.Kind)
	}
	return nil
}

func (e *Emitter) writeARM64FloatMov(b *strings.Builder, ops []Operand) error {
	dst, src := ops[0], ops[1]
	switch {
	case dst.Kind == OperandRegister && src.Kind == OperandMemory:
		fmt.Fprintf(b, "\tldr %s, %s\n", arm64FloatReg(dst.Reg), e.armMem(src))
	case dst.Kind == OperandMemory && src.Kind == OperandRegister:
		fmt.Fprintf(b, "\tstr %s, %s\n", arm64FloatReg(src.Reg), e.armMem(dst))
	default:
		fmt.Fprintf(b, "\tfmov %s, %s\n", arm64FloatReg(dst.Reg), arm64FloatReg(src.Reg))
	}
	return nil
}

// ---------------------------------------------------------------------------
// WebAssembly text
// ---------------------------------------------------------------------------

var watBinOps = map[Opcode]string{
	OpAdd: "i64.add", OpSub: "i64.sub", OpImul: "i64.mul", OpIdiv: "i64.div_s",
	OpAnd: "i64.and", OpOr: "i64.or", OpXor: "i64.xor",
	OpShl: "i64.shl", OpShr: "i64.shr_u",
}

var watCmpOps = map[Opcode]string{
	OpSete: "i64.eq", OpSetne: "i64.ne", OpSetl: "i64.lt_s",
	OpSetle: "i64.le_s", OpSetg: "i64.gt_s", OpSetge: "i64.ge_s",
}

func watLocal(r Register) string { return fmt.Sprintf("$r%d", r) }

func (e *Emitter) watValue(o Operand) string {
	switch o.Kind {
	case OperandRegister:
		return fmt.Sprintf("(local.get %s)", watLocal(o.Reg))
	case OperandImmediate:
		return fmt.Sprintf("(i64.const %d)", o.Imm)
	case OperandMemory:
		return fmt.Sprintf("(i64.load (i32.add (global.get $fp) (i32.const %d)))", o.Disp)
	}
	return ";; ?"
}

// writeWAT renders the subset of the stream that maps onto folded WAT
// expressions; shapes with no stack-machine analog print as comments so
// the listing stays total and deterministic.
func (e *Emitter) writeWAT(b *strings.Builder, inst *Instruction) error {
	ops := inst.Operands
	switch inst.Op {
	case OpMov:
		if ops[0].Kind == OperandMemory {
			fmt.Fprintf(b, "    (i64.store (i32.add (global.get $fp) (i32.const %d)) %s)\n",
				ops[0].Disp, e.watValue(ops[1]))
		} else {
			fmt.Fprintf(b, "    (local.set %s %s)\n", watLocal(ops[0].Reg), e.watValue(ops[1]))
		}
	case OpAdd, OpSub, OpImul, OpIdiv, OpAnd, OpOr, OpXor, OpShl, OpShr:
		if ops[0].Kind != OperandRegister {
			fmt.Fprintf(b, "    ;; %s\n", inst)
			return nil
		}
		fmt.Fprintf(b, "    (local.set %s (%s (local.get %s) %s))\n",
			watLocal(ops[0].Reg), watBinOps[inst.Op], watLocal(ops[0].Reg), e.watValue(ops[1]))
	case OpCall:
		fmt.Fprintf(b, "    (call $%s)\n", ops[0].Label)
	case OpRet:
		fmt.Fprintf(b, "    (return)\n")
	case OpJmp, OpJe, OpJne, OpJl, OpJle, OpJg, OpJge, OpJae, OpJb:
		fmt.Fprintf(b, "    ;; br %s (%s)\n", ops[0].Label, inst.Op)
	case OpNop:
		fmt.Fprintf(b, "    (nop)\n")
	default:
		fmt.Fprintf(b, "    ;; %s\n", inst)
	}
	return nil
}
