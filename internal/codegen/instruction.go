package codegen

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Instruction model — flat machine-level instruction stream
//
// Instructions carry a variable-length operand slice.  The factory validates
// operand count and kinds against a per-opcode contract, so a malformed
// instruction never enters a buffer; the validator re-checks the same
// contract over whole buffers as a safety net.
// ---------------------------------------------------------------------------

// ---------------------------------------------------------------------------
// Operand kinds
// ---------------------------------------------------------------------------

// OperandKind describes what an instruction operand represents.
type OperandKind int

const (
	OperandNone      OperandKind = iota // unused slot
	OperandRegister                     // register id
	OperandImmediate                    // integer literal
	OperandMemory                       // [base + index*scale + disp]
	OperandLabel                        // label reference (branch/call target)
)

func (k OperandKind) String() string {
	switch k {
	case OperandNone:
		return "none"
	case OperandRegister:
		return "register"
	case OperandImmediate:
		return "immediate"
	case OperandMemory:
		return "memory"
	case OperandLabel:
		return "label"
	default:
		return "?"
	}
}

// Operand is a single value in an instruction.
type Operand struct {
	Kind OperandKind
	Reg  Register // OperandRegister
	Imm  int64    // OperandImmediate

	// Memory operand fields.
	Base  Register // base register
	Index Register // index register, RegNone when absent
	Scale int      // 1, 2, 4 or 8; meaningful only with an index
	Disp  int64    // constant displacement

	Label string // OperandLabel
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandNone:
		return "<none>"
	case OperandRegister:
		return fmt.Sprintf("r%d", o.Reg)
	case OperandImmediate:
		return fmt.Sprintf("$%d", o.Imm)
	case OperandLabel:
		return o.Label
	case OperandMemory:
		if o.Index != RegNone {
			return fmt.Sprintf("[r%d + r%d*%d + %d]", o.Base, o.Index, o.Scale, o.Disp)
		}
		if o.Disp != 0 {
			return fmt.Sprintf("[r%d + %d]", o.Base, o.Disp)
		}
		return fmt.Sprintf("[r%d]", o.Base)
	default:
		return "?"
	}
}

// Convenience constructors for operands.
func Reg(r Register) Operand      { return Operand{Kind: OperandRegister, Reg: r} }
func Imm(val int64) Operand       { return Operand{Kind: OperandImmediate, Imm: val} }
func LabelOp(name string) Operand { return Operand{Kind: OperandLabel, Label: name} }
func Mem(base Register, disp int64) Operand {
	return Operand{Kind: OperandMemory, Base: base, Index: RegNone, Disp: disp}
}
func MemIndexed(base, index Register, scale int, disp int64) Operand {
	return Operand{Kind: OperandMemory, Base: base, Index: index, Scale: scale, Disp: disp}
}

// validateMemory checks the scale constraint on memory operands.
func (o Operand) validateMemory() error {
	if o.Kind != OperandMemory {
		return nil
	}
	if o.Index != RegNone {
		switch o.Scale {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("%w: memory scale %d (want 1, 2, 4 or 8)", ErrInvalidInstruction, o.Scale)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Opcodes
// ---------------------------------------------------------------------------

// Opcode is a machine-level instruction opcode.
type Opcode int

const (
	// Data movement
	OpMov Opcode = iota
	OpLea
	OpPush
	OpPop

	// Integer arithmetic
	OpAdd
	OpSub
	OpImul
	OpIdiv
	OpNeg
	OpInc
	OpDec

	// Bitwise / logic
	OpAnd
	OpOr
	OpXor
	OpNot
	OpShl
	OpShr

	// Compare / test
	OpCmp
	OpTest

	// Condition materialization (dst = flag as 0/1)
	OpSete
	OpSetne
	OpSetl
	OpSetle
	OpSetg
	OpSetge

	// Control flow
	OpJmp
	OpJe
	OpJne
	OpJl
	OpJle
	OpJg
	OpJge
	OpJae
	OpJb
	OpCall
	OpRet
	OpCqo // sign-extend rax into rdx:rax before idiv

	// Floating point (scalar double)
	OpMovsd
	OpAddsd
	OpSubsd
	OpMulsd
	OpDivsd
	OpUcomisd
	OpCvtsi2sd

	// Pseudo
	OpNop
	OpComment   // emitted verbatim as a comment line
	OpDirective // emitted verbatim as an assembler directive

	opcodeCount
)

var opcodeNames = [...]string{
	OpMov: "mov", OpLea: "lea", OpPush: "push", OpPop: "pop",
	OpAdd: "add", OpSub: "sub", OpImul: "imul", OpIdiv: "idiv",
	OpNeg: "neg", OpInc: "inc", OpDec: "dec",
	OpAnd: "and", OpOr: "or", OpXor: "xor", OpNot: "not",
	OpShl: "shl", OpShr: "shr",
	OpCmp: "cmp", OpTest: "test",
	OpSete: "sete", OpSetne: "setne", OpSetl: "setl", OpSetle: "setle",
	OpSetg: "setg", OpSetge: "setge",
	OpJmp: "jmp", OpJe: "je", OpJne: "jne", OpJl: "jl", OpJle: "jle",
	OpJg: "jg", OpJge: "jge", OpJae: "jae", OpJb: "jb",
	OpCall: "call", OpRet: "ret", OpCqo: "cqo",
	OpMovsd: "movsd", OpAddsd: "addsd", OpSubsd: "subsd",
	OpMulsd: "mulsd", OpDivsd: "divsd", OpUcomisd: "ucomisd",
	OpCvtsi2sd: "cvtsi2sd",
	OpNop:      "nop",
	OpComment:  "#", OpDirective: ".",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) && opcodeNames[op] != "" {
		return opcodeNames[op]
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// IsJump reports whether the opcode transfers control to a label
// (conditionally or not).  CALL is excluded; it returns to the next
// instruction.
func (op Opcode) IsJump() bool {
	switch op {
	case OpJmp, OpJe, OpJne, OpJl, OpJle, OpJg, OpJge, OpJae, OpJb:
		return true
	}
	return false
}

// IsConditionalJump reports whether the opcode may fall through.
func (op Opcode) IsConditionalJump() bool {
	return op.IsJump() && op != OpJmp
}

// IsTerminator reports whether the opcode ends a basic block.
func (op Opcode) IsTerminator() bool {
	return op.IsJump() || op == OpRet
}

// ---------------------------------------------------------------------------
// Arity contract
// ---------------------------------------------------------------------------

// arity describes the operand contract for one opcode: how many operands it
// takes and which kinds each slot accepts.  Slot i checks against entry
// min(i, len(allowed)-1), so a single entry covers every slot.
type arity struct {
	min, max int
	allowed  [][]OperandKind
}

func kinds(ks ...OperandKind) []OperandKind { return ks }

var (
	anyValue = kinds(OperandRegister, OperandImmediate, OperandMemory)
	regOrMem = kinds(OperandRegister, OperandMemory)
	regOnly  = kinds(OperandRegister)
	immOnly  = kinds(OperandImmediate)
	labOnly  = kinds(OperandLabel)
	movSrc   = kinds(OperandRegister, OperandImmediate, OperandMemory, OperandLabel)
	addrSrc  = kinds(OperandMemory, OperandLabel)
)

func slots(ss ...[]OperandKind) [][]OperandKind { return ss }

// arityTable is the single source of truth for instruction shapes.  The
// factory enforces it on construction; ValidateInstructions re-checks it
// over whole buffers.  Destinations are registers or memory; only cmp and
// test accept an immediate in the first slot.
var arityTable = map[Opcode]arity{
	OpMov:  {2, 2, slots(regOrMem, movSrc)},
	OpLea:  {2, 2, slots(regOnly, addrSrc)},
	OpPush: {1, 1, slots(anyValue)},
	OpPop:  {1, 1, slots(regOrMem)},

	OpAdd:  {2, 2, slots(regOrMem, anyValue)},
	OpSub:  {2, 2, slots(regOrMem, anyValue)},
	OpImul: {2, 3, slots(regOnly, anyValue, immOnly)},
	OpIdiv: {1, 2, slots(regOrMem)},
	OpNeg:  {1, 1, slots(regOrMem)},
	OpInc:  {1, 1, slots(regOrMem)},
	OpDec:  {1, 1, slots(regOrMem)},

	OpAnd: {2, 2, slots(regOrMem, anyValue)},
	OpOr:  {2, 2, slots(regOrMem, anyValue)},
	OpXor: {2, 2, slots(regOrMem, anyValue)},
	OpNot: {1, 1, slots(regOrMem)},
	OpShl: {2, 2, slots(regOrMem, anyValue)},
	OpShr: {2, 2, slots(regOrMem, anyValue)},

	OpCmp:  {2, 2, slots(anyValue)},
	OpTest: {2, 2, slots(anyValue)},

	OpSete:  {1, 1, slots(regOnly)},
	OpSetne: {1, 1, slots(regOnly)},
	OpSetl:  {1, 1, slots(regOnly)},
	OpSetle: {1, 1, slots(regOnly)},
	OpSetg:  {1, 1, slots(regOnly)},
	OpSetge: {1, 1, slots(regOnly)},

	OpJmp:  {1, 1, slots(labOnly)},
	OpJe:   {1, 1, slots(labOnly)},
	OpJne:  {1, 1, slots(labOnly)},
	OpJl:   {1, 1, slots(labOnly)},
	OpJle:  {1, 1, slots(labOnly)},
	OpJg:   {1, 1, slots(labOnly)},
	OpJge:  {1, 1, slots(labOnly)},
	OpJae:  {1, 1, slots(labOnly)},
	OpJb:   {1, 1, slots(labOnly)},
	OpCall: {1, 1, slots(labOnly)},
	OpRet:  {0, 0, nil},
	OpCqo:  {0, 0, nil},

	OpMovsd:    {2, 2, slots(regOrMem)},
	OpAddsd:    {2, 2, slots(regOrMem)},
	OpSubsd:    {2, 2, slots(regOrMem)},
	OpMulsd:    {2, 2, slots(regOrMem)},
	OpDivsd:    {2, 2, slots(regOrMem)},
	OpUcomisd:  {2, 2, slots(regOrMem)},
	OpCvtsi2sd: {2, 2, slots(regOnly, regOrMem)},

	OpNop:       {0, 0, nil},
	OpComment:   {0, 0, nil},
	OpDirective: {0, 0, nil},
}

// ---------------------------------------------------------------------------
// Instruction
// ---------------------------------------------------------------------------

// Instruction is one entry in an instruction buffer.
type Instruction struct {
	Op       Opcode
	Operands []Operand
	Text     string // comment or directive text for the pseudo opcodes
}

// NewInstruction builds an instruction after checking the operand count and
// kinds against the opcode's contract.  Malformed combinations return
// ErrInvalidInstruction.
func NewInstruction(op Opcode, operands ...Operand) (*Instruction, error) {
	spec, ok := arityTable[op]
	if !ok {
		return nil, fmt.Errorf("%w: unknown opcode %d", ErrInvalidInstruction, int(op))
	}
	if op == OpComment || op == OpDirective {
		return nil, fmt.Errorf("%w: %s requires NewComment/NewDirective", ErrInvalidInstruction, op)
	}
	if len(operands) < spec.min || len(operands) > spec.max {
		return nil, fmt.Errorf("%w: %s takes %d-%d operands, got %d",
			ErrInvalidInstruction, op, spec.min, spec.max, len(operands))
	}
	memOperands := 0
	for i, o := range operands {
		if !kindAllowed(spec.allowed, i, o.Kind) {
			return nil, fmt.Errorf("%w: %s operand %d: kind %s not allowed",
				ErrInvalidInstruction, op, i, o.Kind)
		}
		if err := o.validateMemory(); err != nil {
			return nil, err
		}
		if o.Kind == OperandMemory {
			memOperands++
		}
	}
	// No instruction addresses two memory locations at once.
	if memOperands > 1 {
		return nil, fmt.Errorf("%w: %s takes at most one memory operand", ErrInvalidInstruction, op)
	}
	return &Instruction{Op: op, Operands: append([]Operand{}, operands...)}, nil
}

func kindAllowed(allowed [][]OperandKind, slot int, k OperandKind) bool {
	if len(allowed) == 0 {
		return false
	}
	if slot >= len(allowed) {
		slot = len(allowed) - 1
	}
	for _, a := range allowed[slot] {
		if a == k {
			return true
		}
	}
	return false
}

// MustInstruction is NewInstruction for statically-known-valid shapes; it
// panics on contract violations and is used only in tests and for fixed
// internal sequences.
func MustInstruction(op Opcode, operands ...Operand) *Instruction {
	inst, err := NewInstruction(op, operands...)
	if err != nil {
		panic(err)
	}
	return inst
}

// NewComment returns a comment pseudo-instruction.  Text must be non-empty.
func NewComment(text string) (*Instruction, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty comment", ErrInvalidInstruction)
	}
	return &Instruction{Op: OpComment, Text: text}, nil
}

// NewDirective returns a directive pseudo-instruction (e.g. ".globl main").
// Text must be non-empty.
func NewDirective(text string) (*Instruction, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty directive", ErrInvalidInstruction)
	}
	return &Instruction{Op: OpDirective, Text: text}, nil
}

// IsPseudo reports whether the instruction carries no machine semantics.
func (in *Instruction) IsPseudo() bool {
	return in.Op == OpComment || in.Op == OpDirective
}

// Validate re-checks the instruction against the arity contract.
func (in *Instruction) Validate() error {
	if in == nil {
		return fmt.Errorf("%w: nil instruction", ErrInvalidInstruction)
	}
	if in.IsPseudo() {
		if strings.TrimSpace(in.Text) == "" {
			return fmt.Errorf("%w: pseudo instruction with empty text", ErrInvalidInstruction)
		}
		return nil
	}
	spec, ok := arityTable[in.Op]
	if !ok {
		return fmt.Errorf("%w: unknown opcode %d", ErrInvalidInstruction, int(in.Op))
	}
	if len(in.Operands) < spec.min || len(in.Operands) > spec.max {
		return fmt.Errorf("%w: %s takes %d-%d operands, got %d",
			ErrInvalidInstruction, in.Op, spec.min, spec.max, len(in.Operands))
	}
	memOperands := 0
	for i, o := range in.Operands {
		if !kindAllowed(spec.allowed, i, o.Kind) {
			return fmt.Errorf("%w: %s operand %d: kind %s not allowed",
				ErrInvalidInstruction, in.Op, i, o.Kind)
		}
		if err := o.validateMemory(); err != nil {
			return err
		}
		if o.Kind == OperandMemory {
			memOperands++
		}
	}
	if memOperands > 1 {
		return fmt.Errorf("%w: %s takes at most one memory operand", ErrInvalidInstruction, in.Op)
	}
	return nil
}

// ByteSize estimates the encoded size of the instruction in bytes.  The
// estimate feeds the statistics counters and the jump-table density
// heuristic; it does not need to be encoder-exact.
func (in *Instruction) ByteSize() int {
	switch in.Op {
	case OpComment, OpDirective:
		return 0
	case OpNop:
		return 1
	case OpRet:
		return 1
	case OpPush, OpPop, OpInc, OpDec:
		return 2
	case OpJmp, OpJe, OpJne, OpJl, OpJle, OpJg, OpJge, OpJae, OpJb:
		return 5 // rel32 form
	case OpCall:
		return 5
	}
	size := 3 // opcode + modrm + rex, typical
	for _, o := range in.Operands {
		switch o.Kind {
		case OperandImmediate:
			if o.Imm >= -128 && o.Imm <= 127 {
				size++
			} else {
				size += 4
			}
		case OperandMemory:
			if o.Disp != 0 {
				size += 4
			}
			if o.Index != RegNone {
				size++ // SIB
			}
		}
	}
	return size
}

// Defs returns the register the instruction writes, or RegNone.
func (in *Instruction) Defs() Register {
	switch in.Op {
	case OpMov, OpLea, OpAdd, OpSub, OpImul, OpAnd, OpOr, OpXor,
		OpShl, OpShr, OpNeg, OpNot, OpInc, OpDec, OpPop,
		OpSete, OpSetne, OpSetl, OpSetle, OpSetg, OpSetge,
		OpMovsd, OpAddsd, OpSubsd, OpMulsd, OpDivsd, OpCvtsi2sd:
		if len(in.Operands) > 0 && in.Operands[0].Kind == OperandRegister {
			return in.Operands[0].Reg
		}
	}
	return RegNone
}

// Uses appends the registers the instruction reads to dst and returns it.
func (in *Instruction) Uses(dst []Register) []Register {
	// ret hands the function result back in register 0; every supported
	// ABI (SysV, MS x64, AAPCS64) returns in that encoding.
	if in.Op == OpRet {
		return append(dst, Register(0))
	}
	appendMem := func(o Operand) {
		if o.Base != RegNone {
			dst = append(dst, o.Base)
		}
		if o.Index != RegNone {
			dst = append(dst, o.Index)
		}
	}
	for i, o := range in.Operands {
		switch o.Kind {
		case OperandRegister:
			// The destination of a pure move is written, not read.
			// setcc is read-modify-write: it touches only the low byte,
			// so the zeroed upper bits of the destination are an input.
			if i == 0 && (in.Op == OpMov || in.Op == OpMovsd || in.Op == OpLea || in.Op == OpPop) {
				continue
			}
			dst = append(dst, o.Reg)
		case OperandMemory:
			appendMem(o)
		}
	}
	return dst
}

func (in *Instruction) String() string {
	if in.IsPseudo() {
		if in.Op == OpComment {
			return "# " + in.Text
		}
		return in.Text
	}
	if len(in.Operands) == 0 {
		return in.Op.String()
	}
	parts := make([]string, len(in.Operands))
	for i, o := range in.Operands {
		parts[i] = o.String()
	}
	return in.Op.String() + " " + strings.Join(parts, ", ")
}
