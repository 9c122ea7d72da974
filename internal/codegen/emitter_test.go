package codegen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// smallFunc builds a buffer and labels for: entry label, mov rax <- imm,
// add rax <- rcx, conditional skip, ret.
func smallFunc(t *testing.T) (*Buffer, *LabelManager) {
	t.Helper()
	buf := NewBuffer(8)
	labels := NewLabelManager()

	entry, err := labels.Named("f", LabelFunction)
	require.NoError(t, err)
	require.NoError(t, labels.Define(entry, 0))
	skip := labels.Fresh("skip", LabelBranch)

	for _, inst := range []*Instruction{
		MustInstruction(OpMov, Reg(RAX), Imm(7)),
		MustInstruction(OpAdd, Reg(RAX), Reg(RCX)),
		MustInstruction(OpJe, LabelOp(skip.Name)),
		MustInstruction(OpMov, Reg(RAX), Mem(RBP, -8)),
	} {
		_, err := buf.Append(inst)
		require.NoError(t, err)
	}
	require.NoError(t, labels.Define(skip, buf.Len()))
	_, err = buf.Append(MustInstruction(OpRet))
	require.NoError(t, err)
	return buf, labels
}

func TestEmitATT(t *testing.T) {
	tgt, _ := ResolveTarget("linux", "amd64")
	buf, labels := smallFunc(t)
	text, err := NewEmitter(tgt).EmitFunction("f", buf, labels)
	require.NoError(t, err)

	// AT&T reverses to source, destination and decorates operands.
	require.Contains(t, text, ".globl f")
	require.Contains(t, text, "f:")
	require.Contains(t, text, "movq $7, %rax")
	require.Contains(t, text, "addq %rcx, %rax")
	require.Contains(t, text, "movq -8(%rbp), %rax")
	require.Contains(t, text, "ret")
	// The skip label prints before the ret it is bound to.
	retLine := strings.Index(text, "\tret")
	skipLine := strings.Index(text, "skip_1:")
	require.Greater(t, retLine, skipLine)
}

func TestEmitIntel(t *testing.T) {
	tgt, _ := ResolveTarget("windows", "amd64")
	buf, labels := smallFunc(t)
	text, err := NewEmitter(tgt).EmitFunction("f", buf, labels)
	require.NoError(t, err)

	require.Contains(t, text, "global f")
	require.Contains(t, text, "mov rax, 7")
	require.Contains(t, text, "add rax, rcx")
	require.Contains(t, text, "mov rax, qword [rbp - 8]")
}

func TestEmitARM64(t *testing.T) {
	tgt, _ := ResolveTarget("linux", "arm64")
	buf := NewBuffer(4)
	labels := NewLabelManager()
	entry, _ := labels.Named("f", LabelFunction)
	require.NoError(t, labels.Define(entry, 0))
	_, _ = buf.Append(MustInstruction(OpMov, Reg(0), Imm(7)))
	_, _ = buf.Append(MustInstruction(OpAdd, Reg(0), Reg(1)))
	_, _ = buf.Append(MustInstruction(OpXor, Reg(2), Reg(2)))
	_, _ = buf.Append(MustInstruction(OpRet))

	text, err := NewEmitter(tgt).EmitFunction("f", buf, labels)
	require.NoError(t, err)
	require.Contains(t, text, "mov x0, #7")
	require.Contains(t, text, "add x0, x0, x1")
	require.Contains(t, text, "mov x2, xzr", "xor self becomes a zero move")
	require.Contains(t, text, "ret")
}

func TestEmitWAT(t *testing.T) {
	tgt, _ := ResolveTarget("linux", "wasm32")
	buf := NewBuffer(4)
	labels := NewLabelManager()
	entry, _ := labels.Named("f", LabelFunction)
	require.NoError(t, labels.Define(entry, 0))
	_, _ = buf.Append(MustInstruction(OpMov, Reg(3), Imm(7)))
	_, _ = buf.Append(MustInstruction(OpAdd, Reg(3), Reg(4)))
	_, _ = buf.Append(MustInstruction(OpRet))

	e := NewEmitter(tgt)
	text, err := e.EmitFunction("f", buf, labels)
	require.NoError(t, err)
	require.Contains(t, text, "(func $f")
	require.Contains(t, text, "(local.set $r3 (i64.const 7))")
	require.Contains(t, text, "i64.add")
	require.Contains(t, text, "(return)")
	require.Equal(t, "(module\n", e.Prelude())
	require.Equal(t, ")\n", e.Postlude())
}

func TestEmitEmptyBuffer(t *testing.T) {
	tgt, _ := ResolveTarget("linux", "amd64")
	_, err := NewEmitter(tgt).EmitFunction("f", NewBuffer(0), NewLabelManager())
	require.ErrorIs(t, err, ErrEmptyBuffer)
}

func TestEmitUndefinedJumpTarget(t *testing.T) {
	tgt, _ := ResolveTarget("linux", "amd64")
	buf := NewBuffer(1)
	_, _ = buf.Append(MustInstruction(OpJmp, LabelOp("nowhere")))
	_, err := NewEmitter(tgt).EmitFunction("f", buf, NewLabelManager())
	require.ErrorIs(t, err, ErrLabelNotFound)
}

// Calls may target external symbols, so only jumps require defined labels.
func TestValidateLabelsSkipsCalls(t *testing.T) {
	buf := NewBuffer(2)
	_, _ = buf.Append(MustInstruction(OpCall, LabelOp("printf")))
	_, _ = buf.Append(MustInstruction(OpRet))
	require.NoError(t, ValidateLabels(buf, NewLabelManager()))
}

func TestEmissionIsDeterministic(t *testing.T) {
	tgt, _ := ResolveTarget("linux", "amd64")
	buf, labels := smallFunc(t)
	e := NewEmitter(tgt)
	first, err := e.EmitFunction("f", buf, labels)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := e.EmitFunction("f", buf, labels)
		require.NoError(t, err)
		require.Equal(t, first, again, "iteration %d", i)
	}
}

func TestEmitComment(t *testing.T) {
	att, _ := ResolveTarget("linux", "amd64")
	intel, _ := ResolveTarget("windows", "amd64")
	buf := NewBuffer(2)
	c, err := NewComment("prologue f")
	require.NoError(t, err)
	_, _ = buf.Append(c)
	_, _ = buf.Append(MustInstruction(OpRet))

	labels := NewLabelManager()
	text, err := NewEmitter(att).EmitFunction("f", buf, labels)
	require.NoError(t, err)
	require.Contains(t, text, "# prologue f")

	text, err = NewEmitter(intel).EmitFunction("f", buf, labels)
	require.NoError(t, err)
	require.Contains(t, text, "; prologue f")
}
