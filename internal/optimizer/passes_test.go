package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asthra-lang/asthra-sub000/internal/codegen"
)

func testContext(t *testing.T, insts []*codegen.Instruction, defs map[string]int) *Context {
	t.Helper()
	tgt, err := codegen.ResolveTarget("linux", "amd64")
	require.NoError(t, err)
	buf := codegen.NewBuffer(len(insts))
	labels := codegen.NewLabelManager()
	for name, idx := range defs {
		l, err := labels.Named(name, codegen.LabelBranch)
		require.NoError(t, err)
		require.NoError(t, labels.Define(l, idx))
	}
	for _, inst := range insts {
		_, err := buf.Append(inst)
		require.NoError(t, err)
	}
	return &Context{Target: tgt, Buf: buf, Labels: labels, Stats: codegen.NewStatistics()}
}

// ---------------------------------------------------------------------------
// Levels and masks
// ---------------------------------------------------------------------------

func TestLevelMasks(t *testing.T) {
	require.Equal(t, PassMask(0), LevelNone.Mask())
	require.Equal(t, PassPeephole|PassConstFold, LevelBasic.Mask())
	require.True(t, LevelStandard.Mask()&PassDCE != 0)
	require.True(t, LevelStandard.Mask()&PassCSE != 0)
	require.True(t, LevelAggressive.Mask()&PassLICM != 0)
	require.True(t, LevelAggressive.Mask()&PassMatchDispatch != 0)
	// Each level contains the previous one.
	require.Equal(t, LevelBasic.Mask(), LevelStandard.Mask()&LevelBasic.Mask())
	require.Equal(t, LevelStandard.Mask(), LevelAggressive.Mask()&LevelStandard.Mask())
}

func TestManagerEnableDisable(t *testing.T) {
	m := NewManager(LevelStandard)
	require.True(t, m.Enabled(PassDCE))
	m.Disable(PassDCE)
	require.False(t, m.Enabled(PassDCE))
	m.Enable(PassLICM)
	require.True(t, m.Enabled(PassLICM))
}

// ---------------------------------------------------------------------------
// Constant folding
// ---------------------------------------------------------------------------

func TestConstFoldAddition(t *testing.T) {
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.R10), codegen.Imm(6)),
		codegen.MustInstruction(codegen.OpAdd, codegen.Reg(codegen.R10), codegen.Imm(7)),
		codegen.MustInstruction(codegen.OpMov, codegen.Mem(codegen.RBP, -8), codegen.Reg(codegen.R10)),
		codegen.MustInstruction(codegen.OpRet),
	}, nil)
	changed, err := runConstFold(ctx)
	require.NoError(t, err)
	require.True(t, changed)

	folded := ctx.Buf.At(1)
	require.Equal(t, codegen.OpMov, folded.Op)
	require.Equal(t, int64(13), folded.Operands[1].Imm)
}

func TestConstFoldWrapsOnOverflow(t *testing.T) {
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.R10), codegen.Imm(math.MaxInt64)),
		codegen.MustInstruction(codegen.OpAdd, codegen.Reg(codegen.R10), codegen.Imm(1)),
		codegen.MustInstruction(codegen.OpRet),
	}, nil)
	_, err := runConstFold(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(math.MinInt64), ctx.Buf.At(1).Operands[1].Imm)
}

func TestConstFoldMasksShiftCount(t *testing.T) {
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.R10), codegen.Imm(1)),
		codegen.MustInstruction(codegen.OpShl, codegen.Reg(codegen.R10), codegen.Imm(65)),
		codegen.MustInstruction(codegen.OpRet),
	}, nil)
	_, err := runConstFold(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), ctx.Buf.At(1).Operands[1].Imm, "shift count 65 masks to 1")
}

func TestConstFoldXorSelfIsZero(t *testing.T) {
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpXor, codegen.Reg(codegen.R10), codegen.Reg(codegen.R10)),
		codegen.MustInstruction(codegen.OpAdd, codegen.Reg(codegen.R10), codegen.Imm(5)),
		codegen.MustInstruction(codegen.OpRet),
	}, nil)
	_, err := runConstFold(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), ctx.Buf.At(1).Operands[1].Imm)
}

func TestConstFoldStopsAtLabels(t *testing.T) {
	// The label between def and use is a join point; the constant must not
	// propagate across it.
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.R10), codegen.Imm(6)),
		codegen.MustInstruction(codegen.OpAdd, codegen.Reg(codegen.R10), codegen.Imm(7)),
		codegen.MustInstruction(codegen.OpRet),
	}, map[string]int{"join": 1})
	changed, err := runConstFold(ctx)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, codegen.OpAdd, ctx.Buf.At(1).Op)
}

func TestConstFoldForgetsAcrossCalls(t *testing.T) {
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.RCX), codegen.Imm(6)),
		codegen.MustInstruction(codegen.OpCall, codegen.LabelOp("clobber")),
		codegen.MustInstruction(codegen.OpAdd, codegen.Reg(codegen.RCX), codegen.Imm(7)),
		codegen.MustInstruction(codegen.OpRet),
	}, nil)
	changed, err := runConstFold(ctx)
	require.NoError(t, err)
	require.False(t, changed, "caller-saved rcx does not survive the call")
}

// ---------------------------------------------------------------------------
// Peephole
// ---------------------------------------------------------------------------

func TestPeepholeRemovals(t *testing.T) {
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.RAX), codegen.Reg(codegen.RAX)),
		codegen.MustInstruction(codegen.OpAdd, codegen.Reg(codegen.RCX), codegen.Imm(0)),
		codegen.MustInstruction(codegen.OpImul, codegen.Reg(codegen.RCX), codegen.Imm(1)),
		codegen.MustInstruction(codegen.OpPush, codegen.Reg(codegen.R10)),
		codegen.MustInstruction(codegen.OpPop, codegen.Reg(codegen.R10)),
		codegen.MustInstruction(codegen.OpRet),
	}, nil)
	changed, err := runPeephole(ctx)
	require.NoError(t, err)
	require.True(t, changed)
	require.NoError(t, CompactNops(ctx))
	require.Equal(t, 1, ctx.Buf.Len())
	require.Equal(t, codegen.OpRet, ctx.Buf.At(0).Op)
	require.Equal(t, int64(5), ctx.Stats.Snapshot().InstructionsEliminated)
}

func TestPeepholeKeepsMismatchedPushPop(t *testing.T) {
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpPush, codegen.Reg(codegen.R10)),
		codegen.MustInstruction(codegen.OpPop, codegen.Reg(codegen.R11)),
		codegen.MustInstruction(codegen.OpRet),
	}, nil)
	changed, err := runPeephole(ctx)
	require.NoError(t, err)
	require.False(t, changed, "push/pop through different registers moves a value")
}

// ---------------------------------------------------------------------------
// Redundant load elimination
// ---------------------------------------------------------------------------

func TestCSERedundantFrameLoad(t *testing.T) {
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.R10), codegen.Mem(codegen.RBP, -8)),
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.R11), codegen.Mem(codegen.RBP, -8)),
		codegen.MustInstruction(codegen.OpRet),
	}, nil)
	changed, err := runCSE(ctx)
	require.NoError(t, err)
	require.True(t, changed)

	second := ctx.Buf.At(1)
	require.Equal(t, codegen.OperandRegister, second.Operands[1].Kind)
	require.Equal(t, codegen.R10, second.Operands[1].Reg)
}

func TestCSEInvalidatedByStore(t *testing.T) {
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.R10), codegen.Mem(codegen.RBP, -8)),
		codegen.MustInstruction(codegen.OpMov, codegen.Mem(codegen.RBP, -8), codegen.Imm(0)),
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.R11), codegen.Mem(codegen.RBP, -8)),
		codegen.MustInstruction(codegen.OpRet),
	}, nil)
	changed, err := runCSE(ctx)
	require.NoError(t, err)
	require.False(t, changed, "the store changed the slot value")
}

func TestCSEStoreForwardsToLoad(t *testing.T) {
	// mov [slot], r10 then mov r11, [slot] becomes mov r11, r10.
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpMov, codegen.Mem(codegen.RBP, -8), codegen.Reg(codegen.R10)),
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.R11), codegen.Mem(codegen.RBP, -8)),
		codegen.MustInstruction(codegen.OpRet),
	}, nil)
	changed, err := runCSE(ctx)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, codegen.R10, ctx.Buf.At(1).Operands[1].Reg)
}

// ---------------------------------------------------------------------------
// Dead code elimination
// ---------------------------------------------------------------------------

func TestDCERemovesOverwrittenDef(t *testing.T) {
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.R10), codegen.Imm(1)),
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.R10), codegen.Imm(2)),
		codegen.MustInstruction(codegen.OpMov, codegen.Mem(codegen.RBP, -8), codegen.Reg(codegen.R10)),
		codegen.MustInstruction(codegen.OpRet),
	}, nil)
	changed, err := runDCE(ctx)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, codegen.OpNop, ctx.Buf.At(0).Op)
	require.Equal(t, codegen.OpMov, ctx.Buf.At(1).Op)
}

func TestDCEKeepsStores(t *testing.T) {
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpMov, codegen.Mem(codegen.RBP, -8), codegen.Imm(1)),
		codegen.MustInstruction(codegen.OpRet),
	}, nil)
	changed, err := runDCE(ctx)
	require.NoError(t, err)
	require.False(t, changed, "memory stores are never dead")
}

// The xor that zeroes a setcc destination must survive even though the
// setcc overwrites the register's low byte.
func TestDCEKeepsSetccZeroing(t *testing.T) {
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpXor, codegen.Reg(codegen.R10), codegen.Reg(codegen.R10)),
		codegen.MustInstruction(codegen.OpCmp, codegen.Reg(codegen.RAX), codegen.Reg(codegen.RCX)),
		codegen.MustInstruction(codegen.OpSete, codegen.Reg(codegen.R10)),
		codegen.MustInstruction(codegen.OpMov, codegen.Mem(codegen.RBP, -8), codegen.Reg(codegen.R10)),
		codegen.MustInstruction(codegen.OpRet),
	}, nil)
	changed, err := runDCE(ctx)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, codegen.OpXor, ctx.Buf.At(0).Op)
}

// Argument registers carry values into the callee without an explicit
// read, so the setup movs before a call must stay.
func TestDCEKeepsCallArgumentSetup(t *testing.T) {
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.RDI), codegen.Imm(42)),
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.RSI), codegen.Imm(7)),
		codegen.MustInstruction(codegen.OpCall, codegen.LabelOp("f")),
		codegen.MustInstruction(codegen.OpRet),
	}, nil)
	changed, err := runDCE(ctx)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, codegen.OpMov, ctx.Buf.At(0).Op)
	require.Equal(t, codegen.OpMov, ctx.Buf.At(1).Op)
}

func TestDCEKeepsStackPointerWrites(t *testing.T) {
	// Frame setup and teardown write rsp without a tracked read.
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpSub, codegen.Reg(codegen.RSP), codegen.Imm(16)),
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.RSP), codegen.Reg(codegen.RBP)),
		codegen.MustInstruction(codegen.OpRet),
	}, nil)
	changed, err := runDCE(ctx)
	require.NoError(t, err)
	require.False(t, changed)
}

// ---------------------------------------------------------------------------
// Loop-invariant code motion
// ---------------------------------------------------------------------------

func TestLICMHoistsInvariantConstant(t *testing.T) {
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpXor, codegen.Reg(codegen.RCX), codegen.Reg(codegen.RCX)), // 0
		codegen.MustInstruction(codegen.OpCmp, codegen.Reg(codegen.RCX), codegen.Imm(10)),          // 1: head
		codegen.MustInstruction(codegen.OpJge, codegen.LabelOp("end")),                             // 2
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.R10), codegen.Imm(42)),          // 3: invariant
		codegen.MustInstruction(codegen.OpInc, codegen.Reg(codegen.RCX)),                           // 4
		codegen.MustInstruction(codegen.OpJmp, codegen.LabelOp("head")),                            // 5
		codegen.MustInstruction(codegen.OpRet),                                                     // 6: end
	}, map[string]int{"head": 1, "end": 6})
	changed, err := runLICM(ctx)
	require.NoError(t, err)
	require.True(t, changed)

	// The constant load now sits before the loop header.
	hoisted := ctx.Buf.At(1)
	require.Equal(t, codegen.OpMov, hoisted.Op)
	require.Equal(t, int64(42), hoisted.Operands[1].Imm)
	head, ok := ctx.Labels.Lookup("head")
	require.True(t, ok)
	require.Equal(t, 2, head.Index, "loop entry lands after the hoisted code")

	// Idempotent: the second run finds nothing inside the loop.
	changed, err = runLICM(ctx)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestLICMLeavesLiveInRegisterAlone(t *testing.T) {
	// r10 flows into the loop: hoisting the load would clobber the first
	// iteration's value.
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.R10), codegen.Imm(7)),           // 0
		codegen.MustInstruction(codegen.OpCmp, codegen.Reg(codegen.R10), codegen.Imm(10)),          // 1: head
		codegen.MustInstruction(codegen.OpJge, codegen.LabelOp("end")),                             // 2
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.R10), codegen.Imm(42)),          // 3
		codegen.MustInstruction(codegen.OpJmp, codegen.LabelOp("head")),                            // 4
		codegen.MustInstruction(codegen.OpRet),                                                     // 5: end
	}, map[string]int{"head": 1, "end": 5})
	changed, err := runLICM(ctx)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestLICMKeepsCallerSavedLoadInCallLoop(t *testing.T) {
	// The call clobbers r10 on every iteration, so the load must stay
	// inside the loop.
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpXor, codegen.Reg(codegen.RCX), codegen.Reg(codegen.RCX)), // 0
		codegen.MustInstruction(codegen.OpCmp, codegen.Reg(codegen.RCX), codegen.Imm(10)),          // 1: head
		codegen.MustInstruction(codegen.OpJge, codegen.LabelOp("end")),                             // 2
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.R10), codegen.Imm(42)),          // 3
		codegen.MustInstruction(codegen.OpCall, codegen.LabelOp("f")),                              // 4
		codegen.MustInstruction(codegen.OpInc, codegen.Reg(codegen.RCX)),                           // 5
		codegen.MustInstruction(codegen.OpJmp, codegen.LabelOp("head")),                            // 6
		codegen.MustInstruction(codegen.OpRet),                                                     // 7: end
	}, map[string]int{"head": 1, "end": 7})
	changed, err := runLICM(ctx)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, codegen.OpMov, ctx.Buf.At(3).Op)
}

// ---------------------------------------------------------------------------
// Manager integration
// ---------------------------------------------------------------------------

func TestManagerFixpointFoldsAndEliminates(t *testing.T) {
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.R10), codegen.Imm(6)),
		codegen.MustInstruction(codegen.OpAdd, codegen.Reg(codegen.R10), codegen.Imm(7)),
		codegen.MustInstruction(codegen.OpMov, codegen.Mem(codegen.RBP, -8), codegen.Reg(codegen.R10)),
		codegen.MustInstruction(codegen.OpRet),
	}, nil)
	require.NoError(t, NewManager(LevelStandard).Run(ctx))

	// Folding turns the add into mov r10, 13; the original mov r10, 6 is
	// then dead and compaction drops it.
	require.Equal(t, 3, ctx.Buf.Len())
	first := ctx.Buf.At(0)
	require.Equal(t, codegen.OpMov, first.Op)
	require.Equal(t, int64(13), first.Operands[1].Imm)

	snap := ctx.Stats.Snapshot()
	require.Greater(t, snap.ConstantsFolded, int64(0))
	require.Greater(t, snap.InstructionsEliminated, int64(0))
	require.Greater(t, snap.PassesExecuted, int64(0))
}

func TestManagerLevelNoneTouchesNothing(t *testing.T) {
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.RAX), codegen.Reg(codegen.RAX)),
		codegen.MustInstruction(codegen.OpRet),
	}, nil)
	require.NoError(t, NewManager(LevelNone).Run(ctx))
	require.Equal(t, 2, ctx.Buf.Len())
}

func TestCompactNopsSlidesLabels(t *testing.T) {
	ctx := testContext(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpNop),
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.RAX), codegen.Imm(1)),
		codegen.MustInstruction(codegen.OpNop),
		codegen.MustInstruction(codegen.OpRet),
	}, map[string]int{"on_nop": 2, "at_start": 0})
	require.NoError(t, CompactNops(ctx))
	require.Equal(t, 2, ctx.Buf.Len())

	onNop, _ := ctx.Labels.Lookup("on_nop")
	require.Equal(t, 1, onNop.Index, "label slides to the next survivor")
	atStart, _ := ctx.Labels.Lookup("at_start")
	require.Equal(t, 0, atStart.Index)
}
