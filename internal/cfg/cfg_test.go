package cfg

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asthra-lang/asthra-sub000/internal/codegen"
)

// buildBuffer assembles instructions and defines labels at the given
// indices.
func buildBuffer(t *testing.T, insts []*codegen.Instruction, defs map[string]int) (*codegen.Buffer, *codegen.LabelManager) {
	t.Helper()
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
	return buf, labels
}

func TestBuildStraightLine(t *testing.T) {
	buf, labels := buildBuffer(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.RAX), codegen.Imm(1)),
		codegen.MustInstruction(codegen.OpAdd, codegen.Reg(codegen.RAX), codegen.Imm(2)),
		codegen.MustInstruction(codegen.OpRet),
	}, nil)

	g, err := Build(buf, labels)
	require.NoError(t, err)
	require.Len(t, g.Blocks, 1)
	b := g.Blocks[0]
	require.True(t, b.IsEntry)
	require.True(t, b.IsExit)
	require.Equal(t, 0, b.Start)
	require.Equal(t, 3, b.End)
	require.Empty(t, b.Succs)
	require.Empty(t, g.BackEdges)
}

func TestBuildPartitionCoversBuffer(t *testing.T) {
	// if-shaped: cond, je else, then, jmp end, else, end(ret)
	buf, labels := buildBuffer(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpCmp, codegen.Reg(codegen.RAX), codegen.Imm(0)), // 0
		codegen.MustInstruction(codegen.OpJe, codegen.LabelOp("else")),                   // 1
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.RCX), codegen.Imm(1)), // 2
		codegen.MustInstruction(codegen.OpJmp, codegen.LabelOp("end")),                   // 3
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.RCX), codegen.Imm(2)), // 4: else
		codegen.MustInstruction(codegen.OpRet),                                           // 5: end
	}, map[string]int{"else": 4, "end": 5})

	g, err := Build(buf, labels)
	require.NoError(t, err)

	// Blocks tile [0, len) without gaps or overlap.
	pos := 0
	for _, b := range g.Blocks {
		require.Equal(t, pos, b.Start)
		require.Greater(t, b.End, b.Start)
		pos = b.End
	}
	require.Equal(t, buf.Len(), pos)

	// The conditional block branches two ways.
	condBlock := g.Blocks[0]
	require.Len(t, condBlock.Succs, 2)

	// The end block has two predecessors: the then-jmp and else fallthrough.
	var endBlock *Block
	for _, b := range g.Blocks {
		if b.Start == 5 {
			endBlock = b
		}
	}
	require.NotNil(t, endBlock)
	require.Len(t, endBlock.Preds, 2)
	require.True(t, endBlock.IsExit)
	require.Empty(t, g.BackEdges)
}

func TestBuildLoopBackEdge(t *testing.T) {
	// head: cmp, jge end; body: inc, jmp head; end: ret
	buf, labels := buildBuffer(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpCmp, codegen.Reg(codegen.RAX), codegen.Imm(10)), // 0: head
		codegen.MustInstruction(codegen.OpJge, codegen.LabelOp("end")),                    // 1
		codegen.MustInstruction(codegen.OpInc, codegen.Reg(codegen.RAX)),                  // 2
		codegen.MustInstruction(codegen.OpJmp, codegen.LabelOp("head")),                   // 3
		codegen.MustInstruction(codegen.OpRet),                                            // 4: end
	}, map[string]int{"head": 0, "end": 4})

	g, err := Build(buf, labels)
	require.NoError(t, err)
	require.Len(t, g.BackEdges, 1)
	require.Equal(t, 0, g.BackEdges[0].To.Start)

	loops := g.NaturalLoops()
	require.Len(t, loops, 1)
	loop := loops[0]
	require.Equal(t, 0, loop.Header.Start)
	require.Len(t, loop.Body, 2, "header and body block")
	for _, b := range loop.Blocks() {
		require.True(t, loop.Contains(b))
	}
}

func TestBuildUndefinedTarget(t *testing.T) {
	buf := codegen.NewBuffer(1)
	_, _ = buf.Append(codegen.MustInstruction(codegen.OpJmp, codegen.LabelOp("missing")))
	_, err := Build(buf, codegen.NewLabelManager())
	require.ErrorIs(t, err, codegen.ErrLabelNotFound)
}

func TestBuildEmptyBuffer(t *testing.T) {
	_, err := Build(codegen.NewBuffer(0), codegen.NewLabelManager())
	require.ErrorIs(t, err, codegen.ErrEmptyBuffer)
}

func TestJumpPastEndIsExit(t *testing.T) {
	// A jump to the shared exit label sitting one past the last instruction.
	buf, labels := buildBuffer(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpJmp, codegen.LabelOp("exit")),
	}, map[string]int{"exit": 1})

	g, err := Build(buf, labels)
	require.NoError(t, err)
	require.Len(t, g.Blocks, 1)
	require.True(t, g.Blocks[0].IsExit)
}

func TestPostOrderVisitsEverything(t *testing.T) {
	buf, labels := buildBuffer(t, []*codegen.Instruction{
		codegen.MustInstruction(codegen.OpJe, codegen.LabelOp("right")),                   // 0
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.RAX), codegen.Imm(1)), // 1
		codegen.MustInstruction(codegen.OpRet),                                           // 2
		codegen.MustInstruction(codegen.OpMov, codegen.Reg(codegen.RAX), codegen.Imm(2)), // 3: right
		codegen.MustInstruction(codegen.OpRet),                                           // 4
	}, map[string]int{"right": 3})

	g, err := Build(buf, labels)
	require.NoError(t, err)

	po := g.PostOrder()
	require.Len(t, po, len(g.Blocks))
	// Entry comes last in post-order.
	require.Equal(t, g.Entry.ID, po[len(po)-1].ID)

	rpo := g.ReversePostOrder()
	require.Equal(t, g.Entry.ID, rpo[0].ID)
}
