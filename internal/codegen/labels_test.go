package codegen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreshLabelsAreUnique(t *testing.T) {
	m := NewLabelManager()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		l := m.Fresh("loop_start", LabelLoopStart)
		if seen[l.Name] {
			t.Fatalf("duplicate fresh label %q", l.Name)
		}
		seen[l.Name] = true
		if l.Defined() {
			t.Fatalf("fresh label %q born defined", l.Name)
		}
	}
}

func TestNamedLabelCollision(t *testing.T) {
	m := NewLabelManager()
	_, err := m.Named("main", LabelFunction)
	require.NoError(t, err)
	_, err = m.Named("main", LabelFunction)
	require.Error(t, err)
}

func TestDefineOnce(t *testing.T) {
	m := NewLabelManager()
	l := m.Fresh("exit", LabelBranch)
	require.NoError(t, m.Define(l, 7))
	require.Error(t, m.Define(l, 9), "second definition must fail")
	require.Equal(t, 7, l.Index)
	require.Error(t, m.Define(m.Fresh("x", LabelBranch), -1), "negative index must fail")
}

func TestLookupAndIsDefined(t *testing.T) {
	m := NewLabelManager()
	l := m.Fresh("if_end", LabelBranch)
	got, ok := m.Lookup(l.Name)
	require.True(t, ok)
	require.Same(t, l, got)
	require.False(t, m.IsDefined(l.Name))
	require.NoError(t, m.Define(l, 3))
	require.True(t, m.IsDefined(l.Name))
	_, ok = m.Lookup("no_such_label")
	require.False(t, ok)
}

func TestDefinedByIndexGroupsSharedPositions(t *testing.T) {
	m := NewLabelManager()
	a := m.Fresh("loop_end", LabelLoopEnd)
	b := m.Fresh("if_end", LabelBranch)
	c := m.Fresh("other", LabelBranch)
	require.NoError(t, m.Define(a, 4))
	require.NoError(t, m.Define(b, 4))
	require.NoError(t, m.Define(c, 9))

	byIndex := m.DefinedByIndex()
	require.Len(t, byIndex[4], 2)
	require.Len(t, byIndex[9], 1)
}

func TestRemap(t *testing.T) {
	m := NewLabelManager()
	kept := m.Fresh("kept", LabelBranch)
	slid := m.Fresh("slid", LabelBranch)
	tail := m.Fresh("tail", LabelBranch)
	require.NoError(t, m.Define(kept, 0))
	require.NoError(t, m.Define(slid, 2))
	require.NoError(t, m.Define(tail, 4))

	// Instruction 2 was removed: 0->0, 1->1, 2->-1, 3->2, 4->3.
	m.Remap([]int{0, 1, -1, 2, 3}, 4)
	require.Equal(t, 0, kept.Index)
	require.Equal(t, 4, slid.Index, "label on a removed instruction clamps to newLen")
	require.Equal(t, 3, tail.Index)
}
