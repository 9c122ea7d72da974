package optimizer

import (
	"fmt"
	"sort"

	"github.com/asthra-lang/asthra-sub000/internal/codegen"
)

// ---------------------------------------------------------------------------
// Match dispatch
//
// The generator lowers every match as a linear test chain and records the
// site.  This pass upgrades the chain when the tag shape allows:
//
//   - jump table: tag range at most 256 and at least three quarters of the
//     range populated by arms;
//   - binary search: eight or more sparse arms;
//   - otherwise the linear chain stays.
//
// The table itself is emitted through directive pseudo-instructions, so
// the instruction model stays closed over real opcodes.
// ---------------------------------------------------------------------------

// Strategy names a match dispatch lowering.
type Strategy int

const (
	StrategyLinear Strategy = iota
	StrategyJumpTable
	StrategyBinarySearch
)

func (s Strategy) String() string {
	switch s {
	case StrategyLinear:
		return "linear"
	case StrategyJumpTable:
		return "jump_table"
	case StrategyBinarySearch:
		return "binary_search"
	default:
		return "unknown"
	}
}

const (
	// jumpTableMaxRange bounds the table size.
	jumpTableMaxRange = 256
	// jumpTableMinArms is the smallest arm count worth a table.
	jumpTableMinArms = 3
	// binarySearchMinArms is the smallest sparse arm count worth a tree.
	binarySearchMinArms = 8
)

// ChooseStrategy picks the dispatch lowering for a set of distinct arm
// tags.  Density rule: a table is chosen when the tag range fits
// jumpTableMaxRange and the arms fill at least three quarters of it.
func ChooseStrategy(tags []int64) Strategy {
	n := len(tags)
	if n < jumpTableMinArms {
		return StrategyLinear
	}
	min, max := tags[0], tags[0]
	for _, t := range tags[1:] {
		if t < min {
			min = t
		}
		if t > max {
			max = t
		}
	}
	rng := max - min + 1
	if rng <= jumpTableMaxRange && int64(n)*4 >= rng*3 {
		return StrategyJumpTable
	}
	if n >= binarySearchMinArms {
		return StrategyBinarySearch
	}
	return StrategyLinear
}

func runMatchDispatch(ctx *Context) (bool, error) {
	changed := false
	// Sites are rewritten back to front so earlier sites' recorded
	// indices stay valid while later ones restructure the buffer.
	sites := append([]codegen.MatchSite{}, ctx.MatchSites...)
	sort.Slice(sites, func(i, j int) bool {
		return sites[i].Arms[0].TestStart > sites[j].Arms[0].TestStart
	})
	for _, site := range sites {
		tags := make([]int64, len(site.Arms))
		for i, a := range site.Arms {
			tags[i] = a.Tag
		}
		strategy := ChooseStrategy(tags)
		if strategy == StrategyJumpTable && ctx.Target.Arch != codegen.Arch_x86_64 {
			// The table needs indirect jumps and data directives the
			// other text backends do not carry.
			if len(site.Arms) >= binarySearchMinArms {
				strategy = StrategyBinarySearch
			} else {
				strategy = StrategyLinear
			}
		}
		var err error
		switch strategy {
		case StrategyJumpTable:
			err = rewriteJumpTable(ctx, site)
		case StrategyBinarySearch:
			err = rewriteBinarySearch(ctx, site)
		default:
			continue
		}
		if err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

func dispatchScratch(t *codegen.Target) codegen.Register {
	if t.Arch == codegen.Arch_x86_64 {
		return codegen.R11
	}
	return t.CallerSaved[len(t.CallerSaved)-1]
}

func defaultLabel(site codegen.MatchSite) string {
	if site.Default != "" {
		return site.Default
	}
	return site.End
}

// replaceTests rebuilds the buffer with every arm-test range removed and
// the dispatch sequence inserted at the chain head, then remaps labels.
// deferred label definitions (offset into the dispatch sequence) are bound
// afterwards.
func replaceTests(ctx *Context, site codegen.MatchSite, dispatch []*codegen.Instruction, defs map[*codegen.Label]int) error {
	insts := ctx.Buf.Snapshot()
	head := site.Arms[0].TestStart
	removed := make(map[int]bool)
	for _, a := range site.Arms {
		for i := a.TestStart; i < a.TestEnd; i++ {
			removed[i] = true
		}
	}

	out := make([]*codegen.Instruction, 0, len(insts)+len(dispatch))
	mapping := make([]int, len(insts))
	for i := 0; i < head; i++ {
		mapping[i] = len(out)
		out = append(out, insts[i])
	}
	out = append(out, dispatch...)
	for i := head; i < len(insts); i++ {
		if removed[i] {
			mapping[i] = -1
			continue
		}
		mapping[i] = len(out)
		out = append(out, insts[i])
	}
	next := len(out)
	for i := len(insts) - 1; i >= 0; i-- {
		if mapping[i] == -1 {
			mapping[i] = next
		} else {
			next = mapping[i]
		}
	}
	// A label on the old chain head points at the dispatch itself.
	for i := site.Arms[0].TestStart; i < site.Arms[0].TestEnd; i++ {
		mapping[i] = head
	}

	ctx.Labels.Remap(mapping, len(out))
	for l, off := range defs {
		if err := ctx.Labels.Define(l, head+off); err != nil {
			return err
		}
	}
	return ctx.Buf.Replace(out)
}

func rewriteJumpTable(ctx *Context, site codegen.MatchSite) error {
	min, max := site.TagRange()
	def := defaultLabel(site)
	scratch := dispatchScratch(ctx.Target)
	tableName := fmt.Sprintf(".Ljt%d", site.Arms[0].TestStart)
	intel := ctx.Target.Dialect == codegen.DialectIntel

	byTag := make(map[int64]string, len(site.Arms))
	for _, a := range site.Arms {
		byTag[a.Tag] = a.Label
	}

	var dispatch []*codegen.Instruction
	add := func(op codegen.Opcode, operands ...codegen.Operand) error {
		inst, err := codegen.NewInstruction(op, operands...)
		if err != nil {
			return err
		}
		dispatch = append(dispatch, inst)
		return nil
	}
	addDirective := func(text string) error {
		inst, err := codegen.NewDirective(text)
		if err != nil {
			return err
		}
		dispatch = append(dispatch, inst)
		return nil
	}

	if err := add(codegen.OpMov, codegen.Reg(scratch), codegen.Mem(ctx.Target.FramePtr, site.Slot)); err != nil {
		return err
	}
	if err := add(codegen.OpCmp, codegen.Reg(scratch), codegen.Imm(max)); err != nil {
		return err
	}
	if err := add(codegen.OpJg, codegen.LabelOp(def)); err != nil {
		return err
	}
	if err := add(codegen.OpCmp, codegen.Reg(scratch), codegen.Imm(min)); err != nil {
		return err
	}
	if err := add(codegen.OpJl, codegen.LabelOp(def)); err != nil {
		return err
	}
	if min != 0 {
		if err := add(codegen.OpSub, codegen.Reg(scratch), codegen.Imm(min)); err != nil {
			return err
		}
	}

	reg := ctx.Target.RegisterName(scratch)
	var lines []string
	if intel {
		lines = append(lines,
			fmt.Sprintf("jmp qword [%s + %s*8]", tableName, reg),
			"section .rodata",
			"align 8",
			tableName+":")
		for t := min; t <= max; t++ {
			target := byTag[t]
			if target == "" {
				target = def
			}
			lines = append(lines, "dq "+target)
		}
		lines = append(lines, "section .text")
	} else {
		lines = append(lines,
			fmt.Sprintf("jmp *%s(,%%%s,8)", tableName, reg),
			".section .rodata",
			".align 8",
			tableName+":")
		for t := min; t <= max; t++ {
			target := byTag[t]
			if target == "" {
				target = def
			}
			lines = append(lines, ".quad "+target)
		}
		lines = append(lines, ".text")
	}
	for _, line := range lines {
		if err := addDirective(line); err != nil {
			return err
		}
	}

	if err := replaceTests(ctx, site, dispatch, nil); err != nil {
		return err
	}
	if ctx.Stats != nil {
		ctx.Stats.AddJumpTable()
	}
	return nil
}

func rewriteBinarySearch(ctx *Context, site codegen.MatchSite) error {
	def := defaultLabel(site)
	scratch := dispatchScratch(ctx.Target)
	arms := append([]codegen.MatchArmSite{}, site.Arms...)
	sort.Slice(arms, func(i, j int) bool { return arms[i].Tag < arms[j].Tag })

	var dispatch []*codegen.Instruction
	defs := make(map[*codegen.Label]int)
	add := func(op codegen.Opcode, operands ...codegen.Operand) error {
		inst, err := codegen.NewInstruction(op, operands...)
		if err != nil {
			return err
		}
		dispatch = append(dispatch, inst)
		return nil
	}

	if err := add(codegen.OpMov, codegen.Reg(scratch), codegen.Mem(ctx.Target.FramePtr, site.Slot)); err != nil {
		return err
	}

	// Recursive tree over the sorted arms.  Each node compares against
	// the median: equal dispatches, less falls into the left subtree via
	// a fresh label, otherwise execution continues into the right
	// subtree.
	var emit func(lo, hi int) error
	emit = func(lo, hi int) error {
		if hi-lo <= 2 {
			for i := lo; i < hi; i++ {
				if err := add(codegen.OpCmp, codegen.Reg(scratch), codegen.Imm(arms[i].Tag)); err != nil {
					return err
				}
				if err := add(codegen.OpJe, codegen.LabelOp(arms[i].Label)); err != nil {
					return err
				}
			}
			return add(codegen.OpJmp, codegen.LabelOp(def))
		}
		mid := (lo + hi) / 2
		if err := add(codegen.OpCmp, codegen.Reg(scratch), codegen.Imm(arms[mid].Tag)); err != nil {
			return err
		}
		if err := add(codegen.OpJe, codegen.LabelOp(arms[mid].Label)); err != nil {
			return err
		}
		left := ctx.Labels.Fresh("bsearch", codegen.LabelBranch)
		if err := add(codegen.OpJl, codegen.LabelOp(left.Name)); err != nil {
			return err
		}
		if err := emit(mid+1, hi); err != nil {
			return err
		}
		defs[left] = len(dispatch)
		return emit(lo, mid)
	}
	if err := emit(0, len(arms)); err != nil {
		return err
	}

	if err := replaceTests(ctx, site, dispatch, defs); err != nil {
		return err
	}
	if ctx.Stats != nil {
		ctx.Stats.AddBinarySearch()
	}
	return nil
}
