package codegen

import (
	"fmt"

	"github.com/asthra-lang/asthra-sub000/internal/ast"
	"github.com/asthra-lang/asthra-sub000/internal/types"
)

// ---------------------------------------------------------------------------
// Pattern matching
//
// Enum values occupy a 16-byte frame slot: tag at offset 0, payload at
// offset 8.  Matching compares the tag and, for payload-binding patterns,
// aliases the binding to the payload half of the slot.
//
// The generator always lowers a match as a linear test chain in source
// order; the optimizer's match pass upgrades dense tag sets to jump tables
// and large sparse sets to binary search.
// ---------------------------------------------------------------------------

// Fixed tags for the built-in generic enums.  User-defined enums carry
// declaration-order tags resolved during semantic analysis.
var builtinTags = map[string]map[string]int{
	"Option": {"Some": 0, "None": 1},
	"Result": {"Ok": 0, "Err": 1},
}

// patternTag resolves the runtime tag an enum pattern compares against.
func patternTag(p *ast.EnumPattern) int {
	if variants, ok := builtinTags[p.Enum]; ok {
		if tag, ok := variants[p.Variant]; ok {
			return tag
		}
	}
	return p.Tag
}

// scrutineeSlot places the match scrutinee in memory and returns its frame
// offset.  An enum-typed local is matched in place so payload bindings see
// the real payload; any other expression is evaluated and stored, with a
// zero payload half.
func (g *Generator) scrutineeSlot(e ast.Expr) (int64, error) {
	if id, ok := e.(*ast.Ident); ok {
		if slot, ok := g.locals[id.Name]; ok {
			return slot.offset, nil
		}
	}
	r, err := g.genExpr(e)
	if err != nil {
		return 0, err
	}
	off := g.newSlot(16)
	if err := g.emit(OpMov, Mem(g.target.FramePtr, off), Reg(r)); err != nil {
		return 0, err
	}
	g.freeReg(r)
	z, err := g.takeReg()
	if err != nil {
		return 0, err
	}
	if err := g.emit(OpXor, Reg(z), Reg(z)); err != nil {
		return 0, err
	}
	if err := g.emit(OpMov, Mem(g.target.FramePtr, off+8), Reg(z)); err != nil {
		return 0, err
	}
	g.freeReg(z)
	return off, nil
}

// genPatternTest emits the test for one pattern against the scrutinee slot,
// jumping to noMatch when the pattern does not apply, and installs any
// bindings for the arm body.  Wildcard and identifier patterns always
// match.
func (g *Generator) genPatternTest(p ast.Pattern, slot int64, scrutType *types.TypeInfo, noMatch *Label) error {
	switch p := p.(type) {
	case *ast.WildcardPattern:
		return nil
	case *ast.IdentPattern:
		g.locals[p.Name] = localSlot{offset: slot, typ: scrutType}
		return nil
	case *ast.LiteralPattern:
		t, err := g.takeReg()
		if err != nil {
			return err
		}
		if err := g.emit(OpMov, Reg(t), Mem(g.target.FramePtr, slot)); err != nil {
			return err
		}
		if err := g.emit(OpCmp, Reg(t), Imm(p.Value)); err != nil {
			return err
		}
		g.freeReg(t)
		return g.emit(OpJne, LabelOp(noMatch.Name))
	case *ast.EnumPattern:
		t, err := g.takeReg()
		if err != nil {
			return err
		}
		if err := g.emit(OpMov, Reg(t), Mem(g.target.FramePtr, slot)); err != nil {
			return err
		}
		if err := g.emit(OpCmp, Reg(t), Imm(int64(patternTag(p)))); err != nil {
			return err
		}
		g.freeReg(t)
		if err := g.emit(OpJne, LabelOp(noMatch.Name)); err != nil {
			return err
		}
		if p.Binding != "" {
			g.locals[p.Binding] = localSlot{offset: slot + 8, typ: types.I64}
		}
		return nil
	case *ast.StructPattern:
		return fmt.Errorf("%w: struct pattern destructuring for %s is not implemented",
			ErrUnsupportedOperation, p.Struct)
	default:
		return fmt.Errorf("%w: pattern %T", ErrUnsupportedOperation, p)
	}
}

// armTag extracts the runtime tag of a tag-testable pattern.
func armTag(p ast.Pattern) (int64, bool) {
	switch p := p.(type) {
	case *ast.LiteralPattern:
		return p.Value, true
	case *ast.EnumPattern:
		return int64(patternTag(p)), true
	}
	return 0, false
}

func (g *Generator) genMatch(s *ast.MatchStmt) error {
	if len(s.Arms) == 0 {
		return fmt.Errorf("%w: match with no arms", ErrUnsupportedOperation)
	}
	if err := g.emitComment("match"); err != nil {
		return err
	}
	slot, err := g.scrutineeSlot(s.Value)
	if err != nil {
		return err
	}
	end := g.labels.Fresh("match_end", LabelBranch)
	site := MatchSite{Slot: slot, End: end.Name}
	// Dispatch rewriting requires every tested arm before the default to
	// carry a tag; anything else keeps the chain linear.
	rewritable := true

	for i, arm := range s.Arms {
		next := g.labels.Fresh("match_next", LabelBranch)
		tag, tagged := armTag(arm.Pattern)
		testStart := g.buf.Len()
		if err := g.genPatternTest(arm.Pattern, slot, s.Value.Type(), next); err != nil {
			return err
		}
		testEnd := g.buf.Len()

		body, err := g.defineFresh("match_arm", LabelBranch)
		if err != nil {
			return err
		}
		if err := g.genStmt(arm.Body); err != nil {
			return err
		}
		// The last arm falls through to the end label anyway.
		if i < len(s.Arms)-1 {
			if err := g.emit(OpJmp, LabelOp(end.Name)); err != nil {
				return err
			}
		}
		if err := g.defineHere(next); err != nil {
			return err
		}

		switch {
		case tagged:
			site.Arms = append(site.Arms, MatchArmSite{
				Tag: tag, Label: body.Name,
				TestStart: testStart, TestEnd: testEnd,
			})
		case i == len(s.Arms)-1 && site.Default == "":
			// Trailing catch-all arm becomes the dispatch default.
			site.Default = body.Name
		default:
			rewritable = false
		}
	}
	if err := g.defineHere(end); err != nil {
		return err
	}
	if rewritable && len(site.Arms) > 0 && site.DistinctTags() {
		g.matches = append(g.matches, site)
	}
	return nil
}

func (g *Generator) genIfLet(s *ast.IfLetStmt) error {
	slot, err := g.scrutineeSlot(s.Value)
	if err != nil {
		return err
	}
	noMatch := g.labels.Fresh("iflet_else", LabelBranch)
	end := g.labels.Fresh("iflet_end", LabelBranch)

	if err := g.genPatternTest(s.Pattern, slot, s.Value.Type(), noMatch); err != nil {
		return err
	}
	if err := g.genBlock(s.Then); err != nil {
		return err
	}
	if err := g.emit(OpJmp, LabelOp(end.Name)); err != nil {
		return err
	}
	if err := g.defineHere(noMatch); err != nil {
		return err
	}
	if s.Else != nil {
		if err := g.genBlock(s.Else); err != nil {
			return err
		}
	}
	return g.defineHere(end)
}
