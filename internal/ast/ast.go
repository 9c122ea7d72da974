package ast

import (
	"fmt"
	"strings"

	"github.com/asthra-lang/asthra-sub000/internal/types"
)

// ---------------------------------------------------------------------------
// AST — the typed tree consumed by the code generator
//
// The tree arrives fully resolved: semantic analysis has attached TypeInfo
// to every expression and resolved enum-variant tags to declaration-order
// indices.  Statements, expressions and patterns are closed sums; the
// generator switches over them exhaustively, so an unsupported construct is
// a missing case at compile time, not a runtime fallthrough.
// ---------------------------------------------------------------------------

// Node is implemented by every AST node.
type Node interface {
	String() string
}

// Stmt is implemented by every statement node.
type Stmt interface {
	Node
	stmtNode()
}

// Expr is implemented by every expression node.  Every expression carries
// the TypeInfo resolved for it during semantic analysis.
type Expr interface {
	Node
	exprNode()
	Type() *types.TypeInfo
}

// Pattern is implemented by every match/if-let pattern node.
type Pattern interface {
	Node
	patternNode()
}

// ---------------------------------------------------------------------------
// Program (root)
// ---------------------------------------------------------------------------

type Program struct {
	Functions []*FnDecl
	Enums     []*EnumDecl
}

// Param represents a single function parameter.
type Param struct {
	Name string
	Type *types.TypeInfo
}

// FnDecl represents a function declaration with its body.
type FnDecl struct {
	Name       string
	Params     []Param
	ReturnType *types.TypeInfo
	Body       *BlockStmt
}

func (f *FnDecl) String() string {
	names := make([]string, len(f.Params))
	for i, p := range f.Params {
		names[i] = p.Name
	}
	return fmt.Sprintf("fn %s(%s)", f.Name, strings.Join(names, ", "))
}

// EnumDecl records a user-defined enum.  A variant's runtime tag is its
// declaration-order index.
type EnumDecl struct {
	Name     string
	Variants []string
}

func (e *EnumDecl) String() string { return "enum " + e.Name }

// VariantTag returns the declaration-order tag for a variant, or -1 if the
// variant does not belong to this enum.
func (e *EnumDecl) VariantTag(variant string) int {
	for i, v := range e.Variants {
		if v == variant {
			return i
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// LetStmt declares and initializes a local variable.
type LetStmt struct {
	Name  string
	Type  *types.TypeInfo
	Value Expr
}

// AssignStmt assigns a new value to an existing local.
type AssignStmt struct {
	Name  string
	Value Expr
}

// IfStmt is a conditional with an optional else branch.  Else is a
// *BlockStmt, another *IfStmt (else-if chain), or nil.
type IfStmt struct {
	Cond Expr
	Then *BlockStmt
	Else Stmt
}

// IfLetStmt tests a pattern against a value and binds on match.
type IfLetStmt struct {
	Pattern Pattern
	Value   Expr
	Then    *BlockStmt
	Else    *BlockStmt // nil when absent
}

// ForRangeStmt is the counting loop `for v in range(bound)`.
type ForRangeStmt struct {
	Var   string
	Bound Expr
	Body  *BlockStmt
}

// ReturnStmt returns from the current function.  Value is nil for a bare
// return in a void function.
type ReturnStmt struct {
	Value Expr
}

// BreakStmt exits the innermost enclosing loop.
type BreakStmt struct{}

// ContinueStmt jumps to the innermost enclosing loop's continue point.
type ContinueStmt struct{}

// ExprStmt evaluates an expression for its side effects.
type ExprStmt struct {
	X Expr
}

// BlockStmt is a brace-delimited statement sequence.
type BlockStmt struct {
	Stmts []Stmt
}

// MatchArm is a single arm of a match statement.
type MatchArm struct {
	Pattern Pattern
	Body    Stmt
}

// MatchStmt evaluates the scrutinee once and executes the first arm whose
// pattern matches, in source order.
type MatchStmt struct {
	Value Expr
	Arms  []MatchArm
}

func (*LetStmt) stmtNode()      {}
func (*AssignStmt) stmtNode()   {}
func (*IfStmt) stmtNode()       {}
func (*IfLetStmt) stmtNode()    {}
func (*ForRangeStmt) stmtNode() {}
func (*ReturnStmt) stmtNode()   {}
func (*BreakStmt) stmtNode()    {}
func (*ContinueStmt) stmtNode() {}
func (*ExprStmt) stmtNode()     {}
func (*BlockStmt) stmtNode()    {}
func (*MatchStmt) stmtNode()    {}

func (s *LetStmt) String() string    { return fmt.Sprintf("let %s = %s", s.Name, s.Value) }
func (s *AssignStmt) String() string { return fmt.Sprintf("%s = %s", s.Name, s.Value) }
func (s *IfStmt) String() string     { return fmt.Sprintf("if %s", s.Cond) }
func (s *IfLetStmt) String() string  { return fmt.Sprintf("if let %s = %s", s.Pattern, s.Value) }
func (s *ForRangeStmt) String() string {
	return fmt.Sprintf("for %s in range(%s)", s.Var, s.Bound)
}
func (s *ReturnStmt) String() string {
	if s.Value == nil {
		return "return"
	}
	return "return " + s.Value.String()
}
func (*BreakStmt) String() string    { return "break" }
func (*ContinueStmt) String() string { return "continue" }
func (s *ExprStmt) String() string   { return s.X.String() }
func (s *BlockStmt) String() string  { return fmt.Sprintf("{ %d stmts }", len(s.Stmts)) }
func (s *MatchStmt) String() string  { return fmt.Sprintf("match %s", s.Value) }

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// IntLit is an integer literal.
type IntLit struct {
	Value int64
	Typ   *types.TypeInfo // nil defaults to i64
}

// FloatLit is a floating-point literal.
type FloatLit struct {
	Value float64
	Typ   *types.TypeInfo // nil defaults to f64
}

// BoolLit is true or false.
type BoolLit struct {
	Value bool
}

// Ident references a local variable or parameter.
type Ident struct {
	Name string
	Typ  *types.TypeInfo
}

// UnaryExpr applies "-" (negate) or "!" (logical not).
type UnaryExpr struct {
	Op      string
	Operand Expr
}

// BinaryExpr applies an arithmetic, comparison, or logical operator:
// + - * / % == != < <= > >= && ||
type BinaryExpr struct {
	Op    string
	Left  Expr
	Right Expr
	Typ   *types.TypeInfo
}

// CallExpr calls a named function.
type CallExpr struct {
	Callee string
	Args   []Expr
	Typ    *types.TypeInfo
}

func (*IntLit) exprNode()     {}
func (*FloatLit) exprNode()   {}
func (*BoolLit) exprNode()    {}
func (*Ident) exprNode()      {}
func (*UnaryExpr) exprNode()  {}
func (*BinaryExpr) exprNode() {}
func (*CallExpr) exprNode()   {}

func (e *IntLit) Type() *types.TypeInfo {
	if e.Typ != nil {
		return e.Typ
	}
	return types.I64
}

func (e *FloatLit) Type() *types.TypeInfo {
	if e.Typ != nil {
		return e.Typ
	}
	return types.F64
}

func (e *BoolLit) Type() *types.TypeInfo { return types.Bool }

func (e *Ident) Type() *types.TypeInfo { return e.Typ }

func (e *UnaryExpr) Type() *types.TypeInfo {
	if e.Op == "!" {
		return types.Bool
	}
	return e.Operand.Type()
}

func (e *BinaryExpr) Type() *types.TypeInfo {
	if e.Typ != nil {
		return e.Typ
	}
	switch e.Op {
	case "==", "!=", "<", "<=", ">", ">=", "&&", "||":
		return types.Bool
	}
	return e.Left.Type()
}

func (e *CallExpr) Type() *types.TypeInfo { return e.Typ }

func (e *IntLit) String() string   { return fmt.Sprintf("%d", e.Value) }
func (e *FloatLit) String() string { return fmt.Sprintf("%g", e.Value) }
func (e *BoolLit) String() string  { return fmt.Sprintf("%t", e.Value) }
func (e *Ident) String() string    { return e.Name }
func (e *UnaryExpr) String() string {
	return e.Op + e.Operand.String()
}
func (e *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", e.Left, e.Op, e.Right)
}
func (e *CallExpr) String() string {
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		args[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", e.Callee, strings.Join(args, ", "))
}

// ---------------------------------------------------------------------------
// Patterns
// ---------------------------------------------------------------------------

// WildcardPattern matches anything and binds nothing.
type WildcardPattern struct{}

// IdentPattern matches anything and binds the value to a name.
type IdentPattern struct {
	Name string
}

// LiteralPattern matches an exact integer value.
type LiteralPattern struct {
	Value int64
}

// EnumPattern matches an enum variant by runtime tag.  Tag is the resolved
// declaration-order index for user-defined enums; the generator substitutes
// the fixed tags for the built-in Option and Result types.  Binding, when
// non-empty, names the variant's payload.
type EnumPattern struct {
	Enum    string
	Variant string
	Tag     int
	Binding string
}

// StructPattern matches a struct and destructures its fields.  Field
// destructuring is not lowered by this backend; the generator reports it as
// an unsupported operation.
type StructPattern struct {
	Struct string
	Fields []string
}

func (*WildcardPattern) patternNode() {}
func (*IdentPattern) patternNode()    {}
func (*LiteralPattern) patternNode()  {}
func (*EnumPattern) patternNode()     {}
func (*StructPattern) patternNode()   {}

func (*WildcardPattern) String() string  { return "_" }
func (p *IdentPattern) String() string   { return p.Name }
func (p *LiteralPattern) String() string { return fmt.Sprintf("%d", p.Value) }
func (p *EnumPattern) String() string {
	if p.Binding != "" {
		return fmt.Sprintf("%s.%s(%s)", p.Enum, p.Variant, p.Binding)
	}
	return fmt.Sprintf("%s.%s", p.Enum, p.Variant)
}
func (p *StructPattern) String() string { return p.Struct + "{..}" }
