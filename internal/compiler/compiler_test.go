package compiler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asthra-lang/asthra-sub000/internal/ast"
	"github.com/asthra-lang/asthra-sub000/internal/optimizer"
	"github.com/asthra-lang/asthra-sub000/internal/types"
)

func addProgram() *ast.Program {
	return &ast.Program{Functions: []*ast.FnDecl{{
		Name: "add",
		Params: []ast.Param{
			{Name: "a", Type: types.I64},
			{Name: "b", Type: types.I64},
		},
		ReturnType: types.I64,
		Body: &ast.BlockStmt{Stmts: []ast.Stmt{
			&ast.ReturnStmt{Value: &ast.BinaryExpr{
				Op:    "+",
				Left:  &ast.Ident{Name: "a", Typ: types.I64},
				Right: &ast.Ident{Name: "b", Typ: types.I64},
				Typ:   types.I64,
			}},
		}},
	}}}
}

// classifyProgram matches densely on small tags, the shape the jump-table
// rewrite wants.
func classifyProgram() *ast.Program {
	arms := make([]ast.MatchArm, 0, 6)
	for tag := int64(0); tag < 5; tag++ {
		arms = append(arms, ast.MatchArm{
			Pattern: &ast.LiteralPattern{Value: tag},
			Body: &ast.BlockStmt{Stmts: []ast.Stmt{
				&ast.ReturnStmt{Value: &ast.IntLit{Value: 100 + tag}},
			}},
		})
	}
	arms = append(arms, ast.MatchArm{
		Pattern: &ast.WildcardPattern{},
		Body: &ast.BlockStmt{Stmts: []ast.Stmt{
			&ast.ReturnStmt{Value: &ast.IntLit{Value: -1}},
		}},
	})
	return &ast.Program{Functions: []*ast.FnDecl{{
		Name:       "classify",
		Params:     []ast.Param{{Name: "code", Type: types.I64}},
		ReturnType: types.I64,
		Body: &ast.BlockStmt{Stmts: []ast.Stmt{
			&ast.MatchStmt{
				Value: &ast.Ident{Name: "code", Typ: types.I64},
				Arms:  arms,
			},
		}},
	}}}
}

func TestCompileAddFunction(t *testing.T) {
	res, err := Compile(addProgram(), DefaultOptions())
	require.NoError(t, err)
	require.Empty(t, res.Diagnostics)

	asm := res.Assembly
	require.Contains(t, asm, ".globl add")
	require.Contains(t, asm, "add:")
	require.Contains(t, asm, "addq")
	require.Contains(t, asm, "ret")
	require.Equal(t, int64(1), res.Stats.Functions)
	require.Greater(t, res.Stats.Instructions, int64(0))
}

func TestCompileCallWithArguments(t *testing.T) {
	program := addProgram()
	program.Functions = append(program.Functions, &ast.FnDecl{
		Name:       "main",
		ReturnType: types.I64,
		Body: &ast.BlockStmt{Stmts: []ast.Stmt{
			&ast.ReturnStmt{Value: &ast.CallExpr{
				Callee: "add",
				Args:   []ast.Expr{&ast.IntLit{Value: 1}, &ast.IntLit{Value: 2}},
				Typ:    types.I64,
			}},
		}},
	})

	res, err := Compile(program, DefaultOptions())
	require.NoError(t, err)
	require.Empty(t, res.Diagnostics)

	// The default pipeline must keep the argument staging: both argument
	// registers are loaded before the call.
	mainAt := strings.Index(res.Assembly, "main:")
	require.Greater(t, mainAt, -1)
	body := res.Assembly[mainAt:]
	require.Contains(t, body, "call add")
	require.Contains(t, body, "%rdi")
	require.Contains(t, body, "%rsi")
}

func TestCompileIsDeterministic(t *testing.T) {
	program := addProgram()
	opts := DefaultOptions()
	opts.Parallelism = 4

	first, err := Compile(program, opts)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Compile(program, opts)
		require.NoError(t, err)
		require.Equal(t, first.Assembly, again.Assembly, "run %d differs", i)
	}
}

func TestCompileKeepsDeclarationOrder(t *testing.T) {
	program := addProgram()
	second := classifyProgram().Functions[0]
	program.Functions = append(program.Functions, second)

	opts := DefaultOptions()
	opts.Parallelism = 8
	res, err := Compile(program, opts)
	require.NoError(t, err)
	require.Empty(t, res.Diagnostics)

	addAt := strings.Index(res.Assembly, "add:")
	classifyAt := strings.Index(res.Assembly, "classify:")
	require.Greater(t, addAt, -1)
	require.Greater(t, classifyAt, addAt, "functions emit in declaration order")
}

func TestCompileBadFunctionBecomesDiagnostic(t *testing.T) {
	program := addProgram()
	program.Functions = append(program.Functions, &ast.FnDecl{
		Name:       "broken",
		ReturnType: types.Void,
		Body:       &ast.BlockStmt{Stmts: []ast.Stmt{&ast.BreakStmt{}}},
	})

	res, err := Compile(program, DefaultOptions())
	require.NoError(t, err, "per-function failures do not abort the run")
	require.Len(t, res.Diagnostics, 1)
	require.Equal(t, "broken", res.Diagnostics[0].Function)
	require.NotContains(t, res.Assembly, "broken:")
	require.Contains(t, res.Assembly, "add:", "healthy functions still compile")
}

func TestCompileBadTarget(t *testing.T) {
	opts := DefaultOptions()
	opts.OSName = "plan9"
	_, err := Compile(addProgram(), opts)
	require.Error(t, err)
}

func TestCompileAggressiveBuildsJumpTable(t *testing.T) {
	opts := DefaultOptions()
	opts.OptLevel = optimizer.LevelAggressive
	res, err := Compile(classifyProgram(), opts)
	require.NoError(t, err)
	require.Empty(t, res.Diagnostics)

	require.Equal(t, int64(1), res.Stats.JumpTablesCreated)
	require.Contains(t, res.Assembly, ".quad")
	require.Contains(t, res.Assembly, ".rodata")
}

func TestCompileStandardKeepsLinearDispatch(t *testing.T) {
	res, err := Compile(classifyProgram(), DefaultOptions())
	require.NoError(t, err)
	require.Zero(t, res.Stats.JumpTablesCreated)
	require.NotContains(t, res.Assembly, ".quad")
}

func TestCompileDisablePassWins(t *testing.T) {
	opts := DefaultOptions()
	opts.OptLevel = optimizer.LevelAggressive
	opts.DisablePasses = optimizer.PassMatchDispatch
	res, err := Compile(classifyProgram(), opts)
	require.NoError(t, err)
	require.Zero(t, res.Stats.JumpTablesCreated)
}

func TestCompileIntelDialect(t *testing.T) {
	opts := DefaultOptions()
	opts.OSName = "windows"
	res, err := Compile(addProgram(), opts)
	require.NoError(t, err)
	require.Empty(t, res.Diagnostics)
	require.Contains(t, res.Assembly, "global add")
	require.NotContains(t, res.Assembly, "%rax")
}

func TestCompileArm64(t *testing.T) {
	opts := DefaultOptions()
	opts.ArchName = "arm64"
	res, err := Compile(addProgram(), opts)
	require.NoError(t, err)
	require.Empty(t, res.Diagnostics)
	require.Contains(t, res.Assembly, "add x")
}
