package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/asthra-lang/asthra-sub000/internal/ast"
	"github.com/asthra-lang/asthra-sub000/internal/compiler"
	"github.com/asthra-lang/asthra-sub000/internal/types"
)

const version = "0.3.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		targetFlag  string
		optFlag     string
		outputFlag  string
		configFlag  string
		parallelism int
		showStats   bool
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:     "asthra",
		Short:   "Asthra native compiler backend",
		Long:    "Compiles the built-in demonstration program to assembly through the full backend pipeline.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}

			opts := compiler.DefaultOptions()
			opts.Verbose = verbose
			opts.Parallelism = parallelism

			output := outputFlag
			if configFlag != "" {
				var err error
				var cfgOutput string
				opts, cfgOutput, err = compiler.LoadConfig(configFlag, opts)
				if err != nil {
					return err
				}
				if output == "" {
					output = cfgOutput
				}
			}
			if targetFlag != "" {
				parts := strings.SplitN(targetFlag, "/", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid target %q (expected os/arch, e.g. linux/amd64)", targetFlag)
				}
				opts.OSName, opts.ArchName = parts[0], parts[1]
			}
			if optFlag != "" {
				level, err := compiler.ParseLevel(optFlag)
				if err != nil {
					return err
				}
				opts.OptLevel = level
			}

			result, err := compiler.Compile(demoProgram(), opts)
			if err != nil {
				return err
			}
			for _, d := range result.Diagnostics {
				fmt.Fprintln(os.Stderr, "warning:", d.Error())
			}

			if output != "" {
				if err := os.WriteFile(output, []byte(result.Assembly), 0o644); err != nil {
					return err
				}
				fmt.Println("Assembly written to", output)
			} else {
				fmt.Print(result.Assembly)
			}

			if showStats {
				printStats(result)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&targetFlag, "target", "", "target as os/arch (e.g. linux/amd64, darwin/arm64)")
	cmd.Flags().StringVarP(&optFlag, "opt", "O", "", "optimization level: none, basic, standard, aggressive")
	cmd.Flags().StringVarP(&outputFlag, "output", "o", "", "write assembly to file instead of stdout")
	cmd.Flags().StringVar(&configFlag, "config", "", "path to asthra.yaml build configuration")
	cmd.Flags().IntVarP(&parallelism, "parallelism", "j", 1, "concurrent function compilation limit")
	cmd.Flags().BoolVar(&showStats, "stats", false, "print backend statistics")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	return cmd
}

func printStats(result *compiler.Result) {
	s := result.Stats
	fmt.Fprintln(os.Stderr, "--- statistics ---")
	fmt.Fprintf(os.Stderr, "functions:              %d\n", s.Functions)
	fmt.Fprintf(os.Stderr, "instructions generated: %d\n", s.Instructions)
	fmt.Fprintf(os.Stderr, "estimated bytes:        %d\n", s.Bytes)
	fmt.Fprintf(os.Stderr, "max register pressure:  %d\n", s.MaxPressure)
	fmt.Fprintf(os.Stderr, "spills:                 %d\n", s.Spills)
	fmt.Fprintf(os.Stderr, "passes executed:        %d\n", s.PassesExecuted)
	fmt.Fprintf(os.Stderr, "instructions removed:   %d\n", s.InstructionsEliminated)
	fmt.Fprintf(os.Stderr, "constants folded:       %d\n", s.ConstantsFolded)
	fmt.Fprintf(os.Stderr, "jump tables:            %d\n", s.JumpTablesCreated)
	fmt.Fprintf(os.Stderr, "binary searches:        %d\n", s.BinarySearchesCreated)
}

// demoProgram is the built-in compilation input: arithmetic, a call, a
// counting loop, and a dense match that the aggressive level turns into a
// jump table.
func demoProgram() *ast.Program {
	i64 := types.I64

	add := &ast.FnDecl{
		Name: "add",
		Params: []ast.Param{
			{Name: "a", Type: i64},
			{Name: "b", Type: i64},
		},
		ReturnType: i64,
		Body: &ast.BlockStmt{Stmts: []ast.Stmt{
			&ast.ReturnStmt{Value: &ast.BinaryExpr{
				Op:   "+",
				Left: &ast.Ident{Name: "a", Typ: i64},
				Right: &ast.Ident{
					Name: "b", Typ: i64,
				},
			}},
		}},
	}

	// sum_to(n): total = 0; for i in range(n) { total = total + i }
	sumTo := &ast.FnDecl{
		Name:       "sum_to",
		Params:     []ast.Param{{Name: "n", Type: i64}},
		ReturnType: i64,
		Body: &ast.BlockStmt{Stmts: []ast.Stmt{
			&ast.LetStmt{Name: "total", Type: i64, Value: &ast.IntLit{Value: 0}},
			&ast.ForRangeStmt{
				Var:   "i",
				Bound: &ast.Ident{Name: "n", Typ: i64},
				Body: &ast.BlockStmt{Stmts: []ast.Stmt{
					&ast.AssignStmt{Name: "total", Value: &ast.BinaryExpr{
						Op:    "+",
						Left:  &ast.Ident{Name: "total", Typ: i64},
						Right: &ast.Ident{Name: "i", Typ: i64},
					}},
				}},
			},
			&ast.ReturnStmt{Value: &ast.Ident{Name: "total", Typ: i64}},
		}},
	}

	// classify(code): dense match over 0..4 with a wildcard default.
	arm := func(tag int64, result int64) ast.MatchArm {
		return ast.MatchArm{
			Pattern: &ast.LiteralPattern{Value: tag},
			Body: &ast.BlockStmt{Stmts: []ast.Stmt{
				&ast.ReturnStmt{Value: &ast.IntLit{Value: result}},
			}},
		}
	}
	classify := &ast.FnDecl{
		Name:       "classify",
		Params:     []ast.Param{{Name: "code", Type: i64}},
		ReturnType: i64,
		Body: &ast.BlockStmt{Stmts: []ast.Stmt{
			&ast.MatchStmt{
				Value: &ast.Ident{Name: "code", Typ: i64},
				Arms: []ast.MatchArm{
					arm(0, 100), arm(1, 101), arm(2, 102), arm(3, 103), arm(4, 104),
					{
						Pattern: &ast.WildcardPattern{},
						Body: &ast.BlockStmt{Stmts: []ast.Stmt{
							&ast.ReturnStmt{Value: &ast.IntLit{Value: -1}},
						}},
					},
				},
			},
		}},
	}

	main := &ast.FnDecl{
		Name:       "main",
		ReturnType: i64,
		Body: &ast.BlockStmt{Stmts: []ast.Stmt{
			&ast.LetStmt{Name: "s", Type: i64, Value: &ast.CallExpr{
				Callee: "sum_to",
				Args:   []ast.Expr{&ast.IntLit{Value: 10}},
				Typ:    i64,
			}},
			&ast.LetStmt{Name: "c", Type: i64, Value: &ast.CallExpr{
				Callee: "classify",
				Args:   []ast.Expr{&ast.IntLit{Value: 3}},
				Typ:    i64,
			}},
			&ast.ReturnStmt{Value: &ast.CallExpr{
				Callee: "add",
				Args: []ast.Expr{
					&ast.Ident{Name: "s", Typ: i64},
					&ast.Ident{Name: "c", Typ: i64},
				},
				Typ: i64,
			}},
		}},
	}

	return &ast.Program{Functions: []*ast.FnDecl{add, sumTo, classify, main}}
}
