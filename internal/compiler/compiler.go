package compiler

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/asthra-lang/asthra-sub000/internal/ast"
	"github.com/asthra-lang/asthra-sub000/internal/cfg"
	"github.com/asthra-lang/asthra-sub000/internal/codegen"
	"github.com/asthra-lang/asthra-sub000/internal/dataflow"
	"github.com/asthra-lang/asthra-sub000/internal/optimizer"
	"github.com/asthra-lang/asthra-sub000/internal/regalloc"
)

// ---------------------------------------------------------------------------
// Pipeline — typed AST in, assembly text out
//
// Functions compile independently: generate, control-flow and liveness
// analysis, global recoloring, optimization, validation, emission.  A
// failing function discards its buffer and turns into a diagnostic; the
// others are unaffected.  With Parallelism > 1 the per-function work runs
// under an errgroup.
// ---------------------------------------------------------------------------

// Options configures one Compile run.
type Options struct {
	OSName   string
	ArchName string

	OptLevel optimizer.Level
	// EnablePasses/DisablePasses adjust the level's bundle.
	EnablePasses  optimizer.PassMask
	DisablePasses optimizer.PassMask

	// Parallelism bounds concurrent function compilation; values below 1
	// mean sequential.
	Parallelism int

	Verbose bool
}

// DefaultOptions compiles for linux/amd64 at the standard level,
// sequentially.
func DefaultOptions() Options {
	return Options{
		OSName:      "linux",
		ArchName:    "amd64",
		OptLevel:    optimizer.LevelStandard,
		Parallelism: 1,
	}
}

// Diagnostic reports one failed function.
type Diagnostic struct {
	Function string
	Err      error
}

func (d Diagnostic) Error() string {
	return d.Function + ": " + d.Err.Error()
}

// Result is the output of a Compile run.
type Result struct {
	// Assembly is the complete output text: prelude, every successfully
	// compiled function in declaration order, postlude.
	Assembly string

	Stats       codegen.Snapshot
	Diagnostics []Diagnostic
}

// Compile lowers every function in the program and assembles the output
// text.  The returned error covers setup failures (bad target); failures
// scoped to single functions appear as Diagnostics.
func Compile(program *ast.Program, opts Options) (*Result, error) {
	target, err := codegen.ResolveTarget(opts.OSName, opts.ArchName)
	if err != nil {
		return nil, errors.Wrap(err, "resolving target")
	}
	stats := codegen.NewStatistics()
	emitter := codegen.NewEmitter(target)

	if opts.Verbose {
		slog.Info("compiling",
			"functions", len(program.Functions),
			"target", opts.OSName+"/"+opts.ArchName,
			"opt", opts.OptLevel.String())
	}

	texts := make([]string, len(program.Functions))
	var mu sync.Mutex
	var diags []Diagnostic

	var eg errgroup.Group
	limit := opts.Parallelism
	if limit < 1 {
		limit = 1
	}
	eg.SetLimit(limit)

	for i, fn := range program.Functions {
		i, fn := i, fn
		eg.Go(func() error {
			text, err := compileFunction(target, fn, opts, stats, emitter)
			if err != nil {
				mu.Lock()
				diags = append(diags, Diagnostic{Function: fn.Name, Err: err})
				mu.Unlock()
				if opts.Verbose {
					slog.Warn("function failed", "function", fn.Name, "err", err)
				}
				return nil
			}
			texts[i] = text
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(emitter.Prelude())
	for _, t := range texts {
		if t == "" {
			continue
		}
		b.WriteString(t)
		b.WriteString("\n")
	}
	b.WriteString(emitter.Postlude())

	return &Result{
		Assembly:    b.String(),
		Stats:       stats.Snapshot(),
		Diagnostics: diags,
	}, nil
}

// compileFunction runs the full per-function pipeline.
func compileFunction(target *codegen.Target, fn *ast.FnDecl, opts Options, stats *codegen.Statistics, emitter *codegen.Emitter) (string, error) {
	gen := codegen.NewGenerator(target, fn, stats)
	if err := gen.Generate(); err != nil {
		return "", errors.Wrap(err, "generating")
	}
	buf, labels := gen.Buffer(), gen.Labels()

	// Global recoloring over the generator's assignment.
	graph, err := cfg.Build(buf, labels)
	if err != nil {
		return "", errors.Wrap(err, "building cfg")
	}
	liveness := dataflow.ComputeLiveness(graph)
	ig := regalloc.BuildInterference(graph, liveness, target)
	asg := regalloc.Color(ig, target)
	if err := regalloc.Rewrite(buf, asg); err != nil {
		return "", errors.Wrap(err, "applying register assignment")
	}

	mgr := optimizer.NewManager(opts.OptLevel)
	mgr.Enable(opts.EnablePasses)
	mgr.Disable(opts.DisablePasses)
	if err := mgr.Run(&optimizer.Context{
		Target:     target,
		Buf:        buf,
		Labels:     labels,
		Stats:      stats,
		MatchSites: gen.MatchSites(),
	}); err != nil {
		return "", errors.Wrap(err, "optimizing")
	}

	if err := codegen.ValidateInstructions(buf); err != nil {
		return "", errors.Wrap(err, "validating")
	}
	text, err := emitter.EmitFunction(fn.Name, buf, labels)
	if err != nil {
		return "", errors.Wrap(err, "emitting")
	}
	return text, nil
}
