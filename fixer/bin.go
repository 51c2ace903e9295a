package main

import (
	"errors"
	"fmt"
	. "github.com/ZenLiuCN/dylibfix"
	"github.com/ZenLiuCN/fn"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"io"
	"os"
	"slices"
	"strings"
)

// exit codes
const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitNotFound  = 3
	exitMetadata  = 4
	exitUnmatched = 5
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

type fixer struct {
	stdout, stderr io.Writer
	logger         *zap.Logger
}

func run(args []string, stdout, stderr io.Writer) int {
	f := &fixer{stdout: stdout, stderr: stderr, logger: zap.NewNop()}
	app := cli.NewApp()
	app.Name = "fixer"
	app.Usage = "make a macOS plugin relocatable"
	app.UsageText = "fixer [flags] <artifact>"
	app.Description = "fixer sets the self identifier of a dylib or bundle to its file name and rewrites absolute homebrew dependency references to @rpath ones, editing the load commands in place"
	app.Writer = stdout
	app.ErrWriter = stderr
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Usage: "verbose logging"},
		&cli.BoolFlag{Name: "strict", Usage: "fail when a dependency under a rule prefix matches no rule"},
		&cli.BoolFlag{Name: "dry-run", Aliases: []string{"n"}, Usage: "report the planned rewrite without editing"},
		&cli.StringFlag{Name: "backend", Value: "native", Usage: "metadata editor: " + strings.Join(backendNames(), ", ")},
		&cli.StringSliceFlag{Name: "rule", Aliases: []string{"r"}, Usage: "absolute library path rewritten in addition to the default rules"},
		&cli.StringFlag{Name: "token", Value: DefaultToken, Usage: "search path token of rewritten references"},
	}
	app.Args = true
	app.Action = f.rewrite
	app.Before = f.before
	app.After = f.after
	app.Commands = []*cli.Command{
		{Name: "inspect", Action: f.inspect, Usage: "display identifier, rpaths and dependencies of artifacts", Args: true},
		{Name: "rules", Action: f.rules, Usage: "display rewrite rules in effect"},
	}
	app.OnUsageError = func(_ *cli.Context, err error, _ bool) error {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(args)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "failure %s\n", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	var ec cli.ExitCoder
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, ErrUsage), errors.Is(err, ErrInvalidRule):
		return exitUsage
	case errors.Is(err, ErrNotFound):
		return exitNotFound
	case errors.Is(err, ErrUnmatched):
		return exitUnmatched
	case errors.Is(err, ErrMetadata):
		return exitMetadata
	case errors.As(err, &ec):
		return ec.ExitCode()
	default:
		return exitFailure
	}
}

func (f *fixer) before(ctx *cli.Context) error {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.TimeKey = ""
	level := zapcore.InfoLevel
	if ctx.Bool("debug") {
		level = zapcore.DebugLevel
	}
	f.logger = zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(f.stderr), level))
	return nil
}

func (f *fixer) after(*cli.Context) error {
	_ = f.logger.Sync()
	return nil
}

var backends = map[string]func(*zap.Logger) Backend{
	"native":    func(*zap.Logger) Backend { return Native{} },
	"toolchain": func(l *zap.Logger) Backend { return Toolchain{Logger: l} },
}

func backendNames() []string {
	v := fn.MapKeys(backends)
	slices.Sort(v)
	return v
}

// rewriter configured from the global flags.
func (f *fixer) rewriter(ctx *cli.Context) (r *Rewriter, err error) {
	b, ok := backends[ctx.String("backend")]
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q, one of %s", ErrUsage, ctx.String("backend"), strings.Join(backendNames(), ", "))
	}
	rules := DefaultRules()
	for _, s := range ctx.StringSlice("rule") {
		var rule Rule
		if rule, err = ParseRule(s); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUsage, err)
		}
		rules = append(rules, rule)
	}
	if err = rules.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUsage, err)
	}
	return New(
		WithRules(rules),
		WithBackend(b(f.logger)),
		WithLogger(f.logger),
		WithStrict(ctx.Bool("strict")),
		WithDryRun(ctx.Bool("dry-run")),
		WithToken(ctx.String("token")),
	), nil
}

func (f *fixer) rewrite(ctx *cli.Context) (err error) {
	if ctx.NArg() != 1 {
		return fmt.Errorf("%w: expect exactly one artifact path, got %d\nusage: %s", ErrUsage, ctx.NArg(), ctx.App.UsageText)
	}
	var r *Rewriter
	if r, err = f.rewriter(ctx); err != nil {
		return
	}
	rep, err := r.Rewrite(ctx.Args().First())
	if rep != nil {
		f.report(rep)
	}
	return
}

func (f *fixer) report(rep *Report) {
	b := new(strings.Builder)
	if rep.DryRun {
		b.WriteString("(dry run) ")
	}
	b.WriteString(rep.Path)
	b.WriteByte('\n')
	if rep.NewID != "" {
		_, _ = fmt.Fprintf(b, "\tid %s => %s\n", rep.OldID, rep.NewID)
	}
	for _, c := range rep.Changes {
		_, _ = fmt.Fprintf(b, "\t%s => %s\n", c.From, c.To)
	}
	for _, d := range rep.Unmatched {
		_, _ = fmt.Fprintf(b, "\t%s (unmatched)\n", d)
	}
	_, _ = io.WriteString(f.stdout, b.String())
}

func (f *fixer) inspect(ctx *cli.Context) (err error) {
	if ctx.NArg() == 0 {
		return fmt.Errorf("%w: missing artifact paths", ErrUsage)
	}
	var r *Rewriter
	if r, err = f.rewriter(ctx); err != nil {
		return
	}
	for _, s := range ctx.Args().Slice() {
		var v *Inspection
		if v, err = r.Inspect(s); err != nil {
			return
		}
		b := new(strings.Builder)
		_, _ = fmt.Fprintf(b, "%s\n\tid: %s\n", v.Path, v.ID)
		if v.Signed {
			b.WriteString("\tsigned\n")
		}
		for _, p := range v.Rpaths {
			_, _ = fmt.Fprintf(b, "\trpath: %s\n", p)
		}
		for _, d := range v.Dependencies {
			switch {
			case d.Target != "":
				_, _ = fmt.Fprintf(b, "\t%s => %s\n", d.Path, d.Target)
			case d.Unmatched:
				_, _ = fmt.Fprintf(b, "\t%s (unmatched)\n", d.Path)
			default:
				_, _ = fmt.Fprintf(b, "\t%s\n", d.Path)
			}
		}
		_, _ = io.WriteString(f.stdout, b.String())
	}
	return
}

func (f *fixer) rules(ctx *cli.Context) (err error) {
	var r *Rewriter
	if r, err = f.rewriter(ctx); err != nil {
		return
	}
	for _, rule := range r.Rules() {
		_, _ = fmt.Fprintf(f.stdout, "%s => %s\n", rule.Source(), rule.Target(r.Token()))
	}
	return
}
