// Package cli defines the girder command line: flag parsing, optional
// .girder.yml defaults, and the wiring of the loader, scheduler, and
// tracer into one build invocation.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/roach88/girder/internal/build"
	"github.com/roach88/girder/internal/load"
	"github.com/roach88/girder/internal/progress"
	"github.com/roach88/girder/internal/trace"
	"github.com/roach88/girder/internal/work"
)

// Version is stamped into --version output.
const Version = "0.1.0"

// TraceFile is where -d trace writes its Chrome trace.
const TraceFile = "girder_trace.json"

// BuildOptions holds the root command flags.
type BuildOptions struct {
	Chdir       string
	Manifest    string
	Parallelism int
	KeepGoing   int
	Verbose     bool
	Debug       []string
	Tool        string
}

// debugModes are the accepted -d values; "list" prints this table.
var debugModes = []struct{ name, desc string }{
	{"explain", "print why each task is considered out of date"},
	{"list", "list the available debug modes"},
	{"trace", "write a Chrome trace of the build to " + TraceFile},
}

// tools are the accepted -t values.
var tools = []struct{ name, desc string }{
	{"list", "list the available tools"},
}

// NewRootCommand creates the girder root command.
func NewRootCommand() *cobra.Command {
	opts := &BuildOptions{}

	cmd := &cobra.Command{
		Use:     "girder [targets...]",
		Short:   "girder - an incremental build executor",
		Long:    "girder loads a ninja-style build manifest and brings the requested\ntargets up to date, running only the tasks whose recorded build\nsignatures no longer match.",
		Version: Version,
		Args:    cobra.ArbitraryArgs,

		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.Chdir, "chdir", "C", "", "change to directory before doing anything else")
	cmd.Flags().StringVarP(&opts.Manifest, "manifest", "f", "build.ninja", "build manifest to load")
	cmd.Flags().IntVarP(&opts.Parallelism, "jobs", "j", runtime.NumCPU(), "number of tasks to run in parallel")
	cmd.Flags().IntVarP(&opts.KeepGoing, "keep-going", "k", 1, "keep going until this many tasks fail (0 means never stop)")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "print full commands and debug logs")
	cmd.Flags().StringSliceVarP(&opts.Debug, "debug", "d", nil, "enable a debug mode (-d list to see them)")
	cmd.Flags().StringVarP(&opts.Tool, "tool", "t", "", "run a subtool (-t list to see them)")

	return cmd
}

func runBuild(cmd *cobra.Command, opts *BuildOptions, targets []string) error {
	if opts.Chdir != "" {
		if err := os.Chdir(opts.Chdir); err != nil {
			return WrapExitError(ExitCommandError, "chdir", err)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	cfg.apply(cmd, opts)

	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	explain := false
	traceOn := false
	for _, d := range opts.Debug {
		switch d {
		case "explain":
			explain = true
		case "trace":
			traceOn = true
		case "list":
			listDebugModes(cmd)
			return nil
		default:
			return NewExitError(ExitCommandError,
				fmt.Sprintf("unknown debug mode %q (-d list shows the available modes)", d))
		}
	}

	switch opts.Tool {
	case "":
	case "list":
		listTools(cmd)
		return nil
	default:
		return NewExitError(ExitCommandError,
			fmt.Sprintf("unknown tool %q (-t list shows the available tools)", opts.Tool))
	}

	var tracer *trace.Tracer
	if traceOn {
		tracer, err = trace.Open(TraceFile)
		if err != nil {
			return WrapExitError(ExitCommandError, "open trace file", err)
		}
		defer func() {
			if closeErr := tracer.Close(); closeErr != nil {
				slog.Error("closing trace file", "error", closeErr)
			}
		}()
	}

	factory := func(st *load.State) build.Scheduler {
		sink := progress.NewConsole(st.Graph, cmd.OutOrStdout(), opts.Verbose)
		return work.New(st.Graph, st.Records, st.Store, work.Options{
			Parallelism: opts.Parallelism,
			KeepGoing:   opts.KeepGoing,
			Explain:     explain,
		}, sink, tracer)
	}
	orch := build.New(build.ProductionLoader(), factory, tracer)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	tasks, err := orch.Build(ctx, opts.Manifest, targets)
	if err != nil {
		return WrapExitError(ExitCommandError, "build", err)
	}
	if tasks == nil {
		// Failures were already reported task by task.
		return NewExitError(ExitFailure, "build failed")
	}
	switch {
	case *tasks == 0:
		fmt.Fprintln(cmd.OutOrStdout(), "girder: no work to do")
	case *tasks == 1:
		fmt.Fprintln(cmd.OutOrStdout(), "girder: ran 1 task, now up to date")
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "girder: ran %d tasks, now up to date\n", *tasks)
	}
	return nil
}

func listDebugModes(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "debug modes:")
	for _, m := range debugModes {
		fmt.Fprintf(out, "  %-8s %s\n", m.name, m.desc)
	}
}

func listTools(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "tools:")
	for _, t := range tools {
		fmt.Fprintf(out, "  %-8s %s\n", t.name, t.desc)
	}
}
