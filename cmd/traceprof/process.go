package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/getsentry/traceprof/internal/ingest"
	"github.com/getsentry/traceprof/internal/managedbridge"
	"github.com/getsentry/traceprof/internal/pprofutil"
	"github.com/getsentry/traceprof/internal/profile"
	"github.com/getsentry/traceprof/internal/speedscope"
	"github.com/getsentry/traceprof/internal/symbolsource"
	"github.com/getsentry/traceprof/internal/traceevent"
)

type processFlags struct {
	pids             []int
	includeChildren  bool
	includeCounters  bool
	synthesize       bool
	managedPath      string
	format           string
	output           string
	symbolPaths      []string
	symbolServer     string
	samplingInterval time.Duration
}

var processOpts processFlags

var processCmd = &cobra.Command{
	Use:   "process TRACE",
	Short: "Process a trace file and write the result",
	Long: `Process reads a trace stored as JSON lines, optionally lz4 compressed,
resolves its stacks and writes a summary, a pprof profile or a speedscope
profile. Interrupting the command processes the events read so far.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return runProcess(ctx, args[0], processOpts, cmd.OutOrStdout())
	},
}

func init() {
	f := processCmd.Flags()
	f.IntSliceVar(&processOpts.pids, "pid", nil, "only keep the samples of these processes")
	f.BoolVar(&processOpts.includeChildren, "children", false, "also keep the child processes of --pid")
	f.BoolVar(&processOpts.includeCounters, "counters", false, "keep performance counter samples")
	f.BoolVar(&processOpts.synthesize, "synthesize-missing-stacks", false, "attribute samples without a stack to their instruction pointer")
	f.StringVar(&processOpts.managedPath, "managed", "", "managed bridge stream with JIT method code and names")
	f.StringVarP(&processOpts.format, "format", "f", "summary", "output format: summary, pprof, speedscope or tree")
	f.StringVarP(&processOpts.output, "output", "o", "", "output file, standard output when empty")
	f.StringSliceVar(&processOpts.symbolPaths, "symbols", nil, "directories searched for binaries and debug files")
	f.StringVar(&processOpts.symbolServer, "symbol-server", "", "symbol server URL")
	f.DurationVar(&processOpts.samplingInterval, "sampling-interval", 0, "sampling interval used until the trace reports one")
}

func runProcess(ctx context.Context, path string, flags processFlags, stdout io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	src, err := traceevent.NewJSONReader(f)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}

	settings := config.Symbols
	if len(flags.symbolPaths) > 0 {
		settings.SearchPaths = flags.symbolPaths
	}
	if flags.symbolServer != "" {
		settings.ServerURL = flags.symbolServer
	}
	opts := profile.Options{
		Ingest: ingest.Options{
			ProcessIDs:            flags.pids,
			IncludeChildProcesses: flags.includeChildren,
			IncludeCounters:       flags.includeCounters,
			SamplingInterval:      flags.samplingInterval,
		},
		Finder:                  symbolsource.NewDefaultFinder(settings),
		Search:                  settings,
		Concurrency:             config.Concurrency,
		SynthesizeMissingStacks: flags.synthesize,
		TopFunctions:            config.TopFunctions,
	}
	if flags.managedPath != "" {
		mf, err := os.Open(flags.managedPath)
		if err != nil {
			return err
		}
		opts.ManagedMessages, err = managedbridge.ReadAll(mf)
		mf.Close()
		if err != nil {
			return fmt.Errorf("read managed bridge stream: %w", err)
		}
	}

	p, err := profile.Load(ctx, src, opts)
	if err != nil {
		return err
	}
	if p.Raw.TraceInfo.Canceled {
		log.Warn().Int("samples", len(p.Raw.Samples())).Msg("processing interrupted, the result is partial")
	}

	out := stdout
	if flags.output != "" {
		of, err := os.Create(flags.output)
		if err != nil {
			return err
		}
		defer of.Close()
		out = of
	}
	return writeProfile(out, p, flags.format, config.MinNodeWeight)
}

func writeProfile(w io.Writer, p *profile.Profile, format string, minNodeWeight time.Duration) error {
	switch format {
	case "summary":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(p.Summary(minNodeWeight))
	case "pprof":
		return pprofutil.Write(w, p)
	case "speedscope":
		return json.NewEncoder(w).Encode(speedscope.FromProfile(p))
	case "tree":
		return p.CallTree.Print(w)
	}
	return fmt.Errorf("unknown output format %q", format)
}
