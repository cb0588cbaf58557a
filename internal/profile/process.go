package profile

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/getsentry/traceprof/internal/calltree"
	"github.com/getsentry/traceprof/internal/ingest"
	"github.com/getsentry/traceprof/internal/managedbridge"
	"github.com/getsentry/traceprof/internal/metrics"
	"github.com/getsentry/traceprof/internal/moduleresolver"
	"github.com/getsentry/traceprof/internal/rawprofile"
	"github.com/getsentry/traceprof/internal/stackresolver"
	"github.com/getsentry/traceprof/internal/telemetry"
	"github.com/getsentry/traceprof/internal/traceevent"
)

// cancelCheckInterval is the number of samples a worker resolves between
// two checks of the context.
const cancelCheckInterval = 1024

// Load ingests src and processes the resulting trace. When ctx is canceled
// during ingestion, the samples read so far are still processed and the
// profile is returned with TraceInfo.Canceled set.
func Load(ctx context.Context, src traceevent.Source, opts Options) (*Profile, error) {
	raw, err := ingest.NewProcessor(opts.Ingest).Process(ctx, src)
	if err != nil {
		return nil, err
	}
	if len(opts.ManagedMessages) > 0 {
		n := managedbridge.Merge(raw, opts.ManagedMessages)
		raw.LoadingCompleted()
		log.Debug().Int("methods", n).Msg("merged managed methods")
	}
	if raw.TraceInfo.Canceled {
		ctx = context.WithoutCancel(ctx)
	}
	return Process(ctx, raw, opts)
}

// Process resolves and aggregates every sample of raw.
func Process(ctx context.Context, raw *rawprofile.Profile, opts Options) (*Profile, error) {
	span := sentry.StartSpan(ctx, "trace.process")
	defer span.Finish()
	ctx = span.Context()
	start := time.Now()
	defer func() {
		telemetry.ProcessingDuration.WithLabelValues("process").Observe(time.Since(start).Seconds())
	}()

	modules := moduleresolver.New(raw, opts.Finder, opts.Search, opts.Providers)
	stacks := stackresolver.NewResolver(raw, modules, stackresolver.NewFrameCache())
	p := &Profile{
		ID:        uuid.New().String(),
		Raw:       raw,
		CallTree:  calltree.New(),
		Functions: calltree.NewFunctionProfiles(),
	}

	samples := raw.Samples()
	p.Stacks = make([]*stackresolver.Stack, len(samples))
	chunks := opts.Concurrency
	if chunks <= 0 {
		chunks = runtime.GOMAXPROCS(0)
	}
	size := raw.ComputeSampleChunkLength(chunks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(chunks)
	for first := 0; first < len(samples); first += size {
		first, last := first, min(first+size, len(samples))
		g.Go(func() error {
			for i := first; i < last; i++ {
				if (i-first)%cancelCheckInterval == 0 && gctx.Err() != nil {
					return gctx.Err()
				}
				p.addSample(gctx, stacks, i, samples[i], opts.SynthesizeMissingStacks)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("profile: resolve samples: %w", err)
	}
	if err := p.CallTree.Validate(); err != nil {
		return nil, err
	}

	for _, s := range samples {
		p.TotalWeight += s.Weight
	}
	p.Modules = modules.Report().Modules()
	p.Processes = raw.BuildProcessSummary()

	top := opts.TopFunctions
	if top == 0 {
		top = DefaultTopFunctions
	}
	if err := p.processCounters(ctx, stacks, int(top)); err != nil {
		return nil, fmt.Errorf("profile: resolve counters: %w", err)
	}
	aggregator := metrics.NewAggregator(top, 1)
	aggregator.AddFunctions(metrics.FromProfiles(p.Functions.Sorted()), p.ID)
	p.TopFunctions = aggregator.ToMetrics()

	log.Debug().
		Str("profile_id", p.ID).
		Int("samples", len(samples)).
		Int("nodes", p.CallTree.NodeCount()).
		Int("functions", p.Functions.Len()).
		Int("frame_infos", stacks.Cache().Len()).
		Msg("trace processed")
	return p, nil
}

func (p *Profile) addSample(ctx context.Context, stacks *stackresolver.Resolver, i int, s rawprofile.Sample, synthesize bool) {
	c, _ := p.Raw.FindContext(s.ContextID)
	var stack *stackresolver.Stack
	switch {
	case s.StackID != 0:
		stack = stacks.ResolveStack(ctx, s.StackID, c)
	case synthesize:
		stack = stacks.ResolveSampleIP(ctx, s, c)
	default:
		return
	}
	p.Stacks[i] = stack
	p.CallTree.UpdateCallTree(s, c, stack)
	p.Functions.Update(i+1, s, stack)
}
