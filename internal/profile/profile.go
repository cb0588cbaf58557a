// Package profile runs the whole pipeline: ingestion, symbol resolution and
// aggregation of a trace.
package profile

import (
	"fmt"
	"time"

	"github.com/getsentry/traceprof/internal/calltree"
	"github.com/getsentry/traceprof/internal/ingest"
	"github.com/getsentry/traceprof/internal/managedbridge"
	"github.com/getsentry/traceprof/internal/metrics"
	"github.com/getsentry/traceprof/internal/moduleresolver"
	"github.com/getsentry/traceprof/internal/nodetree"
	"github.com/getsentry/traceprof/internal/rawprofile"
	"github.com/getsentry/traceprof/internal/stackresolver"
	"github.com/getsentry/traceprof/internal/symbolsource"
)

const DefaultTopFunctions = 100

type (
	Options struct {
		Ingest    ingest.Options
		Finder    symbolsource.Finder
		Search    symbolsource.SearchSettings
		Providers moduleresolver.ProviderFactory
		// Concurrency is the number of sample chunks resolved in parallel.
		// Defaults to GOMAXPROCS.
		Concurrency int
		// SynthesizeMissingStacks attributes samples without a stack to the
		// function of their instruction pointer instead of leaving them out
		// of the call tree.
		SynthesizeMissingStacks bool
		// ManagedMessages are merged into the trace before resolution.
		ManagedMessages []managedbridge.Message
		TopFunctions    uint
	}

	Profile struct {
		ID        string
		Raw       *rawprofile.Profile
		CallTree  *calltree.CallTree
		Functions *calltree.FunctionProfiles
		// Stacks holds the resolved stack of every sample, by sample index.
		// It is nil for samples left out of the call tree.
		Stacks       []*stackresolver.Stack
		Modules      []moduleresolver.ModuleStatus
		Processes    []rawprofile.ProcessSummary
		TopFunctions []metrics.FunctionMetrics
		Counters     []CounterSummary
		TotalWeight  time.Duration
	}

	// Summary is the stored form of a processed profile.
	Summary struct {
		ProfileID    string                        `json:"profile_id"`
		TraceInfo    rawprofile.TraceInfo          `json:"trace_info"`
		SampleCount  int                           `json:"sample_count"`
		TotalWeight  time.Duration                 `json:"total_weight_ns"`
		TreeWeight   time.Duration                 `json:"tree_weight_ns"`
		Processes    []rawprofile.ProcessSummary   `json:"processes"`
		Modules      []moduleresolver.ModuleStatus `json:"modules"`
		TopFunctions []metrics.FunctionMetrics     `json:"top_functions"`
		Counters     []CounterSummary              `json:"counters,omitempty"`
		CallTree     []*nodetree.Node              `json:"call_tree"`
	}
)

func SummaryStoragePath(profileID string) string {
	return fmt.Sprintf("%s/summary.json.lz4", profileID)
}

func PprofStoragePath(profileID string) string {
	return fmt.Sprintf("%s/profile.pb.gz", profileID)
}

func SpeedscopeStoragePath(profileID string) string {
	return fmt.Sprintf("%s/speedscope.json.lz4", profileID)
}

// Summary returns the stored form of the profile. Call tree nodes lighter
// than minNodeWeight are left out.
func (p *Profile) Summary(minNodeWeight time.Duration) Summary {
	roots := nodetree.FromCallTree(p.CallTree)
	tree := make([]*nodetree.Node, 0, len(roots))
	for _, r := range roots {
		if r.WeightNS < uint64(minNodeWeight.Nanoseconds()) {
			continue
		}
		tree = append(tree, r.Prune(uint64(minNodeWeight.Nanoseconds())))
	}
	return Summary{
		ProfileID:    p.ID,
		TraceInfo:    p.Raw.TraceInfo,
		SampleCount:  len(p.Raw.Samples()),
		TotalWeight:  p.TotalWeight,
		TreeWeight:   p.CallTree.TotalWeight(),
		Processes:    p.Processes,
		Modules:      p.Modules,
		TopFunctions: p.TopFunctions,
		Counters:     p.Counters,
		CallTree:     tree,
	}
}
