package profile

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/getsentry/traceprof/internal/rawprofile"
	"github.com/getsentry/traceprof/internal/stackresolver"
)

type (
	// CounterSummary aggregates the events of one performance counter.
	CounterSummary struct {
		ID        int               `json:"id"`
		Name      string            `json:"name,omitempty"`
		Frequency int               `json:"frequency,omitempty"`
		Total     int64             `json:"total"`
		Modules   map[string]int64  `json:"modules"`
		Functions []FunctionCounter `json:"functions"`
	}

	FunctionCounter struct {
		Module   string `json:"module"`
		Function string `json:"function"`
		Count    int64  `json:"count"`
	}
)

// processCounters attributes every performance counter event to the
// module and function of its instruction pointer. Events outside any known
// image or managed method only count in the total.
func (p *Profile) processCounters(ctx context.Context, stacks *stackresolver.Resolver, top int) error {
	events := p.Raw.PerformanceCounterEvents()
	if len(events) == 0 {
		return nil
	}
	byID := make(map[int]*CounterSummary)
	for _, c := range p.Raw.PerformanceCounters() {
		byID[c.ID] = &CounterSummary{
			ID:        c.ID,
			Name:      c.Name,
			Frequency: c.Frequency,
			Modules:   make(map[string]int64),
		}
	}
	for i, e := range events {
		if i%cancelCheckInterval == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		summary, ok := byID[e.CounterID]
		if !ok {
			summary = &CounterSummary{ID: e.CounterID, Modules: make(map[string]int64)}
			byID[e.CounterID] = summary
		}
		summary.Total++

		c, _ := p.Raw.FindContext(e.ContextID)
		frame := stacks.ResolveSampleIP(ctx, rawprofile.Sample{IP: e.IP, ContextID: e.ContextID}, c).Frames[0]
		if frame.Info.Module != nil {
			summary.Modules[frame.Info.Module.Name]++
		}
		p.Functions.AddCounter(frame, e.CounterID)
	}

	profiles := p.Functions.Sorted()
	p.Counters = make([]CounterSummary, 0, len(byID))
	for id, summary := range byID {
		for _, fp := range profiles {
			if n := fp.Counters[id]; n > 0 {
				summary.Functions = append(summary.Functions, FunctionCounter{
					Module:   fp.Function.ModuleName,
					Function: fp.Function.Name,
					Count:    n,
				})
			}
		}
		sort.SliceStable(summary.Functions, func(i, j int) bool {
			return summary.Functions[i].Count > summary.Functions[j].Count
		})
		if len(summary.Functions) > top {
			summary.Functions = summary.Functions[:top]
		}
		p.Counters = append(p.Counters, *summary)
	}
	sort.Slice(p.Counters, func(i, j int) bool {
		return p.Counters[i].ID < p.Counters[j].ID
	})
	log.Debug().
		Str("profile_id", p.ID).
		Int("events", len(events)).
		Int("counters", len(p.Counters)).
		Msg("performance counters processed")
	return nil
}
