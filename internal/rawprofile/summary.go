package rawprofile

import (
	"sort"
	"time"
)

type ProcessSummary struct {
	Process          *Process      `json:"process"`
	Weight           time.Duration `json:"weight"`
	WeightPercentage float64       `json:"weight_percentage"`
	Duration         time.Duration `json:"duration"`
	SampleCount      int           `json:"sample_count"`
}

// BuildProcessSummary aggregates sample weight per process, heaviest first.
func (p *Profile) BuildProcessSummary() []ProcessSummary {
	type span struct {
		first, last time.Duration
	}
	var total time.Duration
	byProcess := make(map[int]*ProcessSummary)
	spans := make(map[int]*span)
	for _, s := range p.samples {
		c, ok := p.FindContext(s.ContextID)
		if !ok {
			continue
		}
		total += s.Weight
		summary, ok := byProcess[c.ProcessID]
		if !ok {
			summary = &ProcessSummary{Process: p.GetOrCreateProcess(c.ProcessID)}
			byProcess[c.ProcessID] = summary
			spans[c.ProcessID] = &span{first: s.Time, last: s.Time}
		}
		summary.Weight += s.Weight
		summary.SampleCount++
		sp := spans[c.ProcessID]
		if s.Time < sp.first {
			sp.first = s.Time
		}
		if s.Time > sp.last {
			sp.last = s.Time
		}
	}

	summaries := make([]ProcessSummary, 0, len(byProcess))
	for pid, summary := range byProcess {
		sp := spans[pid]
		summary.Duration = sp.last - sp.first
		if total > 0 {
			summary.WeightPercentage = 100 * float64(summary.Weight) / float64(total)
		}
		summaries = append(summaries, *summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Weight == summaries[j].Weight {
			return summaries[i].Process.ID < summaries[j].Process.ID
		}
		return summaries[i].Weight > summaries[j].Weight
	})
	return summaries
}
