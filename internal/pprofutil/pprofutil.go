// Package pprofutil exports processed traces in the pprof format.
package pprofutil

import (
	"fmt"
	"io"

	pprof "github.com/google/pprof/profile"

	"github.com/getsentry/traceprof/internal/moduleresolver"
	"github.com/getsentry/traceprof/internal/profile"
	"github.com/getsentry/traceprof/internal/stackresolver"
)

const ContentType = "application/vnd.google.protobuf+gzip"

type locationKey struct {
	info *stackresolver.FrameInfo
	ip   uint64
}

type builder struct {
	out       *pprof.Profile
	mappings  map[*moduleresolver.ModuleInfo]*pprof.Mapping
	functions map[*moduleresolver.Function]*pprof.Function
	locations map[locationKey]*pprof.Location
}

// FromProfile converts p. Each sample keeps its resolved stack, unknown
// frames become locations without a function. Samples without a stack are
// left out.
func FromProfile(p *profile.Profile) (*pprof.Profile, error) {
	info := p.Raw.TraceInfo
	b := builder{
		out: &pprof.Profile{
			SampleType: []*pprof.ValueType{
				{Type: "samples", Unit: "count"},
				{Type: "cpu", Unit: "nanoseconds"},
			},
			PeriodType:    &pprof.ValueType{Type: "cpu", Unit: "nanoseconds"},
			Period:        info.SamplingInterval.Nanoseconds(),
			DurationNanos: (info.ProfileEndTime - info.ProfileStartTime).Nanoseconds(),
			Comments:      []string{fmt.Sprintf("profile_id: %s", p.ID)},
		},
		mappings:  make(map[*moduleresolver.ModuleInfo]*pprof.Mapping),
		functions: make(map[*moduleresolver.Function]*pprof.Function),
		locations: make(map[locationKey]*pprof.Location),
	}
	if info.ComputerName != "" {
		b.out.Comments = append(b.out.Comments, fmt.Sprintf("computer: %s", info.ComputerName))
	}

	for i, s := range p.Raw.Samples() {
		stack := p.Stacks[i]
		if stack == nil || len(stack.Frames) == 0 {
			continue
		}
		c, _ := p.Raw.FindContext(s.ContextID)
		sample := &pprof.Sample{
			Location: make([]*pprof.Location, 0, len(stack.Frames)),
			Value:    []int64{1, s.Weight.Nanoseconds()},
			NumLabel: map[string][]int64{
				"pid": {int64(c.ProcessID)},
				"tid": {int64(c.ThreadID)},
				"cpu": {int64(c.ProcessorNumber)},
			},
		}
		if proc, ok := p.Raw.FindProcess(c.ProcessID); ok && proc.Name != "" {
			sample.Label = map[string][]string{"process": {proc.Name}}
		}
		for _, f := range stack.Frames {
			sample.Location = append(sample.Location, b.location(f))
		}
		b.out.Sample = append(b.out.Sample, sample)
	}

	if err := b.out.CheckValid(); err != nil {
		return nil, fmt.Errorf("pprofutil: %w", err)
	}
	return b.out, nil
}

func (b *builder) location(f stackresolver.Frame) *pprof.Location {
	key := locationKey{info: f.Info, ip: f.IP}
	if loc, ok := b.locations[key]; ok {
		return loc
	}
	loc := &pprof.Location{
		ID:      uint64(len(b.out.Location) + 1),
		Address: f.IP,
	}
	if !f.Info.IsUnknown() {
		loc.Mapping = b.mapping(f.Info.Module)
		loc.Line = []pprof.Line{{Function: b.function(f.Info.Function)}}
	}
	b.out.Location = append(b.out.Location, loc)
	b.locations[key] = loc
	return loc
}

func (b *builder) mapping(m *moduleresolver.ModuleInfo) *pprof.Mapping {
	if mapping, ok := b.mappings[m]; ok {
		return mapping
	}
	mapping := &pprof.Mapping{
		ID:           uint64(len(b.out.Mapping) + 1),
		File:         m.Name,
		HasFunctions: m.HasDebugInfo || m.IsManaged,
	}
	if m.Image != nil {
		mapping.Start = m.Image.BaseAddress
		mapping.Limit = m.Image.EndAddress()
		if m.Image.FilePath != "" {
			mapping.File = m.Image.FilePath
		}
	}
	if m.DebugFile.Found {
		mapping.BuildID = m.DebugFile.Symbol.ID
	}
	b.out.Mapping = append(b.out.Mapping, mapping)
	b.mappings[m] = mapping
	return mapping
}

func (b *builder) function(fn *moduleresolver.Function) *pprof.Function {
	if f, ok := b.functions[fn]; ok {
		return f
	}
	f := &pprof.Function{
		ID:         uint64(len(b.out.Function) + 1),
		Name:       fn.Name,
		SystemName: fn.Name,
		Filename:   fn.ModuleName,
	}
	b.out.Function = append(b.out.Function, f)
	b.functions[fn] = f
	return f
}

// Write serializes p as gzipped protobuf.
func Write(w io.Writer, p *profile.Profile) error {
	out, err := FromProfile(p)
	if err != nil {
		return err
	}
	return out.Write(w)
}
