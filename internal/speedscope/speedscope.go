// Package speedscope exports processed traces in the format read by
// https://www.speedscope.app.
package speedscope

import (
	"fmt"
	"sort"
	"time"

	"github.com/getsentry/traceprof/internal/profile"
	"github.com/getsentry/traceprof/internal/stackresolver"
)

const (
	ValueUnitNanoseconds ValueUnit = "nanoseconds"

	ProfileTypeSampled ProfileType = "sampled"

	Schema  = "https://www.speedscope.app/file-format-schema.json"
	Version = "1"
)

type (
	Frame struct {
		Image         string `json:"image,omitempty"`
		IsApplication bool   `json:"is_application"`
		IsKernel      bool   `json:"is_kernel,omitempty"`
		Name          string `json:"name"`
		Path          string `json:"path,omitempty"`
	}

	SampledProfile struct {
		EndValue     uint64      `json:"endValue"`
		IsMainThread bool        `json:"isMainThread"`
		Name         string      `json:"name"`
		Priority     int         `json:"priority"`
		ProcessID    int         `json:"processID"`
		Samples      [][]int     `json:"samples"`
		StartValue   uint64      `json:"startValue"`
		ThreadID     uint64      `json:"threadID"`
		Type         ProfileType `json:"type"`
		Unit         ValueUnit   `json:"unit"`
		Weights      []uint64    `json:"weights"`
	}

	SharedData struct {
		Frames []Frame `json:"frames"`
	}

	ProfileType string
	ValueUnit   string

	Output struct {
		Schema             string          `json:"$schema"`
		ActiveProfileIndex int             `json:"activeProfileIndex"`
		DurationNS         uint64          `json:"durationNS"`
		Metadata           ProfileMetadata `json:"metadata"`
		Platform           string          `json:"platform"`
		ProfileID          string          `json:"profileID"`
		Profiles           []interface{}   `json:"profiles"`
		Shared             SharedData      `json:"shared"`
		Version            string          `json:"version"`
	}

	ProfileMetadata struct {
		ComputerName     string        `json:"computerName,omitempty"`
		CPUCount         int           `json:"cpuCount"`
		PointerSize      int           `json:"pointerSize"`
		SamplingInterval time.Duration `json:"samplingIntervalNS"`
		Canceled         bool          `json:"canceled,omitempty"`
	}
)

// FromProfile builds one sampled profile per thread, heaviest first.
// Samples list frame indexes from the outermost frame to the innermost one,
// unknown frames are left out.
func FromProfile(p *profile.Profile) Output {
	info := p.Raw.TraceInfo
	o := Output{
		Schema:     Schema,
		DurationNS: uint64((info.ProfileEndTime - info.ProfileStartTime).Nanoseconds()),
		Metadata: ProfileMetadata{
			ComputerName:     info.ComputerName,
			CPUCount:         info.CPUCount,
			PointerSize:      info.PointerSize,
			SamplingInterval: info.SamplingInterval,
			Canceled:         info.Canceled,
		},
		Platform:  "native",
		ProfileID: p.ID,
		Version:   Version,
	}

	frameIndex := make(map[*stackresolver.FrameInfo]int)
	threads := make(map[int]*SampledProfile)
	weights := make(map[int]time.Duration)
	for i, s := range p.Raw.Samples() {
		stack := p.Stacks[i]
		if stack == nil {
			continue
		}
		c, _ := p.Raw.FindContext(s.ContextID)
		sp, ok := threads[c.ThreadID]
		if !ok {
			sp = &SampledProfile{
				Name:       threadName(p, c.ProcessID, c.ThreadID),
				ProcessID:  c.ProcessID,
				StartValue: uint64(s.Time.Nanoseconds()),
				ThreadID:   uint64(c.ThreadID),
				Type:       ProfileTypeSampled,
				Unit:       ValueUnitNanoseconds,
			}
			threads[c.ThreadID] = sp
		}
		sample := make([]int, 0, len(stack.Frames))
		for j := len(stack.Frames) - 1; j >= 0; j-- {
			f := stack.Frames[j]
			if f.Info.IsUnknown() {
				continue
			}
			idx, ok := frameIndex[f.Info]
			if !ok {
				idx = len(o.Shared.Frames)
				frameIndex[f.Info] = idx
				o.Shared.Frames = append(o.Shared.Frames, newFrame(f.Info))
			}
			sample = append(sample, idx)
		}
		if len(sample) == 0 {
			continue
		}
		sp.Samples = append(sp.Samples, sample)
		sp.Weights = append(sp.Weights, uint64(s.Weight.Nanoseconds()))
		if end := uint64((s.Time + s.Weight).Nanoseconds()); end > sp.EndValue {
			sp.EndValue = end
		}
		weights[c.ThreadID] += s.Weight
	}

	sorted := make([]*SampledProfile, 0, len(threads))
	for _, sp := range threads {
		if len(sp.Samples) > 0 {
			sorted = append(sorted, sp)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		wi, wj := weights[int(sorted[i].ThreadID)], weights[int(sorted[j].ThreadID)]
		if wi != wj {
			return wi > wj
		}
		return sorted[i].ThreadID < sorted[j].ThreadID
	})
	o.Profiles = make([]interface{}, 0, len(sorted))
	for i, sp := range sorted {
		sp.Priority = i
		sp.IsMainThread = i == 0
		o.Profiles = append(o.Profiles, sp)
	}
	return o
}

func newFrame(info *stackresolver.FrameInfo) Frame {
	f := Frame{
		Name:          info.Function.Name,
		Image:         info.Function.ModuleName,
		IsApplication: !info.IsKernel && !info.Function.IsExternal,
		IsKernel:      info.IsKernel,
	}
	if info.Module != nil && info.Module.Image != nil {
		f.Path = info.Module.Image.FilePath
	}
	return f
}

func threadName(p *profile.Profile, pid, tid int) string {
	if t, ok := p.Raw.FindThread(tid); ok && t.Name != "" {
		return t.Name
	}
	if proc, ok := p.Raw.FindProcess(pid); ok && proc.Name != "" {
		return fmt.Sprintf("%s (%d)", proc.Name, tid)
	}
	return fmt.Sprintf("thread %d", tid)
}

func (o *Output) SortSamplesForFlamegraph() {
	frames := o.Shared.Frames
	for _, sampledProfile := range o.Profiles {
		sp, ok := sampledProfile.(*SampledProfile)
		if !ok {
			continue
		}
		SortSamplesAlphabetically(sp.Samples, frames)
		sp.Unit = "count"
		for i := range sp.Weights {
			sp.Weights[i] = 1
		}
	}
}

func SortSamplesAlphabetically(samples [][]int, frames []Frame) {
	sort.Slice(samples, func(i, j int) bool {
		c := 0
		for {
			if len(samples[i]) == c {
				return true
			} else if len(samples[j]) == c {
				return false
			} else {
				if frames[samples[i][c]].Name < frames[samples[j][c]].Name {
					return true
				} else if frames[samples[i][c]].Name > frames[samples[j][c]].Name {
					return false
				} else {
					c += 1
				}
			}
		}
	})
}
