package calltree

import (
	"sort"
	"sync"
	"time"

	"github.com/getsentry/traceprof/internal/moduleresolver"
	"github.com/getsentry/traceprof/internal/rawprofile"
	"github.com/getsentry/traceprof/internal/stackresolver"
)

// FunctionProfile accumulates the samples a function appears in. Fields
// are only safe to read once all updates are done.
type FunctionProfile struct {
	Function        *moduleresolver.Function
	Weight          time.Duration
	ExclusiveWeight time.Duration
	SampleCount     int
	// FirstSample and LastSample are the lowest and highest sample handles
	// the function appears in.
	FirstSample int
	LastSample  int
	// InstructionWeights maps an offset in the function to the weight of
	// the samples whose innermost frame of the function is at that offset.
	InstructionWeights map[uint64]time.Duration
	// ModuleWeights is the weight of the samples under the function by
	// module of their innermost known frame.
	ModuleWeights map[string]time.Duration
	// Counters is the number of performance counter events by counter id
	// whose instruction pointer falls in the function. Nil without events.
	Counters map[int]int64

	mu sync.Mutex
}

func (p *FunctionProfile) add(sampleID int, w time.Duration, exclusive bool, offset uint64, leafModule string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Weight += w
	if exclusive {
		p.ExclusiveWeight += w
	}
	p.SampleCount++
	if p.FirstSample == 0 || sampleID < p.FirstSample {
		p.FirstSample = sampleID
	}
	if sampleID > p.LastSample {
		p.LastSample = sampleID
	}
	p.InstructionWeights[offset] += w
	p.ModuleWeights[leafModule] += w
}

// FunctionProfiles is safe for concurrent updates.
type FunctionProfiles struct {
	mu       sync.RWMutex
	profiles map[*moduleresolver.Function]*FunctionProfile
}

func NewFunctionProfiles() *FunctionProfiles {
	return &FunctionProfiles{profiles: make(map[*moduleresolver.Function]*FunctionProfile)}
}

func (fp *FunctionProfiles) getOrCreate(fn *moduleresolver.Function) *FunctionProfile {
	fp.mu.RLock()
	p, ok := fp.profiles[fn]
	fp.mu.RUnlock()
	if ok {
		return p
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if p, ok := fp.profiles[fn]; ok {
		return p
	}
	p = &FunctionProfile{
		Function:           fn,
		InstructionWeights: make(map[uint64]time.Duration),
		ModuleWeights:      make(map[string]time.Duration),
	}
	fp.profiles[fn] = p
	return p
}

// Update adds the sample to the profile of every function of its stack.
// A function is counted once per sample, at its innermost frame.
func (fp *FunctionProfiles) Update(sampleID int, sample rawprofile.Sample, stack *stackresolver.Stack) {
	if stack == nil {
		return
	}
	leaf := -1
	for i, f := range stack.Frames {
		if !f.Info.IsUnknown() {
			leaf = i
			break
		}
	}
	if leaf < 0 {
		return
	}
	leafModule := stack.Frames[leaf].Info.Function.ModuleName
	visited := make([]*moduleresolver.Function, 0, len(stack.Frames))
	for i := leaf; i < len(stack.Frames); i++ {
		f := stack.Frames[i]
		if f.Info.IsUnknown() || contains(visited, f.Info.Function) {
			continue
		}
		visited = append(visited, f.Info.Function)
		fp.getOrCreate(f.Info.Function).add(sampleID, sample.Weight, i == leaf, f.Offset(), leafModule)
	}
}

func contains(functions []*moduleresolver.Function, fn *moduleresolver.Function) bool {
	for _, f := range functions {
		if f == fn {
			return true
		}
	}
	return false
}

// AddCounter records one event of the counter at the frame. Unknown frames
// are ignored.
func (fp *FunctionProfiles) AddCounter(frame stackresolver.Frame, counterID int) {
	if frame.Info == nil || frame.Info.IsUnknown() {
		return
	}
	p := fp.getOrCreate(frame.Info.Function)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Counters == nil {
		p.Counters = make(map[int]int64)
	}
	p.Counters[counterID]++
}

func (fp *FunctionProfiles) Get(fn *moduleresolver.Function) (*FunctionProfile, bool) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()
	p, ok := fp.profiles[fn]
	return p, ok
}

func (fp *FunctionProfiles) Len() int {
	fp.mu.RLock()
	defer fp.mu.RUnlock()
	return len(fp.profiles)
}

// Sorted returns the profiles by decreasing exclusive weight, then by
// decreasing inclusive weight.
func (fp *FunctionProfiles) Sorted() []*FunctionProfile {
	fp.mu.RLock()
	profiles := make([]*FunctionProfile, 0, len(fp.profiles))
	for _, p := range fp.profiles {
		profiles = append(profiles, p)
	}
	fp.mu.RUnlock()
	sort.Slice(profiles, func(i, j int) bool {
		a, b := profiles[i], profiles[j]
		if a.ExclusiveWeight != b.ExclusiveWeight {
			return a.ExclusiveWeight > b.ExclusiveWeight
		}
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		if a.Function.ModuleName != b.Function.ModuleName {
			return a.Function.ModuleName < b.Function.ModuleName
		}
		return a.Function.Name < b.Function.Name
	})
	return profiles
}
