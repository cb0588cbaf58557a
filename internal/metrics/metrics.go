package metrics

import (
	"errors"
	"math"
	"sort"

	"github.com/zeebo/xxh3"

	"github.com/getsentry/traceprof/internal/calltree"
)

type FunctionsMetadata struct {
	MaxVal   uint64
	WorstID  string
	Examples []string
}

// Function is the self time of a function across one or more traces.
type Function struct {
	Name          string
	Module        string
	Fingerprint   uint64
	SampleCount   int
	SelfTimesNS   []uint64
	SumSelfTimeNS uint64
}

type Aggregator struct {
	MaxUniqueFunctions uint
	MaxNumOfExamples   uint
	Functions          map[uint64]Function
	FunctionsMetadata  map[uint64]FunctionsMetadata
}

type FunctionMetrics struct {
	Name        string   `json:"name"`
	Module      string   `json:"module"`
	Fingerprint uint64   `json:"fingerprint"`
	P75         uint64   `json:"p75"`
	P95         uint64   `json:"p95"`
	P99         uint64   `json:"p99"`
	Avg         float64  `json:"avg"`
	Sum         uint64   `json:"sum"`
	Count       uint64   `json:"count"`
	Worst       string   `json:"worst"`
	Examples    []string `json:"examples"`
}

func NewAggregator(MaxUniqueFunctions uint, MaxNumOfExamples uint) Aggregator {
	return Aggregator{
		MaxUniqueFunctions: MaxUniqueFunctions,
		MaxNumOfExamples:   MaxNumOfExamples,
		Functions:          make(map[uint64]Function),
		FunctionsMetadata:  make(map[uint64]FunctionsMetadata),
	}
}

// Fingerprint identifies a function across traces.
func Fingerprint(module, name string) uint64 {
	return xxh3.HashString(module + "!" + name)
}

// FromProfiles turns the function profiles of a trace into one self time
// value per function. Functions never at the top of a stack are left out.
func FromProfiles(profiles []*calltree.FunctionProfile) []Function {
	functions := make([]Function, 0, len(profiles))
	for _, p := range profiles {
		if p.ExclusiveWeight <= 0 {
			continue
		}
		self := uint64(p.ExclusiveWeight.Nanoseconds())
		functions = append(functions, Function{
			Name:          p.Function.Name,
			Module:        p.Function.ModuleName,
			Fingerprint:   Fingerprint(p.Function.ModuleName, p.Function.Name),
			SampleCount:   p.SampleCount,
			SelfTimesNS:   []uint64{self},
			SumSelfTimeNS: self,
		})
	}
	return functions
}

func (ma *Aggregator) AddFunctions(functions []Function, ID string) {
	for _, f := range functions {
		if fn, ok := ma.Functions[f.Fingerprint]; ok {
			fn.SampleCount += f.SampleCount
			fn.SelfTimesNS = append(fn.SelfTimesNS, f.SelfTimesNS...)
			fn.SumSelfTimeNS += f.SumSelfTimeNS
			funcMetadata := ma.FunctionsMetadata[f.Fingerprint]
			if f.SumSelfTimeNS > funcMetadata.MaxVal {
				funcMetadata.MaxVal = f.SumSelfTimeNS
				funcMetadata.WorstID = ID
			}
			if len(funcMetadata.Examples) < int(ma.MaxNumOfExamples) {
				funcMetadata.Examples = append(funcMetadata.Examples, ID)
			}
			ma.FunctionsMetadata[f.Fingerprint] = funcMetadata
			ma.Functions[f.Fingerprint] = fn
		} else {
			f.SelfTimesNS = append([]uint64(nil), f.SelfTimesNS...)
			ma.Functions[f.Fingerprint] = f
			ma.FunctionsMetadata[f.Fingerprint] = FunctionsMetadata{
				MaxVal:   f.SumSelfTimeNS,
				WorstID:  ID,
				Examples: []string{ID},
			}
		}
	}
}

func (ma *Aggregator) ToMetrics() []FunctionMetrics {
	metrics := make([]FunctionMetrics, 0, len(ma.Functions))

	for _, f := range ma.Functions {
		sort.Slice(f.SelfTimesNS, func(i, j int) bool {
			return f.SelfTimesNS[i] < f.SelfTimesNS[j]
		})
		p75, _ := quantile(f.SelfTimesNS, 0.75)
		p95, _ := quantile(f.SelfTimesNS, 0.95)
		p99, _ := quantile(f.SelfTimesNS, 0.99)
		metrics = append(metrics, FunctionMetrics{
			Name:        f.Name,
			Module:      f.Module,
			Fingerprint: f.Fingerprint,
			P75:         p75,
			P95:         p95,
			P99:         p99,
			Avg:         float64(f.SumSelfTimeNS) / float64(len(f.SelfTimesNS)),
			Sum:         f.SumSelfTimeNS,
			Count:       uint64(f.SampleCount),
			Worst:       ma.FunctionsMetadata[f.Fingerprint].WorstID,
			Examples:    ma.FunctionsMetadata[f.Fingerprint].Examples,
		})
	}
	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].Sum != metrics[j].Sum {
			return metrics[i].Sum > metrics[j].Sum
		}
		return metrics[i].Fingerprint < metrics[j].Fingerprint
	})
	if len(metrics) > int(ma.MaxUniqueFunctions) {
		metrics = metrics[:ma.MaxUniqueFunctions]
	}
	return metrics
}

func quantile(values []uint64, q float64) (uint64, error) {
	if len(values) == 0 {
		return 0, errors.New("cannot compute percentile from empty list")
	}
	if q <= 0 || q > 100 {
		return 0, errors.New("q must be a value between 0 and 1.0")
	}
	index := int(math.Ceil(float64(len(values))*q)) - 1
	return values[index], nil
}
