package metrics

import (
	"testing"
	"time"

	"github.com/getsentry/traceprof/internal/calltree"
	"github.com/getsentry/traceprof/internal/moduleresolver"
	"github.com/getsentry/traceprof/internal/testutil"
)

func TestFromProfiles(t *testing.T) {
	profiles := []*calltree.FunctionProfile{
		{
			Function:        &moduleresolver.Function{Name: "foo", ModuleName: "app.exe"},
			Weight:          3 * time.Millisecond,
			ExclusiveWeight: 2 * time.Millisecond,
			SampleCount:     3,
		},
		{
			Function:    &moduleresolver.Function{Name: "main", ModuleName: "app.exe"},
			Weight:      3 * time.Millisecond,
			SampleCount: 3,
		},
	}
	want := []Function{
		{
			Name:          "foo",
			Module:        "app.exe",
			Fingerprint:   Fingerprint("app.exe", "foo"),
			SampleCount:   3,
			SelfTimesNS:   []uint64{2000000},
			SumSelfTimeNS: 2000000,
		},
	}
	if diff := testutil.Diff(FromProfiles(profiles), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if Fingerprint("a.dll", "f") == Fingerprint("b.dll", "f") {
		t.Fatal("expected fingerprints to depend on the module")
	}
}

func TestAggregatorAddFunctions(t *testing.T) {
	tests := []struct {
		name      string
		functions []Function
		want      Aggregator
	}{
		{
			name: "addFunctions",
			functions: []Function{
				{
					Name:          "a",
					Fingerprint:   0,
					SelfTimesNS:   []uint64{10, 5, 25},
					SumSelfTimeNS: 40,
				},
				{
					Name:          "b",
					Fingerprint:   1,
					SelfTimesNS:   []uint64{45, 60},
					SumSelfTimeNS: 105,
				},
			},
			want: Aggregator{
				MaxUniqueFunctions: 100,
				MaxNumOfExamples:   5,
				Functions: map[uint64]Function{
					0: {
						Name:          "a",
						Fingerprint:   0,
						SelfTimesNS:   []uint64{10, 5, 25, 10, 5, 25},
						SumSelfTimeNS: 80,
					},
					1: {
						Name:          "b",
						Fingerprint:   1,
						SelfTimesNS:   []uint64{45, 60, 45, 60},
						SumSelfTimeNS: 210,
					},
				},
				FunctionsMetadata: map[uint64]FunctionsMetadata{
					0: {
						MaxVal:   40,
						WorstID:  "1",
						Examples: []string{"1", "2"},
					},
					1: {
						MaxVal:   105,
						WorstID:  "1",
						Examples: []string{"1", "2"},
					},
				},
			},
		},
	}

	for _, test := range tests {
		ma := NewAggregator(100, 5)
		// the same functions come from two traces, with ID 1 and 2
		ma.AddFunctions(test.functions, "1")
		ma.AddFunctions(test.functions, "2")
		if diff := testutil.Diff(ma, test.want); diff != "" {
			t.Fatalf("Result mismatch: got - want +\n%s", diff)
		}
	}
}

func TestAggregatorToMetrics(t *testing.T) {
	tests := []struct {
		name       string
		Aggregator Aggregator
		want       []FunctionMetrics
	}{
		{
			name: "toMetrics",
			Aggregator: Aggregator{
				MaxUniqueFunctions: 100,
				Functions: map[uint64]Function{
					0: {
						Name:          "a",
						Module:        "app.exe",
						Fingerprint:   0,
						SelfTimesNS:   []uint64{1, 2, 3, 4, 10, 8, 7, 11, 20},
						SumSelfTimeNS: 66,
						SampleCount:   2,
					},
					1: {
						Name:          "b",
						Fingerprint:   1,
						SelfTimesNS:   []uint64{1, 2, 3, 4, 10, 8, 7, 11, 20},
						SumSelfTimeNS: 66,
						SampleCount:   2,
					},
				},
				FunctionsMetadata: map[uint64]FunctionsMetadata{
					0: {
						MaxVal:   66,
						WorstID:  "1",
						Examples: []string{"1", "2"},
					},
					1: {
						MaxVal:   66,
						WorstID:  "3",
						Examples: []string{"1", "3"},
					},
				},
			},
			want: []FunctionMetrics{
				{
					Name:        "a",
					Module:      "app.exe",
					Fingerprint: 0,
					P75:         10,
					P95:         20,
					P99:         20,
					Count:       2,
					Sum:         66,
					Avg:         float64(66) / float64(9),
					Worst:       "1",
					Examples:    []string{"1", "2"},
				},
				{
					Name:        "b",
					Fingerprint: 1,
					P75:         10,
					P95:         20,
					P99:         20,
					Count:       2,
					Sum:         66,
					Avg:         float64(66) / float64(9),
					Worst:       "3",
					Examples:    []string{"1", "3"},
				},
			},
		},
		{
			name: "truncated to the heaviest functions",
			Aggregator: Aggregator{
				MaxUniqueFunctions: 1,
				Functions: map[uint64]Function{
					3: {Name: "light", Fingerprint: 3, SelfTimesNS: []uint64{5}, SumSelfTimeNS: 5, SampleCount: 1},
					4: {Name: "heavy", Fingerprint: 4, SelfTimesNS: []uint64{50}, SumSelfTimeNS: 50, SampleCount: 1},
				},
				FunctionsMetadata: map[uint64]FunctionsMetadata{
					3: {MaxVal: 5, WorstID: "x", Examples: []string{"x"}},
					4: {MaxVal: 50, WorstID: "y", Examples: []string{"y"}},
				},
			},
			want: []FunctionMetrics{
				{
					Name:        "heavy",
					Fingerprint: 4,
					P75:         50,
					P95:         50,
					P99:         50,
					Count:       1,
					Sum:         50,
					Avg:         50,
					Worst:       "y",
					Examples:    []string{"y"},
				},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			metrics := test.Aggregator.ToMetrics()
			if diff := testutil.Diff(metrics, test.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}
