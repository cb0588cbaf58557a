package nodetree

import (
	"testing"
	"time"

	"github.com/getsentry/traceprof/internal/calltree"
	"github.com/getsentry/traceprof/internal/moduleresolver"
	"github.com/getsentry/traceprof/internal/rawprofile"
	"github.com/getsentry/traceprof/internal/stackresolver"
	"github.com/getsentry/traceprof/internal/testutil"
)

func info(module, name string) *stackresolver.FrameInfo {
	return &stackresolver.FrameInfo{Function: &moduleresolver.Function{Name: name, ModuleName: module}}
}

func newTree(stacks ...[]*stackresolver.FrameInfo) *calltree.CallTree {
	t := calltree.New()
	for _, infos := range stacks {
		s := &stackresolver.Stack{}
		for _, i := range infos {
			s.Frames = append(s.Frames, stackresolver.Frame{Info: i})
		}
		t.UpdateCallTree(rawprofile.Sample{Weight: time.Microsecond}, rawprofile.Context{}, s)
	}
	return t
}

// strip clears fingerprints so trees can be compared by shape.
func strip(nodes []*Node) []*Node {
	for _, n := range nodes {
		n.Fingerprint = 0
		strip(n.Children)
	}
	return nodes
}

func TestFromCallTree(t *testing.T) {
	main, foo, bar := info("app.exe", "main"), info("app.exe", "foo"), info("lib.dll", "bar")
	tree := newTree(
		[]*stackresolver.FrameInfo{bar, foo, main},
		[]*stackresolver.FrameInfo{foo, main},
		[]*stackresolver.FrameInfo{bar, main},
	)

	want := []*Node{
		{
			Kind: "user", Module: "app.exe", Name: "main", WeightNS: 3000,
			Children: []*Node{
				{
					Kind: "user", Module: "app.exe", Name: "foo", WeightNS: 2000, SelfWeightNS: 1000,
					Children: []*Node{
						{Kind: "user", Module: "lib.dll", Name: "bar", WeightNS: 1000, SelfWeightNS: 1000},
					},
				},
				{Kind: "user", Module: "lib.dll", Name: "bar", WeightNS: 1000, SelfWeightNS: 1000},
			},
		},
	}
	if diff := testutil.Diff(strip(FromCallTree(tree)), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestFingerprints(t *testing.T) {
	main, foo, bar := info("app.exe", "main"), info("app.exe", "foo"), info("lib.dll", "bar")
	a := FromCallTree(newTree([]*stackresolver.FrameInfo{bar, foo, main}, []*stackresolver.FrameInfo{bar, main}))
	b := FromCallTree(newTree([]*stackresolver.FrameInfo{bar, foo, main}))

	barUnderFoo := a[0].Children[0].Children[0]
	barUnderMain := a[0].Children[1]
	if barUnderFoo.Fingerprint == barUnderMain.Fingerprint {
		t.Fatal("expected fingerprints to depend on the path")
	}
	if barUnderFoo.Fingerprint != b[0].Children[0].Children[0].Fingerprint {
		t.Fatal("expected fingerprints to be stable across trees")
	}
}

func TestPrune(t *testing.T) {
	n := Node{
		Name:     "main",
		WeightNS: 100,
		Children: []*Node{
			{Name: "heavy", WeightNS: 90, Children: []*Node{{Name: "light", WeightNS: 5}}},
			{Name: "tiny", WeightNS: 2},
		},
	}
	want := &Node{
		Name:     "main",
		WeightNS: 100,
		Children: []*Node{
			{Name: "heavy", WeightNS: 90},
		},
	}
	got := n.Prune(10)
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if n.Count() != 4 || got.Count() != 2 {
		t.Fatalf("unexpected node counts %d and %d", n.Count(), got.Count())
	}
}
