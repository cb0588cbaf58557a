// Package calltree aggregates resolved samples into a weighted call tree and
// per-function profiles.
package calltree

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/traceprof/internal/errorutil"
	"github.com/getsentry/traceprof/internal/moduleresolver"
	"github.com/getsentry/traceprof/internal/rawprofile"
	"github.com/getsentry/traceprof/internal/stackresolver"
)

// CallTree is safe for concurrent updates. Queries must not run while it
// is being updated.
type CallTree struct {
	mu        sync.Mutex
	roots     map[*moduleresolver.Function]*Node
	instances map[*moduleresolver.Function][]*Node

	nextID      atomic.Int64
	totalWeight atomic.Int64
	sampleCount atomic.Int64
}

func New() *CallTree {
	return &CallTree{
		roots:     make(map[*moduleresolver.Function]*Node),
		instances: make(map[*moduleresolver.Function][]*Node),
	}
}

func kindOf(info *stackresolver.FrameInfo) Kind {
	switch {
	case info.IsManaged:
		return Managed
	case info.IsKernel:
		return NativeKernel
	default:
		return NativeUser
	}
}

// newNodeLocked creates a node and indexes it by function. t.mu must be
// held.
func (t *CallTree) newNodeLocked(info *stackresolver.FrameInfo, caller *Node) *Node {
	n := newNode(int(t.nextID.Add(1)), info.Function, kindOf(info), caller)
	t.instances[info.Function] = append(t.instances[info.Function], n)
	return n
}

func (t *CallTree) getOrCreateRoot(info *stackresolver.FrameInfo) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.roots[info.Function]; ok {
		return n
	}
	n := t.newNodeLocked(info, nil)
	t.roots[info.Function] = n
	return n
}

// UpdateCallTree adds the sample weight along the path of its stack, from
// the outermost frame to the innermost one. Unknown frames are skipped.
func (t *CallTree) UpdateCallTree(sample rawprofile.Sample, c rawprofile.Context, stack *stackresolver.Stack) {
	if stack == nil {
		return
	}
	w := sample.Weight
	var (
		parent      *Node
		parentFrame stackresolver.Frame
	)
	for i := len(stack.Frames) - 1; i >= 0; i-- {
		f := stack.Frames[i]
		if f.Info.IsUnknown() {
			continue
		}
		var n *Node
		if parent == nil {
			n = t.getOrCreateRoot(f.Info)
		} else {
			n = parent.getOrCreateChild(t, f.Info, parentFrame.Offset(), w)
		}
		n.weight.Add(int64(w))
		n.addThreadWeight(c.ThreadID, w)
		parent = n
		parentFrame = f
	}
	if parent == nil {
		return
	}
	parent.exclusiveWeight.Add(int64(w))
	t.totalWeight.Add(int64(w))
	t.sampleCount.Add(1)
}

// TotalWeight is the weight of the samples with at least one known frame.
func (t *CallTree) TotalWeight() time.Duration {
	return time.Duration(t.totalWeight.Load())
}

func (t *CallTree) SampleCount() int {
	return int(t.sampleCount.Load())
}

func (t *CallTree) NodeCount() int {
	return int(t.nextID.Load())
}

// RootNodes returns the roots, heaviest first.
func (t *CallTree) RootNodes() []*Node {
	t.mu.Lock()
	roots := make([]*Node, 0, len(t.roots))
	for _, n := range t.roots {
		roots = append(roots, n)
	}
	t.mu.Unlock()
	sortNodes(roots)
	return roots
}

// FunctionNodes returns every node of fn, in creation order.
func (t *CallTree) FunctionNodes(fn *moduleresolver.Function) []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	nodes := make([]*Node, len(t.instances[fn]))
	copy(nodes, t.instances[fn])
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID < nodes[j].ID
	})
	return nodes
}

// FunctionWeight returns the inclusive weight of fn. Nodes nested under
// another node of fn are not counted again, so a recursive function
// weighs at most the weight of the samples it appears in.
func (t *CallTree) FunctionWeight(fn *moduleresolver.Function) time.Duration {
	var total time.Duration
	for _, n := range t.FunctionNodes(fn) {
		if n.hasAncestor(fn) {
			continue
		}
		total += n.Weight()
	}
	return total
}

// Walk visits every node depth first, heaviest children first. Returning
// false skips the children of a node.
func (t *CallTree) Walk(fn func(n *Node, depth int) bool) {
	var walk func(n *Node, depth int)
	walk = func(n *Node, depth int) {
		if !fn(n, depth) {
			return
		}
		for _, child := range n.Children() {
			walk(child, depth+1)
		}
	}
	for _, root := range t.RootNodes() {
		walk(root, 0)
	}
}

// Validate checks that the weight of every node is the sum of its
// exclusive weight and the weight of its children.
func (t *CallTree) Validate() error {
	var rootWeight time.Duration
	for _, root := range t.RootNodes() {
		rootWeight += root.Weight()
	}
	if rootWeight != t.TotalWeight() {
		return fmt.Errorf("calltree: %w: roots weigh %v, expected %v", errorutil.ErrDataIntegrity, rootWeight, t.TotalWeight())
	}
	var err error
	t.Walk(func(n *Node, _ int) bool {
		if err != nil {
			return false
		}
		sum := n.ExclusiveWeight()
		for _, child := range n.Children() {
			sum += child.Weight()
		}
		if sum != n.Weight() {
			err = fmt.Errorf("calltree: %w: node %d (%s) weighs %v, its children and itself %v", errorutil.ErrDataIntegrity, n.ID, n.Name(), n.Weight(), sum)
		}
		return true
	})
	return err
}

// Print writes an indented rendering of the tree, for debugging.
func (t *CallTree) Print(w io.Writer) error {
	var err error
	t.Walk(func(n *Node, depth int) bool {
		if err != nil {
			return false
		}
		_, err = fmt.Fprintf(w, "%s%s [%s] %v (self %v)\n", strings.Repeat("  ", depth), n.Name(), n.Kind, n.Weight(), n.ExclusiveWeight())
		return true
	})
	return err
}
