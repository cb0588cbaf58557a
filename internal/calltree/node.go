package calltree

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/traceprof/internal/moduleresolver"
	"github.com/getsentry/traceprof/internal/stackresolver"
)

type Kind int

const (
	NativeUser Kind = iota
	NativeKernel
	Managed
)

func (k Kind) String() string {
	switch k {
	case NativeKernel:
		return "kernel"
	case Managed:
		return "managed"
	default:
		return "user"
	}
}

type (
	// CallSite is a call from a node to one of its callees. Offset is the
	// position of the call in the caller function.
	CallSite struct {
		Offset uint64
		Callee *moduleresolver.Function
	}

	Node struct {
		ID       int
		Function *moduleresolver.Function
		Kind     Kind
		Caller   *Node

		weight          atomic.Int64
		exclusiveWeight atomic.Int64

		mu        sync.Mutex
		children  map[*moduleresolver.Function]*Node
		threads   map[int]time.Duration
		callSites map[CallSite]time.Duration
	}
)

func newNode(id int, fn *moduleresolver.Function, kind Kind, caller *Node) *Node {
	return &Node{
		ID:       id,
		Function: fn,
		Kind:     kind,
		Caller:   caller,
	}
}

func (n *Node) Name() string {
	if n.Function.ModuleName == "" {
		return n.Function.Name
	}
	return n.Function.ModuleName + "!" + n.Function.Name
}

func (n *Node) Weight() time.Duration {
	return time.Duration(n.weight.Load())
}

func (n *Node) ExclusiveWeight() time.Duration {
	return time.Duration(n.exclusiveWeight.Load())
}

func (n *Node) getOrCreateChild(t *CallTree, info *stackresolver.FrameInfo, offset uint64, w time.Duration) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.callSites == nil {
		n.callSites = make(map[CallSite]time.Duration)
	}
	n.callSites[CallSite{Offset: offset, Callee: info.Function}] += w
	if child, ok := n.children[info.Function]; ok {
		return child
	}
	if n.children == nil {
		n.children = make(map[*moduleresolver.Function]*Node)
	}
	t.mu.Lock()
	child := t.newNodeLocked(info, n)
	t.mu.Unlock()
	n.children[info.Function] = child
	return child
}

func (n *Node) addThreadWeight(tid int, w time.Duration) {
	n.mu.Lock()
	if n.threads == nil {
		n.threads = make(map[int]time.Duration)
	}
	n.threads[tid] += w
	n.mu.Unlock()
}

// Children returns the callees of the node, heaviest first.
func (n *Node) Children() []*Node {
	n.mu.Lock()
	children := make([]*Node, 0, len(n.children))
	for _, child := range n.children {
		children = append(children, child)
	}
	n.mu.Unlock()
	sortNodes(children)
	return children
}

// ThreadWeights returns the weight of the node per thread id.
func (n *Node) ThreadWeights() map[int]time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	weights := make(map[int]time.Duration, len(n.threads))
	for tid, w := range n.threads {
		weights[tid] = w
	}
	return weights
}

func (n *Node) CallSites() map[CallSite]time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	sites := make(map[CallSite]time.Duration, len(n.callSites))
	for s, w := range n.callSites {
		sites[s] = w
	}
	return sites
}

// Depth is the number of callers above the node.
func (n *Node) Depth() int {
	depth := 0
	for c := n.Caller; c != nil; c = c.Caller {
		depth++
	}
	return depth
}

func (n *Node) hasAncestor(fn *moduleresolver.Function) bool {
	for c := n.Caller; c != nil; c = c.Caller {
		if c.Function == fn {
			return true
		}
	}
	return false
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		wi, wj := nodes[i].Weight(), nodes[j].Weight()
		if wi != wj {
			return wi > wj
		}
		return nodes[i].ID < nodes[j].ID
	})
}
