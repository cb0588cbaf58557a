// Package nodetree is the serializable form of a call tree.
package nodetree

import (
	"encoding/binary"
	"hash"
	"io"

	"github.com/zeebo/xxh3"

	"github.com/getsentry/traceprof/internal/calltree"
)

type Node struct {
	Fingerprint  uint64  `json:"fingerprint"`
	Kind         string  `json:"kind"`
	Module       string  `json:"module"`
	Name         string  `json:"name"`
	SelfWeightNS uint64  `json:"self_weight_ns"`
	WeightNS     uint64  `json:"weight_ns"`
	Children     []*Node `json:"children,omitempty"`
}

func (n *Node) WriteToHash(h hash.Hash) {
	if n.Module == "" && n.Name == "" {
		_, _ = h.Write([]byte("-"))
	} else {
		_, _ = io.WriteString(h, n.Module)
		_, _ = io.WriteString(h, n.Name)
	}
}

// FromCallTree converts the tree, heaviest children first. The fingerprint
// of a node identifies its path from the root, so it is stable across
// traces calling the same functions the same way.
func FromCallTree(t *calltree.CallTree) []*Node {
	roots := t.RootNodes()
	nodes := make([]*Node, 0, len(roots))
	for _, r := range roots {
		nodes = append(nodes, fromCallTreeNode(r, 0))
	}
	return nodes
}

func fromCallTreeNode(cn *calltree.Node, parent uint64) *Node {
	n := &Node{
		Kind:         cn.Kind.String(),
		Module:       cn.Function.ModuleName,
		Name:         cn.Function.Name,
		SelfWeightNS: uint64(cn.ExclusiveWeight().Nanoseconds()),
		WeightNS:     uint64(cn.Weight().Nanoseconds()),
	}
	h := xxh3.New()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], parent)
	_, _ = h.Write(b[:])
	n.WriteToHash(h)
	n.Fingerprint = h.Sum64()
	for _, child := range cn.Children() {
		n.Children = append(n.Children, fromCallTreeNode(child, n.Fingerprint))
	}
	return n
}

// Prune removes the subtrees weighing less than minWeightNS. Weights of
// the remaining nodes are left untouched.
func (n Node) Prune(minWeightNS uint64) *Node {
	children := make([]*Node, 0, len(n.Children))
	for _, child := range n.Children {
		if child.WeightNS < minWeightNS {
			continue
		}
		children = append(children, child.Prune(minWeightNS))
	}
	n.Children = children
	return &n
}

// Count returns the number of nodes in the subtree.
func (n *Node) Count() int {
	count := 1
	for _, child := range n.Children {
		count += child.Count()
	}
	return count
}
