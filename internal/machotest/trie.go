package machotest

import (
	"github.com/appsworld/go-dlsym/types"
)

// Export is one terminal of a trie written by Trie.
type Export struct {
	Name     string
	Flags    types.ExportFlag
	Value    uint64
	Other    uint64
	ReExport string
}

type trieNode struct {
	term  []byte
	edges []trieEdge
	off   uint64
}

type trieEdge struct {
	label string
	child *trieNode
}

// Uleb128 appends the ULEB128 encoding of v to b.
func Uleb128(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func ulebLen(v uint64) uint64 {
	return uint64(len(Uleb128(nil, v)))
}

func (e Export) terminal() []byte {
	b := Uleb128(nil, uint64(e.Flags))
	b = Uleb128(b, e.Value)
	switch {
	case e.Flags.ReExport():
		b = append(b, e.ReExport...)
		b = append(b, 0)
	case e.Flags.StubAndResolver():
		b = Uleb128(b, e.Other)
	}
	return b
}

func (n *trieNode) insert(s string, term []byte) {
	if s == "" {
		n.term = term
		return
	}
	for i := range n.edges {
		e := &n.edges[i]
		cp := 0
		for cp < len(e.label) && cp < len(s) && e.label[cp] == s[cp] {
			cp++
		}
		if cp == 0 {
			continue
		}
		if cp < len(e.label) {
			mid := &trieNode{edges: []trieEdge{{label: e.label[cp:], child: e.child}}}
			e.label = e.label[:cp]
			e.child = mid
		}
		e.child.insert(s[cp:], term)
		return
	}
	leaf := &trieNode{}
	n.edges = append(n.edges, trieEdge{label: s, child: leaf})
	leaf.insert("", term)
}

func (n *trieNode) size() uint64 {
	s := ulebLen(uint64(len(n.term))) + uint64(len(n.term)) + 1
	for _, e := range n.edges {
		s += uint64(len(e.label)) + 1 + ulebLen(e.child.off)
	}
	return s
}

// Trie encodes exports as an export trie. Edges are stored in the order
// their first export was given.
func Trie(exports ...Export) []byte {
	root := &trieNode{}
	for _, e := range exports {
		root.insert(e.Name, e.terminal())
	}

	var nodes []*trieNode
	var collect func(n *trieNode)
	collect = func(n *trieNode) {
		nodes = append(nodes, n)
		for _, e := range n.edges {
			collect(e.child)
		}
	}
	collect(root)

	// Offsets and ULEB128 widths depend on each other; iterate to a fixpoint.
	for changed := true; changed; {
		changed = false
		var off uint64
		for _, n := range nodes {
			if n.off != off {
				n.off = off
				changed = true
			}
			off += n.size()
		}
	}

	var b []byte
	for _, n := range nodes {
		b = Uleb128(b, uint64(len(n.term)))
		b = append(b, n.term...)
		b = append(b, byte(len(n.edges)))
		for _, e := range n.edges {
			b = append(b, e.label...)
			b = append(b, 0)
			b = Uleb128(b, e.child.off)
		}
	}
	return b
}
