// Package trie decodes the dyld export trie stored in LC_DYLD_INFO and
// LC_DYLD_EXPORTS_TRIE payloads.
//
// A trie is a sequence of nodes. Each node starts with a ULEB128 terminal
// size. A non-zero size is followed by that many bytes of export info
// (ULEB128 flags, then a value whose meaning depends on the flags). After
// the export info comes a single child count byte and, per child, a NUL
// terminated edge label and the ULEB128 offset of the child node from the
// start of the trie.
package trie

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/appsworld/go-dlsym/types"
)

var (
	// ErrMalformedTrie is wrapped by every error reporting corrupt trie bytes.
	ErrMalformedTrie = errors.New("malformed export trie")
	// ErrSymbolNotFound is returned by Lookup when the trie has no such export.
	ErrSymbolNotFound = errors.New("symbol not in trie")
)

// CorruptError describes where a trie stopped making sense.
type CorruptError struct {
	Off uint64
	Msg string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("%s: %s at trie offset %#x", ErrMalformedTrie, e.Msg, e.Off)
}

func (e *CorruptError) Unwrap() error { return ErrMalformedTrie }

func corrupt(off uint64, format string, args ...interface{}) error {
	return &CorruptError{Off: off, Msg: fmt.Sprintf(format, args...)}
}

// Entry is a decoded terminal node of the trie.
type Entry struct {
	Name  string
	Flags types.ExportFlag
	// Value is the first value after the flags: the image relative address
	// for regular and thread local exports, the absolute value for absolute
	// exports, the dylib ordinal for re-exports and the stub offset for
	// stub-and-resolver exports.
	Value uint64
	// Other is the resolver offset of a stub-and-resolver export.
	Other uint64
	// ReExport is the imported name of a re-export, empty when the
	// re-export keeps its own name.
	ReExport string
	// Node is the offset of the terminal node inside the trie.
	Node uint64
}

func (e Entry) String() string {
	if e.Flags.ReExport() {
		name := e.ReExport
		if name == "" {
			name = e.Name
		}
		return fmt.Sprintf("%s (%s re-exported from dylib #%d)", e.Name, filepath.Base(name), e.Value)
	} else if e.Flags.StubAndResolver() {
		return fmt.Sprintf("%#016x %s\t(resolver %#8x)", e.Value, e.Name, e.Other)
	}
	return fmt.Sprintf("%#016x: %s", e.Value, e.Name)
}

// ReadUleb128 decodes the ULEB128 value starting at data[off] and returns it
// together with the offset of the first byte after it.
func ReadUleb128(data []byte, off uint64) (uint64, uint64, error) {
	var result uint64
	var shift uint64

	start := off
	for {
		if off >= uint64(len(data)) {
			return 0, off, corrupt(start, "ULEB128 value runs past end of trie")
		}
		b := data[off]
		off++

		// Only the low bit of the tenth byte still fits.
		if (shift == 63 && b&0x7e != 0) || (shift >= 64 && b&0x7f != 0) {
			return 0, off, corrupt(start, "ULEB128 value overflows 64 bits")
		}
		if shift < 64 {
			result |= uint64(b&0x7f) << shift
		}

		// If high order bit is 1.
		if (b & 0x80) == 0 {
			break
		}

		shift += 7
	}

	return result, off, nil
}

type node struct {
	off      uint64
	terminal []byte
	hasTerm  bool
	childOff uint64
}

func readNode(data []byte, off uint64) (node, error) {
	if off >= uint64(len(data)) {
		return node{}, corrupt(off, "node offset outside trie of %d bytes", len(data))
	}
	size, next, err := ReadUleb128(data, off)
	if err != nil {
		return node{}, err
	}
	if size > uint64(len(data))-next {
		return node{}, corrupt(off, "terminal size %d overruns trie", size)
	}
	n := node{off: off, childOff: next + size}
	if size != 0 {
		n.hasTerm = true
		n.terminal = data[next : next+size]
	}
	if n.childOff >= uint64(len(data)) {
		return node{}, corrupt(off, "node has no child count")
	}
	return n, nil
}

// eachEdge calls fn for every child edge of n in stored order until fn
// returns false. Edges decoded before a corrupt one are still reported.
func (n node) eachEdge(data []byte, fn func(label []byte, child uint64) bool) error {
	count := int(data[n.childOff])
	p := n.childOff + 1
	for i := 0; i < count; i++ {
		if p >= uint64(len(data)) {
			return corrupt(n.off, "edge %d runs past end of trie", i)
		}
		end := bytes.IndexByte(data[p:], 0)
		if end < 0 {
			return corrupt(p, "unterminated edge label")
		}
		label := data[p : p+uint64(end)]
		p += uint64(end) + 1

		child, next, err := ReadUleb128(data, p)
		if err != nil {
			return err
		}
		p = next
		if child >= uint64(len(data)) {
			return corrupt(n.off, "child offset %#x outside trie", child)
		}
		if !fn(label, child) {
			return nil
		}
	}
	return nil
}

func decodeTerminal(name string, n node) (Entry, error) {
	e := Entry{Name: name, Node: n.off}

	flags, p, err := ReadUleb128(n.terminal, 0)
	if err != nil {
		return Entry{}, corrupt(n.off, "bad export flags for %q", name)
	}
	e.Flags = types.ExportFlag(flags)

	e.Value, p, err = ReadUleb128(n.terminal, p)
	if err != nil {
		return Entry{}, corrupt(n.off, "bad export value for %q", name)
	}

	switch {
	case e.Flags.ReExport():
		rest := n.terminal[p:]
		if i := bytes.IndexByte(rest, 0); i >= 0 {
			rest = rest[:i]
		}
		e.ReExport = string(rest)
	case e.Flags.StubAndResolver():
		e.Other, _, err = ReadUleb128(n.terminal, p)
		if err != nil {
			return Entry{}, corrupt(n.off, "bad resolver offset for %q", name)
		}
	}

	return e, nil
}

// Lookup walks the trie from its root along the edges spelling symbol and
// returns the export stored at the node that consumes it exactly.
//
// At each node the first edge whose label prefixes the unmatched remainder
// is taken. Well formed tries never have two such edges.
func Lookup(data []byte, symbol string) (Entry, error) {
	if len(data) == 0 {
		return Entry{}, ErrSymbolNotFound
	}

	visited := make(map[uint64]struct{})
	var off uint64
	var matched int

	for {
		if _, seen := visited[off]; seen {
			return Entry{}, corrupt(off, "cycle while looking up %q", symbol)
		}
		visited[off] = struct{}{}

		n, err := readNode(data, off)
		if err != nil {
			return Entry{}, err
		}

		if matched == len(symbol) {
			if !n.hasTerm {
				return Entry{}, ErrSymbolNotFound
			}
			return decodeTerminal(symbol, n)
		}

		rest := symbol[matched:]
		found := false
		err = n.eachEdge(data, func(label []byte, child uint64) bool {
			if len(label) <= len(rest) && rest[:len(label)] == string(label) {
				matched += len(label)
				off = child
				found = true
				return false
			}
			return true
		})
		if err != nil {
			return Entry{}, err
		}
		if !found {
			return Entry{}, ErrSymbolNotFound
		}
	}
}

// Walk visits every export of the trie depth first, in stored edge order,
// reporting a node's own export before those of its children. It stops
// early when fn returns false.
//
// A corrupt subtree is skipped and its siblings are still visited; the
// corruption is reported once the walk is over. Corruption of the root
// node ends the walk immediately.
func Walk(data []byte, fn func(Entry) bool) error {
	if len(data) == 0 {
		return nil
	}

	type frame struct {
		off  uint64
		name []byte
	}

	var errs []error
	visited := make(map[uint64]struct{})
	stack := []frame{{off: 0}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, seen := visited[f.off]; seen {
			errs = append(errs, corrupt(f.off, "node reached twice below %q", f.name))
			continue
		}
		visited[f.off] = struct{}{}

		n, err := readNode(data, f.off)
		if err != nil {
			if f.off == 0 {
				return err
			}
			errs = append(errs, err)
			continue
		}

		if n.hasTerm {
			e, err := decodeTerminal(string(f.name), n)
			if err != nil {
				errs = append(errs, err)
			} else if !fn(e) {
				return nil
			}
		}

		var children []frame
		err = n.eachEdge(data, func(label []byte, child uint64) bool {
			name := make([]byte, len(f.name)+len(label))
			copy(name, f.name)
			copy(name[len(f.name):], label)
			children = append(children, frame{off: child, name: name})
			return true
		})
		if err != nil {
			errs = append(errs, err)
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}

	return errors.Join(errs...)
}

// ParseTrie returns every export of the trie in Walk order. When part of the
// trie is corrupt the exports that could be decoded are returned along with
// the error.
func ParseTrie(data []byte) ([]Entry, error) {
	var entries []Entry
	err := Walk(data, func(e Entry) bool {
		entries = append(entries, e)
		return true
	})
	return entries, err
}
