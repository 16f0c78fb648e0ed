package dlsym

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/appsworld/go-dlsym/pkg/trie"
)

type exportCache struct {
	once    sync.Once
	entries []trie.Entry
	err     error
}

// TrieData returns the export trie bytes, or nil when the image has none.
// A trie running past the end of the image is cut short, so lookups that
// reach the missing part report ErrMalformedTrie.
func (s *State) TrieData() ([]byte, error) {
	if s.TrieSize == 0 {
		return nil, nil
	}
	n := uint64(len(s.Image.Data))
	if s.TrieOff >= n {
		return nil, errors.Wrapf(ErrMalformedTrie, "export trie at %#x outside image of %d bytes", s.TrieOff, n)
	}
	end := s.TrieOff + uint64(s.TrieSize)
	if end > n {
		end = n
	}
	return s.Image.Data[s.TrieOff:end], nil
}

// Lookup finds an exported symbol by name in the export trie.
func (s *State) Lookup(name string) (trie.Entry, error) {
	data, err := s.TrieData()
	if err != nil {
		return trie.Entry{}, err
	}
	if data == nil {
		return trie.Entry{}, ErrSymbolNotFound
	}
	e, err := trie.Lookup(data, name)
	if err != nil {
		return trie.Entry{}, notFound(err)
	}
	return e, nil
}

// WalkExports calls fn for each export in trie order until fn returns false.
func (s *State) WalkExports(fn func(trie.Entry) bool) error {
	data, err := s.TrieData()
	if err != nil || data == nil {
		return err
	}
	return trie.Walk(data, fn)
}

// Exports returns every export of the image. The list is decoded on first
// call and shared afterwards; the caller must not modify it. When part of
// the trie is corrupt the readable exports come back with the error.
func (s *State) Exports() ([]trie.Entry, error) {
	if s.exports == nil {
		data, err := s.TrieData()
		if err != nil {
			return nil, err
		}
		return trie.ParseTrie(data)
	}
	s.exports.once.Do(func() {
		data, err := s.TrieData()
		if err != nil {
			s.exports.err = err
			return
		}
		s.exports.entries, s.exports.err = trie.ParseTrie(data)
	})
	return s.exports.entries, s.exports.err
}

// ExportAddress returns where an export lives in this image. Re-exports
// live in another image and report false.
func (s *State) ExportAddress(e trie.Entry) (uint64, bool) {
	switch {
	case e.Flags.ReExport():
		return 0, false
	case e.Flags.Absolute():
		return e.Value, true
	default:
		return s.Image.Addr + e.Value, true
	}
}
