package dlsym

import (
	"sort"
	"sync"

	"github.com/appsworld/go-dlsym/pkg/trie"
)

type exportAddr struct {
	Address uint64
	Entry   trie.Entry
}

// symbolIndex holds the image's symbols and exports sorted by address,
// each list built on first use.
type symbolIndex struct {
	symOnce sync.Once
	symbols []Symbol

	expOnce sync.Once
	exports []exportAddr
}

func (s *State) sortedSymbols() []Symbol {
	build := func() []Symbol {
		syms := s.AllSymbols(WithTypeMask(DefinedMask))
		sort.SliceStable(syms, func(i, j int) bool {
			return syms[i].Address < syms[j].Address
		})
		return syms
	}
	if s.index == nil {
		return build()
	}
	s.index.symOnce.Do(func() {
		s.index.symbols = build()
	})
	return s.index.symbols
}

func (s *State) sortedExports() []exportAddr {
	build := func() []exportAddr {
		// A partly corrupt trie still contributes what could be read.
		entries, _ := s.Exports()
		var res []exportAddr
		for _, e := range entries {
			if e.Flags.Absolute() {
				continue
			}
			if addr, ok := s.ExportAddress(e); ok {
				res = append(res, exportAddr{Address: addr, Entry: e})
			}
		}
		sort.SliceStable(res, func(i, j int) bool {
			return res[i].Address < res[j].Address
		})
		return res
	}
	if s.index == nil {
		return build()
	}
	s.index.expOnce.Do(func() {
		s.index.exports = build()
	})
	return s.index.exports
}

// NearestSymbol returns the defined symbol with the highest address not
// above addr.
func (s *State) NearestSymbol(addr uint64) (Symbol, bool) {
	syms := s.sortedSymbols()
	if len(syms) == 0 || addr < syms[0].Address {
		return Symbol{}, false
	}
	i := sort.Search(len(syms), func(i int) bool {
		return addr < syms[i].Address
	})
	i--
	return syms[i], true
}

// NearestExport returns the export with the highest address not above
// addr, together with that address. Absolute exports and re-exports are
// not considered.
func (s *State) NearestExport(addr uint64) (trie.Entry, uint64, bool) {
	exps := s.sortedExports()
	if len(exps) == 0 || addr < exps[0].Address {
		return trie.Entry{}, 0, false
	}
	i := sort.Search(len(exps), func(i int) bool {
		return addr < exps[i].Address
	})
	i--
	return exps[i].Entry, exps[i].Address, true
}
