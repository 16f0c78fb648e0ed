package dlsym

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/appsworld/go-dlsym/types"
)

// Type masks for WithTypeMask.
const (
	// DefinedMask skips debugging entries and undefined symbols.
	DefinedMask = types.N_STAB
	// GlobalsMask also skips private externals.
	GlobalsMask = types.N_STAB | types.N_PEXT
)

// A Symbol is one symbol table entry.
type Symbol struct {
	// Name is the string table name, leading underscore included.
	Name  string
	Type  types.NType
	Sect  uint8
	Desc  uint16
	Value uint64
	// Address is Value moved to where the image is, or 0 for symbols not in
	// any section.
	Address uint64
	Defined bool
	// Index is the position of the entry in the symbol table.
	Index int
}

// CName returns the name with one leading underscore removed.
func (s Symbol) CName() string {
	return strings.TrimPrefix(s.Name, "_")
}

func (s Symbol) String() string {
	return fmt.Sprintf("#%-4d %#016x: 0x%02x %s", s.Index, s.Address, uint8(s.Type), s.Name)
}

type symbolConfig struct {
	mask types.NType
}

// A SymbolOption configures a SymbolIterator.
type SymbolOption func(*symbolConfig)

// WithTypeMask skips entries whose type has any of the mask's bits set. A
// non-zero mask also skips entries that are not in a section.
func WithTypeMask(mask types.NType) SymbolOption {
	return func(c *symbolConfig) {
		c.mask = mask
	}
}

// SymbolIterator steps through a symbol table. Entries whose record or
// name cannot be read inside the image are skipped and counted.
type SymbolIterator struct {
	s       *State
	mask    types.NType
	next    uint32
	cur     Symbol
	skipped int
}

// Symbols returns an iterator over the symbol table, unfiltered unless a
// type mask is given.
func (s *State) Symbols(opts ...SymbolOption) *SymbolIterator {
	var cfg symbolConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &SymbolIterator{s: s, mask: cfg.mask}
}

// Next advances to the next symbol, returning false at the end of the table.
func (it *SymbolIterator) Next() bool {
	for it.next < it.s.NSyms {
		i := it.next
		it.next++

		sym, ok := it.s.nlist(i)
		if !ok {
			it.skipped++
			continue
		}
		if it.mask != 0 && (sym.Type&it.mask != 0 || sym.Sect == types.NO_SECT) {
			continue
		}
		if !it.s.symbolName(i, &sym) {
			it.skipped++
			continue
		}
		it.cur = sym
		return true
	}
	return false
}

// Symbol returns the symbol Next stopped at.
func (it *SymbolIterator) Symbol() Symbol {
	return it.cur
}

// Skipped returns how many unreadable entries have been passed over.
func (it *SymbolIterator) Skipped() int {
	return it.skipped
}

// Reset rewinds the iterator to the start of the table.
func (it *SymbolIterator) Reset() {
	it.next = 0
	it.cur = Symbol{}
	it.skipped = 0
}

func (s *State) nlistSize() uint64 {
	if s.Is64() {
		return types.Nlist64Size
	}
	return types.Nlist32Size
}

// nlist decodes entry i apart from its name.
func (s *State) nlist(i uint32) (Symbol, bool) {
	r := s.reader()
	size := s.nlistSize()
	off := s.SymOff + uint64(i)*size
	if !r.has(off, size) {
		return Symbol{}, false
	}
	sym := Symbol{
		Type:  types.NType(r.b[off+4]),
		Sect:  r.b[off+5],
		Index: int(i),
	}
	sym.Desc, _ = r.u16(off + 6)
	if s.Is64() {
		sym.Value, _ = r.u64(off + 8)
	} else {
		v, _ := r.u32(off + 8)
		sym.Value = uint64(v)
	}
	if sym.Sect != types.NO_SECT {
		sym.Defined = true
		sym.Address = sym.Value + uint64(s.AddressBase)
	}
	return sym, true
}

func (s *State) symbolName(i uint32, sym *Symbol) bool {
	r := s.reader()
	strx, ok := r.u32(s.SymOff + uint64(i)*s.nlistSize())
	if !ok || strx >= s.StrSize {
		return false
	}
	off := s.StrOff + uint64(strx)
	if off >= s.ImageEnd {
		return false
	}
	sym.Name, ok = r.cstringBefore(off, s.ImageEnd)
	return ok
}

// AllSymbols collects what Symbols(opts...) yields.
func (s *State) AllSymbols(opts ...SymbolOption) []Symbol {
	var syms []Symbol
	it := s.Symbols(opts...)
	for it.Next() {
		syms = append(syms, it.Symbol())
	}
	return syms
}

// SymbolNamed finds a defined, non-debugging symbol by its string table
// name with a linear scan.
func (s *State) SymbolNamed(name string) (Symbol, error) {
	it := s.Symbols(WithTypeMask(DefinedMask))
	for it.Next() {
		if it.Symbol().Name == name {
			return it.Symbol(), nil
		}
	}
	return Symbol{}, ErrSymbolNotFound
}

// SymbolsWithPrefix returns the defined, non-debugging symbols whose name
// starts with prefix.
func (s *State) SymbolsWithPrefix(prefix string) []Symbol {
	return lo.Filter(s.AllSymbols(WithTypeMask(DefinedMask)), func(sym Symbol, _ int) bool {
		return strings.HasPrefix(sym.Name, prefix)
	})
}

// SwiftSymbols returns the defined Swift symbols, those mangled with the
// "$s" prefix. With suffixes given only symbols ending in one of them are
// returned.
func (s *State) SwiftSymbols(suffixes ...string) []Symbol {
	return lo.Filter(s.AllSymbols(WithTypeMask(DefinedMask)), func(sym Symbol, _ int) bool {
		name := sym.CName()
		if !strings.HasPrefix(name, "$s") {
			return false
		}
		if len(suffixes) == 0 {
			return true
		}
		return lo.ContainsBy(suffixes, func(suffix string) bool {
			return strings.HasSuffix(name, suffix)
		})
	})
}
