package dlsym

import (
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// A Demangler turns a symbol table name into a readable one. It reports
// false for names it does not understand.
type Demangler interface {
	Demangle(name string) (string, bool)
}

// CXXDemangler demangles Itanium C++ and Rust names.
type CXXDemangler struct {
	Options []demangle.Option
}

var (
	DemangleSimplified = []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams, demangle.NoTemplateParams}
	DemangleTemplates  = []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams}
	DemangleFull       = []demangle.Option{demangle.NoClones}
)

// Demangle strips the Mach-O leading underscore before demangling.
func (d CXXDemangler) Demangle(name string) (string, bool) {
	name = strings.TrimPrefix(name, "_")
	s, err := demangle.ToString(name, d.Options...)
	if err != nil {
		return "", false
	}
	return s, true
}

// SymbolDemangled returns the first defined symbol whose demangled name is
// demangled.
func (s *State) SymbolDemangled(d Demangler, demangled string) (Symbol, error) {
	it := s.Symbols(WithTypeMask(DefinedMask))
	for it.Next() {
		if name, ok := d.Demangle(it.Symbol().Name); ok && name == demangled {
			return it.Symbol(), nil
		}
	}
	return Symbol{}, ErrSymbolNotFound
}
