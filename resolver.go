package dlsym

import (
	"fmt"

	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// Source says which table a resolution came from.
type Source uint8

const (
	SourceSymtab Source = iota
	SourceExports
)

func (s Source) String() string {
	if s == SourceExports {
		return "exports"
	}
	return "symtab"
}

// SymbolInfo describes the symbol an address falls in.
type SymbolInfo struct {
	Name      string
	Demangled string
	// Address is where the symbol starts, Offset how far past it the
	// resolved address is.
	Address   uint64
	Offset    uint64
	ImagePath string
	ImageAddr uint64
	Source    Source
	// File and Line are set when the image carries DWARF line info.
	File string
	Line int
}

func (i SymbolInfo) String() string {
	s := fmt.Sprintf("%s+%#x (%s)", i.Name, i.Offset, i.ImagePath)
	if i.File != "" {
		s += fmt.Sprintf(" %s:%d", i.File, i.Line)
	}
	return s
}

type resolverConfig struct {
	cacheSize int
	lineInfo  bool
	demangler Demangler
}

// A ResolverOption configures a Resolver.
type ResolverOption func(*resolverConfig)

// CacheSize sets how many address resolutions are remembered.
func CacheSize(n int) ResolverOption {
	return func(c *resolverConfig) {
		c.cacheSize = n
	}
}

// LineInfo turns DWARF file and line lookups on or off.
func LineInfo(enabled bool) ResolverOption {
	return func(c *resolverConfig) {
		c.lineInfo = enabled
	}
}

// WithDemangler fills SymbolInfo.Demangled using d.
func WithDemangler(d Demangler) ResolverOption {
	return func(c *resolverConfig) {
		c.demangler = d
	}
}

// Resolver answers address and name queries against a Registry.
type Resolver struct {
	reg       *Registry
	cache     *lru.Cache[uint64, SymbolInfo]
	lineInfo  bool
	demangler Demangler
}

// NewResolver returns a Resolver over reg. Its cache is cleared whenever an
// image leaves reg.
func NewResolver(reg *Registry, opts ...ResolverOption) (*Resolver, error) {
	cfg := resolverConfig{cacheSize: 1024, lineInfo: true}
	for _, o := range opts {
		o(&cfg)
	}
	cache, err := lru.New[uint64, SymbolInfo](cfg.cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create address cache")
	}
	r := &Resolver{
		reg:       reg,
		cache:     cache,
		lineInfo:  cfg.lineInfo,
		demangler: cfg.demangler,
	}
	reg.OnUnregister(func(*Entry) {
		r.cache.Purge()
	})
	return r, nil
}

// ResolveAddress finds the symbol containing addr: the nearest symbol table
// entry at or below it in the owning image, or failing that the nearest
// export.
func (r *Resolver) ResolveAddress(addr uint64) (SymbolInfo, error) {
	if info, ok := r.cache.Get(addr); ok {
		return info, nil
	}
	gen := r.reg.Generation()
	info, err := r.resolveAddress(addr)
	if m := r.reg.metrics; m != nil {
		m.AddressResolutions.WithLabelValues(result(err)).Inc()
	}
	if err != nil {
		return SymbolInfo{}, err
	}
	// An image removed while resolving may already have been purged.
	if r.reg.Generation() == gen {
		r.cache.Add(addr, info)
	}
	return info, nil
}

func (r *Resolver) resolveAddress(addr uint64) (SymbolInfo, error) {
	e, err := r.reg.ResolveOwningImage(addr)
	if err != nil {
		return SymbolInfo{}, errors.Wrapf(err, "resolve %#x", addr)
	}
	s, err := e.State()
	if err != nil {
		return SymbolInfo{}, err
	}

	info := SymbolInfo{ImagePath: e.Path, ImageAddr: e.Addr}
	if sym, ok := s.NearestSymbol(addr); ok {
		info.Name, info.Address, info.Source = sym.Name, sym.Address, SourceSymtab
	} else if exp, start, ok := s.NearestExport(addr); ok {
		info.Name, info.Address, info.Source = exp.Name, start, SourceExports
	} else {
		return SymbolInfo{}, errors.Wrapf(ErrSymbolNotFound, "no symbol at or below %#x in %s", addr, e.Path)
	}
	info.Offset = addr - info.Address

	if r.demangler != nil {
		if d, ok := r.demangler.Demangle(info.Name); ok {
			info.Demangled = d
		}
	}
	if r.lineInfo && s.Image.IsFile {
		info.File, info.Line, _ = s.LineForAddress(s.Unslide(addr))
	}
	return info, nil
}

// ResolveName returns the address of name in the image registered at
// imageAddr. The export trie is asked first; names it does not hold, and
// tries that are missing or corrupt, fall back to a scan of the symbol
// table.
func (r *Resolver) ResolveName(imageAddr uint64, name string) (uint64, error) {
	e, ok := r.reg.Lookup(imageAddr)
	if !ok {
		return 0, errors.Wrapf(ErrAddressNotOwned, "no image registered at %#x", imageAddr)
	}
	s, err := e.State()
	if err != nil {
		return 0, err
	}

	exp, err := s.Lookup(name)
	r.countTrieLookup(err)
	switch {
	case err == nil:
		if addr, ok := s.ExportAddress(exp); ok {
			return addr, nil
		}
	case errors.Is(err, ErrMalformedTrie):
		level.Warn(r.reg.logger).Log("msg", "export trie corrupt, scanning symbol table", "path", e.Path, "symbol", name, "err", err)
	case !errors.Is(err, ErrSymbolNotFound):
		return 0, err
	}

	if m := r.reg.metrics; m != nil {
		m.SymtabFallbacks.Inc()
	}
	sym, err := s.SymbolNamed(name)
	if err != nil {
		return 0, errors.Wrapf(err, "%s in %s", name, e.Path)
	}
	return sym.Address, nil
}

func (r *Resolver) countTrieLookup(err error) {
	m := r.reg.metrics
	if m == nil {
		return
	}
	res := "ok"
	switch {
	case errors.Is(err, ErrSymbolNotFound):
		res = "miss"
	case err != nil:
		res = "error"
	}
	m.TrieLookups.WithLabelValues(res).Inc()
}

// ResolveNameAnywhere looks name up in every registered image in address
// order and returns the first hit.
func (r *Resolver) ResolveNameAnywhere(name string) (uint64, *Entry, error) {
	for _, e := range r.reg.Images() {
		addr, err := r.ResolveName(e.Addr, name)
		if err == nil {
			return addr, e, nil
		}
	}
	return 0, nil, errors.Wrapf(ErrSymbolNotFound, "%s in any image", name)
}

// SelfImage returns the registered image containing the code that called
// it.
func (r *Resolver) SelfImage() (*Entry, error) {
	return r.reg.ResolveOwningImage(uint64(CallerReturnAddress(1)))
}
