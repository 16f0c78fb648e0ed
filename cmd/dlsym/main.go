package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/alecthomas/kingpin.v2"

	dlsym "github.com/appsworld/go-dlsym"
	"github.com/appsworld/go-dlsym/pkg/mapped"
	"github.com/appsworld/go-dlsym/pkg/trie"
)

var cfg struct {
	verbose  bool
	base     string
	demangle bool
	symbols  struct {
		mask   string
		prefix string
		swift  []string
	}
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Read symbols and exports of Mach-O images without the dynamic linker.").UsageWriter(os.Stdout)
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("false").BoolVar(&cfg.verbose)
	app.Flag("base", "Address the image header is reported at.").Default("0").StringVar(&cfg.base)
	app.Flag("demangle", "Demangle C++ and Rust names.").Short('C').BoolVar(&cfg.demangle)

	infoCmd := app.Command("info", "Print the header walk result.")
	infoFile := infoCmd.Arg("file", "Mach-O file").Required().ExistingFile()

	symbolsCmd := app.Command("symbols", "List symbol table entries.")
	symbolsFile := symbolsCmd.Arg("file", "Mach-O file").Required().ExistingFile()
	symbolsCmd.Flag("mask", "Filter: all, defined or globals.").Default("defined").EnumVar(&cfg.symbols.mask, "all", "defined", "globals")
	symbolsCmd.Flag("prefix", "Only names starting with this prefix.").StringVar(&cfg.symbols.prefix)
	symbolsCmd.Flag("swift", "Only Swift symbols ending in one of these suffixes.").StringsVar(&cfg.symbols.swift)

	exportsCmd := app.Command("exports", "List the export trie.")
	exportsFile := exportsCmd.Arg("file", "Mach-O file").Required().ExistingFile()

	lookupCmd := app.Command("lookup", "Resolve symbol names to addresses.")
	lookupFile := lookupCmd.Arg("file", "Mach-O file").Required().ExistingFile()
	lookupNames := lookupCmd.Arg("name", "Symbol names, leading underscore included").Required().Strings()

	addrCmd := app.Command("addr", "Resolve addresses to symbols.")
	addrFile := addrCmd.Arg("file", "Mach-O file").Required().ExistingFile()
	addrList := addrCmd.Arg("address", "Addresses to resolve").Required().Strings()

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// enable verbose logging if requested
	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	base, err := strconv.ParseUint(cfg.base, 0, 64)
	if err != nil {
		kingpin.Fatalf("invalid --base %q: %v", cfg.base, err)
	}

	switch parsedCmd {
	case infoCmd.FullCommand():
		os.Exit(checkError(withImage(*infoFile, base, func(r *dlsym.Resolver, e *dlsym.Entry, s *dlsym.State) error {
			return info(os.Stdout, s)
		})))
	case symbolsCmd.FullCommand():
		os.Exit(checkError(withImage(*symbolsFile, base, func(r *dlsym.Resolver, e *dlsym.Entry, s *dlsym.State) error {
			return symbols(os.Stdout, s)
		})))
	case exportsCmd.FullCommand():
		os.Exit(checkError(withImage(*exportsFile, base, func(r *dlsym.Resolver, e *dlsym.Entry, s *dlsym.State) error {
			return exports(os.Stdout, s)
		})))
	case lookupCmd.FullCommand():
		os.Exit(checkError(withImage(*lookupFile, base, func(r *dlsym.Resolver, e *dlsym.Entry, s *dlsym.State) error {
			return lookup(os.Stdout, r, e, *lookupNames)
		})))
	case addrCmd.FullCommand():
		os.Exit(checkError(withImage(*addrFile, base, func(r *dlsym.Resolver, e *dlsym.Entry, s *dlsym.State) error {
			return addrs(os.Stdout, r, base, *addrList)
		})))
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

func withImage(path string, base uint64, fn func(*dlsym.Resolver, *dlsym.Entry, *dlsym.State) error) error {
	f, err := mapped.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reg := dlsym.NewRegistry(dlsym.WithLogger(logger))
	img := dlsym.FileImageAt(f.Data(), base)
	s, err := reg.Register(path, img)
	if err != nil {
		return err
	}
	defer reg.Unregister(base)

	var opts []dlsym.ResolverOption
	if cfg.demangle {
		opts = append(opts, dlsym.WithDemangler(dlsym.CXXDemangler{Options: dlsym.DemangleFull}))
	}
	r, err := dlsym.NewResolver(reg, opts...)
	if err != nil {
		return err
	}
	e, _ := reg.Lookup(base)
	level.Debug(logger).Log("msg", "image loaded", "path", path, "mapped", f.Mapped())
	return fn(r, e, s)
}

func info(w io.Writer, s *dlsym.State) error {
	fmt.Fprintln(w, s)
	fmt.Fprint(w, s.Header)
	fmt.Fprintf(w, "File Slide    = %#x\n", s.FileSlide)
	fmt.Fprintf(w, "Address Base  = %#x\n", s.AddressBase)
	fmt.Fprintf(w, "Symbols       = %d at %#x, strings %d bytes at %#x\n", s.NSyms, s.SymOff, s.StrSize, s.StrOff)
	fmt.Fprintf(w, "Exports       = %s, %d bytes at %#x\n", s.ExportInfo, s.TrieSize, s.TrieOff)
	for _, seg := range s.Segments {
		fmt.Fprintf(w, "%-16s vm %#016x-%#016x file %#08x-%#08x\n", seg.Name, seg.Addr, seg.Addr+seg.Memsz, seg.Offset, seg.Offset+seg.Filesz)
		for _, sect := range seg.Sections {
			fmt.Fprintf(w, "  %-16s %#016x %#x\n", sect.Name, sect.Addr, sect.Size)
		}
	}
	return nil
}

func demangled(name string) string {
	if !cfg.demangle {
		return name
	}
	if d, ok := (dlsym.CXXDemangler{Options: dlsym.DemangleFull}).Demangle(name); ok {
		return d
	}
	return name
}

func symbols(w io.Writer, s *dlsym.State) error {
	var syms []dlsym.Symbol
	switch {
	case len(cfg.symbols.swift) > 0:
		syms = s.SwiftSymbols(cfg.symbols.swift...)
	case cfg.symbols.prefix != "":
		syms = s.SymbolsWithPrefix(cfg.symbols.prefix)
	default:
		var opts []dlsym.SymbolOption
		switch cfg.symbols.mask {
		case "defined":
			opts = append(opts, dlsym.WithTypeMask(dlsym.DefinedMask))
		case "globals":
			opts = append(opts, dlsym.WithTypeMask(dlsym.GlobalsMask))
		}
		it := s.Symbols(opts...)
		for it.Next() {
			syms = append(syms, it.Symbol())
		}
		if it.Skipped() > 0 {
			level.Warn(logger).Log("msg", "skipped unreadable symbol table entries", "count", it.Skipped())
		}
	}
	for _, sym := range syms {
		fmt.Fprintf(w, "%#016x %-10s %s\n", sym.Address, sym.Type, demangled(sym.Name))
	}
	return nil
}

func exports(w io.Writer, s *dlsym.State) error {
	return s.WalkExports(func(e trie.Entry) bool {
		fmt.Fprintf(w, "%s\t%s\n", e, e.Flags)
		return true
	})
}

func lookup(w io.Writer, r *dlsym.Resolver, e *dlsym.Entry, names []string) error {
	for _, name := range names {
		addr, err := r.ResolveName(e.Addr, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%#016x %s\n", addr, demangled(name))
	}
	return nil
}

func addrs(w io.Writer, r *dlsym.Resolver, base uint64, list []string) error {
	for _, a := range list {
		addr, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", a, err)
		}
		info, err := r.ResolveAddress(addr)
		if err != nil {
			return err
		}
		name := info.Name
		if info.Demangled != "" {
			name = info.Demangled
		}
		fmt.Fprintf(w, "%#016x %s+%#x (%s)", addr, name, info.Offset, info.Source)
		if info.File != "" {
			fmt.Fprintf(w, " %s:%d", info.File, info.Line)
		}
		fmt.Fprintln(w)
	}
	return nil
}
