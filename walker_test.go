package dlsym

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appsworld/go-dlsym/internal/machotest"
	"github.com/appsworld/go-dlsym/types"
)

// Symbol values are vm addresses in the Standard layout, __TEXT at 0x1000.
var testSymbols = []machotest.Symbol{
	{Name: "_main", Type: types.N_SECT | types.N_EXT, Sect: 1, Value: 0x1050},
	{Name: "_helper", Type: types.N_SECT, Sect: 1, Value: 0x1100},
	{Name: "_private_ext", Type: types.N_SECT | types.N_EXT | types.N_PEXT, Sect: 1, Value: 0x1200},
	{Name: "_printf", Type: types.N_UNDF | types.N_EXT},
	{Name: "main.c", Type: 0x64},
	{Name: "_data_var", Type: types.N_SECT | types.N_EXT, Sect: 2, Value: 0x2010},
	{Name: "_$s4main3FooV3barSivg", Type: types.N_SECT | types.N_EXT, Sect: 1, Value: 0x1300},
	{Name: "_$s4main3FooVMa", Type: types.N_SECT | types.N_EXT, Sect: 1, Value: 0x1340},
}

// Export values are relative to the header.
func testTrie() []byte {
	return machotest.Trie(
		machotest.Export{Name: "_main", Value: 0x50},
		machotest.Export{Name: "_exported_only", Value: 0x300},
		machotest.Export{Name: "_data_var", Value: 0x1010},
		machotest.Export{Name: "_reexp", Value: 1, Flags: types.EXPORT_SYMBOL_FLAGS_REEXPORT, ReExport: "_other"},
		machotest.Export{Name: "_version", Value: 7, Flags: types.EXPORT_SYMBOL_FLAGS_KIND_ABSOLUTE},
	)
}

func standardImage(t *testing.T) ([]byte, machotest.Layout) {
	t.Helper()
	return machotest.Standard(testSymbols, testTrie()).Build()
}

// symtabCmdOff is where the Standard layout's LC_SYMTAB lands: after the
// 64-bit header and four segment commands.
const symtabCmdOff = types.FileHeaderSize64 + 4*types.Segment64Size

func TestParseLive(t *testing.T) {
	data, l := standardImage(t)
	s, err := Parse(LiveImage(machotest.Live(data, l), 0x9000))
	require.NoError(t, err)

	require.Equal(t, types.Magic64, s.Header.Magic)
	require.Equal(t, types.MH_DYLIB, s.Header.Type)
	require.True(t, s.Is64())
	require.Equal(t, int64(0), s.FileSlide)
	require.Equal(t, int64(0x8000), s.AddressBase)
	require.True(t, s.HasText)
	require.Equal(t, uint64(0x9000), s.TextAddr+uint64(s.AddressBase))

	require.Equal(t, uint64(l.SymOff), s.SymOff)
	require.Equal(t, l.NSyms, s.NSyms)
	require.Equal(t, uint64(l.StrOff), s.StrOff)
	require.Equal(t, l.StrSize, s.StrSize)
	require.Equal(t, uint64(l.TrieOff), s.TrieOff)
	require.Equal(t, l.TrieSize, s.TrieSize)
	require.Equal(t, ExportsTrie, s.ExportInfo)
	require.Equal(t, uint64(len(data)), s.ImageEnd)

	require.Len(t, s.Segments, 4)
	require.Equal(t, types.SegPageZero, s.Segments[0].Name)
	require.Equal(t, types.SegLinkEdit, s.Segments[3].Name)
	require.Equal(t, uint64(0x3000), s.Segment(types.SegLinkEdit).Addr)

	sym, err := s.SymbolNamed("_main")
	require.NoError(t, err)
	require.Equal(t, uint64(0x1050), sym.Value)
	require.Equal(t, uint64(0x9050), sym.Address)
}

func TestParseFile(t *testing.T) {
	data, _ := standardImage(t)
	s, err := Parse(FileImage(data))
	require.NoError(t, err)
	require.Equal(t, int64(0), s.FileSlide)
	require.Equal(t, -int64(0x1000), s.AddressBase)
	require.Equal(t, types.CPUArm64, s.Header.CPU)
	require.True(t, s.Header.CPU.Is64())
	require.Contains(t, s.Header.String(), "CPU           = arm64")

	sym, err := s.SymbolNamed("_main")
	require.NoError(t, err)
	require.Equal(t, uint64(0x50), sym.Address)
}

func TestParseLiveWithFileSlide(t *testing.T) {
	img := &machotest.Image{
		Segments: []machotest.Segment{
			{Name: types.SegText, Addr: 0x1000, Memsz: 0x1000, Offset: 0, Filesz: 0x1000},
			{Name: "__DATA", Addr: 0x2000, Memsz: 0x2000, Offset: 0x1000, Filesz: 0x1000},
			{Name: types.SegLinkEdit, Addr: 0x4000, Memsz: 0x1000, Offset: 0x2000},
		},
		Symbols: testSymbols,
		Trie:    testTrie(),
	}
	data, l := img.Build()
	mem := machotest.Live(data, l)

	s, err := Parse(LiveImage(mem, 0x10000))
	require.NoError(t, err)
	require.Equal(t, int64(0x1000), s.FileSlide)
	require.Equal(t, uint64(l.SymOff)+0x1000, s.SymOff)
	require.Equal(t, uint64(l.StrOff)+0x1000, s.StrOff)
	require.Equal(t, uint64(l.TrieOff)+0x1000, s.TrieOff)
	require.Equal(t, uint64(len(mem)), s.ImageEnd)

	sym, err := s.SymbolNamed("_helper")
	require.NoError(t, err)
	require.Equal(t, uint64(0x10100), sym.Address)

	e, err := s.Lookup("_main")
	require.NoError(t, err)
	addr, ok := s.ExportAddress(e)
	require.True(t, ok)
	require.Equal(t, uint64(0x10050), addr)

	// The same bytes read as a file have no slide.
	f, err := Parse(FileImage(data))
	require.NoError(t, err)
	require.Equal(t, int64(0), f.FileSlide)
	require.Equal(t, uint64(l.TrieOff), f.TrieOff)
}

func TestParse32BigEndian(t *testing.T) {
	img := machotest.Standard(testSymbols, testTrie())
	img.Magic = types.Magic32
	img.Order = binary.BigEndian
	data, l := img.Build()

	s, err := Parse(LiveImage(machotest.Live(data, l), 0x9000))
	require.NoError(t, err)
	require.False(t, s.Is64())
	require.Equal(t, binary.BigEndian, s.ByteOrder)
	require.Equal(t, l.NSyms, s.NSyms)

	sym, err := s.SymbolNamed("_data_var")
	require.NoError(t, err)
	require.Equal(t, uint64(0xa010), sym.Address)

	e, err := s.Lookup("_exported_only")
	require.NoError(t, err)
	require.Equal(t, uint64(0x300), e.Value)
}

func TestParseIdempotent(t *testing.T) {
	data, _ := standardImage(t)
	img := LiveImage(data, 0x9000)
	a, err := Parse(img)
	require.NoError(t, err)
	b, err := Parse(img)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestParseSections(t *testing.T) {
	img := machotest.Standard(testSymbols, nil)
	img.Segments[1].Sections = []machotest.Section{
		{Name: "__text", Addr: 0x1400, Offset: 0x400, Size: 0x200},
		{Name: "__cstring", Addr: 0x1600, Offset: 0x600, Size: 0x40},
	}
	data, _ := img.Build()

	s, err := Parse(FileImage(data))
	require.NoError(t, err)
	sect := s.Section(types.SegText, "__cstring")
	require.NotNil(t, sect)
	require.Equal(t, uint64(0x1600), sect.Addr)
	require.Equal(t, uint64(0x40), sect.Size)
	require.Equal(t, uint32(0x600), sect.Offset)
	require.Equal(t, types.SegText, sect.Seg)
	require.Nil(t, s.Section(types.SegText, "__stubs"))
	require.Equal(t, ExportsNone, s.ExportInfo)
	require.Zero(t, s.TrieSize)
}

func TestParseMaxSegments(t *testing.T) {
	data, l := standardImage(t)
	s, err := Parse(LiveImage(machotest.Live(data, l), 0x9000), MaxSegments(2))
	require.NoError(t, err)
	require.Len(t, s.Segments, 2)
	require.Equal(t, types.SegText, s.Segments[1].Name)

	// __LINKEDIT is still found past the cap.
	require.Equal(t, uint64(len(data)), s.ImageEnd)
	sym, err := s.SymbolNamed("_main")
	require.NoError(t, err)
	require.Equal(t, uint64(0x9050), sym.Address)
}

func TestParseLaterExportCommandWins(t *testing.T) {
	img := machotest.Standard(testSymbols, testTrie())
	img.ExportCmd = types.LC_DYLD_INFO_ONLY
	_, l := img.Build()

	extra := make([]byte, types.LinkEditDataCmdSize)
	cmd := types.LinkEditDataCmd{
		LoadCmd: types.LC_DYLD_EXPORTS_TRIE,
		Len:     types.LinkEditDataCmdSize,
		Offset:  l.TrieOff,
		Size:    l.TrieSize - 1,
	}
	cmd.Put(extra, binary.LittleEndian)
	img.Commands = [][]byte{extra}
	data, _ := img.Build()

	s, err := Parse(FileImage(data))
	require.NoError(t, err)
	require.Equal(t, ExportsTrie, s.ExportInfo)
	require.Equal(t, l.TrieSize-1, s.TrieSize)

	img.Commands = nil
	data, _ = img.Build()
	s, err = Parse(FileImage(data))
	require.NoError(t, err)
	require.Equal(t, ExportsDyldInfo, s.ExportInfo)
	require.Equal(t, l.TrieSize, s.TrieSize)
}

func TestParseNoText(t *testing.T) {
	img := &machotest.Image{
		Segments: []machotest.Segment{
			{Name: "__DATA", Addr: 0x2000, Memsz: 0x1000, Offset: 0, Filesz: 0x1000},
			{Name: types.SegLinkEdit, Addr: 0x5000, Memsz: 0x1000, Offset: 0x1000},
		},
		Symbols: testSymbols,
	}
	data, _ := img.Build()
	s, err := Parse(LiveImage(data, 0x9000))
	require.NoError(t, err)
	require.False(t, s.HasText)
	require.Zero(t, s.AddressBase)
	require.Zero(t, s.FileSlide)
	require.False(t, s.Contains(0x9000))
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"empty", func(b []byte) []byte { return nil }},
		{"short magic", func(b []byte) []byte { return b[:2] }},
		{"short header", func(b []byte) []byte { return b[:20] }},
		{"bad magic", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b, 0x7f454c46)
			return b
		}},
		{"fat", func(b []byte) []byte {
			binary.BigEndian.PutUint32(b, types.MagicFat.Int())
			return b
		}},
		{"sizeofcmds past end", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[20:], uint32(len(b)))
			return b
		}},
		{"zero cmdsize", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[types.FileHeaderSize64+4:], 0)
			return b
		}},
		{"small cmdsize", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[types.FileHeaderSize64+4:], 4)
			return b
		}},
		{"cmdsize past sizeofcmds", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[types.FileHeaderSize64+4:], 0x10000)
			return b
		}},
		{"too many commands", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[16:], binary.LittleEndian.Uint32(b[16:])+1)
			return b
		}},
		{"short LC_SYMTAB", func(b []byte) []byte {
			// Shrink LC_SYMTAB to a bare header and hand its bytes to
			// the next command, keeping the command block consistent.
			binary.LittleEndian.PutUint32(b[symtabCmdOff+4:], types.LoadCmdHeaderSize)
			binary.LittleEndian.PutUint32(b[symtabCmdOff+8:], uint32(types.LC_UUID))
			binary.LittleEndian.PutUint32(b[symtabCmdOff+12:], types.SymtabCmdSize-types.LoadCmdHeaderSize)
			return b
		}},
		{"short LC_SEGMENT_64", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[types.FileHeaderSize64+4:], 16)
			binary.LittleEndian.PutUint32(b[types.FileHeaderSize64+16:], uint32(types.LC_UUID))
			binary.LittleEndian.PutUint32(b[types.FileHeaderSize64+20:], types.Segment64Size-16)
			return b
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, _ := standardImage(t)
			_, err := Parse(FileImage(tt.mutate(data)))
			require.ErrorIs(t, err, ErrMalformedImage)
			var fe *FormatError
			require.ErrorAs(t, err, &fe)
		})
	}
}
