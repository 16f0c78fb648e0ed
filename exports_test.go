package dlsym

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appsworld/go-dlsym/internal/machotest"
	"github.com/appsworld/go-dlsym/pkg/trie"
)

func TestStateLookup(t *testing.T) {
	data, _ := standardImage(t)
	s, err := Parse(LiveImage(data, 0x9000))
	require.NoError(t, err)

	e, err := s.Lookup("_main")
	require.NoError(t, err)
	require.Equal(t, uint64(0x50), e.Value)
	addr, ok := s.ExportAddress(e)
	require.True(t, ok)
	require.Equal(t, uint64(0x9050), addr)

	// Both tables agree on where _main is.
	sym, err := s.SymbolNamed("_main")
	require.NoError(t, err)
	require.Equal(t, sym.Address, addr)

	e, err = s.Lookup("_reexp")
	require.NoError(t, err)
	require.Equal(t, "_other", e.ReExport)
	_, ok = s.ExportAddress(e)
	require.False(t, ok)

	e, err = s.Lookup("_version")
	require.NoError(t, err)
	addr, ok = s.ExportAddress(e)
	require.True(t, ok)
	require.Equal(t, uint64(7), addr)

	_, err = s.Lookup("_helper")
	require.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestStateExports(t *testing.T) {
	data, _ := standardImage(t)
	s, err := Parse(FileImage(data))
	require.NoError(t, err)

	entries, err := s.Exports()
	require.NoError(t, err)
	require.Len(t, entries, 5)

	again, err := s.Exports()
	require.NoError(t, err)
	require.Same(t, &entries[0], &again[0])

	var walked []trie.Entry
	require.NoError(t, s.WalkExports(func(e trie.Entry) bool {
		walked = append(walked, e)
		return true
	}))
	require.Equal(t, entries, walked)

	for _, want := range entries {
		got, err := s.Lookup(want.Name)
		require.NoError(t, err)
		require.Equal(t, want.Value, got.Value)
	}
}

func TestStateNoTrie(t *testing.T) {
	data, _ := machotest.Standard(testSymbols, nil).Build()
	s, err := Parse(FileImage(data))
	require.NoError(t, err)

	_, err = s.Lookup("_main")
	require.ErrorIs(t, err, ErrSymbolNotFound)

	entries, err := s.Exports()
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, s.WalkExports(func(trie.Entry) bool {
		t.Fatal("no exports expected")
		return false
	}))
}

func TestStateTrieOutsideImage(t *testing.T) {
	data, _ := standardImage(t)
	// LC_DYLD_EXPORTS_TRIE follows LC_SYMTAB; move its payload off the end.
	binary.LittleEndian.PutUint32(data[symtabCmdOff+24+8:], uint32(len(data)+0x100))

	s, err := Parse(FileImage(data))
	require.NoError(t, err)

	_, err = s.Lookup("_main")
	require.ErrorIs(t, err, ErrMalformedTrie)
	_, err = s.Exports()
	require.ErrorIs(t, err, ErrMalformedTrie)
}

func TestStateTruncatedTrie(t *testing.T) {
	data, l := standardImage(t)
	// The trie sits at the end of the image; cut its last node off.
	data = data[:len(data)-2]

	s, err := Parse(FileImage(data))
	require.NoError(t, err)
	require.Equal(t, l.TrieSize, s.TrieSize)

	tdata, err := s.TrieData()
	require.NoError(t, err)
	require.Len(t, tdata, int(l.TrieSize)-2)

	entries, err := s.Exports()
	require.ErrorIs(t, err, ErrMalformedTrie)
	require.NotEmpty(t, entries)
	require.Less(t, len(entries), 5)
}
