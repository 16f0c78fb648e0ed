package dlsym

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appsworld/go-dlsym/internal/machotest"
	"github.com/appsworld/go-dlsym/types"
)

func TestDWARFMissing(t *testing.T) {
	data, _ := standardImage(t)

	s, err := Parse(LiveImage(data, 0x9000))
	require.NoError(t, err)
	_, err = s.DWARF()
	require.ErrorIs(t, err, ErrNoDWARF)

	s, err = Parse(FileImage(data))
	require.NoError(t, err)
	_, err = s.DWARF()
	require.ErrorIs(t, err, ErrNoDWARF)

	_, _, ok := s.LineForAddress(0x1050)
	require.False(t, ok)
}

func zlibSection(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("ZLIB")
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(payload)))
	buf.Write(n[:])
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestSectionData(t *testing.T) {
	payload := []byte("producer string\x00another string\x00")
	img := machotest.Standard(testSymbols, nil)
	img.Segments = append(img.Segments, machotest.Segment{
		Name: types.SegDWARF, Addr: 0x5000, Memsz: 0x1000, Offset: 0x4000, Filesz: 0x1000,
		Sections: []machotest.Section{
			{Name: "__debug_str", Addr: 0x5000, Offset: 0x4000, Data: payload},
			{Name: "__zdebug_line", Addr: 0x5100, Offset: 0x4100, Data: zlibSection(t, payload)},
			{Name: "__debug_abbrev", Addr: 0x5200, Offset: 0x4200, Size: 0x10000},
		},
	})
	data, _ := img.Build()
	s, err := Parse(FileImage(data))
	require.NoError(t, err)

	str := s.Section(types.SegDWARF, "__debug_str")
	require.NotNil(t, str)
	require.Equal(t, "str", dwarfSuffix(str))
	b, err := s.sectionData(str)
	require.NoError(t, err)
	require.Equal(t, payload, b)

	line := s.Section(types.SegDWARF, "__zdebug_line")
	require.NotNil(t, line)
	require.Equal(t, "line", dwarfSuffix(line))
	b, err = s.sectionData(line)
	require.NoError(t, err)
	require.Equal(t, payload, b)

	abbrev := s.Section(types.SegDWARF, "__debug_abbrev")
	require.NotNil(t, abbrev)
	_, err = s.sectionData(abbrev)
	require.ErrorIs(t, err, ErrMalformedImage)

	require.Empty(t, dwarfSuffix(&Section{Name: types.SegText}))

	_, err = s.DWARF()
	require.ErrorIs(t, err, ErrMalformedImage)
}

func dwarfSegment(sects ...machotest.Section) machotest.Segment {
	return machotest.Segment{
		Name: types.SegDWARF, Addr: 0x5000, Memsz: 0x1000, Offset: 0x4000, Filesz: 0x1000,
		Sections: sects,
	}
}

// zdebugImage returns a file image whose only debug section is a compressed
// __zdebug_info holding sect.
func zdebugImage(t *testing.T, sect []byte) []byte {
	t.Helper()
	img := machotest.Standard(testSymbols, nil)
	img.Segments = append(img.Segments, dwarfSegment(
		machotest.Section{Name: "__zdebug_info", Addr: 0x5000, Offset: 0x4000, Data: sect},
	))
	data, _ := img.Build()
	return data
}

func TestCompressedSectionBadLength(t *testing.T) {
	payload := []byte("producer string\x00another string\x00")

	short := zlibSection(t, payload)
	binary.BigEndian.PutUint64(short[4:12], uint64(len(payload)+1))
	long := zlibSection(t, payload)
	binary.BigEndian.PutUint64(long[4:12], uint64(len(payload)-1))

	for name, sect := range map[string][]byte{
		"huge length":      {'Z', 'L', 'I', 'B', 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x78, 0x9c},
		"bad zlib header":  {'Z', 'L', 'I', 'B', 0, 0, 0, 0, 0, 0, 0, 4, 0x00, 0x00},
		"stream too short": short,
		"stream too long":  long,
	} {
		s, err := Parse(FileImage(zdebugImage(t, sect)))
		require.NoError(t, err, name)

		info := s.Section(types.SegDWARF, "__zdebug_info")
		require.NotNil(t, info, name)
		_, err = s.sectionData(info)
		require.ErrorIs(t, err, ErrMalformedImage, name)

		_, err = s.DWARF()
		require.ErrorIs(t, err, ErrMalformedImage, name)
		_, _, ok := s.LineForAddress(0x1050)
		require.False(t, ok, name)
	}
}

// dwarfImage returns a file image with a line table for a.c covering _main.
func dwarfImage(t *testing.T) []byte {
	t.Helper()
	abbrev, info, line := machotest.DebugSections("a.c", "/src", []machotest.LineRow{
		{Addr: 0x1050, Line: 10},
		{Addr: 0x1060, Line: 12},
	}, 0x1080)
	img := machotest.Standard(testSymbols, nil)
	img.Segments = append(img.Segments, dwarfSegment(
		machotest.Section{Name: "__debug_abbrev", Addr: 0x5000, Offset: 0x4000, Data: abbrev},
		machotest.Section{Name: "__debug_info", Addr: 0x5100, Offset: 0x4100, Data: info},
		machotest.Section{Name: "__debug_line", Addr: 0x5200, Offset: 0x4200, Data: line},
	))
	data, _ := img.Build()
	return data
}

func TestLineForAddress(t *testing.T) {
	s, err := Parse(FileImage(dwarfImage(t)))
	require.NoError(t, err)

	d, err := s.DWARF()
	require.NoError(t, err)
	require.NotNil(t, d)

	for _, tt := range []struct {
		pc   uint64
		line int
	}{
		{0x1050, 10},
		{0x1058, 10},
		{0x105f, 10},
		{0x1060, 12},
		{0x107f, 12},
	} {
		file, line, ok := s.LineForAddress(tt.pc)
		require.True(t, ok, "%#x", tt.pc)
		require.Equal(t, "/src/a.c", file, "%#x", tt.pc)
		require.Equal(t, tt.line, line, "%#x", tt.pc)
	}

	// Before the sequence and at its end.
	for _, pc := range []uint64{0x1000, 0x104f, 0x1080, 0x2000} {
		_, _, ok := s.LineForAddress(pc)
		require.False(t, ok, "%#x", pc)
	}
}
