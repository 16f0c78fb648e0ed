package dlsym

import (
	"encoding/binary"
	"fmt"

	"github.com/appsworld/go-dlsym/types"
)

// ExportSource records which load command described the export trie.
type ExportSource uint8

const (
	ExportsNone ExportSource = iota
	ExportsDyldInfo
	ExportsTrie
)

func (s ExportSource) String() string {
	switch s {
	case ExportsDyldInfo:
		return "LC_DYLD_INFO"
	case ExportsTrie:
		return "LC_DYLD_EXPORTS_TRIE"
	}
	return "none"
}

// A Section is a section header of a recorded segment.
type Section struct {
	Name   string
	Seg    string
	Addr   uint64
	Size   uint64
	Offset uint32
}

// A Segment is a segment load command, in load command order.
type Segment struct {
	Name     string
	Addr     uint64
	Memsz    uint64
	Offset   uint64
	Filesz   uint64
	Sections []Section
}

// State is everything Parse learns about an image. It is read only once
// Parse returns; the export list and the address index are computed on
// first use and shared from then on.
type State struct {
	Image     Image
	ByteOrder binary.ByteOrder
	Header    types.FileHeader
	Segments  []Segment

	// ImageEnd bounds symbol name reads, as an offset into Image.Data.
	ImageEnd uint64
	// FileSlide is added to linkedit file offsets to find them in Data.
	FileSlide int64

	SymOff  uint64
	NSyms   uint32
	StrOff  uint64
	StrSize uint32

	// AddressBase is added to n_value to get a runtime address.
	AddressBase int64
	HasText     bool
	TextAddr    uint64

	TrieOff    uint64
	TrieSize   uint32
	ExportInfo ExportSource

	exports *exportCache
	index   *symbolIndex
	dwarf   *dwarfCache
}

func newState(img Image) *State {
	return &State{
		Image:   img,
		exports: new(exportCache),
		index:   new(symbolIndex),
		dwarf:   new(dwarfCache),
	}
}

// Is64 reports whether the image has a 64-bit header.
func (s *State) Is64() bool {
	return s.Header.Magic == types.Magic64
}

func (s *State) reader() reader {
	return reader{b: s.Image.Data, bo: s.ByteOrder}
}

// Segment returns the first segment with the given name.
func (s *State) Segment(name string) *Segment {
	for i := range s.Segments {
		if s.Segments[i].Name == name {
			return &s.Segments[i]
		}
	}
	return nil
}

// Section returns the named section of the named segment.
func (s *State) Section(seg, name string) *Section {
	sg := s.Segment(seg)
	if sg == nil {
		return nil
	}
	for i := range sg.Sections {
		if sg.Sections[i].Name == name {
			return &sg.Sections[i]
		}
	}
	return nil
}

// Slide is the distance between the vm addresses recorded in the image and
// where the image actually sits.
func (s *State) Slide() int64 {
	return s.AddressBase
}

// Unslide converts a runtime address back to the image's recorded vm
// address space.
func (s *State) Unslide(addr uint64) uint64 {
	return addr - uint64(s.AddressBase)
}

// Contains reports whether addr falls inside one of the image's segments
// once they are placed at the image's address. __PAGEZERO and empty
// segments contain nothing.
func (s *State) Contains(addr uint64) bool {
	if !s.HasText {
		return false
	}
	for _, seg := range s.Segments {
		if seg.Memsz == 0 || seg.Name == types.SegPageZero {
			continue
		}
		start := seg.Addr + uint64(s.AddressBase)
		if addr >= start && addr-start < seg.Memsz {
			return true
		}
	}
	return false
}

func (s *State) String() string {
	kind := "live"
	if s.Image.IsFile {
		kind = "file"
	}
	return fmt.Sprintf("%s %s image at %#x: %d segments, %d symbols, exports %s (%d bytes)",
		kind, s.Header.Type, s.Image.Addr, len(s.Segments), s.NSyms, s.ExportInfo, s.TrieSize)
}
