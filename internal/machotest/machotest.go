// Package machotest writes small synthetic Mach-O images for tests.
package machotest

import (
	"encoding/binary"

	"github.com/appsworld/go-dlsym/types"
)

// Segment describes one segment load command. A __LINKEDIT segment with a
// zero Filesz is sized to the symbol table, string table and trie the
// builder places in it.
type Segment struct {
	Name     string
	Addr     uint64
	Memsz    uint64
	Offset   uint64
	Filesz   uint64
	Sections []Section
}

// Section is a section header plus the bytes written at its offset.
type Section struct {
	Name   string
	Addr   uint64
	Offset uint32
	Size   uint64
	Data   []byte
}

// Symbol is one nlist entry. When Strx is non-zero it is written as the
// string table index verbatim and Name is not added to the string table.
type Symbol struct {
	Name  string
	Type  types.NType
	Sect  uint8
	Desc  uint16
	Value uint64
	Strx  uint32
}

// Image is a synthetic Mach-O image. The zero value builds a little endian
// 64-bit MH_DYLIB with no segments.
type Image struct {
	Magic    types.Magic
	Order    binary.ByteOrder
	Type     types.HeaderFileType
	Segments []Segment
	Symbols  []Symbol
	NoSymtab bool
	// Trie is stored in the linkedit data and described by ExportCmd,
	// LC_DYLD_EXPORTS_TRIE by default.
	Trie      []byte
	ExportCmd types.LoadCmd
	// Commands are raw load commands appended after the generated ones.
	Commands [][]byte
}

// Layout reports where Build placed things, as file offsets.
type Layout struct {
	SizeCommands uint32
	SymOff       uint32
	NSyms        uint32
	StrOff       uint32
	StrSize      uint32
	TrieOff      uint32
	TrieSize     uint32
	// Segments are the segments as written, with __LINKEDIT sized.
	Segments []Segment
}

// Standard returns the layout used by most tests: __TEXT at 0x1000,
// __DATA at 0x2000 and __LINKEDIT at vm 0x3000, file offset 0x2000.
func Standard(syms []Symbol, trie []byte) *Image {
	return &Image{
		Type: types.MH_DYLIB,
		Segments: []Segment{
			{Name: "__PAGEZERO", Addr: 0, Memsz: 0x1000},
			{Name: types.SegText, Addr: 0x1000, Memsz: 0x1000, Offset: 0, Filesz: 0x1000},
			{Name: "__DATA", Addr: 0x2000, Memsz: 0x1000, Offset: 0x1000, Filesz: 0x1000},
			{Name: types.SegLinkEdit, Addr: 0x3000, Memsz: 0x1000, Offset: 0x2000},
		},
		Symbols: syms,
		Trie:    trie,
	}
}

func align(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

func name16(s string) (b [16]byte) {
	copy(b[:], s)
	return b
}

// Build encodes the image.
func (img *Image) Build() ([]byte, Layout) {
	magic := img.Magic
	if magic == 0 {
		magic = types.Magic64
	}
	o := img.Order
	if o == nil {
		o = binary.LittleEndian
	}
	ftype := img.Type
	if ftype == 0 {
		ftype = types.MH_DYLIB
	}
	is64 := magic == types.Magic64

	hdrSize, segSize, sectSize, nlistSize := uint64(types.FileHeaderSize32), uint64(types.Segment32Size), uint64(types.Section32Size), uint64(types.Nlist32Size)
	if is64 {
		hdrSize, segSize, sectSize, nlistSize = types.FileHeaderSize64, types.Segment64Size, types.Section64Size, types.Nlist64Size
	}

	var ncmds uint32
	var sizeCmds uint64
	for _, seg := range img.Segments {
		ncmds++
		sizeCmds += segSize + uint64(len(seg.Sections))*sectSize
	}
	if !img.NoSymtab {
		ncmds++
		sizeCmds += types.SymtabCmdSize
	}
	exportCmd := img.ExportCmd
	if img.Trie != nil {
		if exportCmd == 0 {
			exportCmd = types.LC_DYLD_EXPORTS_TRIE
		}
		ncmds++
		if exportCmd == types.LC_DYLD_INFO || exportCmd == types.LC_DYLD_INFO_ONLY {
			sizeCmds += types.DyldInfoCmdSize
		} else {
			sizeCmds += types.LinkEditDataCmdSize
		}
	}
	for _, c := range img.Commands {
		ncmds++
		sizeCmds += uint64(len(c))
	}

	segs := make([]Segment, len(img.Segments))
	copy(segs, img.Segments)
	linkedit := -1
	end := hdrSize + sizeCmds
	for i, seg := range segs {
		if seg.Name == types.SegLinkEdit {
			linkedit = i
		}
		if e := seg.Offset + seg.Filesz; e > end {
			end = e
		}
		for _, sect := range seg.Sections {
			if e := uint64(sect.Offset) + uint64(len(sect.Data)); e > end {
				end = e
			}
		}
	}

	// String table, with index 0 reserved for the empty name.
	strtab := []byte{0}
	strx := make([]uint32, len(img.Symbols))
	for i, sym := range img.Symbols {
		if sym.Strx != 0 {
			strx[i] = sym.Strx
			continue
		}
		strx[i] = uint32(len(strtab))
		strtab = append(strtab, sym.Name...)
		strtab = append(strtab, 0)
	}

	var l Layout
	base := align(end, 8)
	if linkedit >= 0 {
		base = segs[linkedit].Offset
	}
	l.SymOff = uint32(base)
	l.NSyms = uint32(len(img.Symbols))
	l.StrOff = l.SymOff + uint32(uint64(len(img.Symbols))*nlistSize)
	l.StrSize = uint32(len(strtab))
	l.TrieOff = uint32(align(uint64(l.StrOff)+uint64(l.StrSize), 8))
	l.TrieSize = uint32(len(img.Trie))
	leEnd := uint64(l.TrieOff) + uint64(l.TrieSize)
	if linkedit >= 0 && segs[linkedit].Filesz == 0 {
		segs[linkedit].Filesz = leEnd - segs[linkedit].Offset
	}
	if leEnd > end {
		end = leEnd
	}
	l.SizeCommands = uint32(sizeCmds)
	l.Segments = segs

	buf := make([]byte, end)

	hdr := types.FileHeader{
		Magic:        magic,
		CPU:          types.CPUArm64,
		Type:         ftype,
		NCommands:    ncmds,
		SizeCommands: uint32(sizeCmds),
	}
	p := uint64(hdr.Put(buf, o))

	for _, seg := range segs {
		cmdLen := uint32(segSize + uint64(len(seg.Sections))*sectSize)
		if is64 {
			s := types.Segment64{
				LoadCmd: types.LC_SEGMENT_64,
				Len:     cmdLen,
				Name:    name16(seg.Name),
				Addr:    seg.Addr,
				Memsz:   seg.Memsz,
				Offset:  seg.Offset,
				Filesz:  seg.Filesz,
				Maxprot: 7,
				Prot:    5,
				Nsect:   uint32(len(seg.Sections)),
			}
			p += uint64(s.Put(buf[p:], o))
		} else {
			s := types.Segment32{
				LoadCmd: types.LC_SEGMENT,
				Len:     cmdLen,
				Name:    name16(seg.Name),
				Addr:    uint32(seg.Addr),
				Memsz:   uint32(seg.Memsz),
				Offset:  uint32(seg.Offset),
				Filesz:  uint32(seg.Filesz),
				Maxprot: 7,
				Prot:    5,
				Nsect:   uint32(len(seg.Sections)),
			}
			p += uint64(s.Put(buf[p:], o))
		}
		for _, sect := range seg.Sections {
			size := sect.Size
			if size == 0 {
				size = uint64(len(sect.Data))
			}
			if is64 {
				s := types.Section64{Name: name16(sect.Name), Seg: name16(seg.Name), Addr: sect.Addr, Size: size, Offset: sect.Offset}
				p += uint64(s.Put(buf[p:], o))
			} else {
				s := types.Section32{Name: name16(sect.Name), Seg: name16(seg.Name), Addr: uint32(sect.Addr), Size: uint32(size), Offset: sect.Offset}
				p += uint64(s.Put(buf[p:], o))
			}
			copy(buf[sect.Offset:], sect.Data)
		}
	}

	if !img.NoSymtab {
		s := types.SymtabCmd{
			LoadCmd: types.LC_SYMTAB,
			Len:     types.SymtabCmdSize,
			Symoff:  l.SymOff,
			Nsyms:   l.NSyms,
			Stroff:  l.StrOff,
			Strsize: l.StrSize,
		}
		p += uint64(s.Put(buf[p:], o))
	}

	if img.Trie != nil {
		if exportCmd == types.LC_DYLD_INFO || exportCmd == types.LC_DYLD_INFO_ONLY {
			d := types.DyldInfoCmd{
				LoadCmd:    exportCmd,
				Len:        types.DyldInfoCmdSize,
				ExportOff:  l.TrieOff,
				ExportSize: l.TrieSize,
			}
			p += uint64(d.Put(buf[p:], o))
		} else {
			d := types.LinkEditDataCmd{
				LoadCmd: exportCmd,
				Len:     types.LinkEditDataCmdSize,
				Offset:  l.TrieOff,
				Size:    l.TrieSize,
			}
			p += uint64(d.Put(buf[p:], o))
		}
	}

	for _, c := range img.Commands {
		p += uint64(copy(buf[p:], c))
	}

	for i, sym := range img.Symbols {
		off := uint64(l.SymOff) + uint64(i)*nlistSize
		if is64 {
			n := types.Nlist64{Name: strx[i], Type: sym.Type, Sect: sym.Sect, Desc: sym.Desc, Value: sym.Value}
			n.Put(buf[off:], o)
		} else {
			n := types.Nlist32{Name: strx[i], Type: sym.Type, Sect: sym.Sect, Desc: sym.Desc, Value: uint32(sym.Value)}
			n.Put(buf[off:], o)
		}
	}
	copy(buf[l.StrOff:], strtab)
	copy(buf[l.TrieOff:], img.Trie)

	return buf, l
}

// Live lays the file bytes out the way dyld maps them: each segment's file
// contents at its vm address relative to __TEXT. Segments with no file
// contents are left out.
func Live(file []byte, l Layout) []byte {
	var text uint64
	for _, seg := range l.Segments {
		if seg.Name == types.SegText {
			text = seg.Addr
			break
		}
	}
	var size uint64
	for _, seg := range l.Segments {
		if seg.Filesz == 0 {
			continue
		}
		if e := seg.Addr - text + seg.Filesz; e > size {
			size = e
		}
	}
	mem := make([]byte, size)
	for _, seg := range l.Segments {
		if seg.Filesz == 0 {
			continue
		}
		copy(mem[seg.Addr-text:], file[seg.Offset:seg.Offset+seg.Filesz])
	}
	return mem
}
