package dlsym

import (
	"encoding/binary"

	"github.com/appsworld/go-dlsym/types"
)

type parseConfig struct {
	maxSegments int
}

// A ParseOption configures Parse.
type ParseOption func(*parseConfig)

// MaxSegments caps how many segments are recorded in State.Segments.
// Segments past the cap are still used to locate __TEXT and __LINKEDIT.
// Zero, the default, records every segment.
func MaxSegments(n int) ParseOption {
	return func(c *parseConfig) {
		c.maxSegments = n
	}
}

type loadCmd struct {
	cmd types.LoadCmd
	off int64
	dat []byte
}

// eachCommand walks the load command block, stopping at the first
// malformed command.
func eachCommand(dat []byte, bo binary.ByteOrder, ncmds uint32, offset int64, fn func(loadCmd) error) error {
	for i := uint32(0); i < ncmds; i++ {
		// Each load command begins with uint32 command and length.
		if len(dat) < types.LoadCmdHeaderSize {
			return &FormatError{offset, "command block too small", nil}
		}
		cmd, siz := types.LoadCmd(bo.Uint32(dat[0:4])), bo.Uint32(dat[4:8])
		if siz < types.LoadCmdHeaderSize || siz > uint32(len(dat)) {
			return &FormatError{offset, "invalid command block size", siz}
		}
		var cmddat []byte
		cmddat, dat = dat[0:siz], dat[siz:]
		if err := fn(loadCmd{cmd: cmd, off: offset, dat: cmddat}); err != nil {
			return err
		}
		offset += int64(siz)
	}
	return nil
}

func readSegment(l loadCmd, bo binary.ByteOrder) (Segment, error) {
	var seg Segment
	var nsect uint32
	var hdrSize, sectSize int
	switch l.cmd {
	case types.LC_SEGMENT:
		if len(l.dat) < types.Segment32Size {
			return seg, &FormatError{l.off, "LC_SEGMENT too short", len(l.dat)}
		}
		seg.Name = cstring(l.dat[8:24])
		seg.Addr = uint64(bo.Uint32(l.dat[24:]))
		seg.Memsz = uint64(bo.Uint32(l.dat[28:]))
		seg.Offset = uint64(bo.Uint32(l.dat[32:]))
		seg.Filesz = uint64(bo.Uint32(l.dat[36:]))
		nsect = bo.Uint32(l.dat[48:])
		hdrSize, sectSize = types.Segment32Size, types.Section32Size
	default:
		if len(l.dat) < types.Segment64Size {
			return seg, &FormatError{l.off, "LC_SEGMENT_64 too short", len(l.dat)}
		}
		seg.Name = cstring(l.dat[8:24])
		seg.Addr = bo.Uint64(l.dat[24:])
		seg.Memsz = bo.Uint64(l.dat[32:])
		seg.Offset = bo.Uint64(l.dat[40:])
		seg.Filesz = bo.Uint64(l.dat[48:])
		nsect = bo.Uint32(l.dat[64:])
		hdrSize, sectSize = types.Segment64Size, types.Section64Size
	}

	// A section table running past the command is cut short.
	avail := uint32((len(l.dat) - hdrSize) / sectSize)
	if nsect > avail {
		nsect = avail
	}
	for i := uint32(0); i < nsect; i++ {
		b := l.dat[hdrSize+int(i)*sectSize:]
		sect := Section{
			Name: cstring(b[0:16]),
			Seg:  cstring(b[16:32]),
		}
		if l.cmd == types.LC_SEGMENT {
			sect.Addr = uint64(bo.Uint32(b[32:]))
			sect.Size = uint64(bo.Uint32(b[36:]))
			sect.Offset = bo.Uint32(b[40:])
		} else {
			sect.Addr = bo.Uint64(b[32:])
			sect.Size = bo.Uint64(b[40:])
			sect.Offset = bo.Uint32(b[48:])
		}
		seg.Sections = append(seg.Sections, sect)
	}
	return seg, nil
}

// Parse walks the header and load commands of img and records where its
// symbol table and export trie are.
//
// The walk makes two passes. The first records the segments and LC_SYMTAB;
// the slides are computed from __TEXT and __LINKEDIT once it is over. The
// second finds the export trie, the last export command winning.
func Parse(img Image, opts ...ParseOption) (*State, error) {
	var cfg parseConfig
	for _, o := range opts {
		o(&cfg)
	}

	data := img.Data
	if len(data) < 4 {
		return nil, &FormatError{0, "image too small", len(data)}
	}

	s := newState(img)

	// Magic32 and Magic64 differ only in the bottom bit.
	be := binary.BigEndian.Uint32(data[0:])
	le := binary.LittleEndian.Uint32(data[0:])
	switch types.Magic32.Int() &^ 1 {
	case be &^ 1:
		s.ByteOrder = binary.BigEndian
		s.Header.Magic = types.Magic(be)
	case le &^ 1:
		s.ByteOrder = binary.LittleEndian
		s.Header.Magic = types.Magic(le)
	default:
		if be == types.MagicFat.Int() || le == types.MagicFat.Int() {
			return nil, &FormatError{0, "fat file, select a slice first", types.MagicFat}
		}
		return nil, &FormatError{0, "invalid magic number", be}
	}

	bo := s.ByteOrder
	hdrSize := s.Header.Size()
	if len(data) < hdrSize {
		return nil, &FormatError{0, "truncated header", len(data)}
	}
	s.Header.CPU = types.CPU(bo.Uint32(data[4:]))
	s.Header.SubCPU = bo.Uint32(data[8:])
	s.Header.Type = types.HeaderFileType(bo.Uint32(data[12:]))
	s.Header.NCommands = bo.Uint32(data[16:])
	s.Header.SizeCommands = bo.Uint32(data[20:])
	s.Header.Flags = bo.Uint32(data[24:])
	if s.Is64() {
		s.Header.Reserved = bo.Uint32(data[28:])
	}

	if uint64(s.Header.SizeCommands) > uint64(len(data)-hdrSize) {
		return nil, &FormatError{int64(hdrSize), "load commands run past end of image", s.Header.SizeCommands}
	}
	cmds := data[hdrSize : hdrSize+int(s.Header.SizeCommands)]

	var text, linkedit *Segment
	var symtab *types.SymtabCmd
	var lastEnd uint64
	var haveSegments bool

	err := eachCommand(cmds, bo, s.Header.NCommands, int64(hdrSize), func(l loadCmd) error {
		switch l.cmd {
		case types.LC_SEGMENT, types.LC_SEGMENT_64:
			seg, err := readSegment(l, bo)
			if err != nil {
				return err
			}
			lastEnd = seg.Offset + seg.Filesz
			haveSegments = true
			if cfg.maxSegments == 0 || len(s.Segments) < cfg.maxSegments {
				s.Segments = append(s.Segments, seg)
			}
			if seg.Name == types.SegText && text == nil {
				text = &seg
			} else if seg.Name == types.SegLinkEdit && linkedit == nil {
				linkedit = &seg
			}
		case types.LC_SYMTAB:
			if len(l.dat) < types.SymtabCmdSize {
				return &FormatError{l.off, "LC_SYMTAB too short", len(l.dat)}
			}
			symtab = &types.SymtabCmd{
				LoadCmd: l.cmd,
				Len:     bo.Uint32(l.dat[4:]),
				Symoff:  bo.Uint32(l.dat[8:]),
				Nsyms:   bo.Uint32(l.dat[12:]),
				Stroff:  bo.Uint32(l.dat[16:]),
				Strsize: bo.Uint32(l.dat[20:]),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if text != nil {
		s.HasText = true
		s.TextAddr = text.Addr
		s.AddressBase = int64(img.Addr - text.Addr)
	}
	if !img.IsFile && text != nil && linkedit != nil {
		s.FileSlide = int64(linkedit.Addr-text.Addr) - int64(linkedit.Offset)
	}

	s.ImageEnd = uint64(len(data))
	if haveSegments {
		end := uint64(int64(lastEnd) + s.FileSlide)
		if end < s.ImageEnd {
			s.ImageEnd = end
		}
	}

	if symtab != nil {
		s.SymOff = uint64(int64(symtab.Symoff) + s.FileSlide)
		s.NSyms = symtab.Nsyms
		s.StrOff = uint64(int64(symtab.Stroff) + s.FileSlide)
		s.StrSize = symtab.Strsize
	}

	var trieOff uint32
	err = eachCommand(cmds, bo, s.Header.NCommands, int64(hdrSize), func(l loadCmd) error {
		switch l.cmd {
		case types.LC_DYLD_INFO, types.LC_DYLD_INFO_ONLY:
			if len(l.dat) < types.DyldInfoCmdSize {
				return &FormatError{l.off, "LC_DYLD_INFO too short", len(l.dat)}
			}
			trieOff = bo.Uint32(l.dat[40:])
			s.TrieSize = bo.Uint32(l.dat[44:])
			s.ExportInfo = ExportsDyldInfo
		case types.LC_DYLD_EXPORTS_TRIE:
			if len(l.dat) < types.LinkEditDataCmdSize {
				return &FormatError{l.off, "LC_DYLD_EXPORTS_TRIE too short", len(l.dat)}
			}
			trieOff = bo.Uint32(l.dat[8:])
			s.TrieSize = bo.Uint32(l.dat[12:])
			s.ExportInfo = ExportsTrie
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.ExportInfo != ExportsNone {
		switch {
		case img.IsFile:
			s.TrieOff = uint64(trieOff)
		case text != nil && linkedit != nil:
			// dyld keeps the trie at the same distance from __LINKEDIT in
			// memory as on disk. The position is 32 bits wide.
			s.TrieOff = uint64(uint32(uint64(trieOff) - linkedit.Offset + (linkedit.Addr - text.Addr)))
		default:
			s.TrieOff = uint64(trieOff)
		}
	}

	return s, nil
}
