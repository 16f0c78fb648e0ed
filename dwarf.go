package dlsym

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/blacktop/go-dwarf"
	"github.com/pkg/errors"
)

type dwarfCache struct {
	once sync.Once
	data *dwarf.Data
	err  error
}

func dwarfSuffix(s *Section) string {
	switch {
	case strings.HasPrefix(s.Name, "__debug_"):
		return s.Name[8:]
	case strings.HasPrefix(s.Name, "__zdebug_"):
		return s.Name[9:]
	default:
		return ""
	}
}

func (s *State) sectionData(sect *Section) ([]byte, error) {
	r := s.reader()
	if !r.has(uint64(sect.Offset), sect.Size) {
		return nil, &FormatError{int64(sect.Offset), "section data outside image", sect.Name}
	}
	b := r.b[sect.Offset : uint64(sect.Offset)+sect.Size]

	if len(b) >= 12 && string(b[:4]) == "ZLIB" {
		dlen := binary.BigEndian.Uint64(b[4:12])
		zr, err := zlib.NewReader(bytes.NewReader(b[12:]))
		if err != nil {
			return nil, &FormatError{int64(sect.Offset), "bad compressed section", sect.Name}
		}
		// One byte past dlen is enough to see an oversized stream.
		limit := int64(math.MaxInt64)
		if dlen < math.MaxInt64 {
			limit = int64(dlen) + 1
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, io.LimitReader(zr, limit)); err != nil {
			return nil, &FormatError{int64(sect.Offset), "bad compressed section", sect.Name}
		}
		if err := zr.Close(); err != nil {
			return nil, &FormatError{int64(sect.Offset), "bad compressed section", sect.Name}
		}
		if uint64(buf.Len()) != dlen {
			return nil, &FormatError{int64(sect.Offset), "decompressed size mismatch", sect.Name}
		}
		b = buf.Bytes()
	}
	return b, nil
}

// DWARF returns the debug info in the image's __debug sections. Only file
// images carry them; live images report ErrNoDWARF.
func (s *State) DWARF() (*dwarf.Data, error) {
	if s.dwarf == nil {
		return s.loadDWARF()
	}
	s.dwarf.once.Do(func() {
		s.dwarf.data, s.dwarf.err = s.loadDWARF()
	})
	return s.dwarf.data, s.dwarf.err
}

func (s *State) loadDWARF() (*dwarf.Data, error) {
	if !s.Image.IsFile {
		return nil, ErrNoDWARF
	}

	// There are many other DWARF sections, but these
	// are the ones the debug/dwarf package uses.
	var dat = map[string][]byte{"abbrev": nil, "info": nil, "str": nil, "line": nil, "ranges": nil}
	var types []*Section
	for i := range s.Segments {
		for j := range s.Segments[i].Sections {
			sect := &s.Segments[i].Sections[j]
			suffix := dwarfSuffix(sect)
			if suffix == "types" {
				types = append(types, sect)
				continue
			}
			if _, ok := dat[suffix]; !ok {
				continue
			}
			b, err := s.sectionData(sect)
			if err != nil {
				return nil, err
			}
			dat[suffix] = b
		}
	}
	if dat["info"] == nil {
		return nil, ErrNoDWARF
	}

	d, err := dwarf.New(dat["abbrev"], nil, nil, dat["info"], dat["line"], nil, dat["ranges"], dat["str"])
	if err != nil {
		return nil, errors.Wrap(err, "failed to load DWARF")
	}

	// DWARF4 .debug_types sections.
	for i, sect := range types {
		b, err := s.sectionData(sect)
		if err != nil {
			return nil, err
		}
		if err := d.AddTypes(fmt.Sprintf("types-%d", i), b); err != nil {
			return nil, errors.Wrap(err, "failed to add DWARF types")
		}
	}

	return d, nil
}

// LineForAddress maps an address in the image's recorded vm address space
// to a source position using the DWARF line tables.
func (s *State) LineForAddress(pc uint64) (file string, line int, ok bool) {
	d, err := s.DWARF()
	if err != nil {
		return "", 0, false
	}

	r := d.Reader()
	for {
		cu, err := r.Next()
		if err != nil || cu == nil {
			return "", 0, false
		}
		if cu.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		r.SkipChildren()

		lr, err := d.LineReader(cu)
		if err != nil || lr == nil {
			continue
		}
		var prev, cur dwarf.LineEntry
		havePrev := false
		for lr.Next(&cur) == nil {
			if havePrev && !prev.EndSequence && prev.Address <= pc && pc < cur.Address {
				if prev.File != nil {
					file = prev.File.Name
				}
				return file, prev.Line, true
			}
			prev, havePrev = cur, true
		}
	}
}
