package dlsym

import (
	"bytes"
	"encoding/binary"
)

// Image is a Mach-O image held in memory. Data starts at the mach header
// and is borrowed: nothing in this package copies or modifies it, so it
// must stay valid for as long as any State built from it is in use.
//
// Addr is the address of the header. For a live image that is the slid
// load address; for a file it is whatever base the caller wants symbol
// addresses reported against.
type Image struct {
	Data   []byte
	Addr   uint64
	IsFile bool
}

// FileImage returns an Image for the bytes of a Mach-O file, based at 0.
func FileImage(data []byte) Image {
	return Image{Data: data, IsFile: true}
}

// FileImageAt is FileImage with the header placed at addr. Files kept in
// one Registry each need their own base.
func FileImageAt(data []byte, addr uint64) Image {
	return Image{Data: data, Addr: addr, IsFile: true}
}

// same reports whether img and o describe the same bytes at the same
// address.
func (img Image) same(o Image) bool {
	if img.Addr != o.Addr || img.IsFile != o.IsFile || len(img.Data) != len(o.Data) {
		return false
	}
	return len(img.Data) == 0 || &img.Data[0] == &o.Data[0]
}

// LiveImage returns an Image for a mapped image whose header is at addr.
func LiveImage(data []byte, addr uint64) Image {
	return Image{Data: data, Addr: addr}
}

// reader does bounds checked reads of fixed width fields.
type reader struct {
	b  []byte
	bo binary.ByteOrder
}

func (r reader) has(off, n uint64) bool {
	return off <= uint64(len(r.b)) && n <= uint64(len(r.b))-off
}

func (r reader) u16(off uint64) (uint16, bool) {
	if !r.has(off, 2) {
		return 0, false
	}
	return r.bo.Uint16(r.b[off:]), true
}

func (r reader) u32(off uint64) (uint32, bool) {
	if !r.has(off, 4) {
		return 0, false
	}
	return r.bo.Uint32(r.b[off:]), true
}

func (r reader) u64(off uint64) (uint64, bool) {
	if !r.has(off, 8) {
		return 0, false
	}
	return r.bo.Uint64(r.b[off:]), true
}

// cstringBefore returns the NUL terminated string at off, requiring the
// terminator to sit before end.
func (r reader) cstringBefore(off, end uint64) (string, bool) {
	if end > uint64(len(r.b)) {
		end = uint64(len(r.b))
	}
	if off >= end {
		return "", false
	}
	i := bytes.IndexByte(r.b[off:end], 0)
	if i < 0 {
		return "", false
	}
	return string(r.b[off : off+uint64(i)]), true
}

func cstring(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i == -1 {
		i = len(b)
	}
	return string(b[0:i])
}
