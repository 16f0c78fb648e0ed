// Package mapped loads Mach-O files into memory for symbol lookups.
package mapped

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"

	"github.com/appsworld/go-dlsym/types"
)

// ErrNotMachO is returned for files that do not start with a thin Mach-O
// header.
var ErrNotMachO = errors.New("not a Mach-O file")

// mapFile maps length bytes of the file read only. It is replaced on
// platforms that have mmap.
var mapFile func(fd int, offset int64, length int) ([]byte, error)

var unmapFile func(b []byte) error

// File is a Mach-O file held in memory.
type File struct {
	Path   string
	data   []byte
	mapped bool
}

// Open loads the file at path. Files that do not carry a 32 or 64-bit
// Mach-O magic in either byte order are rejected.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat")
	}
	size := fi.Size()
	if size < 4 {
		return nil, errors.Wrapf(ErrNotMachO, "%s is %d bytes", path, size)
	}

	var ident [4]byte
	if _, err := f.ReadAt(ident[:], 0); err != nil {
		return nil, errors.Wrap(err, "read magic")
	}
	if !isMachO(ident) {
		return nil, errors.Wrapf(ErrNotMachO, "%s has magic %#x", path, binary.BigEndian.Uint32(ident[:]))
	}

	if mapFile != nil && int64(int(size)) == size {
		data, err := mapFile(int(f.Fd()), 0, int(size))
		if err == nil {
			return &File{Path: path, data: data, mapped: true}, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read")
	}
	return &File{Path: path, data: data}, nil
}

func isMachO(ident [4]byte) bool {
	// Magic32 and Magic64 differ only in the bottom bit.
	be := binary.BigEndian.Uint32(ident[:])
	le := binary.LittleEndian.Uint32(ident[:])
	return be&^1 == types.Magic32.Int()&^1 || le&^1 == types.Magic32.Int()&^1
}

// Data returns the file contents. They stay valid until Close.
func (f *File) Data() []byte {
	return f.data
}

// Mapped reports whether the contents are memory mapped rather than read.
func (f *File) Mapped() bool {
	return f.mapped
}

// Close releases the contents.
func (f *File) Close() error {
	data := f.data
	f.data = nil
	if f.mapped && data != nil && unmapFile != nil {
		f.mapped = false
		return unmapFile(data)
	}
	return nil
}
