package types

import "encoding/binary"

// An Nlist32 is a Mach-O 32-bit symbol table entry.
type Nlist32 struct {
	Name  uint32
	Type  NType
	Sect  uint8
	Desc  uint16
	Value uint32
}

// An Nlist64 is a Mach-O 64-bit symbol table entry.
type Nlist64 struct {
	Name  uint32
	Type  NType
	Sect  uint8
	Desc  uint16
	Value uint64
}

const (
	Nlist32Size = 12
	Nlist64Size = 16
)

func (n *Nlist64) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], n.Name)
	b[4] = uint8(n.Type)
	b[5] = n.Sect
	o.PutUint16(b[6:], n.Desc)
	o.PutUint64(b[8:], n.Value)
	return Nlist64Size
}

func (n *Nlist32) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], n.Name)
	b[4] = uint8(n.Type)
	b[5] = n.Sect
	o.PutUint16(b[6:], n.Desc)
	o.PutUint32(b[8:], n.Value)
	return Nlist32Size
}

// NType is the n_type byte of a symbol table entry.
type NType uint8

const (
	N_STAB NType = 0xe0 /* if any of these bits set, a symbolic debugging entry */
	N_PEXT NType = 0x10 /* private external symbol bit */
	N_TYPE NType = 0x0e /* mask for the type bits */
	N_EXT  NType = 0x01 /* external symbol bit, set for external symbols */
)

/*
 * Values for N_TYPE bits of the n_type field.
 */
const (
	N_UNDF NType = 0x0 /* undefined, n_sect == NO_SECT */
	N_ABS  NType = 0x2 /* absolute, n_sect == NO_SECT */
	N_SECT NType = 0xe /* defined in section number n_sect */
	N_PBUD NType = 0xc /* prebound undefined (defined in a dylib) */
	N_INDR NType = 0xa /* indirect */
)

// NO_SECT is the n_sect value of symbols not in any section.
const NO_SECT = 0

func (t NType) IsDebugSym() bool {
	return t&N_STAB != 0
}
func (t NType) IsPrivateExternal() bool {
	return t&N_PEXT != 0
}
func (t NType) IsExternal() bool {
	return t&N_EXT != 0
}
func (t NType) IsUndefined() bool {
	return t&N_TYPE == N_UNDF
}
func (t NType) IsAbsolute() bool {
	return t&N_TYPE == N_ABS
}
func (t NType) IsDefinedInSection() bool {
	return t&N_TYPE == N_SECT
}

func (t NType) String() string {
	if t.IsDebugSym() {
		return "stab"
	}
	var s string
	switch t & N_TYPE {
	case N_UNDF:
		s = "undef"
	case N_ABS:
		s = "abs"
	case N_SECT:
		s = "sect"
	case N_PBUD:
		s = "pbud"
	case N_INDR:
		s = "indr"
	default:
		s = "?"
	}
	if t.IsPrivateExternal() {
		s += "|pext"
	}
	if t.IsExternal() {
		s += "|ext"
	}
	return s
}
