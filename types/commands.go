package types

import (
	"encoding/binary"
)

// A LoadCmd is a Mach-O load command.
type LoadCmd uint32

const (
	LC_REQ_DYLD          LoadCmd = 0x80000000
	LC_SEGMENT           LoadCmd = 0x1                  // segment of this file to be mapped
	LC_SYMTAB            LoadCmd = 0x2                  // link-edit stab symbol table info
	LC_UNIXTHREAD        LoadCmd = 0x5                  // thread+stack
	LC_DYSYMTAB          LoadCmd = 0xb                  // dynamic link-edit symbol table info
	LC_LOAD_DYLIB        LoadCmd = 0xc                  // load dylib command
	LC_ID_DYLIB          LoadCmd = 0xd                  // id dylib command
	LC_LOAD_DYLINKER     LoadCmd = 0xe                  // load a dynamic linker
	LC_SEGMENT_64        LoadCmd = 0x19                 // 64-bit segment of this file to be mapped
	LC_UUID              LoadCmd = 0x1b                 // the uuid
	LC_CODE_SIGNATURE    LoadCmd = 0x1d                 // local of code signature
	LC_DYLD_INFO         LoadCmd = 0x22                 // compressed dyld information
	LC_DYLD_INFO_ONLY    LoadCmd = (0x22 | LC_REQ_DYLD) // compressed dyld information only
	LC_FUNCTION_STARTS   LoadCmd = 0x26                 // compressed table of function start addresses
	LC_MAIN              LoadCmd = (0x28 | LC_REQ_DYLD) // replacement for LC_UNIXTHREAD
	LC_BUILD_VERSION     LoadCmd = 0x32                 // build for platform min OS version
	LC_DYLD_EXPORTS_TRIE LoadCmd = (0x33 | LC_REQ_DYLD) // used with linkedit_data_command, payload is trie
)

var cmdStrings = []intName{
	{uint32(LC_SEGMENT), "LC_SEGMENT"},
	{uint32(LC_SYMTAB), "LC_SYMTAB"},
	{uint32(LC_UNIXTHREAD), "LC_UNIXTHREAD"},
	{uint32(LC_DYSYMTAB), "LC_DYSYMTAB"},
	{uint32(LC_LOAD_DYLIB), "LC_LOAD_DYLIB"},
	{uint32(LC_ID_DYLIB), "LC_ID_DYLIB"},
	{uint32(LC_LOAD_DYLINKER), "LC_LOAD_DYLINKER"},
	{uint32(LC_SEGMENT_64), "LC_SEGMENT_64"},
	{uint32(LC_UUID), "LC_UUID"},
	{uint32(LC_CODE_SIGNATURE), "LC_CODE_SIGNATURE"},
	{uint32(LC_DYLD_INFO), "LC_DYLD_INFO"},
	{uint32(LC_DYLD_INFO_ONLY), "LC_DYLD_INFO_ONLY"},
	{uint32(LC_FUNCTION_STARTS), "LC_FUNCTION_STARTS"},
	{uint32(LC_MAIN), "LC_MAIN"},
	{uint32(LC_BUILD_VERSION), "LC_BUILD_VERSION"},
	{uint32(LC_DYLD_EXPORTS_TRIE), "LC_DYLD_EXPORTS_TRIE"},
}

func (c LoadCmd) String() string   { return stringName(uint32(c), cmdStrings, false) }
func (c LoadCmd) GoString() string { return stringName(uint32(c), cmdStrings, true) }

// Sizes of the fixed part of the load commands the symbol reader decodes.
const (
	LoadCmdHeaderSize   = 8
	Segment32Size       = 56
	Segment64Size       = 72
	Section32Size       = 68
	Section64Size       = 80
	SymtabCmdSize       = 24
	DyldInfoCmdSize     = 48
	LinkEditDataCmdSize = 16
)

// Segment names the walker gives special meaning to.
const (
	SegPageZero = "__PAGEZERO"
	SegText     = "__TEXT"
	SegLinkEdit = "__LINKEDIT"
	SegDWARF    = "__DWARF"
)

// A Segment32 is a 32-bit Mach-O segment load command.
type Segment32 struct {
	LoadCmd              /* LC_SEGMENT */
	Len     uint32       /* includes sizeof section structs */
	Name    [16]byte     /* segment name */
	Addr    uint32       /* memory address of this segment */
	Memsz   uint32       /* memory size of this segment */
	Offset  uint32       /* file offset of this segment */
	Filesz  uint32       /* amount to map from the file */
	Maxprot VmProtection /* maximum VM protection */
	Prot    VmProtection /* initial VM protection */
	Nsect   uint32       /* number of sections in segment */
	Flag    uint32       /* flags */
}

func (s *Segment32) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], uint32(s.LoadCmd))
	o.PutUint32(b[4:], s.Len)
	copy(b[8:24], s.Name[:])
	o.PutUint32(b[24:], s.Addr)
	o.PutUint32(b[28:], s.Memsz)
	o.PutUint32(b[32:], s.Offset)
	o.PutUint32(b[36:], s.Filesz)
	o.PutUint32(b[40:], uint32(s.Maxprot))
	o.PutUint32(b[44:], uint32(s.Prot))
	o.PutUint32(b[48:], s.Nsect)
	o.PutUint32(b[52:], s.Flag)
	return Segment32Size
}

// A Segment64 is a 64-bit Mach-O segment load command.
type Segment64 struct {
	LoadCmd              /* LC_SEGMENT_64 */
	Len     uint32       /* includes sizeof section_64 structs */
	Name    [16]byte     /* segment name */
	Addr    uint64       /* memory address of this segment */
	Memsz   uint64       /* memory size of this segment */
	Offset  uint64       /* file offset of this segment */
	Filesz  uint64       /* amount to map from the file */
	Maxprot VmProtection /* maximum VM protection */
	Prot    VmProtection /* initial VM protection */
	Nsect   uint32       /* number of sections in segment */
	Flag    uint32       /* flags */
}

func (s *Segment64) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], uint32(s.LoadCmd))
	o.PutUint32(b[4:], s.Len)
	copy(b[8:24], s.Name[:])
	o.PutUint64(b[24:], s.Addr)
	o.PutUint64(b[32:], s.Memsz)
	o.PutUint64(b[40:], s.Offset)
	o.PutUint64(b[48:], s.Filesz)
	o.PutUint32(b[56:], uint32(s.Maxprot))
	o.PutUint32(b[60:], uint32(s.Prot))
	o.PutUint32(b[64:], s.Nsect)
	o.PutUint32(b[68:], s.Flag)
	return Segment64Size
}

// A Section32 is a 32-bit Mach-O section header.
type Section32 struct {
	Name     [16]byte
	Seg      [16]byte
	Addr     uint32
	Size     uint32
	Offset   uint32
	Align    uint32
	Reloff   uint32
	Nreloc   uint32
	Flags    uint32
	Reserve1 uint32
	Reserve2 uint32
}

func (s *Section32) Put(b []byte, o binary.ByteOrder) int {
	copy(b[0:16], s.Name[:])
	copy(b[16:32], s.Seg[:])
	o.PutUint32(b[32:], s.Addr)
	o.PutUint32(b[36:], s.Size)
	o.PutUint32(b[40:], s.Offset)
	o.PutUint32(b[44:], s.Align)
	o.PutUint32(b[48:], s.Reloff)
	o.PutUint32(b[52:], s.Nreloc)
	o.PutUint32(b[56:], s.Flags)
	o.PutUint32(b[60:], s.Reserve1)
	o.PutUint32(b[64:], s.Reserve2)
	return Section32Size
}

// A Section64 is a 64-bit Mach-O section header.
type Section64 struct {
	Name     [16]byte
	Seg      [16]byte
	Addr     uint64
	Size     uint64
	Offset   uint32
	Align    uint32
	Reloff   uint32
	Nreloc   uint32
	Flags    uint32
	Reserve1 uint32
	Reserve2 uint32
	Reserve3 uint32
}

func (s *Section64) Put(b []byte, o binary.ByteOrder) int {
	copy(b[0:16], s.Name[:])
	copy(b[16:32], s.Seg[:])
	o.PutUint64(b[32:], s.Addr)
	o.PutUint64(b[40:], s.Size)
	o.PutUint32(b[48:], s.Offset)
	o.PutUint32(b[52:], s.Align)
	o.PutUint32(b[56:], s.Reloff)
	o.PutUint32(b[60:], s.Nreloc)
	o.PutUint32(b[64:], s.Flags)
	o.PutUint32(b[68:], s.Reserve1)
	o.PutUint32(b[72:], s.Reserve2)
	o.PutUint32(b[76:], s.Reserve3)
	return Section64Size
}

// A SymtabCmd is a Mach-O symbol table command.
type SymtabCmd struct {
	LoadCmd // LC_SYMTAB
	Len     uint32
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}

func (s *SymtabCmd) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], uint32(s.LoadCmd))
	o.PutUint32(b[4:], s.Len)
	o.PutUint32(b[8:], s.Symoff)
	o.PutUint32(b[12:], s.Nsyms)
	o.PutUint32(b[16:], s.Stroff)
	o.PutUint32(b[20:], s.Strsize)
	return SymtabCmdSize
}

// A LinkEditDataCmd is a Mach-O linkedit data command.
type LinkEditDataCmd struct {
	LoadCmd
	Len    uint32
	Offset uint32
	Size   uint32
}

func (l *LinkEditDataCmd) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], uint32(l.LoadCmd))
	o.PutUint32(b[4:], l.Len)
	o.PutUint32(b[8:], l.Offset)
	o.PutUint32(b[12:], l.Size)
	return LinkEditDataCmdSize
}

// A DyldInfoCmd is a Mach-O id dyld info command.
type DyldInfoCmd struct {
	LoadCmd      // LC_DYLD_INFO
	Len          uint32
	RebaseOff    uint32 // file offset to rebase info
	RebaseSize   uint32 //  size of rebase info
	BindOff      uint32 // file offset to binding info
	BindSize     uint32 // size of binding info
	WeakBindOff  uint32 // file offset to weak binding info
	WeakBindSize uint32 //  size of weak binding info
	LazyBindOff  uint32 // file offset to lazy binding info
	LazyBindSize uint32 //  size of lazy binding info
	ExportOff    uint32 // file offset to export info
	ExportSize   uint32 //  size of export info
}

func (d *DyldInfoCmd) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], uint32(d.LoadCmd))
	o.PutUint32(b[4:], d.Len)
	o.PutUint32(b[8:], d.RebaseOff)
	o.PutUint32(b[12:], d.RebaseSize)
	o.PutUint32(b[16:], d.BindOff)
	o.PutUint32(b[20:], d.BindSize)
	o.PutUint32(b[24:], d.WeakBindOff)
	o.PutUint32(b[28:], d.WeakBindSize)
	o.PutUint32(b[32:], d.LazyBindOff)
	o.PutUint32(b[36:], d.LazyBindSize)
	o.PutUint32(b[40:], d.ExportOff)
	o.PutUint32(b[44:], d.ExportSize)
	return DyldInfoCmdSize
}
