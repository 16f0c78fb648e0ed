package machotest

import (
	"encoding/binary"
)

// LineRow is one row of a line table written by DebugSections.
type LineRow struct {
	Addr uint64
	Line int
}

// Sleb128 appends the SLEB128 encoding of v to b.
func Sleb128(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

// DebugSections returns little endian DWARF 4 __debug_abbrev, __debug_info
// and __debug_line contents describing one compile unit. Its line table
// covers file in compDir with rows, which must be in address order, and
// ends at end.
func DebugSections(file, compDir string, rows []LineRow, end uint64) (abbrev, info, line []byte) {
	le := binary.LittleEndian

	// Code 1: DW_TAG_compile_unit, no children, with DW_AT_name (string),
	// DW_AT_stmt_list (sec_offset) and DW_AT_comp_dir (string).
	abbrev = []byte{
		0x01, 0x11, 0x00,
		0x03, 0x08,
		0x10, 0x17,
		0x1b, 0x08,
		0x00, 0x00,
		0x00,
	}

	var die []byte
	die = append(die, 0x01)
	die = append(die, file...)
	die = append(die, 0)
	die = le.AppendUint32(die, 0)
	die = append(die, compDir...)
	die = append(die, 0)

	info = le.AppendUint32(nil, uint32(2+4+1+len(die)))
	info = le.AppendUint16(info, 4)
	info = le.AppendUint32(info, 0)
	info = append(info, 8)
	info = append(info, die...)

	// min_inst_length, max_ops, default_is_stmt, line_base, line_range,
	// opcode_base and the standard opcode lengths.
	hdr := []byte{1, 1, 1, 0xfb, 14, 13, 0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1}
	hdr = append(hdr, 0) // no include directories
	hdr = append(hdr, file...)
	hdr = append(hdr, 0, 0, 0, 0)
	hdr = append(hdr, 0)

	var prog []byte
	if len(rows) > 0 {
		prog = append(prog, 0x00, 9, 0x02) // DW_LNE_set_address
		prog = le.AppendUint64(prog, rows[0].Addr)
		addr, ln := rows[0].Addr, 1
		for _, r := range rows {
			if r.Addr != addr {
				prog = append(prog, 0x02) // DW_LNS_advance_pc
				prog = Uleb128(prog, r.Addr-addr)
				addr = r.Addr
			}
			if r.Line != ln {
				prog = append(prog, 0x03) // DW_LNS_advance_line
				prog = Sleb128(prog, int64(r.Line-ln))
				ln = r.Line
			}
			prog = append(prog, 0x01) // DW_LNS_copy
		}
		if end > addr {
			prog = append(prog, 0x02)
			prog = Uleb128(prog, end-addr)
		}
		prog = append(prog, 0x00, 1, 0x01) // DW_LNE_end_sequence
	}

	line = le.AppendUint32(nil, uint32(2+4+len(hdr)+len(prog)))
	line = le.AppendUint16(line, 4)
	line = le.AppendUint32(line, uint32(len(hdr)))
	line = append(line, hdr...)
	line = append(line, prog...)
	return abbrev, info, line
}
