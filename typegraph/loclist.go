// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package typegraph

import "encoding/binary"

// locListSection decodes classic (DWARF <= 4) .debug_loc location
// lists: a sequence of (begin,end,expr) records terminated by a
// (0,0) pair, with a pair of all-ones addresses acting as a
// base-address selection entry. This is the format the teacher's
// third_party/delve/dwarf/loclist package targets with its
// NewDwarf2Reader (referenced, but not retrievable in full, from
// internal/gocore/dwarf.go) — the shape here is a self-contained
// replacement grounded on that same DWARF2-4 section layout.
type locListSection struct {
	data []byte
}

// locEntry is one decoded location-list record: the expression in expr
// is valid for PCs in [Start, End).
type locEntry struct {
	Start, End uint64
	Expr       []byte
}

// entriesAt decodes the list starting at byte offset off within
// .debug_loc, given the compilation unit's base address (normally its
// low_pc) and pointer size.
func (l *locListSection) entriesAt(off int64, base uint64, ptrSize int) ([]locEntry, error) {
	var out []locEntry
	pos := int(off)
	maxAddr := uint64(1)<<(uint(ptrSize)*8) - 1
	for pos+2*ptrSize <= len(l.data) {
		begin := readAddr(l.data[pos:], ptrSize)
		pos += ptrSize
		end := readAddr(l.data[pos:], ptrSize)
		pos += ptrSize

		if begin == 0 && end == 0 {
			break
		}
		if begin == maxAddr {
			base = end
			continue
		}
		if pos+2 > len(l.data) {
			break
		}
		length := int(binary.LittleEndian.Uint16(l.data[pos:]))
		pos += 2
		if pos+length > len(l.data) {
			break
		}
		expr := l.data[pos : pos+length]
		pos += length
		out = append(out, locEntry{Start: base + begin, End: base + end, Expr: expr})
	}
	return out, nil
}

func readAddr(b []byte, size int) uint64 {
	switch size {
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}
