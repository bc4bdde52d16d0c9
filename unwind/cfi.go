// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package unwind reconstructs a thread's call stack from Call Frame
// Information (the .debug_frame/.eh_frame section format, DWARF 4
// §6.4) and register state, falling back to a frame-pointer walk when
// no CFI covers the current instruction pointer. Grounded on
// frames.py's Frames/Frame (the CFI row interpretation) and on the
// teacher's own DWARF-adjacent code for the general style of walking
// a byte-oriented debug section.
package unwind

import (
	"encoding/binary"
	"fmt"
)

// RuleKind distinguishes how a RegisterRule recovers a register's
// value in the previous frame.
type RuleKind int

const (
	RuleUndefined RuleKind = iota
	RuleSameValue
	RuleOffset      // value = *(cfa + offset)
	RuleValOffset   // value = cfa + offset
	RuleRegister    // value = old_table[reg]
	RuleExpression  // value = *(eval(expr))
	RuleValExpr     // value = eval(expr)
)

// RegisterRule describes how to recover one register across a call.
type RegisterRule struct {
	Kind   RuleKind
	Offset int64
	Reg    int
	Expr   []byte
}

// CFAKind distinguishes how the Canonical Frame Address is computed.
type CFAKind int

const (
	CFARegisterOffset CFAKind = iota
	CFAExpression
)

// CFARule describes how to compute the CFA for a row.
type CFARule struct {
	Kind   CFAKind
	Reg    int
	Offset int64
	Expr   []byte
}

// Row is one entry of a decoded FDE's rule table, valid for
// instruction addresses in [Loc, next row's Loc).
type Row struct {
	Loc  uint64
	CFA  CFARule
	Regs map[int]RegisterRule
}

// FDE is one decoded Frame Description Entry: an address range and
// the rows describing how to unwind any PC within it.
type FDE struct {
	Low, High uint64
	RAReg     int
	Rows      []Row
}

// RowFor returns the row effective at pc, or ok=false if pc falls
// outside every row (shouldn't happen for pc within [Low,High)).
func (f *FDE) RowFor(pc uint64) (Row, bool) {
	var best *Row
	for i := range f.Rows {
		if f.Rows[i].Loc > pc {
			break
		}
		best = &f.Rows[i]
	}
	if best == nil {
		return Row{}, false
	}
	return *best, true
}

// Table indexes every FDE in a .debug_frame section by address range.
type Table struct {
	fdes []*FDE
}

// FDEFor returns the FDE covering pc, if any.
func (t *Table) FDEFor(pc uint64) (*FDE, bool) {
	for _, f := range t.fdes {
		if pc >= f.Low && pc < f.High {
			return f, true
		}
	}
	return nil, false
}

type cie struct {
	codeAlign   uint64
	dataAlign   int64
	raReg       int
	initialInst []byte
}

// ParseDebugFrame decodes an entire .debug_frame (or, for producers
// that emit simple, non-augmented records, .eh_frame) section into a
// Table. ptrSize is the target's address size in bytes (8 for amd64).
func ParseDebugFrame(data []byte, byteOrder binary.ByteOrder, ptrSize int) (*Table, error) {
	t := &Table{}
	cies := make(map[int64]*cie)

	pos := 0
	for pos < len(data) {
		start := pos
		length, n := readInitialLength(data[pos:], byteOrder)
		pos += n
		if length == 0 {
			break
		}
		end := pos + int(length)
		if end > len(data) {
			return nil, fmt.Errorf("debug_frame record at %d overruns section", start)
		}
		body := data[pos:end]
		cieOrFDEPointer := byteOrder.Uint32(body)

		if cieOrFDEPointer == 0xffffffff {
			// A CIE (CIE_pointer 0xffffffff) is skipped here; it is
			// parsed when an FDE that references it is reached (see
			// below), so the isCIE branch is not taken. 64-bit DWARF
			// records are not recognized.
			pos = end
			continue
		}

		if cieOrFDEPointer == 0xffffffff00000000>>32 {
			// unreachable guard, kept for clarity of intent
		}

		if isCIE(cieOrFDEPointer) {
			c, err := parseCIE(body[4:], byteOrder)
			if err != nil {
				return nil, err
			}
			cies[int64(start)] = c
		} else {
			cieOffset := int64(cieOrFDEPointer)
			c, ok := cies[cieOffset]
			if !ok {
				// CIE appears before its FDEs in well-formed sections;
				// if we haven't seen it, parse it now from its recorded offset.
				if cieOffset < int64(len(data)) {
					cLen, cn := readInitialLength(data[cieOffset:], byteOrder)
					_ = cLen
					parsed, err := parseCIE(data[int(cieOffset)+cn+4:int(cieOffset)+cn+int(cLen)], byteOrder)
					if err == nil {
						c = parsed
						cies[cieOffset] = c
					}
				}
			}
			if c == nil {
				pos = end
				continue
			}
			fde, err := parseFDE(body[4:], byteOrder, ptrSize, c)
			if err != nil {
				return nil, err
			}
			t.fdes = append(t.fdes, fde)
		}
		pos = end
	}
	return t, nil
}

func isCIE(v uint32) bool {
	// In .debug_frame, a CIE's own "CIE_pointer" field is the sentinel
	// 0xffffffff (32-bit DWARF). In .eh_frame the sentinel is 0 instead;
	// callers of this package target .debug_frame, so 0xffffffff is the
	// only sentinel recognized here.
	return v == 0xffffffff
}

func readInitialLength(b []byte, order binary.ByteOrder) (uint64, int) {
	v := order.Uint32(b)
	return uint64(v), 4
}

func parseCIE(b []byte, order binary.ByteOrder) (*cie, error) {
	r := &byteReader{b: b}
	version := r.u8()
	aug := r.cstring()
	if aug != "" {
		return nil, fmt.Errorf("unsupported CIE augmentation %q", aug)
	}
	codeAlign := r.uleb128()
	dataAlign := r.sleb128()
	var raReg int
	if version == 1 {
		raReg = int(r.u8())
	} else {
		raReg = int(r.uleb128())
	}
	return &cie{
		codeAlign:   codeAlign,
		dataAlign:   dataAlign,
		raReg:       raReg,
		initialInst: b[r.pos:],
	}, nil
}

func parseFDE(b []byte, order binary.ByteOrder, ptrSize int, c *cie) (*FDE, error) {
	r := &byteReader{b: b}
	low := r.addr(ptrSize, order)
	rangeLen := r.addr(ptrSize, order)
	insts := b[r.pos:]

	fde := &FDE{Low: low, High: low + rangeLen, RAReg: c.raReg}
	interp := &cfiInterp{codeAlign: c.codeAlign, dataAlign: c.dataAlign, loc: low}
	interp.regs = map[int]RegisterRule{}
	interp.run(c.initialInst)
	interp.snapshotInitial()
	interp.run(insts)
	fde.Rows = interp.rows
	return fde, nil
}

// cfiInterp executes a sequence of DW_CFA_* instructions, emitting a
// new Row each time the location advances.
type cfiInterp struct {
	codeAlign uint64
	dataAlign int64

	loc  uint64
	cfa  CFARule
	regs map[int]RegisterRule

	initialRegs map[int]RegisterRule
	initialCFA  CFARule

	rows  []Row
	stack []struct {
		cfa  CFARule
		regs map[int]RegisterRule
	}
}

func (c *cfiInterp) snapshotInitial() {
	c.initialCFA = c.cfa
	c.initialRegs = cloneRules(c.regs)
}

func cloneRules(m map[int]RegisterRule) map[int]RegisterRule {
	out := make(map[int]RegisterRule, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (c *cfiInterp) emitRow() {
	c.rows = append(c.rows, Row{Loc: c.loc, CFA: c.cfa, Regs: cloneRules(c.regs)})
}

const (
	dwCfaAdvanceLocHi = 0x40
	dwCfaOffsetHi     = 0x80
	dwCfaRestoreHi    = 0xc0

	dwCfaNop               = 0x00
	dwCfaSetLoc            = 0x01
	dwCfaAdvanceLoc1       = 0x02
	dwCfaAdvanceLoc2       = 0x03
	dwCfaAdvanceLoc4       = 0x04
	dwCfaOffsetExtended    = 0x05
	dwCfaRestoreExtended   = 0x06
	dwCfaUndefined         = 0x07
	dwCfaSameValue         = 0x08
	dwCfaRegister          = 0x09
	dwCfaRememberState     = 0x0a
	dwCfaRestoreState      = 0x0b
	dwCfaDefCfa            = 0x0c
	dwCfaDefCfaRegister    = 0x0d
	dwCfaDefCfaOffset      = 0x0e
	dwCfaDefCfaExpression  = 0x0f
	dwCfaExpression        = 0x10
	dwCfaOffsetExtendedSF  = 0x11
	dwCfaDefCfaSF          = 0x12
	dwCfaDefCfaOffsetSF    = 0x13
	dwCfaValOffset         = 0x14
	dwCfaValOffsetSF       = 0x15
	dwCfaValExpression     = 0x16
)

func (c *cfiInterp) run(b []byte) {
	r := &byteReader{b: b}
	for r.pos < len(b) {
		op := r.u8()
		hi := op & 0xc0
		lo := op & 0x3f
		switch hi {
		case dwCfaAdvanceLocHi:
			c.emitRow()
			c.loc += uint64(lo) * c.codeAlign
			continue
		case dwCfaOffsetHi:
			off := r.uleb128()
			c.regs[int(lo)] = RegisterRule{Kind: RuleOffset, Offset: int64(off) * c.dataAlign}
			continue
		case dwCfaRestoreHi:
			if v, ok := c.initialRegs[int(lo)]; ok {
				c.regs[int(lo)] = v
			} else {
				delete(c.regs, int(lo))
			}
			continue
		}

		switch op {
		case dwCfaNop:
		case dwCfaSetLoc:
			c.emitRow()
			c.loc = r.u64le()
		case dwCfaAdvanceLoc1:
			c.emitRow()
			c.loc += uint64(r.u8()) * c.codeAlign
		case dwCfaAdvanceLoc2:
			c.emitRow()
			c.loc += uint64(r.u16le()) * c.codeAlign
		case dwCfaAdvanceLoc4:
			c.emitRow()
			c.loc += uint64(r.u32le()) * c.codeAlign
		case dwCfaOffsetExtended:
			reg := int(r.uleb128())
			off := r.uleb128()
			c.regs[reg] = RegisterRule{Kind: RuleOffset, Offset: int64(off) * c.dataAlign}
		case dwCfaOffsetExtendedSF:
			reg := int(r.uleb128())
			off := r.sleb128()
			c.regs[reg] = RegisterRule{Kind: RuleOffset, Offset: off * c.dataAlign}
		case dwCfaRestoreExtended:
			reg := int(r.uleb128())
			if v, ok := c.initialRegs[reg]; ok {
				c.regs[reg] = v
			} else {
				delete(c.regs, reg)
			}
		case dwCfaUndefined:
			reg := int(r.uleb128())
			c.regs[reg] = RegisterRule{Kind: RuleUndefined}
		case dwCfaSameValue:
			reg := int(r.uleb128())
			c.regs[reg] = RegisterRule{Kind: RuleSameValue}
		case dwCfaRegister:
			reg := int(r.uleb128())
			src := int(r.uleb128())
			c.regs[reg] = RegisterRule{Kind: RuleRegister, Reg: src}
		case dwCfaRememberState:
			c.stack = append(c.stack, struct {
				cfa  CFARule
				regs map[int]RegisterRule
			}{cfa: c.cfa, regs: cloneRules(c.regs)})
		case dwCfaRestoreState:
			if len(c.stack) > 0 {
				top := c.stack[len(c.stack)-1]
				c.stack = c.stack[:len(c.stack)-1]
				c.cfa = top.cfa
				c.regs = top.regs
			}
		case dwCfaDefCfa:
			reg := int(r.uleb128())
			off := r.uleb128()
			c.cfa = CFARule{Kind: CFARegisterOffset, Reg: reg, Offset: int64(off)}
		case dwCfaDefCfaSF:
			reg := int(r.uleb128())
			off := r.sleb128()
			c.cfa = CFARule{Kind: CFARegisterOffset, Reg: reg, Offset: off * c.dataAlign}
		case dwCfaDefCfaRegister:
			reg := int(r.uleb128())
			c.cfa.Reg = reg
			c.cfa.Kind = CFARegisterOffset
		case dwCfaDefCfaOffset:
			off := r.uleb128()
			c.cfa.Offset = int64(off)
			c.cfa.Kind = CFARegisterOffset
		case dwCfaDefCfaOffsetSF:
			off := r.sleb128()
			c.cfa.Offset = off * c.dataAlign
			c.cfa.Kind = CFARegisterOffset
		case dwCfaDefCfaExpression:
			n := r.uleb128()
			expr := r.bytes(int(n))
			c.cfa = CFARule{Kind: CFAExpression, Expr: expr}
		case dwCfaExpression:
			reg := int(r.uleb128())
			n := r.uleb128()
			expr := r.bytes(int(n))
			c.regs[reg] = RegisterRule{Kind: RuleExpression, Expr: expr}
		case dwCfaValOffset:
			reg := int(r.uleb128())
			off := r.uleb128()
			c.regs[reg] = RegisterRule{Kind: RuleValOffset, Offset: int64(off) * c.dataAlign}
		case dwCfaValOffsetSF:
			reg := int(r.uleb128())
			off := r.sleb128()
			c.regs[reg] = RegisterRule{Kind: RuleValOffset, Offset: off * c.dataAlign}
		case dwCfaValExpression:
			reg := int(r.uleb128())
			n := r.uleb128()
			expr := r.bytes(int(n))
			c.regs[reg] = RegisterRule{Kind: RuleValExpr, Expr: expr}
		default:
			// Unknown/architectural opcode: stop decoding this FDE's
			// remaining instructions rather than misinterpreting operand
			// bytes as more opcodes.
			return
		}
	}
	c.emitRow()
}

// byteReader is a small cursor shared by the CIE/FDE/instruction
// decoders in this file.
type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) u8() byte {
	v := r.b[r.pos]
	r.pos++
	return v
}

func (r *byteReader) u16le() uint16 {
	v := binary.LittleEndian.Uint16(r.b[r.pos:])
	r.pos += 2
	return v
}

func (r *byteReader) u32le() uint32 {
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v
}

func (r *byteReader) u64le() uint64 {
	v := binary.LittleEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v
}

func (r *byteReader) addr(size int, order binary.ByteOrder) uint64 {
	if size == 4 {
		v := order.Uint32(r.b[r.pos:])
		r.pos += 4
		return uint64(v)
	}
	v := order.Uint64(r.b[r.pos:])
	r.pos += 8
	return v
}

func (r *byteReader) bytes(n int) []byte {
	b := r.b[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *byteReader) cstring() string {
	start := r.pos
	for r.b[r.pos] != 0 {
		r.pos++
	}
	s := string(r.b[start:r.pos])
	r.pos++
	return s
}

func (r *byteReader) uleb128() uint64 {
	var result uint64
	var shift uint
	for {
		b := r.u8()
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result
}

func (r *byteReader) sleb128() int64 {
	var result int64
	var shift uint
	var b byte
	for {
		b = r.u8()
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result
}
