// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dwarfexpr interprets DWARF location/frame-base expressions
// (DWARF 4 §2.5) as a stack machine over 64-bit integers, grounded on
// dwarf_expression_decoder.py's ExpressionDecoder.
package dwarfexpr

import (
	"errors"
	"fmt"

	"github.com/samueldotj/pycdb/core"
	"github.com/samueldotj/pycdb/regmap"
	"github.com/sirupsen/logrus"
)

// Opcode values, DWARF 4 Figure 24/Appendix A.
const (
	opAddr        = 0x03
	opDeref       = 0x06
	opConst1u     = 0x08
	opConst1s     = 0x09
	opConst2u     = 0x0a
	opConst2s     = 0x0b
	opConst4u     = 0x0c
	opConst4s     = 0x0d
	opConst8u     = 0x0e
	opConst8s     = 0x0f
	opConstu      = 0x10
	opConsts      = 0x11
	opDup         = 0x12
	opDrop        = 0x13
	opOver        = 0x14
	opPick        = 0x15
	opSwap        = 0x16
	opRot         = 0x17
	opXderef      = 0x18
	opAbs         = 0x19
	opAnd         = 0x1a
	opDiv         = 0x1b
	opMinus       = 0x1c
	opMod         = 0x1d
	opMul         = 0x1e
	opNeg         = 0x1f
	opNot         = 0x20
	opOr          = 0x21
	opPlus        = 0x22
	opPlusUconst  = 0x23
	opShl         = 0x24
	opShr         = 0x25
	opShra        = 0x26
	opXor         = 0x27
	opEq          = 0x29
	opGe          = 0x2a
	opGt          = 0x2b
	opLe          = 0x2c
	opLt          = 0x2d
	opNe          = 0x2e
	opLit0        = 0x30 // lit0..lit31 = 0x30..0x4f
	opReg0        = 0x50 // reg0..reg31 = 0x50..0x6f
	opBreg0       = 0x70 // breg0..breg31 = 0x70..0x8f
	opRegx        = 0x90
	opFbreg       = 0x91
	opBregx       = 0x92
	opDerefSize   = 0x94
	opXderefSize  = 0x95
	opNop         = 0x96
	opCallFrameCF = 0x9c
)

// ErrStackUnderflow is returned when an opcode needs more operands
// than the stack currently holds.
var ErrStackUnderflow = errors.New("dwarf expression stack underflow")

// Evaluator interprets one DWARF expression byte stream against a
// register table, an address space, and (for DW_OP_fbreg) a frame
// base.
type Evaluator struct {
	AddressSpace core.AddressSpace
	Regs         *regmap.Table // may be nil if the expression needs no registers
	FrameBase    *uint64       // non-nil once a frame base is known

	log *logrus.Entry

	stack []uint64
}

// New returns an Evaluator. log may be nil, in which case a
// standard-logger entry is used.
func New(aspace core.AddressSpace, regs *regmap.Table, frameBase *uint64, log *logrus.Entry) *Evaluator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Evaluator{AddressSpace: aspace, Regs: regs, FrameBase: frameBase, log: log}
}

func (e *Evaluator) push(v uint64) { e.stack = append(e.stack, v) }

func (e *Evaluator) pop() (uint64, error) {
	if len(e.stack) == 0 {
		return 0, ErrStackUnderflow
	}
	v := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	return v, nil
}

func (e *Evaluator) peek(depth int) (uint64, error) {
	if depth < 0 || depth >= len(e.stack) {
		return 0, ErrStackUnderflow
	}
	return e.stack[len(e.stack)-1-depth], nil
}

func (e *Evaluator) regValue(num int) (uint64, error) {
	if e.Regs == nil {
		return 0, fmt.Errorf("dwarf expression referenced register %d with no register table", num)
	}
	v, ok := e.Regs.Get(num)
	if !ok {
		return 0, fmt.Errorf("register %d not present in table", num)
	}
	return v, nil
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Eval interprets expr and returns the value on top of the stack when
// it terminates. The stack starts out holding a single zero, so an
// expression that never pushes anything evaluates to 0 (a bare no-op
// program is well defined).
func (e *Evaluator) Eval(expr []byte) (uint64, error) {
	e.stack = append(e.stack[:0], 0)
	r := &reader{b: expr}
	for r.pos < len(r.b) {
		op := r.u8()
		if err := e.step(op, r); err != nil {
			return 0, fmt.Errorf("opcode %#x: %w", op, err)
		}
	}
	if len(e.stack) == 0 {
		return 0, nil
	}
	return e.stack[len(e.stack)-1], nil
}

func (e *Evaluator) step(op byte, r *reader) error {
	switch {
	case op >= opLit0 && op <= opLit0+31:
		e.push(uint64(op - opLit0))
		return nil
	case op >= opReg0 && op <= opReg0+31:
		v, err := e.regValue(int(op - opReg0))
		if err != nil {
			return err
		}
		e.push(v)
		return nil
	case op >= opBreg0 && op <= opBreg0+31:
		v, err := e.regValue(int(op - opBreg0))
		if err != nil {
			return err
		}
		off := r.sleb128()
		e.push(uint64(int64(v) + off))
		return nil
	}

	switch op {
	case opAddr:
		e.push(r.u64())
	case opConst1u:
		e.push(uint64(r.u8()))
	case opConst1s:
		e.push(uint64(int64(int8(r.u8()))))
	case opConst2u:
		e.push(uint64(r.u16()))
	case opConst2s:
		e.push(uint64(int64(int16(r.u16()))))
	case opConst4u:
		e.push(uint64(r.u32()))
	case opConst4s:
		e.push(uint64(int64(int32(r.u32()))))
	case opConst8u:
		e.push(r.u64())
	case opConst8s:
		e.push(r.u64())
	case opConstu:
		e.push(r.uleb128())
	case opConsts:
		e.push(uint64(r.sleb128()))
	case opDup:
		v, err := e.peek(0)
		if err != nil {
			return err
		}
		e.push(v)
	case opDrop:
		if _, err := e.pop(); err != nil {
			return err
		}
	case opOver:
		v, err := e.peek(1)
		if err != nil {
			return err
		}
		e.push(v)
	case opPick:
		idx := int(r.u8())
		v, err := e.peek(idx)
		if err != nil {
			return err
		}
		e.push(v)
	case opSwap:
		a, err := e.pop()
		if err != nil {
			return err
		}
		b, err := e.pop()
		if err != nil {
			return err
		}
		e.push(a)
		e.push(b)
	case opRot:
		a, err := e.pop()
		if err != nil {
			return err
		}
		b, err := e.pop()
		if err != nil {
			return err
		}
		c, err := e.pop()
		if err != nil {
			return err
		}
		e.push(a)
		e.push(c)
		e.push(b)
	case opDeref:
		addr, err := e.pop()
		if err != nil {
			return err
		}
		v, err := e.AddressSpace.ReadInt(core.Address(addr), 8)
		if err != nil {
			return err
		}
		e.push(v)
	case opDerefSize:
		size := int64(r.u8())
		addr, err := e.pop()
		if err != nil {
			return err
		}
		v, err := e.AddressSpace.ReadInt(core.Address(addr), size)
		if err != nil {
			return err
		}
		e.push(v)
	case opAbs:
		v, err := e.pop()
		if err != nil {
			return err
		}
		i := int64(v)
		if i < 0 {
			i = -i
		}
		e.push(uint64(i))
	case opNeg:
		v, err := e.pop()
		if err != nil {
			return err
		}
		e.push(uint64(-int64(v)))
	case opNot:
		v, err := e.pop()
		if err != nil {
			return err
		}
		e.push(^v)
	case opAnd:
		return e.binop(func(a, b uint64) uint64 { return a & b })
	case opOr:
		return e.binop(func(a, b uint64) uint64 { return a | b })
	case opXor:
		return e.binop(func(a, b uint64) uint64 { return a ^ b })
	case opPlus:
		return e.binop(func(a, b uint64) uint64 { return a + b })
	case opMinus:
		return e.binop(func(a, b uint64) uint64 { return a - b })
	case opMul:
		return e.binop(func(a, b uint64) uint64 { return a * b })
	case opDiv:
		return e.binop(func(a, b uint64) uint64 {
			if b == 0 {
				return 0
			}
			return uint64(int64(a) / int64(b))
		})
	case opMod:
		return e.binop(func(a, b uint64) uint64 {
			if b == 0 {
				return 0
			}
			return a % b
		})
	case opShl:
		return e.binop(func(a, b uint64) uint64 { return a << b })
	case opShr:
		return e.binop(func(a, b uint64) uint64 { return a >> b })
	case opShra:
		return e.binop(func(a, b uint64) uint64 { return uint64(int64(a) >> b) })
	case opPlusUconst:
		n := r.uleb128()
		v, err := e.pop()
		if err != nil {
			return err
		}
		e.push(v + n)
	case opEq:
		return e.binop(func(a, b uint64) uint64 { return boolToU64(int64(a) == int64(b)) })
	case opNe:
		return e.binop(func(a, b uint64) uint64 { return boolToU64(int64(a) != int64(b)) })
	case opLt:
		return e.binop(func(a, b uint64) uint64 { return boolToU64(int64(a) < int64(b)) })
	case opLe:
		return e.binop(func(a, b uint64) uint64 { return boolToU64(int64(a) <= int64(b)) })
	case opGt:
		return e.binop(func(a, b uint64) uint64 { return boolToU64(int64(a) > int64(b)) })
	case opGe:
		return e.binop(func(a, b uint64) uint64 { return boolToU64(int64(a) >= int64(b)) })
	case opRegx:
		num := int(r.uleb128())
		v, err := e.regValue(num)
		if err != nil {
			return err
		}
		e.push(v)
	case opBregx:
		num := int(r.uleb128())
		off := r.sleb128()
		v, err := e.regValue(num)
		if err != nil {
			return err
		}
		e.push(uint64(int64(v) + off))
	case opFbreg:
		if e.FrameBase == nil {
			return fmt.Errorf("DW_OP_fbreg with no frame base")
		}
		off := r.sleb128()
		addr := core.Address(int64(*e.FrameBase) + off)
		v, err := e.AddressSpace.ReadInt(addr, 8)
		if err != nil {
			return err
		}
		e.push(v)
	case opNop:
		// no effect
	default:
		// An opcode this evaluator doesn't implement is logged and
		// treated as a no-op rather than aborting evaluation: the
		// stack is left untouched and decoding continues at the next
		// byte, per the stated error-handling policy for unknown
		// opcodes.
		e.log.Errorf("unsupported dwarf expression opcode %#x, treating as a no-op", op)
	}
	return nil
}

func (e *Evaluator) binop(f func(a, b uint64) uint64) error {
	b, err := e.pop()
	if err != nil {
		return err
	}
	a, err := e.pop()
	if err != nil {
		return err
	}
	e.push(f(a, b))
	return nil
}

// Mask truncates v to the low size*8 bits, size in {1..8}. The
// original Python implementation's BYTE_MASK table was indexed
// size-1 and only had 7 entries, so a size==8 read silently mangled
// its result; this formula handles size==8 without overflowing
// uint64 arithmetic (1<<64 is undefined), per SPEC_FULL.md §4.4.
func Mask(v uint64, size int) uint64 {
	if size >= 8 {
		return v
	}
	return v & ((uint64(1) << (8 * uint(size))) - 1)
}

// DecodeUleb128 decodes a single unsigned LEB128 value from the start
// of b, returning it and the number of bytes consumed. Exported for
// callers (e.g. typegraph's member-location decoding) that need to
// pull a single immediate out of a byte stream without running the
// full expression evaluator.
func DecodeUleb128(b []byte) (uint64, int) {
	r := &reader{b: b}
	v := r.uleb128()
	return v, r.pos
}

// reader is a small cursor over a DWARF expression byte stream.
type reader struct {
	b   []byte
	pos int
}

func (r *reader) u8() byte {
	v := r.b[r.pos]
	r.pos++
	return v
}

func (r *reader) u16() uint16 {
	v := uint16(r.b[r.pos]) | uint16(r.b[r.pos+1])<<8
	r.pos += 2
	return v
}

func (r *reader) u32() uint32 {
	v := uint32(r.b[r.pos]) | uint32(r.b[r.pos+1])<<8 | uint32(r.b[r.pos+2])<<16 | uint32(r.b[r.pos+3])<<24
	r.pos += 4
	return v
}

func (r *reader) u64() uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(r.b[r.pos+i])
	}
	r.pos += 8
	return v
}

func (r *reader) uleb128() uint64 {
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

func (r *reader) sleb128() int64 {
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
