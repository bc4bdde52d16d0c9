// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dwarfexpr

import (
	"encoding/binary"
	"testing"

	"github.com/samueldotj/pycdb/core"
	"github.com/samueldotj/pycdb/regmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSpace is a tiny in-memory AddressSpace for expression tests that
// read through memory (DW_OP_deref, DW_OP_fbreg).
type fakeSpace struct {
	mem map[uint64][]byte
}

func newFakeSpace() *fakeSpace { return &fakeSpace{mem: make(map[uint64][]byte)} }

func (f *fakeSpace) putU64(addr uint64, v uint64) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	f.mem[addr] = b
}

func (f *fakeSpace) Read(address core.Address, size int64) ([]byte, error) {
	b, ok := f.mem[uint64(address)]
	if !ok {
		return nil, &core.UnmappedError{Addr: address}
	}
	return b[:size], nil
}

func (f *fakeSpace) ReadInt(address core.Address, size int64) (uint64, error) {
	b, err := f.Read(address, size)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := int(size) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

func (f *fakeSpace) Mappings() []*core.Mapping { return nil }

func TestEvalLiterals(t *testing.T) {
	ev := New(newFakeSpace(), nil, nil, nil)
	v, err := ev.Eval([]byte{opLit0 + 5})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)
}

func TestEvalArithmetic(t *testing.T) {
	cases := []struct {
		name string
		expr []byte
		want uint64
	}{
		{"plus", []byte{opLit0 + 3, opLit0 + 4, opPlus}, 7},
		{"minus", []byte{opLit0 + 10, opLit0 + 3, opMinus}, 7},
		{"mul", []byte{opLit0 + 6, opLit0 + 7, opMul}, 42},
		{"and", []byte{opConst1u, 0xff, opConst1u, 0x0f, opAnd}, 0x0f},
		{"dup-plus", []byte{opLit0 + 9, opDup, opPlus}, 18},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ev := New(newFakeSpace(), nil, nil, nil)
			v, err := ev.Eval(c.expr)
			require.NoError(t, err)
			assert.Equal(t, c.want, v)
		})
	}
}

func TestEvalBregAndDeref(t *testing.T) {
	space := newFakeSpace()
	space.putU64(0x1000, 0xdeadbeef)

	regs := regmap.NewTable()
	rbp, _ := regmap.AMD64{}.NameToDwarf("rbp")
	regs.Set(rbp, 0x1008)

	// DW_OP_breg6 -8; DW_OP_deref
	expr := []byte{byte(opBreg0 + 6), 0x78 /* sleb128(-8) */, opDeref}
	ev := New(space, regs, nil, nil)
	v, err := ev.Eval(expr)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), v)
}

func TestEvalFbregNeedsFrameBase(t *testing.T) {
	ev := New(newFakeSpace(), nil, nil, nil)
	_, err := ev.Eval([]byte{opFbreg, 0x00})
	assert.Error(t, err)
}

func TestEvalFbregWithFrameBase(t *testing.T) {
	space := newFakeSpace()
	space.putU64(0x2000-16, 0x1234)
	fb := uint64(0x2000)
	ev := New(space, nil, &fb, nil)
	// DW_OP_fbreg -16
	v, err := ev.Eval([]byte{opFbreg, 0x70})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), v)
}

func TestEvalUnsupportedOpcodeIsANoOpAndEvaluationContinues(t *testing.T) {
	ev := New(newFakeSpace(), nil, nil, nil)
	// DW_OP_lit5 pushes 5; the unsupported opcode that follows must
	// leave the stack untouched instead of aborting evaluation.
	v, err := ev.Eval([]byte{opLit0 + 5, 0xff})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)
}

func TestEvalStackUnderflow(t *testing.T) {
	ev := New(newFakeSpace(), nil, nil, nil)
	_, err := ev.Eval([]byte{opPlus})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStackUnderflow)
}

func TestEvalEmptyExpressionIsZero(t *testing.T) {
	ev := New(newFakeSpace(), nil, nil, nil)
	v, err := ev.Eval(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
}

func TestMask(t *testing.T) {
	cases := []struct {
		v    uint64
		size int
		want uint64
	}{
		{0x1234, 1, 0x34},
		{0x1234, 2, 0x1234},
		{0x123456789, 4, 0x23456789},
		{0xffffffffffffffff, 8, 0xffffffffffffffff},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Mask(c.v, c.size))
	}
}

func TestDecodeUleb128(t *testing.T) {
	v, n := DecodeUleb128([]byte{0xe5, 0x8e, 0x26})
	assert.Equal(t, uint64(624485), v)
	assert.Equal(t, 3, n)
}
