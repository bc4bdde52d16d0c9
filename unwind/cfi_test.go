// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unwind

import (
	"encoding/binary"
	"testing"

	"github.com/samueldotj/pycdb/core"
	"github.com/samueldotj/pycdb/regmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeULEB128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func encodeSLEB128(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

// buildDebugFrame constructs a minimal, hand-encoded .debug_frame
// section with one CIE (code_align=1, data_align=-8, RA reg 16,
// initial rule set DW_CFA_def_cfa(7, 8); DW_CFA_offset(16, 1)) and one
// FDE covering [low, low+size) with no additional instructions.
func buildDebugFrame(t *testing.T, low, size uint64) []byte {
	t.Helper()
	order := binary.LittleEndian

	var cieBody []byte
	cieBody = append(cieBody, 0xff, 0xff, 0xff, 0xff) // CIE_pointer sentinel
	cieBody = append(cieBody, 1)                      // version
	cieBody = append(cieBody, 0)                      // augmentation "" + NUL
	cieBody = append(cieBody, encodeULEB128(1)...)     // code_alignment_factor
	cieBody = append(cieBody, encodeSLEB128(-8)...)    // data_alignment_factor
	cieBody = append(cieBody, 16)                      // return_address_register
	// initial instructions: DW_CFA_def_cfa(7, 8)
	cieBody = append(cieBody, dwCfaDefCfa)
	cieBody = append(cieBody, encodeULEB128(7)...)
	cieBody = append(cieBody, encodeULEB128(8)...)
	// DW_CFA_offset(16, 1) -- high 2 bits 0x80 | reg
	cieBody = append(cieBody, byte(dwCfaOffsetHi|16))
	cieBody = append(cieBody, encodeULEB128(1)...)
	for len(cieBody)%4 != 0 {
		cieBody = append(cieBody, 0)
	}

	cieLen := make([]byte, 4)
	order.PutUint32(cieLen, uint32(len(cieBody)))

	var fdeBody []byte
	fdeBody = append(fdeBody, 0, 0, 0, 0) // CIE_pointer: offset 0 (this CIE starts at byte 0)
	addrBuf := make([]byte, 8)
	order.PutUint64(addrBuf, low)
	fdeBody = append(fdeBody, addrBuf...)
	order.PutUint64(addrBuf, size)
	fdeBody = append(fdeBody, addrBuf...)
	for len(fdeBody)%4 != 0 {
		fdeBody = append(fdeBody, 0)
	}
	fdeLen := make([]byte, 4)
	order.PutUint32(fdeLen, uint32(len(fdeBody)))

	var out []byte
	out = append(out, cieLen...)
	out = append(out, cieBody...)
	out = append(out, fdeLen...)
	out = append(out, fdeBody...)
	return out
}

func TestParseDebugFrameOneFDE(t *testing.T) {
	data := buildDebugFrame(t, 0x400000, 0x10)
	tbl, err := ParseDebugFrame(data, binary.LittleEndian, 8)
	require.NoError(t, err)
	require.Len(t, tbl.fdes, 1)

	fde, ok := tbl.FDEFor(0x400008)
	require.True(t, ok)
	assert.Equal(t, uint64(0x400000), fde.Low)
	assert.Equal(t, uint64(0x400010), fde.High)
	assert.Equal(t, 16, fde.RAReg)

	row, ok := fde.RowFor(0x400008)
	require.True(t, ok)
	assert.Equal(t, CFARegisterOffset, row.CFA.Kind)
	assert.Equal(t, 7, row.CFA.Reg)
	assert.Equal(t, int64(8), row.CFA.Offset)

	raRule, ok := row.Regs[16]
	require.True(t, ok)
	assert.Equal(t, RuleOffset, raRule.Kind)
	assert.Equal(t, int64(-8), raRule.Offset)
}

func TestFDEForOutsideRange(t *testing.T) {
	data := buildDebugFrame(t, 0x400000, 0x10)
	tbl, err := ParseDebugFrame(data, binary.LittleEndian, 8)
	require.NoError(t, err)

	_, ok := tbl.FDEFor(0x500000)
	assert.False(t, ok)
}

type fakeSpace struct {
	mem map[uint64]uint64
}

func (f *fakeSpace) Read(address core.Address, size int64) ([]byte, error) {
	v, err := f.ReadInt(address, size)
	if err != nil {
		return nil, err
	}
	b := make([]byte, size)
	for i := int64(0); i < size; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
	return b, nil
}

func (f *fakeSpace) ReadInt(address core.Address, size int64) (uint64, error) {
	v, ok := f.mem[uint64(address)]
	if !ok {
		return 0, &core.UnmappedError{Addr: address}
	}
	return v, nil
}

func (f *fakeSpace) Mappings() []*core.Mapping { return nil }

func TestUnwindOneFrameViaCFI(t *testing.T) {
	data := buildDebugFrame(t, 0x400000, 0x10)
	tbl, err := ParseDebugFrame(data, binary.LittleEndian, 8)
	require.NoError(t, err)

	const rsp = 0x7ffe1000
	const savedRA = 0x500000
	space := &fakeSpace{mem: map[uint64]uint64{
		rsp: savedRA, // cfa(=rsp+8) - 8 == rsp
	}}

	raw := &core.RawThread{Regs: map[string]uint64{
		"rip": 0x400000, "rsp": rsp, "rbp": 0,
	}}

	u := New(tbl, regmap.AMD64{}, space, 0, nil)
	frames, err := u.Unwind(raw)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(0x400000), frames[0].PC)
	assert.Equal(t, uint64(savedRA), frames[1].PC)
}
