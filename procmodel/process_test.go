// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procmodel

import (
	"errors"
	"testing"

	"github.com/samueldotj/pycdb/core"
	"github.com/samueldotj/pycdb/regmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseRunsEveryCloserAndReturnsFirstError(t *testing.T) {
	var ran [3]bool
	errBoom := errors.New("boom")
	p := &Process{closers: []func() error{
		func() error { ran[0] = true; return errBoom },
		func() error { ran[1] = true; return nil },
		func() error { ran[2] = true; return errors.New("second") },
	}}

	err := p.Close()
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, [3]bool{true, true, true}, ran)
}

func TestCloseWithNoClosersSucceeds(t *testing.T) {
	p := &Process{}
	assert.NoError(t, p.Close())
}

func TestThreadsWrapsEachRawThread(t *testing.T) {
	p := &Process{rawThreads: []core.RawThread{
		{Pid: 1, Regs: map[string]uint64{"rip": 0x1000}},
		{Pid: 2, Regs: map[string]uint64{"rip": 0x2000}},
	}}

	threads := p.Threads()
	require.Len(t, threads, 2)
	assert.Equal(t, uint64(1), threads[0].raw.Pid)
	assert.Equal(t, uint64(2), threads[1].raw.Pid)
	assert.Same(t, p, threads[0].proc)
}

// fakeSpace is a tiny in-memory AddressSpace used to drive the
// frame-pointer-walk fallback when no CFI is available.
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

func TestThreadFramesFallsBackToFramePointerWalkWithoutCFI(t *testing.T) {
	// Caller frame: rbp chain of one link, no CFI table at all (cfi==nil).
	const callerRBP = 0x7ffe2000
	const callerRA = 0x401234
	space := &fakeSpace{mem: map[uint64]uint64{
		0x7ffe1000:     callerRBP, // *(rbp) -> caller's saved rbp
		0x7ffe1000 + 8: callerRA, // *(rbp+8) -> return address
	}}

	p := &Process{
		regs:  regmap.AMD64{},
		space: space,
		rawThreads: []core.RawThread{{Regs: map[string]uint64{
			"rip": 0x400000, "rsp": 0x7ffe0ff0, "rbp": 0x7ffe1000,
		}}},
	}

	threads := p.Threads()
	require.Len(t, threads, 1)

	frames, err := threads[0].Frames()
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(0x400000), frames[0].IP)
	assert.Equal(t, uint64(callerRA), frames[1].IP)

	// Cached: a second call returns the same slice without re-unwinding.
	frames2, err := threads[0].Frames()
	require.NoError(t, err)
	assert.Equal(t, frames, frames2)
}
