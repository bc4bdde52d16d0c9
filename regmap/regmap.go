// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regmap translates between architectural register names,
// raw register snapshots (core.RawThread) and DWARF register
// numbers, and builds the per-frame register table the unwinder and
// expression evaluator share.
package regmap

import (
	"fmt"

	"github.com/samueldotj/pycdb/core"
)

// Table is a snapshot of register values keyed by DWARF register
// number, plus the two synthetic slots every frame carries: CFA (the
// Canonical Frame Address) and PC (the instruction pointer the table
// is valid for).
type Table struct {
	regs map[int]uint64
	CFA  uint64
	PC   uint64
}

// NewTable returns an empty register table.
func NewTable() *Table {
	return &Table{regs: make(map[int]uint64)}
}

// Get returns the value of DWARF register num and whether it is set.
func (t *Table) Get(num int) (uint64, bool) {
	v, ok := t.regs[num]
	return v, ok
}

// Set stores the value of DWARF register num.
func (t *Table) Set(num int, v uint64) {
	t.regs[num] = v
}

// Clone returns an independent copy of t, so that unwinding one frame
// never mutates the register table a caller already captured for an
// earlier frame.
func (t *Table) Clone() *Table {
	c := &Table{regs: make(map[int]uint64, len(t.regs)), CFA: t.CFA, PC: t.PC}
	for k, v := range t.regs {
		c.regs[k] = v
	}
	return c
}

// RegisterMap maps between an architecture's canonical register
// names and DWARF register numbers, and knows which three registers
// play the distinguished roles of return address, stack pointer and
// frame pointer.
type RegisterMap interface {
	Architecture() string
	NameToDwarf(name string) (int, bool)
	DwarfToName(num int) (string, bool)
	RAReg() int
	SPReg() int
	FPReg() int
	MaxRegNum() int
	// StackGrowsDown reports whether a larger stack-pointer/frame-pointer
	// value is further from the bottom of the stack. True for every
	// architecture this package currently supports (amd64); kept as a
	// method rather than a hardcoded constant in the unwinder so a
	// future architecture whose stack grows the other way doesn't need
	// to touch unwind logic, only its own RegisterMap (see SPEC_FULL.md
	// Open Question on frame-pointer-walk direction).
	StackGrowsDown() bool
	// CreateTable seeds a fresh register table from a raw thread
	// snapshot: cfa <- rsp, pc <- rip (also mirrored into the RA slot).
	CreateTable(raw *core.RawThread) (*Table, error)
}

var byArch = map[string]RegisterMap{
	"amd64": AMD64{},
}

// ForArch returns the RegisterMap for the named architecture.
func ForArch(arch string) (RegisterMap, error) {
	m, ok := byArch[arch]
	if !ok {
		return nil, fmt.Errorf("no register map for architecture %q", arch)
	}
	return m, nil
}
