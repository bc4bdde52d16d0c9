// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regmap

import (
	"fmt"

	"github.com/samueldotj/pycdb/core"
)

// AMD64 is the x86-64 System V ABI DWARF register map.
//
// The numbering below is the corrected table: the original Python
// _reg_map this was ported from had GS at slot 56 (clashing with
// FS_BASE/GS_BASE's neighbourhood) and repeated MM4 in place of MM3.
// Both are fixed here; see SPEC_FULL.md's Open Questions for the
// rationale.
type AMD64 struct{}

const (
	amd64RAX = 0
	amd64RDX = 1
	amd64RCX = 2
	amd64RBX = 3
	amd64RSI = 4
	amd64RDI = 5
	amd64RBP = 6
	amd64RSP = 7
	amd64R8  = 8
	amd64R9  = 9
	amd64R10 = 10
	amd64R11 = 11
	amd64R12 = 12
	amd64R13 = 13
	amd64R14 = 14
	amd64R15 = 15
	amd64RA  = 16 // return address; aliases RIP once a table is seeded
	// 17..32: XMM0-15
	// 33..40: ST0-7
	// 41..48: MM0-7
	amd64RFLAGS  = 49
	amd64ES      = 50
	amd64CS      = 51
	amd64SS      = 52
	amd64DS      = 53
	amd64FS      = 54
	amd64GS      = 55
	amd64FSBASE  = 58
	amd64GSBASE  = 59
	amd64MaxRegs = 67
)

var amd64NameToNum = map[string]int{
	"rax": amd64RAX, "rdx": amd64RDX, "rcx": amd64RCX, "rbx": amd64RBX,
	"rsi": amd64RSI, "rdi": amd64RDI, "rbp": amd64RBP, "rsp": amd64RSP,
	"r8": amd64R8, "r9": amd64R9, "r10": amd64R10, "r11": amd64R11,
	"r12": amd64R12, "r13": amd64R13, "r14": amd64R14, "r15": amd64R15,
	"rip": amd64RA, "ra": amd64RA,
	"eflags": amd64RFLAGS, "es": amd64ES, "cs": amd64CS, "ss": amd64SS,
	"ds": amd64DS, "fs": amd64FS, "gs": amd64GS,
	"fs_base": amd64FSBASE, "gs_base": amd64GSBASE,
}

func init() {
	// amd64NumToName is built from amd64NameToNum before init runs, so
	// the numbered registers are added to both maps here.
	for i := 0; i < 16; i++ {
		amd64NameToNum[fmt.Sprintf("xmm%d", i)] = 17 + i
		amd64NumToName[17+i] = fmt.Sprintf("xmm%d", i)
	}
	for i := 0; i < 8; i++ {
		amd64NameToNum[fmt.Sprintf("st%d", i)] = 33 + i
		amd64NameToNum[fmt.Sprintf("mm%d", i)] = 41 + i
		amd64NumToName[33+i] = fmt.Sprintf("st%d", i)
		amd64NumToName[41+i] = fmt.Sprintf("mm%d", i)
	}
}

var amd64NumToName = func() map[int]string {
	m := make(map[int]string, len(amd64NameToNum))
	for name, num := range amd64NameToNum {
		if name == "ra" {
			continue // rip is the canonical name for 16
		}
		m[num] = name
	}
	return m
}()

func (AMD64) Architecture() string { return "amd64" }

func (AMD64) NameToDwarf(name string) (int, bool) {
	n, ok := amd64NameToNum[name]
	return n, ok
}

func (AMD64) DwarfToName(num int) (string, bool) {
	n, ok := amd64NumToName[num]
	return n, ok
}

func (AMD64) RAReg() int { return amd64RA }
func (AMD64) SPReg() int { return amd64RSP }
func (AMD64) FPReg() int { return amd64RBP }

func (AMD64) MaxRegNum() int { return amd64MaxRegs }

func (AMD64) StackGrowsDown() bool { return true }

// CreateTable builds the per-frame register table from a raw thread
// snapshot, mirroring register_map.py's create_register_table: every
// general-purpose register is copied in by name, cfa is seeded from
// rsp, and pc (and the RA slot) is seeded from rip.
func (m AMD64) CreateTable(raw *core.RawThread) (*Table, error) {
	t := NewTable()
	for name, num := range amd64NameToNum {
		if name == "ra" {
			continue
		}
		v, ok := raw.Regs[name]
		if !ok {
			continue
		}
		t.Set(num, v)
	}
	rip, ok := raw.Regs["rip"]
	if !ok {
		return nil, fmt.Errorf("raw thread snapshot missing rip")
	}
	rsp, ok := raw.Regs["rsp"]
	if !ok {
		return nil, fmt.Errorf("raw thread snapshot missing rsp")
	}
	t.Set(amd64RA, rip)
	t.PC = rip
	t.CFA = rsp
	return t, nil
}
