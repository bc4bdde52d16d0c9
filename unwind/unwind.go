// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unwind

import (
	"errors"
	"fmt"

	"github.com/samueldotj/pycdb/core"
	"github.com/samueldotj/pycdb/dwarfexpr"
	"github.com/samueldotj/pycdb/regmap"
	"github.com/sirupsen/logrus"
)

// ErrUnwindTerminated is never returned by Unwind — reaching the end
// of a call stack is normal and Unwind simply stops appending frames
// (internally, frameWalk returns it to end the walk) — but is exposed for callers that want to distinguish a
// clean stop from the handful of abnormal read failures folded into
// it (a non-positive RA/PC, or a frame-pointer walk that regresses or
// hits an unmapped address).
var ErrUnwindTerminated = errors.New("unwind: terminated")

// Frame is one entry of a reconstructed call stack, innermost first.
// Regs is a private snapshot: callers may read it via Get but should
// not assume it is ever mutated again.
type Frame struct {
	PC   uint64
	CFA  uint64
	Regs *regmap.Table
}

// Unwinder reconstructs a thread's call stack from CFI rules (when
// available) with a frame-pointer-walk fallback, per the algorithm in
// build_frames (frames.py).
type Unwinder struct {
	CFI             *Table
	RegMap          regmap.RegisterMap
	Space           core.AddressSpace
	LoadAddressDiff int64
	log             *logrus.Entry
}

// New builds an Unwinder. cfi may be nil, in which case every frame
// is recovered via the frame-pointer walk.
func New(cfi *Table, rm regmap.RegisterMap, space core.AddressSpace, loadAddressDiff int64, log *logrus.Entry) *Unwinder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Unwinder{CFI: cfi, RegMap: rm, Space: space, LoadAddressDiff: loadAddressDiff, log: log}
}

const maxFrames = 4096

// Unwind reconstructs frames starting from a thread's raw register
// snapshot, innermost frame first.
func (u *Unwinder) Unwind(raw *core.RawThread) ([]Frame, error) {
	table, err := u.RegMap.CreateTable(raw)
	if err != nil {
		return nil, err
	}

	raReg := u.RegMap.RAReg()
	spReg := u.RegMap.SPReg()
	fpReg := u.RegMap.FPReg()

	var frames []Frame
	for i := 0; i < maxFrames; i++ {
		ra, ok := table.Get(raReg)
		if !ok || int64(ra) <= 0 {
			break
		}
		ra = uint64(int64(ra) + u.LoadAddressDiff)
		table.Set(raReg, ra)
		ip := ra
		if int64(ip) <= 0 {
			break
		}

		frames = append(frames, Frame{PC: ip, CFA: table.CFA, Regs: table.Clone()})

		row, matched := u.rowFor(ip)
		if matched {
			newTable, cfa, err := u.applyRow(table, row)
			if err != nil {
				u.log.WithError(err).Debug("unwind: failed applying CFI row, stopping")
				break
			}
			newTable.PC = ip
			newTable.CFA = cfa
			newTable.Set(spReg, cfa)
			table = newTable
			continue
		}

		newRA, newFP, err := u.frameWalk(table, fpReg)
		if err != nil {
			break
		}
		oldFP, _ := table.Get(fpReg)
		if u.RegMap.StackGrowsDown() {
			if newFP <= oldFP {
				break
			}
		} else {
			if newFP >= oldFP {
				break
			}
		}
		// Under the frame-pointer convention the new frame's CFA sits
		// right past the saved RBP/RA pair on the old frame: oldFP + 16
		// (8 bytes of saved RBP, 8 of return address). Fold that into
		// both CFA and the SP register so the emitted frame's stack
		// pointer matches the CFI-derived case instead of carrying over
		// the innermost frame's CFA.
		newCFA := oldFP + 16
		next := table.Clone()
		next.Set(raReg, newRA)
		next.Set(fpReg, newFP)
		next.CFA = newCFA
		next.Set(spReg, newCFA)
		table = next
	}
	return frames, nil
}

func (u *Unwinder) rowFor(ip uint64) (Row, bool) {
	if u.CFI == nil {
		return Row{}, false
	}
	fde, ok := u.CFI.FDEFor(ip)
	if !ok {
		return Row{}, false
	}
	return fde.RowFor(ip)
}

// applyRow computes the CFA for row and a new register table built by
// applying each of row's RegisterRules against the prior table.
func (u *Unwinder) applyRow(prev *regmap.Table, row Row) (*regmap.Table, uint64, error) {
	cfa, err := u.evalCFA(prev, row.CFA)
	if err != nil {
		return nil, 0, err
	}

	next := regmap.NewTable()
	for reg, rule := range row.Regs {
		v, err := u.applyRule(prev, cfa, rule)
		if err != nil {
			return nil, 0, err
		}
		next.Set(reg, v)
	}
	return next, cfa, nil
}

func (u *Unwinder) evalCFA(regs *regmap.Table, rule CFARule) (uint64, error) {
	switch rule.Kind {
	case CFARegisterOffset:
		base, ok := regs.Get(rule.Reg)
		if !ok {
			return 0, fmt.Errorf("unwind: CFA register %d not present in table", rule.Reg)
		}
		return uint64(int64(base) + rule.Offset), nil
	case CFAExpression:
		ev := dwarfexpr.New(u.Space, regs, nil, u.log)
		return ev.Eval(rule.Expr)
	default:
		return 0, fmt.Errorf("unwind: unknown CFA rule kind %d", rule.Kind)
	}
}

func (u *Unwinder) applyRule(prev *regmap.Table, cfa uint64, rule RegisterRule) (uint64, error) {
	switch rule.Kind {
	case RuleUndefined, RuleSameValue:
		return 0, nil
	case RuleOffset:
		addr := core.Address(int64(cfa) + rule.Offset)
		return u.Space.ReadInt(addr, 8)
	case RuleValOffset:
		return uint64(int64(cfa) + rule.Offset), nil
	case RuleRegister:
		v, _ := prev.Get(rule.Reg)
		return v, nil
	case RuleExpression:
		ev := dwarfexpr.New(u.Space, prev, nil, u.log)
		addr, err := ev.Eval(rule.Expr)
		if err != nil {
			return 0, err
		}
		return u.Space.ReadInt(core.Address(addr), 8)
	case RuleValExpr:
		ev := dwarfexpr.New(u.Space, prev, nil, u.log)
		return ev.Eval(rule.Expr)
	default:
		return 0, fmt.Errorf("unwind: unknown register rule kind %d", rule.Kind)
	}
}

// frameWalk performs the classic %rbp-chain fallback: RA <- *(RBP+8),
// RBP <- *RBP.
func (u *Unwinder) frameWalk(table *regmap.Table, fpReg int) (newRA uint64, newFP uint64, err error) {
	fp, ok := table.Get(fpReg)
	if !ok || int64(fp) <= 0 {
		return 0, 0, ErrUnwindTerminated
	}
	ra, err := u.Space.ReadInt(core.Address(fp+8), 8)
	if err != nil {
		return 0, 0, err
	}
	newFPVal, err := u.Space.ReadInt(core.Address(fp), 8)
	if err != nil {
		return 0, 0, err
	}
	return ra, newFPVal, nil
}
