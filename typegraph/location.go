// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package typegraph

import (
	"debug/dwarf"
	"fmt"

	"github.com/samueldotj/pycdb/core"
	"github.com/samueldotj/pycdb/dwarfexpr"
	"github.com/samueldotj/pycdb/regmap"
)

// DecodeDIEExpression resolves the value of a location-bearing
// attribute (typically DW_AT_location or DW_AT_frame_base) on die,
// evaluating it against regs/aspace/frameBase at the given ip.
// Mirrors decode_die_expression from dwarf_expression_decoder.py: a
// "loclistptr"/sec_offset-form attribute is an offset into
// .debug_loc, looked up for the entry covering ip; any other form is
// itself the raw expression bytes.
func DecodeDIEExpression(die *DIE, attr dwarf.Attr, ip uint64, regs *regmap.Table, aspace core.AddressSpace, frameBase *uint64) (uint64, bool, error) {
	val := die.Val(attr)
	if val == nil {
		return 0, false, nil
	}

	var expr []byte
	switch v := val.(type) {
	case []byte:
		expr = v
	case int64:
		if die.CU.Graph.loc == nil {
			return 0, false, fmt.Errorf("attribute %v is a location-list offset but no .debug_loc section is available", attr)
		}
		base, _, ok := cuPCRange(die.CU.Graph.data, die.CU.TopDIE.entry)
		if !ok {
			base = 0
		}
		ptrSize := 8
		entries, err := die.CU.Graph.loc.entriesAt(v, base, ptrSize)
		if err != nil {
			return 0, false, err
		}
		found := false
		for _, e := range entries {
			if ip >= e.Start && ip < e.End {
				expr = e.Expr
				found = true
				break
			}
		}
		if !found {
			return 0, false, nil
		}
	default:
		return 0, false, fmt.Errorf("unexpected attribute value type %T for %v", val, attr)
	}

	ev := dwarfexpr.New(aspace, regs, frameBase, die.CU.Graph.log)
	result, err := ev.Eval(expr)
	if err != nil {
		return 0, false, err
	}
	return result, true, nil
}

// GetFunctionFrameBase evaluates fn's DW_AT_frame_base attribute
// (typically a DW_OP_call_frame_cfa or DW_OP_breg6 expression) to
// produce the frame-base value used for that function's locals'
// DW_OP_fbreg offsets.
func GetFunctionFrameBase(fn *DIE, ip uint64, regs *regmap.Table, aspace core.AddressSpace) (uint64, bool, error) {
	return DecodeDIEExpression(fn, dwarf.AttrFrameBase, ip, regs, aspace, nil)
}
