// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package typegraph

import (
	"debug/dwarf"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/samueldotj/pycdb/dwarfexpr"
	"github.com/sirupsen/logrus"
)

// CU is one parsed compilation unit: every DIE it contains, indexed
// both by offset (for DW_AT_type-style cross references) and by name
// (collisions keep a list, matching PyCompileUnit.die_hash).
type CU struct {
	Graph    *Graph
	TopDIE   *DIE
	Offset   dwarf.Offset
	byOffset map[dwarf.Offset]*DIE
	byName   map[string][]*DIE
}

// DIEsNamed returns every DIE in this CU declared with the given
// name (a struct tag and a variable can legitimately share a name).
func (cu *CU) DIEsNamed(name string) []*DIE {
	return cu.byName[name]
}

// DIEAt returns the DIE at the given offset within this CU, if any.
func (cu *CU) DIEAt(off dwarf.Offset) (*DIE, bool) {
	d, ok := cu.byOffset[off]
	return d, ok
}

// Graph owns the lazily-parsed, LRU-bounded set of compilation units
// for one DWARF data source. Bounding the cache (rather than keeping
// every CU forever, as a plain map would) keeps working-set size
// proportional to how much of the binary's debug info has actually
// been walked recently, not to the whole binary; a CU that falls out
// is simply reparsed from debug/dwarf on next use; see SPEC_FULL.md §4.5.
type Graph struct {
	data *dwarf.Data
	loc  *locListSection // .debug_loc bytes, nil if unavailable
	log  *logrus.Entry

	mu  sync.Mutex
	cus *lru.Cache // dwarf.Offset -> *CU
}

// New builds a Graph over data. debugLoc is the raw contents of the
// .debug_loc section (DWARF <= 4 location lists); pass nil if the
// binary has none or if only single-location DW_AT_location
// attributes are needed. cacheSize bounds how many CUs stay resident.
func New(data *dwarf.Data, debugLoc []byte, cacheSize int, log *logrus.Entry) (*Graph, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cacheSize <= 0 {
		cacheSize = 32
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	var loc *locListSection
	if len(debugLoc) > 0 {
		loc = &locListSection{data: debugLoc}
	}
	return &Graph{data: data, loc: loc, log: log, cus: cache}, nil
}

// CUContaining returns the compilation unit whose low/high PC range
// covers pc, parsing it on first access.
func (g *Graph) CUContaining(pc uint64) (*CU, error) {
	r := g.data.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, fmt.Errorf("no compilation unit covers pc %#x", pc)
		}
		if e.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		low, high, ok := cuPCRange(g.data, e)
		r.SkipChildren()
		if !ok || pc < low || pc >= high {
			continue
		}
		return g.cuAt(e.Offset, e)
	}
}

// cuPCRange computes [low,high) for a compile-unit DIE, handling both
// a direct DW_AT_high_pc address and the DWARF4 constant-offset form.
func cuPCRange(data *dwarf.Data, e *dwarf.Entry) (low, high uint64, ok bool) {
	lowv, ok1 := e.Val(dwarf.AttrLowpc).(uint64)
	if !ok1 {
		return 0, 0, false
	}
	switch h := e.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		return lowv, h, true
	case int64:
		return lowv, lowv + uint64(h), true
	}
	return 0, 0, false
}

// cuAt parses (or fetches from cache) the CU whose top DIE is at off.
func (g *Graph) cuAt(off dwarf.Offset, top *dwarf.Entry) (*CU, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.cus.Get(off); ok {
		return v.(*CU), nil
	}
	cu := &CU{Offset: off, byOffset: make(map[dwarf.Offset]*DIE), byName: make(map[string][]*DIE)}
	cu.Graph = g

	r := g.data.Reader()
	r.Seek(off)
	topEntry, err := r.Next()
	if err != nil {
		return nil, err
	}
	if topEntry == nil {
		return nil, fmt.Errorf("no entry at offset %#x", off)
	}
	cu.TopDIE = g.buildDIE(cu, topEntry, nil)

	if err := g.parseChildren(cu, r, cu.TopDIE); err != nil {
		return nil, err
	}

	g.cus.Add(off, cu)
	return cu, nil
}

// CUAt is the exported form of cuAt for callers (e.g. symtab, frame
// population) that already located a CU's top-level entry offset
// through some other means (an address-range scan, a saved handle).
func (g *Graph) CUAt(off dwarf.Offset) (*CU, error) {
	r := g.data.Reader()
	r.Seek(off)
	e, err := r.Next()
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("no entry at offset %#x", off)
	}
	return g.cuAt(off, e)
}

func (g *Graph) parseChildren(cu *CU, r *dwarf.Reader, parent *DIE) error {
	for {
		e, err := r.Next()
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}
		if e.Tag == 0 {
			// end of this sibling chain
			return nil
		}
		d := g.buildDIE(cu, e, parent)
		if e.Children {
			if err := g.parseChildren(cu, r, d); err != nil {
				return err
			}
		}
	}
}

func (g *Graph) buildDIE(cu *CU, e *dwarf.Entry, parent *DIE) *DIE {
	d := &DIE{
		CU:         cu,
		Offset:     e.Offset,
		Tag:        e.Tag,
		Parent:     parent,
		entry:      e,
		childNames: make(map[string][]*DIE),
	}
	if name, ok := e.Val(dwarf.AttrName).(string); ok {
		d.Name = name
	}
	if sz, ok := e.Val(dwarf.AttrByteSize).(int64); ok {
		d.Size = sz
	}
	if enc, ok := e.Val(dwarf.AttrEncoding).(int64); ok {
		d.Encoding = enc
	}
	if ub, ok := e.Val(dwarf.AttrUpperBound).(int64); ok {
		d.upperBound = ub
		d.hasUpperBound = true
	}
	if bs, ok := e.Val(dwarf.AttrBitSize).(int64); ok {
		d.BitSize = bs
	}
	if bo, ok := e.Val(dwarf.AttrBitOffset).(int64); ok {
		d.BitOffset = bo
	}
	if ln, ok := e.Val(dwarf.AttrDeclLine).(int64); ok {
		d.LineNumber = ln
	}
	if to, ok := e.Val(dwarf.AttrType).(dwarf.Offset); ok {
		d.baseTypeOffset = to
		d.hasBaseType = true
	}

	if e.Tag == dwarf.TagMember {
		if loc := e.Val(dwarf.AttrDataMemberLoc); loc != nil {
			d.ByteOffset = decodeMemberLocation(loc, g.log)
		}
	}

	cu.byOffset[e.Offset] = d
	cu.byName[d.Name] = append(cu.byName[d.Name], d)
	if parent != nil {
		if d.Name == "" {
			parent.Children = append(parent.Children, d)
		} else {
			parent.Children = append(parent.Children, d)
			parent.childNames[d.Name] = append(parent.childNames[d.Name], d)
		}
	}
	return d
}

// decodeMemberLocation evaluates a DW_AT_data_member_location
// attribute that is restricted, as in data_structures.py's
// LocExprDecoder, to the single opcode real-world non-bitfield
// members use: DW_OP_plus_uconst. A block-form attribute holding any
// other opcode is logged and ignored (byte offset stays 0); a bare
// integer constant (the common DWARF form for non-virtual-inheritance
// members) is used directly.
func decodeMemberLocation(loc interface{}, log *logrus.Entry) int64 {
	switch v := loc.(type) {
	case int64:
		return v
	case []byte:
		if len(v) == 0 {
			return 0
		}
		const dwOpPlusUconst = 0x23
		if v[0] != dwOpPlusUconst {
			log.Errorf("don't know how to process member-location opcode %#x", v[0])
			return 0
		}
		n, _ := dwarfexpr.DecodeUleb128(v[1:])
		return int64(n)
	default:
		return 0
	}
}
