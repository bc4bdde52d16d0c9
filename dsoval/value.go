// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dsoval provides a reflective façade ("Data Structure
// Object") over a typegraph.DIE: struct/union/typedef field
// navigation, array indexing, and scalar value reads through an
// address space. Grounded directly on data_structures.py's
// DataStructureObject/_DsoInternal, re-architected as an explicit Go
// interface instead of Python's __getattr__/__getitem__ interception
// (see SPEC_FULL.md §4.6/§9).
package dsoval

import (
	"debug/dwarf"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/samueldotj/pycdb/core"
	"github.com/samueldotj/pycdb/regmap"
	"github.com/samueldotj/pycdb/typegraph"
)

var (
	// ErrFieldNotFound is returned by Field for an unknown member name.
	ErrFieldNotFound = errors.New("field not found")
	// ErrIndexOutOfRange is returned by Index for k outside [0, upperBound].
	ErrIndexOutOfRange = errors.New("array index out of range")
	// ErrNotAddressable is returned by ReadScalar when no address could
	// be established for the value (e.g. an optimized-out variable).
	ErrNotAddressable = errors.New("value has no known address")
)

// Kind classifies the navigational shape of a Value.
type Kind int

const (
	KindScalar Kind = iota
	KindAggregate
	KindArray
	KindPointer
)

// Value is the reflective navigation surface over one DSO instance.
type Value interface {
	Field(name string) (Value, error)
	Index(k int64) (Value, error)
	Sizeof() int64
	Offsetof(field string) (int64, error)
	Address() (core.Address, bool)
	ReadScalar() ([]byte, error)
	Kind() Kind
	Name() string
	DIE() *typegraph.DIE
}

// dso is the concrete Value implementation.
type dso struct {
	reg  *Registry
	name string
	die  *typegraph.DIE

	baseType *dso // canonical DSO of the effective (qualifier-stripped) base type

	byteOffset int64 // offset from the enclosing aggregate
	byteSize   int64
	bitOffset  int64
	bitSize    int64

	memoryOffset    core.Address
	hasMemoryOffset bool

	parent *dso

	childrenLinked bool
	children       map[string]*dso
	childOrder     []string

	cachedValue    []byte
	hasCachedValue bool
}

func (d *dso) Name() string           { return d.name }
func (d *dso) DIE() *typegraph.DIE    { return d.die }
func (d *dso) Sizeof() int64 {
	if d.byteSize != 0 {
		return d.byteSize
	}
	if d.baseType != nil {
		return d.baseType.Sizeof()
	}
	return 0
}

func (d *dso) Kind() Kind {
	switch {
	case d.die.IsArray() || (d.die.BaseType() != nil && d.die.BaseType().IsArray()):
		return KindArray
	case d.die.IsPointer():
		return KindPointer
	case d.die.IsContainer():
		return KindAggregate
	default:
		return KindScalar
	}
}

// getParent lazily resolves and caches this DSO's parent by asking
// its DIE's parent for its own canonical DSO, mirroring
// DataStructureObject._get_parent.
func (d *dso) getParent() *dso {
	if d.parent != nil {
		return d.parent
	}
	pd := d.die.Parent
	if pd == nil {
		return nil
	}
	d.parent = d.reg.canonical(pd)
	return d.parent
}

// clone produces an independent copy of d with byte_offset/memory_offset
// adjusted for a new position within an aggregate, exactly as
// DataStructureObject._clone does; the original is never mutated.
func (d *dso) clone(parentOffset int64, address core.Address, hasAddress bool) *dso {
	c := &dso{
		reg:             d.reg,
		name:            d.name,
		die:             d.die,
		baseType:        d.baseType,
		byteOffset:      parentOffset + d.byteOffset,
		byteSize:        d.byteSize,
		bitOffset:       d.bitOffset,
		bitSize:         d.bitSize,
		memoryOffset:    address,
		hasMemoryOffset: hasAddress,
		parent:          d,
	}
	return c
}

// linkChildren populates d.children the first time any field is
// requested, cloning each child DIE's canonical DSO with this
// aggregate's offset/address folded in. Anonymous members are named
// _1, _2, ... in encounter order (data_structures.py's same scheme).
func (d *dso) linkChildren(address core.Address, hasAddress bool) {
	d.children = make(map[string]*dso)
	unique := 0
	for _, child := range d.die.Children {
		childDSO := d.reg.canonical(child)
		var childAddr core.Address
		if hasAddress {
			childAddr = address + core.Address(childDSO.byteOffset)
		}
		cl := childDSO.clone(d.byteOffset, childAddr, hasAddress)
		name := cl.name
		if name == "" {
			unique++
			name = fmt.Sprintf("_%d", unique)
		}
		d.children[name] = cl
		d.childOrder = append(d.childOrder, name)
	}
	d.childrenLinked = true
}

// getMember is the recursive member lookup shared by Field and
// Offsetof: direct children first, then (for pointers and nested
// containers) transparent promotion through a single level of
// indirection/aggregation, matching
// DataStructureObject._get_member. addr/hasAddr is d's own resolved
// address, threaded through the promotion recursion (as
// DataStructureObject._get_member(item, address) threads it via
// `address + btype._internal.byte_offset`) so a field reached through
// a nested aggregate resolves its address relative to the rooted
// instance instead of the address-less canonical base type.
func (d *dso) getMember(item string, addr core.Address, hasAddr bool) (*dso, error) {
	if !d.childrenLinked {
		d.linkChildren(addr, hasAddr)
	}
	if m, ok := d.children[item]; ok {
		return m, nil
	}

	bt := d.baseType
	if bt == nil {
		return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, item)
	}
	for bt != nil && bt.die.IsPointer() {
		bt = bt.baseType
	}
	if bt != nil && bt.die.IsContainer() {
		btAddr := addr
		if hasAddr {
			btAddr += core.Address(bt.byteOffset)
		}
		return bt.getMember(item, btAddr, hasAddr)
	}
	return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, item)
}

func (d *dso) Field(name string) (Value, error) {
	addr, ok := d.Address()
	m, err := d.getMember(name, addr, ok)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (d *dso) Offsetof(field string) (int64, error) {
	addr, ok := d.Address()
	m, err := d.getMember(field, addr, ok)
	if err != nil {
		return 0, err
	}
	return m.byteOffset, nil
}

// Index returns the k'th array element. Valid only when this DSO's
// effective type is an array.
func (d *dso) Index(k int64) (Value, error) {
	// UpperBound reports the element count, so the last valid index is ub-1.
	ub := d.die.UpperBound()
	if k < 0 || (ub != -1 && k >= ub) {
		return nil, ErrIndexOutOfRange
	}
	if d.baseType == nil {
		return nil, fmt.Errorf("%w: not an array", ErrIndexOutOfRange)
	}
	offset := d.baseType.Sizeof() * k
	elem := d.clone(offset, 0, false)
	// The element's parent is d, whose address already includes
	// d.byteOffset, so the element's own offset is just k*sizeof.
	elem.byteOffset = offset
	elem.die = cloneDIEForElement(d.die)
	return elem, nil
}

// cloneDIEForElement returns the array's own DIE unchanged; no DIE is
// copied or mutated. The element's upper bound is therefore not reset:
// an indexed element carries the array's DIE and declared bound, so
// its Kind() reports KindArray and Index accepts it as an array.
func cloneDIEForElement(d *typegraph.DIE) *typegraph.DIE {
	return d
}

// Address resolves this DSO's absolute target address: cached
// memory_offset, else (for a DW_TAG_variable) its DW_AT_location
// evaluated with no registers/frame, else its parent's address plus
// this DSO's byte offset.
func (d *dso) Address() (core.Address, bool) {
	if d.hasMemoryOffset {
		return d.memoryOffset, true
	}
	if d.die.IsVariable() {
		v, ok, err := typegraph.DecodeDIEExpression(d.die, dwarf.AttrLocation, 0, nil, d.reg.space, nil)
		if err != nil || !ok {
			return 0, false
		}
		d.memoryOffset = core.Address(v)
		d.hasMemoryOffset = true
		return d.memoryOffset, true
	}
	p := d.getParent()
	if p == nil {
		return 0, false
	}
	paddr, ok := p.Address()
	if !ok {
		return 0, false
	}
	return paddr + core.Address(d.byteOffset), true
}

// ReadScalar reads this DSO's bytes from the address space, caching
// the result.
func (d *dso) ReadScalar() ([]byte, error) {
	if d.hasCachedValue {
		return d.cachedValue, nil
	}
	addr, ok := d.Address()
	if !ok {
		return nil, ErrNotAddressable
	}
	b, err := d.reg.space.Read(addr, d.Sizeof())
	if err != nil {
		return nil, err
	}
	d.cachedValue = b
	d.hasCachedValue = true
	return b, nil
}

// cloneKey identifies a DSO clone in the registry's bounded cache:
// the DIE it represents plus the address it was bound to (the
// resolved address for Local, 0 for Global).
type cloneKey struct {
	die     *typegraph.DIE
	address core.Address
}

// Registry owns the canonical per-DIE DSO objects and a bounded cache
// of navigated clones, playing the role of PyDie._dso/get_dso's
// memoization but without an unbounded process-lifetime map (see
// SPEC_FULL.md §4.6).
type Registry struct {
	space      core.AddressSpace
	canonicals map[*typegraph.DIE]*dso
	clones     *lru.Cache
}

// NewRegistry constructs a Registry reading target memory through
// space, caching up to cacheSize navigated clones.
func NewRegistry(space core.AddressSpace, cacheSize int) (*Registry, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	c, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Registry{space: space, canonicals: make(map[*typegraph.DIE]*dso), clones: c}, nil
}

// Space returns the address space this registry reads target memory
// through, for callers (such as the frame-base expression evaluator)
// that need it alongside a Registry.
func (r *Registry) Space() core.AddressSpace { return r.space }

// canonical returns (building once) the DIE's own, address-less DSO.
func (r *Registry) canonical(d *typegraph.DIE) *dso {
	if v, ok := r.canonicals[d]; ok {
		return v
	}
	var base *dso
	bt := d.BaseType()
	for bt != nil && (bt.IsConst() || bt.IsVolatile()) {
		bt = bt.BaseType()
	}
	if bt != nil && !bt.IsPointer() {
		base = r.canonical(bt)
	}
	v := &dso{
		reg:        r,
		name:       d.Name,
		die:        d,
		baseType:   base,
		byteOffset: d.ByteOffset,
		byteSize:   d.Size,
		bitOffset:  d.BitOffset,
		bitSize:    d.BitSize,
	}
	r.canonicals[d] = v
	return v
}

// ForDIE returns the canonical, address-less Value for a DIE — the
// Go equivalent of calling .get_dso() on a PyDie with no live target
// bound yet (useful for `whatis`-style type description without a
// variable).
func (r *Registry) ForDIE(d *typegraph.DIE) Value {
	return r.canonical(d)
}

// Global returns the Value for a top-level (non-local) variable DIE,
// resolving its address from DW_AT_location with no frame context.
func (r *Registry) Global(d *typegraph.DIE) (Value, error) {
	key := cloneKey{die: d}
	if v, ok := r.clones.Get(key); ok {
		return v.(*dso), nil
	}
	canon := r.canonical(d)
	addr, ok := canon.Address()
	if !ok {
		return nil, fmt.Errorf("no address for variable %q", d.Name)
	}
	clone := canon.clone(0, addr, true)
	r.clones.Add(key, clone)
	return clone, nil
}

// Local returns the Value for a variable or formal-parameter DIE
// local to a stack frame, resolving its address (or, for a
// register-resident value, its register) against the frame's
// registers and frame base at ip.
func (r *Registry) Local(d *typegraph.DIE, ip uint64, regs *regmap.Table, frameBase *uint64) (Value, error) {
	addr, ok, err := typegraph.DecodeDIEExpression(d, dwarf.AttrLocation, ip, regs, r.space, frameBase)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no location for %q at pc %#x", d.Name, ip)
	}
	key := cloneKey{die: d, address: core.Address(addr)}
	if v, ok := r.clones.Get(key); ok {
		return v.(*dso), nil
	}
	canon := r.canonical(d)
	clone := canon.clone(0, core.Address(addr), true)
	r.clones.Add(key, clone)
	return clone, nil
}
