// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package core reads the address space of a debugging target — an ELF
// core dump or a live, ptrace-attached process — and exposes it as a
// flat, randomly addressable byte stream.
//
// There's nothing debugger-specific about this layer: it knows about
// load segments and page tables, not about DWARF or registers. See
// ../procmodel for the next layer up, which turns a core dump or a
// live process into threads, registers and frames.
package core

import (
	"errors"
	"fmt"
)

// Address is a virtual address in the inferior's address space.
type Address uint64

// Sub returns a-b.
func (a Address) Sub(b Address) int64 {
	return int64(a - b)
}

// Add returns a+b.
func (a Address) Add(b int64) Address {
	return a + Address(b)
}

var (
	// ErrAddressUnmapped is returned when an address has no backing mapping.
	ErrAddressUnmapped = errors.New("address not mapped")
	// ErrInvalidReadSize is returned when ReadInt is asked for a size other
	// than 1, 2, 4 or 8 bytes.
	ErrInvalidReadSize = errors.New("invalid integer read size")
)

// UnmappedError wraps ErrAddressUnmapped with the offending address so
// callers that care can recover it with errors.As.
type UnmappedError struct {
	Addr Address
}

func (e *UnmappedError) Error() string {
	return fmt.Sprintf("address %#x not mapped", uint64(e.Addr))
}

func (e *UnmappedError) Unwrap() error { return ErrAddressUnmapped }

// AddressSpace is a read-only view of a target's virtual memory. It is
// satisfied both by a core dump (segments backed by file offsets into
// the core and, for pages that weren't dumped, the original executable
// or a mapped shared library) and by a live, ptrace-attached process
// (segments backed by /proc/<pid>/mem).
type AddressSpace interface {
	// Read reads size bytes starting at address. It never spans two
	// disjoint mappings: size must fit entirely within one mapping or
	// Read fails with an *UnmappedError.
	Read(address Address, size int64) ([]byte, error)

	// ReadInt reads a little-endian unsigned integer of the given
	// size (1, 2, 4 or 8) at address.
	ReadInt(address Address, size int64) (uint64, error)

	// Mappings lists the address space's mappings, sorted by address.
	Mappings() []*Mapping
}

// decodeLittleEndian is a convenience shared by both AddressSpace
// implementations: given the raw bytes of an integer read, decode
// them little-endian and validate the size.
func decodeLittleEndian(b []byte, size int64) (uint64, error) {
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(b[0]) | uint64(b[1])<<8, nil
	case 4:
		return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24, nil
	case 8:
		var v uint64
		for i := 7; i >= 0; i-- {
			v = v<<8 | uint64(b[i])
		}
		return v, nil
	default:
		return 0, ErrInvalidReadSize
	}
}
