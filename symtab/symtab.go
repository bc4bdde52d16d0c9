// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symtab resolves addresses to symbols and to source
// locations (file/line), grounded on the nearest-symbol lookup in
// symbols.py and on the teacher's use of debug/dwarf's line-number
// reader in internal/gocore/dwarf.go.
package symtab

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/samueldotj/pycdb/core"
	"github.com/sirupsen/logrus"
)

// Symbol is one entry of an ELF symbol table.
type Symbol struct {
	Name  string
	Value core.Address
	Size  uint64
}

// Index is a nearest-symbol and name lookup table built from one or
// more ELF files' .symtab sections (.dynsym is not read), plus address-to-line
// resolution driven by a DWARF line-number program.
type Index struct {
	log *logrus.Entry

	byAddr []Symbol // sorted by Value
	byName map[string][]Symbol

	dwarfData *dwarf.Data
}

// New builds an Index from the given ELF files (typically the main
// executable and any shared libraries the core mapped) and an
// optional DWARF data source for addr2line.
func New(files []*elf.File, dwarfData *dwarf.Data, log *logrus.Entry) *Index {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	idx := &Index{log: log, byName: make(map[string][]Symbol), dwarfData: dwarfData}
	for _, f := range files {
		if f == nil {
			continue
		}
		syms, err := f.Symbols()
		if err != nil {
			// A stripped binary has no .symtab; this is routine, not an error.
			idx.log.WithError(err).Debug("no symbol table in file")
			continue
		}
		for _, s := range syms {
			if s.Name == "" {
				continue
			}
			sym := Symbol{Name: s.Name, Value: core.Address(s.Value), Size: s.Size}
			idx.byAddr = append(idx.byAddr, sym)
			idx.byName[s.Name] = append(idx.byName[s.Name], sym)
		}
	}
	sort.Slice(idx.byAddr, func(i, j int) bool { return idx.byAddr[i].Value < idx.byAddr[j].Value })
	return idx
}

// FindSymbol returns the symbol covering addr: the greatest symbol
// whose value is <= addr, together with the byte offset into it. If
// onlyExact is true, only an exact address match (offset 0) counts.
func (idx *Index) FindSymbol(addr core.Address, onlyExact bool) (name string, offset int64, ok bool) {
	n := len(idx.byAddr)
	i := sort.Search(n, func(i int) bool { return idx.byAddr[i].Value > addr })
	if i == 0 {
		return "", 0, false
	}
	sym := idx.byAddr[i-1]
	off := addr.Sub(sym.Value)
	if onlyExact && off != 0 {
		return "", 0, false
	}
	return sym.Name, off, true
}

// FindAddress looks up a symbol by name.
func (idx *Index) FindAddress(name string) (core.Address, bool) {
	syms, ok := idx.byName[name]
	if !ok || len(syms) == 0 {
		return 0, false
	}
	return syms[0].Value, true
}

// Addr2Line is the result of resolving an instruction address to a
// source location.
type Addr2Line struct {
	File           string
	Line           int
	Dir            string
	CompilationDir string
}

// Resolve finds the compilation unit covering ip and returns its
// nearest line-table entry. pathExists is used to probe candidate full
// paths for readability, mirroring symbols.py's addr2line fallback
// to dir='' when the include-directory-qualified path doesn't exist.
func (idx *Index) Resolve(ip core.Address, pathExists func(string) bool) (Addr2Line, bool) {
	if idx.dwarfData == nil {
		return Addr2Line{}, false
	}
	r := idx.dwarfData.Reader()
	for {
		e, err := r.Next()
		if err != nil || e == nil {
			break
		}
		if e.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		ranges, err := idx.dwarfData.Ranges(e)
		covered := false
		for _, rg := range ranges {
			if uint64(ip) >= rg[0] && uint64(ip) < rg[1] {
				covered = true
				break
			}
		}
		if err != nil || !covered {
			r.SkipChildren()
			continue
		}
		lr, err := idx.dwarfData.LineReader(e)
		if err != nil || lr == nil {
			r.SkipChildren()
			continue
		}
		var entry dwarf.LineEntry
		var best *dwarf.LineEntry
		for {
			if err := lr.Next(&entry); err != nil {
				break
			}
			if entry.Address > uint64(ip) {
				break
			}
			cp := entry
			best = &cp
		}
		if best == nil {
			r.SkipChildren()
			continue
		}
		compDir, _ := e.Val(dwarf.AttrCompDir).(string)
		dir := ""
		if best.File != nil {
			dir = bestDir(best.File)
		}
		file := ""
		if best.File != nil {
			file = best.File.Name
		}
		result := Addr2Line{File: file, Line: best.Line, Dir: dir, CompilationDir: compDir}
		if pathExists != nil && dir != "" {
			candidate := filepath.Join(compDir, dir, file)
			if !pathExists(candidate) {
				result.Dir = ""
			}
		}
		return result, true
	}
	return Addr2Line{}, false
}

func bestDir(f *dwarf.LineFile) string {
	// debug/dwarf's LineFile already folds directory + name together for
	// DWARF5 producers; for DWARF<=4 producers Name is relative to
	// whatever include directory the compiler recorded, which debug/dwarf
	// does not expose separately, so the directory component (if any)
	// of Name itself is the best available answer.
	return filepath.Dir(f.Name)
}

// DescribeMissing renders a message for when resolution comes up
// empty, for callers that want to log instead of silently degrading.
func DescribeMissing(ip core.Address) string {
	return fmt.Sprintf("no source location known for %#x", uint64(ip))
}
