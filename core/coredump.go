// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RawThread is one OS thread's register snapshot as recovered from an
// NT_PRSTATUS note (core dump) or a ptrace GETREGS call (live
// process), keyed by canonical, lower-case register name (rax, rbx,
// ..., rip, rsp, rbp, cs, ss, ds, es, fs, gs, fs_base, gs_base,
// eflags, orig_rax). The regmap package turns this into a
// DWARF-numbered RegisterTable.
type RawThread struct {
	Pid  uint64
	Regs map[string]uint64
}

// CoreImage is the result of opening a core dump: an address space
// plus the ancillary facts (architecture, entry point, threads,
// program arguments, open file handles for further symbol/DWARF
// reading) recovered from its ELF headers and notes.
type CoreImage struct {
	Space *mappedSpace

	Arch      string // amd64, 386, arm64, ...
	PtrSize   int64
	ByteOrder binary.ByteOrder

	EntryPoint   Address
	LoadedEntry  Address // AT_ENTRY from the core's auxv, same as EntryPoint for core dumps
	Threads      []RawThread
	Args         string // trimmed pr_psargs from NT_PRPSINFO
	MainExecName string

	// Exe is the user-supplied symbol file, or nil if the caller didn't
	// supply one and relied entirely on NT_FILE mappings.
	Exe *os.File
	// Files holds every file opened while resolving NT_FILE mappings,
	// keyed by the name recorded in the core. MainExecName indexes into
	// this map when Exe is nil.
	Files map[string]*os.File

	Warnings []string
}

type openFile struct {
	f   *os.File
	err error
}

// coreBuilder accumulates state while OpenCore walks the ELF headers;
// CoreImage is its frozen, public result.
type coreBuilder struct {
	base string
	exe  *os.File

	files        map[string]*openFile
	mainExecName string

	entryPoint Address
	mappings   []*Mapping
	threads    []RawThread

	arch      string
	ptrSize   int64
	byteOrder binary.ByteOrder
	args      string

	warnings []string
}

// OpenCore reads an ELF core dump (and, optionally, a separately
// supplied symbol file for the main executable) and returns the
// resulting address space and ancillary facts. base is the directory
// other mapped files (shared libraries) are resolved relative to.
func OpenCore(coreFile, base, exePath string) (*CoreImage, error) {
	core, err := os.Open(coreFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open core file: %v", err)
	}

	b := &coreBuilder{base: base, files: make(map[string]*openFile)}
	if exePath != "" {
		bin, err := os.Open(exePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open executable file: %v", err)
		}
		b.exe = bin
	}

	if err := b.readExec(b.exe); err != nil {
		return nil, err
	}
	if err := b.readCore(core); err != nil {
		return nil, err
	}

	// Sort then merge mappings.
	sort.Slice(b.mappings, func(i, j int) bool { return b.mappings[i].min < b.mappings[j].min })
	merged := b.mappings[:0]
	for _, m := range b.mappings {
		if len(merged) > 0 {
			k := merged[len(merged)-1]
			if m.min == k.max && m.perm == k.perm && m.f == k.f && (k.f == nil || m.off == k.off+k.Size()) {
				k.max = m.max
				continue
			}
		}
		merged = append(merged, m)
	}
	b.mappings = merged

	space := &mappedSpace{}
	for _, m := range b.mappings {
		if m.f == nil {
			b.warnings = append(b.warnings,
				fmt.Sprintf("missing data at addresses [%x %x]; assuming all zero", m.min, m.max))
			m.contents = make([]byte, m.Size())
		} else if m.perm&Write != 0 && m.f != core {
			b.warnings = append(b.warnings,
				fmt.Sprintf("writeable data at [%x %x] missing from core; using possibly stale source %s", m.min, m.max, m.f.Name()))
		}
		if err := space.addMapping(m); err != nil {
			return nil, err
		}
	}

	files := make(map[string]*os.File, len(b.files))
	for name, f := range b.files {
		files[name] = f.f
	}

	return &CoreImage{
		Space:        space,
		Arch:         b.arch,
		PtrSize:      b.ptrSize,
		ByteOrder:    b.byteOrder,
		EntryPoint:   b.entryPoint,
		LoadedEntry:  b.entryPoint,
		Threads:      b.threads,
		Args:         b.args,
		MainExecName: b.mainExecName,
		Exe:          b.exe,
		Files:        files,
		Warnings:     b.warnings,
	}, nil
}

func (b *coreBuilder) readExec(exe *os.File) error {
	if exe == nil {
		return nil
	}
	e, err := elf.NewFile(exe)
	if err != nil {
		return err
	}
	for _, prog := range e.Progs {
		if prog.Type == elf.PT_LOAD {
			if err := b.readLoad(exe, e, prog); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *coreBuilder) readCore(core *os.File) error {
	e, err := elf.NewFile(core)
	if err != nil {
		return err
	}
	if e.Type != elf.ET_CORE {
		return fmt.Errorf("%s is not a core file", core.Name())
	}
	switch e.Class {
	case elf.ELFCLASS32:
		b.ptrSize = 4
	case elf.ELFCLASS64:
		b.ptrSize = 8
	default:
		return fmt.Errorf("unknown elf class %s", e.Class)
	}
	switch e.Machine {
	case elf.EM_386:
		b.arch = "386"
	case elf.EM_X86_64:
		b.arch = "amd64"
	case elf.EM_ARM:
		b.arch = "arm"
	case elf.EM_AARCH64:
		b.arch = "arm64"
	default:
		return fmt.Errorf("unsupported arch %s", e.Machine)
	}
	b.byteOrder = e.ByteOrder

	for _, prog := range e.Progs {
		if prog.Type == elf.PT_LOAD {
			if err := b.readLoad(core, e, prog); err != nil {
				return err
			}
		}
	}
	for _, prog := range e.Progs {
		if prog.Type == elf.PT_NOTE {
			if err := b.readNote(core, e, prog.Off, prog.Filesz); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *coreBuilder) readLoad(f *os.File, e *elf.File, prog *elf.Prog) error {
	min := Address(prog.Vaddr)
	max := min.Add(int64(prog.Memsz))
	var perm Perm
	if prog.Flags&elf.PF_R != 0 {
		perm |= Read
	}
	if prog.Flags&elf.PF_W != 0 {
		perm |= Write
	}
	if prog.Flags&elf.PF_X != 0 {
		perm |= Exec
	}
	if perm == 0 {
		return nil
	}
	if prog.Filesz > 0 {
		b.mappings = append(b.mappings, &Mapping{min: min, max: min.Add(int64(prog.Filesz)), perm: perm, f: f, off: int64(prog.Off)})
	}
	if prog.Filesz < prog.Memsz {
		b.mappings = append(b.mappings, &Mapping{min: min.Add(int64(prog.Filesz)), max: max, perm: perm})
	}
	return nil
}

// NT_FILE and NT_AUXV aren't in debug/elf's NType constant set.
const (
	ntFile elf.NType = 0x46494c45
	ntAuxv elf.NType = 0x6
)

func (b *coreBuilder) readNote(f *os.File, e *elf.File, off, size uint64) error {
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, int64(off)); err != nil {
		return err
	}
	for len(buf) > 0 {
		namesz := e.ByteOrder.Uint32(buf)
		buf = buf[4:]
		descsz := e.ByteOrder.Uint32(buf)
		buf = buf[4:]
		typ := elf.NType(e.ByteOrder.Uint32(buf))
		buf = buf[4:]
		name := string(buf[:namesz-1])
		buf = buf[(namesz+3)/4*4:]
		desc := buf[:descsz]
		buf = buf[(descsz+3)/4*4:]

		if name != "CORE" {
			continue
		}
		switch typ {
		case ntFile:
			if err := b.readNTFile(e, desc); err != nil {
				return fmt.Errorf("reading NT_FILE: %v", err)
			}
		case elf.NT_PRSTATUS:
			if err := b.readPRStatus(e, desc); err != nil {
				return fmt.Errorf("reading NT_PRSTATUS: %v", err)
			}
		case elf.NT_PRPSINFO:
			if err := b.readPRPSInfo(desc); err != nil {
				return fmt.Errorf("reading NT_PRPSINFO: %v", err)
			}
		case ntAuxv:
			if entry, ok := findEntryPoint(desc, e.ByteOrder); ok {
				b.entryPoint = entry
			}
		}
	}
	return nil
}

// findEntryPoint extracts AT_ENTRY from an auxiliary vector note. The
// auxv tag numbering is architecture independent; only the register
// layout elsewhere in this package is amd64-specific.
func findEntryPoint(auxvDesc []byte, order binary.ByteOrder) (Address, bool) {
	const atEntry = 9
	buf := bytes.NewBuffer(auxvDesc)
	for buf.Len() >= 16 {
		var tag, val uint64
		if err := binary.Read(buf, order, &tag); err != nil {
			return 0, false
		}
		if err := binary.Read(buf, order, &val); err != nil {
			return 0, false
		}
		if tag == atEntry {
			return Address(val), true
		}
	}
	return 0, false
}

func (b *coreBuilder) readNTFile(e *elf.File, desc []byte) error {
	count := e.ByteOrder.Uint64(desc)
	desc = desc[8:]
	pagesize := e.ByteOrder.Uint64(desc)
	desc = desc[8:]
	filenames := string(desc[3*8*count:])
	desc = desc[:3*8*count]

	for i := uint64(0); i < count; i++ {
		min := Address(e.ByteOrder.Uint64(desc))
		desc = desc[8:]
		max := Address(e.ByteOrder.Uint64(desc))
		desc = desc[8:]
		off := int64(e.ByteOrder.Uint64(desc) * pagesize)
		desc = desc[8:]

		var name string
		if j := strings.IndexByte(filenames, 0); j >= 0 {
			name = filenames[:j]
			filenames = filenames[j+1:]
		} else {
			name = filenames
			filenames = ""
		}

		b.splitMappingsAt(min)
		b.splitMappingsAt(max)
		for _, m := range b.mappings {
			if m.max <= min || m.min >= max {
				continue
			}
			if !(m.min >= min && m.max <= max) {
				return fmt.Errorf("mapping overlaps end of NT_FILE region")
			}
			f, err := b.openMappedFile(name, m)
			if err != nil {
				b.warnings = append(b.warnings, fmt.Sprintf("missing data for [%x %x]: %s; assuming all zero", m.min, m.max, err))
			}
			if m.f == nil {
				m.f = f
				m.off = off + m.min.Sub(min)
			} else {
				m.origF = f
				m.origOff = off + m.min.Sub(min)
			}
		}
	}
	return nil
}

func (b *coreBuilder) openMappedFile(fname string, m *Mapping) (*os.File, error) {
	if fname == "" {
		return nil, nil
	}
	if backing, ok := b.files[fname]; ok {
		return backing.f, backing.err
	}
	backing := &openFile{}

	isMainExe := m.perm&Exec != 0 && b.mainExecName == ""
	if b.entryPoint != 0 && m.Min() <= b.entryPoint && b.entryPoint < m.Max() {
		isMainExe = true
	}

	if !isMainExe {
		backing.f, backing.err = os.Open(filepath.Join(b.base, fname))
	} else {
		b.mainExecName = fname
		if b.exe != nil {
			backing.f, backing.err = b.exe, nil
		} else {
			backing.f, backing.err = os.Open(filepath.Join(b.base, fname))
		}
	}
	b.files[fname] = backing
	return backing.f, backing.err
}

// splitMappingsAt ensures a is not in the interior of any mapping,
// splitting as necessary.
func (b *coreBuilder) splitMappingsAt(a Address) {
	for _, m := range b.mappings {
		if a < m.min || a > m.max {
			continue
		}
		if a == m.min || a == m.max {
			return
		}
		m2 := new(Mapping)
		*m2 = *m
		m.max = a
		m2.min = a
		if m2.f != nil {
			m2.off += m.Size()
		}
		if m2.origF != nil {
			m2.origOff += m.Size()
		}
		b.mappings = append(b.mappings, m2)
		return
	}
}

// linuxPrPsInfo mirrors Linux's struct elf_prstatus's sibling,
// elf_prpsinfo, on amd64: pr_fname/pr_psargs carry the short command
// name and the first part of the argument string at dump time.
type linuxPrPsInfo struct {
	State                uint8
	Sname                int8
	Zomb                 uint8
	Nice                 int8
	_                    [4]uint8
	Flag                 uint64
	Uid, Gid             uint32
	Pid, Ppid, Pgrp, Sid int32
	Fname                [16]uint8
	Args                 [80]uint8
}

func (b *coreBuilder) readPRPSInfo(desc []byte) error {
	if b.arch != "amd64" {
		return nil
	}
	r := bytes.NewReader(desc)
	info := &linuxPrPsInfo{}
	if err := binary.Read(r, binary.LittleEndian, info); err != nil {
		return err
	}
	b.args = strings.Trim(string(info.Args[:]), "\x00 ")
	return nil
}

// readPRStatus decodes one NT_PRSTATUS note into a RawThread. Layout
// (amd64, Linux): pr_pid at byte 32, pr_reg (elf_gregset_t, 27
// uint64s) at byte 112, in the order r15,r14,r13,r12,rbp,rbx,r11,r10,
// r9,r8,rax,rcx,rdx,rsi,rdi,orig_rax,rip,cs,eflags,rsp,ss,fs_base,
// gs_base,ds,es,fs,gs.
// prstatusAmd64RegOrder is the order elf_gregset_t stores general
// purpose registers on amd64 Linux, starting at pr_reg.
var prstatusAmd64RegOrder = []string{
	"r15", "r14", "r13", "r12", "rbp", "rbx", "r11", "r10",
	"r9", "r8", "rax", "rcx", "rdx", "rsi", "rdi", "orig_rax",
	"rip", "cs", "eflags", "rsp", "ss", "fs_base", "gs_base",
	"ds", "es", "fs", "gs",
}

func (b *coreBuilder) readPRStatus(e *elf.File, desc []byte) error {
	if b.arch != "amd64" {
		return nil
	}
	t := RawThread{Regs: make(map[string]uint64, len(prstatusAmd64RegOrder))}
	t.Pid = uint64(b.byteOrder.Uint32(desc[32 : 32+4]))
	reg := desc[112 : 112+216]
	for i, name := range prstatusAmd64RegOrder {
		t.Regs[name] = b.byteOrder.Uint64(reg[i*8:])
	}
	b.threads = append(b.threads, t)
	return nil
}
