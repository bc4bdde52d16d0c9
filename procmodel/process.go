// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package procmodel wires the address space, register map, symbol
// index, type graph, reflective value and unwinder packages together
// into a Process/Thread/Frame façade, grounded on internal/core's
// Process and on its Args()/Warnings() bookkeeping.
package procmodel

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"os"

	"github.com/samueldotj/pycdb/core"
	"github.com/samueldotj/pycdb/dsoval"
	"github.com/samueldotj/pycdb/regmap"
	"github.com/samueldotj/pycdb/symtab"
	"github.com/samueldotj/pycdb/typegraph"
	"github.com/samueldotj/pycdb/unwind"
	"github.com/sirupsen/logrus"
)

// ErrIO is returned when a backing image file cannot be read; per the
// propagation policy, this is the only class of failure that aborts
// construction outright rather than degrading to a warning.
var ErrIO = errors.New("procmodel: I/O failure reading image")

// Process is the top-level façade: one symbol-bearing executable (and
// its mapped shared libraries) plus either a core dump or a live
// attach, exposing per-thread frames, global/local variable lookup
// and type description.
type Process struct {
	log *logrus.Entry

	space core.AddressSpace
	regs  regmap.RegisterMap

	symbols *symtab.Index
	types   *typegraph.Graph
	values  *dsoval.Registry
	cfi     *unwind.Table

	loadAddressDiff int64

	rawThreads []core.RawThread
	args       string
	mainExec   string

	closers  []func() error
	warnings []string
}

// Thread is one raw register snapshot plus the frames unwound from
// it, lazily computed on first call to Frames.
type Thread struct {
	proc   *Process
	raw    core.RawThread
	frames []Frame
	built  bool
}

// Frame is one reconstructed stack frame, populated with as much
// symbolic information as debug info allows.
type Frame struct {
	IP, SP uint64
	Regs   *regmap.Table

	Function string
	Offset   int64
	Filename string
	Line     int

	cu   *typegraph.CU
	fn   *typegraph.DIE
	proc *Process
}

// OpenCore builds a Process from a core dump and symbol file, in the
// teacher's core.Core(coreFile, base, exePath) constructor shape.
func OpenCore(coreFile, base, exePath string, log *logrus.Entry) (*Process, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	img, err := core.OpenCore(coreFile, base, exePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	rm, err := regmap.ForArch(img.Arch)
	if err != nil {
		return nil, err
	}

	p := &Process{
		log:             log.WithField("component", "procmodel"),
		space:           img.Space,
		regs:            rm,
		rawThreads:      img.Threads,
		args:            img.Args,
		mainExec:        img.MainExecName,
		loadAddressDiff: 0,
		warnings:        img.Warnings,
	}

	var elfFiles []*elf.File
	var dwarfData *dwarf.Data
	var debugLoc []byte

	addFile := func(f *os.File) {
		if f == nil {
			return
		}
		ef, err := elf.NewFile(f)
		if err != nil {
			p.warnings = append(p.warnings, fmt.Sprintf("failed to parse %s as ELF: %v", f.Name(), err))
			return
		}
		elfFiles = append(elfFiles, ef)
		if dwarfData == nil {
			if d, err := ef.DWARF(); err == nil {
				dwarfData = d
				if sec := ef.Section(".debug_loc"); sec != nil {
					if b, err := sec.Data(); err == nil {
						debugLoc = b
					}
				}
				if sec := ef.Section(".debug_frame"); sec != nil {
					if b, err := sec.Data(); err == nil {
						if tbl, err := unwind.ParseDebugFrame(b, img.ByteOrder, int(img.PtrSize)); err == nil {
							p.cfi = tbl
						} else {
							p.warnings = append(p.warnings, fmt.Sprintf("failed to parse .debug_frame: %v", err))
						}
					}
				}
			}
		}
	}

	if img.Exe != nil {
		addFile(img.Exe)
		p.closers = append(p.closers, img.Exe.Close)
	}
	for _, f := range img.Files {
		if f == img.Exe {
			continue
		}
		addFile(f)
		p.closers = append(p.closers, f.Close)
	}

	p.symbols = symtab.New(elfFiles, dwarfData, log)
	if dwarfData != nil {
		g, err := typegraph.New(dwarfData, debugLoc, 0, log)
		if err != nil {
			return nil, err
		}
		p.types = g
	}
	reg, err := dsoval.NewRegistry(p.space, 0)
	if err != nil {
		return nil, err
	}
	p.values = reg

	if mainElf := findMainExeELF(img); mainElf != nil {
		// With no AT_ENTRY in the core (LoadedEntry 0) the delta stays 0.
		if entry, ok := mainEntry(mainElf); ok && img.LoadedEntry != 0 {
			p.loadAddressDiff = int64(entry) - int64(img.LoadedEntry)
		}
	}

	return p, nil
}

// AttachLive builds a Process from an attached live process, reading
// debug info from the supplied symbol file (the kernel does not
// expose one via /proc).
func AttachLive(pid int, symbolFile string, log *logrus.Entry) (*Process, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	lp, err := core.AttachLive(pid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	raw, err := lp.Regs()
	if err != nil {
		return nil, err
	}

	p := &Process{
		log:        log.WithField("component", "procmodel"),
		space:      lp,
		regs:       regmap.AMD64{},
		rawThreads: []core.RawThread{raw},
		closers:    []func() error{lp.Close},
	}

	var dwarfData *dwarf.Data
	var debugLoc []byte
	var elfFiles []*elf.File
	if symbolFile != "" {
		f, err := os.Open(symbolFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		p.closers = append(p.closers, f.Close)
		ef, err := elf.NewFile(f)
		if err != nil {
			p.warnings = append(p.warnings, fmt.Sprintf("failed to parse %s as ELF: %v", symbolFile, err))
		} else {
			elfFiles = append(elfFiles, ef)
			if d, err := ef.DWARF(); err == nil {
				dwarfData = d
				if sec := ef.Section(".debug_loc"); sec != nil {
					if b, err := sec.Data(); err == nil {
						debugLoc = b
					}
				}
				if sec := ef.Section(".debug_frame"); sec != nil {
					if b, err := sec.Data(); err == nil {
						if tbl, err := unwind.ParseDebugFrame(b, ef.ByteOrder, 8); err == nil {
							p.cfi = tbl
						}
					}
				}
			}
			if entry := ef.Entry; entry != 0 {
				if ip, ok, err := lp.Auxv(); err == nil && ok {
					p.loadAddressDiff = int64(entry) - int64(ip)
				}
			}
		}
	}

	p.symbols = symtab.New(elfFiles, dwarfData, log)
	if dwarfData != nil {
		g, err := typegraph.New(dwarfData, debugLoc, 0, log)
		if err != nil {
			return nil, err
		}
		p.types = g
	}
	reg, err := dsoval.NewRegistry(p.space, 0)
	if err != nil {
		return nil, err
	}
	p.values = reg

	return p, nil
}

func findMainExeELF(img *core.CoreImage) *elf.File {
	f := img.Exe
	if f == nil && img.MainExecName != "" {
		f = img.Files[img.MainExecName]
	}
	if f == nil {
		return nil
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		return nil
	}
	return ef
}

func mainEntry(ef *elf.File) (uint64, bool) {
	if ef.Entry == 0 {
		return 0, false
	}
	return ef.Entry, true
}

// Symbols returns the process's nearest-symbol and addr2line index.
func (p *Process) Symbols() *symtab.Index { return p.symbols }

// Types returns the process's type graph, or nil if no DWARF data was
// found in any loaded image.
func (p *Process) Types() *typegraph.Graph { return p.types }

// Values returns the registry used to materialise DSOs for this
// process's address space.
func (p *Process) Values() *dsoval.Registry { return p.values }

// Args returns the command line recorded for the main executable
// (core dumps only; empty for live attach).
func (p *Process) Args() string { return p.args }

// Warnings returns every non-fatal problem accumulated while opening
// the image and its mapped files.
func (p *Process) Warnings() []string { return p.warnings }

// Threads returns one Thread per raw register snapshot captured at
// open time (one per PRSTATUS note, or the single attached thread).
func (p *Process) Threads() []*Thread {
	out := make([]*Thread, len(p.rawThreads))
	for i, raw := range p.rawThreads {
		out[i] = &Thread{proc: p, raw: raw}
	}
	return out
}

// Close releases every backing file handle opened for this process.
func (p *Process) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Frames lazily unwinds and populates this thread's call stack,
// innermost frame first.
func (t *Thread) Frames() ([]Frame, error) {
	if t.built {
		return t.frames, nil
	}
	u := unwind.New(t.proc.cfi, t.proc.regs, t.proc.space, t.proc.loadAddressDiff, t.proc.log)
	raw := t.raw
	rawFrames, err := u.Unwind(&raw)
	if err != nil {
		return nil, err
	}
	frames := make([]Frame, len(rawFrames))
	for i, rf := range rawFrames {
		f := Frame{IP: rf.PC, SP: rf.CFA, Regs: rf.Regs, proc: t.proc}
		t.proc.populate(&f)
		frames[i] = f
	}
	t.frames = frames
	t.built = true
	return frames, nil
}

// populate fills in symbolic information for ip, mirroring
// Frame.Populate from frames.py: nearest symbol, source location, and
// (when a type graph is available) the enclosing subprogram DIE.
func (p *Process) populate(f *Frame) {
	if p.symbols != nil {
		if name, off, ok := p.symbols.FindSymbol(core.Address(f.IP), false); ok {
			f.Function = name
			f.Offset = off
		}
		if loc, ok := p.symbols.Resolve(core.Address(f.IP), func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		}); ok {
			f.Filename = loc.File
			f.Line = loc.Line
		}
	}
	if p.types == nil {
		return
	}
	cu, err := p.types.CUContaining(f.IP)
	if err != nil || cu == nil {
		return
	}
	f.cu = cu
	if f.Filename == "" {
		f.Filename = cu.TopDIE.Name
	}
	if f.Function != "" {
		for _, d := range cu.DIEsNamed(f.Function) {
			if d.IsSubprogram() {
				f.fn = d
				break
			}
		}
	}
}

// Locals resolves the frame's subprogram's formal parameters and
// lexical-block locals into navigable Values, keyed by name.
func (f *Frame) Locals() (map[string]dsoval.Value, error) {
	if f.fn == nil || f.proc == nil || f.proc.values == nil {
		return nil, nil
	}
	reg := f.proc.values
	frameBase, ok, err := typegraph.GetFunctionFrameBase(f.fn, f.IP, f.Regs, reg.Space())
	if err != nil {
		return nil, err
	}
	out := make(map[string]dsoval.Value)
	var walk func(d *typegraph.DIE)
	walk = func(d *typegraph.DIE) {
		for _, c := range d.Children {
			if (c.IsVariable() || c.IsFormalParameter()) && c.Name != "" {
				var fb *uint64
				if ok {
					fb = &frameBase
				}
				v, err := reg.Local(c, f.IP, f.Regs, fb)
				if err == nil {
					out[c.Name] = v
				}
			}
			if c.IsLexicalBlock() {
				walk(c)
			}
		}
	}
	walk(f.fn)
	return out, nil
}
