// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// LiveProcess is an AddressSpace backed by a running, ptrace-attached
// process's /proc/<pid>/mem. Unlike a core dump it is read-only from
// this package's perspective: no poke is exposed, matching the
// read-only scope of this debugger (writing to the target is out of
// scope).
//
// ptrace is thread-directed on Linux: all PTRACE_* requests for a
// given tracee must come from the same OS thread that attached to it.
// Every ptrace call is therefore funneled through a single
// goroutine pinned to its OS thread with runtime.LockOSThread,
// exactly as the teacher's ptraceRun/Server.fc-ec pattern does.
type LiveProcess struct {
	pid int
	mem *os.File

	fc chan func() error
	ec chan error
}

// AttachLive ptrace-attaches to pid and opens its memory for reading.
func AttachLive(pid int) (*LiveProcess, error) {
	lp := &LiveProcess{
		pid: pid,
		fc:  make(chan func() error),
		ec:  make(chan error),
	}
	go lp.run()

	if err := lp.do(func() error { return unix.PtraceAttach(pid) }); err != nil {
		close(lp.fc)
		return nil, fmt.Errorf("ptrace attach %d: %w", pid, err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		close(lp.fc)
		return nil, fmt.Errorf("waiting for attach stop: %w", err)
	}

	mem, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDONLY, 0)
	if err != nil {
		close(lp.fc)
		return nil, fmt.Errorf("opening /proc/%d/mem: %w", pid, err)
	}
	lp.mem = mem
	return lp, nil
}

// run pins a single OS thread to service every ptrace request for
// this tracee's lifetime.
func (lp *LiveProcess) run() {
	runtime.LockOSThread()
	for f := range lp.fc {
		lp.ec <- f()
	}
}

func (lp *LiveProcess) do(f func() error) error {
	lp.fc <- f
	return <-lp.ec
}

// Close detaches from the process and releases its memory handle.
func (lp *LiveProcess) Close() error {
	err := lp.do(func() error { return unix.PtraceDetach(lp.pid) })
	close(lp.fc)
	if cerr := lp.mem.Close(); err == nil {
		err = cerr
	}
	return err
}

// Regs reads the tracee's general-purpose registers.
func (lp *LiveProcess) Regs() (RawThread, error) {
	var regs unix.PtraceRegs
	if err := lp.do(func() error { return unix.PtraceGetRegs(lp.pid, &regs) }); err != nil {
		return RawThread{}, fmt.Errorf("ptrace getregs %d: %w", lp.pid, err)
	}
	return RawThread{
		Pid: uint64(lp.pid),
		Regs: map[string]uint64{
			"r15": regs.R15, "r14": regs.R14, "r13": regs.R13, "r12": regs.R12,
			"rbp": regs.Rbp, "rbx": regs.Rbx, "r11": regs.R11, "r10": regs.R10,
			"r9": regs.R9, "r8": regs.R8, "rax": regs.Rax, "rcx": regs.Rcx,
			"rdx": regs.Rdx, "rsi": regs.Rsi, "rdi": regs.Rdi, "orig_rax": regs.Orig_rax,
			"rip": regs.Rip, "cs": regs.Cs, "eflags": regs.Eflags, "rsp": regs.Rsp,
			"ss": regs.Ss, "fs_base": regs.Fs_base, "gs_base": regs.Gs_base,
			"ds": regs.Ds, "es": regs.Es, "fs": regs.Fs, "gs": regs.Gs,
		},
	}, nil
}

// Read implements AddressSpace by seeking and reading /proc/<pid>/mem.
// Unlike a core's page table, live memory has no static mapping list
// to bound the read against, so a short read is reported directly as
// ErrAddressUnmapped rather than synthesized from /proc/<pid>/maps.
func (lp *LiveProcess) Read(address Address, size int64) ([]byte, error) {
	buf := make([]byte, size)
	n, err := lp.mem.ReadAt(buf, int64(address))
	if err != nil || int64(n) != size {
		return nil, &UnmappedError{Addr: address}
	}
	return buf, nil
}

// ReadInt implements AddressSpace.
func (lp *LiveProcess) ReadInt(address Address, size int64) (uint64, error) {
	b, err := lp.Read(address, size)
	if err != nil {
		return 0, err
	}
	return decodeLittleEndian(b, size)
}

// Mappings parses /proc/<pid>/maps into the same Mapping shape a core
// dump uses, so callers can print "info mappings" uniformly.
func (lp *LiveProcess) Mappings() []*Mapping {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", lp.pid))
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []*Mapping
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		lo, err1 := strconv.ParseUint(bounds[0], 16, 64)
		hi, err2 := strconv.ParseUint(bounds[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		var perm Perm
		if strings.Contains(fields[1], "r") {
			perm |= Read
		}
		if strings.Contains(fields[1], "w") {
			perm |= Write
		}
		if strings.Contains(fields[1], "x") {
			perm |= Exec
		}
		out = append(out, &Mapping{min: Address(lo), max: Address(hi), perm: perm})
	}
	return out
}

// Auxv reads and parses /proc/<pid>/auxv, returning AT_ENTRY (tag 9).
func (lp *LiveProcess) Auxv() (Address, bool, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", lp.pid))
	if err != nil {
		return 0, false, err
	}
	const atEntry = 9
	buf := bytes.NewReader(data)
	for buf.Len() >= 16 {
		var tag, val uint64
		if err := binary.Read(buf, binary.LittleEndian, &tag); err != nil {
			return 0, false, err
		}
		if err := binary.Read(buf, binary.LittleEndian, &val); err != nil {
			return 0, false, err
		}
		if tag == 0 { // AT_NULL
			break
		}
		if tag == atEntry {
			return Address(val), true, nil
		}
	}
	return 0, false, nil
}
