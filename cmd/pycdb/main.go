// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pycdb is a command-line post-mortem debugger for native
// binaries: it opens a core dump (or attaches to a live process) and
// answers questions about its threads, memory and typed values. Run
// "pycdb help" for a list of commands.
package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/samueldotj/pycdb/core"
	"github.com/samueldotj/pycdb/procmodel"
	"github.com/sirupsen/logrus"

	"flag"
)

func usage() {
	fmt.Println(`
Usage:

        pycdb command corefile
        pycdb -pid PID [-exe SYMBOLFILE] command

The commands are:

        help: print this message
    overview: print a few overall statistics
    mappings: print virtual memory mappings
     threads: list threads and their unwound call stacks
       print: print the value of a local variable in a frame
        read: read a chunk of memory

Flags applicable to all commands:`)
	flag.PrintDefaults()
}

func main() {
	base := flag.String("base", "", "root directory to find core dump file references")
	exe := flag.String("exe", "", "executable/symbol file (optional; for a core file the main executable is otherwise found through the core's file mappings)")
	pid := flag.Int("pid", 0, "attach to this running process instead of reading a core file")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "%s: no command specified\n", os.Args[0])
		usage()
		os.Exit(2)
	}
	cmd := args[0]
	if cmd == "help" {
		usage()
		return
	}

	var p *procmodel.Process
	var err error
	if *pid != 0 {
		p, err = procmodel.AttachLive(*pid, *exe, log)
	} else {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "%s: no core dump specified for command %s\n", os.Args[0], cmd)
			os.Exit(2)
		}
		p, err = procmodel.OpenCore(args[1], *base, *exe, log)
		args = args[1:]
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer p.Close()

	for _, w := range p.Warnings() {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
	}

	switch cmd {
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown command %s\n", os.Args[0], cmd)
		fmt.Fprintf(os.Stderr, "Run '%s help' for usage.\n", os.Args[0])
		os.Exit(2)

	case "overview":
		t := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
		fmt.Fprintf(t, "args\t%s\n", p.Args())
		fmt.Fprintf(t, "threads\t%d\n", len(p.Threads()))
		hasTypes := p.Types() != nil
		fmt.Fprintf(t, "debug info\t%v\n", hasTypes)
		t.Flush()

	case "mappings":
		printMappings(p)

	case "threads":
		printThreads(p)

	case "print":
		if len(args) < 4 {
			fmt.Fprintf(os.Stderr, "usage: print thread-index frame-index variable\n")
			os.Exit(2)
		}
		printLocal(p, args[1], args[2], args[3])

	case "read":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "no address provided\n")
			os.Exit(1)
		}
		readMemory(p, args[1:])
	}
}

func printMappings(p *procmodel.Process) {
	t := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', tabwriter.AlignRight)
	fmt.Fprintf(t, "min\tmax\tperm\t\n")
	space := p.Values().Space()
	for _, m := range space.Mappings() {
		fmt.Fprintf(t, "%x\t%x\t%s\t\n", m.Min(), m.Max(), m.Perm())
	}
	t.Flush()
}

func printThreads(p *procmodel.Process) {
	for i, th := range p.Threads() {
		fmt.Printf("thread %d\n", i)
		frames, err := th.Frames()
		if err != nil {
			fmt.Printf("  (failed to unwind: %v)\n", err)
			continue
		}
		for j, f := range frames {
			loc := ""
			if f.Filename != "" {
				loc = fmt.Sprintf(" %s:%d", f.Filename, f.Line)
			}
			name := f.Function
			if name == "" {
				name = "??"
			} else if f.Offset != 0 {
				name = fmt.Sprintf("%s+%#x", name, f.Offset)
			}
			fmt.Printf("  #%-3d %#016x %s%s\n", j, f.IP, name, loc)
		}
	}
}

func printLocal(p *procmodel.Process, threadArg, frameArg, name string) {
	ti, err := strconv.Atoi(threadArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad thread index %q: %v\n", threadArg, err)
		os.Exit(2)
	}
	fi, err := strconv.Atoi(frameArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad frame index %q: %v\n", frameArg, err)
		os.Exit(2)
	}
	threads := p.Threads()
	if ti < 0 || ti >= len(threads) {
		fmt.Fprintf(os.Stderr, "no such thread %d\n", ti)
		os.Exit(1)
	}
	frames, err := threads[ti].Frames()
	if err != nil || fi < 0 || fi >= len(frames) {
		fmt.Fprintf(os.Stderr, "no such frame %d\n", fi)
		os.Exit(1)
	}
	locals, err := frames[fi].Locals()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	v, ok := locals[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "no local named %q in this frame\n", name)
		os.Exit(1)
	}
	b, err := v.ReadScalar()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(1)
	}
	fmt.Printf("%s = % x\n", name, b)
}

func readMemory(p *procmodel.Process, args []string) {
	n, err := strconv.ParseInt(args[0], 16, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "can't parse %s as an address\n", args[0])
		os.Exit(1)
	}
	a := core.Address(n)
	count := int64(256)
	if len(args) > 1 {
		count, err = strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "can't parse %s as a byte count\n", args[1])
			os.Exit(1)
		}
	}
	b, err := p.Values().Space().Read(a, count)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	for i, x := range b {
		if i%16 == 0 {
			if i > 0 {
				fmt.Println()
			}
			fmt.Printf("%x:", a.Add(int64(i)))
		}
		fmt.Printf(" %02x", x)
	}
	fmt.Println()
}
