// Copyright 2026 The xenvmi Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"strconv"

	"github.com/google/subcommands"
	"xenvmi.dev/xenvmi/pkg/gpa"
)

func parseAddr(s string) gpa.Addr {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		Fatalf("bad address %q: %v", s, err)
	}
	return gpa.Addr(addr)
}

// ReadMem implements subcommands.Command for the "read" command.
type ReadMem struct {
	virtual bool
	vcpu    uint
	length  uint
}

// Name implements subcommands.Command.Name.
func (*ReadMem) Name() string { return "read" }

// Synopsis implements subcommands.Command.Synopsis.
func (*ReadMem) Synopsis() string { return "hex dumps guest memory" }

// Usage implements subcommands.Command.Usage.
func (*ReadMem) Usage() string { return "read [-virtual] [-vcpu N] [-n bytes] <domain name> <address>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (r *ReadMem) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.virtual, "virtual", false, "treat the address as guest virtual")
	f.UintVar(&r.vcpu, "vcpu", 0, "vcpu whose address space resolves a virtual address")
	f.UintVar(&r.length, "n", 64, "bytes to read (must stay inside one page)")
}

// Execute implements subcommands.Command.Execute.
func (r *ReadMem) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	d := openDriver(f, args)
	defer d.Close()

	addr := parseAddr(f.Arg(1))
	var (
		view []byte
		err  error
	)
	if r.virtual {
		view, err = d.MapVirtual(addr, int(r.length), uint16(r.vcpu))
	} else {
		view, err = d.MapPhysical(addr, int(r.length))
	}
	if err != nil {
		Fatalf("reading %#x: %v", addr, err)
	}
	defer d.Unmap(view)

	fmt.Print(hex.Dump(view))
	return subcommands.ExitSuccess
}

// MemType implements subcommands.Command for the "memtype" command.
type MemType struct{}

// Name implements subcommands.Command.Name.
func (*MemType) Name() string { return "memtype" }

// Synopsis implements subcommands.Command.Synopsis.
func (*MemType) Synopsis() string { return "prints the effective memory type at a guest physical address" }

// Usage implements subcommands.Command.Usage.
func (*MemType) Usage() string { return "memtype <domain name> <address>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (*MemType) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*MemType) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	d := openDriver(f, args)
	defer d.Close()

	addr := parseAddr(f.Arg(1))
	mt, err := d.ResolveCacheability(addr)
	if err != nil {
		Fatalf("resolving %#x: %v", addr, err)
	}
	fmt.Printf("%#x: %v\n", addr, mt)
	return subcommands.ExitSuccess
}

// Perms implements subcommands.Command for the "perms" command.
type Perms struct {
	set string
}

// Name implements subcommands.Command.Name.
func (*Perms) Name() string { return "perms" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Perms) Synopsis() string { return "shows or changes the access permissions of a guest page" }

// Usage implements subcommands.Command.Usage.
func (*Perms) Usage() string { return "perms [-set rwx] <domain name> <address>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (p *Perms) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.set, "set", "", `permissions to apply, a subset of "rwx" (empty string queries)`)
}

// Execute implements subcommands.Command.Execute.
func (p *Perms) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	d := openDriver(f, args)
	defer d.Close()

	addr := parseAddr(f.Arg(1))
	if flagWasSet(f, "set") {
		var read, write, execute bool
		for _, c := range p.set {
			switch c {
			case 'r':
				read = true
			case 'w':
				write = true
			case 'x':
				execute = true
			default:
				Fatalf("bad permission %q in %q", c, p.set)
			}
		}
		if err := d.SetPagePermission(addr, read, write, execute); err != nil {
			Fatalf("setting permissions on %#x: %v", addr, err)
		}
		return subcommands.ExitSuccess
	}

	perms, err := d.GetPagePermission(addr)
	if err != nil {
		Fatalf("getting permissions on %#x: %v", addr, err)
	}
	flags := ""
	for _, p := range []struct {
		set bool
		c   string
	}{{perms.Read, "r"}, {perms.Write, "w"}, {perms.Execute, "x"}} {
		if p.set {
			flags += p.c
		} else {
			flags += "-"
		}
	}
	if perms.WriteUpgradable {
		flags += " (write upgradable)"
	}
	fmt.Printf("%#x: %s\n", addr, flags)
	return subcommands.ExitSuccess
}

// flagWasSet reports whether the flag was given explicitly, so that
// "-set ''" can mean "revoke everything".
func flagWasSet(f *flag.FlagSet, name string) bool {
	set := false
	f.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			set = true
		}
	})
	return set
}
