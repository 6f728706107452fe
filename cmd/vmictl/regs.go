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
	"flag"
	"fmt"

	"github.com/google/subcommands"
)

// Regs implements subcommands.Command for the "regs" command.
type Regs struct {
	vcpu uint
}

// Name implements subcommands.Command.Name.
func (*Regs) Name() string { return "regs" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Regs) Synopsis() string { return "dumps a vcpu's registers" }

// Usage implements subcommands.Command.Usage.
func (*Regs) Usage() string { return "regs [-vcpu N] <domain name>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (r *Regs) SetFlags(f *flag.FlagSet) {
	f.UintVar(&r.vcpu, "vcpu", 0, "vcpu to dump")
}

// Execute implements subcommands.Command.Execute.
func (r *Regs) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	d := openDriver(f, args)
	defer d.Close()

	regs, err := d.Registers(uint16(r.vcpu))
	if err != nil {
		Fatalf("reading vcpu %d: %v", r.vcpu, err)
	}

	fmt.Printf("mode:   %v\n", regs.Mode)
	fmt.Printf("rip:    %016x  rflags: %016x\n", regs.RIP, regs.RFlags)
	fmt.Printf("rax:    %016x  rbx:    %016x  rcx: %016x\n", regs.RAX, regs.RBX, regs.RCX)
	fmt.Printf("rdx:    %016x  rsi:    %016x  rdi: %016x\n", regs.RDX, regs.RSI, regs.RDI)
	fmt.Printf("rsp:    %016x  rbp:    %016x\n", regs.RSP, regs.RBP)
	fmt.Printf("r8:     %016x  r9:     %016x  r10: %016x\n", regs.R8, regs.R9, regs.R10)
	fmt.Printf("r11:    %016x  r12:    %016x  r13: %016x\n", regs.R11, regs.R12, regs.R13)
	fmt.Printf("r14:    %016x  r15:    %016x\n", regs.R14, regs.R15)
	fmt.Printf("cr0:    %016x  cr2:    %016x\n", regs.CR0, regs.CR2)
	fmt.Printf("cr3:    %016x  cr4:    %016x\n", regs.CR3, regs.CR4)
	fmt.Printf("efer:   %016x  star:   %016x  lstar: %016x\n", regs.MSREFER, regs.MSRStar, regs.MSRLStar)
	fmt.Printf("fsbase: %016x  gsbase: %016x\n", regs.FSBase, regs.GSBase)
	fmt.Printf("idtr:   %016x/%04x      gdtr:   %016x/%04x\n", regs.IDTRBase, regs.IDTRLimit, regs.GDTRBase, regs.GDTRLimit)
	return subcommands.ExitSuccess
}
