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

package vmi

import (
	"fmt"

	"xenvmi.dev/xenvmi/pkg/vmierr"
	"xenvmi.dev/xenvmi/pkg/xenctrl"
)

// CSType classifies the execution mode of a vcpu's current code segment.
type CSType int

const (
	// CSTypeError means the vcpu is not in a protected mode the driver
	// can classify (real mode, virtual-8086).
	CSTypeError CSType = iota
	// CSType16 is real mode or virtual-8086 mode.
	CSType16
	// CSType32 is 32-bit protected mode.
	CSType32
	// CSType64 is 64-bit long mode.
	CSType64
)

// String implements fmt.Stringer.String.
func (t CSType) String() string {
	switch t {
	case CSType16:
		return "16-bit"
	case CSType32:
		return "32-bit"
	case CSType64:
		return "64-bit"
	default:
		return "unknown"
	}
}

// Registers is the architectural state snapshot the driver exposes per
// vcpu.
type Registers struct {
	RAX, RBX, RCX, RDX, RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11, R12, R13, R14, R15   uint64
	RIP, RFlags                            uint64

	CR0, CR2, CR3, CR4 uint64
	DR7                uint64

	SysenterCS, SysenterESP, SysenterEIP uint64
	MSREFER, MSRStar, MSRLStar           uint64

	FSBase, GSBase       uint64
	IDTRBase             uint64
	IDTRLimit            uint32
	GDTRBase             uint64
	GDTRLimit            uint32
	CSArbytes            uint32

	// Mode is the derived code segment type at the time of the snapshot.
	Mode CSType
}

// Mode derivation bits.
const (
	cr0PE     = 1 << 0
	eflagsVM  = 1 << 17
	eferLMA   = 1 << 10
	arbytesL  = 1 << 9  // long mode code segment
	arbytesDB = 1 << 10 // default operand size
)

// guestMode derives the code segment type from control state: in long
// mode the CS.L bit selects 64-bit, otherwise CS.D/B picks 32 or 16.
// Real mode and virtual-8086 have no meaningful code segment type and
// report CSTypeError; introspection targets protected-mode guests.
func guestMode(cr0, rflags, efer uint64, csArbytes uint32) CSType {
	if cr0&cr0PE == 0 {
		return CSTypeError
	}
	if rflags&eflagsVM != 0 {
		return CSTypeError
	}
	if efer&eferLMA != 0 && csArbytes&arbytesL != 0 {
		return CSType64
	}
	if csArbytes&arbytesDB != 0 {
		return CSType32
	}
	return CSType16
}

// Registers snapshots a vcpu's architectural state.
func (d *Driver) Registers(vcpu uint16) (Registers, error) {
	cpu, err := d.ctl.CPUContext(d.domid, vcpu)
	if err != nil {
		d.log.WithError(err).Errorf("reading vcpu %d registers", vcpu)
		return Registers{}, err
	}
	return Registers{
		RAX: cpu.RAX, RBX: cpu.RBX, RCX: cpu.RCX, RDX: cpu.RDX,
		RSI: cpu.RSI, RDI: cpu.RDI, RSP: cpu.RSP, RBP: cpu.RBP,
		R8: cpu.R8, R9: cpu.R9, R10: cpu.R10, R11: cpu.R11,
		R12: cpu.R12, R13: cpu.R13, R14: cpu.R14, R15: cpu.R15,
		RIP: cpu.RIP, RFlags: cpu.RFlags,

		CR0: cpu.CR0, CR2: cpu.CR2, CR3: cpu.CR3, CR4: cpu.CR4,
		DR7: cpu.DR7,

		SysenterCS:  cpu.SysenterCS,
		SysenterESP: cpu.SysenterESP,
		SysenterEIP: cpu.SysenterEIP,
		MSREFER:     cpu.MSREFER,
		MSRStar:     cpu.MSRStar,
		MSRLStar:    cpu.MSRLStar,

		FSBase:    cpu.FSBase,
		GSBase:    cpu.GSBase,
		IDTRBase:  cpu.IDTRBase,
		IDTRLimit: cpu.IDTRLimit,
		GDTRBase:  cpu.GDTRBase,
		GDTRLimit: cpu.GDTRLimit,
		CSArbytes: cpu.CSArbytes,

		Mode: guestMode(cpu.CR0, cpu.RFlags, cpu.MSREFER, cpu.CSArbytes),
	}, nil
}

// SetRegisters writes the general-purpose registers back to a vcpu using
// a read-modify-write of the full vcpu context; non-GPR state is
// preserved. The instruction pointer is only written when setIP is set.
// The domain must be paused by the caller for the write to be coherent.
func (d *Driver) SetRegisters(vcpu uint16, regs Registers, setIP bool) error {
	var err error
	if d.guestWidth == 8 {
		err = d.setRegisters64(vcpu, regs, setIP)
	} else {
		err = d.setRegisters32(vcpu, regs, setIP)
	}
	if err != nil {
		d.log.WithError(err).Errorf("writing vcpu %d registers", vcpu)
	}
	return err
}

func (d *Driver) setRegisters64(vcpu uint16, regs Registers, setIP bool) error {
	ctxt, err := d.ctl.VCPUContext64(d.domid, vcpu)
	if err != nil {
		return err
	}
	u := &ctxt.UserRegs
	u.RAX, u.RBX, u.RCX, u.RDX = regs.RAX, regs.RBX, regs.RCX, regs.RDX
	u.RSI, u.RDI, u.RSP, u.RBP = regs.RSI, regs.RDI, regs.RSP, regs.RBP
	u.R8, u.R9, u.R10, u.R11 = regs.R8, regs.R9, regs.R10, regs.R11
	u.R12, u.R13, u.R14, u.R15 = regs.R12, regs.R13, regs.R14, regs.R15
	u.RFlags = regs.RFlags
	if setIP {
		u.RIP = regs.RIP
	}
	return d.ctl.SetVCPUContext64(d.domid, vcpu, ctxt)
}

func (d *Driver) setRegisters32(vcpu uint16, regs Registers, setIP bool) error {
	ctxt, err := d.ctl.VCPUContext32(d.domid, vcpu)
	if err != nil {
		return err
	}
	u := &ctxt.UserRegs
	u.EAX, u.EBX, u.ECX, u.EDX = uint32(regs.RAX), uint32(regs.RBX), uint32(regs.RCX), uint32(regs.RDX)
	u.ESI, u.EDI, u.ESP, u.EBP = uint32(regs.RSI), uint32(regs.RDI), uint32(regs.RSP), uint32(regs.RBP)
	u.EFlags = uint32(regs.RFlags)
	if setIP {
		u.EIP = uint32(regs.RIP)
	}
	return d.ctl.SetVCPUContext32(d.domid, vcpu, ctxt)
}

// CPUCount returns the number of vcpus the domain has.
func (d *Driver) CPUCount() (uint, error) {
	info, err := d.ctl.DomainInfo(d.domid)
	if err != nil {
		return 0, err
	}
	return uint(info.MaxVCPUID) + 1, nil
}

// checkVCPU validates a vcpu index against the domain.
func (d *Driver) checkVCPU(vcpu uint16) error {
	count, err := d.CPUCount()
	if err != nil {
		return err
	}
	if uint(vcpu) >= count {
		return fmt.Errorf("%w: vcpu %d of %d", vmierr.ErrInvalidParameter, vcpu, count)
	}
	return nil
}

// InjectPageFault queues a page fault on a vcpu for the given guest
// virtual address, prodding the guest OS into paging the address in. A
// write fault is requested when write is set.
func (d *Driver) InjectPageFault(vcpu uint16, va uint64, write bool) error {
	if err := d.checkVCPU(vcpu); err != nil {
		return err
	}
	var errorCode uint32
	if write {
		errorCode = xenctrl.PFECWriteAccess
	}
	if err := d.ctl.InjectTrap(d.domid, vcpu, xenctrl.TrapPageFault, xenctrl.EventTypeHWException, errorCode, va); err != nil {
		d.log.WithError(err).Errorf("injecting page fault at %#x on vcpu %d", va, vcpu)
		return err
	}
	return nil
}
