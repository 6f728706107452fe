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

package xenctrl

import (
	"fmt"
	"unsafe"

	"xenvmi.dev/xenvmi/pkg/memtype"
)

// HVMCPU mirrors the hvm_hw_cpu save record: the per-vcpu register state
// the hypervisor checkpoints for an HVM guest. Field order and widths
// follow public/arch-x86/hvm/save.h exactly; the record is decoded by
// direct memory layout.
type HVMCPU struct {
	// FPU holds the FXSAVE area; the driver does not interpret it.
	FPU [512]byte

	RAX, RBX, RCX, RDX, RBP, RSI, RDI, RSP uint64
	RIP, RFlags                            uint64
	R8, R9, R10, R11, R12, R13, R14, R15   uint64

	CR0, CR2, CR3, CR4           uint64
	DR0, DR1, DR2, DR3, DR6, DR7 uint64

	CSSel, DSSel, ESSel, FSSel, GSSel, SSSel, TRSel, LDTRSel         uint32
	CSLimit, DSLimit, ESLimit, FSLimit                               uint32
	GSLimit, SSLimit, TRLimit, LDTRLimit                             uint32
	IDTRLimit, GDTRLimit                                             uint32
	CSBase, DSBase, ESBase, FSBase, GSBase, SSBase, TRBase, LDTRBase uint64
	IDTRBase, GDTRBase                                               uint64
	CSArbytes, DSArbytes, ESArbytes, FSArbytes                       uint32
	GSArbytes, SSArbytes, TRArbytes, LDTRArbytes                     uint32

	SysenterCS, SysenterESP, SysenterEIP uint64

	ShadowGS                                                       uint64
	MSRFlags, MSRLStar, MSRStar, MSRCStar, MSRSyscallMask, MSREFER uint64
	MSRTSCAux                                                      uint64
	TSC                                                            uint64

	PendingEvent uint32
	ErrorCode    uint32
}

// HVMMTRR mirrors the hvm_hw_mtrr save record.
type HVMMTRR struct {
	MSRPatCR       uint64
	MSRMTRRVar     [16]uint64
	MSRMTRRFixed   [11]uint64
	MSRMTRRCap     uint64
	MSRMTRRDefType uint64
}

// hvmContextPartial reads one HVM save record of the given type code and
// instance into out, which must be a fixed-layout struct.
func (xc *Interface) hvmContextPartial(domid uint16, code uint16, instance uint16, out []byte) error {
	unlock := lockBuffer(out)
	defer unlock()
	arg := xenDomctlHVMContextPartial{
		typ:      uint32(code),
		instance: uint32(instance),
		buffer:   uint64(uintptr(unsafe.Pointer(&out[0]))),
	}
	if err := xc.domctl(domctlGetHVMContextPartial, domid, asBytes(&arg)); err != nil {
		return fmt.Errorf("reading HVM save record %d/%d: %w", code, instance, err)
	}
	return nil
}

// CPUContext reads a vcpu's HVM CPU save record.
func (xc *Interface) CPUContext(domid uint16, vcpu uint16) (HVMCPU, error) {
	var cpu HVMCPU
	if err := xc.hvmContextPartial(domid, hvmSaveCodeCPU, vcpu, asBytes(&cpu)); err != nil {
		return HVMCPU{}, err
	}
	return cpu, nil
}

// MTRRContext reads a vcpu's MTRR save record and converts it to a
// memtype snapshot. physAddrBits is the guest physical address width used
// to derive variable range spans.
func (xc *Interface) MTRRContext(domid uint16, vcpu uint16, physAddrBits uint8) (memtype.State, error) {
	var raw HVMMTRR
	if err := xc.hvmContextPartial(domid, hvmSaveCodeMTRR, vcpu, asBytes(&raw)); err != nil {
		return memtype.State{}, err
	}
	return raw.State(physAddrBits), nil
}

// State converts the raw save record to a memtype snapshot.
func (m *HVMMTRR) State(physAddrBits uint8) memtype.State {
	s := memtype.State{
		DefType:      m.MSRMTRRDefType,
		Cap:          m.MSRMTRRCap,
		PhysAddrBits: physAddrBits,
	}
	copy(s.Fixed[:], m.MSRMTRRFixed[:])
	for i := 0; i+1 < len(m.MSRMTRRVar); i += 2 {
		s.Variable = append(s.Variable, memtype.Range{
			Base: m.MSRMTRRVar[i],
			Mask: m.MSRMTRRVar[i+1],
		})
	}
	return s
}

// UserRegs64 mirrors the 64-bit cpu_user_regs layout inside
// vcpu_guest_context.
type UserRegs64 struct {
	R15, R14, R13, R12, RBP, RBX, R11, R10 uint64
	R9, R8, RAX, RCX, RDX, RSI, RDI        uint64
	ErrorCode, EntryVector                 uint32
	RIP                                    uint64
	CS                                     uint16
	_                                      uint16
	SavedUpcallMask                        uint8
	_                                      [3]uint8
	RFlags                                 uint64
	RSP                                    uint64
	SS                                     uint16
	_                                      [3]uint16
	ES                                     uint16
	_                                      [3]uint16
	DS                                     uint16
	_                                      [3]uint16
	FS                                     uint16
	_                                      [3]uint16
	GS                                     uint16
	_                                      [3]uint16
}

// UserRegs32 mirrors the 32-bit cpu_user_regs layout.
type UserRegs32 struct {
	EBX, ECX, EDX, ESI, EDI, EBP, EAX uint32
	ErrorCode, EntryVector            uint16
	EIP                               uint32
	CS                                uint16
	SavedUpcallMask                   uint8
	_                                 uint8
	EFlags                            uint32
	ESP                               uint32
	SS                                uint16
	_                                 uint16
	ES                                uint16
	_                                 uint16
	DS                                uint16
	_                                 uint16
	FS                                uint16
	_                                 uint16
	GS                                uint16
	_                                 uint16
}

// VCPUContext64 mirrors the 64-bit vcpu_guest_context. Only the
// general-purpose registers are interpreted; the remaining state (trap
// table, control registers, LDT/GDT, callbacks) rides along untouched so
// that a read-modify-write set preserves it.
type VCPUContext64 struct {
	FPUCtxt  [512]byte
	Flags    uint64
	UserRegs UserRegs64
	Rest     [4096]byte
}

// VCPUContext32 is the 32-bit layout.
type VCPUContext32 struct {
	FPUCtxt  [512]byte
	Flags    uint32
	UserRegs UserRegs32
	Rest     [2048]byte
}

// vcpuContext runs a get/setvcpucontext domctl over a raw context buffer.
func (xc *Interface) vcpuContext(cmd uint32, domid uint16, vcpu uint16, ctxt []byte) error {
	unlock := lockBuffer(ctxt)
	defer unlock()
	arg := xenDomctlVCPUContext{
		vcpu: uint32(vcpu),
		ctxt: uint64(uintptr(unsafe.Pointer(&ctxt[0]))),
	}
	return xc.domctl(cmd, domid, asBytes(&arg))
}

// VCPUContext64 reads a vcpu's full context (64-bit layout).
func (xc *Interface) VCPUContext64(domid uint16, vcpu uint16) (*VCPUContext64, error) {
	ctxt := new(VCPUContext64)
	if err := xc.vcpuContext(domctlGetVCPUContext, domid, vcpu, asBytes(ctxt)); err != nil {
		return nil, fmt.Errorf("reading vcpu %d context: %w", vcpu, err)
	}
	return ctxt, nil
}

// SetVCPUContext64 writes back a vcpu context obtained from
// VCPUContext64.
func (xc *Interface) SetVCPUContext64(domid uint16, vcpu uint16, ctxt *VCPUContext64) error {
	if err := xc.vcpuContext(domctlSetVCPUContext, domid, vcpu, asBytes(ctxt)); err != nil {
		return fmt.Errorf("writing vcpu %d context: %w", vcpu, err)
	}
	return nil
}

// VCPUContext32 reads a vcpu's full context (32-bit layout).
func (xc *Interface) VCPUContext32(domid uint16, vcpu uint16) (*VCPUContext32, error) {
	ctxt := new(VCPUContext32)
	if err := xc.vcpuContext(domctlGetVCPUContext, domid, vcpu, asBytes(ctxt)); err != nil {
		return nil, fmt.Errorf("reading vcpu %d context: %w", vcpu, err)
	}
	return ctxt, nil
}

// SetVCPUContext32 writes back a vcpu context obtained from
// VCPUContext32.
func (xc *Interface) SetVCPUContext32(domid uint16, vcpu uint16, ctxt *VCPUContext32) error {
	if err := xc.vcpuContext(domctlSetVCPUContext, domid, vcpu, asBytes(ctxt)); err != nil {
		return fmt.Errorf("writing vcpu %d context: %w", vcpu, err)
	}
	return nil
}
