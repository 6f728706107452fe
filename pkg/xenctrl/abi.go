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

import "unsafe"

// privcmd device and ioctl layout. The hypercall ioctl passes a
// privcmdHypercall by pointer; mmap-batch populates a previously
// mmap(2)ed window on the privcmd fd with foreign frames.
const privcmdDevice = "/dev/xen/privcmd"

// privcmdHypercall mirrors struct privcmd_hypercall.
type privcmdHypercall struct {
	op   uint64
	args [5]uint64
}

// privcmdMmapBatchV2 mirrors struct privcmd_mmapbatch_v2.
type privcmdMmapBatchV2 struct {
	num  uint32
	dom  uint16
	_    uint16
	addr uint64
	arr  uint64 // *xen_pfn_t
	err  uint64 // *int
}

// ioc composes a Linux ioctl request number.
func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | typ<<8 | nr
}

var (
	ioctlPrivcmdHypercall   = ioc(0, 'P', 0, unsafe.Sizeof(privcmdHypercall{}))
	ioctlPrivcmdMmapBatchV2 = ioc(0, 'P', 4, unsafe.Sizeof(privcmdMmapBatchV2{}))
)

// Hypercall numbers.
const (
	hypervisorMemoryOp   = 12
	hypervisorXenVersion = 17
	hypervisorSchedOp    = 29
	hypervisorHVMOp      = 34
	hypervisorDomctl     = 36
)

// Domctl commands.
const (
	domctlInterfaceVersion = 0x00000015

	domctlPauseDomain          = 3
	domctlUnpauseDomain        = 4
	domctlGetDomainInfo        = 5
	domctlSetVCPUContext       = 12
	domctlGetVCPUContext       = 13
	domctlGetHVMContextPartial = 55
	domctlGetTSCInfo           = 59
)

// xenDomctl mirrors struct xen_domctl: a command header followed by a
// union payload.
type xenDomctl struct {
	cmd              uint32
	interfaceVersion uint32
	domain           uint16
	_                [6]byte
	u                [128]byte
}

// xen_version subcommands.
const xenverCapabilities = 3

// capabilitiesBufferSize matches xen_capabilities_info_t.
const capabilitiesBufferSize = 1024

// sched_op subcommands.
const (
	schedopRemoteShutdown = 4

	// ShutdownPoweroff is the clean poweroff reason code.
	shutdownPoweroff = 0
)

// schedRemoteShutdown mirrors struct sched_remote_shutdown.
type schedRemoteShutdown struct {
	domain uint16
	_      uint16
	reason uint32
}

// memory_op subcommands.
const (
	memoryOpAccessOp = 21

	accessOpSetAccess = 0
	accessOpGetAccess = 1
)

// xenMemAccessOp mirrors struct xen_mem_access_op.
type xenMemAccessOp struct {
	op     uint8
	access uint8
	domid  uint16
	nr     uint32
	pfn    uint64
}

// hvm_op subcommands.
const hvmopInjectTrap = 14

// xenHVMInjectTrap mirrors struct xen_hvm_inject_trap. domid_t is
// 16 bits but vcpuid is a full uint32 aligned at offset 4.
type xenHVMInjectTrap struct {
	domid     uint16
	_         uint16
	vcpuid    uint32
	vector    uint32
	typ       uint32
	errorCode uint32
	insnLen   uint32
	cr2       uint64
}

// Page fault injection values.
const (
	// TrapPageFault is the #PF vector.
	TrapPageFault = 14

	// EventTypeHWException marks an injected event as a hardware
	// exception.
	EventTypeHWException = 3

	// PFECWriteAccess is the write bit of a page fault error code.
	PFECWriteAccess = 1 << 1
)

// Domain info flags (XEN_DOMINF_*).
const (
	dominfDying    = 1 << 0
	dominfHVMGuest = 1 << 1
	dominfShutdown = 1 << 2
	dominfPaused   = 1 << 3
	dominfBlocked  = 1 << 4
	dominfRunning  = 1 << 5
)

// xenDomctlGetDomainInfo mirrors struct xen_domctl_getdomaininfo.
type xenDomctlGetDomainInfo struct {
	domain          uint16
	_               uint16
	flags           uint32
	totPages        uint64
	maxPages        uint64
	outstanding     uint64
	shrPages        uint64
	pagedPages      uint64
	sharedInfoFrame uint64
	cpuTime         uint64
	nrOnlineVCPUs   uint32
	maxVCPUID       uint32
	ssidref         uint32
	handle          [16]byte
	cpupool         uint32
}

// xenDomctlTSCInfo mirrors struct xen_domctl_tsc_info.
type xenDomctlTSCInfo struct {
	tscMode     uint32
	gtscKHz     uint32
	incarnation uint32
	_           uint32
	elapsedNsec uint64
}

// xenDomctlHVMContextPartial mirrors struct xen_domctl_hvmcontext_partial.
type xenDomctlHVMContextPartial struct {
	typ      uint32
	instance uint32
	buffer   uint64 // guest handle
}

// xenDomctlVCPUContext mirrors struct xen_domctl_vcpucontext.
type xenDomctlVCPUContext struct {
	vcpu uint32
	_    uint32
	ctxt uint64 // guest handle
}

// HVM save record type codes (HVM_SAVE_CODE).
const (
	hvmSaveCodeCPU  = 2
	hvmSaveCodeMTRR = 14
)
