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
	"bytes"
	"fmt"
	"strings"
	"unsafe"
)

// DomainInfo is the slice of domain state the introspection driver needs.
type DomainInfo struct {
	Domain     uint16
	HVM        bool
	Dying      bool
	Paused     bool
	Running    bool
	MaxVCPUID  uint32
	TotalPages uint64
	MaxPages   uint64
	Handle     [16]byte
}

// DomainInfo queries the hypervisor for a domain's state.
func (xc *Interface) DomainInfo(domid uint16) (DomainInfo, error) {
	var raw xenDomctlGetDomainInfo
	raw.domain = domid
	if err := xc.domctl(domctlGetDomainInfo, domid, asBytes(&raw)); err != nil {
		return DomainInfo{}, err
	}
	if raw.domain != domid {
		// getdomaininfo scans forward from the requested domain when it
		// does not exist.
		return DomainInfo{}, fmt.Errorf("domain %d not found", domid)
	}
	return DomainInfo{
		Domain:     raw.domain,
		HVM:        raw.flags&dominfHVMGuest != 0,
		Dying:      raw.flags&dominfDying != 0,
		Paused:     raw.flags&dominfPaused != 0,
		Running:    raw.flags&dominfRunning != 0,
		MaxVCPUID:  raw.maxVCPUID,
		TotalPages: raw.totPages,
		MaxPages:   raw.maxPages,
		Handle:     raw.handle,
	}, nil
}

// PauseDomain pauses every vcpu of the domain.
func (xc *Interface) PauseDomain(domid uint16) error {
	return xc.domctl(domctlPauseDomain, domid, nil)
}

// UnpauseDomain resumes a paused domain.
func (xc *Interface) UnpauseDomain(domid uint16) error {
	return xc.domctl(domctlUnpauseDomain, domid, nil)
}

// ShutdownDomain requests a clean poweroff of the domain.
func (xc *Interface) ShutdownDomain(domid uint16) error {
	arg := schedRemoteShutdown{
		domain: domid,
		reason: shutdownPoweroff,
	}
	unlock := lockBuffer(asBytes(&arg))
	defer unlock()
	if _, err := xc.hypercall(hypervisorSchedOp, schedopRemoteShutdown, uint64(uintptr(unsafe.Pointer(&arg)))); err != nil {
		return fmt.Errorf("shutting down domain %d: %w", domid, err)
	}
	return nil
}

// TSCInfo describes a domain's TSC configuration.
type TSCInfo struct {
	Mode        uint32
	KHz         uint32
	Incarnation uint32
	ElapsedNsec uint64
}

// TSCInfo queries the domain's TSC configuration.
func (xc *Interface) TSCInfo(domid uint16) (TSCInfo, error) {
	var raw xenDomctlTSCInfo
	if err := xc.domctl(domctlGetTSCInfo, domid, asBytes(&raw)); err != nil {
		return TSCInfo{}, err
	}
	return TSCInfo{
		Mode:        raw.tscMode,
		KHz:         raw.gtscKHz,
		Incarnation: raw.incarnation,
		ElapsedNsec: raw.elapsedNsec,
	}, nil
}

// Capabilities returns the hypervisor capabilities string, e.g.
// "xen-3.0-x86_64 hvm-3.0-x86_32 hvm-3.0-x86_64".
func (xc *Interface) Capabilities() (string, error) {
	var buf [capabilitiesBufferSize]byte
	unlock := lockBuffer(buf[:])
	defer unlock()
	if _, err := xc.hypercall(hypervisorXenVersion, xenverCapabilities, uint64(uintptr(unsafe.Pointer(&buf[0])))); err != nil {
		return "", fmt.Errorf("querying capabilities: %w", err)
	}
	if i := bytes.IndexByte(buf[:], 0); i >= 0 {
		return string(buf[:i]), nil
	}
	return string(buf[:]), nil
}

// GuestWidth derives the guest pointer width in bytes from the
// capabilities string: 8 on an x86_64 hypervisor, 4 otherwise.
func GuestWidth(capabilities string) int {
	if strings.Contains(capabilities, "x86_64") {
		return 8
	}
	return 4
}
