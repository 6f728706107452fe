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

// Package xenctrl is the hypervisor control interface: a thin layer over
// the privcmd device that issues hypercalls on behalf of a privileged
// introspection process.
//
// All calls are synchronous and may block on host I/O; the underlying
// primitive offers no interruption point, so cancellation has to be
// layered above if needed.
package xenctrl

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"xenvmi.dev/xenvmi/pkg/vmierr"
)

// Interface is an open connection to the hypervisor control device.
type Interface struct {
	fd int
}

// Open opens the privcmd device. Requires dom0 privilege.
func Open() (*Interface, error) {
	fd, err := unix.Open(privcmdDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", privcmdDevice, err)
	}
	return &Interface{fd: fd}, nil
}

// Close releases the control device.
func (xc *Interface) Close() error {
	if xc.fd < 0 {
		return nil
	}
	err := unix.Close(xc.fd)
	xc.fd = -1
	return err
}

// classify maps an errno to one of the shared error kinds where a kind
// applies, and passes the errno through otherwise.
func classify(errno unix.Errno) error {
	switch errno {
	case unix.ENOENT:
		return vmierr.ErrPageNotPresent
	case unix.EPERM, unix.EACCES:
		return vmierr.ErrPermissionDenied
	case unix.EINVAL:
		return vmierr.ErrInvalidParameter
	default:
		return errno
	}
}

// hypercall issues one hypercall through privcmd. The argument structure
// and any out-of-line buffers must stay resident for the duration; mlock
// pins them the way libxc's hypercall buffers do.
func (xc *Interface) hypercall(op uint64, args ...uint64) (uintptr, error) {
	hc := privcmdHypercall{op: op}
	copy(hc.args[:], args)

	buf := unsafe.Slice((*byte)(unsafe.Pointer(&hc)), unsafe.Sizeof(hc))
	if err := unix.Mlock(buf); err == nil {
		defer unix.Munlock(buf)
	}

	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(xc.fd), ioctlPrivcmdHypercall, uintptr(unsafe.Pointer(&hc)))
	if errno != 0 {
		return 0, classify(errno)
	}
	return ret, nil
}

// lockBuffer pins an out-of-line hypercall buffer and returns its unpin
// function. Pinning is best-effort: an unprivileged test environment has
// no RLIMIT_MEMLOCK headroom, and the hypercall itself will fail first
// if the buffer truly cannot be referenced.
func lockBuffer(buf []byte) func() {
	if len(buf) == 0 {
		return func() {}
	}
	if err := unix.Mlock(buf); err != nil {
		return func() {}
	}
	return func() { unix.Munlock(buf) }
}

// domctl runs a domctl command for a domain. payload is copied into the
// command union before the call and back out after it.
func (xc *Interface) domctl(cmd uint32, domid uint16, payload []byte) error {
	if len(payload) > len(xenDomctl{}.u) {
		return fmt.Errorf("domctl %d: payload %d bytes exceeds union", cmd, len(payload))
	}
	d := xenDomctl{
		cmd:              cmd,
		interfaceVersion: domctlInterfaceVersion,
		domain:           domid,
	}
	copy(d.u[:], payload)

	if _, err := xc.hypercall(hypervisorDomctl, uint64(uintptr(unsafe.Pointer(&d)))); err != nil {
		return fmt.Errorf("domctl %d (domain %d): %w", cmd, domid, err)
	}
	copy(payload, d.u[:len(payload)])
	return nil
}

// asBytes views a fixed-layout ABI struct as its raw bytes.
func asBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}
