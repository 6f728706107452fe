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

	"golang.org/x/sys/unix"
	"xenvmi.dev/xenvmi/pkg/access"
	"xenvmi.dev/xenvmi/pkg/gpa"
	"xenvmi.dev/xenvmi/pkg/vmierr"
)

// MapFrame maps one guest frame into this process and returns the mapped
// page. The window comes from mmap(2) on the privcmd device and is backed
// with the foreign frame by the mmap-batch ioctl, which reports per-frame
// failures separately from the ioctl result.
func (xc *Interface) MapFrame(domid uint16, frame gpa.Frame) ([]byte, error) {
	page, err := unix.Mmap(xc.fd, 0, gpa.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap window for frame %#x: %v", vmierr.ErrMappingFailed, frame, err)
	}

	frames := [1]uint64{uint64(frame)}
	errs := [1]int32{}
	batch := privcmdMmapBatchV2{
		num:  1,
		dom:  domid,
		addr: uint64(uintptr(unsafe.Pointer(&page[0]))),
		arr:  uint64(uintptr(unsafe.Pointer(&frames[0]))),
		err:  uint64(uintptr(unsafe.Pointer(&errs[0]))),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(xc.fd), ioctlPrivcmdMmapBatchV2, uintptr(unsafe.Pointer(&batch)))
	if errno != 0 {
		unix.Munmap(page)
		return nil, fmt.Errorf("mapping frame %#x for domain %d: %w", frame, domid, mapError(classify(errno)))
	}
	if errs[0] != 0 {
		unix.Munmap(page)
		perFrame := classify(unix.Errno(-errs[0]))
		return nil, fmt.Errorf("mapping frame %#x for domain %d: %w", frame, domid, mapError(perFrame))
	}
	return page, nil
}

// mapError folds errnos with no dedicated kind into the generic mapping
// failure, preserving the distinguishable kinds.
func mapError(err error) error {
	switch err {
	case vmierr.ErrPageNotPresent, vmierr.ErrPermissionDenied, vmierr.ErrInvalidParameter:
		return err
	default:
		return fmt.Errorf("%w: %v", vmierr.ErrMappingFailed, err)
	}
}

// UnmapFrame releases a page returned by MapFrame.
func (xc *Interface) UnmapFrame(page []byte) error {
	return unix.Munmap(page)
}

// CopyToFrame overwrites a whole guest frame with the contents of buf
// (at most one page). There is no partial-page copy primitive; callers
// that need one read-modify-write through MapFrame instead.
func (xc *Interface) CopyToFrame(domid uint16, frame gpa.Frame, buf []byte) error {
	if len(buf) > gpa.PageSize {
		return fmt.Errorf("%w: %d bytes exceed a page", vmierr.ErrInvalidParameter, len(buf))
	}
	page, err := xc.MapFrame(domid, frame)
	if err != nil {
		return err
	}
	defer xc.UnmapFrame(page)
	copy(page, buf)
	return nil
}

// GetAccess reads the access-control value of one frame.
func (xc *Interface) GetAccess(domid uint16, frame gpa.Frame) (access.Value, error) {
	arg := xenMemAccessOp{
		op:    accessOpGetAccess,
		domid: domid,
		nr:    1,
		pfn:   uint64(frame),
	}
	unlock := lockBuffer(asBytes(&arg))
	defer unlock()
	if _, err := xc.hypercall(hypervisorMemoryOp, memoryOpAccessOp, uint64(uintptr(unsafe.Pointer(&arg)))); err != nil {
		return access.None, fmt.Errorf("getting access for frame %#x: %w", frame, err)
	}
	return access.Value(arg.access), nil
}

// SetAccess applies an access-control value to one frame.
func (xc *Interface) SetAccess(domid uint16, frame gpa.Frame, v access.Value) error {
	arg := xenMemAccessOp{
		op:     accessOpSetAccess,
		access: uint8(v),
		domid:  domid,
		nr:     1,
		pfn:    uint64(frame),
	}
	unlock := lockBuffer(asBytes(&arg))
	defer unlock()
	if _, err := xc.hypercall(hypervisorMemoryOp, memoryOpAccessOp, uint64(uintptr(unsafe.Pointer(&arg)))); err != nil {
		return fmt.Errorf("setting access for frame %#x: %w", frame, err)
	}
	return nil
}

// InjectTrap queues a hardware exception on a vcpu. The driver uses it to
// inject page faults that make the guest OS page memory in.
func (xc *Interface) InjectTrap(domid uint16, vcpu uint16, vector, eventType, errorCode uint32, cr2 uint64) error {
	arg := xenHVMInjectTrap{
		domid:     domid,
		vcpuid:    uint32(vcpu),
		vector:    vector,
		typ:       eventType,
		errorCode: errorCode,
		cr2:       cr2,
	}
	unlock := lockBuffer(asBytes(&arg))
	defer unlock()
	if _, err := xc.hypercall(hypervisorHVMOp, hvmopInjectTrap, uint64(uintptr(unsafe.Pointer(&arg)))); err != nil {
		return fmt.Errorf("injecting trap %d on vcpu %d: %w", vector, vcpu, err)
	}
	return nil
}
