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

// Package access translates between read/write/execute permission triples
// and the hypervisor's per-frame access-control values.
//
// The hypervisor enforces these independently of the guest's own page
// tables, which is what lets an introspection agent trap guest accesses.
package access

import (
	"xenvmi.dev/xenvmi/pkg/gpa"
)

// Value is a hypervisor per-frame access-control value (xenmem_access_t).
type Value uint8

const (
	// None denies all access.
	None Value = iota
	// R allows reads.
	R
	// W allows writes.
	W
	// RW allows reads and writes.
	RW
	// X allows instruction fetches.
	X
	// RX allows reads and instruction fetches.
	RX
	// WX allows writes and instruction fetches.
	WX
	// RWX allows everything.
	RWX
	// RX2RW is transitional: the frame starts out read/execute and the
	// hypervisor switches it to read/write on the guest's first write
	// fault.
	RX2RW
)

// Permissions is the caller-visible permission triple. WriteUpgradable
// distinguishes the transitional RX2RW state from plain RX for callers
// that care; both report Read and Execute set.
type Permissions struct {
	Read            bool
	Write           bool
	Execute         bool
	WriteUpgradable bool
}

// Encode maps a permission triple to its access-control value. Only the
// seven explicit grant combinations exist; no bits set (and only no bits
// set) maps to None. WriteUpgradable is a hypervisor-internal transition
// and cannot be requested.
func (p Permissions) Encode() Value {
	switch {
	case p.Read && !p.Write && !p.Execute:
		return R
	case !p.Read && p.Write && !p.Execute:
		return W
	case !p.Read && !p.Write && p.Execute:
		return X
	case p.Read && p.Write && !p.Execute:
		return RW
	case p.Read && !p.Write && p.Execute:
		return RX
	case !p.Read && p.Write && p.Execute:
		return WX
	case p.Read && p.Write && p.Execute:
		return RWX
	default:
		return None
	}
}

// Decode maps an access-control value back to a permission triple.
// Unknown values decode as no access.
func Decode(v Value) Permissions {
	switch v {
	case R:
		return Permissions{Read: true}
	case W:
		return Permissions{Write: true}
	case X:
		return Permissions{Execute: true}
	case RW:
		return Permissions{Read: true, Write: true}
	case RX:
		return Permissions{Read: true, Execute: true}
	case WX:
		return Permissions{Write: true, Execute: true}
	case RWX:
		return Permissions{Read: true, Write: true, Execute: true}
	case RX2RW:
		return Permissions{Read: true, Execute: true, WriteUpgradable: true}
	default:
		return Permissions{}
	}
}

// FrameAccessor is the hypervisor's single-frame access-control
// primitive. There are no range operations.
type FrameAccessor interface {
	GetAccess(frame gpa.Frame) (Value, error)
	SetAccess(frame gpa.Frame, v Value) error
}

// Controller applies permission triples to guest frames.
type Controller struct {
	fa FrameAccessor
}

// NewController returns a controller over fa.
func NewController(fa FrameAccessor) *Controller {
	return &Controller{fa: fa}
}

// Set applies the triple to a single frame.
func (c *Controller) Set(frame gpa.Frame, p Permissions) error {
	return c.fa.SetAccess(frame, p.Encode())
}

// Get reports the frame's current permissions.
func (c *Controller) Get(frame gpa.Frame) (Permissions, error) {
	v, err := c.fa.GetAccess(frame)
	if err != nil {
		return Permissions{}, err
	}
	return Decode(v), nil
}
