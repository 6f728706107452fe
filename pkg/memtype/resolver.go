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

package memtype

import "xenvmi.dev/xenvmi/pkg/gpa"

const (
	// physMaskValid is the valid bit in a variable-range mask MSR.
	physMaskValid = 1 << 11

	// physBaseTypeMask selects the type field of a variable-range base MSR.
	physBaseTypeMask = 0xff

	// fixedRangeCeiling is the top of the fixed-range MTRR window.
	fixedRangeCeiling = 0x100000

	// NumFixedRanges is the number of fixed-range MTRR MSRs: one 64 KiB
	// register, two 16 KiB registers and eight 4 KiB registers, each
	// holding eight type bytes.
	NumFixedRanges = 11
)

// Range is a variable-range MTRR (base, mask) MSR pair.
type Range struct {
	Base uint64
	Mask uint64
}

// valid reports whether the range participates in resolution.
func (r Range) valid() bool {
	return r.Mask&physMaskValid != 0
}

// span returns the [first, last] frame span covered by the range. The
// mask's contiguous high-order bits determine the power-of-two size; an
// invalid range spans nothing.
func (r Range) span(physAddrBits uint8) (first, last uint64, ok bool) {
	if !r.valid() {
		return 0, 0, false
	}
	// Extend the mask above the physical address width so that -mask
	// yields the range size in frames.
	sizeOrMask := ^uint64(0) << (physAddrBits - gpa.PageShift)
	mask := sizeOrMask | r.Mask>>gpa.PageShift
	size := -mask
	first = r.Base >> gpa.PageShift
	last = first + size - 1
	return first, last, true
}

// matches reports whether the range covers the given physical address.
func (r Range) matches(pa gpa.Addr) bool {
	return (uint64(pa)&r.Mask)>>gpa.PageShift == (r.Base&r.Mask)>>gpa.PageShift
}

// typ returns the memory type encoded in the range's base MSR.
func (r Range) typ() MemoryType {
	return MemoryType(r.Base & physBaseTypeMask)
}

// State is a snapshot of a guest's MTRR MSRs, as read from the domain's
// HVM save records. It is fetched once per driver instance; the guest's
// MTRR layout is effectively static after boot.
type State struct {
	// DefType is MSR_MTRRdefType: default type in the low byte, fixed
	// enable at bit 10, MTRR enable at bit 11.
	DefType uint64

	// Cap is MSR_MTRRcap; the low byte is the variable range count.
	Cap uint64

	// Fixed holds the fixed-range MSRs covering [0, 1 MiB), eight type
	// bytes per register, in ascending address order.
	Fixed [NumFixedRanges]uint64

	// Variable holds the variable-range register pairs.
	Variable []Range

	// PhysAddrBits is the guest's physical address width, used to derive
	// variable range spans from their masks.
	PhysAddrBits uint8
}

func (s *State) defaultType() MemoryType {
	return MemoryType(s.DefType & 0xff)
}

func (s *State) mtrrEnabled() bool {
	return s.DefType&(1<<11) != 0
}

func (s *State) fixedEnabled() bool {
	return s.DefType&(1<<10) != 0
}

// fixedType selects the fixed-range type byte for an address below the
// fixed-range ceiling. The window is banded: [0, 512K) at 64 KiB steps,
// [512K, 768K) at 16 KiB steps, [768K, 1M) at 4 KiB steps.
func (s *State) fixedType(pa gpa.Addr) MemoryType {
	addr := uint32(pa)
	var index, seg uint32
	switch {
	case addr < 0x80000:
		index = 0
		seg = addr >> 16
	case addr < 0xc0000:
		seg = (addr - 0x80000) >> 14
		index = seg>>3 + 1
		seg &= 7
	default:
		seg = (addr - 0xc0000) >> 12
		index = seg>>3 + 3
		seg &= 7
	}
	return MemoryType(s.Fixed[index] >> (seg * 8) & 0xff)
}

// variableRanges bounds the snapshot's range slice by the count MSR_MTRRcap
// advertises.
func (s *State) variableRanges() []Range {
	n := int(s.Cap & 0xff)
	if n > len(s.Variable) {
		n = len(s.Variable)
	}
	return s.Variable[:n]
}

// overlapped reports whether any two valid variable ranges cover a common
// address anywhere in the map. When they do not, the first match found
// during resolution settles the type immediately.
func (s *State) overlapped() bool {
	ranges := s.variableRanges()
	for i, ri := range ranges {
		firstI, lastI, ok := ri.span(s.PhysAddrBits)
		if !ok {
			continue
		}
		for _, rj := range ranges[i+1:] {
			firstJ, lastJ, ok := rj.span(s.PhysAddrBits)
			if !ok {
				continue
			}
			if firstI <= lastJ && firstJ <= lastI {
				return true
			}
		}
	}
	return false
}

// Resolver resolves effective memory types against a fixed MTRR snapshot.
// It is pure after construction and safe for concurrent use.
type Resolver struct {
	state      State
	overlapped bool
}

// NewResolver captures the snapshot and precomputes whether its variable
// ranges overlap.
func NewResolver(state State) *Resolver {
	return &Resolver{
		state:      state,
		overlapped: state.overlapped(),
	}
}

// Resolve returns the memory type the guest CPU observes at pa.
//
// Resolution follows the architectural order: a disabled MTRR map is
// uncacheable everywhere; enabled fixed ranges decide addresses below
// 1 MiB; otherwise matching variable ranges decide, with ties broken by
// UC over everything and WT over WB. A tie among other types is
// architecturally undefined; the last-matched type is returned as a
// defined fallback.
func (r *Resolver) Resolve(pa gpa.Addr) MemoryType {
	s := &r.state

	if !s.mtrrEnabled() {
		return Uncacheable
	}

	if pa < fixedRangeCeiling && s.fixedEnabled() {
		return s.fixedType(pa)
	}

	var (
		matched uint8
		last    MemoryType
	)
	for _, vr := range s.variableRanges() {
		if !vr.valid() || !vr.matches(pa) {
			continue
		}
		t := vr.typ()
		if !r.overlapped {
			return t
		}
		matched |= 1 << t
		last = t
	}

	if matched == 0 {
		return s.defaultType()
	}
	if matched&^(1<<last) == 0 {
		// Every match agreed.
		return last
	}
	if matched&(1<<Uncacheable) != 0 {
		return Uncacheable
	}
	if matched&^(1<<WriteThrough|1<<WriteBack) == 0 {
		return WriteThrough
	}
	return last
}
