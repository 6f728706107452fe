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

// Package gpa provides guest physical address and frame primitives shared
// by the introspection driver's memory packages.
package gpa

const (
	// PageShift is the binary log of the guest page size.
	PageShift = 12

	// PageSize is the guest page size. Xen HVM guests use 4 KiB frames
	// regardless of the guest's own page table configuration.
	PageSize = 1 << PageShift

	// PageMask masks the offset bits of an address.
	PageMask = PageSize - 1
)

// Addr is a guest address, physical or virtual depending on context.
type Addr uint64

// Frame is the index of a guest physical page frame (gfn).
type Frame uint64

// Frame returns the frame containing the address.
func (a Addr) Frame() Frame {
	return Frame(a >> PageShift)
}

// PageOffset returns the offset of the address within its page.
func (a Addr) PageOffset() uint64 {
	return uint64(a) & PageMask
}

// PageBase returns the address rounded down to its page boundary.
func (a Addr) PageBase() Addr {
	return a &^ PageMask
}

// Base returns the first address of the frame.
func (f Frame) Base() Addr {
	return Addr(f) << PageShift
}

// SpansPages reports whether the byte range [a, a+length) crosses a page
// boundary. Zero and negative lengths span nothing but are never valid
// map requests; callers reject them separately.
func SpansPages(a Addr, length int) bool {
	if length <= 1 {
		return false
	}
	return a.PageBase() != (a + Addr(length) - 1).PageBase()
}
