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
	"encoding/binary"
	"fmt"

	"xenvmi.dev/xenvmi/pkg/gpa"
)

// Page table entry bits shared by every paging mode.
const (
	ptePresent  = 1 << 0
	ptePageSize = 1 << 7

	// pteFrameMask selects the frame address bits of a 64-bit entry.
	pteFrameMask = 0x000ffffffffff000
)

// pagingMode is the guest's active translation scheme.
type pagingMode int

const (
	pagingNone pagingMode = iota // CR0.PG clear, physical == virtual
	paging32                     // two-level, 4-byte entries
	pagingPAE                    // three-level, 8-byte entries
	pagingLong                   // four-level, 8-byte entries
)

const (
	cr0PG   = 1 << 31
	cr4PAE  = 1 << 5
	eferLMA = 1 << 10
)

// guestPagingMode derives the paging mode from a vcpu's control state.
func guestPagingMode(cpu *HVMCPU) pagingMode {
	switch {
	case cpu.CR0&cr0PG == 0:
		return pagingNone
	case cpu.MSREFER&eferLMA != 0:
		return pagingLong
	case cpu.CR4&cr4PAE != 0:
		return pagingPAE
	default:
		return paging32
	}
}

// frameReader reads one guest frame; the walker uses it to fetch page
// table pages.
type frameReader func(gpa.Frame) ([]byte, error)

// TranslateVirtual resolves a guest virtual address to its physical frame
// by walking the guest's page tables in the context of the given vcpu,
// the same way libxc's foreign-address translation does. A zero frame
// with a nil error means the address is not mapped.
func (xc *Interface) TranslateVirtual(domid uint16, va gpa.Addr, vcpu uint16) (gpa.Frame, error) {
	cpu, err := xc.CPUContext(domid, vcpu)
	if err != nil {
		return 0, err
	}
	read := func(frame gpa.Frame) ([]byte, error) {
		page, err := xc.MapFrame(domid, frame)
		if err != nil {
			return nil, err
		}
		defer xc.UnmapFrame(page)
		buf := make([]byte, gpa.PageSize)
		copy(buf, page)
		return buf, nil
	}
	return walkPageTables(read, &cpu, va)
}

// walkPageTables performs the mode-appropriate table walk.
func walkPageTables(read frameReader, cpu *HVMCPU, va gpa.Addr) (gpa.Frame, error) {
	switch mode := guestPagingMode(cpu); mode {
	case pagingNone:
		return va.Frame(), nil
	case pagingLong:
		return walkLong(read, cpu.CR3, va)
	case pagingPAE:
		return walkPAE(read, cpu.CR3, va)
	case paging32:
		return walk32(read, cpu.CR3, va)
	default:
		return 0, fmt.Errorf("unknown paging mode %d", mode)
	}
}

// entry64 reads the 8-byte entry at the given index of a table frame.
func entry64(read frameReader, table gpa.Frame, index uint64) (uint64, error) {
	page, err := read(table)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(page[index*8:]), nil
}

// entry32 reads the 4-byte entry at the given index of a table frame.
func entry32(read frameReader, table gpa.Frame, index uint64) (uint32, error) {
	page, err := read(table)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(page[index*4:]), nil
}

// walkLong walks the four-level 64-bit tables, honoring 1 GiB and 2 MiB
// leaf entries.
func walkLong(read frameReader, cr3 uint64, va gpa.Addr) (gpa.Frame, error) {
	table := gpa.Addr(cr3 & pteFrameMask).Frame()

	// PML4.
	pml4e, err := entry64(read, table, uint64(va)>>39&0x1ff)
	if err != nil || pml4e&ptePresent == 0 {
		return 0, err
	}

	// PDPT; PS here is a 1 GiB page.
	pdpte, err := entry64(read, gpa.Addr(pml4e&pteFrameMask).Frame(), uint64(va)>>30&0x1ff)
	if err != nil || pdpte&ptePresent == 0 {
		return 0, err
	}
	if pdpte&ptePageSize != 0 {
		base := gpa.Addr(pdpte & pteFrameMask &^ (1<<30 - 1))
		return (base + va&(1<<30-1)).Frame(), nil
	}

	// PD; PS here is a 2 MiB page.
	pde, err := entry64(read, gpa.Addr(pdpte&pteFrameMask).Frame(), uint64(va)>>21&0x1ff)
	if err != nil || pde&ptePresent == 0 {
		return 0, err
	}
	if pde&ptePageSize != 0 {
		base := gpa.Addr(pde & pteFrameMask &^ (1<<21 - 1))
		return (base + va&(1<<21-1)).Frame(), nil
	}

	// PT.
	pte, err := entry64(read, gpa.Addr(pde&pteFrameMask).Frame(), uint64(va)>>12&0x1ff)
	if err != nil || pte&ptePresent == 0 {
		return 0, err
	}
	return gpa.Addr(pte & pteFrameMask).Frame(), nil
}

// walkPAE walks the three-level PAE tables. The four-entry PDPT lives at
// the 32-byte-aligned address in CR3.
func walkPAE(read frameReader, cr3 uint64, va gpa.Addr) (gpa.Frame, error) {
	pdptBase := gpa.Addr(cr3 &^ 0x1f)
	page, err := read(pdptBase.Frame())
	if err != nil {
		return 0, err
	}
	off := pdptBase.PageOffset() + uint64(va)>>30&0x3*8
	pdpte := binary.LittleEndian.Uint64(page[off:])
	if pdpte&ptePresent == 0 {
		return 0, nil
	}

	pde, err := entry64(read, gpa.Addr(pdpte&pteFrameMask).Frame(), uint64(va)>>21&0x1ff)
	if err != nil || pde&ptePresent == 0 {
		return 0, err
	}
	if pde&ptePageSize != 0 {
		base := gpa.Addr(pde & pteFrameMask &^ (1<<21 - 1))
		return (base + va&(1<<21-1)).Frame(), nil
	}

	pte, err := entry64(read, gpa.Addr(pde&pteFrameMask).Frame(), uint64(va)>>12&0x1ff)
	if err != nil || pte&ptePresent == 0 {
		return 0, err
	}
	return gpa.Addr(pte & pteFrameMask).Frame(), nil
}

// walk32 walks the two-level legacy tables with 4-byte entries, honoring
// 4 MiB leaf entries.
func walk32(read frameReader, cr3 uint64, va gpa.Addr) (gpa.Frame, error) {
	table := gpa.Addr(cr3 &^ 0xfff).Frame()

	pde, err := entry32(read, table, uint64(va)>>22&0x3ff)
	if err != nil || pde&ptePresent == 0 {
		return 0, err
	}
	if pde&ptePageSize != 0 {
		base := gpa.Addr(pde &^ (1<<22 - 1))
		return (base + va&(1<<22-1)).Frame(), nil
	}

	pte, err := entry32(read, gpa.Addr(pde&^0xfff).Frame(), uint64(va)>>12&0x3ff)
	if err != nil || pte&ptePresent == 0 {
		return 0, err
	}
	return gpa.Addr(pte &^ 0xfff).Frame(), nil
}
