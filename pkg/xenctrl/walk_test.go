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
	"testing"

	"xenvmi.dev/xenvmi/pkg/gpa"
)

// fakeMemory is a sparse guest physical memory for walker tests.
type fakeMemory map[gpa.Frame][]byte

func (m fakeMemory) read(frame gpa.Frame) ([]byte, error) {
	if page, ok := m[frame]; ok {
		return page, nil
	}
	return make([]byte, gpa.PageSize), nil
}

func (m fakeMemory) page(frame gpa.Frame) []byte {
	if _, ok := m[frame]; !ok {
		m[frame] = make([]byte, gpa.PageSize)
	}
	return m[frame]
}

func (m fakeMemory) set64(frame gpa.Frame, index uint64, value uint64) {
	binary.LittleEndian.PutUint64(m.page(frame)[index*8:], value)
}

func (m fakeMemory) set32(frame gpa.Frame, index uint64, value uint32) {
	binary.LittleEndian.PutUint32(m.page(frame)[index*4:], value)
}

func longModeCPU(cr3 uint64) *HVMCPU {
	return &HVMCPU{
		CR0:     cr0PG | 1,
		CR3:     cr3,
		CR4:     cr4PAE,
		MSREFER: eferLMA,
	}
}

func TestWalkLongMode(t *testing.T) {
	mem := fakeMemory{}
	const va = gpa.Addr(0x7f1234567000)

	// cr3 -> pml4 frame 0x100 -> pdpt 0x101 -> pd 0x102 -> pt 0x103 -> 0xabcd.
	mem.set64(0x100, uint64(va)>>39&0x1ff, 0x101<<12|ptePresent)
	mem.set64(0x101, uint64(va)>>30&0x1ff, 0x102<<12|ptePresent)
	mem.set64(0x102, uint64(va)>>21&0x1ff, 0x103<<12|ptePresent)
	mem.set64(0x103, uint64(va)>>12&0x1ff, 0xabcd<<12|ptePresent)

	frame, err := walkPageTables(mem.read, longModeCPU(0x100<<12), va)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if frame != 0xabcd {
		t.Fatalf("walk = %#x, want 0xabcd", frame)
	}
}

func TestWalkLongMode2MiBPage(t *testing.T) {
	mem := fakeMemory{}
	const va = gpa.Addr(0xffff800000305123) // 2 MiB page, offset 0x105123

	mem.set64(0x100, uint64(va)>>39&0x1ff, 0x101<<12|ptePresent)
	mem.set64(0x101, uint64(va)>>30&0x1ff, 0x102<<12|ptePresent)
	mem.set64(0x102, uint64(va)>>21&0x1ff, 0x40000000|ptePageSize|ptePresent)

	frame, err := walkPageTables(mem.read, longModeCPU(0x100<<12), va)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	want := (gpa.Addr(0x40000000) + va&(1<<21-1)).Frame()
	if frame != want {
		t.Fatalf("walk = %#x, want %#x", frame, want)
	}
}

func TestWalkNotPresent(t *testing.T) {
	mem := fakeMemory{}
	const va = gpa.Addr(0x1000)
	// Empty PML4: entry not present.
	mem.page(0x100)

	frame, err := walkPageTables(mem.read, longModeCPU(0x100<<12), va)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if frame != 0 {
		t.Fatalf("walk = %#x, want 0 (unmapped)", frame)
	}
}

func TestWalkPagingDisabled(t *testing.T) {
	cpu := &HVMCPU{CR0: 1} // PE set, PG clear
	frame, err := walkPageTables(fakeMemory{}.read, cpu, 0x12345678)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if frame != 0x12345 {
		t.Fatalf("walk = %#x, want identity frame 0x12345", frame)
	}
}

func TestWalkLegacy32(t *testing.T) {
	mem := fakeMemory{}
	const va = gpa.Addr(0x0804a123)

	mem.set32(0x200, uint64(va)>>22&0x3ff, 0x201<<12|ptePresent)
	mem.set32(0x201, uint64(va)>>12&0x3ff, 0x5555<<12|ptePresent)

	cpu := &HVMCPU{CR0: cr0PG | 1, CR3: 0x200 << 12}
	frame, err := walkPageTables(mem.read, cpu, va)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if frame != 0x5555 {
		t.Fatalf("walk = %#x, want 0x5555", frame)
	}
}

func TestWalkPAE(t *testing.T) {
	mem := fakeMemory{}
	const va = gpa.Addr(0xb7701123)

	// PDPT at frame 0x300, offset 0 (CR3 32-byte aligned to page base).
	mem.set64(0x300, uint64(va)>>30&0x3, 0x301<<12|ptePresent)
	mem.set64(0x301, uint64(va)>>21&0x1ff, 0x302<<12|ptePresent)
	mem.set64(0x302, uint64(va)>>12&0x1ff, 0x7777<<12|ptePresent)

	cpu := &HVMCPU{CR0: cr0PG | 1, CR3: 0x300 << 12, CR4: cr4PAE}
	frame, err := walkPageTables(mem.read, cpu, va)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if frame != 0x7777 {
		t.Fatalf("walk = %#x, want 0x7777", frame)
	}
}
