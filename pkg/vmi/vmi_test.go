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

package vmi

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"xenvmi.dev/xenvmi/pkg/access"
	"xenvmi.dev/xenvmi/pkg/gpa"
	"xenvmi.dev/xenvmi/pkg/memtype"
	"xenvmi.dev/xenvmi/pkg/vmierr"
	"xenvmi.dev/xenvmi/pkg/xenctrl"
)

// alignedPage carves a page-aligned page out of a larger buffer, since
// view release masks pointers down to the page base.
func alignedPage() []byte {
	buf := make([]byte, 2*gpa.PageSize)
	p := uintptr(unsafe.Pointer(&buf[0]))
	off := (gpa.PageSize - int(p)&gpa.PageMask) & gpa.PageMask
	return buf[off : off+gpa.PageSize]
}

type trapCall struct {
	vcpu                         uint16
	vector, eventType, errorCode uint32
	cr2                          uint64
}

// stubControl is an in-memory Control for driver tests.
type stubControl struct {
	info    xenctrl.DomainInfo
	infoErr error
	caps    string

	pages      map[gpa.Frame][]byte
	mapCalls   int
	unmapCalls int

	translations   map[gpa.Addr]gpa.Frame
	translateCalls int

	accessVals map[gpa.Frame]access.Value

	mtrr      memtype.State
	mtrrCalls int

	cpu   xenctrl.HVMCPU
	ctx64 xenctrl.VCPUContext64
	set64 *xenctrl.VCPUContext64

	traps    []trapCall
	written  map[gpa.Frame][]byte
	paused   int
	unpaused int
	shutdown int
	tsc      xenctrl.TSCInfo
	closed   bool
}

func newStubControl() *stubControl {
	return &stubControl{
		info:         xenctrl.DomainInfo{Domain: 7, HVM: true, MaxVCPUID: 1},
		caps:         "xen-3.0-x86_64 hvm-3.0-x86_32 hvm-3.0-x86_64",
		pages:        make(map[gpa.Frame][]byte),
		translations: make(map[gpa.Addr]gpa.Frame),
		accessVals:   make(map[gpa.Frame]access.Value),
		written:      make(map[gpa.Frame][]byte),
	}
}

func (s *stubControl) DomainInfo(domid uint16) (xenctrl.DomainInfo, error) {
	return s.info, s.infoErr
}

func (s *stubControl) PauseDomain(domid uint16) error    { s.paused++; return nil }
func (s *stubControl) UnpauseDomain(domid uint16) error  { s.unpaused++; return nil }
func (s *stubControl) ShutdownDomain(domid uint16) error { s.shutdown++; return nil }

func (s *stubControl) TSCInfo(domid uint16) (xenctrl.TSCInfo, error) {
	return s.tsc, nil
}

func (s *stubControl) Capabilities() (string, error) {
	return s.caps, nil
}

func (s *stubControl) CPUContext(domid, vcpu uint16) (xenctrl.HVMCPU, error) {
	return s.cpu, nil
}

func (s *stubControl) MTRRContext(domid, vcpu uint16, physAddrBits uint8) (memtype.State, error) {
	s.mtrrCalls++
	return s.mtrr, nil
}

func (s *stubControl) VCPUContext64(domid, vcpu uint16) (*xenctrl.VCPUContext64, error) {
	ctxt := s.ctx64
	return &ctxt, nil
}

func (s *stubControl) SetVCPUContext64(domid, vcpu uint16, ctxt *xenctrl.VCPUContext64) error {
	s.set64 = ctxt
	return nil
}

func (s *stubControl) VCPUContext32(domid, vcpu uint16) (*xenctrl.VCPUContext32, error) {
	return nil, errors.New("32-bit context not stubbed")
}

func (s *stubControl) SetVCPUContext32(domid, vcpu uint16, ctxt *xenctrl.VCPUContext32) error {
	return errors.New("32-bit context not stubbed")
}

func (s *stubControl) TranslateVirtual(domid uint16, va gpa.Addr, vcpu uint16) (gpa.Frame, error) {
	s.translateCalls++
	return s.translations[va.PageBase()], nil
}

func (s *stubControl) MapFrame(domid uint16, frame gpa.Frame) ([]byte, error) {
	s.mapCalls++
	page := alignedPage()
	copy(page, s.pages[frame])
	return page, nil
}

func (s *stubControl) UnmapFrame(page []byte) error {
	s.unmapCalls++
	return nil
}

func (s *stubControl) CopyToFrame(domid uint16, frame gpa.Frame, buf []byte) error {
	if len(buf) > gpa.PageSize {
		return vmierr.ErrInvalidParameter
	}
	s.written[frame] = append([]byte(nil), buf...)
	return nil
}

func (s *stubControl) GetAccess(domid uint16, frame gpa.Frame) (access.Value, error) {
	v, ok := s.accessVals[frame]
	if !ok {
		return access.RWX, nil
	}
	return v, nil
}

func (s *stubControl) SetAccess(domid uint16, frame gpa.Frame, v access.Value) error {
	s.accessVals[frame] = v
	return nil
}

func (s *stubControl) InjectTrap(domid, vcpu uint16, vector, eventType, errorCode uint32, cr2 uint64) error {
	s.traps = append(s.traps, trapCall{vcpu, vector, eventType, errorCode, cr2})
	return nil
}

func (s *stubControl) Close() error {
	s.closed = true
	return nil
}

func newTestDriver(t *testing.T, ctl *stubControl) *Driver {
	t.Helper()
	d, err := New(ctl, 7, Options{HVMOnly: true, PhysAddrBits: 36})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestConstructionRejectsPVDomain(t *testing.T) {
	ctl := newStubControl()
	ctl.info.HVM = false
	if _, err := New(ctl, 7, Options{HVMOnly: true, PhysAddrBits: 36}); !errors.Is(err, ErrConstruction) {
		t.Fatalf("New = %v, want ErrConstruction", err)
	}
}

func TestConstructionReportsLookupFailure(t *testing.T) {
	ctl := newStubControl()
	ctl.infoErr = fmt.Errorf("domain 7 not found")
	if _, err := New(ctl, 7, Options{PhysAddrBits: 36}); !errors.Is(err, ErrConstruction) {
		t.Fatalf("New = %v, want ErrConstruction", err)
	}
}

func TestLockDirRejectsSecondDriver(t *testing.T) {
	dir := t.TempDir()
	ctl := newStubControl()
	d, err := New(ctl, 7, Options{PhysAddrBits: 36, LockDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()
	if _, err := New(newStubControl(), 7, Options{PhysAddrBits: 36, LockDir: dir}); !errors.Is(err, ErrConstruction) {
		t.Fatalf("second New = %v, want ErrConstruction", err)
	}
}

func TestMapRejectsPageSpan(t *testing.T) {
	d := newTestDriver(t, newStubControl())
	for _, tc := range []struct {
		addr   gpa.Addr
		length int
	}{
		{0x1ffe, 4},         // crosses a boundary
		{0x1000, 0},         // empty
		{0x2000, -1},        // negative
		{0x3fff, 2},         // last byte plus one
	} {
		if _, err := d.MapPhysical(tc.addr, tc.length); !errors.Is(err, vmierr.ErrInvalidParameter) {
			t.Errorf("MapPhysical(%#x, %d) = %v, want ErrInvalidParameter", tc.addr, tc.length, err)
		}
		if _, err := d.MapVirtual(tc.addr, tc.length, 0); !errors.Is(err, vmierr.ErrInvalidParameter) {
			t.Errorf("MapVirtual(%#x, %d) = %v, want ErrInvalidParameter", tc.addr, tc.length, err)
		}
	}
}

func TestMapPhysicalOffsetView(t *testing.T) {
	ctl := newStubControl()
	page := make([]byte, gpa.PageSize)
	copy(page[0x123:], "introspected")
	ctl.pages[0x40] = page

	d := newTestDriver(t, ctl)
	view, err := d.MapPhysical(0x40123, len("introspected"))
	if err != nil {
		t.Fatalf("MapPhysical: %v", err)
	}
	if !bytes.Equal(view, []byte("introspected")) {
		t.Errorf("view = %q", view)
	}
	if err := d.Unmap(view); err != nil {
		t.Errorf("Unmap: %v", err)
	}
}

func TestMapVirtualCachesTranslation(t *testing.T) {
	ctl := newStubControl()
	ctl.translations[0x7f0000] = 0x55
	ctl.pages[0x55] = bytes.Repeat([]byte{0xab}, gpa.PageSize)

	d := newTestDriver(t, ctl)
	for i := 0; i < 3; i++ {
		view, err := d.MapVirtual(0x7f0010, 8, 0)
		if err != nil {
			t.Fatalf("MapVirtual #%d: %v", i, err)
		}
		if view[0] != 0xab {
			t.Fatalf("view[0] = %#x", view[0])
		}
		if err := d.Unmap(view); err != nil {
			t.Fatalf("Unmap: %v", err)
		}
	}
	if ctl.translateCalls != 1 {
		t.Errorf("translateCalls = %d, want 1", ctl.translateCalls)
	}

	d.InvalidateTranslation(0x7f0000)
	if _, err := d.MapVirtual(0x7f0010, 8, 0); err != nil {
		t.Fatalf("MapVirtual after invalidate: %v", err)
	}
	if ctl.translateCalls != 2 {
		t.Errorf("translateCalls after invalidate = %d, want 2", ctl.translateCalls)
	}
}

func TestMapVirtualUnmappedAddress(t *testing.T) {
	d := newTestDriver(t, newStubControl())
	if _, err := d.MapVirtual(0xdead0000, 8, 0); !errors.Is(err, vmierr.ErrTranslationFailed) {
		t.Fatalf("MapVirtual = %v, want ErrTranslationFailed", err)
	}
}

func TestPagePermissionRoundTrip(t *testing.T) {
	ctl := newStubControl()
	d := newTestDriver(t, ctl)

	if err := d.SetPagePermission(0x1234000, true, false, true); err != nil {
		t.Fatalf("SetPagePermission: %v", err)
	}
	if got := ctl.accessVals[0x1234]; got != access.RX {
		t.Errorf("stored access = %v, want RX", got)
	}
	p, err := d.GetPagePermission(0x1234567)
	if err != nil {
		t.Fatalf("GetPagePermission: %v", err)
	}
	want := access.Permissions{Read: true, Execute: true}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("permissions (-want +got):\n%s", diff)
	}
}

func TestPagePermissionWriteUpgradable(t *testing.T) {
	ctl := newStubControl()
	ctl.accessVals[0x99] = access.RX2RW
	d := newTestDriver(t, ctl)

	p, err := d.GetPagePermission(0x99fff)
	if err != nil {
		t.Fatalf("GetPagePermission: %v", err)
	}
	if !p.WriteUpgradable || !p.Read || !p.Execute || p.Write {
		t.Errorf("permissions = %+v, want read/execute with write upgradable", p)
	}
}

func TestResolveCacheabilityFetchesMTRROnce(t *testing.T) {
	ctl := newStubControl()
	ctl.mtrr = memtype.State{
		DefType:      1<<11 | uint64(memtype.WriteBack),
		Cap:          1,
		PhysAddrBits: 36,
		Variable: []memtype.Range{{
			Base: 0xf0000000 | uint64(memtype.Uncacheable),
			Mask: (^uint64(1<<24 - 1) & (1<<36 - 1)) | 1<<11,
		}},
	}
	d := newTestDriver(t, ctl)

	for addr, want := range map[gpa.Addr]memtype.MemoryType{
		0xf0001000: memtype.Uncacheable,
		0x00100000: memtype.WriteBack,
	} {
		got, err := d.ResolveCacheability(addr)
		if err != nil {
			t.Fatalf("ResolveCacheability(%#x): %v", addr, err)
		}
		if got != want {
			t.Errorf("ResolveCacheability(%#x) = %v, want %v", addr, got, want)
		}
	}
	if ctl.mtrrCalls != 1 {
		t.Errorf("mtrrCalls = %d, want 1", ctl.mtrrCalls)
	}
}

func TestMSRExitToggle(t *testing.T) {
	d := newTestDriver(t, newStubControl())
	const msrLSTAR = 0xc0000082

	if old := d.EnableMSRExit(msrLSTAR); old {
		t.Error("EnableMSRExit reported already enabled")
	}
	if old := d.EnableMSRExit(msrLSTAR); !old {
		t.Error("second EnableMSRExit reported disabled")
	}
	if old := d.DisableMSRExit(msrLSTAR); !old {
		t.Error("DisableMSRExit reported already disabled")
	}
	if old := d.DisableMSRExit(msrLSTAR); old {
		t.Error("second DisableMSRExit reported enabled")
	}
}

func TestRegistersModeDerivation(t *testing.T) {
	for _, tc := range []struct {
		name string
		cpu  xenctrl.HVMCPU
		want CSType
	}{
		{"real", xenctrl.HVMCPU{}, CSTypeError},
		{"vm86", xenctrl.HVMCPU{CR0: cr0PE, RFlags: eflagsVM}, CSTypeError},
		{"protected32", xenctrl.HVMCPU{CR0: cr0PE, CSArbytes: arbytesDB}, CSType32},
		{"protected16", xenctrl.HVMCPU{CR0: cr0PE}, CSType16},
		{"long", xenctrl.HVMCPU{CR0: cr0PE, MSREFER: eferLMA, CSArbytes: arbytesL}, CSType64},
		{"compat", xenctrl.HVMCPU{CR0: cr0PE, MSREFER: eferLMA, CSArbytes: arbytesDB}, CSType32},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctl := newStubControl()
			ctl.cpu = tc.cpu
			d := newTestDriver(t, ctl)
			regs, err := d.Registers(0)
			if err != nil {
				t.Fatalf("Registers: %v", err)
			}
			if regs.Mode != tc.want {
				t.Errorf("Mode = %v, want %v", regs.Mode, tc.want)
			}
		})
	}
}

func TestSetRegistersPreservesContext(t *testing.T) {
	ctl := newStubControl()
	ctl.ctx64.Rest[0] = 0x5a // non-GPR state rides along
	ctl.ctx64.UserRegs.RIP = 0x1000
	d := newTestDriver(t, ctl)

	regs := Registers{RAX: 1, RBX: 2, RIP: 0x2000, RFlags: 0x202}
	if err := d.SetRegisters(0, regs, false); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}
	if ctl.set64 == nil {
		t.Fatal("SetVCPUContext64 never called")
	}
	if ctl.set64.Rest[0] != 0x5a {
		t.Error("non-GPR context not preserved")
	}
	if ctl.set64.UserRegs.RAX != 1 || ctl.set64.UserRegs.RBX != 2 {
		t.Errorf("GPRs = %d/%d, want 1/2", ctl.set64.UserRegs.RAX, ctl.set64.UserRegs.RBX)
	}
	if ctl.set64.UserRegs.RIP != 0x1000 {
		t.Errorf("RIP = %#x, want untouched 0x1000", ctl.set64.UserRegs.RIP)
	}

	if err := d.SetRegisters(0, regs, true); err != nil {
		t.Fatalf("SetRegisters(setIP): %v", err)
	}
	if ctl.set64.UserRegs.RIP != 0x2000 {
		t.Errorf("RIP = %#x, want 0x2000", ctl.set64.UserRegs.RIP)
	}
}

func TestInjectPageFault(t *testing.T) {
	ctl := newStubControl()
	d := newTestDriver(t, ctl)

	if err := d.InjectPageFault(0, 0x7fffdead0000, true); err != nil {
		t.Fatalf("InjectPageFault: %v", err)
	}
	want := trapCall{
		vcpu:      0,
		vector:    xenctrl.TrapPageFault,
		eventType: xenctrl.EventTypeHWException,
		errorCode: xenctrl.PFECWriteAccess,
		cr2:       0x7fffdead0000,
	}
	if len(ctl.traps) != 1 || ctl.traps[0] != want {
		t.Errorf("traps = %+v, want %+v", ctl.traps, want)
	}

	// Read faults carry no error code bits.
	if err := d.InjectPageFault(1, 0x1000, false); err != nil {
		t.Fatalf("InjectPageFault(read): %v", err)
	}
	if ctl.traps[1].errorCode != 0 {
		t.Errorf("read fault errorCode = %#x, want 0", ctl.traps[1].errorCode)
	}

	// vcpu out of range (MaxVCPUID is 1, so 2 vcpus).
	if err := d.InjectPageFault(2, 0x1000, false); !errors.Is(err, vmierr.ErrInvalidParameter) {
		t.Errorf("InjectPageFault(vcpu 2) = %v, want ErrInvalidParameter", err)
	}
}

func TestWritePhysical(t *testing.T) {
	ctl := newStubControl()
	d := newTestDriver(t, ctl)

	if err := d.WritePhysical(0x30000, []byte{0xcc}); err != nil {
		t.Fatalf("WritePhysical: %v", err)
	}
	if !bytes.Equal(ctl.written[0x30], []byte{0xcc}) {
		t.Errorf("written = %v", ctl.written[0x30])
	}
}

func TestLifecyclePassthrough(t *testing.T) {
	ctl := newStubControl()
	ctl.tsc = xenctrl.TSCInfo{KHz: 2_400_000}
	d := newTestDriver(t, ctl)

	if err := d.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := d.Unpause(); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	if err := d.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ctl.paused != 1 || ctl.unpaused != 1 || ctl.shutdown != 1 {
		t.Errorf("calls = %d/%d/%d, want 1/1/1", ctl.paused, ctl.unpaused, ctl.shutdown)
	}

	hz, err := d.TSCSpeed()
	if err != nil {
		t.Fatalf("TSCSpeed: %v", err)
	}
	if hz != 2_400_000_000 {
		t.Errorf("TSCSpeed = %d, want 2.4 GHz", hz)
	}

	count, err := d.CPUCount()
	if err != nil {
		t.Fatalf("CPUCount: %v", err)
	}
	if count != 2 {
		t.Errorf("CPUCount = %d, want 2", count)
	}
}

func TestCloseReleasesMappings(t *testing.T) {
	ctl := newStubControl()
	d, err := New(ctl, 7, Options{PhysAddrBits: 36})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := d.MapPhysical(0x1000, 16); err != nil {
		t.Fatalf("MapPhysical: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ctl.unmapCalls != ctl.mapCalls {
		t.Errorf("unmapCalls = %d, mapCalls = %d", ctl.unmapCalls, ctl.mapCalls)
	}
	// New did not open ctl, so Close must not close it.
	if ctl.closed {
		t.Error("Close closed a caller-owned control interface")
	}
}
