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

// Package vmi is the introspection driver for a single running Xen HVM
// guest: it resolves guest addresses to host-mapped pages, bounds the set
// of live mappings, and answers questions about the memory the guest CPU
// sees (effective cacheability, per-frame access control, register
// state).
package vmi

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"xenvmi.dev/xenvmi/pkg/access"
	"xenvmi.dev/xenvmi/pkg/gpa"
	"xenvmi.dev/xenvmi/pkg/memtype"
	"xenvmi.dev/xenvmi/pkg/pagecache"
	"xenvmi.dev/xenvmi/pkg/translate"
	"xenvmi.dev/xenvmi/pkg/vmierr"
	"xenvmi.dev/xenvmi/pkg/xenctrl"
	"xenvmi.dev/xenvmi/pkg/xenstore"
)

// ErrConstruction marks failures while building a driver instance. Every
// initialization-time failure (control interface, domain lookup,
// capability probe) reports this kind; hot-path operations never do.
var ErrConstruction = errors.New("driver construction failed")

// Control is the hypervisor control surface the driver consumes,
// satisfied by *xenctrl.Interface. Tests substitute call-counting stubs.
type Control interface {
	DomainInfo(domid uint16) (xenctrl.DomainInfo, error)
	PauseDomain(domid uint16) error
	UnpauseDomain(domid uint16) error
	ShutdownDomain(domid uint16) error
	TSCInfo(domid uint16) (xenctrl.TSCInfo, error)
	Capabilities() (string, error)

	CPUContext(domid, vcpu uint16) (xenctrl.HVMCPU, error)
	MTRRContext(domid, vcpu uint16, physAddrBits uint8) (memtype.State, error)
	VCPUContext64(domid, vcpu uint16) (*xenctrl.VCPUContext64, error)
	SetVCPUContext64(domid, vcpu uint16, ctxt *xenctrl.VCPUContext64) error
	VCPUContext32(domid, vcpu uint16) (*xenctrl.VCPUContext32, error)
	SetVCPUContext32(domid, vcpu uint16, ctxt *xenctrl.VCPUContext32) error

	TranslateVirtual(domid uint16, va gpa.Addr, vcpu uint16) (gpa.Frame, error)
	MapFrame(domid uint16, frame gpa.Frame) ([]byte, error)
	UnmapFrame(page []byte) error
	CopyToFrame(domid uint16, frame gpa.Frame, buf []byte) error

	GetAccess(domid uint16, frame gpa.Frame) (access.Value, error)
	SetAccess(domid uint16, frame gpa.Frame, v access.Value) error
	InjectTrap(domid, vcpu uint16, vector, eventType, errorCode uint32, cr2 uint64) error

	Close() error
}

// Options configures driver construction.
type Options struct {
	// Logger receives failure diagnostics. nil discards them.
	Logger logrus.FieldLogger

	// HVMOnly rejects paravirtualized domains at construction.
	HVMOnly bool

	// CacheLimit bounds the page mapping cache; zero uses the default.
	CacheLimit int

	// PhysAddrBits overrides the guest physical address width; zero
	// probes the host.
	PhysAddrBits uint8

	// LockDir, when set, holds per-domain advisory locks so only one
	// introspector attaches to a domain at a time.
	LockDir string
}

// Driver introspects one domain. A Driver owns its translation cache and
// page mapping cache exclusively; host pointers handed out by the Map
// calls are lent to the caller and reclaimed through Unmap.
type Driver struct {
	ctl     Control
	ownsCtl bool
	log     logrus.FieldLogger

	domid        uint16
	uuid         string
	guestWidth   int
	physAddrBits uint8

	translator *translate.Translator
	cache      *pagecache.Cache
	perms      *access.Controller
	lock       *flock.Flock

	mtrrMu sync.Mutex
	mtrr   *memtype.Resolver

	msrMu    sync.Mutex
	msrExits map[uint32]bool
}

// frameMapper binds the control interface to a domain for the page cache.
type frameMapper struct {
	ctl   Control
	domid uint16
}

func (m frameMapper) MapFrame(frame gpa.Frame) ([]byte, error) {
	return m.ctl.MapFrame(m.domid, frame)
}

func (m frameMapper) UnmapFrame(page []byte) error {
	return m.ctl.UnmapFrame(page)
}

// virtualTranslator binds the control interface to a domain for the
// translation cache.
type virtualTranslator struct {
	ctl   Control
	domid uint16
}

func (t virtualTranslator) TranslateVirtual(va gpa.Addr, vcpu uint16) (gpa.Frame, error) {
	return t.ctl.TranslateVirtual(t.domid, va, vcpu)
}

// frameAccessor binds the control interface to a domain for the
// permission controller.
type frameAccessor struct {
	ctl   Control
	domid uint16
}

func (a frameAccessor) GetAccess(frame gpa.Frame) (access.Value, error) {
	return a.ctl.GetAccess(a.domid, frame)
}

func (a frameAccessor) SetAccess(frame gpa.Frame, v access.Value) error {
	return a.ctl.SetAccess(a.domid, frame, v)
}

// New builds a driver for a domain over an already-open control
// interface. The caller keeps ownership of ctl.
func New(ctl Control, domid uint16, opts Options) (*Driver, error) {
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	log = log.WithField("domain", domid)

	info, err := ctl.DomainInfo(domid)
	if err != nil {
		return nil, fmt.Errorf("%w: querying domain %d: %w", ErrConstruction, domid, err)
	}
	if opts.HVMOnly && !info.HVM {
		return nil, fmt.Errorf("%w: domain %d is not an HVM guest", ErrConstruction, domid)
	}

	caps, err := ctl.Capabilities()
	if err != nil {
		return nil, fmt.Errorf("%w: querying capabilities: %w", ErrConstruction, err)
	}

	physAddrBits := opts.PhysAddrBits
	if physAddrBits == 0 {
		physAddrBits = hostPhysAddrBits()
	}

	var lock *flock.Flock
	if opts.LockDir != "" {
		lock = flock.New(filepath.Join(opts.LockDir, fmt.Sprintf("domain-%d.lock", domid)))
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("%w: locking domain %d: %w", ErrConstruction, domid, err)
		}
		if !locked {
			return nil, fmt.Errorf("%w: domain %d already has an introspector attached", ErrConstruction, domid)
		}
	}

	d := &Driver{
		ctl:          ctl,
		log:          log,
		domid:        domid,
		guestWidth:   xenctrl.GuestWidth(caps),
		physAddrBits: physAddrBits,
		translator:   translate.New(virtualTranslator{ctl, domid}),
		cache:        pagecache.New(frameMapper{ctl, domid}, opts.CacheLimit, log),
		perms:        access.NewController(frameAccessor{ctl, domid}),
		lock:         lock,
		msrExits:     make(map[uint32]bool),
	}
	return d, nil
}

// Open resolves a domain by name through xenstore, opens the control
// interface and builds a driver owning both.
func Open(domainName string, cfg *Config, logger logrus.FieldLogger) (*Driver, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	xs, err := xenstore.Dial(cfg.XenstoreSocket)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConstruction, err)
	}
	defer xs.Close()

	domid, err := xs.DomainID(domainName)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving domain %q: %w", ErrConstruction, domainName, err)
	}

	ctl, err := xenctrl.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConstruction, err)
	}

	d, err := New(ctl, domid, Options{
		Logger:     logger,
		HVMOnly:    cfg.HVMOnly,
		CacheLimit: cfg.CacheLimit,
		LockDir:    cfg.LockDir,
	})
	if err != nil {
		ctl.Close()
		return nil, err
	}
	d.ownsCtl = true

	if uuid, err := xs.UUID(domid); err == nil {
		d.uuid = uuid
	} else {
		d.log.WithError(err).Warn("reading domain uuid")
	}
	return d, nil
}

// DomainID returns the domain this driver introspects.
func (d *Driver) DomainID() uint16 {
	return d.domid
}

// UUID returns the domain's unique identifier, when known.
func (d *Driver) UUID() string {
	return d.uuid
}

// GuestWidth returns the guest pointer width in bytes (8 or 4).
func (d *Driver) GuestWidth() int {
	return d.guestWidth
}

// checkSpan rejects byte ranges that cross a page boundary; every map
// call covers at most one page.
func checkSpan(addr gpa.Addr, length int) error {
	if length <= 0 || gpa.SpansPages(addr, length) {
		return fmt.Errorf("%w: range [%#x, +%d) exceeds one page", vmierr.ErrInvalidParameter, addr, length)
	}
	return nil
}

// MapPhysical returns a host view of [addr, addr+length), which must lie
// within a single guest page. The view stays valid until Unmap.
func (d *Driver) MapPhysical(addr gpa.Addr, length int) ([]byte, error) {
	if err := checkSpan(addr, length); err != nil {
		return nil, err
	}
	page, err := d.cache.Acquire(addr.Frame())
	if err != nil {
		d.log.WithError(err).Errorf("mapping physical %#x (+%d)", addr, length)
		return nil, err
	}
	off := addr.PageOffset()
	return page[off : off+uint64(length)], nil
}

// MapVirtual is MapPhysical for a guest virtual address, resolved in the
// context of the given vcpu's address space. Translations are cached; use
// InvalidateTranslation after a known guest remap.
func (d *Driver) MapVirtual(addr gpa.Addr, length int, vcpu uint16) ([]byte, error) {
	if err := checkSpan(addr, length); err != nil {
		return nil, err
	}
	// Translation is page-granular; cache on the page base so any offset
	// into the page hits.
	frame, err := d.translator.Resolve(addr.PageBase(), vcpu)
	if err != nil {
		d.log.WithError(err).Errorf("translating %#x (vcpu %d)", addr, vcpu)
		return nil, err
	}
	page, err := d.cache.Acquire(frame)
	if err != nil {
		d.log.WithError(err).Errorf("mapping virtual %#x (frame %#x)", addr, frame)
		return nil, err
	}
	off := addr.PageOffset()
	return page[off : off+uint64(length)], nil
}

// Unmap returns a view obtained from MapPhysical or MapVirtual.
func (d *Driver) Unmap(view []byte) error {
	return d.cache.Release(view)
}

// SetCacheCapacity bounds the page mapping cache. Shrinking below the
// current residency only constrains future admissions.
func (d *Driver) SetCacheCapacity(n int) error {
	return d.cache.SetLimit(n)
}

// CacheVirtualAddress pre-resolves a guest virtual address on vcpu 0 so
// later MapVirtual calls skip the hypervisor.
func (d *Driver) CacheVirtualAddress(addr gpa.Addr) error {
	return d.translator.Cache(addr.PageBase(), 0)
}

// InvalidateTranslation forgets a cached translation. The translation
// cache cannot observe guest page table updates; callers that learn of a
// remap out of band invalidate here.
func (d *Driver) InvalidateTranslation(addr gpa.Addr) {
	d.translator.Invalidate(addr.PageBase())
}

// InvalidateAllTranslations empties the translation cache.
func (d *Driver) InvalidateAllTranslations() {
	d.translator.InvalidateAll()
}

// mtrrResolver fetches the guest MTRR snapshot on first use. The layout
// is effectively static after guest boot, so one fetch serves the driver
// lifetime.
func (d *Driver) mtrrResolver() (*memtype.Resolver, error) {
	d.mtrrMu.Lock()
	defer d.mtrrMu.Unlock()
	if d.mtrr == nil {
		state, err := d.ctl.MTRRContext(d.domid, 0, d.physAddrBits)
		if err != nil {
			d.log.WithError(err).Error("fetching MTRR state")
			return nil, err
		}
		d.mtrr = memtype.NewResolver(state)
	}
	return d.mtrr, nil
}

// ResolveCacheability returns the memory type the guest CPU observes at
// the given physical address.
func (d *Driver) ResolveCacheability(addr gpa.Addr) (memtype.MemoryType, error) {
	r, err := d.mtrrResolver()
	if err != nil {
		return memtype.Uncacheable, err
	}
	return r.Resolve(addr), nil
}

// SetPagePermission applies an access triple to the frame containing
// addr.
func (d *Driver) SetPagePermission(addr gpa.Addr, read, write, execute bool) error {
	p := access.Permissions{Read: read, Write: write, Execute: execute}
	if err := d.perms.Set(addr.Frame(), p); err != nil {
		d.log.WithError(err).Errorf("setting permission %v on %#x", p.Encode(), addr)
		return err
	}
	return nil
}

// GetPagePermission reports the access triple of the frame containing
// addr, including the transitional write-upgradable state.
func (d *Driver) GetPagePermission(addr gpa.Addr) (access.Permissions, error) {
	p, err := d.perms.Get(addr.Frame())
	if err != nil {
		d.log.WithError(err).Errorf("getting permission on %#x", addr)
		return access.Permissions{}, err
	}
	return p, nil
}

// Close tears down the mapping cache and releases the domain lock and,
// when the driver opened it, the control interface.
func (d *Driver) Close() error {
	err := d.cache.Close()
	if d.lock != nil {
		if lerr := d.lock.Unlock(); lerr != nil && err == nil {
			err = lerr
		}
	}
	if d.ownsCtl {
		if cerr := d.ctl.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
