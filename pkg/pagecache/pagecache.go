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

// Package pagecache maintains a bounded cache of host mappings of guest
// page frames.
//
// Establishing a host mapping of a guest frame is a privileged hypervisor
// call, and introspection revisits the same guest pages constantly, so
// mappings are kept alive across logical map/unmap pairs. The cache is
// bounded to avoid exhausting host address space; entries are reference
// counted so that eviction can never reclaim a page a caller still holds.
package pagecache

import (
	"container/list"
	"fmt"
	"io"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"xenvmi.dev/xenvmi/pkg/gpa"
	"xenvmi.dev/xenvmi/pkg/vmierr"
)

// DefaultLimit is the default cache capacity, in frames.
const DefaultLimit = 512

// FrameMapper establishes and tears down host mappings of guest frames.
//
// MapFrame must return a page-sized, page-aligned slice; mmap-backed
// implementations satisfy this naturally. Map failures use the vmierr
// kinds so callers can tell a missing page from a hard failure.
type FrameMapper interface {
	MapFrame(frame gpa.Frame) ([]byte, error)
	UnmapFrame(page []byte) error
}

// entry is a resident frame mapping.
type entry struct {
	frame gpa.Frame
	page  []byte
	refs  int

	// elem is the entry's position in the acquire-order list.
	elem *list.Element
}

// Cache is a bounded, reference-counted frame mapping cache.
//
// A Cache is safe for concurrent use; a single mutex covers every
// operation so that eviction and insertion are atomic with respect to
// concurrent Acquire calls.
type Cache struct {
	mapper FrameMapper
	log    logrus.FieldLogger

	mu     sync.Mutex
	limit  int
	frames map[gpa.Frame]*entry
	byAddr map[uintptr]*entry

	// order lists resident entries from least to most recently acquired.
	// Eviction takes the first entry with a zero reference count.
	order *list.List
}

// New returns an empty cache over the given mapper. A nil log discards
// diagnostics.
func New(mapper FrameMapper, limit int, log logrus.FieldLogger) *Cache {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Cache{
		mapper: mapper,
		log:    log,
		limit:  limit,
		frames: make(map[gpa.Frame]*entry),
		byAddr: make(map[uintptr]*entry),
		order:  list.New(),
	}
}

// pageBase returns the host page base address of a mapped slice.
func pageBase(page []byte) uintptr {
	return uintptr(unsafe.Pointer(&page[0])) &^ uintptr(gpa.PageMask)
}

// Acquire returns a host mapping of the given frame, establishing one if
// the frame is not resident. Each successful Acquire must be paired with
// a Release; the returned page stays valid until then, regardless of
// eviction pressure from other frames.
func (c *Cache) Acquire(frame gpa.Frame) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.frames[frame]; ok {
		e.refs++
		c.order.MoveToBack(e.elem)
		return e.page, nil
	}

	for len(c.frames) >= c.limit {
		if err := c.evictLocked(); err != nil {
			return nil, err
		}
	}

	page, err := c.mapper.MapFrame(frame)
	if err != nil {
		return nil, err
	}
	if len(page) != gpa.PageSize {
		// Mapper contract violation; don't leak the mapping.
		c.mapper.UnmapFrame(page)
		return nil, fmt.Errorf("%w: mapper returned %d bytes for frame %#x", vmierr.ErrMappingFailed, len(page), frame)
	}

	e := &entry{frame: frame, page: page, refs: 1}
	e.elem = c.order.PushBack(e)
	c.frames[frame] = e
	c.byAddr[pageBase(page)] = e
	return page, nil
}

// Release drops one reference to the mapping containing ptr, which may
// point anywhere inside the mapped page. A zero reference count makes the
// entry eligible for eviction; the host mapping is not torn down here.
func (c *Cache) Release(ptr []byte) error {
	if len(ptr) == 0 {
		return fmt.Errorf("%w: empty pointer", vmierr.ErrInvalidParameter)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byAddr[pageBase(ptr)]
	if !ok {
		return fmt.Errorf("%w: pointer not owned by cache", vmierr.ErrInvalidParameter)
	}
	if e.refs == 0 {
		return fmt.Errorf("%w: release of unreferenced frame %#x", vmierr.ErrInvalidParameter, e.frame)
	}
	e.refs--
	return nil
}

// evictLocked removes the least-recently-acquired entry with no
// references. Entries that are still referenced are never candidates;
// when every entry is pinned the cache is exhausted.
func (c *Cache) evictLocked() error {
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.refs > 0 {
			continue
		}
		c.dropLocked(e)
		return nil
	}
	return vmierr.ErrCacheExhausted
}

// dropLocked unmaps an entry and forgets it.
func (c *Cache) dropLocked(e *entry) {
	if err := c.mapper.UnmapFrame(e.page); err != nil {
		c.log.WithError(err).Warnf("unmapping frame %#x", e.frame)
	}
	delete(c.frames, e.frame)
	delete(c.byAddr, pageBase(e.page))
	c.order.Remove(e.elem)
}

// SetLimit changes the cache capacity. Shrinking below the current
// residency does not evict anything; it only constrains admission until
// eviction during future Acquire calls brings residency down.
func (c *Cache) SetLimit(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: cache limit %d", vmierr.ErrInvalidParameter, n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = n
	return nil
}

// Len returns the number of resident frames.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// Limit returns the configured capacity.
func (c *Cache) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// Close tears down every resident mapping. Entries still referenced are
// torn down anyway, since the accessor owning the cache is going away;
// this indicates a caller leak and is logged.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; {
		e := el.Value.(*entry)
		el = el.Next()
		if e.refs > 0 {
			c.log.Warnf("frame %#x still referenced (%d) at teardown", e.frame, e.refs)
		}
		c.dropLocked(e)
	}
	return nil
}
