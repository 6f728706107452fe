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

// Package translate caches guest virtual to guest physical frame
// translations.
//
// The cache grows monotonically for the lifetime of the translator and is
// never invalidated automatically: this layer cannot observe guest page
// table updates, so a cached translation is valid only until the guest
// remaps the virtual address. Callers that know about a remap force
// re-resolution with Invalidate.
package translate

import (
	"fmt"
	"sync"

	"xenvmi.dev/xenvmi/pkg/gpa"
	"xenvmi.dev/xenvmi/pkg/vmierr"
)

// VirtualTranslator resolves a guest virtual address in the context of a
// vcpu's active address space. A zero frame means the address is unmapped
// or invalid.
type VirtualTranslator interface {
	TranslateVirtual(va gpa.Addr, vcpu uint16) (gpa.Frame, error)
}

// Translator is a caching layer over a VirtualTranslator. It is safe for
// concurrent use.
type Translator struct {
	vt VirtualTranslator

	mu    sync.Mutex
	cache map[gpa.Addr]gpa.Frame
}

// New returns an empty translator over vt.
func New(vt VirtualTranslator) *Translator {
	return &Translator{
		vt:    vt,
		cache: make(map[gpa.Addr]gpa.Frame),
	}
}

// Resolve returns the physical frame backing va. Cache hits do not touch
// the hypervisor. Failed translations are surfaced as ErrTranslationFailed
// and never cached, so a retry can succeed once the guest maps the page.
func (t *Translator) Resolve(va gpa.Addr, vcpu uint16) (gpa.Frame, error) {
	t.mu.Lock()
	if frame, ok := t.cache[va]; ok {
		t.mu.Unlock()
		return frame, nil
	}
	t.mu.Unlock()

	// The hypervisor call can block; don't hold the lock across it.
	frame, err := t.vt.TranslateVirtual(va, vcpu)
	if err != nil {
		return 0, err
	}
	if frame == 0 {
		return 0, fmt.Errorf("%w: va %#x (vcpu %d)", vmierr.ErrTranslationFailed, va, vcpu)
	}

	t.mu.Lock()
	t.cache[va] = frame
	t.mu.Unlock()
	return frame, nil
}

// Cache pre-resolves va so that later Resolve calls hit the cache.
func (t *Translator) Cache(va gpa.Addr, vcpu uint16) error {
	_, err := t.Resolve(va, vcpu)
	return err
}

// Invalidate forgets the cached translation for va, if any.
func (t *Translator) Invalidate(va gpa.Addr) {
	t.mu.Lock()
	delete(t.cache, va)
	t.mu.Unlock()
}

// InvalidateAll empties the cache.
func (t *Translator) InvalidateAll() {
	t.mu.Lock()
	t.cache = make(map[gpa.Addr]gpa.Frame)
	t.mu.Unlock()
}

// Len returns the number of cached translations.
func (t *Translator) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cache)
}
