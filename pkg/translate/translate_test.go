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

package translate

import (
	"errors"
	"testing"

	"xenvmi.dev/xenvmi/pkg/gpa"
	"xenvmi.dev/xenvmi/pkg/vmierr"
)

// countingTranslator records every hypervisor translation call.
type countingTranslator struct {
	frames map[gpa.Addr]gpa.Frame
	calls  int
	err    error
}

func (c *countingTranslator) TranslateVirtual(va gpa.Addr, vcpu uint16) (gpa.Frame, error) {
	c.calls++
	if c.err != nil {
		return 0, c.err
	}
	return c.frames[va], nil
}

func TestResolveCachesTranslation(t *testing.T) {
	ct := &countingTranslator{frames: map[gpa.Addr]gpa.Frame{0x7f0000001000: 0x1234}}
	tr := New(ct)

	for i := 0; i < 3; i++ {
		frame, err := tr.Resolve(0x7f0000001000, 0)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if frame != 0x1234 {
			t.Fatalf("Resolve = %#x, want 0x1234", frame)
		}
	}
	if ct.calls != 1 {
		t.Errorf("got %d hypervisor calls, want 1", ct.calls)
	}
}

func TestFailedTranslationNotCached(t *testing.T) {
	ct := &countingTranslator{frames: map[gpa.Addr]gpa.Frame{}}
	tr := New(ct)

	if _, err := tr.Resolve(0xdead000, 1); !errors.Is(err, vmierr.ErrTranslationFailed) {
		t.Fatalf("Resolve = %v, want ErrTranslationFailed", err)
	}
	// The guest maps the page; the next resolve must retry.
	ct.frames[0xdead000] = 0x42
	frame, err := tr.Resolve(0xdead000, 1)
	if err != nil {
		t.Fatalf("Resolve after mapping: %v", err)
	}
	if frame != 0x42 {
		t.Fatalf("Resolve = %#x, want 0x42", frame)
	}
	if ct.calls != 2 {
		t.Errorf("got %d hypervisor calls, want 2", ct.calls)
	}
}

func TestTranslatorErrorPassedThrough(t *testing.T) {
	ct := &countingTranslator{err: vmierr.ErrPermissionDenied}
	tr := New(ct)
	if _, err := tr.Resolve(0x1000, 0); !errors.Is(err, vmierr.ErrPermissionDenied) {
		t.Fatalf("Resolve = %v, want ErrPermissionDenied", err)
	}
}

func TestInvalidate(t *testing.T) {
	ct := &countingTranslator{frames: map[gpa.Addr]gpa.Frame{0x1000: 1, 0x2000: 2}}
	tr := New(ct)

	tr.Resolve(0x1000, 0)
	tr.Resolve(0x2000, 0)

	// The guest remapped 0x1000; the caller tells us.
	ct.frames[0x1000] = 3
	tr.Invalidate(0x1000)

	frame, err := tr.Resolve(0x1000, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if frame != 3 {
		t.Fatalf("Resolve = %#x, want re-resolved frame 3", frame)
	}
	// 0x2000 stays cached.
	tr.Resolve(0x2000, 0)
	if ct.calls != 3 {
		t.Errorf("got %d hypervisor calls, want 3", ct.calls)
	}
}

func TestInvalidateAll(t *testing.T) {
	ct := &countingTranslator{frames: map[gpa.Addr]gpa.Frame{0x1000: 1, 0x2000: 2}}
	tr := New(ct)

	tr.Cache(0x1000, 0)
	tr.Cache(0x2000, 0)
	if tr.Len() != 2 {
		t.Fatalf("Len = %d, want 2", tr.Len())
	}
	tr.InvalidateAll()
	if tr.Len() != 0 {
		t.Fatalf("Len = %d after InvalidateAll, want 0", tr.Len())
	}
	tr.Resolve(0x1000, 0)
	if ct.calls != 3 {
		t.Errorf("got %d hypervisor calls, want 3", ct.calls)
	}
}
