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

// Package memtype resolves the effective memory type a guest CPU observes
// for a physical address, by decoding a snapshot of the guest's MTRR
// state the same way the CPU itself does.
package memtype

import "fmt"

// MemoryType is an x86 MTRR memory type. Values match the architectural
// encoding stored in the MTRR MSRs.
type MemoryType uint8

const (
	// Uncacheable (UC).
	Uncacheable MemoryType = 0

	// WriteCombining (WC).
	WriteCombining MemoryType = 1

	// WriteThrough (WT).
	WriteThrough MemoryType = 4

	// WriteProtected (WP).
	WriteProtected MemoryType = 5

	// WriteBack (WB).
	WriteBack MemoryType = 6
)

// String implements fmt.Stringer.String.
func (t MemoryType) String() string {
	switch t {
	case Uncacheable:
		return "Uncacheable"
	case WriteCombining:
		return "WriteCombining"
	case WriteThrough:
		return "WriteThrough"
	case WriteProtected:
		return "WriteProtected"
	case WriteBack:
		return "WriteBack"
	default:
		return fmt.Sprintf("MemoryType(%d)", uint8(t))
	}
}

// ShortString returns the conventional two-character mnemonic.
func (t MemoryType) ShortString() string {
	switch t {
	case Uncacheable:
		return "UC"
	case WriteCombining:
		return "WC"
	case WriteThrough:
		return "WT"
	case WriteProtected:
		return "WP"
	case WriteBack:
		return "WB"
	default:
		return fmt.Sprintf("%02d", uint8(t))
	}
}
