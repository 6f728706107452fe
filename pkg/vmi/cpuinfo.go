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
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
)

// defaultPhysAddrBits is the conservative fallback when the host width
// cannot be probed. 36 bits is the architectural minimum with PAE.
const defaultPhysAddrBits = 36

// hostPhysAddrBits probes the physical address width from /proc/cpuinfo.
// An HVM guest sees the host's width, so this bounds the guest's MTRR
// variable ranges too.
func hostPhysAddrBits() uint8 {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return defaultPhysAddrBits
	}
	defer f.Close()
	return parsePhysAddrBits(f)
}

func parsePhysAddrBits(f io.Reader) uint8 {
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// "address sizes	: 46 bits physical, 48 bits virtual"
		line := scanner.Text()
		if !strings.HasPrefix(line, "address sizes") {
			continue
		}
		_, after, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Fields(after)
		if len(fields) < 2 || fields[1] != "bits" {
			continue
		}
		bits, err := strconv.ParseUint(fields[0], 10, 8)
		if err != nil || bits < 32 || bits > 64 {
			continue
		}
		return uint8(bits)
	}
	return defaultPhysAddrBits
}
