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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xenvmi.toml")
	data := `
cache_limit = 128
xenstore_socket = "/tmp/xenstored"
log_level = "debug"
hvm_only = false
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := &Config{
		CacheLimit:     128,
		XenstoreSocket: "/tmp/xenstored",
		LogLevel:       "debug",
		HVMOnly:        false,
		LockDir:        "/run/xenvmi", // default survives a partial file
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}
}

func TestParsePhysAddrBits(t *testing.T) {
	cpuinfo := `processor	: 0
vendor_id	: GenuineIntel
address sizes	: 46 bits physical, 48 bits virtual
power management:
`
	if got := parsePhysAddrBits(strings.NewReader(cpuinfo)); got != 46 {
		t.Errorf("parsePhysAddrBits = %d, want 46", got)
	}
	if got := parsePhysAddrBits(strings.NewReader("no such line\n")); got != defaultPhysAddrBits {
		t.Errorf("parsePhysAddrBits fallback = %d, want %d", got, defaultPhysAddrBits)
	}
}
