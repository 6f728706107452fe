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

	"github.com/BurntSushi/toml"
	"xenvmi.dev/xenvmi/pkg/pagecache"
)

// Config holds the driver settings that operators tune per deployment.
type Config struct {
	// CacheLimit bounds the number of concurrently mapped guest pages.
	CacheLimit int `toml:"cache_limit"`

	// XenstoreSocket overrides the xenstored socket path.
	XenstoreSocket string `toml:"xenstore_socket"`

	// LogLevel is a logrus level name ("info", "debug", ...).
	LogLevel string `toml:"log_level"`

	// HVMOnly rejects paravirtualized domains.
	HVMOnly bool `toml:"hvm_only"`

	// LockDir holds per-domain attach locks. Empty disables locking.
	LockDir string `toml:"lock_dir"`
}

// DefaultConfig returns the settings used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		CacheLimit: pagecache.DefaultLimit,
		LogLevel:   "info",
		HVMOnly:    true,
		LockDir:    "/run/xenvmi",
	}
}

// LoadConfig reads a TOML config file over the defaults. A missing file
// is not an error; the defaults apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
