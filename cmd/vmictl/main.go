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

// Binary vmictl inspects running Xen HVM guests: it resolves domains,
// reads guest memory, and queries memory types and page permissions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"xenvmi.dev/xenvmi/pkg/vmi"
)

var (
	configPath = flag.String("config", "/etc/xenvmi/config.toml", "path to the TOML config file")
	logLevel   = flag.String("log-level", "", "override the configured log level")
)

// Fatalf logs to stderr and exits with a failure status.
func Fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "vmictl: "+format+"\n", args...)
	os.Exit(128)
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")

	subcommands.Register(new(DomID), "domain")
	subcommands.Register(new(UUID), "domain")
	subcommands.Register(new(Info), "domain")
	subcommands.Register(new(Pause), "domain")
	subcommands.Register(new(Unpause), "domain")
	subcommands.Register(new(Shutdown), "domain")

	subcommands.Register(new(ReadMem), "memory")
	subcommands.Register(new(MemType), "memory")
	subcommands.Register(new(Perms), "memory")

	subcommands.Register(new(Regs), "cpu")

	flag.Parse()

	cfg, err := vmi.LoadConfig(*configPath)
	if err != nil {
		Fatalf("loading config: %v", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		Fatalf("invalid log level %q: %v", cfg.LogLevel, err)
	}
	logger.SetLevel(level)

	os.Exit(int(subcommands.Execute(context.Background(), cfg, logger)))
}

// openDriver attaches to the named domain using the config and logger
// that Execute threads through.
func openDriver(f *flag.FlagSet, args []interface{}) *vmi.Driver {
	if f.NArg() < 1 {
		f.Usage()
		os.Exit(int(subcommands.ExitUsageError))
	}
	cfg := args[0].(*vmi.Config)
	logger := args[1].(*logrus.Logger)
	d, err := vmi.Open(f.Arg(0), cfg, logger)
	if err != nil {
		Fatalf("attaching to domain %q: %v", f.Arg(0), err)
	}
	return d
}
