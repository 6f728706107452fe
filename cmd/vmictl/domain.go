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

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"xenvmi.dev/xenvmi/pkg/vmi"
	"xenvmi.dev/xenvmi/pkg/xenstore"
)

// lookup resolves a domain name through xenstore without touching the
// privileged control interface.
func lookup(f *flag.FlagSet, args []interface{}) (*xenstore.Client, uint16) {
	if f.NArg() != 1 {
		f.Usage()
		Fatalf("expected exactly one domain name")
	}
	cfg := args[0].(*vmi.Config)
	xs, err := xenstore.Dial(cfg.XenstoreSocket)
	if err != nil {
		Fatalf("%v", err)
	}
	domid, err := xs.DomainID(f.Arg(0))
	if err != nil {
		xs.Close()
		Fatalf("%v", err)
	}
	return xs, domid
}

// DomID implements subcommands.Command for the "domid" command.
type DomID struct{}

// Name implements subcommands.Command.Name.
func (*DomID) Name() string { return "domid" }

// Synopsis implements subcommands.Command.Synopsis.
func (*DomID) Synopsis() string { return "prints the numeric id of a domain" }

// Usage implements subcommands.Command.Usage.
func (*DomID) Usage() string { return "domid <domain name>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (*DomID) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*DomID) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	xs, domid := lookup(f, args)
	defer xs.Close()
	fmt.Println(domid)
	return subcommands.ExitSuccess
}

// UUID implements subcommands.Command for the "uuid" command.
type UUID struct{}

// Name implements subcommands.Command.Name.
func (*UUID) Name() string { return "uuid" }

// Synopsis implements subcommands.Command.Synopsis.
func (*UUID) Synopsis() string { return "prints the UUID of a domain" }

// Usage implements subcommands.Command.Usage.
func (*UUID) Usage() string { return "uuid <domain name>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (*UUID) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*UUID) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	xs, domid := lookup(f, args)
	defer xs.Close()
	uuid, err := xs.UUID(domid)
	if err != nil {
		Fatalf("%v", err)
	}
	fmt.Println(uuid)
	return subcommands.ExitSuccess
}

// Info implements subcommands.Command for the "info" command.
type Info struct{}

// Name implements subcommands.Command.Name.
func (*Info) Name() string { return "info" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string { return "prints basic facts about a domain" }

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string { return "info <domain name>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (*Info) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Info) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	d := openDriver(f, args)
	defer d.Close()

	cpus, err := d.CPUCount()
	if err != nil {
		Fatalf("querying vcpus: %v", err)
	}
	tsc, err := d.TSCSpeed()
	if err != nil {
		Fatalf("querying TSC: %v", err)
	}
	fmt.Printf("domid:       %d\n", d.DomainID())
	fmt.Printf("uuid:        %s\n", d.UUID())
	fmt.Printf("vcpus:       %d\n", cpus)
	fmt.Printf("guest width: %d\n", d.GuestWidth())
	fmt.Printf("tsc:         %d Hz\n", tsc)
	return subcommands.ExitSuccess
}

// Pause implements subcommands.Command for the "pause" command.
type Pause struct{}

// Name implements subcommands.Command.Name.
func (*Pause) Name() string { return "pause" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Pause) Synopsis() string { return "pauses all vcpus of a domain" }

// Usage implements subcommands.Command.Usage.
func (*Pause) Usage() string { return "pause <domain name>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (*Pause) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Pause) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	d := openDriver(f, args)
	defer d.Close()
	if err := d.Pause(); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// Unpause implements subcommands.Command for the "unpause" command.
type Unpause struct{}

// Name implements subcommands.Command.Name.
func (*Unpause) Name() string { return "unpause" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Unpause) Synopsis() string { return "resumes a paused domain" }

// Usage implements subcommands.Command.Usage.
func (*Unpause) Usage() string { return "unpause <domain name>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (*Unpause) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Unpause) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	d := openDriver(f, args)
	defer d.Close()
	if err := d.Unpause(); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// Shutdown implements subcommands.Command for the "shutdown" command.
type Shutdown struct{}

// Name implements subcommands.Command.Name.
func (*Shutdown) Name() string { return "shutdown" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Shutdown) Synopsis() string { return "requests a clean poweroff of a domain" }

// Usage implements subcommands.Command.Usage.
func (*Shutdown) Usage() string { return "shutdown <domain name>\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (*Shutdown) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Shutdown) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	d := openDriver(f, args)
	defer d.Close()
	if err := d.Shutdown(); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}
