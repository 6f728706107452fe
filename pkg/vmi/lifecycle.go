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
	"xenvmi.dev/xenvmi/pkg/gpa"
)

// Pause suspends every vcpu of the domain.
func (d *Driver) Pause() error {
	if err := d.ctl.PauseDomain(d.domid); err != nil {
		d.log.WithError(err).Error("pausing domain")
		return err
	}
	return nil
}

// Unpause resumes a paused domain.
func (d *Driver) Unpause() error {
	if err := d.ctl.UnpauseDomain(d.domid); err != nil {
		d.log.WithError(err).Error("unpausing domain")
		return err
	}
	return nil
}

// Shutdown requests a clean poweroff of the domain.
func (d *Driver) Shutdown() error {
	if err := d.ctl.ShutdownDomain(d.domid); err != nil {
		d.log.WithError(err).Error("shutting down domain")
		return err
	}
	d.log.Info("domain shutdown requested")
	return nil
}

// TSCSpeed returns the guest's TSC frequency in Hz.
func (d *Driver) TSCSpeed() (uint64, error) {
	info, err := d.ctl.TSCInfo(d.domid)
	if err != nil {
		d.log.WithError(err).Error("querying TSC info")
		return 0, err
	}
	return uint64(info.KHz) * 1000, nil
}

// WritePhysical overwrites guest memory starting at the base of the frame
// containing addr. The write bypasses the mapping cache; views already
// handed out over the same frame observe the new contents.
func (d *Driver) WritePhysical(addr gpa.Addr, buf []byte) error {
	if err := d.ctl.CopyToFrame(d.domid, addr.Frame(), buf); err != nil {
		d.log.WithError(err).Errorf("writing %d bytes at %#x", len(buf), addr)
		return err
	}
	return nil
}

// EnableMSRExit asks for VM exits on writes to the given MSR and reports
// whether exits were already enabled. The set is tracked per driver so a
// detach can restore the domain to its untouched state.
func (d *Driver) EnableMSRExit(msr uint32) bool {
	d.msrMu.Lock()
	defer d.msrMu.Unlock()
	old := d.msrExits[msr]
	d.msrExits[msr] = true
	return old
}

// DisableMSRExit stops exiting on writes to the given MSR and reports the
// previous state.
func (d *Driver) DisableMSRExit(msr uint32) bool {
	d.msrMu.Lock()
	defer d.msrMu.Unlock()
	old := d.msrExits[msr]
	delete(d.msrExits, msr)
	return old
}
