// Copyright 2025 The metalvisor Authors.
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

package vmx

import "fmt"

// Capabilities snapshots the TRUE capability MSRs governing the four control
// fields, plus the secondary-controls capability.
type Capabilities struct {
	Pin   Capability
	Proc  Capability
	Proc2 Capability
	Exit  Capability
	Entry Capability
}

// ReadCapabilities pulls the capability MSRs through the given hardware.
func ReadCapabilities(hw Hardware) Capabilities {
	return Capabilities{
		Pin:   Capability(hw.RDMSR(MSRIA32VMXTruePinbasedCtls)),
		Proc:  Capability(hw.RDMSR(MSRIA32VMXTrueProcbasedCtls)),
		Proc2: Capability(hw.RDMSR(MSRIA32VMXProcbasedCtls2)),
		Exit:  Capability(hw.RDMSR(MSRIA32VMXTrueExitCtls)),
		Entry: Capability(hw.RDMSR(MSRIA32VMXTrueEntryCtls)),
	}
}

func (c *Capabilities) forField(f Field) (Capability, bool) {
	switch f {
	case PinBasedControls:
		return c.Pin, true
	case PrimaryProcControls:
		return c.Proc, true
	case SecondaryProcControls:
		return c.Proc2, true
	case ExitControls:
		return c.Exit, true
	case EntryControls:
		return c.Entry, true
	}
	return 0, false
}

// VMCS is the software image of one virtual-machine control structure: a
// typed field map in the three architectural categories. The hardware copy
// is loaded from this image at launch and read back on every exit by the
// Hardware binding.
//
// Every write to one of the five capability-governed control fields flows
// through the capability masks, so the image can never hold a bit the CPU
// does not support.
type VMCS struct {
	caps   Capabilities
	fields map[Field]uint64
}

// NewVMCS returns an empty VMCS image governed by the given capabilities.
func NewVMCS(caps Capabilities) *VMCS {
	return &VMCS{
		caps:   caps,
		fields: make(map[Field]uint64),
	}
}

// Read returns the current value of a field; absent fields read as zero.
func (v *VMCS) Read(f Field) uint64 {
	return v.fields[f]
}

// Write sets a non-governed field. Writing a capability-governed control
// field through here is a programming error.
func (v *VMCS) Write(f Field, val uint64) {
	if _, governed := v.caps.forField(f); governed {
		panic(fmt.Sprintf("vmx: raw write to governed control field %#x", uint32(f)))
	}
	v.fields[f] = val
}

// InitControl seeds a governed control field with its mandatory-and-supported
// set: allowed-0 AND allowed-1 of the corresponding capability MSR.
func (v *VMCS) InitControl(f Field) {
	c, ok := v.caps.forField(f)
	if !ok {
		panic(fmt.Sprintf("vmx: %#x is not a governed control field", uint32(f)))
	}
	v.fields[f] = uint64(c.Mandatory())
}

// EnableControl sets bits in a governed control field, failing if the
// hardware does not permit any of them.
func (v *VMCS) EnableControl(f Field, bits uint32) error {
	c, ok := v.caps.forField(f)
	if !ok {
		panic(fmt.Sprintf("vmx: %#x is not a governed control field", uint32(f)))
	}
	if !c.Permits(bits) {
		return fmt.Errorf("vmx: control bits %#x of field %#x unsupported", bits, uint32(f))
	}
	v.fields[f] |= uint64(bits)
	return nil
}

// EnableControlIfAllowed sets bits in a governed control field when the
// hardware permits them, reporting whether it did.
func (v *VMCS) EnableControlIfAllowed(f Field, bits uint32) bool {
	return v.EnableControl(f, bits) == nil
}

// DisableControl clears bits in a governed control field, failing if the
// hardware requires any of them.
func (v *VMCS) DisableControl(f Field, bits uint32) error {
	c, ok := v.caps.forField(f)
	if !ok {
		panic(fmt.Sprintf("vmx: %#x is not a governed control field", uint32(f)))
	}
	if c.Requires(bits) {
		return fmt.Errorf("vmx: control bits %#x of field %#x are mandatory", bits, uint32(f))
	}
	v.fields[f] &^= uint64(bits)
	return nil
}

// ControlEnabled reports whether all the given bits are set in a control
// field.
func (v *VMCS) ControlEnabled(f Field, bits uint32) bool {
	return uint32(v.fields[f])&bits == bits
}

// SetExitState records the read-only exit fields. Only Hardware bindings
// (and test fakes standing in for them) call this.
func (v *VMCS) SetExitState(reason, qualification uint64) {
	v.fields[ExitReason] = reason
	v.fields[ExitQualification] = qualification
}

// SetReadOnly records one read-only data field, e.g. the guest physical
// address of an EPT violation. Only Hardware bindings call this.
func (v *VMCS) SetReadOnly(f Field, val uint64) {
	v.fields[f] = val
}

// Check runs the VM-entry consistency checks this VMM can verify from
// software, returning every violation found. It runs after a VM-entry
// failure to turn an opaque VMLAUNCH error into something actionable.
func (v *VMCS) Check() []error {
	var errs []error

	for _, f := range []Field{PinBasedControls, PrimaryProcControls, ExitControls, EntryControls} {
		c, _ := v.caps.forField(f)
		val := uint32(v.fields[f])
		if bad := val &^ c.Allowed1(); bad != 0 {
			errs = append(errs, fmt.Errorf("control field %#x has unsupported bits %#x", uint32(f), bad))
		}
		if missing := c.Mandatory() &^ val; missing != 0 {
			errs = append(errs, fmt.Errorf("control field %#x is missing mandatory bits %#x", uint32(f), missing))
		}
	}

	if v.ControlEnabled(PrimaryProcControls, ProcUseMSRBitmap) && v.fields[MSRBitmap] == 0 {
		errs = append(errs, fmt.Errorf("use-MSR-bitmap is set with a null bitmap address"))
	}
	if v.ControlEnabled(PrimaryProcControls, ProcUseIOBitmaps) {
		if v.fields[IOBitmapA] == 0 || v.fields[IOBitmapB] == 0 {
			errs = append(errs, fmt.Errorf("use-I/O-bitmaps is set with a null bitmap address"))
		}
	}
	if !v.ControlEnabled(ExitControls, ExitHostAddressSpaceSize) {
		errs = append(errs, fmt.Errorf("host address-space size must be set on a 64-bit host"))
	}
	if v.fields[HostCR3] == 0 {
		errs = append(errs, fmt.Errorf("host CR3 is zero"))
	}
	if v.fields[HostRIP] == 0 {
		errs = append(errs, fmt.Errorf("host RIP is zero"))
	}

	return errs
}
