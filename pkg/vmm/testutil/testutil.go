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

// Package testutil provides the deterministic hardware and memory fakes the
// virtualization tests run against.
package testutil

import (
	"errors"

	"metalvisor.dev/metalvisor/pkg/segment"
	"metalvisor.dev/metalvisor/pkg/vmx"
)

// ErrHalted is the panic value of the fake's Halt, which cannot actually
// stop the CPU. Tests expecting a fatal exit recover it.
var ErrHalted = errors.New("testutil: cpu halted")

// Realistic allowed-0 (reserved-1) sets for the TRUE capability MSRs, so the
// mandatory intersection is nonzero like on silicon.
const (
	defaultPinAllowed0   = 0x00000016
	defaultProcAllowed0  = 0x04006172
	defaultExitAllowed0  = 0x00036DFF
	defaultEntryAllowed0 = 0x000011FF
)

func capMSR(allowed0, allowed1 uint32) uint64 {
	return uint64(allowed0) | uint64(allowed1)<<32
}

// Hardware is a deterministic vmx.Hardware.
type Hardware struct {
	// MSRs is the fake register file; RDMSR reads zero for absent MSRs.
	MSRs map[uint32]uint64

	// CPUIDFn overrides individual leaves; unhandled leaves read zero.
	CPUIDFn func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32)

	CR0Val, CR2Val, CR3Val, CR4Val uint64
	DR7Val, RFLAGSVal              uint64

	Sels vmx.SegmentSelectors
	GDT  segment.TableRegister
	IDT  segment.TableRegister

	// VMXOnRegions records every VMXON region physical address.
	VMXOnRegions []uint64

	// VMXOffCalls counts VMXOFF invocations.
	VMXOffCalls int

	// LaunchErr, when set, fails Launch.
	LaunchErr error

	// Launched and Resumed count entries.
	Launched, Resumed int

	// InveptCalls counts global invalidations.
	InveptCalls int

	// Halted is set when the vCPU gave up.
	Halted bool
}

// NewHardware returns a fake with silicon-plausible capability MSRs and a
// VT-x-capable CPUID.
func NewHardware() *Hardware {
	return &Hardware{
		MSRs: map[uint32]uint64{
			vmx.MSRIA32VMXBasic:             1,
			vmx.MSRIA32FeatureControl:       vmx.FeatureControlLock | vmx.FeatureControlVMXOutsideSMX,
			vmx.MSRIA32VMXTruePinbasedCtls:  capMSR(defaultPinAllowed0, 0xFFFFFFFF),
			vmx.MSRIA32VMXTrueProcbasedCtls: capMSR(defaultProcAllowed0, 0xFFFFFFFF),
			vmx.MSRIA32VMXProcbasedCtls2:    capMSR(0, 0xFFFFFFFF),
			vmx.MSRIA32VMXTrueExitCtls:      capMSR(defaultExitAllowed0, 0xFFFFFFFF),
			vmx.MSRIA32VMXTrueEntryCtls:     capMSR(defaultEntryAllowed0, 0xFFFFFFFF),
		},
		RFLAGSVal: 0x2,
	}
}

// RDMSR implements vmx.Hardware.RDMSR.
func (h *Hardware) RDMSR(msr uint32) uint64 {
	return h.MSRs[msr]
}

// WRMSR implements vmx.Hardware.WRMSR.
func (h *Hardware) WRMSR(msr uint32, val uint64) {
	h.MSRs[msr] = val
}

// CPUID implements vmx.Hardware.CPUID. The default answers advertise VT-x,
// XSAVE, SMEP/SMAP and architectural perfmon v2.
func (h *Hardware) CPUID(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	if h.CPUIDFn != nil {
		return h.CPUIDFn(leaf, subleaf)
	}
	switch leaf {
	case 1:
		return 0, 0, 1<<5 | 1<<26, 0
	case 7:
		return 0, 1<<7 | 1<<20, 0, 0
	case 0xA:
		return 2, 0, 0, 0
	}
	return 0, 0, 0, 0
}

// CR0 implements vmx.Hardware.CR0.
func (h *Hardware) CR0() uint64 { return h.CR0Val }

// CR2 implements vmx.Hardware.CR2.
func (h *Hardware) CR2() uint64 { return h.CR2Val }

// CR3 implements vmx.Hardware.CR3.
func (h *Hardware) CR3() uint64 { return h.CR3Val }

// CR4 implements vmx.Hardware.CR4.
func (h *Hardware) CR4() uint64 { return h.CR4Val }

// DR7 implements vmx.Hardware.DR7.
func (h *Hardware) DR7() uint64 { return h.DR7Val }

// RFLAGS implements vmx.Hardware.RFLAGS.
func (h *Hardware) RFLAGS() uint64 { return h.RFLAGSVal }

// Selectors implements vmx.Hardware.Selectors.
func (h *Hardware) Selectors() vmx.SegmentSelectors { return h.Sels }

// GDTR implements vmx.Hardware.GDTR.
func (h *Hardware) GDTR() segment.TableRegister { return h.GDT }

// IDTR implements vmx.Hardware.IDTR.
func (h *Hardware) IDTR() segment.TableRegister { return h.IDT }

// VMXOn implements vmx.Hardware.VMXOn.
func (h *Hardware) VMXOn(regionPhys uint64) error {
	h.VMXOnRegions = append(h.VMXOnRegions, regionPhys)
	return nil
}

// VMXOff implements vmx.Hardware.VMXOff.
func (h *Hardware) VMXOff() {
	h.VMXOffCalls++
}

// Launch implements vmx.Hardware.Launch.
func (h *Hardware) Launch(*vmx.VMCS) error {
	if h.LaunchErr != nil {
		return h.LaunchErr
	}
	h.Launched++
	return nil
}

// Resume implements vmx.Hardware.Resume.
func (h *Hardware) Resume(*vmx.VMCS) error {
	h.Resumed++
	return nil
}

// InveptGlobal implements vmx.Hardware.InveptGlobal.
func (h *Hardware) InveptGlobal() {
	h.InveptCalls++
}

// Halt implements vmx.Hardware.Halt by panicking with ErrHalted.
func (h *Hardware) Halt() {
	h.Halted = true
	panic(ErrHalted)
}

// MakeGDT builds a live-context GDT image with a flat 64-bit code segment
// at slot 1, a data segment at slot 2 and a TSS at slots 3/4 based at
// tssBase.
func MakeGDT(tssBase uint64) segment.TableRegister {
	var g segment.Gdt
	g.Set(1, 0, 0xFFFFF, segment.Ring0CodeAccess)
	g.Set(2, 0, 0xFFFFF, segment.Ring0DataAccess)
	g.Set(3, tssBase, 0x67, segment.Ring0TrAccess)
	return *g.Register()
}
