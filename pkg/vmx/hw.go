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

import (
	"errors"

	"metalvisor.dev/metalvisor/pkg/segment"
)

// ErrVMXNotSupported is returned from bring-up when the CPU or firmware does
// not expose VT-x.
var ErrVMXNotSupported = errors.New("vmx: VT-x not supported or disabled by firmware")

// ErrEntryFailure is returned when VMLAUNCH or VMRESUME fails.
var ErrEntryFailure = errors.New("vmx: VM entry failed")

// SegmentSelectors is a snapshot of the segment registers of the running
// context.
type SegmentSelectors struct {
	ES, CS, SS, DS, FS, GS, LDTR, TR uint16
}

// Hardware is the privileged-instruction surface the per-vCPU core runs on.
//
// The kernel-module glue binds real instructions; tests bind a deterministic
// fake. Every method is CPU-local: a Hardware value belongs to the CPU whose
// bring-up created it and is never shared.
type Hardware interface {
	// RDMSR reads a model-specific register.
	RDMSR(msr uint32) uint64

	// WRMSR writes a model-specific register.
	WRMSR(msr uint32, val uint64)

	// CPUID executes CPUID with the given leaf and subleaf.
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

	// Control and debug registers of the running context.
	CR0() uint64
	CR2() uint64
	CR3() uint64
	CR4() uint64
	DR7() uint64
	RFLAGS() uint64

	// Segment state of the running context.
	Selectors() SegmentSelectors
	GDTR() segment.TableRegister
	IDTR() segment.TableRegister

	// VMXOn enters VMX root operation using the given 4-KiB VMXON region.
	VMXOn(regionPhys uint64) error

	// VMXOff leaves VMX root operation.
	VMXOff()

	// Launch performs the first VM entry for the image. On the host vCPU
	// this demotes the running context into the guest.
	Launch(v *VMCS) error

	// Resume re-enters the guest after an exit has been handled.
	Resume(v *VMCS) error

	// InveptGlobal invalidates all EPT-derived translations on this CPU.
	InveptGlobal()

	// Halt stops the CPU with interrupts disabled. It does not return; a
	// fake records the call and panics out of the dispatch loop instead.
	Halt()
}
