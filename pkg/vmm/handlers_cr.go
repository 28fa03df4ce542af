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

package vmm

import "metalvisor.dev/metalvisor/pkg/vmx"

// controlRegisterHandler polices CR0/CR3/CR4 accesses. CR0 and CR4 write
// exiting is armed at construction with an all-zero mask, so every write
// exits until a handler narrows the mask.
type controlRegisterHandler struct {
	vcpu *VCPU

	wrcr0 delegateList
	rdcr3 delegateList
	wrcr3 delegateList
	wrcr4 delegateList
}

func (h *controlRegisterHandler) enableWrCR0Exiting(mask uint64) {
	h.vcpu.vmcs.Write(vmx.CR0GuestHostMask, mask)
}

func (h *controlRegisterHandler) enableWrCR4Exiting(mask uint64) {
	h.vcpu.vmcs.Write(vmx.CR4GuestHostMask, mask)
}

// AddWrCR0Handler registers a CR0-write delegate and arms exiting with the
// given ownership mask.
func (v *VCPU) AddWrCR0Handler(mask uint64, d HandlerFunc) {
	v.cr.wrcr0.add(d)
	v.cr.enableWrCR0Exiting(mask)
}

// AddRdCR3Handler registers a CR3-read delegate and arms CR3-store exiting.
func (v *VCPU) AddRdCR3Handler(d HandlerFunc) {
	v.cr.rdcr3.add(d)
	v.vmcs.EnableControl(vmx.PrimaryProcControls, vmx.ProcCR3StoreExiting)
}

// AddWrCR3Handler registers a CR3-write delegate and arms CR3-load exiting.
func (v *VCPU) AddWrCR3Handler(d HandlerFunc) {
	v.cr.wrcr3.add(d)
	v.vmcs.EnableControl(vmx.PrimaryProcControls, vmx.ProcCR3LoadExiting)
}

// AddWrCR4Handler registers a CR4-write delegate and arms exiting with the
// given ownership mask.
func (v *VCPU) AddWrCR4Handler(mask uint64, d HandlerFunc) {
	v.cr.wrcr4.add(d)
	v.cr.enableWrCR4Exiting(mask)
}

// gpr returns the operand register of a CR access by its encoding index.
func (v *VCPU) gpr(index int) uint64 {
	r := &v.Regs
	switch index {
	case 0:
		return r.RAX
	case 1:
		return r.RCX
	case 2:
		return r.RDX
	case 3:
		return r.RBX
	case 4:
		return v.vmcs.Read(vmx.GuestRSP)
	case 5:
		return r.RBP
	case 6:
		return r.RSI
	case 7:
		return r.RDI
	case 8:
		return r.R8
	case 9:
		return r.R9
	case 10:
		return r.R10
	case 11:
		return r.R11
	case 12:
		return r.R12
	case 13:
		return r.R13
	case 14:
		return r.R14
	default:
		return r.R15
	}
}

// ExecuteWrCR0 emulates the exiting MOV to CR0.
func (v *VCPU) ExecuteWrCR0() {
	acc := vmx.DecodeCRAccess(v.vmcs.Read(vmx.ExitQualification))
	v.SetCR0(v.gpr(acc.GPR))
	v.AdvanceRIP()
}

// ExecuteWrCR3 emulates the exiting MOV to CR3.
func (v *VCPU) ExecuteWrCR3() {
	acc := vmx.DecodeCRAccess(v.vmcs.Read(vmx.ExitQualification))
	v.vmcs.Write(vmx.GuestCR3, v.gpr(acc.GPR))
	v.AdvanceRIP()
}

// ExecuteWrCR4 emulates the exiting MOV to CR4.
func (v *VCPU) ExecuteWrCR4() {
	acc := vmx.DecodeCRAccess(v.vmcs.Read(vmx.ExitQualification))
	v.SetCR4(v.gpr(acc.GPR))
	v.AdvanceRIP()
}

func (h *controlRegisterHandler) handle() bool {
	acc := vmx.DecodeCRAccess(h.vcpu.vmcs.Read(vmx.ExitQualification))

	switch {
	case acc.Type == 0 && acc.Register == 0:
		return h.wrcr0.run(h.vcpu)
	case acc.Type == 0 && acc.Register == 3:
		return h.wrcr3.run(h.vcpu)
	case acc.Type == 0 && acc.Register == 4:
		return h.wrcr4.run(h.vcpu)
	case acc.Type == 1 && acc.Register == 3:
		return h.rdcr3.run(h.vcpu)
	}
	return false
}
