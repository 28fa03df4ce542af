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

// monitorTrapHandler single-steps the guest: Enable arms the flag for one
// instruction and the exit disarms it before running delegates.
type monitorTrapHandler struct {
	vcpu      *VCPU
	delegates delegateList
}

// AddMonitorTrapHandler registers a single-step delegate.
func (v *VCPU) AddMonitorTrapHandler(d HandlerFunc) {
	v.mtf.delegates.add(d)
}

// EnableMonitorTrapFlag arms the monitor trap flag for a single step.
func (v *VCPU) EnableMonitorTrapFlag() {
	v.vmcs.EnableControl(vmx.PrimaryProcControls, vmx.ProcMonitorTrapFlag)
}

func (h *monitorTrapHandler) handle() bool {
	h.vcpu.vmcs.DisableControl(vmx.PrimaryProcControls, vmx.ProcMonitorTrapFlag)
	return h.delegates.run(h.vcpu)
}

// preemptionTimerHandler owns the VMX-preemption timer.
type preemptionTimerHandler struct {
	vcpu      *VCPU
	delegates delegateList
}

// AddPreemptionTimerHandler registers a timer delegate.
func (v *VCPU) AddPreemptionTimerHandler(d HandlerFunc) {
	v.preempt.delegates.add(d)
}

// SetPreemptionTimer arms timer exiting and programs the countdown.
func (v *VCPU) SetPreemptionTimer(val uint64) {
	v.EnablePreemptionTimer()
	v.vmcs.Write(vmx.PreemptionTimerValue, val)
}

// GetPreemptionTimer reads the countdown.
func (v *VCPU) GetPreemptionTimer() uint64 {
	return v.vmcs.Read(vmx.PreemptionTimerValue)
}

// EnablePreemptionTimer arms timer exiting.
func (v *VCPU) EnablePreemptionTimer() {
	v.vmcs.EnableControl(vmx.PinBasedControls, vmx.PinPreemptionTimer)
	v.vmcs.EnableControlIfAllowed(vmx.ExitControls, vmx.ExitSavePreemptionTimer)
}

// DisablePreemptionTimer disarms timer exiting.
func (v *VCPU) DisablePreemptionTimer() {
	v.vmcs.DisableControl(vmx.PinBasedControls, vmx.PinPreemptionTimer)
	v.vmcs.DisableControl(vmx.ExitControls, vmx.ExitSavePreemptionTimer)
}

func (h *preemptionTimerHandler) handle() bool {
	return h.delegates.run(h.vcpu)
}

// xsetbvHandler runs delegates on XSETBV; the exit is architecturally
// unconditional, so there is nothing to arm.
type xsetbvHandler struct {
	vcpu      *VCPU
	delegates delegateList
}

// AddXSetBVHandler registers an XSETBV delegate.
func (v *VCPU) AddXSetBVHandler(d HandlerFunc) {
	v.xsetbv.delegates.add(d)
}

func (h *xsetbvHandler) handle() bool {
	return h.delegates.run(h.vcpu)
}
