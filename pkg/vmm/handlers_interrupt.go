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

// externalInterruptHandler forwards host interrupts that arrive while the
// guest runs.
type externalInterruptHandler struct {
	vcpu      *VCPU
	delegates delegateList
}

// AddExternalInterruptHandler registers a delegate and arms external
// interrupt exiting.
func (v *VCPU) AddExternalInterruptHandler(d HandlerFunc) {
	v.extInt.delegates.add(d)
	v.vmcs.EnableControl(vmx.PinBasedControls, vmx.PinExternalInterruptExiting)
}

// DisableExternalInterrupts disarms external interrupt exiting.
func (v *VCPU) DisableExternalInterrupts() {
	v.vmcs.DisableControl(vmx.PinBasedControls, vmx.PinExternalInterruptExiting)
}

func (h *externalInterruptHandler) handle() bool {
	return h.delegates.run(h.vcpu)
}

// interruptWindowHandler queues vectors until the guest can take them: the
// window exit fires when RFLAGS.IF opens up, and the queued vector is
// injected through the VM-entry interruption-information field.
type interruptWindowHandler struct {
	vcpu  *VCPU
	queue []uint64
}

// QueueExternalInterrupt records the intent to inject and arms
// interrupt-window exiting.
func (v *VCPU) QueueExternalInterrupt(vector uint64) {
	v.intWindow.queue = append(v.intWindow.queue, vector)
	v.vmcs.EnableControl(vmx.PrimaryProcControls, vmx.ProcInterruptWindowExiting)
}

// InjectExternalInterrupt injects on the next entry without waiting for a
// window. The caller asserts the guest can take it now.
func (v *VCPU) InjectExternalInterrupt(vector uint64) {
	v.vmcs.Write(vmx.EntryInterruptInfo,
		vmx.InterruptInfo(vector, vmx.InterruptTypeExternal, false))
}

// InjectException injects a hardware exception, with an error code when the
// vector architecturally carries one.
func (v *VCPU) InjectException(vector, errCode uint64) {
	deliverEC := false
	switch vector {
	case 8, 10, 11, 12, 13, 14, 17:
		deliverEC = true
		v.vmcs.Write(vmx.EntryExceptionErrCode, errCode)
	}
	v.vmcs.Write(vmx.EntryInterruptInfo,
		vmx.InterruptInfo(vector, vmx.InterruptTypeHWException, deliverEC))
}

func (h *interruptWindowHandler) handle() bool {
	if len(h.queue) > 0 {
		vector := h.queue[0]
		h.queue = h.queue[1:]
		h.vcpu.InjectExternalInterrupt(vector)
	}
	if len(h.queue) == 0 {
		h.vcpu.vmcs.DisableControl(vmx.PrimaryProcControls, vmx.ProcInterruptWindowExiting)
	}
	return true
}

// nmiHandler owns NMI exiting itself; delegates decide whether to reflect
// the NMI into the guest.
type nmiHandler struct {
	vcpu      *VCPU
	delegates delegateList
}

// AddNMIHandler registers a delegate and arms NMI exiting.
func (v *VCPU) AddNMIHandler(d HandlerFunc) {
	v.nmi.delegates.add(d)
	v.EnableNMIs()
}

// EnableNMIs arms NMI exiting (with virtual NMIs when supported).
func (v *VCPU) EnableNMIs() {
	v.vmcs.EnableControl(vmx.PinBasedControls, vmx.PinNMIExiting)
	v.vmcs.EnableControlIfAllowed(vmx.PinBasedControls, vmx.PinVirtualNMIs)
}

// DisableNMIs disarms NMI exiting.
func (v *VCPU) DisableNMIs() {
	v.vmcs.DisableControl(vmx.PinBasedControls, vmx.PinNMIExiting|vmx.PinVirtualNMIs)
}

func (h *nmiHandler) handle() bool {
	info := h.vcpu.vmcs.Read(vmx.ExitInterruptInfo)
	if (info>>8)&0x7 != vmx.InterruptTypeNMI {
		// An exception, not an NMI; nothing registered for those.
		return false
	}
	return h.delegates.run(h.vcpu)
}

// nmiWindowHandler mirrors the interrupt window for NMIs: queue while the
// guest is blocking them, inject on the next open window.
type nmiWindowHandler struct {
	vcpu    *VCPU
	pending int
}

// QueueNMI records the intent to inject an NMI and arms NMI-window exiting.
func (v *VCPU) QueueNMI() {
	v.nmiWindow.pending++
	v.vmcs.EnableControl(vmx.PrimaryProcControls, vmx.ProcNMIWindowExiting)
}

// InjectNMI injects an NMI on the next entry.
func (v *VCPU) InjectNMI() {
	v.vmcs.Write(vmx.EntryInterruptInfo,
		vmx.InterruptInfo(2, vmx.InterruptTypeNMI, false))
}

func (h *nmiWindowHandler) handle() bool {
	if h.pending > 0 {
		h.pending--
		h.vcpu.InjectNMI()
	}
	if h.pending == 0 {
		h.vcpu.vmcs.DisableControl(vmx.PrimaryProcControls, vmx.ProcNMIWindowExiting)
	}
	return true
}
