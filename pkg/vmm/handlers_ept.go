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

// eptViolationHandler keys three delegate lists, each with its own default,
// off the read/write/execute cause bit of the exit qualification.
type eptViolationHandler struct {
	vcpu *VCPU

	read    delegateList
	write   delegateList
	execute delegateList
}

// AddEPTReadViolationHandler registers a read-violation delegate.
func (v *VCPU) AddEPTReadViolationHandler(d HandlerFunc) {
	v.eptViol.read.add(d)
}

// AddEPTWriteViolationHandler registers a write-violation delegate.
func (v *VCPU) AddEPTWriteViolationHandler(d HandlerFunc) {
	v.eptViol.write.add(d)
}

// AddEPTExecuteViolationHandler registers an execute-violation delegate.
func (v *VCPU) AddEPTExecuteViolationHandler(d HandlerFunc) {
	v.eptViol.execute.add(d)
}

// SetDefaultEPTReadViolationHandler installs the read-cause fallback.
func (v *VCPU) SetDefaultEPTReadViolationHandler(d HandlerFunc) {
	v.eptViol.read.setDefault(d)
}

// SetDefaultEPTWriteViolationHandler installs the write-cause fallback.
func (v *VCPU) SetDefaultEPTWriteViolationHandler(d HandlerFunc) {
	v.eptViol.write.setDefault(d)
}

// SetDefaultEPTExecuteViolationHandler installs the execute-cause fallback.
func (v *VCPU) SetDefaultEPTExecuteViolationHandler(d HandlerFunc) {
	v.eptViol.execute.setDefault(d)
}

// ViolationAddress returns the guest-physical address of the current EPT
// violation.
func (v *VCPU) ViolationAddress() uint64 {
	return v.vmcs.Read(vmx.GuestPhysicalAddress)
}

func (h *eptViolationHandler) handle() bool {
	qual := h.vcpu.vmcs.Read(vmx.ExitQualification)

	switch {
	case qual&vmx.EPTViolationRead != 0:
		return h.read.run(h.vcpu)
	case qual&vmx.EPTViolationWrite != 0:
		return h.write.run(h.vcpu)
	case qual&vmx.EPTViolationExecute != 0:
		return h.execute.run(h.vcpu)
	}
	return false
}
