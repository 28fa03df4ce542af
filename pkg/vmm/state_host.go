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

import (
	"metalvisor.dev/metalvisor/pkg/segment"
	"metalvisor.dev/metalvisor/pkg/vmx"
)

// Host GDT slot assignment. TR is a system descriptor and also consumes
// slot 6.
const (
	hostSlotCS = 1
	hostSlotSS = 2
	hostSlotFS = 3
	hostSlotGS = 4
	hostSlotTR = 5
)

// writeHostState programs the VMCS host-state area: the state the CPU loads
// on every VM exit.
func (v *VCPU) writeHostState() {
	c := v.vmcs

	v.hostGdt.Set(hostSlotCS, 0, 0xFFFFFFFF, segment.Ring0CodeAccess)
	v.hostGdt.Set(hostSlotSS, 0, 0xFFFFFFFF, segment.Ring0DataAccess)
	v.hostGdt.Set(hostSlotFS, 0, 0xFFFFFFFF, segment.Ring0DataAccess)
	v.hostGdt.Set(hostSlotGS, 0, 0xFFFFFFFF, segment.Ring0DataAccess)
	v.hostGdt.Set(hostSlotTR, v.hostTss.Base(), v.hostTss.Limit(), segment.Ring0TrAccess)

	c.Write(vmx.HostCSSelector, hostSlotCS<<3)
	c.Write(vmx.HostSSSelector, hostSlotSS<<3)
	c.Write(vmx.HostFSSelector, hostSlotFS<<3)
	c.Write(vmx.HostGSSelector, hostSlotGS<<3)
	c.Write(vmx.HostTRSelector, hostSlotTR<<3)

	c.Write(vmx.HostPAT, v.host.PAT)
	c.Write(vmx.HostEFER, v.host.EFER)

	c.Write(vmx.HostCR0, v.host.CR0)
	c.Write(vmx.HostCR3, v.host.CR3)
	c.Write(vmx.HostCR4, v.host.CR4)

	trBase, _ := v.hostGdt.EntryBase(hostSlotTR)
	c.Write(vmx.HostTRBase, trBase)

	c.Write(vmx.HostGDTRBase, v.hostGdt.Base())
	c.Write(vmx.HostIDTRBase, v.hostIdt.Base())

	// Faults taken while the exit handler runs land on IST1.
	v.hostTss.SetIST1(stackTop(v.ist))
	v.hostTss.BlockIOPorts()
	v.hostIdt.SetDefaultHandlers(hostSlotCS<<3, v.stub)

	c.Write(vmx.HostRIP, v.entry)
	c.Write(vmx.HostRSP, stackTop(v.stack))
}
