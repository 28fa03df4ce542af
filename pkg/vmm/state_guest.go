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

// segState is the per-segment guest snapshot.
type segState struct {
	selectorField vmx.Field
	baseField     vmx.Field
	limitField    vmx.Field
	arField       vmx.Field
	selector      uint16
}

// writeGuestState snapshots the currently executing context into the VMCS
// guest-state area. Only the host vCPU runs this; application processors
// inherit their state from the INIT/SIPI path.
func (v *VCPU) writeGuestState() {
	c := v.vmcs
	hw := v.hw

	sel := hw.Selectors()
	gdtr := hw.GDTR()
	idtr := hw.IDTR()

	c.Write(vmx.GuestDebugCtl, hw.RDMSR(vmx.MSRIA32DebugCtl))
	c.Write(vmx.GuestPAT, hw.RDMSR(vmx.MSRIA32PAT))
	c.Write(vmx.GuestEFER, hw.RDMSR(vmx.MSRIA32EFER))

	// PERF_GLOBAL_CTRL only exists from architectural perfmon v2 on.
	eax, _, _, _ := hw.CPUID(0xA, 0)
	if eax&0xFF >= 2 {
		c.Write(vmx.GuestPerfGlobalCtrl, hw.RDMSR(vmx.MSRIA32PerfGlobalCtrl))
	}

	c.Write(vmx.GuestGDTRLimit, uint64(gdtr.Limit))
	c.Write(vmx.GuestIDTRLimit, uint64(idtr.Limit))
	c.Write(vmx.GuestGDTRBase, gdtr.Base)
	c.Write(vmx.GuestIDTRBase, idtr.Base)

	segs := []segState{
		{vmx.GuestESSelector, vmx.GuestESBase, vmx.GuestESLimit, vmx.GuestESAccessRights, sel.ES},
		{vmx.GuestCSSelector, vmx.GuestCSBase, vmx.GuestCSLimit, vmx.GuestCSAccessRights, sel.CS},
		{vmx.GuestSSSelector, vmx.GuestSSBase, vmx.GuestSSLimit, vmx.GuestSSAccessRights, sel.SS},
		{vmx.GuestDSSelector, vmx.GuestDSBase, vmx.GuestDSLimit, vmx.GuestDSAccessRights, sel.DS},
		{vmx.GuestFSSelector, vmx.GuestFSBase, vmx.GuestFSLimit, vmx.GuestFSAccessRights, sel.FS},
		{vmx.GuestGSSelector, vmx.GuestGSBase, vmx.GuestGSLimit, vmx.GuestGSAccessRights, sel.GS},
		{vmx.GuestLDTRSelector, vmx.GuestLDTRBase, vmx.GuestLDTRLimit, vmx.GuestLDTRAccessRights, sel.LDTR},
		{vmx.GuestTRSelector, vmx.GuestTRBase, vmx.GuestTRLimit, vmx.GuestTRAccessRights, sel.TR},
	}
	for _, s := range segs {
		c.Write(s.selectorField, uint64(s.selector))
		if s.selector>>3 == 0 {
			c.Write(s.baseField, 0)
			c.Write(s.limitField, 0)
			if s.arField == vmx.GuestTRAccessRights {
				// A TR is always usable; force a present busy TSS.
				c.Write(s.arField, uint64(segment.TssBusyAccess)|0x80)
			} else {
				c.Write(s.arField, uint64(segment.Unusable))
			}
			continue
		}
		base, _ := segment.DescriptorBase(&gdtr, s.selector)
		limit, _ := segment.DescriptorLimit(&gdtr, s.selector)
		attrib, _ := segment.DescriptorAttrib(&gdtr, s.selector)
		c.Write(s.baseField, base)
		c.Write(s.limitField, uint64(segment.ScaledLimit(limit, attrib)))
		c.Write(s.arField, uint64(attrib))
	}

	// FS and GS bases come from their MSRs, not the descriptors.
	c.Write(vmx.GuestFSBase, hw.RDMSR(vmx.MSRIA32FSBase))
	c.Write(vmx.GuestGSBase, hw.RDMSR(vmx.MSRIA32GSBase))

	v.SetCR0(hw.CR0())
	c.Write(vmx.GuestCR3, hw.CR3())
	v.SetCR4(hw.CR4())
	c.Write(vmx.GuestDR7, hw.DR7())

	c.Write(vmx.GuestRFLAGS, hw.RFLAGS())

	c.Write(vmx.GuestSysenterCS, hw.RDMSR(vmx.MSRIA32SysenterCS))
	c.Write(vmx.GuestSysenterESP, hw.RDMSR(vmx.MSRIA32SysenterESP))
	c.Write(vmx.GuestSysenterEIP, hw.RDMSR(vmx.MSRIA32SysenterEIP))
}
