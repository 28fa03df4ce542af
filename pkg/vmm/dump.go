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
	"metalvisor.dev/metalvisor/pkg/log"
	"metalvisor.dev/metalvisor/pkg/vmx"
)

// Dump pretty-prints the vCPU's state: GPRs, control registers, the faulting
// addresses and the decoded exit reason. On a VM-entry failure it follows up
// with the VMCS consistency checks.
func (v *VCPU) Dump(msg string) {
	c := v.vmcs
	r := &v.Regs

	log.Warningf("vcpu%d: %s", v.id, msg)

	log.Warningf("general purpose registers")
	log.Warningf("  rax: %016x  rbx: %016x  rcx: %016x  rdx: %016x", r.RAX, r.RBX, r.RCX, r.RDX)
	log.Warningf("  rbp: %016x  rsi: %016x  rdi: %016x", r.RBP, r.RSI, r.RDI)
	log.Warningf("  r8:  %016x  r9:  %016x  r10: %016x  r11: %016x", r.R8, r.R9, r.R10, r.R11)
	log.Warningf("  r12: %016x  r13: %016x  r14: %016x  r15: %016x", r.R12, r.R13, r.R14, r.R15)
	log.Warningf("  rip: %016x  rsp: %016x", c.Read(vmx.GuestRIP), c.Read(vmx.GuestRSP))

	log.Warningf("control registers")
	log.Warningf("  cr0: %016x  cr2: %016x", c.Read(vmx.GuestCR0), v.hw.CR2())
	log.Warningf("  cr3: %016x  cr4: %016x", c.Read(vmx.GuestCR3), c.Read(vmx.GuestCR4))

	log.Warningf("addressing")
	log.Warningf("  linear address:   %016x", c.Read(vmx.GuestLinearAddress))
	log.Warningf("  physical address: %016x", c.Read(vmx.GuestPhysicalAddress))

	reason := c.Read(vmx.ExitReason)
	log.Warningf("exit info")
	log.Warningf("  reason:        %016x", reason)
	log.Warningf("  description:   %s", vmx.BasicReason(reason).Description())
	log.Warningf("  qualification: %016x", c.Read(vmx.ExitQualification))

	if vmx.IsEntryFailure(reason) {
		for _, err := range c.Check() {
			log.Warningf("vmcs check: %v", err)
		}
	}
}

// Halt dumps state and stops the CPU. It does not return on real hardware.
func (v *VCPU) Halt(msg string) {
	v.Dump("halting vcpu: " + msg)
	v.hw.Halt()
}
