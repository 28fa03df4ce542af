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

// delegateList is an ordered first-match-wins handler sequence with an
// optional default.
type delegateList struct {
	handlers []HandlerFunc
	def      HandlerFunc
}

func (l *delegateList) add(h HandlerFunc) {
	l.handlers = append(l.handlers, h)
}

func (l *delegateList) setDefault(h HandlerFunc) {
	l.def = h
}

// run iterates delegates in insertion order. The first to report handled
// wins; otherwise the default runs; otherwise the exit is unhandled.
func (l *delegateList) run(v *VCPU) bool {
	for _, h := range l.handlers {
		if h(v) {
			return true
		}
	}
	if l.def != nil {
		return l.def(v)
	}
	return false
}

// HandleExit dispatches one VM exit. The exit stub refreshes v.Regs and the
// Hardware binding publishes the read-only exit fields before calling in.
// An exit no delegate or default claims is fatal.
func (v *VCPU) HandleExit() {
	reason := vmx.BasicReason(v.vmcs.Read(vmx.ExitReason))

	var handled bool
	switch reason {
	case vmx.ReasonExceptionOrNMI:
		handled = v.nmi.handle()
	case vmx.ReasonExternalInterrupt:
		handled = v.extInt.handle()
	case vmx.ReasonInterruptWindow:
		handled = v.intWindow.handle()
	case vmx.ReasonNMIWindow:
		handled = v.nmiWindow.handle()
	case vmx.ReasonCRAccess:
		handled = v.cr.handle()
	case vmx.ReasonIOInstruction:
		handled = v.io.handle()
	case vmx.ReasonRDMSR:
		handled = v.rdmsr.handle()
	case vmx.ReasonWRMSR:
		handled = v.wrmsr.handle()
	case vmx.ReasonMonitorTrapFlag:
		handled = v.mtf.handle()
	case vmx.ReasonEPTViolation:
		handled = v.eptViol.handle()
	case vmx.ReasonPreemptionTimer:
		handled = v.preempt.handle()
	case vmx.ReasonXSETBV:
		handled = v.xsetbv.handle()
	}

	if !handled {
		v.Halt("unhandled vm exit")
	}
}
