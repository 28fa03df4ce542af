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
	"errors"
	"testing"

	"metalvisor.dev/metalvisor/pkg/vmm/testutil"
	"metalvisor.dev/metalvisor/pkg/vmx"
)

// exit sets up the read-only exit fields and dispatches.
func (e *testEnv) exit(reason vmx.Reason, qualification uint64) {
	e.vcpu.VMCS().SetExitState(uint64(reason), qualification)
	e.vcpu.HandleExit()
}

// expectHalt runs fn and asserts it tried to stop the CPU.
func expectHalt(t *testing.T, hw *testutil.Hardware, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); !ok || !errors.Is(err, testutil.ErrHalted) {
				panic(r)
			}
		}
		if !hw.Halted {
			t.Errorf("expected a halt")
		}
	}()
	fn()
}

func TestFirstMatchWins(t *testing.T) {
	e := newTestEnv(t, true)

	var order []string
	e.vcpu.AddWrMSRHandler(0x1B, func(v *VCPU) bool {
		order = append(order, "h1")
		return false
	})
	e.vcpu.AddWrMSRHandler(0x1B, func(v *VCPU) bool {
		order = append(order, "h2")
		return true
	})
	e.vcpu.AddWrMSRHandler(0x1B, func(v *VCPU) bool {
		order = append(order, "h3")
		return true
	})

	e.vcpu.Regs.RCX = 0x1B
	e.exit(vmx.ReasonWRMSR, 0)

	if len(order) != 2 || order[0] != "h1" || order[1] != "h2" {
		t.Errorf("delegate order = %v, want [h1 h2]", order)
	}
}

func TestUnregisteredMSRFallsToDefault(t *testing.T) {
	e := newTestEnv(t, true)

	e.vcpu.AddWrMSRHandler(0x1B, func(v *VCPU) bool { return true })

	var defaulted bool
	e.vcpu.SetDefaultWrMSRHandler(func(v *VCPU) bool {
		defaulted = true
		return true
	})

	e.vcpu.Regs.RCX = 0x1C
	e.exit(vmx.ReasonWRMSR, 0)

	if !defaulted {
		t.Errorf("default handler did not run")
	}
}

func TestUnhandledExitHalts(t *testing.T) {
	e := newTestEnv(t, true)
	e.vcpu.Regs.RCX = 0x1C
	expectHalt(t, e.hw, func() {
		e.exit(vmx.ReasonWRMSR, 0)
	})
}

func TestUnknownReasonHalts(t *testing.T) {
	e := newTestEnv(t, true)
	expectHalt(t, e.hw, func() {
		e.exit(vmx.ReasonCPUID, 0)
	})
}

func TestMSRBitmapBits(t *testing.T) {
	e := newTestEnv(t, true)

	// Write traps live in the third quarter for low MSRs.
	e.vcpu.TrapOnWrMSRAccess(0x1B)
	if e.vcpu.msrBitmap.Data[2048+0x1B/8]&(1<<(0x1B%8)) == 0 {
		t.Errorf("write trap bit not set for MSR 0x1B")
	}
	e.vcpu.PassThroughWrMSRAccess(0x1B)
	if e.vcpu.msrBitmap.Data[2048+0x1B/8] != 0 {
		t.Errorf("write trap bit not cleared")
	}

	// High MSRs land in the second quarter for reads.
	e.vcpu.TrapOnRdMSRAccess(0xC0000080)
	if e.vcpu.msrBitmap.Data[1024+0x80/8]&(1<<(0x80%8)) == 0 {
		t.Errorf("read trap bit not set for MSR 0xC0000080")
	}

	e.vcpu.TrapOnAllRdMSRAccesses()
	if e.vcpu.msrBitmap.Data[0] != 0xFF || e.vcpu.msrBitmap.Data[2047] != 0xFF {
		t.Errorf("trap-all did not fill the read quarters")
	}
	if e.vcpu.msrBitmap.Data[2048] != 0 {
		t.Errorf("trap-all reads spilled into the write quarters")
	}
	e.vcpu.PassThroughAllRdMSRAccesses()
	if e.vcpu.msrBitmap.Data[0] != 0 {
		t.Errorf("pass-through-all did not clear the read quarters")
	}
}

func TestIOPortDemux(t *testing.T) {
	e := newTestEnv(t, true)

	var inPort, outPort bool
	e.vcpu.AddIOHandler(0xCF8, func(v *VCPU) bool {
		inPort = true
		return true
	}, func(v *VCPU) bool {
		outPort = true
		return true
	})

	if e.vcpu.ioBitmapA.Data[0xCF8/8]&(1<<(0xCF8%8)) == 0 {
		t.Errorf("port 0xCF8 trap bit not set in bitmap A")
	}

	// An IN from 0xCF8: direction bit 3 set, port in bits 31:16.
	e.exit(vmx.ReasonIOInstruction, uint64(0xCF8)<<16|1<<3|0x1)
	if !inPort || outPort {
		t.Errorf("IN dispatch: in=%t out=%t", inPort, outPort)
	}

	inPort = false
	e.exit(vmx.ReasonIOInstruction, uint64(0xCF8)<<16|0x1)
	if !outPort || inPort {
		t.Errorf("OUT dispatch: in=%t out=%t", inPort, outPort)
	}

	// Bitmap B holds the high ports.
	e.vcpu.TrapOnIOAccess(0x9000)
	if e.vcpu.ioBitmapB.Data[0x1000/8]&(1<<(0x1000%8)) == 0 {
		t.Errorf("port 0x9000 trap bit not set in bitmap B")
	}
}

func TestEPTViolationCauseLists(t *testing.T) {
	e := newTestEnv(t, true)

	var got string
	e.vcpu.AddEPTReadViolationHandler(func(v *VCPU) bool { got = "read"; return true })
	e.vcpu.AddEPTWriteViolationHandler(func(v *VCPU) bool { got = "write"; return true })
	e.vcpu.SetDefaultEPTExecuteViolationHandler(func(v *VCPU) bool { got = "execute-default"; return true })

	e.exit(vmx.ReasonEPTViolation, vmx.EPTViolationRead)
	if got != "read" {
		t.Errorf("read cause ran %q", got)
	}
	e.exit(vmx.ReasonEPTViolation, vmx.EPTViolationWrite)
	if got != "write" {
		t.Errorf("write cause ran %q", got)
	}
	e.exit(vmx.ReasonEPTViolation, vmx.EPTViolationExecute)
	if got != "execute-default" {
		t.Errorf("execute cause ran %q", got)
	}
}

func TestCRAccessDemux(t *testing.T) {
	e := newTestEnv(t, true)

	var wrote uint64
	e.vcpu.AddWrCR0Handler(0, func(v *VCPU) bool {
		v.ExecuteWrCR0()
		wrote = v.VMCS().Read(vmx.GuestCR0)
		return true
	})

	e.vcpu.Regs.RBX = 0x80000033
	e.vcpu.VMCS().Write(vmx.GuestRIP, 0x1000)
	e.vcpu.VMCS().SetReadOnly(vmx.ExitInstructionLength, 3)

	// MOV to CR0 from RBX: type 0, register 0, GPR 3.
	e.exit(vmx.ReasonCRAccess, 3<<8)

	if wrote != 0x80000033 {
		t.Errorf("CR0 after emulated write = %#x", wrote)
	}
	if got := e.vcpu.RIP(); got != 0x1003 {
		t.Errorf("RIP after advance = %#x, want 0x1003", got)
	}
}

func TestInterruptWindowQueue(t *testing.T) {
	e := newTestEnv(t, true)
	c := e.vcpu.VMCS()

	e.vcpu.QueueExternalInterrupt(0x20)
	e.vcpu.QueueExternalInterrupt(0x21)
	if !c.ControlEnabled(vmx.PrimaryProcControls, vmx.ProcInterruptWindowExiting) {
		t.Fatalf("window exiting not armed after queue")
	}

	e.exit(vmx.ReasonInterruptWindow, 0)
	if got := c.Read(vmx.EntryInterruptInfo); got != vmx.InterruptInfo(0x20, vmx.InterruptTypeExternal, false) {
		t.Errorf("first injection = %#x", got)
	}
	if !c.ControlEnabled(vmx.PrimaryProcControls, vmx.ProcInterruptWindowExiting) {
		t.Errorf("window exiting disarmed with a vector still queued")
	}

	e.exit(vmx.ReasonInterruptWindow, 0)
	if got := c.Read(vmx.EntryInterruptInfo); got != vmx.InterruptInfo(0x21, vmx.InterruptTypeExternal, false) {
		t.Errorf("second injection = %#x", got)
	}
	if c.ControlEnabled(vmx.PrimaryProcControls, vmx.ProcInterruptWindowExiting) {
		t.Errorf("window exiting still armed with an empty queue")
	}
}

func TestNMIWindowQueue(t *testing.T) {
	e := newTestEnv(t, true)
	c := e.vcpu.VMCS()

	e.vcpu.QueueNMI()
	if !c.ControlEnabled(vmx.PrimaryProcControls, vmx.ProcNMIWindowExiting) {
		t.Fatalf("NMI window exiting not armed")
	}

	e.exit(vmx.ReasonNMIWindow, 0)
	if got := c.Read(vmx.EntryInterruptInfo); got != vmx.InterruptInfo(2, vmx.InterruptTypeNMI, false) {
		t.Errorf("NMI injection = %#x", got)
	}
	if c.ControlEnabled(vmx.PrimaryProcControls, vmx.ProcNMIWindowExiting) {
		t.Errorf("NMI window exiting still armed")
	}
}

func TestPreemptionTimer(t *testing.T) {
	e := newTestEnv(t, true)
	c := e.vcpu.VMCS()

	e.vcpu.SetPreemptionTimer(0x1234)
	if !c.ControlEnabled(vmx.PinBasedControls, vmx.PinPreemptionTimer) {
		t.Errorf("timer exiting not armed")
	}
	if got := e.vcpu.GetPreemptionTimer(); got != 0x1234 {
		t.Errorf("GetPreemptionTimer = %#x", got)
	}

	var fired bool
	e.vcpu.AddPreemptionTimerHandler(func(v *VCPU) bool { fired = true; return true })
	e.exit(vmx.ReasonPreemptionTimer, 0)
	if !fired {
		t.Errorf("timer delegate did not run")
	}

	e.vcpu.DisablePreemptionTimer()
	if c.ControlEnabled(vmx.PinBasedControls, vmx.PinPreemptionTimer) {
		t.Errorf("timer exiting still armed after disable")
	}
}

func TestMonitorTrapSingleStep(t *testing.T) {
	e := newTestEnv(t, true)
	c := e.vcpu.VMCS()

	var stepped bool
	e.vcpu.AddMonitorTrapHandler(func(v *VCPU) bool { stepped = true; return true })
	e.vcpu.EnableMonitorTrapFlag()
	if !c.ControlEnabled(vmx.PrimaryProcControls, vmx.ProcMonitorTrapFlag) {
		t.Fatalf("monitor trap flag not armed")
	}

	e.exit(vmx.ReasonMonitorTrapFlag, 0)
	if !stepped {
		t.Errorf("monitor trap delegate did not run")
	}
	if c.ControlEnabled(vmx.PrimaryProcControls, vmx.ProcMonitorTrapFlag) {
		t.Errorf("monitor trap flag still armed after the step")
	}
}

func TestXSetBVHandlers(t *testing.T) {
	e := newTestEnv(t, true)

	var handled bool
	e.vcpu.AddXSetBVHandler(func(v *VCPU) bool { handled = true; return true })
	e.exit(vmx.ReasonXSETBV, 0)
	if !handled {
		t.Errorf("XSETBV delegate did not run")
	}
}

func TestInjectException(t *testing.T) {
	e := newTestEnv(t, true)
	c := e.vcpu.VMCS()

	e.vcpu.InjectException(14, 0x2)
	if got := c.Read(vmx.EntryInterruptInfo); got != vmx.InterruptInfo(14, vmx.InterruptTypeHWException, true) {
		t.Errorf("page-fault injection info = %#x", got)
	}
	if got := c.Read(vmx.EntryExceptionErrCode); got != 0x2 {
		t.Errorf("error code = %#x", got)
	}

	// Vector 3 carries no error code.
	e.vcpu.InjectException(3, 0)
	if got := c.Read(vmx.EntryInterruptInfo); got != vmx.InterruptInfo(3, vmx.InterruptTypeHWException, false) {
		t.Errorf("breakpoint injection info = %#x", got)
	}
}
