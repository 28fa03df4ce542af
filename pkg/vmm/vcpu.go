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

// Package vmm implements the per-vCPU virtualization core: VMCS programming,
// exit-handler dispatch and guest address translation.
package vmm

import (
	"errors"
	"unsafe"

	"metalvisor.dev/metalvisor/pkg/ept"
	"metalvisor.dev/metalvisor/pkg/pagealloc"
	"metalvisor.dev/metalvisor/pkg/pagetables"
	"metalvisor.dev/metalvisor/pkg/platform"
	"metalvisor.dev/metalvisor/pkg/segment"
	"metalvisor.dev/metalvisor/pkg/vmx"
)

// StackSize is the base stack unit; each vCPU stack is StackSize*2 bytes.
const StackSize = 0x8000

// Errors surfaced by translation and the EPT conveniences.
var (
	// ErrEPTNotConfigured is returned by the mapping conveniences when no
	// EPT has been set.
	ErrEPTNotConfigured = errors.New("vmm: no EPT configured")

	// ErrPageNotPresent is returned by guest walks hitting a cleared
	// present bit.
	ErrPageNotPresent = errors.New("vmm: guest page-table entry not present")
)

// HandlerFunc is one exit delegate. It returns true when it handled the
// exit; dispatch stops at the first delegate that does.
type HandlerFunc func(v *VCPU) bool

// Registers is the guest GPR file saved by the exit stub. RIP and RSP live
// in the VMCS.
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RBP, RSI, RDI      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
}

// MemReader reads host-physical memory through the VMM's own mappings.
// Guest page walks go through it one table entry at a time.
type MemReader interface {
	Read64(hpa uint64) (uint64, error)
}

// Options configures a vCPU.
type Options struct {
	// ID is the vCPU identifier, equal to the logical CPU number.
	ID uint64

	// Hardware is this CPU's privileged-instruction binding.
	Hardware vmx.Hardware

	// Host is the completed root-table state shared by all vCPUs.
	Host *pagetables.HostState

	// Pool provides the MSR bitmap, the I/O bitmaps and other page-sized
	// needs.
	Pool *pagealloc.Pool

	// Platform allocates the stacks.
	Platform platform.Platform

	// IsHostVCPU marks the CPU the hypervisor is being launched from; only
	// it snapshots the running context into the guest state.
	IsHostVCPU bool

	// ExitHandlerEntry is the resident address of the exit stub (HOST_RIP).
	ExitHandlerEntry uint64

	// ExceptionStub is the resident address of the default exception
	// service routine installed across the host IDT.
	ExceptionStub uint64

	// GuestMem reads host-physical memory for guest page walks.
	GuestMem MemReader
}

// VCPU is one logical CPU's virtualization state. It owns hardware pages and
// must not be copied or relocated after construction.
type VCPU struct {
	_ noCopy

	id   uint64
	hw   vmx.Hardware
	vmcs *vmx.VMCS

	hostGdt segment.Gdt
	hostIdt segment.Idt
	hostTss segment.Tss

	stack    *platform.Memory
	ist      *platform.Memory
	plat     platform.Platform
	pool     *pagealloc.Pool

	msrBitmap *pagealloc.Page
	ioBitmapA *pagealloc.Page
	ioBitmapB *pagealloc.Page

	host       *pagetables.HostState
	isHostVCPU bool
	entry      uint64
	stub       uint64

	eptMap   *ept.Map
	guestMem MemReader

	// Regs is the guest GPR file, refreshed by the exit stub before
	// dispatch.
	Regs Registers

	cr        controlRegisterHandler
	eptViol   eptViolationHandler
	extInt    externalInterruptHandler
	intWindow interruptWindowHandler
	io        ioInstructionHandler
	mtf       monitorTrapHandler
	nmi       nmiHandler
	nmiWindow nmiWindowHandler
	preempt   preemptionTimerHandler
	rdmsr     msrAccessHandler
	wrmsr     msrAccessHandler
	xsetbv    xsetbvHandler
}

// noCopy triggers go vet's copylocks check.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// New constructs and fully programs a vCPU. The VMCS image is complete on
// return; Launch performs the first entry.
func New(opts Options) (*VCPU, error) {
	v := &VCPU{
		id:         opts.ID,
		hw:         opts.Hardware,
		host:       opts.Host,
		isHostVCPU: opts.IsHostVCPU,
		entry:      opts.ExitHandlerEntry,
		stub:       opts.ExceptionStub,
		plat:       opts.Platform,
		pool:       opts.Pool,
		guestMem:   opts.GuestMem,
	}

	var err error
	if v.msrBitmap, err = opts.Pool.Alloc(); err != nil {
		return nil, err
	}
	if v.ioBitmapA, err = opts.Pool.Alloc(); err != nil {
		v.release()
		return nil, err
	}
	if v.ioBitmapB, err = opts.Pool.Alloc(); err != nil {
		v.release()
		return nil, err
	}
	if v.stack, err = opts.Platform.Alloc(StackSize * 2); err != nil {
		v.release()
		return nil, err
	}
	if v.ist, err = opts.Platform.Alloc(StackSize * 2); err != nil {
		v.release()
		return nil, err
	}

	v.vmcs = vmx.NewVMCS(vmx.ReadCapabilities(v.hw))

	v.cr.vcpu = v
	v.eptViol.vcpu = v
	v.extInt.vcpu = v
	v.intWindow.vcpu = v
	v.io.vcpu = v
	v.mtf.vcpu = v
	v.nmi.vcpu = v
	v.nmiWindow.vcpu = v
	v.preempt.vcpu = v
	v.rdmsr.init(v, false)
	v.wrmsr.init(v, true)
	v.xsetbv.vcpu = v

	v.writeHostState()
	if err := v.writeControlState(); err != nil {
		v.release()
		return nil, err
	}
	if v.isHostVCPU {
		v.writeGuestState()
	}

	v.EnableVPID()
	v.EnableNMIs()
	v.cr.enableWrCR0Exiting(0)
	v.cr.enableWrCR4Exiting(0)

	return v, nil
}

// ID returns the vCPU id.
func (v *VCPU) ID() uint64 {
	return v.id
}

// VMCS returns the vCPU's control structure image.
func (v *VCPU) VMCS() *vmx.VMCS {
	return v.vmcs
}

// Launch performs the first VM entry. A failure triggers the VMCS
// consistency dump and is returned.
func (v *VCPU) Launch() error {
	if err := v.hw.Launch(v.vmcs); err != nil {
		v.Dump("VMLAUNCH failed")
		return err
	}
	return nil
}

// Resume re-enters the guest. It returns only on entry failure.
func (v *VCPU) Resume() error {
	if err := v.hw.Resume(v.vmcs); err != nil {
		v.Dump("VMRESUME failed")
		return err
	}
	return nil
}

// Destroy releases the vCPU's pages. The CPU must have left VMX operation.
func (v *VCPU) Destroy() {
	v.release()
}

func (v *VCPU) release() {
	v.pool.Free(v.msrBitmap)
	v.pool.Free(v.ioBitmapA)
	v.pool.Free(v.ioBitmapB)
	v.msrBitmap, v.ioBitmapA, v.ioBitmapB = nil, nil, nil
	v.plat.Free(v.stack)
	v.plat.Free(v.ist)
	v.stack, v.ist = nil, nil
}

// stackTop returns the 16-byte-aligned top of a stack allocation.
func stackTop(m *platform.Memory) uint64 {
	top := uint64(uintptr(unsafe.Pointer(&m.Data[0]))) + m.Size()
	return top &^ 0xF
}

// RIP returns the guest instruction pointer.
func (v *VCPU) RIP() uint64 {
	return v.vmcs.Read(vmx.GuestRIP)
}

// AdvanceRIP moves the guest past the instruction that exited.
func (v *VCPU) AdvanceRIP() {
	v.vmcs.Write(vmx.GuestRIP, v.RIP()+v.vmcs.Read(vmx.ExitInstructionLength))
}

// SetCR0 writes the guest CR0 and its read shadow.
func (v *VCPU) SetCR0(val uint64) {
	v.vmcs.Write(vmx.GuestCR0, val)
	v.vmcs.Write(vmx.CR0ReadShadow, val)
}

// SetCR4 writes the guest CR4 and its read shadow.
func (v *VCPU) SetCR4(val uint64) {
	v.vmcs.Write(vmx.GuestCR4, val)
	v.vmcs.Write(vmx.CR4ReadShadow, val)
}

// GuestCR3 returns the guest CR3.
func (v *VCPU) GuestCR3() uint64 {
	return v.vmcs.Read(vmx.GuestCR3)
}

// SetEPT points the vCPU at an externally owned translation tree. The map
// must stay live for the vCPU's lifetime.
func (v *VCPU) SetEPT(m *ept.Map) error {
	if err := v.vmcs.EnableControl(vmx.SecondaryProcControls, vmx.Proc2EnableEPT); err != nil {
		return err
	}
	v.vmcs.Write(vmx.EPTPointer, m.EPTP())
	v.eptMap = m
	v.hw.InveptGlobal()
	return nil
}

// DisableEPT detaches the translation tree.
func (v *VCPU) DisableEPT() {
	v.vmcs.DisableControl(vmx.SecondaryProcControls, vmx.Proc2EnableEPT)
	v.vmcs.Write(vmx.EPTPointer, 0)
	v.eptMap = nil
}

// EnableVPID tags this vCPU's TLB entries with its id.
func (v *VCPU) EnableVPID() {
	if v.vmcs.EnableControlIfAllowed(vmx.SecondaryProcControls, vmx.Proc2EnableVPID) {
		// VPID 0 is reserved for the VMM itself.
		v.vmcs.Write(vmx.VPID, v.id+1)
	}
}

// DisableVPID removes the TLB tag.
func (v *VCPU) DisableVPID() {
	v.vmcs.DisableControl(vmx.SecondaryProcControls, vmx.Proc2EnableVPID)
}
