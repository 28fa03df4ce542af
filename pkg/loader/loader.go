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

// Package loader stages the microkernel into memory and launches the VMM on
// every logical CPU.
//
// The launch pipeline owns every allocation until the last CPU comes up; any
// stage failure unwinds in reverse, releasing exactly what was acquired. All
// entry points are serialized by the host request path; the Loader has no
// internal locking.
package loader

import (
	"unsafe"

	"metalvisor.dev/metalvisor/pkg/debugring"
	"metalvisor.dev/metalvisor/pkg/pagealloc"
	"metalvisor.dev/metalvisor/pkg/pagetables"
	"metalvisor.dev/metalvisor/pkg/platform"
	"metalvisor.dev/metalvisor/pkg/vmm"
	"metalvisor.dev/metalvisor/pkg/vmx"
)

// Options bind the loader to its host.
type Options struct {
	// Platform provides memory and CPU broadcast.
	Platform platform.Platform

	// Hardware returns the privileged-instruction binding of a CPU. The
	// callback runs on the CPU it names.
	Hardware func(cpu int) vmx.Hardware

	// LoaderText names the resident loader pages that must stay visible
	// to the microkernel while a CPU demotes into VMX root operation.
	// They are aliased read/execute at their resident addresses.
	LoaderText []pagetables.Descriptor

	// ExitHandlerEntry is the resident address of the exit stub.
	ExitHandlerEntry uint64

	// ExceptionStub is the resident address of the default exception
	// service routine.
	ExceptionStub uint64

	// GuestMem reads host-physical memory for guest page walks.
	GuestMem vmm.MemReader
}

// segmentImage is one staged PT_LOAD segment.
type segmentImage struct {
	mem     *platform.Memory
	vaddr   uint64
	execute bool
}

// Loader is the lifecycle-managed loader context: the status machine plus
// everything the running VMM owns.
type Loader struct {
	opts Options

	status Status

	ringMem *platform.Memory
	ring    *debugring.Resources

	ptAlloc *tableAllocator
	rootPT  *pagetables.PageTables
	host    *pagetables.HostState

	mkELF    *platform.Memory
	extELFs  [MaxExtensions]*platform.Memory
	segments []segmentImage
	pagePool *platform.Memory
	hugePool *platform.Memory

	pool   *pagealloc.Pool
	vcpus  []*vmm.VCPU
	vmxons []*pagealloc.Page
}

// New builds a stopped loader. The debug ring is allocated here so the host
// can map and drain it across VMM restarts.
func New(opts Options) (*Loader, error) {
	ringMem, err := opts.Platform.Alloc(uint64(unsafe.Sizeof(debugring.Resources{})))
	if err != nil {
		return nil, err
	}
	return &Loader{
		opts:    opts,
		ringMem: ringMem,
		ring:    (*debugring.Resources)(unsafe.Pointer(&ringMem.Data[0])),
	}, nil
}

// Status returns the lifecycle state.
func (l *Loader) Status() Status {
	return l.status
}

// DebugRing returns the shared diagnostic ring.
func (l *Loader) DebugRing() *debugring.Resources {
	return l.ring
}

// VCPU returns the running vCPU of a CPU, or nil when stopped.
func (l *Loader) VCPU(cpu int) *vmm.VCPU {
	if l.vcpus == nil {
		return nil
	}
	return l.vcpus[cpu]
}

// Close releases the loader's own resources. The VMM must be stopped.
func (l *Loader) Close() {
	l.opts.Platform.Free(l.ringMem)
	l.ringMem, l.ring = nil, nil
}

// tableAllocator backs root-table pages with individual platform
// allocations, so the table can exist before any pool does.
type tableAllocator struct {
	p      platform.Platform
	mems   map[*pagetables.PTEs]*platform.Memory
	byPhys map[uint64]*pagetables.PTEs
}

func newTableAllocator(p platform.Platform) *tableAllocator {
	return &tableAllocator{
		p:      p,
		mems:   make(map[*pagetables.PTEs]*platform.Memory),
		byPhys: make(map[uint64]*pagetables.PTEs),
	}
}

// NewPTEs implements pagetables.Allocator.NewPTEs.
func (a *tableAllocator) NewPTEs() *pagetables.PTEs {
	mem, err := a.p.Alloc(PageSize)
	if err != nil {
		return nil
	}
	ptes := (*pagetables.PTEs)(unsafe.Pointer(&mem.Data[0]))
	a.mems[ptes] = mem
	a.byPhys[mem.Phys(0)] = ptes
	return ptes
}

// PhysicalFor implements pagetables.Allocator.PhysicalFor.
func (a *tableAllocator) PhysicalFor(ptes *pagetables.PTEs) uint64 {
	return a.mems[ptes].Phys(0)
}

// LookupPTEs implements pagetables.Allocator.LookupPTEs.
func (a *tableAllocator) LookupPTEs(phys uint64) *pagetables.PTEs {
	return a.byPhys[phys]
}

// FreePTEs implements pagetables.Allocator.FreePTEs.
func (a *tableAllocator) FreePTEs(ptes *pagetables.PTEs) {
	if mem, ok := a.mems[ptes]; ok {
		delete(a.byPhys, mem.Phys(0))
		delete(a.mems, ptes)
		a.p.Free(mem)
	}
}
