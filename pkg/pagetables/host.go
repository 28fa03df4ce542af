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

package pagetables

import "sync"

// Memory descriptor type bits, as reported by the memory manager.
const (
	TypeRead    = 1 << 0
	TypeWrite   = 1 << 1
	TypeExecute = 1 << 2
)

// Descriptor is one (virt, phys, type) triple from the memory manager.
type Descriptor struct {
	Virt uint64
	Phys uint64
	Type uint32
}

// Features are the CPUID-derived gates for the conservative CR4 set.
type Features struct {
	XSAVE bool
	SMEP  bool
	SMAP  bool
}

// CR0 bits.
const (
	cr0PE = 1 << 0
	cr0MP = 1 << 1
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0PG = 1 << 31
)

// CR4 bits.
const (
	cr4VME        = 1 << 0
	cr4PVI        = 1 << 1
	cr4TSD        = 1 << 2
	cr4DE         = 1 << 3
	cr4PSE        = 1 << 4
	cr4PAE        = 1 << 5
	cr4MCE        = 1 << 6
	cr4PGE        = 1 << 7
	cr4PCE        = 1 << 8
	cr4OSFXSR     = 1 << 9
	cr4OSXMMEXCPT = 1 << 10
	cr4VMXE       = 1 << 13
	cr4OSXSAVE    = 1 << 18
	cr4SMEP       = 1 << 20
	cr4SMAP       = 1 << 21
)

// EFER bits.
const (
	eferLME = 1 << 8
	eferLMA = 1 << 10
	eferNXE = 1 << 11
)

// DefaultPAT maps every PAT index to write-back. The host never needs
// anything fancier; guests bring their own PAT through the VMCS.
const DefaultPAT = uint64(0x0606060606060606)

// HostState is the completed root table plus the host register images every
// vCPU programs into its VMCS host-state area.
type HostState struct {
	PageTables *PageTables

	CR0  uint64
	CR3  uint64
	CR4  uint64
	PAT  uint64
	EFER uint64
}

// DeriveHostState computes the register images for a completed root table.
func DeriveHostState(pt *PageTables, features Features) *HostState {
	cr4 := uint64(cr4VME | cr4PVI | cr4TSD | cr4DE | cr4PSE | cr4PAE |
		cr4MCE | cr4PGE | cr4PCE | cr4OSFXSR | cr4OSXMMEXCPT | cr4VMXE)
	if features.XSAVE {
		cr4 |= cr4OSXSAVE
	}
	if features.SMEP {
		cr4 |= cr4SMEP
	}
	if features.SMAP {
		cr4 |= cr4SMAP
	}

	return &HostState{
		PageTables: pt,
		CR0:        cr0PE | cr0MP | cr0ET | cr0NE | cr0WP | cr0PG,
		CR3:        pt.CR3(),
		CR4:        cr4,
		PAT:        DefaultPAT,
		EFER:       eferLME | eferLMA | eferNXE,
	}
}

// Builder constructs the shared HostState exactly once. Invocations past the
// first observe the completed state regardless of their arguments; callers
// racing on the first invocation serialize on the flag.
type Builder struct {
	once  sync.Once
	state *HostState
	err   error
}

// Build maps every descriptor and derives the host registers. Descriptors
// with both read and execute map as code; everything else maps as data.
func (b *Builder) Build(descs []Descriptor, features Features, alloc Allocator) (*HostState, error) {
	b.once.Do(func() {
		pt, err := New(alloc)
		if err != nil {
			b.err = err
			return
		}
		for _, md := range descs {
			access := ReadWrite
			if md.Type&TypeRead != 0 && md.Type&TypeExecute != 0 {
				access = ReadExecute
			}
			if err := pt.Map4K(md.Virt, md.Phys, access, false); err != nil {
				b.err = err
				pt.Release()
				return
			}
		}
		b.state = DeriveHostState(pt, features)
	})
	return b.state, b.err
}
