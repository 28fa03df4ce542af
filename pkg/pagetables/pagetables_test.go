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

import (
	"errors"
	"testing"
	"unsafe"
)

func TestPTEWireLayout(t *testing.T) {
	if size := unsafe.Sizeof(PTE(0)); size != 8 {
		t.Fatalf("PTE is %d bytes, want 8", size)
	}

	var e PTE
	e.setLeaf(0x0000_000A_BCDE_F000, ReadWrite, true)

	raw := uint64(e)
	if raw&1 == 0 {
		t.Errorf("p bit clear")
	}
	if raw&2 == 0 {
		t.Errorf("rw bit clear")
	}
	if raw>>63 == 0 {
		t.Errorf("nx bit clear on a data page")
	}
	if phys := raw & 0x000F_FFFF_FFFF_F000; phys != 0x0000_000A_BCDE_F000 {
		t.Errorf("phys field = %#x", phys)
	}
	if ar := (raw >> 52) & 0x7F; ar != 1 {
		t.Errorf("auto_release field = %d, want 1", ar)
	}
	if mpk := (raw >> 59) & 0xF; mpk != 0 {
		t.Errorf("mpk field = %d, want 0", mpk)
	}

	var code PTE
	code.setLeaf(0x1000, ReadExecute, false)
	if uint64(code)>>63 != 0 {
		t.Errorf("nx set on a code page")
	}
	if uint64(code)&2 != 0 {
		t.Errorf("rw set on a code page")
	}
	if code.AutoRelease() != 0 {
		t.Errorf("auto_release set without request")
	}
}

func TestMapAndLookup(t *testing.T) {
	pt, err := New(NewRuntimeAllocator())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := pt.Map4K(0xFFFF_8000_0000_1000, 0xAAAA_1000, ReadWrite, false); err != nil {
		t.Fatalf("Map4K: %v", err)
	}

	phys, err := pt.Lookup(0xFFFF_8000_0000_1234)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if phys != 0xAAAA_1234 {
		t.Errorf("Lookup = %#x, want 0xAAAA1234", phys)
	}

	if _, err := pt.Lookup(0xFFFF_8000_0000_2000); !errors.Is(err, ErrNotMapped) {
		t.Errorf("unmapped Lookup: %v, want ErrNotMapped", err)
	}

	if err := pt.Map4K(0xFFFF_8000_0000_1000, 0xBBBB_0000, ReadWrite, false); !errors.Is(err, ErrMapped) {
		t.Errorf("remap: %v, want ErrMapped", err)
	}
}

func TestBuilderPolicy(t *testing.T) {
	var b Builder
	descs := []Descriptor{
		{Virt: 0x1000, Phys: 0x10_1000, Type: TypeRead | TypeExecute},
		{Virt: 0x2000, Phys: 0x10_2000, Type: TypeRead | TypeWrite},
		{Virt: 0x3000, Phys: 0x10_3000, Type: TypeRead},
	}
	state, err := b.Build(descs, Features{}, NewRuntimeAllocator())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	pt := state.PageTables
	codePT, _ := pt.walkTo(0x1000)
	code := codePT[index(0x1000, ptShift)]
	if code.NoExecute() || code.Writable() {
		t.Errorf("R|E descriptor mapped nx=%t rw=%t", code.NoExecute(), code.Writable())
	}

	dataPT, _ := pt.walkTo(0x2000)
	data := dataPT[index(0x2000, ptShift)]
	if !data.NoExecute() || !data.Writable() {
		t.Errorf("R|W descriptor mapped nx=%t rw=%t", data.NoExecute(), data.Writable())
	}

	// Read-only without execute still maps as data.
	ro := dataPT[index(0x3000, ptShift)]
	if !ro.NoExecute() {
		t.Errorf("R descriptor mapped executable")
	}
}

func TestBuilderRunsOnce(t *testing.T) {
	var b Builder
	first, err := b.Build(nil, Features{}, NewRuntimeAllocator())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	second, err := b.Build([]Descriptor{{Virt: 0x1000}}, Features{XSAVE: true}, NewRuntimeAllocator())
	if err != nil {
		t.Fatalf("second Build: %v", err)
	}
	if first != second {
		t.Errorf("second Build returned a different state")
	}
}

func TestDerivedRegisters(t *testing.T) {
	pt, _ := New(NewRuntimeAllocator())
	state := DeriveHostState(pt, Features{XSAVE: true, SMEP: true, SMAP: true})

	if state.CR0 != 0x80010033 {
		t.Errorf("CR0 = %#x, want 0x80010033", state.CR0)
	}
	if state.CR3 != pt.CR3() {
		t.Errorf("CR3 = %#x, want %#x", state.CR3, pt.CR3())
	}
	if state.CR4&cr4VMXE == 0 {
		t.Errorf("CR4 missing VMXE: %#x", state.CR4)
	}
	for _, bit := range []uint64{cr4OSXSAVE, cr4SMEP, cr4SMAP} {
		if state.CR4&bit == 0 {
			t.Errorf("CR4 missing gated bit %#x: %#x", bit, state.CR4)
		}
	}
	if state.EFER != 0xD00 {
		t.Errorf("EFER = %#x, want 0xD00", state.EFER)
	}
	if state.PAT != DefaultPAT {
		t.Errorf("PAT = %#x", state.PAT)
	}

	bare := DeriveHostState(pt, Features{})
	if bare.CR4&(cr4OSXSAVE|cr4SMEP|cr4SMAP) != 0 {
		t.Errorf("ungated CR4 has gated bits: %#x", bare.CR4)
	}
}

func TestAutoReleaseLeaves(t *testing.T) {
	pt, _ := New(NewRuntimeAllocator())
	pt.Map4K(0x1000, 0xA000, ReadWrite, true)
	pt.Map4K(0x2000, 0xB000, ReadWrite, false)
	pt.Map4K(0xFFFF_FF80_0000_0000, 0xC000, ReadWrite, true)

	found := make(map[uint64]uint64)
	pt.AutoReleaseLeaves(func(virt, phys uint64) {
		found[virt] = phys
	})

	if len(found) != 2 {
		t.Fatalf("found %d auto-release leaves, want 2", len(found))
	}
	if found[0x1000] != 0xA000 {
		t.Errorf("leaf at 0x1000 = %#x", found[0x1000])
	}
	if found[0xFFFF_FF80_0000_0000] != 0xC000 {
		t.Errorf("high-half leaf = %#x", found[0xFFFF_FF80_0000_0000])
	}
}
