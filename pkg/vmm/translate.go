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
	"metalvisor.dev/metalvisor/pkg/ept"
	"metalvisor.dev/metalvisor/pkg/vmx"
)

// Guest page-table entry bits. Only the walk-relevant fields; the guest owns
// the rest.
const (
	guestPTEPresent = uint64(1) << 0
	guestPTEPS      = uint64(1) << 7

	guestPTEPhysMask = uint64(0x000F_FFFF_FFFF_F000)
)

const guestCR0PG = uint64(1) << 31

// Table shifts of the four guest levels.
const (
	guestPML4Shift = 39
	guestPDPTShift = 30
	guestPDShift   = 21
	guestPTShift   = 12
)

// GPAToHPA translates guest-physical to host-physical. Without an EPT the
// translation is the identity with page size zero.
func (v *VCPU) GPAToHPA(gpa uint64) (uint64, uint, error) {
	if v.eptMap == nil {
		return gpa, 0, nil
	}
	return v.eptMap.VirtToPhys(gpa)
}

// readGuestEntry reads one table entry: the table's guest-physical address
// is first pushed through the EPT, then the entry is read from host memory.
func (v *VCPU) readGuestEntry(tableGPA uint64, index uint64) (uint64, error) {
	hpa, _, err := v.GPAToHPA(tableGPA + index*8)
	if err != nil {
		return 0, err
	}
	return v.guestMem.Read64(hpa)
}

// GVAToGPA walks the guest's own page tables. With paging disabled the
// translation is the identity with page size zero. A cleared present bit at
// any level fails with ErrPageNotPresent; PS bits cut the walk at 1-GiB or
// 2-MiB granularity.
func (v *VCPU) GVAToGPA(gva uint64) (uint64, uint, error) {
	if v.vmcs.Read(vmx.GuestCR0)&guestCR0PG == 0 {
		return gva, 0, nil
	}

	table := v.GuestCR3() & guestPTEPhysMask
	for _, shift := range []uint{guestPML4Shift, guestPDPTShift, guestPDShift, guestPTShift} {
		entry, err := v.readGuestEntry(table, (gva>>shift)&0x1FF)
		if err != nil {
			return 0, 0, err
		}
		if entry&guestPTEPresent == 0 {
			return 0, 0, ErrPageNotPresent
		}
		if shift == guestPTShift || entry&guestPTEPS != 0 {
			phys := entry & guestPTEPhysMask &^ (uint64(1)<<shift - 1)
			return phys | gva&(uint64(1)<<shift-1), shift, nil
		}
		table = entry & guestPTEPhysMask
	}
	return 0, 0, ErrPageNotPresent
}

// GVAToHPA composes the two walks. Without an EPT it is GVAToGPA.
func (v *VCPU) GVAToHPA(gva uint64) (uint64, uint, error) {
	gpa, size, err := v.GVAToGPA(gva)
	if err != nil {
		return 0, 0, err
	}
	if v.eptMap == nil {
		return gpa, size, nil
	}
	return v.GPAToHPA(gpa)
}

func (v *VCPU) mapGuest(gpa, hpa uint64, attr ept.Attr, mapFn func(*ept.Map, uint64, uint64, ept.Attr) error) error {
	if v.eptMap == nil {
		return ErrEPTNotConfigured
	}
	return mapFn(v.eptMap, gpa, hpa, attr)
}

// Map1GRO maps a read-only 1-GiB guest page.
func (v *VCPU) Map1GRO(gpa, hpa uint64) error {
	return v.mapGuest(gpa, hpa, ept.ReadOnly, (*ept.Map).Map1G)
}

// Map2MRO maps a read-only 2-MiB guest page.
func (v *VCPU) Map2MRO(gpa, hpa uint64) error {
	return v.mapGuest(gpa, hpa, ept.ReadOnly, (*ept.Map).Map2M)
}

// Map4KRO maps a read-only 4-KiB guest page.
func (v *VCPU) Map4KRO(gpa, hpa uint64) error {
	return v.mapGuest(gpa, hpa, ept.ReadOnly, (*ept.Map).Map4K)
}

// Map1GRW maps a writable 1-GiB guest page.
func (v *VCPU) Map1GRW(gpa, hpa uint64) error {
	return v.mapGuest(gpa, hpa, ept.ReadWrite, (*ept.Map).Map1G)
}

// Map2MRW maps a writable 2-MiB guest page.
func (v *VCPU) Map2MRW(gpa, hpa uint64) error {
	return v.mapGuest(gpa, hpa, ept.ReadWrite, (*ept.Map).Map2M)
}

// Map4KRW maps a writable 4-KiB guest page.
func (v *VCPU) Map4KRW(gpa, hpa uint64) error {
	return v.mapGuest(gpa, hpa, ept.ReadWrite, (*ept.Map).Map4K)
}

// Map1GRWE maps a fully permissive 1-GiB guest page.
func (v *VCPU) Map1GRWE(gpa, hpa uint64) error {
	return v.mapGuest(gpa, hpa, ept.ReadWriteExecute, (*ept.Map).Map1G)
}

// Map2MRWE maps a fully permissive 2-MiB guest page.
func (v *VCPU) Map2MRWE(gpa, hpa uint64) error {
	return v.mapGuest(gpa, hpa, ept.ReadWriteExecute, (*ept.Map).Map2M)
}

// Map4KRWE maps a fully permissive 4-KiB guest page.
func (v *VCPU) Map4KRWE(gpa, hpa uint64) error {
	return v.mapGuest(gpa, hpa, ept.ReadWriteExecute, (*ept.Map).Map4K)
}
