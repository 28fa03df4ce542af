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

package segment

import "unsafe"

// gdtSlots is the host GDT size. One page worth of descriptors, like the
// tables the firmware leaves behind; the host only populates slots 1..6.
const gdtSlots = 512

// Gdt is a host global descriptor table image.
type Gdt struct {
	entries [gdtSlots]uint64
}

// Set installs a descriptor at the given slot. System descriptors (S clear in
// attrib) are 16 bytes wide and spill their high base word into the next
// slot.
func (g *Gdt) Set(index int, base uint64, limit uint32, attrib uint16) {
	entry := uint64(limit) & limitMaskLow
	entry |= (uint64(limit) << limitShiftHigh) & limitMaskHigh
	entry |= (base << baseShiftLow) & baseMaskLow
	entry |= (base << baseShiftMid) & baseMaskMid
	entry |= (base << baseShiftHigh) & baseMaskHigh
	entry |= (uint64(attrib) << attribShift) & attribMaskLow
	entry |= (uint64(attrib) << attribShift) & attribMaskHigh
	g.entries[index] = entry

	if attrib&(1<<(44-attribShift)) == 0 {
		g.entries[index+1] = base >> 32
	}
}

// Base returns the linear address of the table.
func (g *Gdt) Base() uint64 {
	return uint64(uintptr(unsafe.Pointer(&g.entries[0])))
}

// Limit returns the table limit in bytes, inclusive.
func (g *Gdt) Limit() uint16 {
	return uint16(8*gdtSlots - 1)
}

// Register returns the register image describing this table.
func (g *Gdt) Register() *TableRegister {
	return &TableRegister{
		Base:    g.Base(),
		Limit:   g.Limit(),
		Entries: g.entries[:],
	}
}

// EntryBase returns the base of the descriptor at the given slot.
func (g *Gdt) EntryBase(index int) (uint64, error) {
	return DescriptorBase(g.Register(), uint16(index)<<selectorShift)
}

// EntryAttrib returns the packed access rights of the descriptor at the
// given slot.
func (g *Gdt) EntryAttrib(index int) (uint16, error) {
	return DescriptorAttrib(g.Register(), uint16(index)<<selectorShift)
}
