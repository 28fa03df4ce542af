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

package testutil

import (
	"encoding/binary"
	"fmt"
)

const pageSize = 0x1000

// PhysMemory is a sparse fake physical address space, used both as the
// vmm.MemReader for guest walks and as the backing for fake guest page
// tables.
type PhysMemory struct {
	pages map[uint64][]byte
}

// NewPhysMemory returns an empty address space.
func NewPhysMemory() *PhysMemory {
	return &PhysMemory{pages: make(map[uint64][]byte)}
}

func (m *PhysMemory) page(addr uint64) []byte {
	base := addr &^ uint64(pageSize-1)
	pg, ok := m.pages[base]
	if !ok {
		pg = make([]byte, pageSize)
		m.pages[base] = pg
	}
	return pg
}

// Read64 implements vmm.MemReader.
func (m *PhysMemory) Read64(addr uint64) (uint64, error) {
	base := addr &^ uint64(pageSize-1)
	pg, ok := m.pages[base]
	if !ok {
		return 0, fmt.Errorf("testutil: no memory at %#x", addr)
	}
	return binary.LittleEndian.Uint64(pg[addr-base:]), nil
}

// Write64 stores a value, materializing the page.
func (m *PhysMemory) Write64(addr, val uint64) {
	pg := m.page(addr)
	binary.LittleEndian.PutUint64(pg[addr&(pageSize-1):], val)
}

// Guest page-table entry bits used by the builder.
const (
	gptePresent = uint64(1) << 0
	gpteRW      = uint64(1) << 1
	gptePS      = uint64(1) << 7
)

// GuestTables builds 4-level guest page tables inside a PhysMemory.
type GuestTables struct {
	Mem  *PhysMemory
	Root uint64

	nextTable uint64
}

// NewGuestTables returns empty tables with CR3 at root.
func NewGuestTables(root uint64) *GuestTables {
	return &GuestTables{
		Mem:       NewPhysMemory(),
		Root:      root,
		nextTable: root + pageSize,
	}
}

// walk returns the address of the entry for gva in the table at the given
// level shift, starting at Root and creating missing intermediate tables.
func (g *GuestTables) walk(gva uint64, leafShift uint) uint64 {
	table := g.Root
	for _, shift := range []uint{39, 30, 21, 12} {
		addr := table + ((gva>>shift)&0x1FF)*8
		if shift == leafShift {
			return addr
		}
		entry, err := g.Mem.Read64(addr)
		if err != nil || entry&gptePresent == 0 {
			next := g.nextTable
			g.nextTable += pageSize
			g.Mem.page(next)
			g.Mem.Write64(addr, next|gptePresent|gpteRW)
			table = next
			continue
		}
		table = entry &^ uint64(0xFFF)
	}
	return 0
}

// Map4K installs a 4-KiB guest translation.
func (g *GuestTables) Map4K(gva, gpa uint64) {
	g.Mem.Write64(g.walk(gva, 12), gpa|gptePresent|gpteRW)
}

// Map2M installs a 2-MiB super-page translation.
func (g *GuestTables) Map2M(gva, gpa uint64) {
	g.Mem.Write64(g.walk(gva, 21), gpa|gptePresent|gpteRW|gptePS)
}

// Map1G installs a 1-GiB super-page translation.
func (g *GuestTables) Map1G(gva, gpa uint64) {
	g.Mem.Write64(g.walk(gva, 30), gpa|gptePresent|gpteRW|gptePS)
}
