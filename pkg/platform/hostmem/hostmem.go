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

// Package hostmem provides an in-process Platform simulation.
//
// Physical addresses are synthesized deterministically so that page-table and
// EPT contents are reproducible across runs. Tests use the fault-injection
// counters to drive the loader's rollback paths.
package hostmem

import (
	"errors"

	"metalvisor.dev/metalvisor/pkg/platform"
)

// physBase is where synthesized physical memory starts. Zero is avoided so a
// zero physical address always means "absent".
const physBase = 0x1_0000_0000

// Platform is a simulated platform.Platform.
type Platform struct {
	// CPUs is the simulated CPU count. Zero means one.
	CPUs int

	// AllocsUntilFailure, when positive, fails the Nth allocation (counting
	// both Alloc and AllocContiguous) and every one after it.
	AllocsUntilFailure int

	// FailReverseBroadcast fails OnEachCPU in the Reverse direction
	// before visiting any CPU, simulating a teardown IPI failure.
	FailReverseBroadcast bool

	nextPhys uint64
	allocs   int
	live     map[*platform.Memory]bool
	user     map[uint64][]byte
	phys     map[uint64][]byte
}

// New returns an empty simulated platform.
func New() *Platform {
	return &Platform{
		live: make(map[*platform.Memory]bool),
		user: make(map[uint64][]byte),
		phys: make(map[uint64][]byte),
	}
}

// AddUserRegion registers bytes readable through CopyFromUser at addr.
func (p *Platform) AddUserRegion(addr uint64, data []byte) {
	p.user[addr] = data
}

// Live returns the number of outstanding allocations, for leak checks.
func (p *Platform) Live() int {
	return len(p.live)
}

// ReadPhys64 reads a little-endian 64-bit value at a synthesized physical
// address. It panics on an address this platform never handed out, which in a
// test means a page walk went off the rails.
func (p *Platform) ReadPhys64(phys uint64) uint64 {
	page, ok := p.phys[phys&^uint64(platform.PageSize-1)]
	if !ok {
		panic("hostmem: read of unknown physical page")
	}
	off := phys & (platform.PageSize - 1)
	var v uint64
	for i := uint64(0); i < 8; i++ {
		v |= uint64(page[off+i]) << (8 * i)
	}
	return v
}

// WritePhys64 writes a little-endian 64-bit value at a synthesized physical
// address. Tests use it to build guest page tables.
func (p *Platform) WritePhys64(phys, v uint64) {
	page, ok := p.phys[phys&^uint64(platform.PageSize-1)]
	if !ok {
		panic("hostmem: write of unknown physical page")
	}
	off := phys & (platform.PageSize - 1)
	for i := uint64(0); i < 8; i++ {
		page[off+i] = byte(v >> (8 * i))
	}
}

func (p *Platform) alloc(size uint64) (*platform.Memory, error) {
	p.allocs++
	if p.AllocsUntilFailure > 0 && p.allocs >= p.AllocsUntilFailure {
		return nil, platform.ErrOutOfMemory
	}
	if size%platform.PageSize != 0 {
		size += platform.PageSize - size%platform.PageSize
	}
	data := make([]byte, size)
	pages := make([]uint64, size/platform.PageSize)
	for i := range pages {
		if p.nextPhys == 0 {
			p.nextPhys = physBase
		}
		pages[i] = p.nextPhys
		p.phys[p.nextPhys] = data[uint64(i)*platform.PageSize : uint64(i+1)*platform.PageSize]
		p.nextPhys += platform.PageSize
	}
	m := platform.NewMemory(data, pages)
	p.live[m] = true
	return m, nil
}

// Alloc implements platform.Platform.Alloc.
func (p *Platform) Alloc(size uint64) (*platform.Memory, error) {
	return p.alloc(size)
}

// AllocContiguous implements platform.Platform.AllocContiguous. Simulated
// physical addresses are always contiguous within an allocation.
func (p *Platform) AllocContiguous(size uint64) (*platform.Memory, error) {
	return p.alloc(size)
}

// Free implements platform.Platform.Free.
func (p *Platform) Free(m *platform.Memory) {
	if m == nil {
		return
	}
	if !p.live[m] {
		panic("hostmem: double free")
	}
	delete(p.live, m)
	for off := uint64(0); off < m.Size(); off += platform.PageSize {
		delete(p.phys, m.Phys(off))
	}
}

// CopyFromUser implements platform.Platform.CopyFromUser.
func (p *Platform) CopyFromUser(dst []byte, src uint64) error {
	for base, region := range p.user {
		if src >= base && src+uint64(len(dst)) <= base+uint64(len(region)) {
			copy(dst, region[src-base:])
			return nil
		}
	}
	return platform.ErrBadUserAddress
}

// NumCPUs implements platform.Platform.NumCPUs.
func (p *Platform) NumCPUs() int {
	if p.CPUs == 0 {
		return 1
	}
	return p.CPUs
}

// OnEachCPU implements platform.Platform.OnEachCPU.
func (p *Platform) OnEachCPU(fn func(cpu int) error, d platform.Direction) error {
	if d == platform.Reverse && p.FailReverseBroadcast {
		return errors.New("hostmem: reverse broadcast failed")
	}
	n := p.NumCPUs()
	for i := 0; i < n; i++ {
		cpu := i
		if d == platform.Reverse {
			cpu = n - 1 - i
		}
		if err := fn(cpu); err != nil {
			return err
		}
	}
	return nil
}
