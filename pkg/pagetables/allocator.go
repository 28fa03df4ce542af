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
	"unsafe"

	"metalvisor.dev/metalvisor/pkg/pagealloc"
)

// Allocator provides the table pages and the virtual/physical mapping
// between them.
type Allocator interface {
	// NewPTEs returns a new, zeroed set of entries, or nil when no page
	// can be provided.
	NewPTEs() *PTEs

	// PhysicalFor returns the physical address of the given entries.
	PhysicalFor(ptes *PTEs) uint64

	// LookupPTEs looks up the entries with the given physical address.
	LookupPTEs(phys uint64) *PTEs

	// FreePTEs releases the given entries.
	FreePTEs(ptes *PTEs)
}

// RuntimeAllocator is a heap-backed Allocator with synthesized physical
// addresses, for tests and for building table images that are relocated
// later.
type RuntimeAllocator struct {
	next  uint64
	byPhys map[uint64]*PTEs
	phys   map[*PTEs]uint64
}

// NewRuntimeAllocator returns a fresh heap-backed allocator.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		next:   0x2000_0000,
		byPhys: make(map[uint64]*PTEs),
		phys:   make(map[*PTEs]uint64),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() *PTEs {
	ptes := new(PTEs)
	r.byPhys[r.next] = ptes
	r.phys[ptes] = r.next
	r.next += pageSize
	return ptes
}

// PhysicalFor implements Allocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) uint64 {
	return r.phys[ptes]
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(phys uint64) *PTEs {
	return r.byPhys[phys]
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	delete(r.byPhys, r.phys[ptes])
	delete(r.phys, ptes)
}

// PoolAllocator draws table pages from a pagealloc pool, so the tables live
// in VMM-owned memory with real physical addresses.
type PoolAllocator struct {
	pool  *pagealloc.Pool
	pages map[*PTEs]*pagealloc.Page
}

// NewPoolAllocator returns an Allocator over the given pool.
func NewPoolAllocator(pool *pagealloc.Pool) *PoolAllocator {
	return &PoolAllocator{
		pool:  pool,
		pages: make(map[*PTEs]*pagealloc.Page),
	}
}

// NewPTEs implements Allocator.NewPTEs, returning nil on pool exhaustion.
func (a *PoolAllocator) NewPTEs() *PTEs {
	pg, err := a.pool.Alloc()
	if err != nil {
		return nil
	}
	ptes := (*PTEs)(unsafe.Pointer(&pg.Data[0]))
	a.pages[ptes] = pg
	return ptes
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *PoolAllocator) PhysicalFor(ptes *PTEs) uint64 {
	return a.pages[ptes].Phys
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *PoolAllocator) LookupPTEs(phys uint64) *PTEs {
	pg := a.pool.ByPhys(phys)
	if pg == nil {
		return nil
	}
	return (*PTEs)(unsafe.Pointer(&pg.Data[0]))
}

// FreePTEs implements Allocator.FreePTEs.
func (a *PoolAllocator) FreePTEs(ptes *PTEs) {
	if pg, ok := a.pages[ptes]; ok {
		delete(a.pages, ptes)
		a.pool.Free(pg)
	}
}
