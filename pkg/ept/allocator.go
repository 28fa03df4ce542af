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

package ept

import (
	"unsafe"

	"metalvisor.dev/metalvisor/pkg/pagealloc"
)

// RuntimeAllocator is a heap-backed Allocator with synthesized physical
// addresses, for tests.
type RuntimeAllocator struct {
	next   uint64
	byPhys map[uint64]*Entries
	phys   map[*Entries]uint64
}

// NewRuntimeAllocator returns a fresh heap-backed allocator.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		next:   0x4000_0000,
		byPhys: make(map[uint64]*Entries),
		phys:   make(map[*Entries]uint64),
	}
}

// NewEntries implements Allocator.NewEntries.
func (r *RuntimeAllocator) NewEntries() *Entries {
	entries := new(Entries)
	r.byPhys[r.next] = entries
	r.phys[entries] = r.next
	r.next += pageSize
	return entries
}

// PhysicalFor implements Allocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(entries *Entries) uint64 {
	return r.phys[entries]
}

// LookupEntries implements Allocator.LookupEntries.
func (r *RuntimeAllocator) LookupEntries(phys uint64) *Entries {
	return r.byPhys[phys]
}

// FreeEntries implements Allocator.FreeEntries.
func (r *RuntimeAllocator) FreeEntries(entries *Entries) {
	delete(r.byPhys, r.phys[entries])
	delete(r.phys, entries)
}

// PoolAllocator draws table pages from a pagealloc pool.
type PoolAllocator struct {
	pool  *pagealloc.Pool
	pages map[*Entries]*pagealloc.Page
}

// NewPoolAllocator returns an Allocator over the given pool.
func NewPoolAllocator(pool *pagealloc.Pool) *PoolAllocator {
	return &PoolAllocator{
		pool:  pool,
		pages: make(map[*Entries]*pagealloc.Page),
	}
}

// NewEntries implements Allocator.NewEntries, returning nil on pool
// exhaustion.
func (a *PoolAllocator) NewEntries() *Entries {
	pg, err := a.pool.Alloc()
	if err != nil {
		return nil
	}
	entries := (*Entries)(unsafe.Pointer(&pg.Data[0]))
	a.pages[entries] = pg
	return entries
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *PoolAllocator) PhysicalFor(entries *Entries) uint64 {
	return a.pages[entries].Phys
}

// LookupEntries implements Allocator.LookupEntries.
func (a *PoolAllocator) LookupEntries(phys uint64) *Entries {
	pg := a.pool.ByPhys(phys)
	if pg == nil {
		return nil
	}
	return (*Entries)(unsafe.Pointer(&pg.Data[0]))
}

// FreeEntries implements Allocator.FreeEntries.
func (a *PoolAllocator) FreeEntries(entries *Entries) {
	if pg, ok := a.pages[entries]; ok {
		delete(a.pages, entries)
		a.pool.Free(pg)
	}
}
