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

// Package pagealloc hands out and recycles page-sized buffers from a
// preallocated pool.
//
// Alloc and Free are O(1): the pool is a free stack over pages carved from
// one platform allocation. This is the contract the microkernel's slab
// allocator builds on; the loader uses it for VMXON regions and the vCPUs for
// their MSR and I/O bitmaps.
package pagealloc

import (
	"errors"

	"metalvisor.dev/metalvisor/pkg/platform"
)

// ErrPoolExhausted is returned when the pool has no free pages left.
var ErrPoolExhausted = errors.New("pagealloc: pool exhausted")

// Page is one 4-KiB page: its host-virtual contents and host-physical
// address.
type Page struct {
	Data []byte
	Phys uint64
}

// Pool is a free stack of pages over a single platform allocation. Pools are
// CPU-confined or pipeline-confined; there is no internal locking.
type Pool struct {
	free   []*Page
	byPhys map[uint64]*Page
	total  int
}

// New carves the given allocation into pages and returns the pool. The
// allocation stays owned by the caller; the pool only tracks it.
func New(m *platform.Memory) *Pool {
	n := int(m.Size() / platform.PageSize)
	p := &Pool{
		free:   make([]*Page, 0, n),
		byPhys: make(map[uint64]*Page, n),
		total:  n,
	}
	for i := 0; i < n; i++ {
		off := uint64(i) * platform.PageSize
		pg := &Page{
			Data: m.Data[off : off+platform.PageSize],
			Phys: m.Phys(off),
		}
		p.free = append(p.free, pg)
		p.byPhys[pg.Phys] = pg
	}
	return p
}

// Alloc pops a zeroed page.
func (p *Pool) Alloc() (*Page, error) {
	if len(p.free) == 0 {
		return nil, ErrPoolExhausted
	}
	pg := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	clear(pg.Data)
	return pg, nil
}

// Free pushes a page back. Freeing a page the pool never owned is a
// programming error.
func (p *Pool) Free(pg *Page) {
	if pg == nil {
		return
	}
	if p.byPhys[pg.Phys] != pg {
		panic("pagealloc: free of foreign page")
	}
	p.free = append(p.free, pg)
}

// ByPhys returns the page with the given physical address, or nil.
func (p *Pool) ByPhys(phys uint64) *Page {
	return p.byPhys[phys]
}

// Free pages remaining.
func (p *Pool) Available() int {
	return len(p.free)
}

// Total pages in the pool.
func (p *Pool) Total() int {
	return p.total
}
