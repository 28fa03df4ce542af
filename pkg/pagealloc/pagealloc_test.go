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

package pagealloc

import (
	"errors"
	"testing"

	"metalvisor.dev/metalvisor/pkg/platform/hostmem"
)

func newPool(t *testing.T, pages int) *Pool {
	t.Helper()
	p := hostmem.New()
	mem, err := p.Alloc(uint64(pages) * 0x1000)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	return New(mem)
}

func TestAllocFree(t *testing.T) {
	pool := newPool(t, 4)
	if pool.Total() != 4 || pool.Available() != 4 {
		t.Fatalf("fresh pool: total=%d available=%d", pool.Total(), pool.Available())
	}

	var pages []*Page
	for i := 0; i < 4; i++ {
		pg, err := pool.Alloc()
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		if len(pg.Data) != 0x1000 || pg.Phys == 0 {
			t.Fatalf("page %d: len=%d phys=%#x", i, len(pg.Data), pg.Phys)
		}
		pages = append(pages, pg)
	}

	if _, err := pool.Alloc(); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("exhausted Alloc: %v, want ErrPoolExhausted", err)
	}

	for _, pg := range pages {
		pool.Free(pg)
	}
	if pool.Available() != 4 {
		t.Errorf("after frees: available=%d, want 4", pool.Available())
	}
}

func TestAllocZeroes(t *testing.T) {
	pool := newPool(t, 1)
	pg, _ := pool.Alloc()
	pg.Data[17] = 0xAB
	pool.Free(pg)

	pg, _ = pool.Alloc()
	if pg.Data[17] != 0 {
		t.Errorf("recycled page not zeroed")
	}
}

func TestByPhys(t *testing.T) {
	pool := newPool(t, 2)
	pg, _ := pool.Alloc()
	if got := pool.ByPhys(pg.Phys); got != pg {
		t.Errorf("ByPhys(%#x) = %p, want %p", pg.Phys, got, pg)
	}
	if got := pool.ByPhys(0xDEAD000); got != nil {
		t.Errorf("ByPhys(unknown) = %p, want nil", got)
	}
}
