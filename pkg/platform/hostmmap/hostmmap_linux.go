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

// Package hostmmap is the Linux user-space Platform.
//
// Memory is mmap-backed and locked, and physical addresses are resolved
// through /proc/self/pagemap, which requires CAP_SYS_ADMIN. This is the
// binding used by integration tooling that stages the VMM from user space;
// in-kernel deployments replace it with the kernel-module glue.
package hostmmap

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"metalvisor.dev/metalvisor/pkg/platform"
)

// pagemap entry: bit 63 = present, bits 54:0 = page frame number.
const (
	pagemapPresent = uint64(1) << 63
	pagemapPFNMask = (uint64(1) << 55) - 1
)

// Platform is the mmap-backed platform.
type Platform struct {
	pagemap *os.File
	regions map[*platform.Memory][]byte
}

// New opens the pagemap and returns the platform.
func New() (*Platform, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("opening pagemap: %w", err)
	}
	return &Platform{
		pagemap: f,
		regions: make(map[*platform.Memory][]byte),
	}, nil
}

// Close releases the pagemap handle. Outstanding allocations stay mapped.
func (p *Platform) Close() error {
	return p.pagemap.Close()
}

func (p *Platform) physFor(va uintptr) (uint64, error) {
	var buf [8]byte
	off := int64(va/platform.PageSize) * 8
	if _, err := p.pagemap.ReadAt(buf[:], off); err != nil {
		return 0, fmt.Errorf("reading pagemap: %w", err)
	}
	var entry uint64
	for i := 0; i < 8; i++ {
		entry |= uint64(buf[i]) << (8 * i)
	}
	if entry&pagemapPresent == 0 {
		return 0, fmt.Errorf("page at %#x not present", va)
	}
	return (entry & pagemapPFNMask) * platform.PageSize, nil
}

func (p *Platform) alloc(size uint64, contiguous bool) (*platform.Memory, error) {
	if size%platform.PageSize != 0 {
		size += platform.PageSize - size%platform.PageSize
	}
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if contiguous {
		// Huge pages are the only contiguity user space can ask for.
		flags |= unix.MAP_HUGETLB
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		if !contiguous {
			return nil, platform.ErrOutOfMemory
		}
		// No huge pages configured; fall back and hope the buddy
		// allocator gave us adjacent frames. physFor will tell.
		data, err = unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, platform.ErrOutOfMemory
		}
	}
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("mlock: %w", err)
	}
	// Touch every page so the pagemap has frames to report.
	for i := uint64(0); i < size; i += platform.PageSize {
		data[i] = 0
	}
	pages := make([]uint64, size/platform.PageSize)
	for i := range pages {
		phys, err := p.physFor(uintptr(unsafe.Pointer(&data[uint64(i)*platform.PageSize])))
		if err != nil {
			unix.Munmap(data)
			return nil, err
		}
		pages[i] = phys
	}
	m := platform.NewMemory(data, pages)
	p.regions[m] = data
	return m, nil
}

// Alloc implements platform.Platform.Alloc.
func (p *Platform) Alloc(size uint64) (*platform.Memory, error) {
	return p.alloc(size, false)
}

// AllocContiguous implements platform.Platform.AllocContiguous.
func (p *Platform) AllocContiguous(size uint64) (*platform.Memory, error) {
	return p.alloc(size, true)
}

// Free implements platform.Platform.Free.
func (p *Platform) Free(m *platform.Memory) {
	if m == nil {
		return
	}
	if data, ok := p.regions[m]; ok {
		unix.Munmap(data)
		delete(p.regions, m)
	}
}

// CopyFromUser implements platform.Platform.CopyFromUser. In user space the
// "user" address is our own address space; src must be mapped.
func (p *Platform) CopyFromUser(dst []byte, src uint64) error {
	copy(dst, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(src))), len(dst)))
	return nil
}

// NumCPUs implements platform.Platform.NumCPUs.
func (p *Platform) NumCPUs() int {
	return runtime.NumCPU()
}

// OnEachCPU implements platform.Platform.OnEachCPU by pinning the calling
// thread to each CPU in turn.
func (p *Platform) OnEachCPU(fn func(cpu int) error, d platform.Direction) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var old unix.CPUSet
	if err := unix.SchedGetaffinity(0, &old); err != nil {
		return fmt.Errorf("sched_getaffinity: %w", err)
	}
	defer unix.SchedSetaffinity(0, &old)

	n := p.NumCPUs()
	for i := 0; i < n; i++ {
		cpu := i
		if d == platform.Reverse {
			cpu = n - 1 - i
		}
		var set unix.CPUSet
		set.Set(cpu)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			return fmt.Errorf("sched_setaffinity(%d): %w", cpu, err)
		}
		if err := fn(cpu); err != nil {
			return err
		}
	}
	return nil
}
