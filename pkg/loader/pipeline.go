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

package loader

import (
	"fmt"

	"metalvisor.dev/metalvisor/pkg/log"
	"metalvisor.dev/metalvisor/pkg/pagealloc"
	"metalvisor.dev/metalvisor/pkg/pagetables"
	"metalvisor.dev/metalvisor/pkg/platform"
)

// StartVMM is the request entry point: one copy from user memory, then
// validation, then the pipeline. Nothing is allocated before Verify passes.
func (l *Loader) StartVMM(userArgs uint64) error {
	payload := make([]byte, StartArgsSize)
	if err := l.opts.Platform.CopyFromUser(payload, userArgs); err != nil {
		return fmt.Errorf("%w: %v", ErrCopyFailed, err)
	}

	args, err := DecodeStartArgs(payload)
	if err != nil {
		return err
	}
	if err := args.Verify(); err != nil {
		log.Warningf("start_vmm: %v", err)
		return err
	}

	return l.Start(args)
}

// Start runs the launch pipeline on validated arguments.
func (l *Loader) Start(args *StartArgs) error {
	if l.status == Running {
		if err := l.Stop(); err != nil {
			return err
		}
	}
	if l.status == Corrupt {
		log.Warningf("unable to start, previous VMM failed to properly stop")
		return ErrCorrupt
	}

	l.ring.Reset()

	// Each completed stage pushes its release; a failed stage unwinds
	// everything acquired so far, most recent first.
	var undo []func()
	fail := func(err error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return err
	}

	if err := l.allocRootPageTable(); err != nil {
		log.Warningf("alloc_mk_root_page_table failed")
		return fail(err)
	}
	undo = append(undo, l.freeRootPageTable)

	if err := l.allocAndCopyMkELFFile(args.MkELFFile); err != nil {
		log.Warningf("alloc_and_copy_mk_elf_file_from_user failed")
		return fail(err)
	}
	undo = append(undo, l.freeMkELFFile)

	if err := l.allocAndCopyExtELFFiles(args.ExtELFFiles); err != nil {
		log.Warningf("alloc_and_copy_ext_elf_files_from_user failed")
		return fail(err)
	}
	undo = append(undo, l.freeExtELFFiles)

	if err := l.allocAndCopyMkELFSegments(); err != nil {
		log.Warningf("alloc_and_copy_mk_elf_segments failed")
		return fail(err)
	}
	undo = append(undo, l.freeMkELFSegments)

	if err := l.allocMkPagePool(args.PagePoolSize); err != nil {
		log.Warningf("alloc_mk_page_pool failed")
		return fail(err)
	}
	undo = append(undo, l.freeMkPagePool)

	if err := l.allocMkHugePool(0); err != nil {
		log.Warningf("alloc_mk_huge_pool failed")
		return fail(err)
	}
	undo = append(undo, l.freeMkHugePool)

	// The map stages share one undo: releasing the root table drops every
	// entry at once.
	if err := l.mapEverything(); err != nil {
		return fail(err)
	}

	l.dump()

	if err := l.opts.Platform.OnEachCPU(l.startVMMPerCPU, platform.Forward); err != nil {
		log.Warningf("start_vmm_per_cpu failed")
		if stopErr := l.opts.Platform.OnEachCPU(l.stopVMMPerCPU, platform.Reverse); stopErr != nil {
			log.Warningf("stop_vmm_per_cpu failed")
			l.status = Corrupt
			return err
		}
		return fail(err)
	}

	l.status = Running
	fmt.Fprintf(l.ring, "VMM started: %d cpus\n", l.opts.Platform.NumCPUs())
	return nil
}

// Stop broadcasts the per-CPU teardown in reverse order and frees every pool
// and table. A teardown failure corrupts the subsystem permanently.
func (l *Loader) Stop() error {
	if l.status == Corrupt {
		return ErrCorrupt
	}
	if l.status != Running {
		return nil
	}

	if err := l.opts.Platform.OnEachCPU(l.stopVMMPerCPU, platform.Reverse); err != nil {
		log.Warningf("stop_vmm_per_cpu failed")
		l.status = Corrupt
		return err
	}

	l.freeMkHugePool()
	l.freeMkPagePool()
	l.freeMkELFSegments()
	l.freeExtELFFiles()
	l.freeMkELFFile()
	l.freeRootPageTable()

	l.status = Stopped
	return nil
}

// Stage 3: the root table starts empty; the map stages fill it.
func (l *Loader) allocRootPageTable() error {
	l.ptAlloc = newTableAllocator(l.opts.Platform)
	pt, err := pagetables.New(l.ptAlloc)
	if err != nil {
		return fmt.Errorf("%w: root page table", ErrAllocFailed)
	}
	l.rootPT = pt
	return nil
}

func (l *Loader) freeRootPageTable() {
	if l.rootPT != nil {
		l.rootPT.Release()
		l.rootPT, l.ptAlloc, l.host = nil, nil, nil
	}
}

func (l *Loader) allocAndCopy(span Span) (*platform.Memory, error) {
	mem, err := l.opts.Platform.Alloc(span.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocFailed, err)
	}
	if err := l.opts.Platform.CopyFromUser(mem.Data[:span.Size], span.Addr); err != nil {
		l.opts.Platform.Free(mem)
		return nil, fmt.Errorf("%w: %v", ErrCopyFailed, err)
	}
	return mem, nil
}

// Stage 4.
func (l *Loader) allocAndCopyMkELFFile(span Span) error {
	mem, err := l.allocAndCopy(span)
	if err != nil {
		return err
	}
	l.mkELF = mem
	return nil
}

func (l *Loader) freeMkELFFile() {
	l.opts.Platform.Free(l.mkELF)
	l.mkELF = nil
}

// Stage 5.
func (l *Loader) allocAndCopyExtELFFiles(spans [MaxExtensions]Span) error {
	for i, span := range spans {
		if span.Addr == 0 {
			continue
		}
		mem, err := l.allocAndCopy(span)
		if err != nil {
			l.freeExtELFFiles()
			return err
		}
		l.extELFs[i] = mem
	}
	return nil
}

func (l *Loader) freeExtELFFiles() {
	for i, mem := range l.extELFs {
		l.opts.Platform.Free(mem)
		l.extELFs[i] = nil
	}
}

// Stage 7. A zero request selects the default pool size.
func (l *Loader) allocMkPagePool(pages uint32) error {
	if pages == 0 {
		pages = DefaultPagePoolPages
	}
	mem, err := l.opts.Platform.Alloc(uint64(pages) * PageSize)
	if err != nil {
		return fmt.Errorf("%w: page pool (%d pages)", ErrAllocFailed, pages)
	}
	l.pagePool = mem
	l.pool = pagealloc.New(mem)
	return nil
}

func (l *Loader) freeMkPagePool() {
	l.opts.Platform.Free(l.pagePool)
	l.pagePool, l.pool = nil, nil
}

// Stage 8. A zero request selects the default contiguous pool size.
func (l *Loader) allocMkHugePool(size uint32) error {
	bytes := uint64(DefaultHugePoolSize)
	if size != 0 {
		bytes = uint64(size) * PageSize
	}
	mem, err := l.opts.Platform.AllocContiguous(bytes)
	if err != nil {
		return fmt.Errorf("%w: huge pool (%#x bytes)", ErrAllocFailed, bytes)
	}
	l.hugePool = mem
	return nil
}

func (l *Loader) freeMkHugePool() {
	l.opts.Platform.Free(l.hugePool)
	l.hugePool = nil
}

// mapMemory installs every page of an allocation at base in the root table.
func (l *Loader) mapMemory(mem *platform.Memory, base uint64, access pagetables.Access) error {
	for off := uint64(0); off < mem.Size(); off += PageSize {
		if err := l.rootPT.Map4K(base+off, mem.Phys(off), access, true); err != nil {
			return fmt.Errorf("%w: %v", ErrMapFailed, err)
		}
	}
	return nil
}

// Stage 9: the seven map stages, in the pipeline's fixed order.
func (l *Loader) mapEverything() error {
	if err := l.mapMkDebugRing(); err != nil {
		log.Warningf("map_mk_debug_ring failed")
		return err
	}
	if err := l.mapMkCodeAliases(); err != nil {
		log.Warningf("map_mk_code_aliases failed")
		return err
	}
	if err := l.mapMkELFFile(); err != nil {
		log.Warningf("map_mk_elf_file failed")
		return err
	}
	if err := l.mapExtELFFiles(); err != nil {
		log.Warningf("map_ext_elf_files failed")
		return err
	}
	if err := l.mapMkELFSegments(); err != nil {
		log.Warningf("map_mk_elf_segments failed")
		return err
	}
	if err := l.mapMkPagePool(); err != nil {
		log.Warningf("map_mk_page_pool failed")
		return err
	}
	if err := l.mapMkHugePool(); err != nil {
		log.Warningf("map_mk_huge_pool failed")
		return err
	}
	return nil
}

func (l *Loader) mapMkDebugRing() error {
	return l.mapMemory(l.ringMem, mkDebugRingBase, pagetables.ReadWrite)
}

// mapMkCodeAliases aliases the resident loader text at its own addresses so
// a CPU mid-demotion keeps executing after CR3 switches to the root table.
func (l *Loader) mapMkCodeAliases() error {
	for _, d := range l.opts.LoaderText {
		access := pagetables.ReadWrite
		if d.Type&pagetables.TypeRead != 0 && d.Type&pagetables.TypeExecute != 0 {
			access = pagetables.ReadExecute
		}
		if err := l.rootPT.Map4K(d.Virt, d.Phys, access, false); err != nil {
			return fmt.Errorf("%w: %v", ErrMapFailed, err)
		}
	}
	return nil
}

func (l *Loader) mapMkELFFile() error {
	return l.mapMemory(l.mkELF, mkELFFileBase, pagetables.ReadWrite)
}

func (l *Loader) mapExtELFFiles() error {
	for i, mem := range l.extELFs {
		if mem == nil {
			continue
		}
		base := extELFFileBase + uint64(i)*MaxELFFileSize
		if err := l.mapMemory(mem, base, pagetables.ReadWrite); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) mapMkELFSegments() error {
	for _, seg := range l.segments {
		access := pagetables.ReadWrite
		if seg.execute {
			access = pagetables.ReadExecute
		}
		if err := l.mapMemory(seg.mem, mkELFSegmentBase+seg.vaddr, access); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) mapMkPagePool() error {
	return l.mapMemory(l.pagePool, mkPagePoolBase, pagetables.ReadWrite)
}

func (l *Loader) mapMkHugePool() error {
	return l.mapMemory(l.hugePool, mkHugePoolBase, pagetables.ReadWrite)
}

// dump reports everything staged, the way an operator would want to see it
// when bring-up goes sideways.
func (l *Loader) dump() {
	if !log.IsLogging(log.Debug) {
		return
	}
	log.Debugf("mk root page table: cr3=%#x", l.rootPT.CR3())
	log.Debugf("mk elf file: %#x bytes at %#x", l.mkELF.Size(), mkELFFileBase)
	for i, mem := range l.extELFs {
		if mem != nil {
			log.Debugf("ext elf file %d: %#x bytes", i, mem.Size())
		}
	}
	for _, seg := range l.segments {
		log.Debugf("mk elf segment: vaddr=%#x size=%#x execute=%t", seg.vaddr, seg.mem.Size(), seg.execute)
	}
	log.Debugf("mk page pool: %#x bytes at %#x", l.pagePool.Size(), mkPagePoolBase)
	log.Debugf("mk huge pool: %#x bytes at %#x", l.hugePool.Size(), mkHugePoolBase)
}
