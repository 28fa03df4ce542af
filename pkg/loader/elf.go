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
	"bytes"
	"debug/elf"
	"fmt"
	"io"
)

// Stage 6: parse the microkernel's program headers and stage each PT_LOAD
// segment into its own page-aligned allocation. BSS tails are implicitly
// zero because platform allocations are.
func (l *Loader) allocAndCopyMkELFSegments() error {
	f, err := elf.NewFile(bytes.NewReader(l.mkELF.Data))
	if err != nil {
		return fmt.Errorf("%w: parsing microkernel: %v", ErrArgInvalid, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return fmt.Errorf("%w: microkernel is not an x86-64 ELF", ErrArgInvalid)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr%PageSize != 0 {
			return fmt.Errorf("%w: segment at %#x is not page aligned", ErrArgInvalid, prog.Vaddr)
		}

		mem, err := l.opts.Platform.Alloc(prog.Memsz)
		if err != nil {
			l.freeMkELFSegments()
			return fmt.Errorf("%w: segment at %#x", ErrAllocFailed, prog.Vaddr)
		}
		if _, err := io.ReadFull(prog.Open(), mem.Data[:prog.Filesz]); err != nil {
			l.opts.Platform.Free(mem)
			l.freeMkELFSegments()
			return fmt.Errorf("%w: reading segment at %#x: %v", ErrCopyFailed, prog.Vaddr, err)
		}

		l.segments = append(l.segments, segmentImage{
			mem:     mem,
			vaddr:   prog.Vaddr,
			execute: prog.Flags&elf.PF_X != 0,
		})
	}

	if len(l.segments) == 0 {
		return fmt.Errorf("%w: microkernel has no loadable segments", ErrArgInvalid)
	}
	return nil
}

func (l *Loader) freeMkELFSegments() {
	for _, seg := range l.segments {
		l.opts.Platform.Free(seg.mem)
	}
	l.segments = nil
}
