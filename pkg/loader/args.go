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
	"encoding/binary"
	"fmt"
)

// StartArgsVersion is the only request ABI this loader speaks.
const StartArgsVersion = 1

// Span names a user-memory range.
type Span struct {
	Addr uint64
	Size uint64
}

// StartArgs is the start request payload. The wire form is packed
// little-endian: ver, the microkernel span, MaxExtensions extension spans,
// then the pool size.
type StartArgs struct {
	Ver         uint64
	MkELFFile   Span
	ExtELFFiles [MaxExtensions]Span
	PagePoolSize uint32
}

// StartArgsSize is the packed payload size in bytes.
const StartArgsSize = 8 + 16 + 16*MaxExtensions + 4

// DecodeStartArgs unpacks a payload copied from user memory.
func DecodeStartArgs(b []byte) (*StartArgs, error) {
	if len(b) < StartArgsSize {
		return nil, fmt.Errorf("%w: short payload (%d bytes)", ErrArgInvalid, len(b))
	}
	a := &StartArgs{
		Ver: binary.LittleEndian.Uint64(b[0:]),
		MkELFFile: Span{
			Addr: binary.LittleEndian.Uint64(b[8:]),
			Size: binary.LittleEndian.Uint64(b[16:]),
		},
	}
	off := 24
	for i := range a.ExtELFFiles {
		a.ExtELFFiles[i].Addr = binary.LittleEndian.Uint64(b[off:])
		a.ExtELFFiles[i].Size = binary.LittleEndian.Uint64(b[off+8:])
		off += 16
	}
	a.PagePoolSize = binary.LittleEndian.Uint32(b[off:])
	return a, nil
}

// Encode packs the payload, the inverse of DecodeStartArgs. The control
// tool uses it to build the request it hands to the kernel.
func (a *StartArgs) Encode() []byte {
	b := make([]byte, StartArgsSize)
	binary.LittleEndian.PutUint64(b[0:], a.Ver)
	binary.LittleEndian.PutUint64(b[8:], a.MkELFFile.Addr)
	binary.LittleEndian.PutUint64(b[16:], a.MkELFFile.Size)
	off := 24
	for i := range a.ExtELFFiles {
		binary.LittleEndian.PutUint64(b[off:], a.ExtELFFiles[i].Addr)
		binary.LittleEndian.PutUint64(b[off+8:], a.ExtELFFiles[i].Size)
		off += 16
	}
	binary.LittleEndian.PutUint32(b[off:], a.PagePoolSize)
	return b
}

// Verify rejects malformed requests before anything is allocated.
func (a *StartArgs) Verify() error {
	if a.Ver != StartArgsVersion {
		return fmt.Errorf("%w: ABI version %d not supported", ErrArgInvalid, a.Ver)
	}

	if a.MkELFFile.Addr == 0 {
		return fmt.Errorf("%w: the microkernel is required", ErrArgInvalid)
	}
	if a.MkELFFile.Size == 0 || a.MkELFFile.Size >= MaxELFFileSize {
		return fmt.Errorf("%w: mk_elf_file.size %#x is invalid", ErrArgInvalid, a.MkELFFile.Size)
	}

	if a.ExtELFFiles[0].Addr == 0 {
		return fmt.Errorf("%w: at least one extension is required", ErrArgInvalid)
	}
	for i, ext := range a.ExtELFFiles {
		if (ext.Addr == 0) != (ext.Size == 0) {
			return fmt.Errorf("%w: ext_elf_files[%d] address/size combination", ErrArgInvalid, i)
		}
		if ext.Size >= MaxELFFileSize {
			return fmt.Errorf("%w: ext_elf_files[%d].size %#x is invalid", ErrArgInvalid, i, ext.Size)
		}
	}

	return nil
}
