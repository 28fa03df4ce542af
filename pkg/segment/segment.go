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

// Package segment provides x86-64 descriptor table images and the selector
// arithmetic shared by the loader and the per-vCPU state writers.
package segment

import "errors"

// Selector bit arithmetic: the descriptor index is the selector shifted past
// the RPL and TI bits.
const selectorShift = 3

// Errors returned by the descriptor accessors.
var (
	// ErrOutOfRange indicates the selector indexes past the table limit.
	ErrOutOfRange = errors.New("segment: selector index out of range")
)

// Access-rights words in the packed VMCS format: descriptor bits [40..47] in
// bits [0..7] and descriptor bits [52..55] in bits [12..15].
const (
	// Ring0CodeAccess is a 64-bit ring-0 code segment (G, L, P, S, type B).
	Ring0CodeAccess uint16 = 0xA09B

	// Ring0DataAccess is a ring-0 data segment (G, D/B, P, S, type 3).
	Ring0DataAccess uint16 = 0xC093

	// Ring0TrAccess is a present, busy 64-bit TSS (P, type B).
	Ring0TrAccess uint16 = 0x008B

	// TssBusyAccess is the access-rights word forced into a guest TR whose
	// selector index is zero: a present, busy 64-bit TSS.
	TssBusyAccess uint16 = 0x008B
)

// Unusable is the VMCS access-rights unusable bit. It does not fit the packed
// 16-bit word and is applied by the guest-state writer as a full 32-bit value.
const Unusable uint32 = 1 << 16

// TableRegister is the software image of a GDTR or IDTR, plus a host-virtual
// view of the table it points at when one is available.
type TableRegister struct {
	// Base is the linear address of entry zero.
	Base uint64

	// Limit is the table limit in bytes, inclusive.
	Limit uint16

	// Entries is the host-virtual view of the table, 8 bytes per slot.
	// May be nil when only Base/Limit are known (e.g. a raw SGDT result).
	Entries []uint64
}

// Masks and shifts for descriptor field extraction, derived from the Intel
// SDM Vol 3 descriptor layout (base [16..39]|[56..63], attributes
// [40..47]|[52..55], limit [0..15]|[48..51]).
const (
	baseMaskLow  = 0x00000000FFFF0000 // base [15..0], descriptor bits 16..31
	baseMaskMid  = 0x000000FF00000000 // base [23..16], descriptor bits 32..39
	baseMaskHigh = 0xFF00000000000000 // base [31..24], descriptor bits 56..63

	baseShiftLow  = 16
	baseShiftMid  = 16
	baseShiftHigh = 32

	attribMaskLow  = 0x0000FF0000000000 // type/S/DPL/P, descriptor bits 40..47
	attribMaskHigh = 0x00F0000000000000 // AVL/L/DB/G, descriptor bits 52..55

	// Both masked words shift right by 40: the low byte lands in attrib
	// [7..0] and the high nibble in attrib [15..12], matching the VMCS
	// access-rights layout.
	attribShift = 40

	limitMaskLow  = 0x000000000000FFFF // limit [15..0]
	limitMaskHigh = 0x000F000000000000 // limit [19..16], descriptor bits 48..51
	limitShiftHigh = 32

	// systemBit is the descriptor S flag (bit 44). Clear means a system
	// descriptor, which is 16 bytes wide in IA-32e mode.
	systemBit = uint64(1) << 44
)

// DescriptorBase returns the base address of the descriptor selected by
// selector in the given table. A null selector yields base zero. System
// descriptors (S=0) consume two slots and contribute base bits [63..32] from
// the second.
func DescriptorBase(tr *TableRegister, selector uint16) (uint64, error) {
	idx := uint64(selector) >> selectorShift
	if idx == 0 {
		return 0, nil
	}

	slots := (uint64(tr.Limit) + 1) / 8
	if idx >= slots {
		return 0, ErrOutOfRange
	}

	entry := tr.Entries[idx]
	base := (entry&baseMaskLow)>>baseShiftLow |
		(entry&baseMaskMid)>>baseShiftMid |
		(entry&baseMaskHigh)>>baseShiftHigh

	if entry&systemBit == 0 {
		// 16-byte descriptor; the high half must also be in range.
		if idx+1 >= slots {
			return 0, ErrOutOfRange
		}
		base |= (tr.Entries[idx+1] & 0xFFFFFFFF) << 32
	}
	return base, nil
}

// DescriptorAttrib returns the packed access-rights word of the selected
// descriptor. A null selector yields zero.
func DescriptorAttrib(tr *TableRegister, selector uint16) (uint16, error) {
	idx := uint64(selector) >> selectorShift
	if idx == 0 {
		return 0, nil
	}

	if idx >= (uint64(tr.Limit)+1)/8 {
		return 0, ErrOutOfRange
	}

	entry := tr.Entries[idx]
	return uint16((entry&attribMaskLow)>>attribShift) |
		uint16((entry&attribMaskHigh)>>attribShift), nil
}

// DescriptorLimit returns the raw 20-bit limit of the selected descriptor.
// The granularity bit is left to the caller. A null selector yields zero.
func DescriptorLimit(tr *TableRegister, selector uint16) (uint32, error) {
	idx := uint64(selector) >> selectorShift
	if idx == 0 {
		return 0, nil
	}

	if idx >= (uint64(tr.Limit)+1)/8 {
		return 0, ErrOutOfRange
	}

	entry := tr.Entries[idx]
	return uint32(entry&limitMaskLow) | uint32((entry&limitMaskHigh)>>limitShiftHigh), nil
}

// ScaledLimit applies the granularity bit of the packed attrib word to a raw
// descriptor limit, returning the limit in bytes.
func ScaledLimit(limit uint32, attrib uint16) uint32 {
	if attrib&0x8000 != 0 {
		return limit<<12 | 0xFFF
	}
	return limit
}
