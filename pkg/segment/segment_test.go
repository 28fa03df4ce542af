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

package segment

import (
	"errors"
	"testing"
	"unsafe"
)

func TestDescriptorRoundTrip(t *testing.T) {
	var g Gdt

	// A flat 64-bit code segment and a data segment with a nonzero base.
	g.Set(1, 0, 0xFFFFF, Ring0CodeAccess)
	g.Set(2, 0x00ABCDEF, 0xFFFFF, Ring0DataAccess)

	for _, tc := range []struct {
		selector uint16
		base     uint64
		limit    uint32
		attrib   uint16
	}{
		{1 << 3, 0, 0xFFFFF, Ring0CodeAccess},
		{2 << 3, 0x00ABCDEF, 0xFFFFF, Ring0DataAccess},
	} {
		tr := g.Register()
		base, err := DescriptorBase(tr, tc.selector)
		if err != nil {
			t.Fatalf("DescriptorBase(%#x): %v", tc.selector, err)
		}
		if base != tc.base {
			t.Errorf("DescriptorBase(%#x) = %#x, want %#x", tc.selector, base, tc.base)
		}
		limit, err := DescriptorLimit(tr, tc.selector)
		if err != nil {
			t.Fatalf("DescriptorLimit(%#x): %v", tc.selector, err)
		}
		if limit != tc.limit {
			t.Errorf("DescriptorLimit(%#x) = %#x, want %#x", tc.selector, limit, tc.limit)
		}
		attrib, err := DescriptorAttrib(tr, tc.selector)
		if err != nil {
			t.Fatalf("DescriptorAttrib(%#x): %v", tc.selector, err)
		}
		if attrib != tc.attrib {
			t.Errorf("DescriptorAttrib(%#x) = %#x, want %#x", tc.selector, attrib, tc.attrib)
		}
	}
}

func TestSystemDescriptorBase(t *testing.T) {
	var g Gdt
	var tss Tss

	g.Set(5, tss.Base(), tss.Limit(), Ring0TrAccess)

	base, err := DescriptorBase(g.Register(), 5<<3)
	if err != nil {
		t.Fatalf("DescriptorBase: %v", err)
	}
	if base != tss.Base() {
		t.Errorf("TR base = %#x, want %#x", base, tss.Base())
	}
}

func TestHighBitsOfSystemBase(t *testing.T) {
	var g Gdt

	// A base with bits set in all four descriptor fragments.
	const base = uint64(0xFFFF8000_12345678)
	g.Set(3, base, 0x67, Ring0TrAccess)

	got, err := DescriptorBase(g.Register(), 3<<3)
	if err != nil {
		t.Fatalf("DescriptorBase: %v", err)
	}
	if got != base {
		t.Errorf("base = %#x, want %#x", got, base)
	}
}

func TestNullSelector(t *testing.T) {
	var g Gdt
	tr := g.Register()

	if base, err := DescriptorBase(tr, 0); err != nil || base != 0 {
		t.Errorf("DescriptorBase(0) = %#x, %v; want 0, nil", base, err)
	}
	if attrib, err := DescriptorAttrib(tr, 0); err != nil || attrib != 0 {
		t.Errorf("DescriptorAttrib(0) = %#x, %v; want 0, nil", attrib, err)
	}
	if limit, err := DescriptorLimit(tr, 0); err != nil || limit != 0 {
		t.Errorf("DescriptorLimit(0) = %#x, %v; want 0, nil", limit, err)
	}
}

func TestOutOfRangeSelector(t *testing.T) {
	tr := &TableRegister{
		Limit:   8*4 - 1, // Four slots.
		Entries: make([]uint64, 4),
	}

	if _, err := DescriptorBase(tr, 4<<3); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("DescriptorBase past limit: %v, want ErrOutOfRange", err)
	}
	if _, err := DescriptorAttrib(tr, 4<<3); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("DescriptorAttrib past limit: %v, want ErrOutOfRange", err)
	}

	// A system descriptor in the last slot has nowhere for its high half.
	tr.Entries[3] = uint64(Ring0TrAccess&0xFF) << 40
	if _, err := DescriptorBase(tr, 3<<3); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("system descriptor at table end: %v, want ErrOutOfRange", err)
	}
}

func TestScaledLimit(t *testing.T) {
	if got := ScaledLimit(0xFFFFF, Ring0CodeAccess); got != 0xFFFFFFFF {
		t.Errorf("granular limit = %#x, want 0xFFFFFFFF", got)
	}
	if got := ScaledLimit(0x67, Ring0TrAccess); got != 0x67 {
		t.Errorf("byte limit = %#x, want 0x67", got)
	}
}

func TestTssLayout(t *testing.T) {
	if size := unsafe.Sizeof(Tss{}); size != 104 {
		t.Errorf("Tss is %d bytes, want 104", size)
	}

	var tss Tss
	tss.SetIST1(0xFFFF_8000_0000_1000)
	if got := tss.IST1(); got != 0xFFFF_8000_0000_1000 {
		t.Errorf("IST1 = %#x", got)
	}
	tss.BlockIOPorts()
	if tss.ioPerm != 104 {
		t.Errorf("ioPerm = %d, want 104", tss.ioPerm)
	}
}
