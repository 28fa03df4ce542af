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
	"encoding/binary"
	"errors"
	"testing"

	"metalvisor.dev/metalvisor/pkg/pagetables"
	"metalvisor.dev/metalvisor/pkg/platform/hostmem"
	"metalvisor.dev/metalvisor/pkg/vmm/testutil"
	"metalvisor.dev/metalvisor/pkg/vmx"
)

// makeELF builds a minimal x86-64 ELF with one executable PT_LOAD segment.
func makeELF() []byte {
	b := make([]byte, 0x200)
	le := binary.LittleEndian

	copy(b, "\x7FELF")
	b[4] = 2 // 64-bit
	b[5] = 1 // little-endian
	b[6] = 1 // version

	le.PutUint16(b[16:], 2)    // ET_EXEC
	le.PutUint16(b[18:], 0x3E) // EM_X86_64
	le.PutUint32(b[20:], 1)    // version
	le.PutUint64(b[24:], 0)    // entry
	le.PutUint64(b[32:], 64)   // phoff
	le.PutUint16(b[52:], 64)   // ehsize
	le.PutUint16(b[54:], 56)   // phentsize
	le.PutUint16(b[56:], 1)    // phnum

	p := b[64:]
	le.PutUint32(p[0:], 1)       // PT_LOAD
	le.PutUint32(p[4:], 1|4)     // PF_X | PF_R
	le.PutUint64(p[8:], 0)       // offset
	le.PutUint64(p[16:], 0)      // vaddr
	le.PutUint64(p[24:], 0)      // paddr
	le.PutUint64(p[32:], 0x200)  // filesz
	le.PutUint64(p[40:], 0x1000) // memsz
	le.PutUint64(p[48:], 0x1000) // align

	return b
}

const (
	userMkAddr  = 0x10_0000
	userExtAddr = 0x20_0000
)

type testLoader struct {
	*Loader
	plat *hostmem.Platform
	hws  map[int]*testutil.Hardware
}

func newTestLoader(t *testing.T, cpus int) *testLoader {
	t.Helper()

	plat := hostmem.New()
	plat.CPUs = cpus
	plat.AddUserRegion(userMkAddr, makeELF())
	plat.AddUserRegion(userExtAddr, bytes.Repeat([]byte{0xEE}, 0x1000))

	hws := make(map[int]*testutil.Hardware)
	for i := 0; i < cpus; i++ {
		hws[i] = testutil.NewHardware()
	}

	l, err := New(Options{
		Platform: plat,
		Hardware: func(cpu int) vmx.Hardware { return hws[cpu] },
		LoaderText: []pagetables.Descriptor{
			{Virt: 0xFFFF_8000_0000_0000, Phys: 0x7000, Type: pagetables.TypeRead | pagetables.TypeExecute},
		},
		ExitHandlerEntry: 0xFFFF_8000_0000_0100,
		ExceptionStub:    0xFFFF_8000_0000_0200,
		GuestMem:         testutil.NewPhysMemory(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &testLoader{Loader: l, plat: plat, hws: hws}
}

func startArgs() *StartArgs {
	a := &StartArgs{
		Ver:          StartArgsVersion,
		MkELFFile:    Span{Addr: userMkAddr, Size: 0x200},
		PagePoolSize: 16,
	}
	a.ExtELFFiles[0] = Span{Addr: userExtAddr, Size: 0x1000}
	return a
}

func TestStartStop(t *testing.T) {
	tl := newTestLoader(t, 1)

	if err := tl.Start(startArgs()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := tl.Status(); got != Running {
		t.Fatalf("status = %v, want running", got)
	}

	if banner := tl.DebugRing().Drain(); !bytes.Contains(banner, []byte("VMM started")) {
		t.Errorf("debug ring = %q, want the start banner", banner)
	}

	if tl.VCPU(0) == nil {
		t.Errorf("no vCPU on CPU 0")
	}
	if len(tl.hws[0].VMXOnRegions) != 1 {
		t.Errorf("VMXON calls = %d, want 1", len(tl.hws[0].VMXOnRegions))
	}
	if tl.hws[0].Launched != 1 {
		t.Errorf("Launched = %d, want 1", tl.hws[0].Launched)
	}

	if err := tl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := tl.Status(); got != Stopped {
		t.Errorf("status after stop = %v", got)
	}
	if tl.hws[0].VMXOffCalls != 1 {
		t.Errorf("VMXOFF calls = %d, want 1", tl.hws[0].VMXOffCalls)
	}

	// Everything except the loader's own debug ring must be back.
	if live := tl.plat.Live(); live != 1 {
		t.Errorf("%d live allocations after stop, want 1", live)
	}
}

func TestStartVMMFromUserPayload(t *testing.T) {
	tl := newTestLoader(t, 1)

	const payloadAddr = 0x30_0000
	tl.plat.AddUserRegion(payloadAddr, startArgs().Encode())

	if err := tl.StartVMM(payloadAddr); err != nil {
		t.Fatalf("StartVMM: %v", err)
	}
	if tl.Status() != Running {
		t.Errorf("status = %v", tl.Status())
	}
}

func TestBadVersionAllocatesNothing(t *testing.T) {
	tl := newTestLoader(t, 1)

	args := startArgs()
	args.Ver = 2
	before := tl.plat.Live()

	if err := args.Verify(); !errors.Is(err, ErrArgInvalid) {
		t.Fatalf("Verify: %v", err)
	}

	const payloadAddr = 0x30_0000
	tl.plat.AddUserRegion(payloadAddr, args.Encode())
	if err := tl.StartVMM(payloadAddr); !errors.Is(err, ErrArgInvalid) {
		t.Fatalf("StartVMM: %v, want ErrArgInvalid", err)
	}

	if tl.plat.Live() != before {
		t.Errorf("allocations changed on a rejected request")
	}
	if tl.Status() != Stopped {
		t.Errorf("status = %v", tl.Status())
	}
}

func TestHugePoolFailureRollsBack(t *testing.T) {
	tl := newTestLoader(t, 1)

	// Allocation order: ring (already done in New), then root table, mk
	// image, extension, one segment, page pool; the seventh is the huge
	// pool.
	tl.plat.AllocsUntilFailure = 7

	err := tl.Start(startArgs())
	if !errors.Is(err, ErrAllocFailed) {
		t.Fatalf("Start: %v, want ErrAllocFailed", err)
	}
	if tl.Status() != Stopped {
		t.Errorf("status = %v, want stopped", tl.Status())
	}
	if live := tl.plat.Live(); live != 1 {
		t.Errorf("%d live allocations after rollback, want 1", live)
	}
}

func TestPerCPUFailureRollsBack(t *testing.T) {
	tl := newTestLoader(t, 2)
	tl.hws[1].LaunchErr = vmx.ErrEntryFailure

	err := tl.Start(startArgs())
	if err == nil {
		t.Fatalf("Start succeeded with a failing CPU")
	}
	if tl.Status() != Stopped {
		t.Errorf("status = %v, want stopped", tl.Status())
	}
	if tl.VCPU(0) != nil || tl.VCPU(1) != nil {
		t.Errorf("vCPUs survived the rollback")
	}
	if tl.hws[0].VMXOffCalls != 1 {
		t.Errorf("CPU 0 not torn down: VMXOFF calls = %d", tl.hws[0].VMXOffCalls)
	}
	if live := tl.plat.Live(); live != 1 {
		t.Errorf("%d live allocations after rollback, want 1", live)
	}
}

func TestTeardownFailureIsPermanent(t *testing.T) {
	tl := newTestLoader(t, 1)
	tl.hws[0].LaunchErr = vmx.ErrEntryFailure
	tl.plat.FailReverseBroadcast = true

	if err := tl.Start(startArgs()); err == nil {
		t.Fatalf("Start succeeded")
	}
	if tl.Status() != Corrupt {
		t.Fatalf("status = %v, want corrupt", tl.Status())
	}

	// Every future start fails before allocating.
	tl.hws[0].LaunchErr = nil
	tl.plat.FailReverseBroadcast = false
	before := tl.plat.Live()
	if err := tl.Start(startArgs()); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Start on corrupt: %v, want ErrCorrupt", err)
	}
	if tl.plat.Live() != before {
		t.Errorf("corrupt Start allocated memory")
	}
}

func TestRestartWhileRunning(t *testing.T) {
	tl := newTestLoader(t, 1)

	if err := tl.Start(startArgs()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := tl.Start(startArgs()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if tl.Status() != Running {
		t.Errorf("status = %v", tl.Status())
	}
	// One stop and two starts worth of VMX transitions.
	if tl.hws[0].VMXOffCalls != 1 || len(tl.hws[0].VMXOnRegions) != 2 {
		t.Errorf("VMXOFF=%d VMXON=%d, want 1 and 2",
			tl.hws[0].VMXOffCalls, len(tl.hws[0].VMXOnRegions))
	}
}

func TestRootTableContents(t *testing.T) {
	tl := newTestLoader(t, 1)
	if err := tl.Start(startArgs()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The debug ring must be mapped read/write at its fixed base.
	phys, err := tl.rootPT.Lookup(mkDebugRingBase)
	if err != nil {
		t.Fatalf("debug ring not mapped: %v", err)
	}
	if want := tl.ringMem.Phys(0); phys != want {
		t.Errorf("debug ring maps to %#x, want %#x", phys, want)
	}

	// The loader text alias keeps its resident address.
	phys, err = tl.rootPT.Lookup(0xFFFF_8000_0000_0000)
	if err != nil {
		t.Fatalf("code alias not mapped: %v", err)
	}
	if phys != 0x7000 {
		t.Errorf("code alias maps to %#x, want 0x7000", phys)
	}

	// The first microkernel segment sits at the segment base.
	if _, err := tl.rootPT.Lookup(mkELFSegmentBase); err != nil {
		t.Errorf("mk segment not mapped: %v", err)
	}
	if _, err := tl.rootPT.Lookup(mkPagePoolBase); err != nil {
		t.Errorf("page pool not mapped: %v", err)
	}
	if _, err := tl.rootPT.Lookup(mkHugePoolBase); err != nil {
		t.Errorf("huge pool not mapped: %v", err)
	}
}
