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

	"metalvisor.dev/metalvisor/pkg/log"
	"metalvisor.dev/metalvisor/pkg/pagealloc"
	"metalvisor.dev/metalvisor/pkg/pagetables"
	"metalvisor.dev/metalvisor/pkg/vmm"
	"metalvisor.dev/metalvisor/pkg/vmx"
)

// CPUID feature bits consulted during bring-up.
const (
	cpuidFeatureVMX   = uint32(1) << 5  // leaf 1, ECX
	cpuidFeatureXSAVE = uint32(1) << 26 // leaf 1, ECX
	cpuidFeatureSMEP  = uint32(1) << 7  // leaf 7, EBX
	cpuidFeatureSMAP  = uint32(1) << 20 // leaf 7, EBX
)

// checkVMXSupport verifies CPUID advertises VT-x and the firmware has not
// locked it off. An unlocked feature-control MSR is locked on here.
func checkVMXSupport(hw vmx.Hardware) error {
	_, _, ecx, _ := hw.CPUID(1, 0)
	if ecx&cpuidFeatureVMX == 0 {
		return vmx.ErrVMXNotSupported
	}

	fc := hw.RDMSR(vmx.MSRIA32FeatureControl)
	if fc&vmx.FeatureControlLock == 0 {
		fc |= vmx.FeatureControlLock | vmx.FeatureControlVMXOutsideSMX
		hw.WRMSR(vmx.MSRIA32FeatureControl, fc)
		return nil
	}
	if fc&vmx.FeatureControlVMXOutsideSMX == 0 {
		return vmx.ErrVMXNotSupported
	}
	return nil
}

// hostStateFor derives the shared host register images on the first CPU
// through; later CPUs reuse them.
func (l *Loader) hostStateFor(hw vmx.Hardware) *pagetables.HostState {
	if l.host == nil {
		_, _, ecx, _ := hw.CPUID(1, 0)
		_, ebx, _, _ := hw.CPUID(7, 0)
		l.host = pagetables.DeriveHostState(l.rootPT, pagetables.Features{
			XSAVE: ecx&cpuidFeatureXSAVE != 0,
			SMEP:  ebx&cpuidFeatureSMEP != 0,
			SMAP:  ebx&cpuidFeatureSMAP != 0,
		})
	}
	return l.host
}

// startVMMPerCPU constructs this CPU's vCPU, enters VMX root operation and
// launches. It runs pinned to the CPU it is given.
func (l *Loader) startVMMPerCPU(cpu int) error {
	hw := l.opts.Hardware(cpu)

	if err := checkVMXSupport(hw); err != nil {
		return err
	}

	if l.vcpus == nil {
		l.vcpus = make([]*vmm.VCPU, l.opts.Platform.NumCPUs())
		l.vmxons = make([]*pagealloc.Page, l.opts.Platform.NumCPUs())
	}

	// The VMXON region wants the capability revision in its first word.
	vmxon, err := l.pool.Alloc()
	if err != nil {
		return fmt.Errorf("%w: vmxon region", ErrAllocFailed)
	}
	binary.LittleEndian.PutUint32(vmxon.Data, uint32(hw.RDMSR(vmx.MSRIA32VMXBasic))&0x7FFFFFFF)

	if err := hw.VMXOn(vmxon.Phys); err != nil {
		l.pool.Free(vmxon)
		return err
	}

	vcpu, err := vmm.New(vmm.Options{
		ID:               uint64(cpu),
		Hardware:         hw,
		Host:             l.hostStateFor(hw),
		Pool:             l.pool,
		Platform:         l.opts.Platform,
		IsHostVCPU:       cpu == 0,
		ExitHandlerEntry: l.opts.ExitHandlerEntry,
		ExceptionStub:    l.opts.ExceptionStub,
		GuestMem:         l.opts.GuestMem,
	})
	if err != nil {
		hw.VMXOff()
		l.pool.Free(vmxon)
		return err
	}

	if err := vcpu.Launch(); err != nil {
		vcpu.Destroy()
		hw.VMXOff()
		l.pool.Free(vmxon)
		return err
	}

	l.vcpus[cpu] = vcpu
	l.vmxons[cpu] = vmxon
	log.Debugf("vcpu%d launched", cpu)
	return nil
}

// stopVMMPerCPU tears down this CPU's vCPU. CPUs the forward pass never
// reached are a no-op, so the reverse broadcast is safe after a partial
// bring-up.
func (l *Loader) stopVMMPerCPU(cpu int) error {
	if l.vcpus == nil || l.vcpus[cpu] == nil {
		return nil
	}

	hw := l.opts.Hardware(cpu)
	hw.VMXOff()

	l.vcpus[cpu].Destroy()
	l.vcpus[cpu] = nil
	l.pool.Free(l.vmxons[cpu])
	l.vmxons[cpu] = nil

	log.Debugf("vcpu%d stopped", cpu)
	return nil
}
