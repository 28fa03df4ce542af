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

package vmm

import "metalvisor.dev/metalvisor/pkg/vmx"

// writeControlState programs the four capability-governed control fields and
// the bitmap pointers. Every field starts from the mandatory-and-supported
// set of its TRUE capability MSR; individual features are layered on top
// only when the hardware permits them.
func (v *VCPU) writeControlState() error {
	c := v.vmcs

	c.InitControl(vmx.PinBasedControls)
	c.InitControl(vmx.PrimaryProcControls)
	c.InitControl(vmx.ExitControls)
	c.InitControl(vmx.EntryControls)

	c.Write(vmx.MSRBitmap, v.msrBitmap.Phys)
	c.Write(vmx.IOBitmapA, v.ioBitmapA.Phys)
	c.Write(vmx.IOBitmapB, v.ioBitmapB.Phys)

	if err := c.EnableControl(vmx.PrimaryProcControls, vmx.ProcUseMSRBitmap|vmx.ProcUseIOBitmaps); err != nil {
		return err
	}

	if c.EnableControlIfAllowed(vmx.PrimaryProcControls, vmx.ProcActivateSecondary) {
		c.InitControl(vmx.SecondaryProcControls)
		if v.isHostVCPU {
			c.EnableControlIfAllowed(vmx.SecondaryProcControls, vmx.Proc2EnableRDTSCP)
			c.EnableControlIfAllowed(vmx.SecondaryProcControls, vmx.Proc2EnableINVPCID)
			c.EnableControlIfAllowed(vmx.SecondaryProcControls, vmx.Proc2EnableXSAVES)
		}
	}

	if err := c.EnableControl(vmx.ExitControls,
		vmx.ExitSaveDebugControls|vmx.ExitHostAddressSpaceSize|
			vmx.ExitSavePAT|vmx.ExitLoadPAT|vmx.ExitSaveEFER|vmx.ExitLoadEFER); err != nil {
		return err
	}
	c.EnableControlIfAllowed(vmx.ExitControls, vmx.ExitLoadPerfGlobalCtrl)

	if err := c.EnableControl(vmx.EntryControls,
		vmx.EntryLoadDebugControls|vmx.EntryIA32eModeGuest|
			vmx.EntryLoadPAT|vmx.EntryLoadEFER); err != nil {
		return err
	}
	c.EnableControlIfAllowed(vmx.EntryControls, vmx.EntryLoadPerfGlobalCtrl)

	return nil
}
