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

package vmx

// MSR numbers used by the VMM.
const (
	MSRIA32FeatureControl = 0x003A
	MSRIA32SysenterCS     = 0x0174
	MSRIA32SysenterESP    = 0x0175
	MSRIA32SysenterEIP    = 0x0176
	MSRIA32DebugCtl       = 0x01D9
	MSRIA32PAT            = 0x0277
	MSRIA32PerfGlobalCtrl = 0x038F

	MSRIA32VMXBasic            = 0x0480
	MSRIA32VMXProcbasedCtls2   = 0x048B
	MSRIA32VMXEPTVPIDCap       = 0x048C
	MSRIA32VMXTruePinbasedCtls = 0x048D
	MSRIA32VMXTrueProcbasedCtls = 0x048E
	MSRIA32VMXTrueExitCtls     = 0x048F
	MSRIA32VMXTrueEntryCtls    = 0x0490

	MSRIA32EFER   = 0xC0000080
	MSRIA32FSBase = 0xC0000100
	MSRIA32GSBase = 0xC0000101
)

// IA32_FEATURE_CONTROL bits.
const (
	FeatureControlLock          = 1 << 0
	FeatureControlVMXOutsideSMX = 1 << 2
)

// Pin-based VM-execution controls.
const (
	PinExternalInterruptExiting = 1 << 0
	PinNMIExiting               = 1 << 3
	PinVirtualNMIs              = 1 << 5
	PinPreemptionTimer          = 1 << 6
)

// Primary processor-based VM-execution controls.
const (
	ProcInterruptWindowExiting = 1 << 2
	ProcHLTExiting             = 1 << 7
	ProcCR3LoadExiting         = 1 << 15
	ProcCR3StoreExiting        = 1 << 16
	ProcNMIWindowExiting       = 1 << 22
	ProcMovDRExiting           = 1 << 23
	ProcUnconditionalIOExiting = 1 << 24
	ProcUseIOBitmaps           = 1 << 25
	ProcMonitorTrapFlag        = 1 << 27
	ProcUseMSRBitmap           = 1 << 28
	ProcActivateSecondary      = 1 << 31
)

// Secondary processor-based VM-execution controls.
const (
	Proc2EnableEPT     = 1 << 1
	Proc2EnableRDTSCP  = 1 << 3
	Proc2EnableVPID    = 1 << 5
	Proc2EnableINVPCID = 1 << 12
	Proc2EnableXSAVES  = 1 << 20
)

// VM-exit controls.
const (
	ExitSaveDebugControls     = 1 << 2
	ExitHostAddressSpaceSize  = 1 << 9
	ExitLoadPerfGlobalCtrl    = 1 << 12
	ExitAckInterruptOnExit    = 1 << 15
	ExitSavePAT               = 1 << 18
	ExitLoadPAT               = 1 << 19
	ExitSaveEFER              = 1 << 20
	ExitLoadEFER              = 1 << 21
	ExitSavePreemptionTimer   = 1 << 22
)

// VM-entry controls.
const (
	EntryLoadDebugControls  = 1 << 2
	EntryIA32eModeGuest     = 1 << 9
	EntryLoadPerfGlobalCtrl = 1 << 13
	EntryLoadPAT            = 1 << 14
	EntryLoadEFER           = 1 << 15
)

// Capability splits a TRUE capability MSR value into its allowed-0 and
// allowed-1 halves.
type Capability uint64

// Allowed0 returns the settings that must be 1 (low 32 bits).
func (c Capability) Allowed0() uint32 {
	return uint32(c)
}

// Allowed1 returns the settings that may be 1 (high 32 bits).
func (c Capability) Allowed1() uint32 {
	return uint32(c >> 32)
}

// Mandatory returns the architecturally required and supported set: the
// intersection of the allowed-1 settings and the allowed-0 settings.
func (c Capability) Mandatory() uint32 {
	return c.Allowed0() & c.Allowed1()
}

// Permits reports whether all the given bits may be set.
func (c Capability) Permits(bits uint32) bool {
	return bits&^c.Allowed1() == 0
}

// Requires reports whether any of the given bits must stay set.
func (c Capability) Requires(bits uint32) bool {
	return bits&c.Allowed0() != 0
}
