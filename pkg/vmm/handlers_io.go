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

// ioInstructionHandler demultiplexes I/O exits by port and keeps the paired
// I/O bitmaps in sync: bitmap A covers ports 0..0x7FFF, bitmap B the rest.
type ioInstructionHandler struct {
	vcpu *VCPU

	in       map[uint16]*delegateList
	out      map[uint16]*delegateList
	emulated map[uint16]bool
	def      HandlerFunc
}

func (h *ioInstructionHandler) maps() (map[uint16]*delegateList, map[uint16]*delegateList) {
	if h.in == nil {
		h.in = make(map[uint16]*delegateList)
		h.out = make(map[uint16]*delegateList)
		h.emulated = make(map[uint16]bool)
	}
	return h.in, h.out
}

func (h *ioInstructionHandler) setTrap(port uint16, trap bool) {
	bitmap := h.vcpu.ioBitmapA.Data
	index := uint32(port)
	if port >= 0x8000 {
		bitmap = h.vcpu.ioBitmapB.Data
		index -= 0x8000
	}
	bit := byte(1) << (index % 8)
	if trap {
		bitmap[index/8] |= bit
	} else {
		bitmap[index/8] &^= bit
	}
}

func (h *ioInstructionHandler) trapOnAll(trap bool) {
	fill := byte(0)
	if trap {
		fill = 0xFF
	}
	for i := range h.vcpu.ioBitmapA.Data {
		h.vcpu.ioBitmapA.Data[i] = fill
	}
	for i := range h.vcpu.ioBitmapB.Data {
		h.vcpu.ioBitmapB.Data[i] = fill
	}
}

func (h *ioInstructionHandler) handle() bool {
	acc := vmx.DecodeIOAccess(h.vcpu.vmcs.Read(vmx.ExitQualification))
	in, out := h.maps()

	var l *delegateList
	if acc.In {
		l = in[acc.Port]
	} else {
		l = out[acc.Port]
	}
	if l != nil && l.run(h.vcpu) {
		return true
	}
	if h.def != nil {
		return h.def(h.vcpu)
	}
	return false
}

// TrapOnIOAccess makes accesses to the given port exit.
func (v *VCPU) TrapOnIOAccess(port uint16) {
	v.io.setTrap(port, true)
}

// TrapOnAllIOAccesses makes every port exit.
func (v *VCPU) TrapOnAllIOAccesses() {
	v.io.trapOnAll(true)
}

// PassThroughIOAccess lets the given port run unexited.
func (v *VCPU) PassThroughIOAccess(port uint16) {
	v.io.setTrap(port, false)
}

// PassThroughAllIOAccesses clears every port trap.
func (v *VCPU) PassThroughAllIOAccesses() {
	v.io.trapOnAll(false)
}

// AddIOHandler registers IN and OUT delegates for a port and traps it.
// Either delegate may be nil.
func (v *VCPU) AddIOHandler(port uint16, inD, outD HandlerFunc) {
	in, out := v.io.maps()
	v.io.setTrap(port, true)
	if inD != nil {
		l, ok := in[port]
		if !ok {
			l = &delegateList{}
			in[port] = l
		}
		l.add(inD)
	}
	if outD != nil {
		l, ok := out[port]
		if !ok {
			l = &delegateList{}
			out[port] = l
		}
		l.add(outD)
	}
}

// EmulateIO registers delegates owning the whole access for a port that need
// not exist on the platform.
func (v *VCPU) EmulateIO(port uint16, inD, outD HandlerFunc) {
	v.AddIOHandler(port, inD, outD)
	v.io.emulated[port] = true
}

// SetDefaultIOHandler installs the port fallback.
func (v *VCPU) SetDefaultIOHandler(d HandlerFunc) {
	v.io.def = d
}
