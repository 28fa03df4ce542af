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

// Package debugring implements the VMM to host diagnostic ring.
//
// The ring is single writer (the VMM, byte at a time) and is drained by the
// host through a shared mapping of Resources. Readers accept momentary
// inconsistency and never block the writer.
package debugring

// Size is the ring capacity in bytes. Resources is exactly 32 KiB with the
// two position words included, which keeps the shared mapping page-aligned.
const Size = 0x7FF0

// Resources is the wire layout of the ring as mapped into both the VMM and
// the host. Spos is owned by the consumer, Epos by the producer. Positions
// only grow; indices wrap by modulo.
type Resources struct {
	Spos uint64
	Epos uint64
	Buf  [Size]byte
}

// Reset rewinds both positions. Only the loader calls this, before any CPU
// can be producing.
func (r *Resources) Reset() {
	r.Spos = 0
	r.Epos = 0
}

// WriteByte appends one byte, overwriting the oldest content when full so
// that Epos-Spos never exceeds Size.
func (r *Resources) WriteByte(c byte) error {
	if r.Epos-r.Spos >= Size {
		r.Spos++
	}
	r.Buf[r.Epos%Size] = c
	r.Epos++
	return nil
}

// Write appends a byte slice one byte at a time. It never fails; the
// signature is for io.Writer so log output can be pointed at the ring.
func (r *Resources) Write(p []byte) (int, error) {
	for _, c := range p {
		r.WriteByte(c)
	}
	return len(p), nil
}

// Drain copies out and consumes everything between Spos and Epos, in write
// order.
func (r *Resources) Drain() []byte {
	epos := r.Epos
	if epos-r.Spos > Size {
		// The producer lapped us while we were away.
		r.Spos = epos - Size
	}
	out := make([]byte, 0, epos-r.Spos)
	for ; r.Spos < epos; r.Spos++ {
		out = append(out, r.Buf[r.Spos%Size])
	}
	return out
}
