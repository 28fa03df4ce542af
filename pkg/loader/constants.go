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

import "metalvisor.dev/metalvisor/pkg/platform"

// Loader-wide sizing.
const (
	// PageSize is the only granularity the loader maps at.
	PageSize = platform.PageSize

	// MaxExtensions is the number of extension image slots.
	MaxExtensions = 2

	// MaxELFFileSize bounds each staged image.
	MaxELFFileSize = 0x800000

	// DefaultPagePoolPages is the microkernel page pool size when the
	// request leaves it zero.
	DefaultPagePoolPages = 0x2000

	// DefaultHugePoolSize is the contiguous pool handed to the
	// microkernel for large allocations.
	DefaultHugePoolSize = 0x10000
)

// The fixed virtual layout of the microkernel's address space. Everything
// the loader stages is mapped at one of these bases in the root table.
const (
	mkDebugRingBase  = 0x0000_0080_0000_0000
	mkELFSegmentBase = 0x0000_0280_0000_0000
	mkELFFileBase    = 0x0000_0380_0000_0000
	extELFFileBase   = 0x0000_0388_0000_0000
	mkPagePoolBase   = 0x0000_0480_0000_0000
	mkHugePoolBase   = 0x0000_0580_0000_0000
)
