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

// The request codes the kernel glue multiplexes on, composed the usual
// _IOW/_IO way with type 'v'. The payload layout is the packed StartArgs;
// the glue does one copy from user and calls StartVMM/StopVMM.
const (
	ioctlWrite = uint32(1) << 30

	ioctlType = uint32('v') << 8

	// StartVMMRequest carries a packed StartArgs payload.
	StartVMMRequest = ioctlWrite | uint32(StartArgsSize)<<16 | ioctlType | 1

	// StopVMMRequest carries no payload.
	StopVMMRequest = ioctlType | 2
)

// Request exit codes.
const (
	// Success is returned when the request fully completed.
	Success = 0

	// Failure is returned on any validation, allocation, mapping or
	// bring-up error.
	Failure = 1
)
