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

import "errors"

// The loader error taxonomy. Stage failures wrap one of these so callers
// (and tests) can classify without string matching.
var (
	// ErrArgInvalid indicates the request payload failed validation.
	ErrArgInvalid = errors.New("loader: invalid arguments")

	// ErrAllocFailed indicates a pool, segment or table allocation failed.
	ErrAllocFailed = errors.New("loader: allocation failed")

	// ErrCopyFailed indicates copying from host user memory failed.
	ErrCopyFailed = errors.New("loader: copy from user failed")

	// ErrMapFailed indicates inserting into the root page table failed.
	ErrMapFailed = errors.New("loader: mapping failed")

	// ErrCorrupt indicates a previous VMM failed to properly stop; the
	// subsystem is unusable until reboot.
	ErrCorrupt = errors.New("loader: previous VMM failed to properly stop")
)
