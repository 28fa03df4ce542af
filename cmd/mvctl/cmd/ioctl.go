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

package cmd

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// withDevice opens the loader device around fn.
func withDevice(path string, fn func(fd int) error) error {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer unix.Close(fd)
	return fn(fd)
}

// ioctl issues one request with an optional payload.
func ioctl(fd int, req uint32, payload []byte) error {
	var argp unsafe.Pointer
	if len(payload) > 0 {
		argp = unsafe.Pointer(&payload[0])
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(argp))
	runtime.KeepAlive(payload)
	if errno != 0 {
		return errno
	}
	return nil
}
