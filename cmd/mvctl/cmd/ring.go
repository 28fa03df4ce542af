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
	"context"
	"flag"
	"fmt"
	"os"
	"unsafe"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"metalvisor.dev/metalvisor/pkg/debugring"
)

// Ring implements subcommands.Command for the "ring" command. The device
// exposes the debug ring as a shared mapping at offset zero.
type Ring struct {
	device string
}

// Name implements subcommands.Command.Name.
func (*Ring) Name() string {
	return "ring"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Ring) Synopsis() string {
	return "drain the VMM debug ring"
}

// Usage implements subcommands.Command.Usage.
func (*Ring) Usage() string {
	return `ring: drain and print the VMM debug ring
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Ring) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.device, "device", defaultDevice, "loader device node")
}

// Execute implements subcommands.Command.Execute.
func (r *Ring) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	err := withDevice(r.device, func(fd int) error {
		size := int(unsafe.Sizeof(debugring.Resources{}))
		data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("mapping debug ring: %w", err)
		}
		defer unix.Munmap(data)

		ring := (*debugring.Resources)(unsafe.Pointer(&data[0]))
		os.Stdout.Write(ring.Drain())
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ring: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
