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

	"github.com/google/subcommands"

	"metalvisor.dev/metalvisor/pkg/loader"
)

// Stop implements subcommands.Command for the "stop" command.
type Stop struct {
	device string
}

// Name implements subcommands.Command.Name.
func (*Stop) Name() string {
	return "stop"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stop) Synopsis() string {
	return "stop the VMM on every CPU and release its memory"
}

// Usage implements subcommands.Command.Usage.
func (*Stop) Usage() string {
	return `stop: stop the VMM
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stop) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.device, "device", defaultDevice, "loader device node")
}

// Execute implements subcommands.Command.Execute.
func (s *Stop) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	err := withDevice(s.device, func(fd int) error {
		return ioctl(fd, loader.StopVMMRequest, nil)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "stop_vmm: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Println("VMM stopped")
	return subcommands.ExitSuccess
}
