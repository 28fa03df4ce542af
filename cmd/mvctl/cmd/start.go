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

// Package cmd implements the mvctl subcommands.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"unsafe"

	"github.com/google/subcommands"

	"metalvisor.dev/metalvisor/pkg/loader"
)

// defaultDevice is where the kernel glue registers itself.
const defaultDevice = "/dev/metalvisor"

// Start implements subcommands.Command for the "start" command.
type Start struct {
	device   string
	mk       string
	ext      string
	poolSize uint
}

// Name implements subcommands.Command.Name.
func (*Start) Name() string {
	return "start"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Start) Synopsis() string {
	return "stage the microkernel and start the VMM on every CPU"
}

// Usage implements subcommands.Command.Usage.
func (*Start) Usage() string {
	return `start -mk <elf> -ext <elf>[,<elf>] [-page-pool <pages>]: start the VMM
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Start) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.device, "device", defaultDevice, "loader device node")
	f.StringVar(&s.mk, "mk", "", "microkernel ELF image")
	f.StringVar(&s.ext, "ext", "", "comma-separated extension ELF images")
	f.UintVar(&s.poolSize, "page-pool", 0, "page pool size in pages (0 = default)")
}

// Execute implements subcommands.Command.Execute.
func (s *Start) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if s.mk == "" || s.ext == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}

	exts := strings.Split(s.ext, ",")
	if len(exts) > loader.MaxExtensions {
		fmt.Fprintf(os.Stderr, "at most %d extensions\n", loader.MaxExtensions)
		return subcommands.ExitUsageError
	}

	args := &loader.StartArgs{
		Ver:          loader.StartArgsVersion,
		PagePoolSize: uint32(s.poolSize),
	}

	// The images must stay resident until the ioctl returns; the loader
	// copies them out of our address space exactly once.
	var keep [][]byte

	mkData, err := os.ReadFile(s.mk)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading %s: %v\n", s.mk, err)
		return subcommands.ExitFailure
	}
	keep = append(keep, mkData)
	args.MkELFFile = span(mkData)

	for i, path := range exts {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading %s: %v\n", path, err)
			return subcommands.ExitFailure
		}
		keep = append(keep, data)
		args.ExtELFFiles[i] = span(data)
	}

	err = withDevice(s.device, func(fd int) error {
		return ioctl(fd, loader.StartVMMRequest, args.Encode())
	})
	runtime.KeepAlive(keep)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start_vmm: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Println("VMM started")
	return subcommands.ExitSuccess
}

func span(data []byte) loader.Span {
	return loader.Span{
		Addr: uint64(uintptr(unsafe.Pointer(&data[0]))),
		Size: uint64(len(data)),
	}
}
