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

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func validArgs() *StartArgs {
	a := &StartArgs{
		Ver:       StartArgsVersion,
		MkELFFile: Span{Addr: 0x1000, Size: 0x4000},
	}
	a.ExtELFFiles[0] = Span{Addr: 0x9000, Size: 0x1000}
	return a
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := validArgs()
	want.PagePoolSize = 42

	got, err := DecodeStartArgs(want.Encode())
	if err != nil {
		t.Fatalf("DecodeStartArgs: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeShortPayload(t *testing.T) {
	if _, err := DecodeStartArgs(make([]byte, 10)); !errors.Is(err, ErrArgInvalid) {
		t.Errorf("short payload: %v, want ErrArgInvalid", err)
	}
}

func TestVerify(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*StartArgs)
		ok     bool
	}{
		{"valid", func(*StartArgs) {}, true},
		{"bad version", func(a *StartArgs) { a.Ver = 2 }, false},
		{"nil mk image", func(a *StartArgs) { a.MkELFFile.Addr = 0 }, false},
		{"empty mk image", func(a *StartArgs) { a.MkELFFile.Size = 0 }, false},
		{"oversize mk image", func(a *StartArgs) { a.MkELFFile.Size = MaxELFFileSize }, false},
		{"no extensions", func(a *StartArgs) { a.ExtELFFiles[0] = Span{} }, false},
		{"addr without size", func(a *StartArgs) { a.ExtELFFiles[1] = Span{Addr: 0x5000} }, false},
		{"size without addr", func(a *StartArgs) { a.ExtELFFiles[1] = Span{Size: 0x1000} }, false},
		{"oversize extension", func(a *StartArgs) { a.ExtELFFiles[0].Size = MaxELFFileSize }, false},
		{"second extension", func(a *StartArgs) { a.ExtELFFiles[1] = Span{Addr: 0x5000, Size: 0x1000} }, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a := validArgs()
			tc.mutate(a)
			err := a.Verify()
			if tc.ok && err != nil {
				t.Errorf("Verify: %v", err)
			}
			if !tc.ok {
				if !errors.Is(err, ErrArgInvalid) {
					t.Errorf("Verify: %v, want ErrArgInvalid", err)
				}
			}
		})
	}
}
