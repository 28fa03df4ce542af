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

package log

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestWriterAppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	w := &Writer{Next: &buf}
	w.Emit(0, Info, time.Now(), "no newline")
	if got := buf.String(); !strings.HasSuffix(got, "\n") {
		t.Errorf("Emit output %q does not end in a newline", got)
	}
}

func TestLevelGate(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: &buf}}

	l.Debugf("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug output emitted at info level: %q", buf.String())
	}

	l.SetLevel(Debug)
	l.Debugf("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("debug output missing after SetLevel: %q", buf.String())
	}
}

func TestLevelString(t *testing.T) {
	for level, want := range map[Level]string{
		Warning: "warning",
		Info:    "info",
		Debug:   "debug",
	} {
		if got := level.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", level, got, want)
		}
	}
}
