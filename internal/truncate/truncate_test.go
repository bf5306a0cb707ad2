// Copyright 2025 Tom Barlow
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

package truncate

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestOutput(t *testing.T) {
	t.Run("returns short input unmodified", func(t *testing.T) {
		in := "initdb: success"
		if got := Output(in); got != in {
			t.Errorf("Output(%q) = %q, want unchanged", in, got)
		}
	})

	t.Run("returns input at exactly the limit unmodified", func(t *testing.T) {
		in := strings.Repeat("a", OutputCharLimit)
		if got := Output(in); got != in {
			t.Errorf("Output() modified input of exactly %d chars", OutputCharLimit)
		}
	})

	t.Run("truncates to exactly the limit plus marker", func(t *testing.T) {
		in := strings.Repeat("a", OutputCharLimit+500)
		got := Output(in)

		if !strings.HasSuffix(got, Marker) {
			t.Fatalf("Output() = %q..., missing truncation marker", got[:40])
		}
		kept := strings.TrimSuffix(got, Marker)
		if n := utf8.RuneCountInString(kept); n != OutputCharLimit {
			t.Errorf("kept %d characters, want %d", n, OutputCharLimit)
		}
	})

	t.Run("counts characters not bytes", func(t *testing.T) {
		// Three bytes per rune; a byte-based cut would split a sequence.
		in := strings.Repeat("語", OutputCharLimit+1)
		got := Output(in)

		kept := strings.TrimSuffix(got, Marker)
		if !utf8.ValidString(kept) {
			t.Error("truncation split a multi-byte sequence")
		}
		if n := utf8.RuneCountInString(kept); n != OutputCharLimit {
			t.Errorf("kept %d characters, want %d", n, OutputCharLimit)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if got := Output(""); got != "" {
			t.Errorf("Output(\"\") = %q, want empty", got)
		}
	})
}

func TestOutputN(t *testing.T) {
	got := OutputN("abcdef", 3)
	want := "abc" + Marker
	if got != want {
		t.Errorf("OutputN() = %q, want %q", got, want)
	}
}
