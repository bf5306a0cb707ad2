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

// Package truncate bounds captured subprocess output for error messages.
//
// Worker stdout/stderr can run to megabytes when PostgreSQL logs verbosely.
// Error messages keep the informative prefix and drop the rest, so failures
// stay readable without losing the part that usually matters.
package truncate

import "strings"

// OutputCharLimit is the maximum number of characters kept per stream.
const OutputCharLimit = 2048

// Marker is appended to output that was cut at OutputCharLimit.
const Marker = "… [truncated]"

// Output returns text unchanged when it fits within OutputCharLimit
// characters, otherwise exactly OutputCharLimit characters followed by
// Marker. The limit counts characters, not bytes, so multi-byte sequences
// are never split.
func Output(text string) string {
	return OutputN(text, OutputCharLimit)
}

// OutputN is Output with a caller-supplied character budget.
func OutputN(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}

	var b strings.Builder
	b.Grow(limit + len(Marker))
	b.WriteString(string(runes[:limit]))
	b.WriteString(Marker)
	return b.String()
}
