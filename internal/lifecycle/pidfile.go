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

package lifecycle

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// pidfileLines indexes into postmaster.pid.
const (
	pidLine  = 0
	portLine = 3
)

// ReadPostmasterPID reads the postmaster PID from the given postmaster.pid
// path. It returns (0, false) when the file is missing, empty, unparseable,
// or carries a non-positive value — a missing PID means the cluster already
// stopped or never started, which callers treat as benign.
func ReadPostmasterPID(pidPath string) (int, bool) {
	line, ok := readLine(pidPath, pidLine)
	if !ok {
		return 0, false
	}
	pid, err := strconv.Atoi(line)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// ReadPostmasterPort reads the actual listening port from line 4 of the
// postmaster.pid file. A missing file or missing line returns (0, false, nil);
// a present but unparseable port line is an error, since it means the file
// is corrupt rather than not-yet-written.
func ReadPostmasterPort(pidPath string) (int, bool, error) {
	line, ok := readLine(pidPath, portLine)
	if !ok {
		return 0, false, nil
	}
	port, err := strconv.Atoi(line)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse postmaster port from %s: %w", pidPath, err)
	}
	return port, true, nil
}

// readLine returns the trimmed n-th (0-based) line of the file, reporting
// false when the file or the line is absent or blank.
func readLine(path string, n int) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	lines := strings.Split(string(data), "\n")
	if n >= len(lines) {
		return "", false
	}
	line := strings.TrimSpace(lines[n])
	if line == "" {
		return "", false
	}
	return line, true
}
