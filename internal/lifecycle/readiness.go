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
	"net"
	"strconv"
	"time"
)

// readinessDialTimeout bounds a single connection attempt.
const readinessDialTimeout = 500 * time.Millisecond

// readinessInterval is the delay between failed attempts.
const readinessInterval = 100 * time.Millisecond

// WaitForTCP probes the given host/port until a connection succeeds or the
// overall timeout elapses. A started postmaster can briefly refuse
// connections while it finishes recovery; this absorbs that window so
// callers see a usable cluster, not merely a forked process.
func WaitForTCP(host string, port int, timeout time.Duration) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	deadline := time.Now().Add(timeout)

	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, readinessDialTimeout)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		time.Sleep(readinessInterval)
	}
	return fmt.Errorf("server at %s not reachable within %s: %w", addr, timeout, lastErr)
}
