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

// Package lifecycle coordinates with a running postmaster through its
// on-disk indicators.
//
// The postmaster and the invoking process never share a live IPC channel;
// they meet at data_dir/postmaster.pid. Line 1 carries the postmaster's PID
// (read by the exit-time shutdown hook) and line 4 the port it actually
// bound (read by the port-refresh logic, since a worker-managed server's
// final port may differ from the one requested).
//
// Process control is signal-based: liveness probes with signal 0, graceful
// shutdown with SIGTERM escalating to SIGKILL after a bounded wait.
package lifecycle
