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

// Package privileges detects the caller's effective identity and selects how
// PostgreSQL lifecycle operations execute.
//
// A root process must never run lifecycle operations in-process: identity
// demotion (setgroups/setgid/setuid) is process-wide and cannot be performed
// safely inside a multi-threaded Go program. Root callers therefore delegate
// to a freshly spawned worker subprocess that demotes itself before exec.
package privileges

import (
	"errors"
	"fmt"
)

// Privileges is the effective identity detected at construction time.
type Privileges int

const (
	// Unprivileged means the process runs without elevated privileges.
	Unprivileged Privileges = iota
	// Root means the process owns root privileges and must delegate
	// lifecycle work to a demoted worker subprocess.
	Root
)

// String returns the privilege name for logging.
func (p Privileges) String() string {
	if p == Root {
		return "root"
	}
	return "unprivileged"
}

// Mode selects how lifecycle operations execute.
type Mode int

const (
	// InProcess runs lifecycle operations directly in the calling process.
	InProcess Mode = iota
	// Subprocess delegates lifecycle operations to the worker binary.
	Subprocess
)

// String returns the mode name for logging.
func (m Mode) String() string {
	if m == Subprocess {
		return "subprocess"
	}
	return "in-process"
}

// ErrWorkerBinaryRequired is returned when the process runs as root but no
// worker binary is configured. This is a configuration error: no worker path
// can appear later in the same run, so callers must not retry.
var ErrWorkerBinaryRequired = errors.New(
	"pgembed-worker binary not found: install it and ensure it is in PATH, " +
		"or set PGEMBED_WORKER to its absolute path")

// SelectMode derives the execution mode from the detected privileges and the
// optional worker binary path. Root without a worker binary fails fast with
// ErrWorkerBinaryRequired; the invariant that Root never pairs with InProcess
// is enforced here, at construction time.
func SelectMode(priv Privileges, workerBinary string) (Mode, error) {
	if !demotionSupported {
		// Platforms without demotion support always run in-process; callers
		// must not request subprocess execution there.
		return InProcess, nil
	}

	switch priv {
	case Root:
		if workerBinary == "" {
			return InProcess, fmt.Errorf("running as root: %w", ErrWorkerBinaryRequired)
		}
		return Subprocess, nil
	case Unprivileged:
		return InProcess, nil
	default:
		return InProcess, fmt.Errorf("unknown privilege level %d", priv)
	}
}
