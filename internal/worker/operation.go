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

// Package worker implements the privilege boundary between a root test
// process and the PostgreSQL server it manages. Lifecycle operations are
// serialized into a payload file and executed by a separate worker binary
// running as an unprivileged user; the same operations run in-process when
// the caller is already unprivileged.
package worker

import (
	"fmt"
	"time"

	"github.com/tombee/pgembed/internal/config"
)

// Operation is one lifecycle step the worker can perform.
type Operation int

const (
	// OpSetup initializes the data directory.
	OpSetup Operation = iota
	// OpStart launches the postmaster and leaves it running.
	OpStart
	// OpStop shuts the postmaster down.
	OpStop
	// OpCleanupData removes the data directory.
	OpCleanupData
	// OpCleanupFull removes the data and installation directories.
	OpCleanupFull
)

// operations indexes the command-line token and error context per operation.
var operations = [...]struct {
	token   string
	context string
}{
	OpSetup:       {"setup", "server setup"},
	OpStart:       {"start", "server start"},
	OpStop:        {"stop", "server stop"},
	OpCleanupData: {"cleanup", "data directory cleanup"},
	OpCleanupFull: {"cleanup-full", "full cleanup"},
}

// Token returns the argument the worker binary is invoked with.
func (op Operation) Token() string {
	if int(op) < 0 || int(op) >= len(operations) {
		return fmt.Sprintf("unknown(%d)", int(op))
	}
	return operations[op].token
}

// ErrContext names the operation in error messages so a failure deep in a
// subprocess still reads as the step that failed.
func (op Operation) ErrContext() string {
	if int(op) < 0 || int(op) >= len(operations) {
		return "unknown operation"
	}
	return operations[op].context
}

func (op Operation) String() string { return op.Token() }

// ParseOperation maps a command-line token back to its operation.
func ParseOperation(token string) (Operation, error) {
	for op, entry := range operations {
		if entry.token == token {
			return Operation(op), nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", token)
}

// Timeout returns the budget for the operation. Stop and the cleanups share
// the shutdown budget; they all end with a postmaster that must be gone.
func (op Operation) Timeout(t config.Timeouts) time.Duration {
	switch op {
	case OpSetup:
		return t.Setup
	case OpStart:
		return t.Start
	default:
		return t.Shutdown
	}
}
