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

//go:build !unix

package lifecycle

import (
	"errors"
	"time"
)

var (
	// ErrProcessNotRunning is returned when the process does not exist.
	ErrProcessNotRunning = errors.New("process not running")

	// ErrShutdownTimeout is returned when the process doesn't exit within the timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	errUnsupported = errors.New("process signalling not supported on this platform")
)

// IsProcessRunning always reports false where signal probing is unavailable.
func IsProcessRunning(int) bool { return false }

// WaitForExit is unsupported on this platform.
func WaitForExit(int, time.Duration) error { return errUnsupported }

// GracefulShutdown is unsupported on this platform.
func GracefulShutdown(int, time.Duration, bool) error { return errUnsupported }
