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

// Package pgembed bootstraps a locally run PostgreSQL server for tests.
//
// A single call prepares directories, initializes the cluster, starts the
// postmaster, and returns connection details. Processes running as root do
// not touch the server directly: lifecycle work is delegated to the
// pgembed-worker binary, which drops to an unprivileged account before
// exec'ing any server command. Unprivileged processes run the same
// operations in-process.
//
// The usual shape in a test suite:
//
//	func TestMain(m *testing.M) {
//		guard, err := pgembed.New()
//		if err != nil {
//			log.Fatal(err)
//		}
//		pgembed.RegisterShutdownHook(guard)
//		code := m.Run()
//		pgembed.RunShutdownHook()
//		os.Exit(code)
//	}
package pgembed

import (
	"context"
)

// workerBinaryName is the executable searched for in PATH when
// PGEMBED_WORKER is unset.
const workerBinaryName = "pgembed-worker"

// New prepares and starts a cluster, blocking until it accepts connections.
// The returned guard owns the cluster: Close shuts it down and never
// propagates shutdown failures beyond a log line, which suits defer in
// TestMain.
func New() (*Guard, error) {
	_, guard, err := newCluster(context.Background(), true)
	return guard, err
}

// NewSplit is New for callers that want to hand the connection details and
// the lifecycle to different owners. The Handle is plain data and safe to
// share across goroutines; the Guard alone controls shutdown.
func NewSplit() (Handle, *Guard, error) {
	return newCluster(context.Background(), true)
}

// NewWithContext prepares and starts a cluster under the caller's context.
// The returned guard does not own a shutdown path of last resort: callers
// must invoke Stop explicitly and handle its error. Closing the guard
// without stopping logs a warning and falls back to a best-effort
// background shutdown.
func NewWithContext(ctx context.Context) (Handle, *Guard, error) {
	return newCluster(ctx, false)
}

func newCluster(ctx context.Context, owned bool) (Handle, *Guard, error) {
	ctrl, err := newController()
	if err != nil {
		return Handle{}, nil, err
	}
	if err := ctrl.bootstrap(ctx); err != nil {
		return Handle{}, nil, err
	}

	handle := ctrl.handle()
	guard := &Guard{ctrl: ctrl, owned: owned, h: handle}
	return handle, guard, nil
}
