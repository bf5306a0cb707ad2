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

//go:build unix

package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tombee/pgembed/internal/config"
	"github.com/tombee/pgembed/internal/envguard"
	"github.com/tombee/pgembed/internal/privileges"
)

// fakeWorker writes a shell script standing in for the worker binary and
// returns its path.
func fakeWorker(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pgembed-worker")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

// skipOnSpawnError skips tests in environments that block fork/exec.
func skipOnSpawnError(t *testing.T, err error) {
	t.Helper()
	if err != nil && strings.Contains(err.Error(), "operation not permitted") {
		t.Skipf("Skipping: spawn not permitted in this environment: %v", err)
	}
}

func testPayload() *Payload {
	return NewPayload(&config.Settings{
		Version: "16.4.0",
		DataDir: "/tmp/pgembed-test-data",
		Timeout: time.Second,
	}, []envguard.Var{envguard.Set("PGHOST", "localhost")})
}

func testInvoker(binary string) *Invoker {
	return &Invoker{
		Binary: binary,
		Timeouts: config.Timeouts{
			Setup:    2 * time.Second,
			Start:    2 * time.Second,
			Shutdown: 2 * time.Second,
		},
	}
}

func TestInvokeSuccess(t *testing.T) {
	// Records its arguments so we can verify the calling convention.
	record := filepath.Join(t.TempDir(), "args")
	inv := testInvoker(fakeWorker(t, `printf '%s %s' "$1" "$2" > `+record+"\n"))

	err := inv.Invoke(context.Background(), OpSetup, testPayload())
	skipOnSpawnError(t, err)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	args, err := os.ReadFile(record)
	if err != nil {
		t.Fatal(err)
	}
	fields := strings.Fields(string(args))
	if len(fields) != 2 || fields[0] != "setup" {
		t.Errorf("worker invoked with %q, want [setup <payload-path>]", fields)
	}

	// The payload file must not outlive the invocation.
	if _, err := os.Stat(fields[1]); !os.IsNotExist(err) {
		t.Errorf("payload file %s still exists after Invoke", fields[1])
	}
}

func TestInvokePayloadContents(t *testing.T) {
	copied := filepath.Join(t.TempDir(), "payload.json")
	inv := testInvoker(fakeWorker(t, `cp "$2" `+copied+"\n"))

	err := inv.Invoke(context.Background(), OpStart, testPayload())
	skipOnSpawnError(t, err)
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(copied)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := DecodePayload(data)
	if err != nil {
		t.Fatalf("worker received undecodable payload: %v", err)
	}
	if payload.Settings.DataDir != "/tmp/pgembed-test-data" {
		t.Errorf("payload data_dir = %q", payload.Settings.DataDir)
	}
}

func TestInvokeFailureCarriesOutput(t *testing.T) {
	inv := testInvoker(fakeWorker(t, "echo 'initdb: cannot allocate'; echo 'boom' >&2; exit 1\n"))

	err := inv.Invoke(context.Background(), OpSetup, testPayload())
	skipOnSpawnError(t, err)
	if err == nil {
		t.Fatal("Invoke() succeeded for a failing worker")
	}
	for _, want := range []string{"server setup failed", "initdb: cannot allocate", "boom"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Invoke() error %q missing %q", err, want)
		}
	}
}

func TestInvokeTimeout(t *testing.T) {
	inv := testInvoker(fakeWorker(t, "echo 'still working'; sleep 10\n"))
	inv.Timeouts.Setup = 300 * time.Millisecond

	start := time.Now()
	err := inv.Invoke(context.Background(), OpSetup, testPayload())
	skipOnSpawnError(t, err)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Invoke() error = %v, want ErrTimeout", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("Invoke() error %q does not mention the timeout", err)
	}
	if !strings.Contains(err.Error(), "still working") {
		t.Errorf("Invoke() error %q lost the worker's partial output", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Invoke() took %v, worker was not killed promptly", elapsed)
	}
}

func TestInvokeCombinedFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("Skipping: root bypasses the directory permissions this test relies on")
	}

	// The worker fails AND makes the payload directory read-only, so the
	// payload removal fails too. Both failures must surface.
	payloadDir := filepath.Join(t.TempDir(), "payloads")
	if err := os.MkdirAll(payloadDir, 0755); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(payloadDir, 0755) })

	inv := testInvoker(fakeWorker(t, `echo 'setup exploded'; chmod 500 "$(dirname "$2")"; exit 1`+"\n"))
	inv.tempDir = payloadDir

	err := inv.Invoke(context.Background(), OpSetup, testPayload())
	skipOnSpawnError(t, err)
	if err == nil {
		t.Fatal("Invoke() succeeded despite worker and cleanup failures")
	}
	for _, want := range []string{"setup exploded", "failed to remove worker payload"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Invoke() error %q missing %q", err, want)
		}
	}
}

func TestInvokeContextCancellation(t *testing.T) {
	inv := testInvoker(fakeWorker(t, "sleep 10\n"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := inv.Invoke(ctx, OpStop, testPayload())
	skipOnSpawnError(t, err)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Invoke() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestDispatcherInProcess(t *testing.T) {
	d := &Dispatcher{Mode: privileges.InProcess}

	t.Run("success passes through", func(t *testing.T) {
		err := d.Run(context.Background(), OpStart, nil, func(context.Context) error {
			return nil
		})
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	})

	t.Run("failure gains operation context", func(t *testing.T) {
		sentinel := errors.New("port in use")
		err := d.Run(context.Background(), OpStart, nil, func(context.Context) error {
			return sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Fatalf("Run() error = %v, want wrapped sentinel", err)
		}
		if !strings.Contains(err.Error(), "server start failed") {
			t.Errorf("Run() error %q missing operation context", err)
		}
	})
}
