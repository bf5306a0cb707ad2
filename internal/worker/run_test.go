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
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/pgembed/internal/config"
	"github.com/tombee/pgembed/internal/envguard"
)

// Fake server binaries, matching the real calling convention closely enough
// for lifecycle decisions to be observable on disk.
const (
	runFakeInitdb = `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    --pgdata) shift; mkdir -p "$1/global"; : > "$1/global/pg_filenode.map";;
  esac
  shift
done
`
	runFakePgCtl = `#!/bin/sh
cmd="$1"; shift
while [ $# -gt 0 ]; do
  case "$1" in
    --pgdata) shift; pgdata="$1";;
  esac
  shift
done
case "$cmd" in
  start) printf '%s\n%s\n0\n%s\n' "$$" "$pgdata" 5433 > "$pgdata/postmaster.pid";;
  stop) rm -f "$pgdata/postmaster.pid";;
esac
`
)

// runEnv is a worker-side fixture: fake binaries, settings, and a payload
// file on disk.
type runEnv struct {
	settings    *config.Settings
	payloadPath string
	binDir      string
}

func newRunEnv(t *testing.T, env []envguard.Var) *runEnv {
	t.Helper()
	root := t.TempDir()
	installDir := filepath.Join(root, "install")
	binDir := filepath.Join(installDir, "bin")
	if err := os.MkdirAll(binDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeRunScript(t, filepath.Join(binDir, "initdb"), runFakeInitdb)
	writeRunScript(t, filepath.Join(binDir, "pg_ctl"), runFakePgCtl)
	writeRunScript(t, filepath.Join(binDir, "postgres"), "#!/bin/sh\n")

	settings := &config.Settings{
		Version:         "16.4.0",
		InstallationDir: installDir,
		DataDir:         filepath.Join(root, "data"),
		PasswordFile:    filepath.Join(root, ".pgpass"),
		Host:            "localhost",
		Port:            5433,
		Username:        "postgres",
		Password:        "secret",
		Timeout:         5 * time.Second,
	}

	data, err := NewPayload(settings, env).Encode()
	if err != nil {
		t.Fatal(err)
	}
	payloadPath := filepath.Join(root, "payload.json")
	if err := os.WriteFile(payloadPath, data, 0644); err != nil {
		t.Fatal(err)
	}
	return &runEnv{settings: settings, payloadPath: payloadPath, binDir: binDir}
}

func writeRunScript(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
}

func (e *runEnv) run(t *testing.T, op Operation) error {
	t.Helper()
	return Run(context.Background(), op, e.payloadPath, nil)
}

func (e *runEnv) initMarker() string {
	return filepath.Join(e.settings.DataDir, "global", "pg_filenode.map")
}

func TestRunSetup(t *testing.T) {
	env := newRunEnv(t, nil)

	err := env.run(t, OpSetup)
	skipOnSpawnError(t, err)
	if err != nil {
		t.Fatalf("Run(setup) error = %v", err)
	}
	if _, err := os.Stat(env.initMarker()); err != nil {
		t.Fatalf("data directory not initialized: %v", err)
	}
}

func TestRunSetupIsIdempotent(t *testing.T) {
	env := newRunEnv(t, nil)

	err := env.run(t, OpSetup)
	skipOnSpawnError(t, err)
	if err != nil {
		t.Fatal(err)
	}

	// Initdb must not run again once the bootstrap marker exists; a second
	// setup against a poisoned initdb only passes if it is skipped.
	writeRunScript(t, filepath.Join(env.binDir, "initdb"), "#!/bin/sh\nexit 1\n")

	if err := env.run(t, OpSetup); err != nil {
		t.Errorf("Run(setup) on initialized directory error = %v, want nil", err)
	}
}

func TestRunSetupResetsInvalidDataDir(t *testing.T) {
	env := newRunEnv(t, nil)

	// A data directory with content but no bootstrap marker is a failed
	// previous attempt.
	if err := os.MkdirAll(env.settings.DataDir, 0700); err != nil {
		t.Fatal(err)
	}
	junk := filepath.Join(env.settings.DataDir, "postgresql.conf")
	if err := os.WriteFile(junk, []byte("# partial"), 0600); err != nil {
		t.Fatal(err)
	}

	err := env.run(t, OpSetup)
	skipOnSpawnError(t, err)

	if os.Geteuid() == 0 {
		// Destructive recovery is refused while still root.
		if !errors.Is(err, ErrResetAsRoot) {
			t.Fatalf("Run(setup) as root error = %v, want ErrResetAsRoot", err)
		}
		return
	}

	if err != nil {
		t.Fatalf("Run(setup) error = %v", err)
	}
	if _, err := os.Stat(junk); !os.IsNotExist(err) {
		t.Error("stale data directory content survived the reset")
	}
	if _, err := os.Stat(env.initMarker()); err != nil {
		t.Errorf("data directory not reinitialized: %v", err)
	}
}

func TestRunStartSkipsRunningServer(t *testing.T) {
	env := newRunEnv(t, nil)

	err := env.run(t, OpSetup)
	skipOnSpawnError(t, err)
	if err != nil {
		t.Fatal(err)
	}

	// A pidfile naming this test process reads as a live postmaster, so
	// start must not touch pg_ctl at all.
	pidfile := fmt.Sprintf("%d\n%s\n0\n5433\n", os.Getpid(), env.settings.DataDir)
	if err := os.WriteFile(env.settings.PostmasterPIDPath(), []byte(pidfile), 0600); err != nil {
		t.Fatal(err)
	}
	writeRunScript(t, filepath.Join(env.binDir, "pg_ctl"), "#!/bin/sh\nexit 1\n")

	if err := env.run(t, OpStart); err != nil {
		t.Errorf("Run(start) on running server error = %v, want nil", err)
	}
}

func TestRunStopWithoutPidfileSucceeds(t *testing.T) {
	env := newRunEnv(t, nil)

	err := env.run(t, OpSetup)
	skipOnSpawnError(t, err)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.run(t, OpStop); err != nil {
		t.Errorf("Run(stop) on stopped server error = %v, want nil", err)
	}
}

func TestRunCleanup(t *testing.T) {
	t.Run("data", func(t *testing.T) {
		env := newRunEnv(t, nil)
		err := env.run(t, OpSetup)
		skipOnSpawnError(t, err)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(env.settings.PasswordFile, []byte("secret\n"), 0600); err != nil {
			t.Fatal(err)
		}

		if err := env.run(t, OpCleanupData); err != nil {
			t.Fatalf("Run(cleanup-data) error = %v", err)
		}
		if _, err := os.Stat(env.settings.DataDir); !os.IsNotExist(err) {
			t.Error("data directory survived cleanup-data")
		}
		if _, err := os.Stat(env.settings.PasswordFile); !os.IsNotExist(err) {
			t.Error("password file survived cleanup-data")
		}
		if _, err := os.Stat(env.settings.InstallationDir); err != nil {
			t.Error("installation directory must survive cleanup-data")
		}
	})

	t.Run("full", func(t *testing.T) {
		env := newRunEnv(t, nil)
		err := env.run(t, OpSetup)
		skipOnSpawnError(t, err)
		if err != nil {
			t.Fatal(err)
		}

		if err := env.run(t, OpCleanupFull); err != nil {
			t.Fatalf("Run(cleanup-full) error = %v", err)
		}
		if _, err := os.Stat(env.settings.DataDir); !os.IsNotExist(err) {
			t.Error("data directory survived cleanup-full")
		}
		if _, err := os.Stat(env.settings.InstallationDir); !os.IsNotExist(err) {
			t.Error("installation directory survived cleanup-full")
		}
	})
}

func TestRunAppliesPayloadEnvironment(t *testing.T) {
	t.Setenv("PGEMBED_TEST_KEEP", "before")
	t.Setenv("PGEMBED_TEST_DROP", "before")

	env := newRunEnv(t, []envguard.Var{
		envguard.Set("PGEMBED_TEST_KEEP", "after"),
		envguard.Unset("PGEMBED_TEST_DROP"),
	})

	err := env.run(t, OpStop)
	skipOnSpawnError(t, err)
	if err != nil {
		t.Fatal(err)
	}

	if got := os.Getenv("PGEMBED_TEST_KEEP"); got != "after" {
		t.Errorf("PGEMBED_TEST_KEEP = %q, want %q", got, "after")
	}
	if _, ok := os.LookupEnv("PGEMBED_TEST_DROP"); ok {
		t.Error("PGEMBED_TEST_DROP still set, null entry did not unset it")
	}
}

func TestRunRejectsMissingPayload(t *testing.T) {
	err := Run(context.Background(), OpSetup, filepath.Join(t.TempDir(), "absent.json"), nil)
	if err == nil {
		t.Error("Run() succeeded with a missing payload file")
	}
}
