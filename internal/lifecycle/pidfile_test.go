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
	"os"
	"path/filepath"
	"testing"
)

// writePidfile writes a postmaster.pid with the given content and returns
// its path.
func writePidfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "postmaster.pid")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadPostmasterPID(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantPID int
		wantOK  bool
	}{
		{
			name:    "valid file",
			content: "12345\n/var/tmp/data\n1699999999\n5432\n",
			wantPID: 12345,
			wantOK:  true,
		},
		{"empty file", "", 0, false},
		{"zero pid", "0\n", 0, false},
		{"negative pid", "-1\n", 0, false},
		{"garbage", "not-a-pid\n", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writePidfile(t, tt.content)
			pid, ok := ReadPostmasterPID(path)
			if ok != tt.wantOK || pid != tt.wantPID {
				t.Errorf("ReadPostmasterPID() = (%d, %v), want (%d, %v)", pid, ok, tt.wantPID, tt.wantOK)
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		pid, ok := ReadPostmasterPID(filepath.Join(t.TempDir(), "postmaster.pid"))
		if ok || pid != 0 {
			t.Errorf("ReadPostmasterPID() = (%d, %v), want (0, false)", pid, ok)
		}
	})
}

func TestReadPostmasterPort(t *testing.T) {
	t.Run("reads fourth line", func(t *testing.T) {
		path := writePidfile(t, "12345\n/var/tmp/data\n1699999999\n54321\n")
		port, ok, err := ReadPostmasterPort(path)
		if err != nil {
			t.Fatalf("ReadPostmasterPort() error = %v", err)
		}
		if !ok || port != 54321 {
			t.Errorf("ReadPostmasterPort() = (%d, %v), want (54321, true)", port, ok)
		}
	})

	t.Run("missing file is not an error", func(t *testing.T) {
		_, ok, err := ReadPostmasterPort(filepath.Join(t.TempDir(), "postmaster.pid"))
		if err != nil || ok {
			t.Errorf("ReadPostmasterPort() = (ok %v, err %v), want (false, nil)", ok, err)
		}
	})

	t.Run("short file is not an error", func(t *testing.T) {
		path := writePidfile(t, "12345\n")
		_, ok, err := ReadPostmasterPort(path)
		if err != nil || ok {
			t.Errorf("ReadPostmasterPort() = (ok %v, err %v), want (false, nil)", ok, err)
		}
	})

	t.Run("corrupt port line is an error", func(t *testing.T) {
		path := writePidfile(t, "12345\n/d\n169\nnot-a-port\n")
		_, _, err := ReadPostmasterPort(path)
		if err == nil {
			t.Error("ReadPostmasterPort() accepted a corrupt port line")
		}
	})
}

func TestWaitForPostmasterPort(t *testing.T) {
	t.Run("returns port once file appears", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "postmaster.pid")

		go func() {
			// Simulates the postmaster writing its pidfile shortly after start.
			os.WriteFile(path, []byte("99\n/d\n169\n6001\n"), 0600)
		}()

		port, ok, err := WaitForPostmasterPort(path)
		if err != nil {
			t.Fatalf("WaitForPostmasterPort() error = %v", err)
		}
		if !ok || port != 6001 {
			t.Errorf("WaitForPostmasterPort() = (%d, %v), want (6001, true)", port, ok)
		}
	})

	t.Run("gives up when file never appears", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "postmaster.pid")
		_, ok, err := WaitForPostmasterPort(path)
		if err != nil {
			t.Fatalf("WaitForPostmasterPort() error = %v", err)
		}
		if ok {
			t.Error("WaitForPostmasterPort() reported a port for a missing file")
		}
	})
}
