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

package privileges

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

const demotionSupported = true

// fallbackNobodyID is used when no "nobody" passwd entry exists.
const fallbackNobodyID = 65534

// Detect reads the effective user id. It is a pure read and never mutates
// process identity.
func Detect() Privileges {
	if os.Geteuid() == 0 {
		return Root
	}
	return Unprivileged
}

// UnprivilegedUser identifies the fixed account the worker demotes to.
type UnprivilegedUser struct {
	Name string
	UID  uint32
	GID  uint32
}

// LookupUnprivileged resolves the "nobody" account, falling back to the
// conventional 65534 uid/gid when no passwd entry exists.
func LookupUnprivileged() UnprivilegedUser {
	u, err := user.Lookup("nobody")
	if err != nil {
		return UnprivilegedUser{Name: "nobody", UID: fallbackNobodyID, GID: fallbackNobodyID}
	}
	uid, uidErr := strconv.ParseUint(u.Uid, 10, 32)
	gid, gidErr := strconv.ParseUint(u.Gid, 10, 32)
	if uidErr != nil || gidErr != nil {
		return UnprivilegedUser{Name: "nobody", UID: fallbackNobodyID, GID: fallbackNobodyID}
	}
	return UnprivilegedUser{Name: u.Username, UID: uint32(uid), GID: uint32(gid)}
}

// Credential builds the demote-then-exec credential for a worker subprocess.
// The runtime applies it in the child between fork and exec: supplementary
// groups first, then gid, then uid. Reversing that order could leave elevated
// group membership active after the uid has already changed, which is why
// demotion is expressed declaratively here rather than as ad-hoc syscalls.
func (u UnprivilegedUser) Credential() *syscall.Credential {
	return &syscall.Credential{
		Uid:    u.UID,
		Gid:    u.GID,
		Groups: []uint32{u.GID},
	}
}

// ChownToUser transfers ownership of path to the unprivileged account so the
// demoted worker can still read it after dropping privileges.
func (u UnprivilegedUser) ChownToUser(path string) error {
	if err := os.Chown(path, int(u.UID), int(u.GID)); err != nil {
		return fmt.Errorf("failed to chown %s to %s: %w", path, u.Name, err)
	}
	return nil
}

// DefaultPaths computes the default installation and data directories for
// the given uid, shared across runs under /var/tmp.
func DefaultPaths(uid int) (installDir, dataDir string) {
	base := fmt.Sprintf("/var/tmp/pgembed-%d", uid)
	return base + "/install", base + "/data"
}
