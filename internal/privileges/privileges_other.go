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

package privileges

import "fmt"

const demotionSupported = false

// Detect always reports Unprivileged on platforms without a POSIX identity
// model.
func Detect() Privileges {
	return Unprivileged
}

// UnprivilegedUser is a placeholder on platforms without demotion support.
type UnprivilegedUser struct {
	Name string
	UID  uint32
	GID  uint32
}

// LookupUnprivileged returns a placeholder account.
func LookupUnprivileged() UnprivilegedUser {
	return UnprivilegedUser{Name: "nobody"}
}

// ChownToUser is a no-op where ownership transfer is unsupported.
func (u UnprivilegedUser) ChownToUser(string) error { return nil }

// DefaultPaths computes per-uid defaults under the system temp prefix.
func DefaultPaths(uid int) (installDir, dataDir string) {
	base := fmt.Sprintf("/var/tmp/pgembed-%d", uid)
	return base + "/install", base + "/data"
}
