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

package pgembed

import "sync"

// The shutdown hook is the backstop against leaked postmasters: a test
// binary that panics past its defers, or forgets them, still stops the
// server as long as TestMain runs the hook on its way out. Go has no
// process exit callback, so the hook is explicit.

var hook struct {
	mu     sync.Mutex
	guards []*Guard
	ran    bool
}

// RegisterShutdownHook enrolls a guard for shutdown when RunShutdownHook
// fires. Registering the same guard again is a no-op, as is registering
// after the hook has already run.
func RegisterShutdownHook(g *Guard) {
	if g == nil {
		return
	}
	hook.mu.Lock()
	defer hook.mu.Unlock()
	if hook.ran {
		return
	}
	for _, existing := range hook.guards {
		if existing == g {
			return
		}
	}
	hook.guards = append(hook.guards, g)
}

// RunShutdownHook stops every registered cluster that is still running.
// It fires at most once per process; later calls return immediately.
// Call it from TestMain after m.Run.
func RunShutdownHook() {
	hook.mu.Lock()
	if hook.ran {
		hook.mu.Unlock()
		return
	}
	hook.ran = true
	guards := hook.guards
	hook.guards = nil
	hook.mu.Unlock()

	for _, g := range guards {
		g.stopForHook()
	}
}
