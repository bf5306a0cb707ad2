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

import (
	"context"
	"sync"

	"github.com/tombee/pgembed/internal/log"
)

// Guard owns the lifecycle of one running cluster. Exactly one goroutine
// should drive it; its methods serialize internally so a racing exit hook
// cannot double-stop the server.
//
// Guards come in two flavors. Owned guards (New, NewSplit) treat Close as
// the normal shutdown: failures are logged and swallowed. Guards from
// NewWithContext expect an explicit Stop with a caller-supplied context;
// closing one without stopping is a bug in the caller, flagged with a
// warning and patched over with a best-effort background shutdown.
type Guard struct {
	mu      sync.Mutex
	stopped bool
	owned   bool
	ctrl    *controller
	h       Handle
}

// Handle returns the cluster's connection surface.
func (g *Guard) Handle() Handle {
	return g.h
}

// Stop shuts the cluster down, applying the configured cleanup mode.
// Stopping twice is harmless; later calls return nil.
func (g *Guard) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return nil
	}
	g.stopped = true
	return g.ctrl.teardown(ctx)
}

// Close releases the cluster. For owned guards this is the intended
// shutdown path and never returns an error: failures are logged, because a
// deferred Close in TestMain has nowhere to send them. For context-bound
// guards a Close without a prior Stop is reported and compensated with a
// background shutdown whose outcome nobody observes.
func (g *Guard) Close() error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}

	if !g.owned {
		g.stopped = true
		ctrl := g.ctrl
		g.mu.Unlock()

		ctrl.logger.Warn("guard closed without calling Stop(); " +
			"stopping the server in the background on a best-effort basis")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), ctrl.timeouts.Shutdown)
			defer cancel()
			if err := ctrl.teardown(ctx); err != nil {
				ctrl.logger.Warn("best-effort shutdown failed", log.Error(err))
			}
		}()
		return nil
	}

	g.stopped = true
	ctrl := g.ctrl
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ctrl.timeouts.Shutdown)
	defer cancel()
	if err := ctrl.teardown(ctx); err != nil {
		ctrl.logger.Warn("cluster shutdown failed", log.Error(err))
	}
	return nil
}

// stopForHook is the exit-hook shutdown: no context, no error reporting,
// direct postmaster signalling.
func (g *Guard) stopForHook() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	g.stopped = true
	g.ctrl.killPostmaster()
}
