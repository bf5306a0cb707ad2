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
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Port refresh retry budget. A freshly started postmaster writes its pidfile
// within a few milliseconds; ten attempts at 100ms absorbs slow CI machines.
const (
	portAttempts = 10
	portDelay    = 100 * time.Millisecond
)

// WaitForPostmasterPort polls the postmaster.pid file for the actual
// listening port, returning (0, false, nil) when the file never appears
// within the retry budget. An fsnotify watch on the data directory
// short-circuits the inter-attempt delay when the file shows up early;
// polling remains the authority, so a failed watch only degrades latency.
func WaitForPostmasterPort(pidPath string) (int, bool, error) {
	events := watchForPidfile(pidPath)

	for attempt := 0; attempt < portAttempts; attempt++ {
		port, ok, err := ReadPostmasterPort(pidPath)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return port, true, nil
		}

		select {
		case <-events:
		case <-time.After(portDelay):
		}
	}
	return 0, false, nil
}

// watchForPidfile returns a channel that receives at most one value when the
// pidfile is created or written. The watcher shuts itself down after the
// retry budget elapses. A nil channel (watch setup failure) blocks forever
// in select, leaving the plain polling delay in charge.
func watchForPidfile(pidPath string) <-chan struct{} {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil
	}
	if err := watcher.Add(filepath.Dir(pidPath)); err != nil {
		watcher.Close()
		return nil
	}

	events := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		deadline := time.After(time.Duration(portAttempts) * portDelay)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name == pidPath && ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					select {
					case events <- struct{}{}:
					default:
					}
				}
			case <-watcher.Errors:
			case <-deadline:
				return
			}
		}
	}()
	return events
}
