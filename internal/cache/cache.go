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

// Package cache stores extracted server binaries keyed by version so that
// repeated setups skip the download and extraction entirely. An entry is
// only trusted once its completion marker exists; a crash mid-copy leaves
// no marker and the entry is rebuilt on the next lookup.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tombee/pgembed/internal/fsutil"
)

const (
	// markerName flags an entry as fully populated.
	markerName = ".complete"

	// binDirName must exist inside an entry for it to be usable. The
	// marker alone is not enough: an entry whose binaries were removed
	// out from under us must read as a miss.
	binDirName = "bin"

	// lockSuffix names the sidecar file used to serialize population of
	// a single version across processes.
	lockSuffix = ".lock"
)

// ErrSourceMissing is returned when Populate is given a source directory
// that does not contain server binaries.
var ErrSourceMissing = errors.New("source directory has no bin directory")

// Cache is a per-version store of extracted server installations.
type Cache struct {
	root   string
	logger *slog.Logger
}

// New returns a cache rooted at the given directory. The directory is
// created lazily on first population.
func New(root string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{root: root, logger: logger}
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// EntryDir returns the directory an entry for the given version occupies,
// whether or not it exists.
func (c *Cache) EntryDir(version string) string {
	return filepath.Join(c.root, version)
}

// Lookup reports whether a complete entry exists for the version and, if
// so, returns its directory.
func (c *Cache) Lookup(version string) (string, bool) {
	dir := c.EntryDir(version)
	if _, err := os.Stat(filepath.Join(dir, markerName)); err != nil {
		return "", false
	}
	info, err := os.Stat(filepath.Join(dir, binDirName))
	if err != nil || !info.IsDir() {
		return "", false
	}
	return dir, true
}

// Populate copies an extracted installation from sourceDir into the cache
// entry for version and writes the completion marker last. Concurrent
// callers for the same version serialize on a sidecar lock file; the loser
// of the race finds a complete entry and returns without copying.
func (c *Cache) Populate(version, sourceDir string) (string, error) {
	if info, err := os.Stat(filepath.Join(sourceDir, binDirName)); err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrSourceMissing, sourceDir)
	}

	if err := fsutil.EnsureDir(c.root, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache root: %w", err)
	}

	release, err := acquireLock(c.EntryDir(version) + lockSuffix)
	if err != nil {
		return "", fmt.Errorf("failed to lock cache entry for %s: %w", version, err)
	}
	defer release()

	if dir, ok := c.Lookup(version); ok {
		c.logger.Debug("cache entry already populated", "version", version, "dir", dir)
		return dir, nil
	}

	dir := c.EntryDir(version)

	// A stale partial entry (marker missing) is rebuilt from scratch.
	if _, err := os.Stat(dir); err == nil {
		c.logger.Warn("discarding incomplete cache entry", "version", version, "dir", dir)
		if err := fsutil.RemoveTreeAt(dir); err != nil {
			return "", fmt.Errorf("failed to discard incomplete cache entry: %w", err)
		}
	}

	if err := fsutil.CopyTree(sourceDir, dir); err != nil {
		return "", fmt.Errorf("failed to populate cache entry for %s: %w", version, err)
	}
	if err := os.WriteFile(filepath.Join(dir, markerName), nil, 0644); err != nil {
		return "", fmt.Errorf("failed to write cache completion marker: %w", err)
	}

	c.logger.Info("populated binary cache", "version", version, "dir", dir)
	return dir, nil
}
