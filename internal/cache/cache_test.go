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

package cache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// makeInstall creates a fake extracted installation with a bin directory.
func makeInstall(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bin", "postgres"), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLookupMiss(t *testing.T) {
	c := New(t.TempDir(), nil)
	if _, ok := c.Lookup("16.4.0"); ok {
		t.Error("Lookup() reported a hit in an empty cache")
	}
}

func TestPopulateAndLookup(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "cache"), nil)
	src := makeInstall(t)

	dir, err := c.Populate("16.4.0", src)
	if err != nil {
		t.Fatalf("Populate() error = %v", err)
	}

	got, ok := c.Lookup("16.4.0")
	if !ok || got != dir {
		t.Errorf("Lookup() = (%q, %v), want (%q, true)", got, ok, dir)
	}

	if _, err := os.Stat(filepath.Join(dir, "bin", "postgres")); err != nil {
		t.Errorf("cached binary missing: %v", err)
	}
}

func TestPopulateRejectsEmptySource(t *testing.T) {
	c := New(t.TempDir(), nil)
	if _, err := c.Populate("16.4.0", t.TempDir()); !errors.Is(err, ErrSourceMissing) {
		t.Errorf("Populate() error = %v, want ErrSourceMissing", err)
	}
}

func TestPopulateIsIdempotent(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "cache"), nil)
	src := makeInstall(t)

	first, err := c.Populate("16.4.0", src)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Populate("16.4.0", src)
	if err != nil {
		t.Fatalf("second Populate() error = %v", err)
	}
	if first != second {
		t.Errorf("Populate() returned different dirs: %q then %q", first, second)
	}
}

func TestIncompleteEntryIsMissAndRebuilt(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")
	c := New(root, nil)

	// A partial entry: bin exists but the copy never finished.
	partial := c.EntryDir("16.4.0")
	if err := os.MkdirAll(filepath.Join(partial, "bin"), 0755); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Lookup("16.4.0"); ok {
		t.Fatal("Lookup() trusted an entry with no completion marker")
	}

	dir, err := c.Populate("16.4.0", makeInstall(t))
	if err != nil {
		t.Fatalf("Populate() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "bin", "postgres")); err != nil {
		t.Errorf("rebuilt entry missing binary: %v", err)
	}
}

func TestMarkerWithoutBinariesIsMiss(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")
	c := New(root, nil)

	dir := c.EntryDir("16.4.0")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, markerName), nil, 0644); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Lookup("16.4.0"); ok {
		t.Error("Lookup() trusted a marker with no bin directory")
	}
}
