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

// Package fsutil provides filesystem helpers that resolve paths without
// following symlinks outside the intended root.
//
// Destructive operations (ReadFileAt, RemoveTreeAt) go through os.Root so a
// symlink planted inside a data directory cannot redirect a reset outside of
// it. Plain creation helpers (EnsureDir, SetPermissions) do not need that
// protection and use the straightforward os calls.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrRootRemoval is returned when a removal would target the filesystem root.
var ErrRootRemoval = errors.New("refusing to remove filesystem root")

// EnsureDir creates path and any missing parents with the given mode.
func EnsureDir(path string, mode os.FileMode) error {
	if err := os.MkdirAll(path, mode); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// SetPermissions applies mode to path when it exists.
func SetPermissions(path string, mode os.FileMode) error {
	if err := os.Chmod(path, mode); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	return nil
}

// splitRoot decomposes an absolute or relative path into the directory handle
// anchor and the component resolved inside it. Absolute paths anchor at "/";
// relative paths anchor at the working directory.
func splitRoot(path string) (anchor, relative string) {
	if filepath.IsAbs(path) {
		cleaned := filepath.Clean(path)
		rel := strings.TrimPrefix(cleaned, string(filepath.Separator))
		return string(filepath.Separator), rel
	}
	return ".", filepath.Clean(path)
}

// ReadFileAt reads a file without following symlinks that escape the anchor
// directory. The worker uses it to load payload files after demotion.
func ReadFileAt(path string) ([]byte, error) {
	anchor, rel := splitRoot(path)
	root, err := os.OpenRoot(anchor)
	if err != nil {
		return nil, fmt.Errorf("failed to open root %s: %w", anchor, err)
	}
	defer root.Close()

	f, err := root.Open(rel)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// Exists reports whether rel exists under path without following escaping
// symlinks.
func Exists(path, rel string) bool {
	anchor, base := splitRoot(path)
	root, err := os.OpenRoot(anchor)
	if err != nil {
		return false
	}
	defer root.Close()

	_, err = root.Stat(filepath.Join(base, rel))
	return err == nil
}

// RemoveTreeAt removes path and everything beneath it, resolving inside a
// directory handle so symlinks cannot redirect the removal. Removing a path
// that does not exist succeeds; removing the filesystem root is refused.
func RemoveTreeAt(path string) error {
	anchor, rel := splitRoot(path)
	if rel == "" || rel == "." {
		return ErrRootRemoval
	}

	root, err := os.OpenRoot(anchor)
	if err != nil {
		return fmt.Errorf("failed to open root %s: %w", anchor, err)
	}
	defer root.Close()

	if err := root.RemoveAll(rel); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// CopyTree recursively copies src into dst, preserving file modes. Symlinks
// inside the tree are skipped; cached binary distributions contain none.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			return nil
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
