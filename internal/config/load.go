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

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables honoured by Load. PGEMBED_WORKER is read separately
// by the mode selector.
const (
	EnvVersion         = "PGEMBED_VERSION"
	EnvRuntimeDir      = "PGEMBED_RUNTIME_DIR"
	EnvDataDir         = "PGEMBED_DATA_DIR"
	EnvSuperuser       = "PGEMBED_SUPERUSER"
	EnvPassword        = "PGEMBED_PASSWORD"
	EnvPort            = "PGEMBED_PORT"
	EnvWorker          = "PGEMBED_WORKER"
	EnvSetupTimeout    = "PGEMBED_SETUP_TIMEOUT"
	EnvStartTimeout    = "PGEMBED_START_TIMEOUT"
	EnvShutdownTimeout = "PGEMBED_SHUTDOWN_TIMEOUT"
	EnvBinaryCacheDir  = "PGEMBED_BINARY_CACHE_DIR"
	EnvCleanupMode     = "PGEMBED_CLEANUP"
	EnvSettingsFile    = "PGEMBED_SETTINGS_FILE"
)

// ErrInvalidTimeout is returned for malformed timeout values. Timeout
// configuration errors are fatal and never retried.
var ErrInvalidTimeout = errors.New("invalid timeout value")

// ErrInvalidCleanupMode is returned for unrecognised PGEMBED_CLEANUP values.
var ErrInvalidCleanupMode = errors.New("invalid cleanup mode")

// Loaded is the fully resolved configuration for one cluster.
type Loaded struct {
	Settings    Settings
	Timeouts    Timeouts
	CleanupMode CleanupMode
	// WorkerBinary is the configured helper path, empty when unset.
	WorkerBinary string
}

// Load resolves configuration: defaults, then the optional YAML settings
// file named by PGEMBED_SETTINGS_FILE, then PGEMBED_* variables.
// installDir/dataDir supply the privilege-aware default locations.
func Load(installDir, dataDir string) (*Loaded, error) {
	loaded := &Loaded{
		Timeouts:    DefaultTimeouts(),
		CleanupMode: CleanupNone,
	}

	if path := os.Getenv(EnvSettingsFile); path != "" {
		if err := loadSettingsFile(path, &loaded.Settings); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&loaded.Settings)
	loaded.Settings.applyDefaults(installDir, dataDir)

	if err := applyEnvTimeouts(&loaded.Timeouts); err != nil {
		return nil, err
	}

	mode, err := cleanupModeFromEnv()
	if err != nil {
		return nil, err
	}
	loaded.CleanupMode = mode
	loaded.WorkerBinary = os.Getenv(EnvWorker)
	return loaded, nil
}

func loadSettingsFile(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read settings file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(s *Settings) {
	if v := os.Getenv(EnvVersion); v != "" {
		s.Version = v
	}
	if v := os.Getenv(EnvRuntimeDir); v != "" {
		s.InstallationDir = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		s.DataDir = v
	}
	if v := os.Getenv(EnvSuperuser); v != "" {
		s.Username = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		s.Password = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			s.Port = port
		}
	}
	if v := os.Getenv(EnvBinaryCacheDir); v != "" {
		s.BinaryCacheDir = v
	}
}

func applyEnvTimeouts(t *Timeouts) error {
	entries := []struct {
		env    string
		target *time.Duration
	}{
		{EnvSetupTimeout, &t.Setup},
		{EnvStartTimeout, &t.Start},
		{EnvShutdownTimeout, &t.Shutdown},
	}
	for _, e := range entries {
		raw := os.Getenv(e.env)
		if raw == "" {
			continue
		}
		d, err := parseTimeout(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", e.env, err)
		}
		*e.target = d
	}
	return nil
}

// parseTimeout accepts Go duration strings ("90s", "2m") and, for
// compatibility with shell callers, bare integers interpreted as seconds.
func parseTimeout(raw string) (time.Duration, error) {
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("%w: %q is negative", ErrInvalidTimeout, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeout, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %q is negative", ErrInvalidTimeout, raw)
	}
	return d, nil
}

func cleanupModeFromEnv() (CleanupMode, error) {
	raw := os.Getenv(EnvCleanupMode)
	switch raw {
	case "", string(CleanupNone):
		return CleanupNone, nil
	case string(CleanupData):
		return CleanupData, nil
	case string(CleanupFull):
		return CleanupFull, nil
	default:
		return CleanupNone, fmt.Errorf("%w: %q (want none, data, or full)", ErrInvalidCleanupMode, raw)
	}
}
