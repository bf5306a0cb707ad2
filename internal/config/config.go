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

// Package config prepares pgembed settings from defaults, an optional YAML
// settings file, and PGEMBED_* environment variables, in that precedence
// order (environment wins).
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/pgembed/internal/envguard"
)

// Default lifecycle timeouts. Setup covers initdb plus a possible binary
// unpack, so it gets the largest budget.
const (
	DefaultSetupTimeout    = 180 * time.Second
	DefaultStartTimeout    = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// CleanupMode controls which directories are removed when a cluster is torn
// down for good.
type CleanupMode string

const (
	// CleanupNone leaves all directories in place for reuse across runs.
	CleanupNone CleanupMode = "none"
	// CleanupData removes the data directory only.
	CleanupData CleanupMode = "data"
	// CleanupFull removes both the data and installation directories.
	CleanupFull CleanupMode = "full"
)

// Settings describes one embedded PostgreSQL instance.
type Settings struct {
	// Version is the PostgreSQL version requirement, e.g. "16.4.0".
	Version string `yaml:"version"`
	// InstallationDir holds the extracted PostgreSQL distribution.
	InstallationDir string `yaml:"installation_dir"`
	// DataDir is the cluster data directory initdb populates.
	DataDir string `yaml:"data_dir"`
	// PasswordFile is the generated .pgpass file path.
	PasswordFile string `yaml:"password_file"`
	// Host the postmaster binds to.
	Host string `yaml:"host"`
	// Port requested for the postmaster. Worker-managed clusters may end up
	// on a different port; the authoritative value comes from postmaster.pid.
	Port int `yaml:"port"`
	// Username of the superuser account.
	Username string `yaml:"username"`
	// Password of the superuser account. Generated when left empty.
	Password string `yaml:"password"`
	// Temporary marks throwaway clusters whose directories are removed on
	// shutdown.
	Temporary bool `yaml:"temporary"`
	// Timeout bounds individual engine commands (initdb, pg_ctl).
	Timeout time.Duration `yaml:"timeout"`
	// Configuration holds extra postgresql.conf key/value pairs.
	Configuration map[string]string `yaml:"configuration"`
	// TrustInstallationDir skips re-validation of a preexisting
	// installation directory.
	TrustInstallationDir bool `yaml:"trust_installation_dir"`
	// BinaryCacheDir overrides the shared binary cache location.
	BinaryCacheDir string `yaml:"binary_cache_dir"`
}

// URL builds a libpq connection URL for the given database.
func (s *Settings) URL(database string) string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s",
		url.QueryEscape(s.Username),
		url.QueryEscape(s.Password),
		s.Host,
		s.Port,
		database,
	)
}

// PostmasterPIDPath returns the on-disk indicator the running postmaster
// writes: line 1 is its PID, line 4 the actual listening port.
func (s *Settings) PostmasterPIDPath() string {
	return filepath.Join(s.DataDir, "postmaster.pid")
}

// applyDefaults fills in every field a caller left empty.
func (s *Settings) applyDefaults(installDir, dataDir string) {
	if s.Version == "" {
		s.Version = "16.4.0"
	}
	if s.InstallationDir == "" {
		s.InstallationDir = installDir
	}
	if s.DataDir == "" {
		s.DataDir = dataDir
	}
	if s.PasswordFile == "" {
		s.PasswordFile = filepath.Join(filepath.Dir(s.DataDir), ".pgpass")
	}
	if s.Host == "" {
		s.Host = "localhost"
	}
	if s.Port == 0 {
		s.Port = 5432
	}
	if s.Username == "" {
		s.Username = "postgres"
	}
	if s.Password == "" {
		s.Password = uuid.NewString()
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
	if s.Configuration == nil {
		s.Configuration = map[string]string{}
	}
}

// Environment is the variable set clients need to reach the cluster.
type Environment struct {
	Host         string
	Port         int
	User         string
	Password     string
	PasswordFile string
}

// NewEnvironment derives the client environment from prepared settings.
func NewEnvironment(s *Settings) Environment {
	return Environment{
		Host:         s.Host,
		Port:         s.Port,
		User:         s.Username,
		Password:     s.Password,
		PasswordFile: s.PasswordFile,
	}
}

// ToEnv renders the environment as libpq variables, ordered so later entries
// may rely on earlier ones having been applied.
func (e Environment) ToEnv() []envguard.Var {
	return []envguard.Var{
		envguard.Set("PGHOST", e.Host),
		envguard.Set("PGPORT", fmt.Sprintf("%d", e.Port)),
		envguard.Set("PGUSER", e.User),
		envguard.Set("PGPASSWORD", e.Password),
		envguard.Set("PGPASSFILE", e.PasswordFile),
	}
}

// Timeouts carries the per-operation budgets for worker invocations.
type Timeouts struct {
	Setup    time.Duration
	Start    time.Duration
	Shutdown time.Duration
}

// DefaultTimeouts returns the standard budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Setup:    DefaultSetupTimeout,
		Start:    DefaultStartTimeout,
		Shutdown: DefaultShutdownTimeout,
	}
}
