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

// Package engine drives a PostgreSQL installation through initdb and
// pg_ctl. It owns no policy: callers decide when to initialize, start, or
// stop, and the engine reports status from the filesystem so decisions can
// be made without talking to a server.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/tombee/pgembed/internal/config"
	"github.com/tombee/pgembed/internal/lifecycle"
	"github.com/tombee/pgembed/internal/truncate"
)

// Status is the observed state of a cluster, derived from the filesystem
// and the process table rather than a connection attempt.
type Status int

const (
	// StatusNotInstalled means the installation directory has no server
	// binaries.
	StatusNotInstalled Status = iota

	// StatusNotInitialized means binaries exist but the data directory
	// has never completed initdb.
	StatusNotInitialized

	// StatusStopped means the cluster is initialized with no running
	// postmaster.
	StatusStopped

	// StatusStarted means a postmaster is running for the data directory.
	StatusStarted
)

func (s Status) String() string {
	switch s {
	case StatusNotInstalled:
		return "not installed"
	case StatusNotInitialized:
		return "not initialized"
	case StatusStopped:
		return "stopped"
	case StatusStarted:
		return "started"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// initMarker is the file whose presence marks a data directory as having
// completed initdb. PostgreSQL writes it at the end of bootstrap, so a
// directory holding it is initialized even if a previous run crashed later.
const initMarker = "global/pg_filenode.map"

// ErrNotInstalled is returned when an operation needs server binaries that
// are not present in the installation directory.
var ErrNotInstalled = errors.New("server binaries not installed")

// Engine is the minimal surface lifecycle operations are built on.
// Implementations must be safe to call from a single goroutine at a time;
// callers serialize access.
type Engine interface {
	Setup(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() Status
}

// Postgres runs a locally extracted PostgreSQL installation.
type Postgres struct {
	settings *config.Settings
	logger   *slog.Logger
}

var _ Engine = (*Postgres)(nil)

// NewPostgres returns an engine for the installation and data directories
// named in settings.
func NewPostgres(settings *config.Settings, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{settings: settings, logger: logger}
}

func (p *Postgres) binPath(name string) string {
	return filepath.Join(p.settings.InstallationDir, "bin", name)
}

// Installed reports whether the installation directory holds the binaries
// every operation depends on.
func (p *Postgres) Installed() bool {
	for _, name := range []string{"initdb", "pg_ctl", "postgres"} {
		if _, err := os.Stat(p.binPath(name)); err != nil {
			return false
		}
	}
	return true
}

// Initialized reports whether the data directory completed initdb.
func (p *Postgres) Initialized() bool {
	_, err := os.Stat(filepath.Join(p.settings.DataDir, filepath.FromSlash(initMarker)))
	return err == nil
}

// Status derives the cluster state. A pidfile naming a dead process reads
// as stopped; stale pidfiles are common after an unclean host shutdown.
func (p *Postgres) Status() Status {
	if !p.Installed() {
		return StatusNotInstalled
	}
	if !p.Initialized() {
		return StatusNotInitialized
	}
	if pid, ok := lifecycle.ReadPostmasterPID(p.settings.PostmasterPIDPath()); ok {
		if lifecycle.IsProcessRunning(pid) {
			return StatusStarted
		}
	}
	return StatusStopped
}

// Setup initializes the data directory with initdb. The superuser password
// is passed through a file so it never appears on a command line.
func (p *Postgres) Setup(ctx context.Context) error {
	if !p.Installed() {
		return fmt.Errorf("%w: %s", ErrNotInstalled, p.settings.InstallationDir)
	}

	pwfile, err := p.writePasswordFile()
	if err != nil {
		return err
	}

	p.logger.Info("initializing data directory",
		slog.String("data_dir", p.settings.DataDir),
		slog.String("username", p.settings.Username))

	return p.run(ctx, "initdb",
		"--pgdata", p.settings.DataDir,
		"--username", p.settings.Username,
		"--pwfile", pwfile,
		"--auth", "password",
		"--encoding", "UTF8",
	)
}

// Start launches the postmaster via pg_ctl and waits for it to accept
// connections. Server options are passed inline so the configured port and
// any extra configuration take effect without editing postgresql.conf.
func (p *Postgres) Start(ctx context.Context) error {
	if !p.Installed() {
		return fmt.Errorf("%w: %s", ErrNotInstalled, p.settings.InstallationDir)
	}

	opts := fmt.Sprintf("-p %d -c listen_addresses='%s' -c unix_socket_directories='%s'",
		p.settings.Port, p.settings.Host, p.settings.DataDir)
	for key, value := range p.settings.Configuration {
		opts += fmt.Sprintf(" -c %s=%s", key, value)
	}

	p.logger.Info("starting server",
		slog.String("data_dir", p.settings.DataDir),
		slog.Int("port", int(p.settings.Port)))

	return p.run(ctx, "pg_ctl", "start",
		"--pgdata", p.settings.DataDir,
		"--wait",
		"--timeout", strconv.Itoa(timeoutSecs(p.settings)),
		"--log", filepath.Join(p.settings.DataDir, "server.log"),
		"--options", opts,
	)
}

// Stop shuts the postmaster down in fast mode. A missing pidfile means the
// server is already down, which is a success for every caller we have.
func (p *Postgres) Stop(ctx context.Context) error {
	if _, err := os.Stat(p.settings.PostmasterPIDPath()); os.IsNotExist(err) {
		p.logger.Debug("no postmaster.pid, server already stopped",
			slog.String("data_dir", p.settings.DataDir))
		return nil
	}
	if !p.Installed() {
		return fmt.Errorf("%w: %s", ErrNotInstalled, p.settings.InstallationDir)
	}

	p.logger.Info("stopping server", slog.String("data_dir", p.settings.DataDir))

	return p.run(ctx, "pg_ctl", "stop",
		"--pgdata", p.settings.DataDir,
		"--mode", "fast",
		"--wait",
		"--timeout", strconv.Itoa(timeoutSecs(p.settings)),
	)
}

// writePasswordFile writes the superuser password next to the data
// directory, readable only by the owner.
func (p *Postgres) writePasswordFile() (string, error) {
	path := p.settings.PasswordFile
	if path == "" {
		path = filepath.Join(filepath.Dir(p.settings.DataDir), ".pgpass-setup")
	}
	if err := os.WriteFile(path, []byte(p.settings.Password+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write password file: %w", err)
	}
	return path, nil
}

// run executes a server binary and folds its output into any error,
// truncated so a misbehaving initdb cannot flood logs.
func (p *Postgres) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, p.binPath(name), args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", name, err, truncate.Output(string(out)))
	}
	if len(out) > 0 {
		p.logger.Debug(name+" output", slog.String("output", truncate.Output(string(out))))
	}
	return nil
}

func timeoutSecs(s *config.Settings) int {
	secs := int(s.Timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
