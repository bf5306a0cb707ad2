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
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/tombee/pgembed/internal/cache"
	"github.com/tombee/pgembed/internal/config"
	"github.com/tombee/pgembed/internal/engine"
	"github.com/tombee/pgembed/internal/envguard"
	"github.com/tombee/pgembed/internal/fsutil"
	"github.com/tombee/pgembed/internal/lifecycle"
	"github.com/tombee/pgembed/internal/log"
	"github.com/tombee/pgembed/internal/privileges"
	"github.com/tombee/pgembed/internal/worker"
)

// controller assembles configuration, privilege handling, and lifecycle
// dispatch for one cluster. It is single-owner state: the guard serializes
// access.
type controller struct {
	logger   *slog.Logger
	settings *config.Settings
	timeouts config.Timeouts
	cleanup  config.CleanupMode
	priv     privileges.Privileges
	mode     privileges.Mode
	user     privileges.UnprivilegedUser
	dispatch *worker.Dispatcher
	engine   *engine.Postgres
	env      *envguard.Guard
}

// newController resolves identity, configuration, and execution mode.
// Everything that can fail from misconfiguration fails here, before any
// directory is touched.
func newController() (*controller, error) {
	logger := log.WithComponent(log.New(log.FromEnv()), "pgembed")

	priv := privileges.Detect()
	user := privileges.LookupUnprivileged()

	// Default directories belong to whoever will run the server: the
	// demoted account under root, the caller otherwise.
	ownerUID := os.Geteuid()
	if priv == privileges.Root {
		ownerUID = int(user.UID)
	}
	installDir, dataDir := privileges.DefaultPaths(ownerUID)

	loaded, err := config.Load(installDir, dataDir)
	if err != nil {
		return nil, err
	}

	workerBin := loaded.WorkerBinary
	if workerBin == "" {
		if path, err := exec.LookPath(workerBinaryName); err == nil {
			workerBin = path
		}
	}

	mode, err := privileges.SelectMode(priv, workerBin)
	if err != nil {
		return nil, err
	}

	logger.Info("execution mode selected",
		slog.String(log.PrivilegesKey, priv.String()),
		slog.String(log.ModeKey, mode.String()),
		slog.String(log.VersionKey, loaded.Settings.Version),
		slog.String(log.DataDirKey, loaded.Settings.DataDir))

	c := &controller{
		logger:   logger,
		settings: &loaded.Settings,
		timeouts: loaded.Timeouts,
		cleanup:  loaded.CleanupMode,
		priv:     priv,
		mode:     mode,
		user:     user,
	}

	invoker := &worker.Invoker{
		Binary:   workerBin,
		Timeouts: loaded.Timeouts,
		Logger:   logger,
	}
	if priv == privileges.Root {
		invoker.User = &c.user
	}
	c.dispatch = &worker.Dispatcher{Mode: mode, Invoker: invoker}
	c.engine = engine.NewPostgres(c.settings, logger)
	return c, nil
}

// bootstrap takes the cluster from nothing to accepting connections.
func (c *controller) bootstrap(ctx context.Context) error {
	if err := c.prepareDirs(); err != nil {
		return err
	}
	if err := c.ensureInstalled(); err != nil {
		return err
	}
	if err := c.runOp(ctx, worker.OpSetup); err != nil {
		return err
	}
	if err := c.runOp(ctx, worker.OpStart); err != nil {
		return err
	}
	if err := c.refreshPort(); err != nil {
		return err
	}
	if err := lifecycle.WaitForTCP(c.settings.Host, c.settings.Port, c.timeouts.Start); err != nil {
		return fmt.Errorf("server started but never became reachable: %w", err)
	}
	if err := c.writePgpass(); err != nil {
		return err
	}

	env, err := envguard.Apply(config.NewEnvironment(c.settings).ToEnv())
	if err != nil {
		return fmt.Errorf("failed to export client environment: %w", err)
	}
	c.env = env

	c.logger.Info("cluster ready",
		slog.String(log.VersionKey, c.settings.Version),
		slog.Int(log.PortKey, c.settings.Port),
		slog.String(log.DataDirKey, c.settings.DataDir))
	return nil
}

// prepareDirs creates the directory skeleton. Under root the tree is handed
// to the unprivileged account up front, so the demoted worker can populate
// it; the data directory stays private to that account.
func (c *controller) prepareDirs() error {
	base := filepath.Dir(c.settings.DataDir)
	if err := fsutil.EnsureDir(base, 0755); err != nil {
		return err
	}
	if err := fsutil.EnsureDir(c.settings.InstallationDir, 0755); err != nil {
		return err
	}
	if err := fsutil.EnsureDir(c.settings.DataDir, 0700); err != nil {
		return err
	}

	if c.priv != privileges.Root {
		return nil
	}
	for _, path := range []string{base, c.settings.InstallationDir, c.settings.DataDir} {
		if err := c.user.ChownToUser(path); err != nil {
			return err
		}
	}
	return nil
}

// ensureInstalled makes server binaries available in the installation
// directory, consulting the shared binary cache in both directions: a
// present installation seeds the cache, a missing one is restored from it.
func (c *controller) ensureInstalled() error {
	if c.settings.TrustInstallationDir {
		return nil
	}
	if c.engine.Installed() {
		c.seedCache()
		return nil
	}

	if c.settings.BinaryCacheDir != "" {
		store := cache.New(c.settings.BinaryCacheDir, c.logger)
		if dir, ok := store.Lookup(c.settings.Version); ok {
			c.logger.Info("restoring server binaries from cache",
				slog.String(log.VersionKey, c.settings.Version),
				slog.String("cache_dir", dir))
			if err := fsutil.CopyTree(dir, c.settings.InstallationDir); err != nil {
				return fmt.Errorf("failed to restore binaries from cache: %w", err)
			}
			if c.priv == privileges.Root {
				if err := c.user.ChownToUser(c.settings.InstallationDir); err != nil {
					return err
				}
			}
			if c.engine.Installed() {
				return nil
			}
		}
	}

	return fmt.Errorf("%w: place a PostgreSQL %s distribution under %s or set %s",
		engine.ErrNotInstalled, c.settings.Version, c.settings.InstallationDir, config.EnvRuntimeDir)
}

// seedCache copies a verified installation into the shared cache so other
// runs skip extraction. Failures only cost future speed, never this run.
func (c *controller) seedCache() {
	if c.settings.BinaryCacheDir == "" {
		return
	}
	store := cache.New(c.settings.BinaryCacheDir, c.logger)
	if _, ok := store.Lookup(c.settings.Version); ok {
		return
	}
	if _, err := store.Populate(c.settings.Version, c.settings.InstallationDir); err != nil {
		c.logger.Warn("failed to seed binary cache", log.Error(err))
	}
}

// runOp dispatches one lifecycle operation. Only the subprocess path
// enforces explicit timeouts; in-process calls inherit the caller's context
// and the engine's own command timeouts.
func (c *controller) runOp(ctx context.Context, op worker.Operation) error {
	payload := worker.NewPayload(c.settings, config.NewEnvironment(c.settings).ToEnv())
	return c.dispatch.Run(ctx, op, payload, func(ctx context.Context) error {
		return worker.ExecuteLocal(ctx, op, c.settings, c.logger)
	})
}

// refreshPort replaces the requested port with the one the postmaster
// actually bound. Worker-managed clusters can land elsewhere when the
// requested port was taken; postmaster.pid is the authority.
func (c *controller) refreshPort() error {
	port, ok, err := lifecycle.WaitForPostmasterPort(c.settings.PostmasterPIDPath())
	if err != nil {
		return fmt.Errorf("failed to read postmaster port: %w", err)
	}
	if !ok {
		return fmt.Errorf("postmaster.pid never appeared in %s", c.settings.DataDir)
	}
	if port != c.settings.Port {
		c.logger.Info("postmaster bound a different port",
			slog.Int("requested", c.settings.Port),
			slog.Int(log.PortKey, port))
		c.settings.Port = port
	}
	return nil
}

// writePgpass writes a .pgpass credential file so libpq clients authenticate
// without the password appearing in the environment or on command lines.
func (c *controller) writePgpass() error {
	line := fmt.Sprintf("%s:%d:*:%s:%s\n",
		c.settings.Host, c.settings.Port, c.settings.Username, c.settings.Password)
	if err := os.WriteFile(c.settings.PasswordFile, []byte(line), 0600); err != nil {
		return fmt.Errorf("failed to write password file: %w", err)
	}
	return nil
}

// teardown stops the cluster, applying the configured cleanup mode, and
// restores the caller's environment.
func (c *controller) teardown(ctx context.Context) error {
	op := worker.OpStop
	switch c.cleanup {
	case config.CleanupData:
		op = worker.OpCleanupData
	case config.CleanupFull:
		op = worker.OpCleanupFull
	}
	if c.settings.Temporary && op == worker.OpStop {
		op = worker.OpCleanupData
	}

	err := c.runOp(ctx, op)
	if c.env != nil {
		c.env.Restore()
	}
	return err
}

// killPostmaster is the shutdown path of last resort: signal the postmaster
// named by the pidfile directly, escalating to SIGKILL. Used by the exit
// hook where no context or error propagation exists.
func (c *controller) killPostmaster() {
	pid, ok := lifecycle.ReadPostmasterPID(c.settings.PostmasterPIDPath())
	if !ok {
		return
	}
	c.logger.Info("shutdown hook stopping postmaster", slog.Int(log.PIDKey, pid))
	if err := lifecycle.GracefulShutdown(pid, c.timeouts.Shutdown, true); err != nil {
		c.logger.Warn("shutdown hook failed to stop postmaster", log.Error(err))
	}
	if c.env != nil {
		c.env.Restore()
	}
}

// handle snapshots the connection surface.
func (c *controller) handle() Handle {
	return Handle{
		Version:         c.settings.Version,
		Host:            c.settings.Host,
		Port:            c.settings.Port,
		Username:        c.settings.Username,
		Password:        c.settings.Password,
		DataDir:         c.settings.DataDir,
		InstallationDir: c.settings.InstallationDir,
		PasswordFile:    c.settings.PasswordFile,
	}
}
