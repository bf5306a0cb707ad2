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

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tombee/pgembed/internal/config"
	"github.com/tombee/pgembed/internal/engine"
	"github.com/tombee/pgembed/internal/envguard"
	"github.com/tombee/pgembed/internal/fsutil"
	"github.com/tombee/pgembed/internal/privileges"
)

// ErrResetAsRoot is returned when an invalid data directory would have to be
// removed while still running as root. Destructive recovery only happens
// from an unprivileged identity.
var ErrResetAsRoot = errors.New("refusing to reset invalid data directory as root")

// Run executes one operation against the payload file. This is the whole of
// the worker binary's job: load the payload, mirror the parent's
// environment, and drive the engine.
func Run(ctx context.Context, op Operation, payloadPath string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := fsutil.ReadFileAt(payloadPath)
	if err != nil {
		return fmt.Errorf("failed to read payload %s: %w", payloadPath, err)
	}
	payload, err := DecodePayload(data)
	if err != nil {
		return err
	}

	if err := envguard.ApplyPermanent(payload.EnvVars()); err != nil {
		return fmt.Errorf("failed to apply payload environment: %w", err)
	}

	return ExecuteLocal(ctx, op, payload.ToSettings(), logger)
}

// ExecuteLocal performs op directly in the calling process. The worker
// binary lands here after loading its payload; unprivileged parents call it
// without any subprocess at all.
func ExecuteLocal(ctx context.Context, op Operation, settings *config.Settings, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	eng := engine.NewPostgres(settings, logger)

	logger.Info("running lifecycle operation",
		slog.String("operation", op.Token()),
		slog.String("data_dir", settings.DataDir))

	switch op {
	case OpSetup:
		return runSetup(ctx, eng, settings, logger)
	case OpStart:
		return runStart(ctx, eng, settings, logger)
	case OpStop:
		return eng.Stop(ctx)
	case OpCleanupData:
		return runCleanup(ctx, eng, settings, logger, false)
	case OpCleanupFull:
		return runCleanup(ctx, eng, settings, logger, true)
	default:
		return fmt.Errorf("unknown operation %q", op.Token())
	}
}

// runSetup initializes the data directory, skipping work that already
// happened. A directory that exists but never completed initdb is torn down
// and rebuilt; initdb refuses non-empty directories, so recovery is the
// only way forward.
func runSetup(ctx context.Context, eng *engine.Postgres, settings *config.Settings, logger *slog.Logger) error {
	if eng.Initialized() {
		logger.Info("data directory already initialized, skipping setup",
			slog.String("data_dir", settings.DataDir))
		return nil
	}

	if dirHasEntries(settings.DataDir) {
		if privileges.Detect() == privileges.Root {
			return fmt.Errorf("%w: %s", ErrResetAsRoot, settings.DataDir)
		}
		logger.Warn("data directory exists but is not initialized, resetting",
			slog.String("data_dir", settings.DataDir))
		if err := fsutil.RemoveTreeAt(settings.DataDir); err != nil {
			return fmt.Errorf("failed to reset data directory: %w", err)
		}
	}

	return eng.Setup(ctx)
}

// runStart launches the postmaster unless one is already serving the data
// directory. The postmaster survives this process; the parent reads its
// actual port from postmaster.pid.
func runStart(ctx context.Context, eng *engine.Postgres, settings *config.Settings, logger *slog.Logger) error {
	if eng.Status() == engine.StatusStarted {
		logger.Info("server already started, skipping start",
			slog.String("data_dir", settings.DataDir))
		return nil
	}
	return eng.Start(ctx)
}

// runCleanup stops the server and removes its directories. Stop and removal
// failures are both reported; a failed stop does not spare the data
// directory.
func runCleanup(ctx context.Context, eng *engine.Postgres, settings *config.Settings, logger *slog.Logger, full bool) error {
	stopErr := eng.Stop(ctx)
	if stopErr != nil {
		logger.Warn("stop before cleanup failed, removing directories anyway",
			slog.String("error", stopErr.Error()))
	}

	var removeErrs []error
	if err := fsutil.RemoveTreeAt(settings.DataDir); err != nil {
		removeErrs = append(removeErrs, err)
	}
	if settings.PasswordFile != "" {
		if err := os.Remove(settings.PasswordFile); err != nil && !os.IsNotExist(err) {
			removeErrs = append(removeErrs, fmt.Errorf("failed to remove password file: %w", err))
		}
	}
	if full {
		if err := fsutil.RemoveTreeAt(settings.InstallationDir); err != nil {
			removeErrs = append(removeErrs, err)
		}
	}

	return errors.Join(append([]error{stopErr}, removeErrs...)...)
}

// dirHasEntries reports whether path exists and contains anything.
func dirHasEntries(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}
