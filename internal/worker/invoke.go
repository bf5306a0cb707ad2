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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/tombee/pgembed/internal/config"
	"github.com/tombee/pgembed/internal/privileges"
	"github.com/tombee/pgembed/internal/truncate"
)

// ErrTimeout is returned when a worker invocation exceeds its budget.
var ErrTimeout = errors.New("worker timed out")

// Invoker runs lifecycle operations in a demoted worker subprocess.
type Invoker struct {
	// Binary is the absolute path to the worker executable.
	Binary string
	// User, when non-nil, is the account the subprocess demotes to. The
	// payload file is handed to this user so it stays readable after the
	// drop.
	User *privileges.UnprivilegedUser
	// Timeouts are the per-operation budgets.
	Timeouts config.Timeouts
	// Logger receives invocation diagnostics.
	Logger *slog.Logger

	// tempDir overrides where payload files are written. Empty means the
	// system temp directory.
	tempDir string
}

// Request describes one worker spawn. It is assembled per invocation and
// discarded after; nothing about a spawn is reused.
type Request struct {
	Op          Operation
	PayloadPath string
	Timeout     time.Duration
}

// Invoke serializes the payload to a temp file, runs the worker binary on
// it, and enforces the operation's timeout. The payload file is always
// removed; a removal failure is joined to the primary error rather than
// masking it.
func (inv *Invoker) Invoke(ctx context.Context, op Operation, payload *Payload) error {
	logger := inv.Logger
	if logger == nil {
		logger = slog.Default()
	}

	path, err := inv.writePayload(payload)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op.ErrContext(), err)
	}

	req := Request{Op: op, PayloadPath: path, Timeout: op.Timeout(inv.Timeouts)}
	primary := inv.exec(ctx, req, logger)

	var cleanup error
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		cleanup = fmt.Errorf("failed to remove worker payload %s: %w", path, err)
	}

	if primary != nil {
		primary = fmt.Errorf("%s failed: %w", op.ErrContext(), primary)
	}
	return errors.Join(primary, cleanup)
}

// writePayload writes the payload where the demoted worker can read it.
func (inv *Invoker) writePayload(payload *Payload) (string, error) {
	data, err := payload.Encode()
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(inv.tempDir, "pgembed-payload-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create payload file: %w", err)
	}
	path := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write payload file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close payload file: %w", err)
	}

	if inv.User != nil {
		if err := inv.User.ChownToUser(path); err != nil {
			os.Remove(path)
			return "", err
		}
	}
	return path, nil
}

// exec runs the worker and races it against the request's budget. The
// deadline is enforced manually instead of through the context so the
// timeout error can carry whatever the worker managed to print.
func (inv *Invoker) exec(ctx context.Context, req Request, logger *slog.Logger) error {
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(inv.Binary, req.Op.Token(), req.PayloadPath)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	demote(cmd, inv.User)

	logger.Debug("invoking worker",
		slog.String("operation", req.Op.Token()),
		slog.String("binary", inv.Binary),
		slog.Duration("timeout", req.Timeout))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker %s: %w", inv.Binary, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return outputError(err, &stdout, &stderr)
		}
		return nil

	case <-ctx.Done():
		return inv.abort(cmd, done, ctx.Err(), &stdout, &stderr)

	case <-timer.C:
		timeoutErr := fmt.Errorf("%w after %s", ErrTimeout, req.Timeout)
		return inv.abort(cmd, done, timeoutErr, &stdout, &stderr)
	}
}

// abort kills a still-running worker and reaps it. A kill failure is
// secondary to the reason the worker was aborted.
func (inv *Invoker) abort(cmd *exec.Cmd, done <-chan error, cause error, stdout, stderr *bytes.Buffer) error {
	var killErr error
	if err := cmd.Process.Kill(); err != nil {
		killErr = fmt.Errorf("failed to kill worker: %w", err)
	}
	<-done // reap

	return errors.Join(outputError(cause, stdout, stderr), killErr)
}

// outputError attaches truncated worker output to an error so failures in
// the subprocess remain diagnosable from the parent.
func outputError(err error, stdout, stderr *bytes.Buffer) error {
	out := truncate.Output(stdout.String())
	errOut := truncate.Output(stderr.String())
	if out == "" && errOut == "" {
		return err
	}
	return fmt.Errorf("%w (stdout: %s) (stderr: %s)", err, out, errOut)
}

// Dispatcher routes an operation to the worker subprocess or to an
// in-process function, depending on the selected execution mode.
type Dispatcher struct {
	Mode    privileges.Mode
	Invoker *Invoker
}

// Run executes op. The in-process path wraps failures with the same
// operation context the subprocess path uses, so callers see uniform
// errors regardless of mode.
func (d *Dispatcher) Run(ctx context.Context, op Operation, payload *Payload, local func(context.Context) error) error {
	if d.Mode == privileges.Subprocess {
		return d.Invoker.Invoke(ctx, op, payload)
	}
	if err := local(ctx); err != nil {
		return fmt.Errorf("%s failed: %w", op.ErrContext(), err)
	}
	return nil
}
