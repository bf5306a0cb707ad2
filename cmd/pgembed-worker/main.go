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

// pgembed-worker executes a single PostgreSQL lifecycle operation described
// by a payload file and exits. The parent process spawns it with demoted
// credentials; the worker itself never changes identity.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/pgembed/internal/log"
	"github.com/tombee/pgembed/internal/worker"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes. Argument mistakes are distinguished from lifecycle failures
// so the parent can tell a broken invocation from a broken server.
const (
	exitFailure  = 1
	exitBadUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pgembed-worker: %v\n", err)
		if _, parseErr := worker.ParseOperation(firstArg()); parseErr != nil {
			os.Exit(exitBadUsage)
		}
		os.Exit(exitFailure)
	}
}

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "pgembed-worker <operation> <payload-path>",
		Short:   "Run one PostgreSQL lifecycle operation from a payload file",
		Long: "pgembed-worker is the unprivileged helper for pgembed. It reads a JSON\n" +
			"payload describing a PostgreSQL cluster and performs exactly one lifecycle\n" +
			"operation against it: setup, start, stop, cleanup, or cleanup-full.\n\n" +
			"It is not meant to be run by hand; pgembed spawns it with the right\n" +
			"credentials and payload.",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := worker.ParseOperation(args[0])
			if err != nil {
				return err
			}
			logger := log.WithComponent(log.New(log.FromEnv()), "worker")
			return worker.Run(cmd.Context(), op, args[1], logger)
		},
	}
}

func firstArg() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return ""
}
