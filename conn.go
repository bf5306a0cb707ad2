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
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Connect opens a connection to the given database on the cluster. An
// empty name targets the maintenance database.
func (h Handle) Connect(ctx context.Context, database string) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, h.URL(database))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", database, err)
	}
	return conn, nil
}

// TemporaryDatabase creates a uniquely named database and returns its name
// along with a drop function. Tests that need isolation without a whole
// cluster per test get one throwaway database each.
func (h Handle) TemporaryDatabase(ctx context.Context) (string, func(context.Context) error, error) {
	return h.temporaryDatabase(ctx, "")
}

// TemporaryDatabaseFrom is TemporaryDatabase cloning an existing database,
// so a schema loaded once can seed many isolated copies.
func (h Handle) TemporaryDatabaseFrom(ctx context.Context, template string) (string, func(context.Context) error, error) {
	return h.temporaryDatabase(ctx, template)
}

func (h Handle) temporaryDatabase(ctx context.Context, template string) (string, func(context.Context) error, error) {
	name := "pgembed_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	conn, err := h.Connect(ctx, "")
	if err != nil {
		return "", nil, err
	}
	defer conn.Close(ctx)

	ident := pgx.Identifier{name}.Sanitize()
	stmt := "CREATE DATABASE " + ident
	if template != "" {
		stmt += " TEMPLATE " + pgx.Identifier{template}.Sanitize()
	}
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return "", nil, fmt.Errorf("failed to create database %s: %w", name, err)
	}

	drop := func(ctx context.Context) error {
		conn, err := h.Connect(ctx, "")
		if err != nil {
			return err
		}
		defer conn.Close(ctx)
		// FORCE evicts lingering test connections instead of failing.
		if _, err := conn.Exec(ctx, "DROP DATABASE IF EXISTS "+ident+" WITH (FORCE)"); err != nil {
			return fmt.Errorf("failed to drop database %s: %w", name, err)
		}
		return nil
	}
	return name, drop, nil
}
