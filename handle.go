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
	"fmt"
	"net/url"

	"github.com/tombee/pgembed/internal/envguard"
)

// Handle is the connection surface of a running cluster. It is plain data:
// copies are cheap, any goroutine may read it, and it holds no lifecycle
// authority. The port is the one the postmaster actually bound, which for
// worker-managed clusters may differ from the requested port.
type Handle struct {
	Version         string
	Host            string
	Port            int
	Username        string
	Password        string
	DataDir         string
	InstallationDir string
	PasswordFile    string
}

// URL builds a libpq connection URL for the given database. An empty
// database name targets the maintenance database.
func (h Handle) URL(database string) string {
	if database == "" {
		database = "postgres"
	}
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s",
		url.QueryEscape(h.Username),
		url.QueryEscape(h.Password),
		h.Host,
		h.Port,
		database,
	)
}

// ClientEnv returns the libpq environment variables describing the cluster,
// suitable for passing to subprocesses that expect PG* configuration.
func (h Handle) ClientEnv() []envguard.Var {
	return []envguard.Var{
		envguard.Set("PGHOST", h.Host),
		envguard.Set("PGPORT", fmt.Sprintf("%d", h.Port)),
		envguard.Set("PGUSER", h.Username),
		envguard.Set("PGPASSWORD", h.Password),
		envguard.Set("PGPASSFILE", h.PasswordFile),
	}
}
