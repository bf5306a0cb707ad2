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

// Package envguard applies scoped process environment overrides.
//
// The process environment is global state; a package-level mutex serialises
// every mutation so concurrent guards never interleave half-applied scopes.
// Nested scopes compose: each guard snapshots the values it replaces, and
// restoring guards in reverse creation order (the natural defer order)
// returns the environment to its original state.
package envguard

import (
	"fmt"
	"os"
	"sync"
)

// Var is a single environment override. A nil Value means "unset this
// variable", as opposed to setting it to the empty string.
type Var struct {
	Name  string
	Value *string
}

// Set builds a Var that sets name to value.
func Set(name, value string) Var {
	return Var{Name: name, Value: &value}
}

// Unset builds a Var that removes name from the environment.
func Unset(name string) Var {
	return Var{Name: name}
}

// mu serialises all environment mutations performed through this package.
var mu sync.Mutex

type savedVar struct {
	name    string
	value   string
	existed bool
}

// Guard restores the environment to its pre-Apply state when released.
type Guard struct {
	saved    []savedVar
	restored bool
	mu       sync.Mutex
}

// Apply sets or unsets each variable in order and returns a guard that
// restores the previous values. A failure part-way through rolls back the
// variables already applied before returning.
func Apply(vars []Var) (*Guard, error) {
	mu.Lock()
	defer mu.Unlock()

	g := &Guard{saved: make([]savedVar, 0, len(vars))}
	for _, v := range vars {
		if v.Name == "" {
			return nil, fmt.Errorf("environment variable name must not be empty")
		}
		prev, existed := os.LookupEnv(v.Name)
		g.saved = append(g.saved, savedVar{name: v.Name, value: prev, existed: existed})

		if err := applyVar(v); err != nil {
			// Roll back the vars applied so far before reporting.
			restoreSaved(g.saved)
			return nil, err
		}
	}
	return g, nil
}

func applyVar(v Var) error {
	if v.Value == nil {
		if err := os.Unsetenv(v.Name); err != nil {
			return fmt.Errorf("failed to unset %s: %w", v.Name, err)
		}
		return nil
	}
	if err := os.Setenv(v.Name, *v.Value); err != nil {
		return fmt.Errorf("failed to set %s: %w", v.Name, err)
	}
	return nil
}

// Restore reverts the variables this guard applied, in reverse order.
// Restore is idempotent; second and later calls are no-ops.
func (g *Guard) Restore() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.restored {
		return
	}
	g.restored = true

	mu.Lock()
	defer mu.Unlock()
	restoreSaved(g.saved)
}

func restoreSaved(saved []savedVar) {
	for i := len(saved) - 1; i >= 0; i-- {
		s := saved[i]
		if s.existed {
			os.Setenv(s.name, s.value)
		} else {
			os.Unsetenv(s.name)
		}
	}
}

// ApplyPermanent sets or unsets each variable without recording previous
// values. The worker binary uses it: overrides received via the payload
// should hold for the rest of the worker's short life.
func ApplyPermanent(vars []Var) error {
	mu.Lock()
	defer mu.Unlock()
	for _, v := range vars {
		if err := applyVar(v); err != nil {
			return err
		}
	}
	return nil
}
