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
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/pgembed/internal/config"
	"github.com/tombee/pgembed/internal/envguard"
)

// EnvEntry is one environment variable crossing the process boundary. A nil
// value means the variable must be unset in the worker, which is distinct
// from being set to "".
type EnvEntry struct {
	Name  string
	Value *string
}

// MarshalJSON encodes the entry as a two-element array so a missing value
// survives as null instead of collapsing to an empty string.
func (e EnvEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Name, e.Value})
}

// UnmarshalJSON decodes the two-element array form.
func (e *EnvEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("environment entry must have 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Name); err != nil {
		return fmt.Errorf("invalid environment entry name: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Value); err != nil {
		return fmt.Errorf("invalid environment entry value: %w", err)
	}
	return nil
}

// settingsSnapshot is the wire form of config.Settings. Durations travel as
// whole seconds so the format stays independent of Go's duration encoding.
type settingsSnapshot struct {
	Version              string            `json:"version"`
	InstallationDir      string            `json:"installation_dir"`
	DataDir              string            `json:"data_dir"`
	PasswordFile         string            `json:"password_file"`
	Host                 string            `json:"host"`
	Port                 int               `json:"port"`
	Username             string            `json:"username"`
	Password             string            `json:"password"`
	Temporary            bool              `json:"temporary"`
	TimeoutSecs          uint64            `json:"timeout_secs"`
	Configuration        map[string]string `json:"configuration"`
	TrustInstallationDir bool              `json:"trust_installation_dir"`
	BinaryCacheDir       string            `json:"binary_cache_dir,omitempty"`
}

// Payload carries everything a worker invocation needs: the settings
// snapshot and the environment variables the parent wants mirrored.
type Payload struct {
	Settings    settingsSnapshot `json:"settings"`
	Environment []EnvEntry       `json:"environment"`
}

// NewPayload snapshots settings and environment for transport.
func NewPayload(s *config.Settings, env []envguard.Var) *Payload {
	entries := make([]EnvEntry, len(env))
	for i, v := range env {
		entries[i] = EnvEntry{Name: v.Name, Value: v.Value}
	}
	return &Payload{
		Settings: settingsSnapshot{
			Version:              s.Version,
			InstallationDir:      s.InstallationDir,
			DataDir:              s.DataDir,
			PasswordFile:         s.PasswordFile,
			Host:                 s.Host,
			Port:                 s.Port,
			Username:             s.Username,
			Password:             s.Password,
			Temporary:            s.Temporary,
			TimeoutSecs:          uint64(s.Timeout / time.Second),
			Configuration:        s.Configuration,
			TrustInstallationDir: s.TrustInstallationDir,
			BinaryCacheDir:       s.BinaryCacheDir,
		},
		Environment: entries,
	}
}

// ToSettings reconstructs settings on the worker side.
func (p *Payload) ToSettings() *config.Settings {
	s := p.Settings
	return &config.Settings{
		Version:              s.Version,
		InstallationDir:      s.InstallationDir,
		DataDir:              s.DataDir,
		PasswordFile:         s.PasswordFile,
		Host:                 s.Host,
		Port:                 s.Port,
		Username:             s.Username,
		Password:             s.Password,
		Temporary:            s.Temporary,
		Timeout:              time.Duration(s.TimeoutSecs) * time.Second,
		Configuration:        s.Configuration,
		TrustInstallationDir: s.TrustInstallationDir,
		BinaryCacheDir:       s.BinaryCacheDir,
	}
}

// EnvVars converts the payload environment back into applicable variables.
func (p *Payload) EnvVars() []envguard.Var {
	vars := make([]envguard.Var, len(p.Environment))
	for i, e := range p.Environment {
		vars[i] = envguard.Var{Name: e.Name, Value: e.Value}
	}
	return vars
}

// Encode renders the payload as JSON.
func (p *Payload) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode worker payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses a payload file's contents.
func DecodePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode worker payload: %w", err)
	}
	return &p, nil
}
