/*
 * Copyright 2025 Shoal Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config defines the controller configuration struct and its file
// loader. The config is built once at process start and threaded explicitly
// into constructors; there is no package-level mutable state.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shoal-run/shoal/pkg/logger"
)

// Config holds every tunable the controller needs.
//
// Defaults:
//
//	RosterPath       ~/.shoal/known_devices.json
//	SSHConfigPath    ~/.ssh/config
//	RemoteConfigDir  ~/.config/shoal
//	IdentityFileName device_id
//	SSHPort          22
//	ScriptsDir       (unset; software checks pass vacuously)
//	LANCIDR          192.168.1.0/24
//	Workers          8
//	ProbeTimeout     2s
//	ConnectTimeout   5s
type Config struct {
	RosterPath       string        `json:"roster_path"`
	SSHConfigPath    string        `json:"ssh_config_path"`
	RemoteConfigDir  string        `json:"remote_config_dir"`
	IdentityFileName string        `json:"identity_file_name"`
	SSHPort          int           `json:"ssh_port"`
	ScriptsDir       string        `json:"scripts_dir,omitempty"`
	LANCIDR          string        `json:"lan_cidr"`
	Workers          int           `json:"workers"`
	ProbeTimeout     Duration      `json:"probe_timeout"`
	ConnectTimeout   Duration      `json:"connect_timeout"`
	Logging          logger.Config `json:"logging"`
}

// Duration wraps time.Duration with string JSON encoding ("5s", "250ms").
type Duration time.Duration

func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)

	return nil
}

func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return Config{
		RosterPath:       filepath.Join(home, ".shoal", "known_devices.json"),
		SSHConfigPath:    filepath.Join(home, ".ssh", "config"),
		RemoteConfigDir:  "~/.config/shoal",
		IdentityFileName: "device_id",
		SSHPort:          22,
		LANCIDR:          "192.168.1.0/24",
		Workers:          8,
		ProbeTimeout:     Duration(2 * time.Second),
		ConnectTimeout:   Duration(5 * time.Second),
		Logging:          logger.DefaultConfig(),
	}
}

// Load reads a JSON config file over the defaults. A missing file is not
// an error; the defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}

	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal config from %q: %w", path, err)
	}

	return cfg, nil
}
