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

// Package sshcfg resolves device aliases against the controller's
// ~/.ssh/config file.
package sshcfg

import (
	"fmt"
	"os"
	"strings"

	"github.com/kevinburke/ssh_config"

	"github.com/shoal-run/shoal/pkg/models"
)

// Entry is the resolved configuration block for one alias.
type Entry struct {
	Name         string
	HostName     string
	User         string
	IdentityFile string
	PubkeyAuth   bool
}

// Lookup resolves alias against the ssh config file at path. A block
// without a User directive cannot be used to reach a device and is
// reported as a lookup failure.
func Lookup(path, alias string) (Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: cannot open %q: %v", models.ErrLookup, path, err)
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: cannot parse %q: %v", models.ErrLookup, path, err)
	}

	user, _ := cfg.Get(alias, "User")
	if user == "" {
		return Entry{}, fmt.Errorf("%w: no user configured for host %q", models.ErrLookup, alias)
	}

	hostname, _ := cfg.Get(alias, "HostName")
	if hostname == "" {
		// ssh itself falls back to the alias when HostName is absent.
		hostname = alias
	}

	identity, _ := cfg.Get(alias, "IdentityFile")
	if identity == ssh_config.Default("IdentityFile") {
		identity = ""
	}

	pubkey, _ := cfg.Get(alias, "PubkeyAuthentication")

	return Entry{
		Name:         alias,
		HostName:     hostname,
		User:         user,
		IdentityFile: identity,
		PubkeyAuth:   !strings.EqualFold(pubkey, "no"),
	}, nil
}

// Credentials converts an entry into the device credential model. A block
// that disables pubkey authentication, or that names no identity file,
// falls back to password authentication.
func (e Entry) Credentials() models.Credentials {
	creds := models.Credentials{User: e.User}

	if e.PubkeyAuth && e.IdentityFile != "" {
		creds.PrivateKeyPath = e.IdentityFile
	} else {
		creds.UsePassword = true
	}

	return creds
}
