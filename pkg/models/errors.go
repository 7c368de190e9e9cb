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

package models

import "errors"

var (
	// Connectivity errors. All recoverable by retry or reconnect.
	ErrUnreachable    = errors.New("device unreachable")
	ErrAuthRejected   = errors.New("authentication rejected")
	ErrSessionDropped = errors.New("session dropped")

	// Identity integrity errors. Fatal for the affected device.
	ErrMalformedIdentity = errors.New("malformed device identity file")
	ErrIdentityConflict  = errors.New("two records claim the same confirmed UUID")
	ErrIdentityExists    = errors.New("device already holds an identity")

	// Roster integrity errors.
	ErrConflict  = errors.New("device conflicts with an existing roster entry")
	ErrNotFound  = errors.New("device not found in roster")
	ErrAmbiguous = errors.New("multiple roster entries share a display name")
	ErrLookup    = errors.New("ssh config lookup failed")
	ErrNotSetup  = errors.New("device has not been set up")

	// Caller contract violations.
	ErrInvalidFilterKey = errors.New("invalid filter key")
	ErrNoAnchor         = errors.New("identity resolution needs at least one of ip, mac, or hostname")
	ErrNoCredentials    = errors.New("device has no credentials configured")
)
