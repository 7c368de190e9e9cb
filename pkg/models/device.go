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

// Package models holds the data model for fleet members and the shared
// error taxonomy.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TempUUIDPrefix marks a locally generated placeholder identity. Genuine
// UUID generation never produces this prefix, so the two are always
// distinguishable.
const TempUUIDPrefix = "temp-"

// IdentityState tracks how much we trust a device's UUID.
type IdentityState string

const (
	StateUnidentified      IdentityState = "unidentified"
	StateIdentityPending   IdentityState = "identity_pending"
	StateIdentityConfirmed IdentityState = "identity_confirmed"
	StateUnreachable       IdentityState = "unreachable"
)

// NewTempUUID returns a fresh placeholder identity.
func NewTempUUID() string {
	return TempUUIDPrefix + uuid.NewString()
}

// IsTempUUID reports whether id is a locally generated placeholder.
func IsTempUUID(id string) bool {
	return len(id) > len(TempUUIDPrefix) && id[:len(TempUUIDPrefix)] == TempUUIDPrefix
}

// ParseConfirmedUUID parses id as a confirmed device UUID. Placeholders and
// empty strings report ok=false; anything else malformed is an error.
func ParseConfirmedUUID(id string) (uuid.UUID, bool, error) {
	if id == "" || IsTempUUID(id) {
		return uuid.Nil, false, nil
	}

	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, false, ErrMalformedIdentity
	}

	return u, true, nil
}

// NetworkIdentity holds the weak network signals for a device. Every field
// is a hint that may be stale, not a guarantee.
type NetworkIdentity struct {
	LastIP   string   `json:"last_ip,omitempty"`
	StaticIP string   `json:"static_ip,omitempty"`
	Hostname string   `json:"hostname,omitempty"`
	MACs     []string `json:"mac_addresses,omitempty"`
}

// AddMAC records a MAC address, keeping the set deduplicated.
func (n *NetworkIdentity) AddMAC(mac string) {
	if mac == "" {
		return
	}

	for _, m := range n.MACs {
		if m == mac {
			return
		}
	}

	n.MACs = append(n.MACs, mac)
}

// Credentials carry exactly one authentication method: a private key path,
// or a password (prompted for when empty at connect time).
type Credentials struct {
	User           string `json:"user"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	UsePassword    bool   `json:"use_password,omitempty"`
}

// CheckFlag is the timestamped result of one readiness check. Flags are
// re-checked on demand rather than cached with a TTL.
type CheckFlag struct {
	OK        bool      `json:"ok"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

func (f *CheckFlag) Set(ok bool) {
	f.OK = ok
	f.CheckedAt = time.Now().UTC()
}

// CapabilityFlags record the last readiness classification.
type CapabilityFlags struct {
	Reachable     CheckFlag `json:"reachable"`
	Authenticated CheckFlag `json:"authenticated"`
	Configured    CheckFlag `json:"configured"`
	SoftwareReady CheckFlag `json:"software_ready"`
}

// DeviceRecord is one fleet member.
type DeviceRecord struct {
	// UUID is the durable identifier assigned once by the device itself.
	// It may be empty, a temp- placeholder, or a confirmed UUID string.
	UUID string `json:"id"`

	// Name is the ssh-config alias used to reach the device. Unique
	// within a fleet.
	Name string `json:"name"`

	Net         NetworkIdentity `json:"network_identity"`
	Credentials Credentials     `json:"credentials"`
	Flags       CapabilityFlags `json:"capability_flags"`
	State       IdentityState   `json:"state"`

	// Extra preserves roster keys this version does not understand, so a
	// rewrite never drops fields written by newer tooling.
	Extra map[string]json.RawMessage `json:"-"`
}

// Confirmed reports whether the record holds a confirmed UUID.
func (d *DeviceRecord) Confirmed() bool {
	_, ok, err := ParseConfirmedUUID(d.UUID)
	return err == nil && ok
}

// Equal reports record identity. Two records are equal iff their confirmed
// UUIDs are equal; records with only temporary UUIDs are never equal to
// anything by UUID, including each other.
func (d *DeviceRecord) Equal(other *DeviceRecord) bool {
	if d == nil || other == nil {
		return false
	}

	du, dok, derr := ParseConfirmedUUID(d.UUID)
	ou, ook, oerr := ParseConfirmedUUID(other.UUID)

	if derr != nil || oerr != nil || !dok || !ook {
		return false
	}

	return du == ou
}

// deviceRecordJSON mirrors DeviceRecord's public fields for (un)marshaling.
type deviceRecordJSON struct {
	UUID        string          `json:"id"`
	Name        string          `json:"name"`
	Net         NetworkIdentity `json:"network_identity"`
	Credentials Credentials     `json:"credentials"`
	Flags       CapabilityFlags `json:"capability_flags"`
	State       IdentityState   `json:"state"`
}

var knownRosterKeys = map[string]struct{}{
	"id": {}, "name": {}, "network_identity": {},
	"credentials": {}, "capability_flags": {}, "state": {},
}

// MarshalJSON round-trips unknown keys captured in Extra.
func (d *DeviceRecord) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(deviceRecordJSON{
		UUID:        d.UUID,
		Name:        d.Name,
		Net:         d.Net,
		Credentials: d.Credentials,
		Flags:       d.Flags,
		State:       d.State,
	})
	if err != nil {
		return nil, err
	}

	if len(d.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(d.Extra)+len(knownRosterKeys))
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}

	for k, v := range d.Extra {
		if _, taken := knownRosterKeys[k]; !taken {
			merged[k] = v
		}
	}

	return json.Marshal(merged)
}

func (d *DeviceRecord) UnmarshalJSON(data []byte) error {
	var known deviceRecordJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for k := range knownRosterKeys {
		delete(raw, k)
	}

	if len(raw) == 0 {
		raw = nil
	}

	*d = DeviceRecord{
		UUID:        known.UUID,
		Name:        known.Name,
		Net:         known.Net,
		Credentials: known.Credentials,
		Flags:       known.Flags,
		State:       known.State,
		Extra:       raw,
	}

	return nil
}
