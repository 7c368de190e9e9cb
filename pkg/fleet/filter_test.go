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

package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoal-run/shoal/pkg/models"
)

func TestParseFilter(t *testing.T) {
	rec := &models.DeviceRecord{
		UUID:  remoteUUID,
		Name:  "edge1",
		State: models.StateIdentityConfirmed,
		Net: models.NetworkIdentity{
			Hostname: "edge1.local",
			LastIP:   "192.168.1.40",
			StaticIP: "192.168.1.41",
		},
		Credentials: models.Credentials{User: "pi"},
	}
	rec.Flags.Reachable.Set(true)

	tests := []struct {
		name    string
		key     string
		value   string
		match   bool
		wantErr error
	}{
		{name: "name match", key: "name", value: "edge1", match: true},
		{name: "name mismatch", key: "name", value: "edge2", match: false},
		{name: "user", key: "user", value: "pi", match: true},
		{name: "host by hostname", key: "host", value: "edge1.local", match: true},
		{name: "host by last ip", key: "host", value: "192.168.1.40", match: true},
		{name: "host by static ip", key: "host", value: "192.168.1.41", match: true},
		{name: "uuid", key: "uuid", value: remoteUUID, match: true},
		{name: "reachable true", key: "reachable", value: "true", match: true},
		{name: "configured false", key: "configured", value: "false", match: true},
		{name: "software ready true", key: "software_ready", value: "true", match: false},
		{name: "confirmed", key: "confirmed", value: "true", match: true},
		{name: "unknown key", key: "color", value: "blue", wantErr: models.ErrInvalidFilterKey},
		{name: "non-boolean value", key: "reachable", value: "maybe", wantErr: models.ErrInvalidFilterKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFilter(tt.key, tt.value)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.key, f.Key())
			assert.Equal(t, tt.match, f.Match(rec))
		})
	}
}

func TestFilterKeyNamesField(t *testing.T) {
	assert.Equal(t, "name", ByName("edge1").Key())
	assert.Equal(t, "uuid", ByUUID(remoteUUID).Key())
	assert.Equal(t, "reachable", ByReachable(true).Key())
	assert.Equal(t, "confirmed", ByConfirmed(false).Key())
}
