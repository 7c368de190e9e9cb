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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoal-run/shoal/pkg/config"
	"github.com/shoal-run/shoal/pkg/identity"
	"github.com/shoal-run/shoal/pkg/logger"
	"github.com/shoal-run/shoal/pkg/models"
)

const otherUUID = "9a74c2d0-1be3-4e58-b6f1-02d9e8a45c77"

// noopResolver leaves partial identities as-is so registry tests never
// touch the network.
type noopResolver struct{}

func (noopResolver) Resolve(_ context.Context, partial identity.Partial, _ int) (identity.Partial, error) {
	return partial, nil
}

// recordingResolver captures the partial identities handed to enrichment.
type recordingResolver struct {
	mu  sync.Mutex
	got []identity.Partial
}

func (r *recordingResolver) Resolve(_ context.Context, partial identity.Partial, _ int) (identity.Partial, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.got = append(r.got, partial)

	return partial, nil
}

const testSSHConfig = `Host edge1
  HostName 192.168.1.40
  User pi
  IdentityFile /keys/edge1_ed25519

Host edge2
  HostName 192.168.1.41
  User pi
  IdentityFile /keys/edge2_ed25519

Host nouser
  HostName 192.168.1.99
`

// testFleet wires a Registry against fake sessions keyed by device name.
// Names without an entry get a fresh unreachable session.
type testFleet struct {
	registry *Registry
	sessions map[string]*fakeSession
	cfg      config.Config
}

func newTestFleet(t *testing.T) *testFleet {
	t.Helper()

	dir := t.TempDir()

	sshPath := filepath.Join(dir, "ssh_config")
	require.NoError(t, os.WriteFile(sshPath, []byte(testSSHConfig), 0o600))

	cfg := config.Default()
	cfg.RosterPath = filepath.Join(dir, "known_devices.json")
	cfg.SSHConfigPath = sshPath
	cfg.Workers = 4
	cfg.ProbeTimeout = config.Duration(50 * time.Millisecond)
	cfg.ConnectTimeout = config.Duration(50 * time.Millisecond)

	f := &testFleet{
		sessions: make(map[string]*fakeSession),
		cfg:      cfg,
	}

	f.registry = NewRegistry(cfg, logger.NewTestLogger()).
		WithResolver(noopResolver{}).
		WithSessionFactory(func(name, _ string, _ models.Credentials) DeviceSession {
			if sess, ok := f.sessions[name]; ok {
				return sess
			}

			sess := newFakeSession()
			sess.connectErr = fmt.Errorf("%w: no route to host", models.ErrUnreachable)

			return sess
		})

	return f
}

// liveDevice registers a fake session for name whose identity file already
// holds id.
func (f *testFleet) liveDevice(name, id string) *fakeSession {
	sess := configuredSession()
	if id != "" {
		sess.files["~/.config/shoal/device_id"] = []byte(id + "\n")
	}

	f.sessions[name] = sess

	return sess
}

func (f *testFleet) writeRoster(t *testing.T, records []*models.DeviceRecord) {
	t.Helper()

	data, err := json.MarshalIndent(records, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.cfg.RosterPath, data, 0o600))
}

func TestInitRosterIdempotent(t *testing.T) {
	f := newTestFleet(t)

	require.NoError(t, f.registry.InitRoster())

	data, err := os.ReadFile(f.cfg.RosterPath)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data))

	// A populated roster must survive a second setup run.
	require.NoError(t, os.WriteFile(f.cfg.RosterPath, []byte(`[{"id":"x","name":"edge1"}]`), 0o600))
	require.NoError(t, f.registry.InitRoster())

	data, err = os.ReadFile(f.cfg.RosterPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "edge1")
}

func TestLoadMissingRoster(t *testing.T) {
	f := newTestFleet(t)

	err := f.registry.Load(context.Background())
	require.ErrorIs(t, err, models.ErrNotSetup)
}

func TestLoadRefreshIsolatesFailures(t *testing.T) {
	f := newTestFleet(t)
	f.liveDevice("edge1", remoteUUID)
	// edge2 has no session registered, so connecting fails.

	f.writeRoster(t, []*models.DeviceRecord{
		{Name: "edge1", Net: models.NetworkIdentity{Hostname: "192.168.1.40"}, State: models.StateUnidentified},
		{Name: "edge2", UUID: models.NewTempUUID(), Net: models.NetworkIdentity{Hostname: "192.168.1.41"}, State: models.StateIdentityPending},
	})

	require.NoError(t, f.registry.Load(context.Background()))

	devices := f.registry.Devices()
	require.Len(t, devices, 2)

	// File order survives the parallel refresh.
	assert.Equal(t, "edge1", devices[0].Name)
	assert.Equal(t, "edge2", devices[1].Name)

	assert.Equal(t, remoteUUID, devices[0].UUID)
	assert.Equal(t, models.StateIdentityConfirmed, devices[0].State)
	assert.True(t, devices[0].Flags.Reachable.OK)
	assert.True(t, devices[0].Flags.Configured.OK)

	assert.Equal(t, models.StateUnreachable, devices[1].State)
	assert.False(t, devices[1].Flags.Reachable.OK)
	assert.True(t, models.IsTempUUID(devices[1].UUID), "a failed refresh keeps the placeholder")
}

func TestLoadAuthRejected(t *testing.T) {
	f := newTestFleet(t)

	sess := newFakeSession()
	sess.connectErr = fmt.Errorf("%w: all authentication methods failed", models.ErrAuthRejected)
	f.sessions["edge1"] = sess

	f.writeRoster(t, []*models.DeviceRecord{
		{Name: "edge1", Net: models.NetworkIdentity{Hostname: "192.168.1.40"}},
	})

	require.NoError(t, f.registry.Load(context.Background()))

	rec := f.registry.Devices()[0]
	assert.True(t, rec.Flags.Reachable.OK, "an auth rejection proves the host answered")
	assert.False(t, rec.Flags.Authenticated.OK)
}

func TestLoadNotSetUpDevice(t *testing.T) {
	f := newTestFleet(t)
	f.sessions["edge1"] = newFakeSession() // connects, but no config dir

	f.writeRoster(t, []*models.DeviceRecord{
		{Name: "edge1", Net: models.NetworkIdentity{Hostname: "192.168.1.40"}},
	})

	require.NoError(t, f.registry.Load(context.Background()))

	rec := f.registry.Devices()[0]
	assert.True(t, rec.Flags.Reachable.OK)
	assert.True(t, rec.Flags.Authenticated.OK)
	assert.False(t, rec.Flags.Configured.OK)
}

func TestLoadMergesAliasesForSameDevice(t *testing.T) {
	f := newTestFleet(t)
	// Both aliases reach hardware whose identity file holds remoteUUID.
	f.liveDevice("edge1", remoteUUID)
	f.liveDevice("edge2", remoteUUID)

	f.writeRoster(t, []*models.DeviceRecord{
		{Name: "edge1", UUID: remoteUUID, Net: models.NetworkIdentity{Hostname: "192.168.1.40"}, State: models.StateIdentityConfirmed},
		{Name: "edge2", UUID: models.NewTempUUID(), Net: models.NetworkIdentity{StaticIP: "192.168.1.41", MACs: []string{"AA:BB:CC:DD:EE:02"}}, State: models.StateIdentityPending},
	})

	require.NoError(t, f.registry.Load(context.Background()))

	devices := f.registry.Devices()
	require.Len(t, devices, 1, "a placeholder that resolves to an existing UUID is merged, not duplicated")

	rec := devices[0]
	assert.Equal(t, "edge1", rec.Name, "the established record survives")
	assert.Equal(t, remoteUUID, rec.UUID)
	assert.Equal(t, "192.168.1.41", rec.Net.StaticIP, "the absorbed record's hints are folded in")
	assert.Contains(t, rec.Net.MACs, "AA:BB:CC:DD:EE:02")

	// The merged roster is what gets persisted.
	data, err := os.ReadFile(f.cfg.RosterPath)
	require.NoError(t, err)

	var persisted []*models.DeviceRecord
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Len(t, persisted, 1)
}

func TestLoadConfirmedUUIDCollision(t *testing.T) {
	f := newTestFleet(t)
	// edge2 was confirmed as a different device, but its alias now reaches
	// the hardware that owns edge1's UUID.
	f.liveDevice("edge1", remoteUUID)
	f.liveDevice("edge2", remoteUUID)

	f.writeRoster(t, []*models.DeviceRecord{
		{Name: "edge1", UUID: remoteUUID, Net: models.NetworkIdentity{Hostname: "192.168.1.40"}, State: models.StateIdentityConfirmed},
		{Name: "edge2", UUID: otherUUID, Net: models.NetworkIdentity{Hostname: "192.168.1.41"}, State: models.StateIdentityConfirmed},
	})

	before, err := os.ReadFile(f.cfg.RosterPath)
	require.NoError(t, err)

	err = f.registry.Load(context.Background())
	require.ErrorIs(t, err, models.ErrIdentityConflict)

	assert.Empty(t, f.registry.Devices(), "a conflicted load installs nothing")

	after, err := os.ReadFile(f.cfg.RosterPath)
	require.NoError(t, err)
	assert.Equal(t, before, after, "a conflicted load persists nothing")
}

func TestLoadEnrichmentSeedsStaticIP(t *testing.T) {
	f := newTestFleet(t)
	f.liveDevice("edge1", remoteUUID)

	resolver := &recordingResolver{}
	f.registry.WithResolver(resolver)

	f.writeRoster(t, []*models.DeviceRecord{
		{Name: "edge1", Net: models.NetworkIdentity{StaticIP: "192.168.1.50"}},
	})

	require.NoError(t, f.registry.Load(context.Background()))

	require.Len(t, resolver.got, 1)
	assert.Equal(t, "192.168.1.50", resolver.got[0].IP, "a static IP anchors enrichment when no last IP is known")
}

func TestAddLiveDevice(t *testing.T) {
	f := newTestFleet(t)
	f.liveDevice("edge1", remoteUUID)
	require.NoError(t, f.registry.InitRoster())

	rec, err := f.registry.Add(context.Background(), "edge1")
	require.NoError(t, err)

	assert.Equal(t, remoteUUID, rec.UUID)
	assert.Equal(t, models.StateIdentityConfirmed, rec.State)
	assert.Equal(t, "pi", rec.Credentials.User)
	assert.Equal(t, "/keys/edge1_ed25519", rec.Credentials.PrivateKeyPath)

	// The addition is durable.
	data, err := os.ReadFile(f.cfg.RosterPath)
	require.NoError(t, err)

	var persisted []*models.DeviceRecord
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.Len(t, persisted, 1)
	assert.Equal(t, remoteUUID, persisted[0].UUID)
}

func TestAddUnreachableDeviceGetsPlaceholder(t *testing.T) {
	f := newTestFleet(t)
	require.NoError(t, f.registry.InitRoster())

	rec, err := f.registry.Add(context.Background(), "edge2")
	require.NoError(t, err)

	assert.True(t, models.IsTempUUID(rec.UUID))
	assert.Equal(t, models.StateIdentityPending, rec.State)
	assert.False(t, rec.Flags.Reachable.OK)
}

func TestAddUnknownAlias(t *testing.T) {
	f := newTestFleet(t)
	require.NoError(t, f.registry.InitRoster())

	_, err := f.registry.Add(context.Background(), "nouser")
	require.ErrorIs(t, err, models.ErrLookup)

	_, err = f.registry.Add(context.Background(), "never-mentioned")
	require.ErrorIs(t, err, models.ErrLookup)
}

func TestAddMalformedIdentityRefused(t *testing.T) {
	f := newTestFleet(t)
	sess := configuredSession()
	sess.files["~/.config/shoal/device_id"] = []byte("garbage\n")
	f.sessions["edge1"] = sess

	require.NoError(t, f.registry.InitRoster())

	_, err := f.registry.Add(context.Background(), "edge1")
	require.ErrorIs(t, err, models.ErrMalformedIdentity)
	assert.Empty(t, f.registry.Devices())
}

func TestAddConflictLeavesRosterUntouched(t *testing.T) {
	f := newTestFleet(t)
	f.liveDevice("edge1", remoteUUID)
	require.NoError(t, f.registry.InitRoster())

	_, err := f.registry.Add(context.Background(), "edge1")
	require.NoError(t, err)

	before, err := os.ReadFile(f.cfg.RosterPath)
	require.NoError(t, err)

	_, err = f.registry.Add(context.Background(), "edge1")
	require.ErrorIs(t, err, models.ErrConflict)

	after, err := os.ReadFile(f.cfg.RosterPath)
	require.NoError(t, err)
	assert.Equal(t, before, after, "a refused add must not rewrite the roster")
}

func TestAddConflictBySharedUUID(t *testing.T) {
	f := newTestFleet(t)
	// Two aliases that resolve to the same physical device.
	f.liveDevice("edge1", remoteUUID)
	f.liveDevice("edge2", remoteUUID)
	require.NoError(t, f.registry.InitRoster())

	_, err := f.registry.Add(context.Background(), "edge1")
	require.NoError(t, err)

	_, err = f.registry.Add(context.Background(), "edge2")
	require.ErrorIs(t, err, models.ErrConflict)
}

func TestConcurrentAddBothPersist(t *testing.T) {
	f := newTestFleet(t)
	f.liveDevice("edge1", remoteUUID)
	f.liveDevice("edge2", otherUUID)
	require.NoError(t, f.registry.InitRoster())

	names := []string{"edge1", "edge2"}
	errs := make([]error, len(names))

	var wg sync.WaitGroup

	for i, name := range names {
		wg.Add(1)

		go func(i int, name string) {
			defer wg.Done()

			_, errs[i] = f.registry.Add(context.Background(), name)
		}(i, name)
	}

	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	devices := f.registry.Devices()
	assert.Len(t, devices, 2)

	data, err := os.ReadFile(f.cfg.RosterPath)
	require.NoError(t, err)

	var persisted []*models.DeviceRecord
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.Len(t, persisted, 2)

	got := map[string]string{}
	for _, rec := range persisted {
		got[rec.Name] = rec.UUID
	}

	assert.Equal(t, map[string]string{"edge1": remoteUUID, "edge2": otherUUID}, got)
}

func TestRemove(t *testing.T) {
	f := newTestFleet(t)
	f.liveDevice("edge1", remoteUUID)
	require.NoError(t, f.registry.InitRoster())

	_, err := f.registry.Add(context.Background(), "edge1")
	require.NoError(t, err)

	require.ErrorIs(t, f.registry.Remove("edge9"), models.ErrNotFound)

	require.NoError(t, f.registry.Remove("edge1"))
	assert.Empty(t, f.registry.Devices())

	data, err := os.ReadFile(f.cfg.RosterPath)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))
}

func TestRemoveAmbiguousName(t *testing.T) {
	f := newTestFleet(t)

	f.writeRoster(t, []*models.DeviceRecord{
		{Name: "edge1", UUID: models.NewTempUUID()},
		{Name: "edge1", UUID: models.NewTempUUID()},
	})

	require.NoError(t, f.registry.Load(context.Background()))
	require.ErrorIs(t, f.registry.Remove("edge1"), models.ErrAmbiguous)
}

func TestGet(t *testing.T) {
	f := newTestFleet(t)
	f.liveDevice("edge1", remoteUUID)
	require.NoError(t, f.registry.InitRoster())

	_, err := f.registry.Add(context.Background(), "edge1")
	require.NoError(t, err)

	rec, err := f.registry.Get("edge1")
	require.NoError(t, err)
	assert.Equal(t, remoteUUID, rec.UUID)

	_, err = f.registry.Get("edge9")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestSavePersistsUnknownRosterKeys(t *testing.T) {
	f := newTestFleet(t)
	f.liveDevice("edge1", remoteUUID)

	require.NoError(t, os.MkdirAll(filepath.Dir(f.cfg.RosterPath), 0o700))
	require.NoError(t, os.WriteFile(f.cfg.RosterPath, []byte(`[
		{"name": "edge1", "network_identity": {"hostname": "192.168.1.40"}, "deploy_group": "lab-a"}
	]`), 0o600))

	require.NoError(t, f.registry.Load(context.Background()))

	data, err := os.ReadFile(f.cfg.RosterPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "deploy_group", "fields written by newer tooling survive a rewrite")
}
