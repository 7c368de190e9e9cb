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

package readiness

import (
	"context"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoal-run/shoal/pkg/fleet"
	"github.com/shoal-run/shoal/pkg/logger"
	"github.com/shoal-run/shoal/pkg/models"
)

const deviceUUID = "3f2b8e44-9c1d-4f6a-8c27-5b1e9d0a7c31"

type fakePortProber struct {
	open bool
}

func (f fakePortProber) IsPortOpen(context.Context, string, int, time.Duration) bool {
	return f.open
}

// fakeDeviceSession simulates one device's filesystem for classification.
type fakeDeviceSession struct {
	files map[string][]byte
	dirs  map[string]bool

	connectErr error
	dials      int
}

func newFakeDeviceSession() *fakeDeviceSession {
	return &fakeDeviceSession{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
	}
}

func (s *fakeDeviceSession) Connect(context.Context) error {
	s.dials++
	return s.connectErr
}

func (s *fakeDeviceSession) IsAlive() bool { return s.connectErr == nil }

func (s *fakeDeviceSession) Run(context.Context, string) (int, string, string, error) {
	return 0, "", "", nil
}

func (s *fakeDeviceSession) PathExists(_ context.Context, path string) (bool, error) {
	if _, ok := s.files[path]; ok {
		return true, nil
	}

	return s.dirs[path], nil
}

func (s *fakeDeviceSession) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %q", fs.ErrNotExist, path)
	}

	return data, nil
}

func (s *fakeDeviceSession) WriteFileExcl(_ context.Context, path string, data []byte) error {
	if _, ok := s.files[path]; ok {
		return fmt.Errorf("%w: %q", models.ErrIdentityExists, path)
	}

	s.files[path] = data

	return nil
}

func (s *fakeDeviceSession) EnsureDir(_ context.Context, path string) error {
	s.dirs[path] = true
	return nil
}

func (s *fakeDeviceSession) Close() error { return nil }

func newTestClassifier(open bool, sess *fakeDeviceSession, software SoftwareCheck) *Classifier {
	log := logger.NewTestLogger()
	reconciler := fleet.NewReconciler("~/.config/shoal", "device_id", log)

	factory := func(string, string, models.Credentials) fleet.DeviceSession { return sess }

	return NewClassifier(fakePortProber{open: open}, reconciler, factory, 22, time.Second, software, log)
}

func readyDevice() (*models.DeviceRecord, *fakeDeviceSession) {
	rec := &models.DeviceRecord{
		Name:        "edge1",
		Credentials: models.Credentials{User: "pi", PrivateKeyPath: "/keys/id_ed25519"},
	}

	sess := newFakeDeviceSession()
	sess.dirs["~/.config/shoal"] = true
	sess.files["~/.config/shoal/device_id"] = []byte(deviceUUID + "\n")

	return rec, sess
}

func TestClassifyNoCredentials(t *testing.T) {
	c := newTestClassifier(true, newFakeDeviceSession(), nil)

	_, err := c.Classify(context.Background(), &models.DeviceRecord{Name: "edge1"}, "192.168.1.40")
	require.ErrorIs(t, err, models.ErrNoCredentials)
}

func TestClassifyUnreachable(t *testing.T) {
	rec, sess := readyDevice()
	c := newTestClassifier(false, sess, nil)

	report, err := c.Classify(context.Background(), rec, "192.168.1.40")
	require.NoError(t, err)

	assert.Equal(t, Report{}, report)
	assert.False(t, report.Ready())
	assert.Zero(t, sess.dials, "no session is opened for an unreachable host")

	assert.False(t, rec.Flags.Reachable.OK)
	assert.False(t, rec.Flags.Reachable.CheckedAt.IsZero(), "even a failed check is timestamped")
}

func TestClassifyAuthFailureShortCircuits(t *testing.T) {
	rec, sess := readyDevice()
	sess.connectErr = fmt.Errorf("%w: all authentication methods failed", models.ErrAuthRejected)

	c := newTestClassifier(true, sess, nil)

	report, err := c.Classify(context.Background(), rec, "192.168.1.40")
	require.NoError(t, err)

	assert.True(t, report.Reachable)
	assert.False(t, report.Authenticated)
	assert.False(t, report.ConfigDirPresent)
	assert.False(t, report.Ready())
}

func TestClassifyUnconfiguredDevice(t *testing.T) {
	rec, _ := readyDevice()
	sess := newFakeDeviceSession() // connects, but has no config dir

	c := newTestClassifier(true, sess, nil)

	report, err := c.Classify(context.Background(), rec, "192.168.1.40")
	require.NoError(t, err)

	assert.True(t, report.Reachable)
	assert.True(t, report.Authenticated)
	assert.False(t, report.ConfigDirPresent)
	assert.False(t, rec.Flags.Configured.OK)
}

func TestClassifyFullPass(t *testing.T) {
	rec, sess := readyDevice()
	c := newTestClassifier(true, sess, nil)

	report, err := c.Classify(context.Background(), rec, "192.168.1.40")
	require.NoError(t, err)

	assert.True(t, report.Ready())
	assert.Equal(t, deviceUUID, rec.UUID)
	assert.Equal(t, models.StateIdentityConfirmed, rec.State)
	assert.True(t, rec.Flags.SoftwareReady.OK)
}

func TestClassifySoftwareCheckFailure(t *testing.T) {
	rec, sess := readyDevice()

	software := func(context.Context, *models.DeviceRecord, fleet.DeviceSession) bool { return false }
	c := newTestClassifier(true, sess, software)

	report, err := c.Classify(context.Background(), rec, "192.168.1.40")
	require.NoError(t, err)

	assert.True(t, report.IdentityConfirmed)
	assert.False(t, report.SoftwareReady)
	assert.False(t, report.Ready())
	assert.False(t, rec.Flags.SoftwareReady.OK)
}

func TestClassifyRereadsIdentityDespiteCachedState(t *testing.T) {
	rec, sess := readyDevice()

	// The cached record claims a different confirmed UUID; the alias now
	// reaches hardware owning deviceUUID.
	rec.UUID = "9a74c2d0-1be3-4e58-b6f1-02d9e8a45c77"
	rec.State = models.StateIdentityConfirmed

	c := newTestClassifier(true, sess, nil)

	report, err := c.Classify(context.Background(), rec, "192.168.1.40")
	require.NoError(t, err)

	assert.True(t, report.IdentityConfirmed)
	assert.Equal(t, deviceUUID, rec.UUID, "the live identity file wins over the cache")
}

func TestReportChecksOrdered(t *testing.T) {
	checks := Report{Reachable: true, Authenticated: true}.Checks()

	names := make([]string, 0, len(checks))
	for _, c := range checks {
		names = append(names, c.Name)
	}

	assert.Equal(t, []string{"reachable", "authenticated", "config_dir_present", "identity_confirmed", "software_ready"}, names)
}
