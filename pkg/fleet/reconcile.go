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
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/google/uuid"

	"github.com/shoal-run/shoal/pkg/logger"
	"github.com/shoal-run/shoal/pkg/models"
	"github.com/shoal-run/shoal/pkg/remote"
)

// DeviceSession is the slice of remote.Session the fleet layer drives.
type DeviceSession interface {
	Connect(ctx context.Context) error
	IsAlive() bool
	Run(ctx context.Context, cmd string) (int, string, string, error)
	PathExists(ctx context.Context, remotePath string) (bool, error)
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)
	WriteFileExcl(ctx context.Context, remotePath string, data []byte) error
	EnsureDir(ctx context.Context, remotePath string) error
	Close() error
}

var _ DeviceSession = (*remote.Session)(nil)

// Reconciler drives a device record through the identity state machine:
// unidentified or pending records become confirmed by reading (or writing,
// then re-reading) the device's persisted identity file. The remote value
// is always authoritative.
type Reconciler struct {
	remoteConfigDir  string
	identityFileName string
	logger           logger.Logger
}

func NewReconciler(remoteConfigDir, identityFileName string, log logger.Logger) *Reconciler {
	return &Reconciler{
		remoteConfigDir:  remoteConfigDir,
		identityFileName: identityFileName,
		logger:           log,
	}
}

func (r *Reconciler) identityPath() string {
	return remote.Join(r.remoteConfigDir, r.identityFileName)
}

// ConfigDirPresent reports whether the device's config directory exists,
// which is the sole signal that the device has been set up.
func (r *Reconciler) ConfigDirPresent(ctx context.Context, sess DeviceSession) (bool, error) {
	return sess.PathExists(ctx, r.remoteConfigDir)
}

// Reconcile resolves rec's durable identity against the live device. The
// session must already be connected. On success rec holds the confirmed
// remote UUID; a temp placeholder or stale local value is overwritten.
//
// Liveness does not imply a previously confirmed identity is still valid:
// the alias may now point at different hardware, so the identity file is
// re-read every time rather than trusting the cache.
func (r *Reconciler) Reconcile(ctx context.Context, rec *models.DeviceRecord, sess DeviceSession) error {
	configured, err := r.ConfigDirPresent(ctx, sess)
	if err != nil {
		rec.State = models.StateUnreachable
		return err
	}

	if !configured {
		return fmt.Errorf("%w: %s has no config directory at %s", models.ErrNotSetup, rec.Name, r.remoteConfigDir)
	}

	remoteID, err := r.readRemoteUUID(ctx, rec, sess)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if errors.Is(err, fs.ErrNotExist) {
		remoteID, err = r.assignUUID(ctx, rec, sess)
		if err != nil {
			return err
		}
	}

	if rec.Confirmed() && rec.UUID != remoteID.String() {
		r.logger.Warn().
			Str("device", rec.Name).
			Str("local_uuid", rec.UUID).
			Str("remote_uuid", remoteID.String()).
			Msg("cached UUID disagrees with device; adopting remote value")
	}

	rec.UUID = remoteID.String()
	rec.State = models.StateIdentityConfirmed

	return nil
}

// readRemoteUUID reads and parses the device's identity file. A missing
// file is fs.ErrNotExist; malformed content is a hard error, never coerced.
func (r *Reconciler) readRemoteUUID(ctx context.Context, rec *models.DeviceRecord, sess DeviceSession) (uuid.UUID, error) {
	data, err := sess.ReadFile(ctx, r.identityPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return uuid.Nil, err
		}

		rec.State = models.StateUnreachable

		return uuid.Nil, err
	}

	parsed, err := uuid.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s holds %q", models.ErrMalformedIdentity, rec.Name, strings.TrimSpace(string(data)))
	}

	return parsed, nil
}

// assignUUID writes a freshly generated UUID to the device with a
// create-if-absent write, then re-reads to confirm. If another process won
// the race the re-read returns its value, which wins.
func (r *Reconciler) assignUUID(ctx context.Context, rec *models.DeviceRecord, sess DeviceSession) (uuid.UUID, error) {
	fresh := uuid.New()

	err := sess.WriteFileExcl(ctx, r.identityPath(), []byte(fresh.String()+"\n"))
	if err != nil && !errors.Is(err, models.ErrIdentityExists) {
		return uuid.Nil, err
	}

	if errors.Is(err, models.ErrIdentityExists) {
		r.logger.Debug().Str("device", rec.Name).Msg("identity file appeared concurrently; adopting its value")
	}

	confirmed, err := r.readRemoteUUID(ctx, rec, sess)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return uuid.Nil, fmt.Errorf("%w: identity file vanished after write on %s", models.ErrSessionDropped, rec.Name)
		}

		return uuid.Nil, err
	}

	return confirmed, nil
}
