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

// Package readiness classifies devices through a fixed pipeline of
// capability checks and wraps the external setup and validation scripts.
package readiness

import (
	"context"
	"time"

	"github.com/shoal-run/shoal/pkg/fleet"
	"github.com/shoal-run/shoal/pkg/logger"
	"github.com/shoal-run/shoal/pkg/models"
)

// Report is the structured outcome of one classification run. Checks are
// listed in dependency order; a failed prerequisite short-circuits every
// later check to false.
type Report struct {
	Reachable         bool
	Authenticated     bool
	ConfigDirPresent  bool
	IdentityConfirmed bool
	SoftwareReady     bool
}

// Ready reports whether every check passed.
func (r Report) Ready() bool {
	return r.Reachable && r.Authenticated && r.ConfigDirPresent &&
		r.IdentityConfirmed && r.SoftwareReady
}

// Checks returns the report as ordered (name, passed) pairs for display.
func (r Report) Checks() []struct {
	Name   string
	Passed bool
} {
	return []struct {
		Name   string
		Passed bool
	}{
		{"reachable", r.Reachable},
		{"authenticated", r.Authenticated},
		{"config_dir_present", r.ConfigDirPresent},
		{"identity_confirmed", r.IdentityConfirmed},
		{"software_ready", r.SoftwareReady},
	}
}

// PortProber is the single probe primitive the classifier needs.
type PortProber interface {
	IsPortOpen(ctx context.Context, host string, port int, timeout time.Duration) bool
}

// SoftwareCheck delegates the final pipeline stage to the external
// setup-validation script contract.
type SoftwareCheck func(ctx context.Context, rec *models.DeviceRecord, sess fleet.DeviceSession) bool

type Classifier struct {
	prober     PortProber
	reconciler *fleet.Reconciler
	sessions   fleet.SessionFactory
	sshPort    int
	timeout    time.Duration
	software   SoftwareCheck
	logger     logger.Logger
}

func NewClassifier(prober PortProber, reconciler *fleet.Reconciler, sessions fleet.SessionFactory,
	sshPort int, timeout time.Duration, software SoftwareCheck, log logger.Logger) *Classifier {
	return &Classifier{
		prober:     prober,
		reconciler: reconciler,
		sessions:   sessions,
		sshPort:    sshPort,
		timeout:    timeout,
		software:   software,
		logger:     log,
	}
}

// Classify runs the check pipeline against one device and updates its
// capability flags. Individual check failures never surface as errors;
// only a caller contract violation (a device with no credentials at all)
// does.
func (c *Classifier) Classify(ctx context.Context, rec *models.DeviceRecord, host string) (Report, error) {
	if rec.Credentials.User == "" {
		return Report{}, models.ErrNoCredentials
	}

	var report Report

	defer func() {
		rec.Flags.Reachable.Set(report.Reachable)
		rec.Flags.Authenticated.Set(report.Authenticated)
		rec.Flags.Configured.Set(report.ConfigDirPresent)
		rec.Flags.SoftwareReady.Set(report.SoftwareReady)
	}()

	report.Reachable = c.prober.IsPortOpen(ctx, host, c.sshPort, c.timeout)
	if !report.Reachable {
		return report, nil
	}

	sess := c.sessions(rec.Name, host, rec.Credentials)
	defer sess.Close()

	if err := sess.Connect(ctx); err != nil {
		c.logger.Debug().Err(err).Str("device", rec.Name).Msg("authentication check failed")
		return report, nil
	}

	report.Authenticated = true

	configured, err := c.reconciler.ConfigDirPresent(ctx, sess)
	if err != nil || !configured {
		return report, nil
	}

	report.ConfigDirPresent = true

	// Reconcile even when the cached state says confirmed: the alias may
	// now reach different hardware, so the identity file is re-read rather
	// than trusted.
	if err := c.reconciler.Reconcile(ctx, rec, sess); err != nil {
		c.logger.Debug().Err(err).Str("device", rec.Name).Msg("identity check failed")
		return report, nil
	}

	report.IdentityConfirmed = rec.State == models.StateIdentityConfirmed
	if !report.IdentityConfirmed {
		return report, nil
	}

	if c.software == nil {
		report.SoftwareReady = true
		return report, nil
	}

	report.SoftwareReady = c.software(ctx, rec, sess)

	return report, nil
}
