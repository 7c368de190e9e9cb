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

// Package fleet owns the roster of known devices: loading and persisting
// it, reconciling cached records against live device state, and answering
// membership and filter queries.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/creachadair/atomicfile"
	"github.com/creachadair/taskgroup"

	"github.com/shoal-run/shoal/pkg/config"
	"github.com/shoal-run/shoal/pkg/identity"
	"github.com/shoal-run/shoal/pkg/logger"
	"github.com/shoal-run/shoal/pkg/models"
	"github.com/shoal-run/shoal/pkg/probe"
	"github.com/shoal-run/shoal/pkg/remote"
	"github.com/shoal-run/shoal/pkg/remote/sshcfg"
)

const rosterFileMode = 0o600

// SessionFactory opens a DeviceSession for one record. Swapped out by
// tests.
type SessionFactory func(name, host string, creds models.Credentials) DeviceSession

// IdentityResolver is the slice of identity.Resolver the registry drives.
type IdentityResolver interface {
	Resolve(ctx context.Context, partial identity.Partial, tenacity int) (identity.Partial, error)
}

// Registry is the fleet roster. Per-device refresh runs in parallel;
// roster mutation is a single-writer critical section.
type Registry struct {
	cfg        config.Config
	reconciler *Reconciler
	prober     *probe.Prober
	resolver   IdentityResolver
	sessions   SessionFactory
	logger     logger.Logger

	mu      sync.Mutex
	devices []*models.DeviceRecord
}

func NewRegistry(cfg config.Config, log logger.Logger) *Registry {
	prober := probe.New(cfg.ProbeTimeout.AsDuration(), log)

	r := &Registry{
		cfg:        cfg,
		reconciler: NewReconciler(cfg.RemoteConfigDir, cfg.IdentityFileName, log),
		prober:     prober,
		resolver:   identity.NewResolver(prober, cfg.LANCIDR, cfg.SSHPort, log),
		logger:     log,
	}

	r.sessions = func(name, host string, creds models.Credentials) DeviceSession {
		return remote.NewSession(name, host, cfg.SSHPort, creds, cfg.ConnectTimeout.AsDuration(), log)
	}

	return r
}

// WithSessionFactory overrides how device sessions are opened. Used by
// tests.
func (r *Registry) WithSessionFactory(f SessionFactory) *Registry {
	r.sessions = f
	return r
}

// WithResolver overrides identity enrichment. Used by tests.
func (r *Registry) WithResolver(res IdentityResolver) *Registry {
	r.resolver = res
	return r
}

// Prober exposes the registry's network probe primitives.
func (r *Registry) Prober() *probe.Prober { return r.prober }

// Reconciler exposes the identity reconciler for readiness checks.
func (r *Registry) Reconciler() *Reconciler { return r.reconciler }

// InitRoster creates the controller's config directory and an empty roster
// file. Idempotent; an existing roster is left alone.
func (r *Registry) InitRoster() error {
	if _, err := os.Stat(r.cfg.RosterPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(r.cfg.RosterPath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := atomicfile.WriteAll(r.cfg.RosterPath, bytes.NewReader([]byte("[]\n")), rosterFileMode); err != nil {
		return fmt.Errorf("failed to create roster file: %w", err)
	}

	return nil
}

// Load reads the persisted roster and refreshes every device in parallel.
// One device failing to resolve or connect does not abort the rest: that
// device stays in the roster with its reachable flag cleared. Records that
// turn out to share a confirmed UUID are merged before anything is
// persisted. The final roster order is the file order.
func (r *Registry) Load(ctx context.Context) error {
	data, err := os.ReadFile(r.cfg.RosterPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: no roster at %q; run `shoal setup` first", models.ErrNotSetup, r.cfg.RosterPath)
		}

		return fmt.Errorf("failed to read roster %q: %w", r.cfg.RosterPath, err)
	}

	var devices []*models.DeviceRecord
	if err := json.Unmarshal(data, &devices); err != nil {
		return fmt.Errorf("failed to parse roster %q: %w", r.cfg.RosterPath, err)
	}

	workers := r.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	// Remember which records held a confirmed UUID before the refresh:
	// the merge below needs to distinguish a placeholder that just learned
	// its identity from a genuine two-records-one-UUID violation.
	confirmedBefore := make(map[*models.DeviceRecord]bool, len(devices))
	for _, rec := range devices {
		confirmedBefore[rec] = rec.Confirmed()
	}

	g := taskgroup.New(nil)
	_, start := g.Limit(workers)

	for _, rec := range devices {
		rec := rec

		start(func() error {
			r.refresh(ctx, rec)
			return nil
		})
	}

	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		// Abandoned mid-load; do not persist partially refreshed state.
		return err
	}

	merged, err := r.mergeDuplicateUUIDs(devices, confirmedBefore)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.devices = merged
	err = r.saveLocked()
	r.mu.Unlock()

	return err
}

// mergeDuplicateUUIDs enforces the roster invariant that no two records
// share a confirmed UUID. Two ssh aliases can reach the same physical
// device; once a placeholder record learns its true UUID it is folded into
// the record that already held it, keeping the earlier record's roster
// position. Two records that were both confirmed before the refresh and now
// collide are a data-integrity violation, not a merge.
func (r *Registry) mergeDuplicateUUIDs(devices []*models.DeviceRecord, confirmedBefore map[*models.DeviceRecord]bool) ([]*models.DeviceRecord, error) {
	survivors := make(map[string]*models.DeviceRecord)

	for _, rec := range devices {
		if !rec.Confirmed() {
			continue
		}

		prev, ok := survivors[rec.UUID]
		if !ok {
			survivors[rec.UUID] = rec
			continue
		}

		if confirmedBefore[prev] && confirmedBefore[rec] {
			return nil, fmt.Errorf("%w: %q and %q both hold %s",
				models.ErrIdentityConflict, prev.Name, rec.Name, rec.UUID)
		}

		survivor, absorbed := prev, rec
		if confirmedBefore[rec] && !confirmedBefore[prev] {
			survivor, absorbed = rec, prev
		}

		mergeHints(survivor, absorbed)
		survivors[rec.UUID] = survivor

		r.logger.Info().
			Str("kept", survivor.Name).
			Str("absorbed", absorbed.Name).
			Str("uuid", survivor.UUID).
			Msg("two roster entries reached the same device; merging")
	}

	out := make([]*models.DeviceRecord, 0, len(devices))
	seen := make(map[string]bool, len(survivors))

	for _, rec := range devices {
		if !rec.Confirmed() {
			out = append(out, rec)
			continue
		}

		if seen[rec.UUID] {
			continue
		}

		seen[rec.UUID] = true
		out = append(out, survivors[rec.UUID])
	}

	return out, nil
}

// mergeHints folds the absorbed record's network hints into the survivor.
func mergeHints(dst, src *models.DeviceRecord) {
	if dst.Net.LastIP == "" {
		dst.Net.LastIP = src.Net.LastIP
	}

	if dst.Net.StaticIP == "" {
		dst.Net.StaticIP = src.Net.StaticIP
	}

	if dst.Net.Hostname == "" {
		dst.Net.Hostname = src.Net.Hostname
	}

	for _, mac := range src.Net.MACs {
		dst.Net.AddMAC(mac)
	}
}

// refresh reconciles one record against the live device. It works on a
// copy and installs the result only when the device conversation finishes,
// so an abandoned refresh never leaves a half-updated record behind.
func (r *Registry) refresh(ctx context.Context, rec *models.DeviceRecord) {
	candidate := *rec

	err := r.resolveDevice(ctx, &candidate)

	if ctx.Err() != nil {
		// Abandoned: keep the prior record untouched so partial state is
		// never persisted.
		return
	}

	switch {
	case err == nil:
		*rec = candidate
	case errors.Is(err, models.ErrAuthRejected):
		rec.Flags.Reachable.Set(true)
		rec.Flags.Authenticated.Set(false)
		rec.State = models.StateUnreachable
		r.logger.Warn().Err(err).Str("device", rec.Name).Msg("device rejected stored credentials")
	case errors.Is(err, models.ErrNotSetup):
		rec.Flags.Reachable.Set(true)
		rec.Flags.Authenticated.Set(true)
		rec.Flags.Configured.Set(false)
		r.logger.Warn().Err(err).Str("device", rec.Name).Msg("device is not set up")
	default:
		rec.Flags.Reachable.Set(false)
		rec.State = models.StateUnreachable
		r.logger.Warn().Err(err).Str("device", rec.Name).Msg("device refresh failed")
	}
}

// resolveDevice opens a session, reconciles identity, and enriches the
// record's network identity hints.
func (r *Registry) resolveDevice(ctx context.Context, rec *models.DeviceRecord) error {
	host := connectHost(rec)
	if host == "" {
		return fmt.Errorf("%w: record %q has no host hint", models.ErrNoAnchor, rec.Name)
	}

	sess := r.sessions(rec.Name, host, rec.Credentials)
	defer sess.Close()

	if err := sess.Connect(ctx); err != nil {
		return err
	}

	rec.Flags.Reachable.Set(true)
	rec.Flags.Authenticated.Set(true)

	if err := r.reconciler.Reconcile(ctx, rec, sess); err != nil {
		return err
	}

	rec.Flags.Configured.Set(true)
	r.enrichIdentity(ctx, rec)

	return nil
}

// enrichIdentity fills network identity hints best-effort. Failures here
// never fail the refresh; hints are hints.
func (r *Registry) enrichIdentity(ctx context.Context, rec *models.DeviceRecord) {
	partial := identity.Partial{
		IP:       rec.Net.LastIP,
		Hostname: rec.Net.Hostname,
	}

	if partial.IP == "" {
		partial.IP = rec.Net.StaticIP
	}

	if len(rec.Net.MACs) > 0 {
		partial.MAC = rec.Net.MACs[0]
	}

	resolved, err := r.resolver.Resolve(ctx, partial, 2)
	if err != nil {
		r.logger.Debug().Err(err).Str("device", rec.Name).Msg("identity enrichment skipped")
		return
	}

	if resolved.IP != "" {
		rec.Net.LastIP = resolved.IP
	}

	if resolved.Hostname != "" && rec.Net.Hostname == "" {
		rec.Net.Hostname = resolved.Hostname
	}

	rec.Net.AddMAC(resolved.MAC)
}

// Add looks up an ssh-config alias, drives the new record through
// reconciliation, and appends it to the roster. A duplicate name or
// confirmed UUID aborts with ErrConflict and leaves the persisted roster
// untouched.
func (r *Registry) Add(ctx context.Context, name string) (*models.DeviceRecord, error) {
	entry, err := sshcfg.Lookup(r.cfg.SSHConfigPath, name)
	if err != nil {
		return nil, err
	}

	rec := &models.DeviceRecord{
		Name:        name,
		Credentials: entry.Credentials(),
		Net:         models.NetworkIdentity{Hostname: entry.HostName},
		State:       models.StateUnidentified,
	}

	if err := r.resolveDevice(ctx, rec); err != nil {
		switch {
		case errors.Is(err, models.ErrMalformedIdentity):
			return nil, err
		case errors.Is(err, models.ErrNotSetup):
			return nil, err
		default:
			// The device is unreachable right now. Hold its place with a
			// temporary UUID; reconciliation replaces it on next contact.
			rec.UUID = models.NewTempUUID()
			rec.State = models.StateIdentityPending
			rec.Flags.Reachable.Set(false)
			r.logger.Warn().Err(err).Str("device", name).Msg("adding device without live identity")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.devices {
		if existing.Name == rec.Name {
			return nil, fmt.Errorf("%w: display name %q", models.ErrConflict, rec.Name)
		}

		if existing.Equal(rec) {
			return nil, fmt.Errorf("%w: UUID %s already belongs to %q", models.ErrConflict, rec.UUID, existing.Name)
		}
	}

	r.devices = append(r.devices, rec)

	if err := r.saveLocked(); err != nil {
		r.devices = r.devices[:len(r.devices)-1]
		return nil, err
	}

	return rec, nil
}

// Remove deletes a device by display name. A duplicate name in the roster
// is a data-integrity violation and is surfaced, not silently resolved.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	matches := make([]int, 0, 1)

	for i, rec := range r.devices {
		if rec.Name == name {
			matches = append(matches, i)
		}
	}

	switch len(matches) {
	case 0:
		return fmt.Errorf("%w: %q", models.ErrNotFound, name)
	case 1:
	default:
		return fmt.Errorf("%w: %q appears %d times", models.ErrAmbiguous, name, len(matches))
	}

	i := matches[0]
	removed := r.devices[i]
	r.devices = append(r.devices[:i], r.devices[i+1:]...)

	if err := r.saveLocked(); err != nil {
		r.devices = append(r.devices[:i], append([]*models.DeviceRecord{removed}, r.devices[i:]...)...)
		return err
	}

	return nil
}

// Filter returns the devices matching every given predicate, in roster
// order.
func (r *Registry) Filter(filters ...Filter) []*models.DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(filters) > 0 {
		keys := make([]string, len(filters))
		for i, f := range filters {
			keys[i] = f.Key()
		}

		r.logger.Debug().Strs("filters", keys).Msg("filtering roster")
	}

	var out []*models.DeviceRecord

	for _, rec := range r.devices {
		match := true

		for _, f := range filters {
			if !f.Match(rec) {
				match = false
				break
			}
		}

		if match {
			out = append(out, rec)
		}
	}

	return out
}

// Devices returns the roster in order.
func (r *Registry) Devices() []*models.DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.DeviceRecord, len(r.devices))
	copy(out, r.devices)

	return out
}

// Get returns the single device with the given display name.
func (r *Registry) Get(name string) (*models.DeviceRecord, error) {
	matches := r.Filter(ByName(name))

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %q", models.ErrNotFound, name)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %q appears %d times", models.ErrAmbiguous, name, len(matches))
	}
}

// SessionFor opens a session to an arbitrary host with the given
// credentials.
func (r *Registry) SessionFor(name, host string, creds models.Credentials) DeviceSession {
	return r.sessions(name, host, creds)
}

// Session opens a session for a roster device using its stored host hints.
func (r *Registry) Session(rec *models.DeviceRecord) (DeviceSession, error) {
	host := connectHost(rec)
	if host == "" {
		return nil, fmt.Errorf("%w: record %q has no host hint", models.ErrNoAnchor, rec.Name)
	}

	return r.sessions(rec.Name, host, rec.Credentials), nil
}

// Save persists the roster.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.saveLocked()
}

// saveLocked serializes the roster and commits it with an atomic replace:
// the new content is written to a temp file, verified to parse, and only
// then renamed over the old roster. A failed write leaves the prior
// content in place.
func (r *Registry) saveLocked() error {
	devices := r.devices
	if devices == nil {
		devices = []*models.DeviceRecord{}
	}

	data, err := json.MarshalIndent(devices, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize roster: %w", err)
	}

	var verify []*models.DeviceRecord
	if err := json.Unmarshal(data, &verify); err != nil {
		return fmt.Errorf("refusing to persist unparseable roster: %w", err)
	}

	data = append(data, '\n')

	if _, err := atomicfile.WriteAll(r.cfg.RosterPath, bytes.NewReader(data), rosterFileMode); err != nil {
		return fmt.Errorf("failed to persist roster to %q: %w", r.cfg.RosterPath, err)
	}

	return nil
}

// ScanResult is one responsive host found by LAN discovery.
type ScanResult struct {
	IP       string
	MAC      string
	Hostname string
}

// Scan sweeps a CIDR block for hosts answering on the SSH port and
// enriches each hit with best-effort MAC and hostname lookups.
func (r *Registry) Scan(ctx context.Context, cidr string) ([]ScanResult, error) {
	if cidr == "" {
		cidr = r.cfg.LANCIDR
	}

	hosts, err := r.prober.Sweep(ctx, cidr, r.cfg.SSHPort, r.cfg.Workers)
	if err != nil {
		return nil, err
	}

	results := make([]ScanResult, 0, len(hosts))

	for _, host := range hosts {
		res := ScanResult{IP: host}

		if mac, ok := r.prober.ResolveMAC(ctx, host, 2, 50*time.Millisecond); ok {
			res.MAC = mac
		}

		if hostname, ok := r.prober.ResolveHostname(ctx, host); ok {
			res.Hostname = hostname
		}

		results = append(results, res)
	}

	return results, nil
}

// connectHost picks the best host hint for reaching a device.
func connectHost(rec *models.DeviceRecord) string {
	switch {
	case rec.Net.StaticIP != "":
		return rec.Net.StaticIP
	case rec.Net.Hostname != "":
		return rec.Net.Hostname
	default:
		return rec.Net.LastIP
	}
}
