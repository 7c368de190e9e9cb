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

// Package identity fills in missing network identity fields (IP, MAC,
// hostname) by cross-referencing probe results, with a bounded retry
// budget controlled by a tenacity level.
package identity

import (
	"context"
	"strings"
	"time"

	"github.com/shoal-run/shoal/pkg/logger"
	"github.com/shoal-run/shoal/pkg/models"
)

const (
	MinTenacity = 1
	MaxTenacity = 5

	baseWait = 20 * time.Millisecond
)

// Partial is a best-effort network identity. Any subset of fields may be
// populated; Resolve tries to fill the rest.
type Partial struct {
	IP       string
	MAC      string
	Hostname string
}

func (p Partial) Complete() bool {
	return p.IP != "" && p.MAC != "" && p.Hostname != ""
}

func (p Partial) anchored() bool {
	return p.IP != "" || p.MAC != "" || p.Hostname != ""
}

// Convert clamps a tenacity level to [MinTenacity, MaxTenacity] and maps it
// to probe attempts, the wait between attempts, and the number of extra
// enrichment passes. Attempts and wait are non-decreasing in tenacity, and
// only levels above MinTenacity earn extra passes, so low-effort calls
// never loop.
func Convert(tenacity int) (attempts int, wait time.Duration, budget int) {
	if tenacity < MinTenacity {
		tenacity = MinTenacity
	}

	if tenacity > MaxTenacity {
		tenacity = MaxTenacity
	}

	attempts = tenacity
	wait = baseWait << (tenacity - 1)

	switch {
	case tenacity == MinTenacity:
		budget = 0
	case tenacity == MaxTenacity:
		budget = 2
	default:
		budget = 1
	}

	return attempts, wait, budget
}

// Prober is the subset of probe operations the resolver needs.
type Prober interface {
	ResolveMAC(ctx context.Context, host string, attempts int, interval time.Duration) (string, bool)
	ResolveHostname(ctx context.Context, ip string) (string, bool)
	ResolveIP(ctx context.Context, hostname string) (string, bool)
	Sweep(ctx context.Context, cidr string, port, concurrency int) ([]string, error)
}

type Resolver struct {
	prober  Prober
	lanCIDR string
	sshPort int
	logger  logger.Logger
}

func NewResolver(prober Prober, lanCIDR string, sshPort int, log logger.Logger) *Resolver {
	return &Resolver{
		prober:  prober,
		lanCIDR: lanCIDR,
		sshPort: sshPort,
		logger:  log,
	}
}

// Resolve fills missing fields of partial from the ones already known. It
// runs one enrichment pass, then spends the tenacity-derived budget on
// further passes while fields remain unresolved. Calling with no anchor
// field at all is a caller contract violation, not a retryable failure.
func (r *Resolver) Resolve(ctx context.Context, partial Partial, tenacity int) (Partial, error) {
	if !partial.anchored() {
		return partial, models.ErrNoAnchor
	}

	attempts, wait, budget := Convert(tenacity)

	cur := partial

	for {
		r.fill(ctx, &cur, attempts, wait)

		if cur.Complete() || budget <= 0 || ctx.Err() != nil {
			break
		}

		budget--
	}

	return cur, ctx.Err()
}

// fill runs a single enrichment pass over the missing fields.
func (r *Resolver) fill(ctx context.Context, cur *Partial, attempts int, wait time.Duration) {
	if cur.IP == "" && cur.Hostname != "" {
		if ip, ok := r.prober.ResolveIP(ctx, cur.Hostname); ok {
			cur.IP = ip
		}
	}

	if cur.IP == "" && cur.MAC != "" {
		if ip, ok := r.findByMAC(ctx, cur.MAC); ok {
			cur.IP = ip
		}
	}

	if cur.MAC == "" && cur.IP != "" {
		if mac, ok := r.prober.ResolveMAC(ctx, cur.IP, attempts, wait); ok {
			cur.MAC = mac
		}
	}

	if cur.Hostname == "" && cur.IP != "" {
		if hostname, ok := r.prober.ResolveHostname(ctx, cur.IP); ok {
			cur.Hostname = hostname
		}
	}
}

// findByMAC sweeps the configured LAN block and matches each responsive
// host's hardware address against mac.
func (r *Resolver) findByMAC(ctx context.Context, mac string) (string, bool) {
	hosts, err := r.prober.Sweep(ctx, r.lanCIDR, r.sshPort, 0)
	if err != nil {
		r.logger.Warn().Err(err).Str("cidr", r.lanCIDR).Msg("LAN sweep for MAC match failed")
		return "", false
	}

	for _, host := range hosts {
		got, ok := r.prober.ResolveMAC(ctx, host, 1, 0)
		if ok && strings.EqualFold(got, mac) {
			return host, true
		}
	}

	return "", false
}
