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

// Package probe provides stateless network primitives: TCP reachability,
// MAC lookup with repeated-probe confidence boosting, reverse DNS, and
// CIDR host enumeration.
package probe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/shoal-run/shoal/pkg/logger"
)

// ZeroMAC is the well-known invalid all-zero hardware address. ARP tables
// report it for incomplete entries; it is never a usable answer.
const ZeroMAC = "00:00:00:00:00:00"

const defaultProbeTimeout = 2 * time.Second

type Prober struct {
	timeout  time.Duration
	arp      ARPSource
	resolver *net.Resolver
	logger   logger.Logger
}

func New(timeout time.Duration, log logger.Logger) *Prober {
	if timeout == 0 {
		timeout = defaultProbeTimeout
	}

	return &Prober{
		timeout:  timeout,
		arp:      systemARPSource{},
		resolver: net.DefaultResolver,
		logger:   log,
	}
}

// WithARPSource overrides the ARP table source. Used by tests.
func (p *Prober) WithARPSource(src ARPSource) *Prober {
	p.arp = src
	return p
}

// IsPortOpen attempts a TCP handshake against host:port. It returns false
// on timeout or refusal and never errors for normal network failure. The
// socket is closed on every exit path.
func (p *Prober) IsPortOpen(ctx context.Context, host string, port int, timeout time.Duration) bool {
	if timeout == 0 {
		timeout = p.timeout
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer

	conn, err := dialer.DialContext(probeCtx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}

	if err := conn.Close(); err != nil {
		p.logger.Error().Err(err).Str("host", host).Msg("failed to close probe connection")
	}

	return true
}

// ResolveMAC looks up the hardware address for a host, retrying up to
// attempts times spaced interval apart. Single-shot ARP resolution is
// unreliable on busy or sleep-cycling networks; repetition materially
// improves the hit rate. The all-zero MAC is discarded no matter how often
// the table reports it.
func (p *Prober) ResolveMAC(ctx context.Context, host string, attempts int, interval time.Duration) (string, bool) {
	if attempts < 1 {
		attempts = 1
	}

	ip := host
	if net.ParseIP(ip) == nil {
		resolved, ok := p.ResolveIP(ctx, host)
		if !ok {
			return "", false
		}

		ip = resolved
	}

	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return "", false
			case <-time.After(interval):
			}
		}

		p.primeARP(ctx, ip)

		mac, ok := p.arp.Lookup(ip)
		if ok && mac != ZeroMAC && mac != "" {
			return strings.ToUpper(mac), true
		}
	}

	return "", false
}

// primeARP nudges the kernel into resolving the neighbor entry by starting
// a short TCP dial. The connection outcome is irrelevant; the ARP exchange
// happens either way.
func (p *Prober) primeARP(ctx context.Context, ip string) {
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var dialer net.Dialer

	conn, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(ip, "22"))
	if err == nil {
		_ = conn.Close()
	}
}

// ResolveHostname reverse-resolves an IP address. Returns ok=false on any
// failure; never errors.
func (p *Prober) ResolveHostname(ctx context.Context, ip string) (string, bool) {
	lookupCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	names, err := p.resolver.LookupAddr(lookupCtx, ip)
	if err != nil || len(names) == 0 {
		return "", false
	}

	return strings.TrimSuffix(names[0], "."), true
}

// ResolveIP forward-resolves a hostname to its first address. Returns
// ok=false on any failure; never errors.
func (p *Prober) ResolveIP(ctx context.Context, hostname string) (string, bool) {
	lookupCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	addrs, err := p.resolver.LookupHost(lookupCtx, hostname)
	if err != nil || len(addrs) == 0 {
		return "", false
	}

	return addrs[0], true
}
