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

package probe

import "net"

// HostIter walks the usable host addresses of a CIDR block lazily, in
// address order, excluding the network and broadcast addresses. Reset
// restarts iteration from the first host.
type HostIter struct {
	ipnet   *net.IPNet
	cur     net.IP
	started bool
}

// NewHostIter parses cidr and positions the iterator before the first host.
func NewHostIter(cidr string) (*HostIter, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}

	it := &HostIter{ipnet: ipnet}
	it.Reset()

	return it, nil
}

func (it *HostIter) Reset() {
	it.cur = cloneIP(it.ipnet.IP.Mask(it.ipnet.Mask))
	it.started = false
}

// Next returns the next usable host address, or ok=false when the block is
// exhausted.
func (it *HostIter) Next() (string, bool) {
	if !it.started {
		it.started = true

		// A full-length mask is a single-host block with no network or
		// broadcast address to exclude.
		if ones, bits := it.ipnet.Mask.Size(); ones == bits {
			return it.cur.String(), true
		}
	}

	for {
		incIP(it.cur)

		if !it.ipnet.Contains(it.cur) {
			return "", false
		}

		ones, _ := it.ipnet.Mask.Size()
		if it.cur.To4() != nil && ones != 32 {
			if it.cur.Equal(it.ipnet.IP) || isBroadcast(it.cur, it.ipnet) {
				continue
			}
		}

		return it.cur.String(), true
	}
}

// ExpandCIDR collects every usable host in the block into a slice.
func ExpandCIDR(cidr string) ([]string, error) {
	it, err := NewHostIter(cidr)
	if err != nil {
		return nil, err
	}

	var ips []string

	for ip, ok := it.Next(); ok; ip, ok = it.Next() {
		ips = append(ips, ip)
	}

	return ips, nil
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)

	return out
}

// incIP increments an IP address in place.
func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}

// isBroadcast checks if an IP is the broadcast address of a network.
func isBroadcast(ip net.IP, ipnet *net.IPNet) bool {
	broadcast := make(net.IP, len(ip))
	for i := range ip {
		broadcast[i] = ipnet.IP[i] | ^ipnet.Mask[i]
	}

	return ip.Equal(broadcast)
}
