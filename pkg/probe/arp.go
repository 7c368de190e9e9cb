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

import (
	"bufio"
	"os"
	"strings"
)

// ARPSource answers hardware-address lookups for an IP. The system
// implementation reads the kernel neighbor table; tests inject fakes.
type ARPSource interface {
	Lookup(ip string) (mac string, ok bool)
}

const procNetARP = "/proc/net/arp"

// systemARPSource parses the Linux ARP table. Each line after the header
// is: IP HWtype Flags HWaddress Mask Device.
type systemARPSource struct{}

func (systemARPSource) Lookup(ip string) (string, bool) {
	f, err := os.Open(procNetARP)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}

		if fields[0] == ip {
			return fields[3], true
		}
	}

	return "", false
}
