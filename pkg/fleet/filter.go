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
	"fmt"
	"strconv"

	"github.com/shoal-run/shoal/pkg/models"
)

// Filter is one roster predicate. The set of filters is closed: unknown
// keys are a caller error, never a silently-empty result.
type Filter struct {
	key  string
	eval func(*models.DeviceRecord) bool
}

func (f Filter) Match(rec *models.DeviceRecord) bool { return f.eval(rec) }

// Key names the roster field the filter matches on.
func (f Filter) Key() string { return f.key }

func ByName(name string) Filter {
	return Filter{key: "name", eval: func(r *models.DeviceRecord) bool { return r.Name == name }}
}

func ByUser(user string) Filter {
	return Filter{key: "user", eval: func(r *models.DeviceRecord) bool { return r.Credentials.User == user }}
}

func ByHost(host string) Filter {
	return Filter{key: "host", eval: func(r *models.DeviceRecord) bool {
		return r.Net.Hostname == host || r.Net.LastIP == host || r.Net.StaticIP == host
	}}
}

func ByUUID(id string) Filter {
	return Filter{key: "uuid", eval: func(r *models.DeviceRecord) bool { return r.UUID == id }}
}

func ByReachable(want bool) Filter {
	return Filter{key: "reachable", eval: func(r *models.DeviceRecord) bool { return r.Flags.Reachable.OK == want }}
}

func ByConfigured(want bool) Filter {
	return Filter{key: "configured", eval: func(r *models.DeviceRecord) bool { return r.Flags.Configured.OK == want }}
}

func BySoftwareReady(want bool) Filter {
	return Filter{key: "software_ready", eval: func(r *models.DeviceRecord) bool { return r.Flags.SoftwareReady.OK == want }}
}

func ByConfirmed(want bool) Filter {
	return Filter{key: "confirmed", eval: func(r *models.DeviceRecord) bool { return r.Confirmed() == want }}
}

// ParseFilter builds a filter from a key=value pair, for CLI use.
func ParseFilter(key, value string) (Filter, error) {
	switch key {
	case "name":
		return ByName(value), nil
	case "user":
		return ByUser(value), nil
	case "host":
		return ByHost(value), nil
	case "uuid":
		return ByUUID(value), nil
	case "reachable", "configured", "software_ready", "confirmed":
		want, err := strconv.ParseBool(value)
		if err != nil {
			return Filter{}, fmt.Errorf("%w: %q wants a boolean, got %q", models.ErrInvalidFilterKey, key, value)
		}

		switch key {
		case "reachable":
			return ByReachable(want), nil
		case "configured":
			return ByConfigured(want), nil
		case "software_ready":
			return BySoftwareReady(want), nil
		default:
			return ByConfirmed(want), nil
		}
	default:
		return Filter{}, fmt.Errorf("%w: %q", models.ErrInvalidFilterKey, key)
	}
}
