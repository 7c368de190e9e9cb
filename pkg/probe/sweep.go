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
	"context"
	"sort"
	"sync"
	"time"
)

const (
	defaultSweepConcurrency = 64
	sweepChannelSlack       = 2
)

// SweepResult is the outcome of probing one host during a LAN sweep.
type SweepResult struct {
	Host      string
	Open      bool
	RespTime  time.Duration
	CheckedAt time.Time
}

// Sweep probes every usable host in a CIDR block on the given port with a
// bounded worker pool and returns the responsive hosts in address order.
func (p *Prober) Sweep(ctx context.Context, cidr string, port, concurrency int) ([]string, error) {
	if concurrency <= 0 {
		concurrency = defaultSweepConcurrency
	}

	hosts, err := ExpandCIDR(cidr)
	if err != nil {
		return nil, err
	}

	resultCh := make(chan SweepResult, len(hosts))
	workCh := make(chan string, concurrency*sweepChannelSlack)

	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			p.sweepWorker(ctx, port, workCh, resultCh)
		}()
	}

	go func() {
		defer close(workCh)

		for _, h := range hosts {
			select {
			case <-ctx.Done():
				return
			case workCh <- h:
			}
		}
	}()

	wg.Wait()
	close(resultCh)

	order := make(map[string]int, len(hosts))
	for i, h := range hosts {
		order[h] = i
	}

	var open []string

	for r := range resultCh {
		if r.Open {
			open = append(open, r.Host)
		}
	}

	sort.Slice(open, func(i, j int) bool { return order[open[i]] < order[open[j]] })

	return open, ctx.Err()
}

func (p *Prober) sweepWorker(ctx context.Context, port int, workCh <-chan string, resultCh chan<- SweepResult) {
	for host := range workCh {
		start := time.Now()
		open := p.IsPortOpen(ctx, host, port, p.timeout)

		select {
		case <-ctx.Done():
			return
		case resultCh <- SweepResult{
			Host:      host,
			Open:      open,
			RespTime:  time.Since(start),
			CheckedAt: time.Now(),
		}:
		}
	}
}
