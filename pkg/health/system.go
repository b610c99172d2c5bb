// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package health

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Resource usage thresholds, in percent, at or past which the system check
// fails (reported as unhealthy; the check has no separate degraded level).
// A node near these limits can still complete work it already accepted, but
// shouldn't be advertising more batch capacity.
const (
	memoryThresholdDegraded = 85.0
	diskThresholdDegraded   = 85.0
)

// RPCHealthCheck wraps a connectivity probe against the node's trusted RPC
// peer.
func RPCHealthCheck(probe func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) error {
		if probe == nil {
			return fmt.Errorf("health: rpc check not configured")
		}
		return probe(ctx)
	}
}

// IdentityHealthCheck wraps a synchronous check that the node's signing
// identity is still usable (its secret key loaded, its address derivable).
func IdentityHealthCheck(probe func() error) CheckFunc {
	return func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() { done <- probe() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ProviderHealthCheck wraps a connectivity probe against a configured model
// provider endpoint (a local Ollama instance or a hosted API).
func ProviderHealthCheck(probe func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) error {
		return probe(ctx)
	}
}

// ServiceHealthCheck wraps a generic named-URL reachability probe; the node
// binary uses it for the local Ollama endpoint.
func ServiceHealthCheck(url string, probe func(ctx context.Context, url string) error) CheckFunc {
	return func(ctx context.Context) error {
		return probe(ctx, url)
	}
}

// SystemResourceCheck returns an error, which the checker reports as
// unhealthy, once memory or disk usage on the host reaches
// memoryThresholdDegraded/diskThresholdDegraded.
func SystemResourceCheck(ctx context.Context) error {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("read memory stats: %w", err)
	}
	if vm.UsedPercent >= memoryThresholdDegraded {
		return fmt.Errorf("memory usage at %.1f%%", vm.UsedPercent)
	}

	du, err := disk.UsageWithContext(ctx, ".")
	if err != nil {
		return fmt.Errorf("read disk stats: %w", err)
	}
	if du.UsedPercent >= diskThresholdDegraded {
		return fmt.Errorf("disk usage at %.1f%%", du.UsedPercent)
	}

	if _, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		return fmt.Errorf("read cpu stats: %w", err)
	}
	return nil
}
