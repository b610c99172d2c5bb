// Package specs samples host capabilities for advertisement to the overlay:
// memory, CPU, platform, and the configured model list.
package specs

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/cryptoklosh/dkn-compute-node/internal/payloads"
)

// Collector samples the host and reports it alongside static node metadata.
type Collector struct {
	Models         []string
	Version        string
	PublicIPLookup string
}

// NewCollector builds a Collector advertising the given models under the
// given build version.
func NewCollector(models []string, version string) *Collector {
	return &Collector{Models: models, Version: version}
}

// Collect samples current host stats. CPU usage is measured over a short
// blocking window; callers should not call Collect on a hot path expecting
// it to return instantly.
func (c *Collector) Collect(ctx context.Context) (payloads.Specs, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return payloads.Specs{}, err
	}

	counts, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return payloads.Specs{}, err
	}

	percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return payloads.Specs{}, err
	}
	var usage float64
	if len(percents) > 0 {
		usage = percents[0]
	}

	return payloads.Specs{
		TotalMem:        vm.Total,
		FreeMem:         vm.Available,
		NumCPUs:         counts,
		CPUUsagePercent: usage,
		OS:              runtime.GOOS,
		Arch:            runtime.GOARCH,
		PublicIPLookup:  c.PublicIPLookup,
		Models:          c.Models,
		Version:         c.Version,
	}, nil
}
