package source

import (
	"context"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"
)

// SystemStats is the value produced by the system stats source. The power
// widget shows these alongside battery state.
type SystemStats struct {
	CPUPercent     float64       `json:"cpu_percent"`
	MemUsedPercent float64       `json:"mem_used_percent"`
	TemperatureC   float64       `json:"temperature_c"`
	Uptime         time.Duration `json:"uptime"`
}

// SystemStatsSource gathers CPU, memory, temperature, and uptime via
// gopsutil. Partial failures are tolerated; the snapshot carries whatever
// could be read.
type SystemStatsSource struct{}

// NewSystemStatsSource creates the system stats source.
func NewSystemStatsSource() *SystemStatsSource {
	return &SystemStatsSource{}
}

// Key returns the system stats key.
func (s *SystemStatsSource) Key() Key { return KeySystemStats }

// Fetch collects one snapshot. It fails only when every probe fails.
func (s *SystemStatsSource) Fetch(ctx context.Context) (any, error) {
	var stats SystemStats
	failures := 0

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	} else {
		failures++
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemUsedPercent = vm.UsedPercent
	} else {
		failures++
	}

	if temps, err := sensors.TemperaturesWithContext(ctx); err == nil {
		stats.TemperatureC = pickCPUTemperature(temps)
	} else {
		failures++
	}

	if secs, err := host.UptimeWithContext(ctx); err == nil {
		stats.Uptime = time.Duration(secs) * time.Second
	} else {
		failures++
	}

	if failures == 4 {
		return nil, Unavailable(KeySystemStats, ctx.Err())
	}
	return stats, nil
}

// Equal ignores uptime so the steadily increasing counter does not defeat
// the unchanged-result backoff.
func (s *SystemStatsSource) Equal(a, b any) bool {
	sa, okA := a.(SystemStats)
	sb, okB := b.(SystemStats)
	if !okA || !okB {
		return false
	}
	return sa.CPUPercent == sb.CPUPercent &&
		sa.MemUsedPercent == sb.MemUsedPercent &&
		sa.TemperatureC == sb.TemperatureC
}

// pickCPUTemperature prefers package/core sensors, falling back to the
// hottest reading.
func pickCPUTemperature(temps []sensors.TemperatureStat) float64 {
	var hottest float64
	for _, t := range temps {
		key := strings.ToLower(t.SensorKey)
		if strings.Contains(key, "package") || strings.Contains(key, "coretemp") || strings.Contains(key, "k10temp") {
			return t.Temperature
		}
		if t.Temperature > hottest {
			hottest = t.Temperature
		}
	}
	return hottest
}
