package api

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const cpuSampleInterval = 200 * time.Millisecond

type systemMetrics struct {
	CPUPercent   float64
	MemUsed      uint64
	MemTotal     uint64
	MemPercent   float64
	TemperatureC float64
}

func collectSystemMetrics(ctx context.Context) systemMetrics {
	var metrics systemMetrics

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err == nil {
		// Per-core percentage, normalized to 0-100
		if cpuPercent, err := proc.PercentWithContext(ctx, cpuSampleInterval); err == nil {
			metrics.CPUPercent = cpuPercent / float64(max(runtime.NumCPU(), 1))
		} else if percents, err := cpu.PercentWithContext(ctx, cpuSampleInterval, false); err == nil && len(percents) > 0 {
			metrics.CPUPercent = percents[0]
		}

		if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
			metrics.MemUsed = memInfo.RSS
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics.MemTotal = vm.Total
		if metrics.MemTotal > 0 && metrics.MemUsed > 0 {
			metrics.MemPercent = float64(metrics.MemUsed) / float64(metrics.MemTotal) * 100
		}
	}

	// Often unavailable in containers
	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil {
		var sum, count float64
		for _, sensor := range temps {
			if sensor.Temperature == 0 {
				continue
			}
			key := strings.ToLower(sensor.SensorKey)
			if strings.Contains(key, "package") || strings.Contains(key, "cpu") {
				metrics.TemperatureC = sensor.Temperature
				count = 0
				break
			}
			sum += sensor.Temperature
			count++
		}
		if count > 0 {
			metrics.TemperatureC = sum / count
		}
	}

	return metrics
}

// handleSystem reports process resource usage and domain set sizes
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	m := collectSystemMetrics(r.Context())

	resp := SystemResponse{
		Version:      s.version,
		Uptime:       s.getUptime(),
		GoVersion:    runtime.Version(),
		Goroutines:   runtime.NumGoroutine(),
		CPUPercent:   m.CPUPercent,
		MemUsed:      m.MemUsed,
		MemTotal:     m.MemTotal,
		MemPercent:   m.MemPercent,
		TemperatureC: m.TemperatureC,
	}
	if s.store != nil {
		resp.ManualBlocks, resp.ListBlocks, resp.AllowEntries = s.store.Counts()
	}

	s.writeJSON(w, http.StatusOK, resp)
}
