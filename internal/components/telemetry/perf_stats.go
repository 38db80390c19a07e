package telemetry

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
)

const (
	report_perf_cpu        = "perf.cpu-percent"
	report_perf_alloc      = "perf.allocated-mb"
	report_perf_goroutines = "perf.goroutines"
)

// InstrumentPerfStats reports process resource usage through tel every
// interval until ctx is done.
func InstrumentPerfStats(ctx context.Context, tel API, interval time.Duration) {
	go func() {
		var memStats runtime.MemStats
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				runtime.ReadMemStats(&memStats)

				usage, err := cpu.PercentWithContext(ctx, time.Second, false)
				if err == nil && len(usage) > 0 {
					tel.ReportCount(report_perf_cpu, int64(usage[0]))
				} else if err != nil {
					tel.ReportWarning(report_perf_cpu, err)
				}

				tel.ReportCount(report_perf_alloc, int64(memStats.Alloc/1_000_000))
				tel.ReportCount(report_perf_goroutines, int64(runtime.NumGoroutine()))
			case <-ctx.Done():
				return
			}
		}
	}()
}
