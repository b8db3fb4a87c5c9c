package telemetry

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var perfMeter = otel.Meter("snapr/perf_stats")

type perfGauges struct {
	cpu        metric.Float64Gauge
	allocated  metric.Int64Gauge
	goroutines metric.Int64Gauge
}

func newPerfGauges() (perfGauges, error) {
	cpuGauge, err := perfMeter.Float64Gauge(
		"cpu_usage",
		metric.WithDescription("Host CPU usage in percent."),
	)
	if err != nil {
		return perfGauges{}, err
	}
	allocatedGauge, err := perfMeter.Int64Gauge(
		"allocated_mb",
		metric.WithDescription("Heap memory currently allocated, in megabytes."),
	)
	if err != nil {
		return perfGauges{}, err
	}
	goroutineGauge, err := perfMeter.Int64Gauge("goroutine_count")
	if err != nil {
		return perfGauges{}, err
	}
	return perfGauges{
		cpu:        cpuGauge,
		allocated:  allocatedGauge,
		goroutines: goroutineGauge,
	}, nil
}

// InstrumentPerfStats records host and runtime stats every interval until ctx is
// done. A harvest is long running and mostly waiting, this is how a stuck one is
// told apart from a slow one.
func InstrumentPerfStats(ctx context.Context, interval time.Duration) error {
	gauges, err := newPerfGauges()
	if err != nil {
		return err
	}

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
					gauges.cpu.Record(ctx, usage[0])
				} else if err != nil && ctx.Err() == nil {
					slog.Debug("failed to read cpu usage", "err", err)
				}

				gauges.allocated.Record(ctx, int64(memStats.Alloc/1_000_000))
				gauges.goroutines.Record(ctx, int64(runtime.NumGoroutine()))
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
