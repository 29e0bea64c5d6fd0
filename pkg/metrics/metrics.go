package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"busstream/pkg/otel"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const exportInterval = 60 * time.Second

var (
	meterProvider *sdkmetric.MeterProvider

	// Meter is the global meter for creating instruments
	Meter metric.Meter

	// lastSampleTimestamp tracks the last location sample delivered to a sink (Unix timestamp)
	lastSampleTimestamp atomic.Int64

	// connectedStreams counts subscriptions currently in the Connected state
	connectedStreams atomic.Int64
)

// InitMetrics initializes OpenTelemetry metrics with the configured exporter.
// Returns a shutdown function that should be called on application exit.
func InitMetrics() (func(), error) {
	if !otel.IsMetricsEnabled() {
		slog.Debug("OpenTelemetry metrics is disabled")
		return func() {}, nil
	}

	ctx := context.Background()
	cfg := otel.GetExporterConfig(otel.SignalMetrics)

	exporter, err := otel.NewMetricExporter(ctx, cfg)
	if err != nil {
		slog.Warn("Failed to create OTLP metric exporter, using noop", "error", err)
		return func() {}, nil
	}

	res, err := otel.NewResource()
	if err != nil {
		slog.Warn("Failed to create resource, using noop", "error", err)
		return func() {}, nil
	}

	meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
		sdkmetric.WithResource(res),
	)
	otelapi.SetMeterProvider(meterProvider)

	if err := Register(meterProvider.Meter(otel.ServiceName)); err != nil {
		slog.Error("Failed to initialize metric instruments", "error", err)
		return func() {}, nil
	}

	slog.Debug("OpenTelemetry metrics initialized",
		"endpoint", cfg.Endpoint,
		"protocol", cfg.Protocol,
	)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(ctx); err != nil {
			slog.Error("Error shutting down meter provider", "error", err)
		}
	}, nil
}

// Register creates every instrument on m. Tests pass a meter backed by a manual reader.
func Register(m metric.Meter) error {
	Meter = m
	if err := initializeInstruments(); err != nil {
		Meter = nil
		return err
	}
	if err := registerObservables(); err != nil {
		slog.Warn("Failed to register observable metrics", "error", err)
	}
	return nil
}

type gauge struct {
	name, description, unit string
	observe                 func() int64
}

func memStat(read func(*runtime.MemStats) uint64) func() int64 {
	return func() int64 {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return int64(read(&m))
	}
}

func registerObservables() error {
	gauges := []gauge{
		{"runtime.go.goroutines", "Number of goroutines", "{goroutine}", func() int64 { return int64(runtime.NumGoroutine()) }},
		{"runtime.go.mem.heap_alloc", "Heap memory allocated", "By", memStat(func(m *runtime.MemStats) uint64 { return m.HeapAlloc })},
		{"runtime.go.mem.heap_inuse", "Heap memory in use", "By", memStat(func(m *runtime.MemStats) uint64 { return m.HeapInuse })},
		{"runtime.go.mem.sys", "Total memory obtained from OS", "By", memStat(func(m *runtime.MemStats) uint64 { return m.Sys })},
		{"stream.connected", "Subscriptions currently connected", "{stream}", connectedStreams.Load},
	}

	for _, g := range gauges {
		observe := g.observe
		_, err := Meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit(g.unit),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(observe())
				return nil
			}),
		)
		if err != nil {
			return err
		}
	}

	_, err := Meter.Int64ObservableGauge(
		"sink.last_sample.timestamp",
		metric.WithDescription("Unix timestamp of the last sample delivered to a sink"),
		metric.WithUnit("s"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			if ts := lastSampleTimestamp.Load(); ts > 0 {
				o.Observe(ts)
			}
			return nil
		}),
	)
	if err != nil {
		return err
	}

	_, err = Meter.Int64ObservableCounter(
		"runtime.go.gc.count",
		metric.WithDescription("Number of completed GC cycles"),
		metric.WithUnit("{gc}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			o.Observe(int64(m.NumGC))
			return nil
		}),
	)
	return err
}

// RecordLastSampleTimestamp records the current time as the last sink delivery
func RecordLastSampleTimestamp() {
	lastSampleTimestamp.Store(time.Now().Unix())
}

// IsEnabled returns true if metrics collection is enabled
func IsEnabled() bool {
	return Meter != nil
}
