package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"aaronromeo.com/identityswitch/pkg/base"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/encoding/gzip"
)

const (
	defaultHTTPEndpoint   = "otlp.uptrace.dev"
	defaultGRPCEndpoint   = "otlp.uptrace.dev:4317"
	defaultMetricInterval = 15 * time.Second
)

// Telemetry is where the OpenTelemetry pipeline exports to.
type Telemetry struct {
	DSN            string
	HTTPEndpoint   string
	GRPCEndpoint   string
	Stdout         bool
	MetricInterval time.Duration
}

// TelemetryFromEnv reads the exporter settings from the environment.
func TelemetryFromEnv() (Telemetry, error) {
	t := Telemetry{
		DSN:            os.Getenv(base.UPTRACE_DSN_ENV_VAR),
		HTTPEndpoint:   envOr(base.OTLP_HTTP_ENDPOINT_ENV_VAR, defaultHTTPEndpoint),
		GRPCEndpoint:   envOr(base.OTLP_GRPC_ENDPOINT_ENV_VAR, defaultGRPCEndpoint),
		Stdout:         os.Getenv(base.OTEL_STDOUT_ENV_VAR) != "",
		MetricInterval: defaultMetricInterval,
	}
	if raw := os.Getenv(base.OTEL_METRIC_INTERVAL_ENV); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return t, fmt.Errorf("invalid %s %q", base.OTEL_METRIC_INTERVAL_ENV, raw)
		}
		t.MetricInterval = d
	}
	return t, nil
}

// Enabled reports whether any provider gets installed.
func (t Telemetry) Enabled() bool {
	return t.DSN != "" || t.Stdout
}

func (t Telemetry) headers() map[string]string {
	return map[string]string{"uptrace-dsn": t.DSN}
}

// TelemetryEnabled reports whether SetupOTelSDK will install any provider.
func TelemetryEnabled() bool {
	t, err := TelemetryFromEnv()
	return err == nil && t.Enabled()
}

// SetupOTelSDK bootstraps the OpenTelemetry pipeline.
// Without a DSN only the stdout log exporter can be enabled; otherwise the
// global no-op providers stay in place.
// If it does not return an error, make sure to call shutdown for proper cleanup.
func SetupOTelSDK(ctx context.Context, version string) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error

	// shutdown calls cleanup functions registered via shutdownFuncs.
	// The errors from the calls are joined.
	// Each registered cleanup will be invoked once.
	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	// handleErr calls shutdown for cleanup and makes sure that all errors are returned.
	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	cfg, err := TelemetryFromEnv()
	if err != nil {
		return shutdown, err
	}

	otel.SetTextMapPropagator(newPropagator())

	if cfg.DSN == "" {
		if !cfg.Stdout {
			return shutdown, nil
		}
		loggerProvider, lerr := newStdoutLoggerProvider()
		if lerr != nil {
			handleErr(lerr)
			return
		}
		shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
		global.SetLoggerProvider(loggerProvider)
		return shutdown, nil
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			attribute.String("service.name", base.UPTRACE_SERVICE),
			attribute.String("service.version", version),
		))
	if err != nil {
		handleErr(err)
		return
	}

	tracerProvider, err := newTraceProvider(ctx, cfg, res)
	if err != nil {
		handleErr(err)
		return
	}
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	meterProvider, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		handleErr(err)
		return
	}
	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	loggerProvider, err := newLoggerProvider(ctx, cfg, res)
	if err != nil {
		handleErr(err)
		return
	}
	shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
	global.SetLoggerProvider(loggerProvider)

	return
}

// newPropagator accepts W3C trace context and baggage as well as X-Ray
// headers from a fronting load balancer.
func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
		xray.Propagator{},
	)
}

func newTraceProvider(ctx context.Context, cfg Telemetry, res *resource.Resource) (*trace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.HTTPEndpoint),
		otlptracehttp.WithHeaders(cfg.headers()),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	)
	if err != nil {
		return nil, err
	}

	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithIDGenerator(xray.NewIDGenerator()),
		trace.WithBatcher(exporter,
			trace.WithMaxQueueSize(10_000),
			trace.WithMaxExportBatchSize(10_000),
			trace.WithBatchTimeout(time.Second)),
	), nil
}

// deltaCounters exports counters and histograms as deltas.
func deltaCounters(kind metric.InstrumentKind) metricdata.Temporality {
	switch kind {
	case metric.InstrumentKindCounter,
		metric.InstrumentKindObservableCounter,
		metric.InstrumentKindHistogram:
		return metricdata.DeltaTemporality
	default:
		return metricdata.CumulativeTemporality
	}
}

func newMeterProvider(ctx context.Context, cfg Telemetry, res *resource.Resource) (*metric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.GRPCEndpoint),
		otlpmetricgrpc.WithHeaders(cfg.headers()),
		otlpmetricgrpc.WithCompressor(gzip.Name),
		otlpmetricgrpc.WithTemporalitySelector(deltaCounters),
	)
	if err != nil {
		return nil, err
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(cfg.MetricInterval))),
	), nil
}

func newLoggerProvider(ctx context.Context, cfg Telemetry, res *resource.Resource) (*log.LoggerProvider, error) {
	exporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(cfg.HTTPEndpoint),
		otlploghttp.WithHeaders(cfg.headers()),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	)
	if err != nil {
		return nil, err
	}

	return log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(log.NewBatchProcessor(exporter)),
	), nil
}

func newStdoutLoggerProvider() (*log.LoggerProvider, error) {
	exporter, err := stdoutlog.New()
	if err != nil {
		return nil, err
	}

	return log.NewLoggerProvider(
		log.WithProcessor(log.NewSimpleProcessor(exporter)),
	), nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
