package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
//
// A nil *Telemetry and one built with Enabled=false are both valid: every
// Record*/Instrument* method degrades to a no-op, so packages take a
// *Telemetry without caring whether metrics are on.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Transfer engine
	transfersTotal    metric.Int64Counter
	transfersActive   metric.Int64UpDownCounter
	transferBytes     metric.Int64Counter
	transferRetries   metric.Int64Counter
	transferDuration  metric.Float64Histogram
	registryRejection metric.Int64Counter

	// Job admission and execution
	jobsDispatched metric.Int64Counter
	jobsProcessed  metric.Int64Counter
	jobsActive     metric.Int64UpDownCounter
	jobDuration    metric.Float64Histogram
	jobsSwept      metric.Int64Counter

	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, additionally pushes metrics to an OTLP gRPC collector.
	OTLPEndpoint string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	// Spans are not exported; the provider exists so logs carry valid trace and span ids.
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime metrics: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer, or a no-op tracer when telemetry is disabled.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("fetchqueue")
	}

	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(ctx context.Context, method, route, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(ctx, 1, attrs)
	t.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// AddHTTPInFlight moves the in-flight HTTP request gauge by delta.
func (t *Telemetry) AddHTTPInFlight(ctx context.Context, delta int64) {
	if t == nil || t.httpRequestsInFlight == nil {
		return
	}

	t.httpRequestsInFlight.Add(ctx, delta)
}

// RecordTransfer records the outcome of one transfer attempt.
func (t *Telemetry) RecordTransfer(ctx context.Context, outcome string, duration time.Duration) {
	if t == nil || t.transfersTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))

	t.transfersTotal.Add(ctx, 1, attrs)
	t.transferDuration.Record(ctx, duration.Seconds(), attrs)
}

// AddTransferBytes counts bytes written to disk by the transfer engine.
func (t *Telemetry) AddTransferBytes(ctx context.Context, n int64) {
	if t == nil || t.transferBytes == nil || n <= 0 {
		return
	}

	t.transferBytes.Add(ctx, n)
}

// RecordTransferRetry counts a retry scheduled by the retry wrapper.
func (t *Telemetry) RecordTransferRetry(ctx context.Context) {
	if t == nil || t.transferRetries == nil {
		return
	}

	t.transferRetries.Add(ctx, 1)
}

// RecordResourceBusy counts a registry begin rejected because the resource was in flight.
func (t *Telemetry) RecordResourceBusy(ctx context.Context, family string) {
	if t == nil || t.registryRejection == nil {
		return
	}

	t.registryRejection.Add(ctx, 1, metric.WithAttributes(attribute.String("family", family)))
}

// RecordDispatch records a job dispatch and whether it created a new job.
func (t *Telemetry) RecordDispatch(ctx context.Context, queue string, created bool) {
	if t == nil || t.jobsDispatched == nil {
		return
	}

	t.jobsDispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.Bool("created", created),
	))
}

// RecordJob records a finished job execution. status is one of completed, retrying, failed, released.
func (t *Telemetry) RecordJob(ctx context.Context, queue, status string, duration time.Duration) {
	if t == nil || t.jobsProcessed == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("status", status),
	)

	t.jobsProcessed.Add(ctx, 1, attrs)
	t.jobDuration.Record(ctx, duration.Seconds(), attrs)
}

// AddActiveJobs moves the active job gauge of queue by delta.
func (t *Telemetry) AddActiveJobs(ctx context.Context, queue string, delta int64) {
	if t == nil || t.jobsActive == nil {
		return
	}

	t.jobsActive.Add(ctx, delta, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordSweep records jobs touched by the retention sweeper. action is requeued or pruned.
func (t *Telemetry) RecordSweep(ctx context.Context, queue, action string, n int) {
	if t == nil || t.jobsSwept == nil || n == 0 {
		return
	}

	t.jobsSwept.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("action", action),
	))
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(ctx context.Context, operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(ctx, 1, attrs)
	t.dbOperationDuration.Record(ctx, duration.Seconds(), attrs)
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return errors.Join(
		t.meterProvider.Shutdown(ctx),
		t.tracerProvider.Shutdown(ctx),
	)
}

func (t *Telemetry) initializeMetrics() error {
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&t.httpRequestsTotal, "http_requests_total", "Total number of HTTP requests", "1"},
		{&t.transfersTotal, "transfers_total", "Total number of transfer attempts", "1"},
		{&t.transferBytes, "transfer_bytes_total", "Bytes written by the transfer engine", "By"},
		{&t.transferRetries, "transfer_retries_total", "Retries scheduled by the retry wrapper", "1"},
		{&t.registryRejection, "registry_busy_total", "Transfers rejected because the resource was in flight", "1"},
		{&t.jobsDispatched, "jobs_dispatched_total", "Total number of job dispatches", "1"},
		{&t.jobsProcessed, "jobs_processed_total", "Total number of job executions", "1"},
		{&t.jobsSwept, "jobs_swept_total", "Jobs requeued or pruned by the sweeper", "1"},
		{&t.dbOperationsTotal, "db_operations_total", "Total number of queue backend operations", "1"},
	}

	for _, c := range counters {
		inst, err := t.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}

		*c.dst = inst
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&t.httpRequestDuration, "http_request_duration_seconds", "HTTP request duration in seconds"},
		{&t.transferDuration, "transfer_duration_seconds", "Transfer attempt duration in seconds"},
		{&t.jobDuration, "job_duration_seconds", "Job execution duration in seconds"},
		{&t.dbOperationDuration, "db_operation_duration_seconds", "Queue backend operation duration in seconds"},
	}

	for _, h := range histograms {
		inst, err := t.meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}

		*h.dst = inst
	}

	gauges := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&t.httpRequestsInFlight, "http_requests_in_flight", "Number of HTTP requests currently being processed"},
		{&t.transfersActive, "transfers_active", "Number of transfer attempts in progress"},
		{&t.jobsActive, "jobs_active", "Number of jobs currently executing"},
	}

	for _, g := range gauges {
		inst, err := t.meter.Int64UpDownCounter(g.name, metric.WithDescription(g.desc), metric.WithUnit("1"))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", g.name, err)
		}

		*g.dst = inst
	}

	return nil
}
