package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes stay low-cardinality: operation, component, queue and outcome
// names only. URLs, job ids and file paths belong in logs, not in attributes.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation runs fn inside a span named operationName.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	ctx, span := t.tracer.Start(ctx, operationName)
	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	if err != nil {
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

// InstrumentDBOperation instruments queue backend operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "queue_backend", fn)

	t.RecordDBOperation(ctx, operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentTransfer instruments one transfer attempt. outcome maps the attempt's
// error to a bounded label such as success, retryable, fatal or cancelled.
func (t *Telemetry) InstrumentTransfer(ctx context.Context, outcome func(error) string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	if t.transfersActive != nil {
		t.transfersActive.Add(ctx, 1)
		defer t.transfersActive.Add(ctx, -1)
	}

	err := t.InstrumentOperation(ctx, "transfer_attempt", "transfer", fn)

	t.RecordTransfer(ctx, outcome(err), time.Since(start))

	return err
}

// InstrumentJob instruments the execution of one job on queue.
func (t *Telemetry) InstrumentJob(ctx context.Context, queue, jobType string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	ctx, span := t.tracer.Start(ctx, "job")
	defer span.End()

	span.SetAttributes(
		attribute.String("job.queue", queue),
		attribute.String("job.type", jobType),
	)

	t.AddActiveJobs(ctx, queue, 1)
	defer t.AddActiveJobs(ctx, queue, -1)

	err := fn(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
