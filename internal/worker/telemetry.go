package worker

import (
	"context"
	"time"

	"github.com/kiranshivaraju/annoflow/internal/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/kiranshivaraju/annoflow/internal/worker"

// telemetry wraps message handling in a span and records duration and
// outcome. Without a configured provider the global noop one is used.
type telemetry struct {
	tracer    trace.Tracer
	duration  metric.Float64Histogram
	processed metric.Int64Counter
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) *telemetry {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	// Instrument errors fall back to noop instruments.
	duration, _ := meter.Float64Histogram(
		"annoflow.message.duration",
		metric.WithDescription("Time spent handling one queue message"),
		metric.WithUnit("s"),
	)
	processed, _ := meter.Int64Counter(
		"annoflow.message.processed",
		metric.WithDescription("Queue messages handled, by outcome"),
		metric.WithUnit("{message}"),
	)
	return &telemetry{
		tracer:    tp.Tracer(instrumentationName),
		duration:  duration,
		processed: processed,
	}
}

func (t *telemetry) observe(ctx context.Context, worker string, msg queue.Message, fn func(context.Context) error) (Outcome, error) {
	ctx, span := t.tracer.Start(ctx, "annoflow.message.handle",
		trace.WithAttributes(
			attribute.String("annoflow.worker", worker),
			attribute.String("annoflow.queue", msg.Queue),
			attribute.String("annoflow.message.id", msg.ID),
			attribute.Int("annoflow.message.attempt", msg.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	outcome := Classify(err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String("annoflow.outcome", string(outcome)))

	attrs := metric.WithAttributes(
		attribute.String("worker", worker),
		attribute.String("queue", msg.Queue),
		attribute.String("outcome", string(outcome)),
	)
	t.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	t.processed.Add(ctx, 1, attrs)

	return outcome, err
}
