package loader

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/mawngo/go-loader"

// instruments records spans and metrics of a loader.
// All methods are safe to be used concurrently.
type instruments struct {
	tracer trace.Tracer
	label  attribute.KeyValue
	attrs  metric.MeasurementOption

	calls     metric.Int64Counter
	failures  metric.Int64Counter
	fetched   metric.Int64Counter
	hits      metric.Int64Counter
	misses    metric.Int64Counter
	batchSize metric.Int64Histogram
}

func newInstruments(c config, logger *slog.Logger) *instruments {
	tp := c.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := c.meterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	label := attribute.String("loader.label", c.label)
	inst := &instruments{
		tracer: tp.Tracer(instrumentationName),
		label:  label,
		attrs:  metric.WithAttributes(label),
	}
	if err := inst.register(mp.Meter(instrumentationName)); err != nil {
		logger.Error("error registering loader metrics", slog.String("label", c.label), slog.Any("err", err))
		_ = inst.register(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return inst
}

func (i *instruments) register(meter metric.Meter) error {
	var err error
	if i.calls, err = meter.Int64Counter("loader.fetch.calls",
		metric.WithDescription("Number of fetcher calls."),
		metric.WithUnit("{call}")); err != nil {
		return err
	}
	if i.failures, err = meter.Int64Counter("loader.fetch.errors",
		metric.WithDescription("Number of failed fetcher calls."),
		metric.WithUnit("{call}")); err != nil {
		return err
	}
	if i.fetched, err = meter.Int64Counter("loader.fetch.keys",
		metric.WithDescription("Number of keys passed to the fetcher."),
		metric.WithUnit("{key}")); err != nil {
		return err
	}
	if i.hits, err = meter.Int64Counter("loader.cache.hits",
		metric.WithDescription("Number of requested keys that were already resolved."),
		metric.WithUnit("{key}")); err != nil {
		return err
	}
	if i.misses, err = meter.Int64Counter("loader.cache.misses",
		metric.WithDescription("Number of requested keys that had to be fetched."),
		metric.WithUnit("{key}")); err != nil {
		return err
	}
	if i.batchSize, err = meter.Int64Histogram("loader.batch.size",
		metric.WithDescription("Number of keys per fetcher call."),
		metric.WithUnit("{key}")); err != nil {
		return err
	}
	return nil
}

// lookup records the outcome of the first resolve pass of a load request.
func (i *instruments) lookup(ctx context.Context, hits int, misses int) {
	if hits > 0 {
		i.hits.Add(ctx, int64(hits), i.attrs)
	}
	if misses > 0 {
		i.misses.Add(ctx, int64(misses), i.attrs)
	}
}

// startFetch starts the span of a fetcher call.
func (i *instruments) startFetch(ctx context.Context, keys int, requests int) (context.Context, trace.Span) {
	i.calls.Add(ctx, 1, i.attrs)
	i.fetched.Add(ctx, int64(keys), i.attrs)
	i.batchSize.Record(ctx, int64(keys), i.attrs)
	return i.tracer.Start(ctx, "loader.Fetch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			i.label,
			attribute.Int("loader.keys", keys),
			attribute.Int("loader.requests", requests),
		))
}

// endFetch ends the span of a fetcher call.
func (i *instruments) endFetch(ctx context.Context, span trace.Span, err error) {
	if err != nil {
		i.failures.Add(ctx, 1, i.attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
