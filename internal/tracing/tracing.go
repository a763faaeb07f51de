// Package tracing wires OpenTelemetry into the loop: one span per task, a
// span event per resumption.
package tracing

import (
	"context"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/me/pipe/internal/loop"
	"github.com/me/pipe/pkg/model"
)

const instrumentation = "github.com/me/pipe"

var (
	providerOnce sync.Once
	providerErr  error
	provider     *sdktrace.TracerProvider
)

// Init installs a global tracer provider exporting to outputFile, or stdout
// when it is empty. Only the first call has an effect.
func Init(serviceName, serviceVersion, outputFile string) error {
	providerOnce.Do(func() {
		var w io.Writer = os.Stdout
		if outputFile != "" {
			f, err := os.Create(outputFile)
			if err != nil {
				providerErr = err
				return
			}
			w = f
		}

		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			providerErr = err
			return
		}
		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				attribute.String("service.name", serviceName),
				attribute.String("service.version", serviceVersion),
			),
		)
		if err != nil {
			providerErr = err
			return
		}

		provider = sdktrace.NewTracerProvider(
			sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(provider)
	})
	return providerErr
}

// Shutdown flushes and stops the provider installed by Init, if any.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}

// StartSpan starts an internal span from the global provider.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
}

// EndSpan records err (or OK) on span and ends it.
func EndSpan(span trace.Span, err error) {
	setStatus(span, err)
	span.End()
}

func setStatus(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// Observer is a loop observer that keeps one span open per live task.
type Observer struct {
	loop.NopObserver

	ctx    context.Context
	tracer trace.Tracer
	spans  map[uint64]trace.Span
}

var _ loop.Observer = (*Observer)(nil)

// NewObserver creates task spans as children of the span in ctx. A nil tp
// uses the global provider.
func NewObserver(ctx context.Context, tp trace.TracerProvider) *Observer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Observer{
		ctx:    ctx,
		tracer: tp.Tracer(instrumentation),
		spans:  make(map[uint64]trace.Span),
	}
}

func (o *Observer) TaskCreated(t *loop.Task) {
	_, span := o.tracer.Start(o.ctx, "task "+t.Name(),
		trace.WithTimestamp(t.CreatedAt()),
		trace.WithAttributes(
			attribute.Int64("task.id", int64(t.ID())),
			attribute.String("task.name", t.Name()),
			attribute.Int64("task.created_tick", t.CreatedTick()),
		),
	)
	o.spans[t.ID()] = span
}

func (o *Observer) TaskResumed(t *loop.Task, step loop.Step) {
	span, ok := o.spans[t.ID()]
	if !ok {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("step", step.Kind().String())}
	if step.Kind() == loop.StepSuspend {
		attrs = append(attrs, attribute.Int64("ticks", step.Ticks()))
	}
	span.AddEvent("resume", trace.WithAttributes(attrs...))
}

func (o *Observer) TaskRetired(t *loop.Task) {
	span, ok := o.spans[t.ID()]
	if !ok {
		return
	}
	delete(o.spans, t.ID())

	span.SetAttributes(
		attribute.String("task.state", t.State().String()),
		attribute.Int64("task.finished_tick", t.FinishedTick()),
	)
	if t.State() == model.TaskStateCompleted {
		setStatus(span, nil)
	} else {
		setStatus(span, t.Err())
	}
	span.End(trace.WithTimestamp(t.FinishedAt()))
}

// Open returns the number of spans not yet ended.
func (o *Observer) Open() int {
	return len(o.spans)
}
