// Package tracing wraps OpenTelemetry span creation. Spans go to the global
// tracer provider; with no provider installed they are no-ops.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "chronicle"

// StoreOperation names a history store call.
type StoreOperation string

const (
	StoreOperationAppend    StoreOperation = "append"
	StoreOperationCascade   StoreOperation = "cascade_delete"
	StoreOperationScan      StoreOperation = "scan"
	StoreOperationCommit    StoreOperation = "commit"
	StoreOperationPartition StoreOperation = "create_partition"
)

// StartStoreSpan creates a client span for a store call against system
// ("postgresql", "redis", "memory").
//
//	ctx, end := tracing.StartStoreSpan(ctx, "postgresql", tracing.StoreOperationAppend)
//	defer func() { end(err) }()
func StartStoreSpan(ctx context.Context, system string, op StoreOperation) (context.Context, func(error)) {
	ctx, span := otel.Tracer(instrumentation+"/store").Start(ctx, "history."+string(op),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", system),
			attribute.String("db.operation", string(op)),
		),
	)
	return ctx, endFunc(span)
}

// StartSpan creates a span for a general operation.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, endFunc(span)
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

func endFunc(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
