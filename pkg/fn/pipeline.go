package fn

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stage is a function that transforms In to Out within a context.
type Stage[In, Out any] func(context.Context, In) Result[Out]

// TracedStage wraps a stage with OTel span creation. Failed results mark the
// span as errored.
func TracedStage[In, Out any](name string, stage Stage[In, Out], attrs ...attribute.KeyValue) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		ctx, span := otel.Tracer("pkg/fn").Start(ctx, name, trace.WithAttributes(attrs...))
		defer span.End()
		result := stage(ctx, in)
		if result.IsErr() {
			span.RecordError(result.err)
			span.SetStatus(codes.Error, result.err.Error())
		}
		return result
	}
}

// TimeoutStage bounds a stage with its own deadline derived from the caller's
// context. A non-positive timeout leaves the caller's deadline alone.
func TimeoutStage[In, Out any](timeout time.Duration, stage Stage[In, Out]) Stage[In, Out] {
	if timeout <= 0 {
		return stage
	}
	return func(ctx context.Context, in In) Result[Out] {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return stage(ctx, in)
	}
}
