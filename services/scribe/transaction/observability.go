// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const transactionTracerName = "scribe.transaction"

// Tracer provides OpenTelemetry tracing for transaction operations.
//
// # Description
//
// Wraps the OpenTelemetry tracer with session-scoped span creation.
// When disabled, returns noop spans.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a new transaction tracer.
//
// # Inputs
//
//   - logger: Logger for structured logging. Uses slog.Default() if nil.
//   - enabled: Whether tracing is enabled. When false, uses noop spans.
//
// # Outputs
//
//   - *Tracer: Ready-to-use tracer instance.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(transactionTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartOp starts a span for a public manager operation.
//
// # Inputs
//
//   - ctx: Parent context for span creation.
//   - operation: Operation name, e.g. "begin" or "rollback".
//   - sessionID: Session the operation acts on. May be empty.
//   - attrs: Extra span attributes.
//
// # Outputs
//
//   - context.Context: Context with span attached.
//   - trace.Span: The created span. Caller must pass it to EndOp.
func (t *Tracer) StartOp(ctx context.Context, operation, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	attrs = append(attrs, attribute.String("scribe.session_id", truncateForTrace(sessionID, 128)))
	ctx, span := t.tracer.Start(ctx, "transaction."+operation,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	t.logger.DebugContext(ctx, "transaction operation started",
		slog.String("operation", operation),
		slog.String("session_id", sessionID),
	)

	return ctx, span
}

// EndOp completes a span started by StartOp.
//
// # Inputs
//
//   - span: The span to end.
//   - err: Error if the operation failed.
//   - attrs: Result attributes, set only on success.
func (t *Tracer) EndOp(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	span.SetStatus(codes.Ok, "")
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
}

// StartStoreOp starts a child span for a version store operation.
func (t *Tracer) StartStoreOp(ctx context.Context, operation string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	return t.tracer.Start(ctx, "transaction.store."+operation,
		trace.WithAttributes(
			attribute.String("store.operation", operation),
		),
	)
}

// EndStoreOp completes a version store operation span.
func (t *Tracer) EndStoreOp(span trace.Span, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	span.SetStatus(codes.Ok, "")
}

// RecordRewrite adds a history rewrite event to the current span.
//
// # Inputs
//
//   - ctx: Context containing the active span.
//   - ref: The ref that was rewritten.
//   - from: Old tip.
//   - to: New tip. Empty when the ref was removed.
func (t *Tracer) RecordRewrite(ctx context.Context, ref, from, to string) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("ref_rewritten",
			trace.WithAttributes(
				attribute.String("ref.name", ref),
				attribute.String("ref.from", truncateForTrace(from, 40)),
				attribute.String("ref.to", truncateForTrace(to, 40)),
			),
		)
	}

	t.logger.DebugContext(ctx, "ref rewritten",
		slog.String("ref", ref),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// truncateForTrace truncates a string for use in span attributes.
//
// If maxLen is less than 4, returns at most maxLen characters without suffix.
func truncateForTrace(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		if maxLen <= 0 {
			return ""
		}
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// LoggerWithTrace returns a logger with trace_id and span_id from ctx,
// or logger unchanged when ctx carries no valid span.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
